package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/durability"
	"github.com/roach88/durable/internal/oplog"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Metrics bool
}

// ReplayWorkerResult holds the replay result for a single worker.
type ReplayWorkerResult struct {
	Worker        string `json:"worker"`
	Replayed      int    `json:"replayed"`
	Calls         int    `json:"imported_calls"`
	RemoteWrites  int    `json:"remote_writes"`
	Fingerprint   string `json:"fingerprint"`
	Deterministic bool   `json:"deterministic"`
	Error         string `json:"error,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Workers          []ReplayWorkerResult `json:"workers"`
	TotalWorkers     int                  `json:"total_workers"`
	AllDeterministic bool                 `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [worker...]",
		Short: "Replay oplogs and verify determinism",
		Long: `Replay worker oplogs the way recovery does and verify determinism.

Each log is replayed twice from storage through a fresh worker host. Every
recorded payload is downloaded and verified against its content key, and
the two passes must produce the same fingerprint.

Exit codes:
  0 - All workers replay deterministically
  1 - Verification failed (differences detected or a payload is corrupt)
  2 - Command error (storage unavailable, unknown worker, etc.)

Examples:
  durable replay
  durable replay 7b0d3c5a-8f2e-4d3b-9a61-2f4c8e1d5b07/cart
  durable replay --format json --metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd, args)
		},
	}
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print replay metrics in Prometheus format to stderr")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command, requested []string) error {
	ctx := cmd.Context()

	b, err := openBackend(ctx, opts.Config, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer b.Close()

	workers, err := b.selectWorkers(ctx, requested)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list workers", err)
	}

	result := ReplayResult{
		Workers:          make([]ReplayWorkerResult, 0, len(workers)),
		TotalWorkers:     len(workers),
		AllDeterministic: true,
	}
	for _, w := range workers {
		r, err := replayAndVerifyWorker(ctx, b, w)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay worker %s", w), err)
		}
		result.Workers = append(result.Workers, r)
		if !r.Deterministic {
			result.AllDeterministic = false
		}
	}

	if opts.Metrics {
		if err := b.metrics.WritePrometheus(cmd.ErrOrStderr()); err != nil {
			return err
		}
	}

	var failed *CLIError
	if !result.AllDeterministic {
		failed = &CLIError{Code: "E_DETERMINISM", Message: "determinism verification failed"}
	}
	if err := opts.formatter(cmd).Result(result, failed, func(w io.Writer) {
		outputReplayText(w, result, opts.Verbose)
	}); err != nil {
		return err
	}
	if failed != nil {
		return NewExitError(ExitFailure, failed.Message)
	}
	return nil
}

// replayPass is what one replay of a log observed.
type replayPass struct {
	digest       *codec.Digest
	calls        int
	remoteWrites int
	err          error
}

// replayedEntry is the fingerprinted view of one replayed entry.
type replayedEntry struct {
	Index    uint64 `json:"index"`
	Kind     string `json:"kind"`
	Function string `json:"function,omitempty"`
	Request  uint64 `json:"request,omitempty"`
	Response uint64 `json:"response,omitempty"`
}

// replayAndVerifyWorker replays one worker twice and compares the passes.
// Replay failures are reported in the result; only failing to open the log
// is an error.
func replayAndVerifyWorker(ctx context.Context, b *backend, worker string) (ReplayWorkerResult, error) {
	first, err := replayWorker(ctx, b, worker)
	if err != nil {
		return ReplayWorkerResult{}, err
	}
	second, err := replayWorker(ctx, b, worker)
	if err != nil {
		return ReplayWorkerResult{}, err
	}

	r := ReplayWorkerResult{
		Worker:       worker,
		Replayed:     first.digest.Len(),
		Calls:        first.calls,
		RemoteWrites: first.remoteWrites,
		Fingerprint:  fmt.Sprintf("%016x", first.digest.Sum64()),
	}
	switch {
	case first.err != nil:
		r.Error = first.err.Error()
	case second.err != nil:
		r.Error = second.err.Error()
	default:
		r.Deterministic = first.digest.Len() == second.digest.Len() && first.digest.Sum64() == second.digest.Sum64()
	}
	return r, nil
}

func replayWorker(ctx context.Context, b *backend, worker string) (replayPass, error) {
	log, err := b.open(ctx, worker)
	if err != nil {
		return replayPass{}, err
	}
	firstIndex, err := log.FirstIndex(ctx)
	if err != nil {
		return replayPass{}, err
	}
	start := oplog.InitialIndex
	if firstIndex > oplog.InitialIndex {
		start = firstIndex.Previous()
	}

	pass := replayPass{digest: codec.NewDigest()}
	host, err := durability.NewHost(ctx, log, append(b.hostOptions(worker), durability.WithReplayFrom(start))...)
	if err != nil {
		pass.err = err
		return pass, nil
	}

	for !host.IsLive() {
		idx, e, err := host.ReadNext(ctx)
		if err != nil {
			pass.err = err
			return pass, nil
		}
		item := replayedEntry{Index: uint64(idx), Kind: string(e.Kind), Function: e.FunctionName}
		if e.Request != nil {
			data, err := log.DownloadPayload(ctx, *e.Request)
			if err != nil {
				pass.err = err
				return pass, nil
			}
			item.Request = codec.FingerprintBytes(data)
		}
		if e.Response != nil {
			data, err := log.DownloadPayload(ctx, *e.Response)
			if err != nil {
				pass.err = err
				return pass, nil
			}
			item.Response = codec.FingerprintBytes(data)
		}
		switch e.Kind {
		case oplog.KindImportedFunctionInvoked:
			pass.calls++
		case oplog.KindBeginRemoteWrite:
			pass.remoteWrites++
		}
		if err := pass.digest.Add(item); err != nil {
			pass.err = err
			return pass, nil
		}
	}
	return pass, nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(w io.Writer, result ReplayResult, verbose bool) {
	if result.TotalWorkers == 0 {
		fmt.Fprintln(w, "No oplogs found.")
		return
	}
	fmt.Fprintf(w, "Replay Summary: %d worker(s)\n", result.TotalWorkers)
	fmt.Fprintln(w)

	for _, r := range result.Workers {
		status := "✓"
		if !r.Deterministic {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Worker: %s\n", status, r.Worker)

		if verbose {
			fmt.Fprintf(w, "  Replayed entries: %d\n", r.Replayed)
			fmt.Fprintf(w, "  Imported calls: %d\n", r.Calls)
			fmt.Fprintf(w, "  Remote writes: %d\n", r.RemoteWrites)
			fmt.Fprintf(w, "  Fingerprint: %s\n", r.Fingerprint)
		} else {
			fmt.Fprintf(w, "  Entries: %d replayed, %d imported calls\n", r.Replayed, r.Calls)
		}

		if r.Error != "" {
			fmt.Fprintf(w, "  Error: %s\n", r.Error)
		} else if !r.Deterministic {
			fmt.Fprintln(w, "  Warning: Non-deterministic replay detected!")
		}
		fmt.Fprintln(w)
	}

	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All workers verified deterministic")
		return
	}
	fmt.Fprintln(w, "✗ Determinism verification failed")
}
