package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/debug"
	"github.com/roach88/durable/internal/durability"
	"github.com/roach88/durable/internal/oplog"
	"github.com/roach88/durable/internal/shard"
)

// DebugOptions holds flags for the debug command.
type DebugOptions struct {
	*RootOptions
	Target    uint64
	Overrides string
	Boundary  bool
}

// DebugEntry is one entry as seen through a debug session.
type DebugEntry struct {
	Index      uint64      `json:"index"`
	Entry      oplog.Entry `json:"entry"`
	Overridden bool        `json:"overridden,omitempty"`
}

// DebugResult is the output of the debug command.
type DebugResult struct {
	Worker           string       `json:"worker"`
	ComponentVersion uint64       `json:"component_version"`
	Target           uint64       `json:"target"`
	Overrides        []uint64     `json:"overrides,omitempty"`
	Entries          []DebugEntry `json:"entries"`
	Replayed         bool         `json:"replayed"`
	Error            string       `json:"error,omitempty"`
}

// NewDebugCommand creates the debug command.
func NewDebugCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DebugOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "debug <worker>",
		Short: "Replay a worker read-only with an optional target and overrides",
		Long: `Open a debug session on a worker's oplog and replay it.

The session never writes to the oplog. Replay stops at --target (the head
of the log by default). With --boundary the target is moved forward to the
end of the invocation it falls in. Overrides replace recorded entries and
are read from a YAML file:

  overrides:
    - index: 4
      entry:
        kind: imported-function-invoked
        function_name: http::send
        ...

Examples:
  durable debug 7b0d3c5a-8f2e-4d3b-9a61-2f4c8e1d5b07/cart --target 12
  durable debug 7b0d3c5a-8f2e-4d3b-9a61-2f4c8e1d5b07/cart --overrides what-if.yaml --boundary`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDebug(opts, cmd, args[0])
		},
	}
	cmd.Flags().Uint64Var(&opts.Target, "target", 0, "last index to replay (defaults to the head of the log)")
	cmd.Flags().StringVar(&opts.Overrides, "overrides", "", "YAML file of entry overrides")
	cmd.Flags().BoolVar(&opts.Boundary, "boundary", false, "move the target to the next completed invocation")
	return cmd
}

func runDebug(opts *DebugOptions, cmd *cobra.Command, worker string) error {
	ctx := cmd.Context()

	id, err := shard.ParseWorkerID(worker)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid worker id", err)
	}
	var list []debug.Override
	if opts.Overrides != "" {
		f, err := os.Open(opts.Overrides)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open overrides", err)
		}
		list, err = debug.LoadOverrides(f)
		f.Close()
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid overrides", err)
		}
	}

	b, err := openBackend(ctx, opts.Config, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer b.Close()

	inner, err := b.open(ctx, worker)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open oplog", err)
	}
	sessions := debug.NewMemorySessions()
	sessionID := debug.NewSessionID(id)
	view, data, err := debug.Open(ctx, sessions, inner, sessionID, oplog.Index(opts.Target),
		opts.Boundary, list, debug.WithLogger(opts.Logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open debug session", err)
	}
	defer sessions.Remove(sessionID)

	target := view.CurrentOplogIndex(ctx)
	entries, err := oplog.ReadRange(ctx, view, oplog.InitialIndex, target)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read oplog", err)
	}

	result := DebugResult{
		Worker:           worker,
		ComponentVersion: data.WorkerMetadata.ComponentVersion,
		Target:           uint64(target),
		Entries:          make([]DebugEntry, 0, len(entries)),
	}
	for _, idx := range data.Overrides.Indices() {
		result.Overrides = append(result.Overrides, uint64(idx))
	}
	for _, ie := range entries {
		_, overridden := data.Overrides[ie.Index]
		result.Entries = append(result.Entries, DebugEntry{Index: uint64(ie.Index), Entry: ie.Entry, Overridden: overridden})
	}

	// Activate a host on the session the way recovery would and walk the
	// history to the target.
	if err := replayView(cmd, b, view, worker); err != nil {
		result.Error = err.Error()
	} else {
		result.Replayed = true
	}

	var failed *CLIError
	if !result.Replayed {
		failed = &CLIError{Code: "E_REPLAY", Message: result.Error}
	}
	if err := opts.formatter(cmd).Result(result, failed, func(w io.Writer) {
		outputDebugText(w, result)
	}); err != nil {
		return err
	}
	if failed != nil {
		return NewExitError(ExitFailure, "debug replay failed")
	}
	return nil
}

func replayView(cmd *cobra.Command, b *backend, view oplog.Oplog, worker string) error {
	ctx := cmd.Context()
	host, err := durability.NewHost(ctx, view, b.hostOptions(worker)...)
	if err != nil {
		return err
	}
	for !host.IsLive() {
		if _, _, err := host.ReadNext(ctx); err != nil {
			return err
		}
	}
	return nil
}

func outputDebugText(w io.Writer, result DebugResult) {
	fmt.Fprintf(w, "Debug session %s (component version %d), target %d\n",
		result.Worker, result.ComponentVersion, result.Target)
	for _, d := range result.Entries {
		marker := " "
		if d.Overridden {
			marker = "*"
		}
		fmt.Fprintf(w, "%s%5d  %s  %s\n", marker, d.Index,
			d.Entry.Timestamp.Time().Format(time.RFC3339Nano), d.Entry.Summary())
	}
	if len(result.Overrides) > 0 {
		fmt.Fprintf(w, "%d overridden entries marked with *\n", len(result.Overrides))
	}
	if result.Replayed {
		fmt.Fprintln(w, "✓ Replayed to target")
		return
	}
	fmt.Fprintf(w, "✗ Replay failed: %s\n", result.Error)
}
