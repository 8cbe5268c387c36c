package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/oplog"
)

// NewOplogCommand groups the commands that read, compact or delete stored
// logs.
func NewOplogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oplog",
		Short: "Inspect and compact worker oplogs",
	}
	cmd.AddCommand(newOplogListCommand(rootOpts))
	cmd.AddCommand(newOplogDumpCommand(rootOpts))
	cmd.AddCommand(newOplogCompactCommand(rootOpts))
	cmd.AddCommand(newOplogDeleteCommand(rootOpts))
	return cmd
}

// WorkerSummary describes one stored log.
type WorkerSummary struct {
	Worker  string `json:"worker"`
	Entries uint64 `json:"entries"`
	First   uint64 `json:"first_index"`
	Last    uint64 `json:"last_index"`
}

func newOplogListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workers with a stored oplog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, rootOpts.Config, rootOpts.Logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open storage", err)
			}
			defer b.Close()

			workers, err := b.workers(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list workers", err)
			}
			summaries := make([]WorkerSummary, 0, len(workers))
			for _, w := range workers {
				s, err := summarize(ctx, b, w)
				if err != nil {
					return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read oplog of %s", w), err)
				}
				summaries = append(summaries, s)
			}

			return rootOpts.formatter(cmd).Result(summaries, nil, func(w io.Writer) {
				if len(summaries) == 0 {
					fmt.Fprintln(w, "No oplogs found.")
					return
				}
				for _, s := range summaries {
					fmt.Fprintf(w, "%s\t%d entries\t[%d..%d]\n", s.Worker, s.Entries, s.First, s.Last)
				}
			})
		},
	}
}

func summarize(ctx context.Context, b *backend, worker string) (WorkerSummary, error) {
	n, err := b.storage.Length(ctx, worker)
	if err != nil {
		return WorkerSummary{}, err
	}
	log, err := b.open(ctx, worker)
	if err != nil {
		return WorkerSummary{}, err
	}
	first, err := log.FirstIndex(ctx)
	if err != nil {
		return WorkerSummary{}, err
	}
	last := log.CurrentOplogIndex(ctx)
	if first > last {
		// Compacted through the head.
		first = oplog.NoIndex
	}
	return WorkerSummary{Worker: worker, Entries: n, First: uint64(first), Last: uint64(last)}, nil
}

// DumpOptions holds flags for oplog dump.
type DumpOptions struct {
	*RootOptions
	From     uint64
	To       uint64
	Payloads bool
}

// DumpedEntry is one entry of a dump. Payload holds the downloaded
// response when --payloads is set.
type DumpedEntry struct {
	Index   uint64      `json:"index"`
	Entry   oplog.Entry `json:"entry"`
	Payload string      `json:"payload,omitempty"`
}

// DumpResult is the output of oplog dump.
type DumpResult struct {
	Worker  string        `json:"worker"`
	Entries []DumpedEntry `json:"entries"`
}

func newOplogDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "dump <worker>",
		Short: "Print the entries of a worker's oplog",
		Long: `Print the entries of a worker's oplog in index order.

Examples:
  durable oplog dump 7b0d3c5a-8f2e-4d3b-9a61-2f4c8e1d5b07/cart
  durable oplog dump 7b0d3c5a-8f2e-4d3b-9a61-2f4c8e1d5b07/cart --from 10 --payloads
  durable oplog dump 7b0d3c5a-8f2e-4d3b-9a61-2f4c8e1d5b07/cart --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(opts, cmd, args[0])
		},
	}
	cmd.Flags().Uint64Var(&opts.From, "from", 0, "first index to print (defaults to the first stored)")
	cmd.Flags().Uint64Var(&opts.To, "to", 0, "last index to print (defaults to the last stored)")
	cmd.Flags().BoolVar(&opts.Payloads, "payloads", false, "print recorded response payloads")
	return cmd
}

func runDump(opts *DumpOptions, cmd *cobra.Command, worker string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx, opts.Config, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer b.Close()

	log, err := b.open(ctx, worker)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open oplog", err)
	}
	from := oplog.Index(opts.From)
	if from == oplog.NoIndex {
		if from, err = log.FirstIndex(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to read oplog", err)
		}
	}
	to := log.CurrentOplogIndex(ctx)
	if opts.To != 0 && oplog.Index(opts.To) < to {
		to = oplog.Index(opts.To)
	}

	entries, err := oplog.ReadRange(ctx, log, from, to)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read oplog", err)
	}
	result := DumpResult{Worker: worker, Entries: make([]DumpedEntry, 0, len(entries))}
	for _, ie := range entries {
		d := DumpedEntry{Index: uint64(ie.Index), Entry: ie.Entry}
		if opts.Payloads && ie.Entry.Response != nil {
			data, err := log.DownloadPayload(ctx, *ie.Entry.Response)
			if err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("payload at index %d is unreadable", ie.Index), err)
			}
			d.Payload = string(data)
		}
		result.Entries = append(result.Entries, d)
	}

	return opts.formatter(cmd).Result(result, nil, func(w io.Writer) {
		fmt.Fprintf(w, "Oplog %s: %d entries\n", worker, len(result.Entries))
		for _, d := range result.Entries {
			fmt.Fprintf(w, "%6d  %s  %s\n", d.Index, d.Entry.Timestamp.Time().Format(time.RFC3339Nano), d.Entry.Summary())
			if d.Payload != "" {
				fmt.Fprintf(w, "        = %s\n", d.Payload)
			}
		}
	})
}

// CompactResult is the output of oplog compact.
type CompactResult struct {
	Worker  string `json:"worker"`
	Through uint64 `json:"through"`
	Dropped uint64 `json:"dropped"`
}

func newOplogCompactCommand(rootOpts *RootOptions) *cobra.Command {
	var through uint64
	cmd := &cobra.Command{
		Use:   "compact <worker>",
		Short: "Drop the oplog prefix up to an index",
		Long: `Drop every entry up to and including --through.

The worker must be able to resume from the entry after it, so only compact
past a point the worker no longer needs to replay. With --archive set, the
dropped entries are moved to the archive and stay readable.

Compacting through the last index keeps the log and its index sequence;
use "oplog delete" to remove a worker's history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if through == 0 {
				return NewExitError(ExitCommandError, "--through must be a positive index")
			}
			ctx := cmd.Context()
			b, err := openBackend(ctx, rootOpts.Config, rootOpts.Logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open storage", err)
			}
			defer b.Close()

			log, err := b.open(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open oplog", err)
			}
			// Everything up to the cut must be durable before the prefix goes.
			replicas := b.storage.NumberOfReplicas()
			if err := oplog.CommitAndWait(ctx, log, oplog.CommitAlways, replicas, b.cfg.ReplicaWaitTimeout); err != nil {
				return WrapExitError(ExitFailure, "replicas did not acknowledge the oplog", err)
			}
			dropped, err := log.DropPrefix(ctx, oplog.Index(through))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to compact oplog", err)
			}
			result := CompactResult{Worker: args[0], Through: through, Dropped: dropped}
			return rootOpts.formatter(cmd).Result(result, nil, func(w io.Writer) {
				fmt.Fprintf(w, "Dropped %d entries of %s through index %d\n", dropped, args[0], through)
			})
		},
	}
	cmd.Flags().Uint64Var(&through, "through", 0, "last index to drop (required)")
	_ = cmd.MarkFlagRequired("through")
	return cmd
}

// DeleteResult is the output of oplog delete.
type DeleteResult struct {
	Worker string `json:"worker"`
	Last   uint64 `json:"last_index"`
}

func newOplogDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <worker>",
		Short: "Remove a worker's oplog and its archived entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, rootOpts.Config, rootOpts.Logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open storage", err)
			}
			defer b.Close()

			log, err := b.open(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open oplog", err)
			}
			last := log.CurrentOplogIndex(ctx)
			if last == oplog.NoIndex {
				return NewExitError(ExitCommandError, fmt.Sprintf("no oplog stored for %s", args[0]))
			}
			if err := log.Delete(ctx); err != nil {
				return WrapExitError(ExitCommandError, "failed to delete oplog", err)
			}
			result := DeleteResult{Worker: args[0], Last: uint64(last)}
			return rootOpts.formatter(cmd).Result(result, nil, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted oplog of %s (last index %d)\n", args[0], last)
			})
		},
	}
}
