package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/observability"
	"github.com/roach88/durable/internal/shard"
)

// NewShardCommand groups the shard ownership commands.
func NewShardCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shard",
		Short: "Inspect worker shard ownership",
	}
	cmd.AddCommand(newShardCheckCommand(rootOpts))
	return cmd
}

// ShardCheck is the ownership verdict for one worker.
type ShardCheck struct {
	Worker string `json:"worker"`
	Shard  int64  `json:"shard"`
	Owned  bool   `json:"owned"`
	Error  string `json:"error,omitempty"`
}

// ShardCheckResult is the output of shard check.
type ShardCheckResult struct {
	Assignment string       `json:"assignment"`
	Workers    []ShardCheck `json:"workers"`
	Rejected   int          `json:"rejected"`
}

func newShardCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [worker...]",
		Short: "Check that this executor owns the shards of workers",
		Long: `Check workers against the configured shard assignment.

Workers are named as <component-uuid>/<worker-name>. Without arguments every
worker with a stored oplog is checked.

Exit codes:
  0 - Every worker belongs to an owned shard
  1 - A worker was rejected or no assignment is configured
  2 - Command error (malformed worker id, storage unavailable, etc.)

Examples:
  durable shard check --number-of-shards 16 --owned-shards 0-7 7b0d3c5a-8f2e-4d3b-9a61-2f4c8e1d5b07/cart
  durable shard check --number-of-shards 16 --owned-shards 9 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShardCheck(rootOpts, cmd, args)
		},
	}
}

func runShardCheck(opts *RootOptions, cmd *cobra.Command, names []string) error {
	assignment, err := opts.Config.Assignment()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid shard assignment", err)
	}

	if len(names) == 0 {
		ctx := cmd.Context()
		b, err := openBackend(ctx, opts.Config, opts.Logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open storage", err)
		}
		defer b.Close()
		if names, err = b.workers(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to list workers", err)
		}
	}

	ids := make([]shard.WorkerID, 0, len(names))
	for _, n := range names {
		id, err := shard.ParseWorkerID(n)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid worker id", err)
		}
		ids = append(ids, id)
	}

	registry := shard.NewRegistry(shard.WithLogger(opts.Logger), shard.WithMetrics(observability.New()))
	registry.Register(assignment.NumberOfShards, assignment.Sorted()...)

	result := ShardCheckResult{Assignment: assignment.String(), Workers: make([]ShardCheck, 0, len(ids))}
	var missing bool
	for _, id := range ids {
		c := ShardCheck{Worker: id.String(), Shard: -1}
		if assignment.NumberOfShards > 0 {
			c.Shard = int64(shard.ShardIDFor(id, assignment.NumberOfShards))
		}
		if err := registry.Check(id); err != nil {
			var fe *fault.Error
			if errors.As(err, &fe) && fe.Code == fault.CodeShardAssignmentMissing {
				missing = true
			}
			c.Error = err.Error()
			result.Rejected++
		} else {
			c.Owned = true
		}
		result.Workers = append(result.Workers, c)
	}

	var failed *CLIError
	switch {
	case missing:
		failed = &CLIError{Code: string(fault.CodeShardAssignmentMissing), Message: "no shard assignment configured"}
	case result.Rejected > 0:
		failed = &CLIError{Code: string(fault.CodeInvalidShardID),
			Message: fmt.Sprintf("%d worker(s) belong to shards not owned here", result.Rejected)}
	}
	if err := opts.formatter(cmd).Result(result, failed, func(w io.Writer) {
		outputShardCheckText(w, result)
	}); err != nil {
		return err
	}
	if failed != nil {
		return NewExitError(ExitFailure, failed.Message)
	}
	return nil
}

func outputShardCheckText(w io.Writer, result ShardCheckResult) {
	fmt.Fprintf(w, "Assignment: %s\n", result.Assignment)
	if len(result.Workers) == 0 {
		fmt.Fprintln(w, "No workers to check.")
		return
	}
	for _, c := range result.Workers {
		if c.Owned {
			fmt.Fprintf(w, "✓ %s  shard %d\n", c.Worker, c.Shard)
			continue
		}
		fmt.Fprintf(w, "✗ %s  %s\n", c.Worker, c.Error)
	}
}
