// Package fault defines the coded errors shared by the durability core.
//
// Every domain failure is a *Error carrying a Code. Callers branch on the
// code (through the Is helpers) rather than on message text, and the gRPC
// boundary maps codes to status codes so that "wrong node" stays distinct
// from "corrupted history".
package fault

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Code categorizes a durability core error.
type Code string

const (
	// CodeReplayMismatch means the recorded history and the running code diverged.
	CodeReplayMismatch Code = "REPLAY_MISMATCH"

	// CodeEntryNotFound means an oplog index is past the head or was compacted away.
	CodeEntryNotFound Code = "ENTRY_NOT_FOUND"

	// CodeCommitTimeout means replicas did not acknowledge a commit in time.
	CodeCommitTimeout Code = "COMMIT_TIMEOUT"

	// CodeInvalidShardID means the worker's shard is not owned by this executor.
	CodeInvalidShardID Code = "INVALID_SHARD_ID"

	// CodeShardAssignmentMissing means no shard assignment has been received yet.
	CodeShardAssignmentMissing Code = "SHARD_ASSIGNMENT_MISSING"

	// CodeSerialization means a persisted payload could not be encoded or decoded.
	CodeSerialization Code = "SERIALIZATION"

	// CodeDebugSessionWrite means a debug session attempted to write new data.
	CodeDebugSessionWrite Code = "DEBUG_SESSION_WRITE"

	// CodeOplogWrite means an entry could not be persisted.
	CodeOplogWrite Code = "OPLOG_WRITE"

	// CodePayload means an out-of-line payload could not be stored or loaded.
	CodePayload Code = "PAYLOAD"

	// CodeIncompleteRemoteWrite means a non-idempotent remote write was never completed.
	CodeIncompleteRemoteWrite Code = "INCOMPLETE_REMOTE_WRITE"

	// CodeInvalidTransition means an execution status transition is not allowed.
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	// CodeInterrupted means the invocation observed a pending interruption.
	CodeInterrupted Code = "INTERRUPTED"
)

// ShardMismatch describes which shard a worker maps to and which shards the
// executor owns.
type ShardMismatch struct {
	Actual   int64
	Assigned []int64
}

// Error is the structured error type of the durability core.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Worker identifies the affected worker, if known.
	Worker string

	// Function names the durable function being executed or replayed.
	Function string

	// Index is the oplog index the failure refers to (0 if not applicable).
	Index uint64

	// Shard is set for shard ownership failures.
	Shard *ShardMismatch

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)

	var ctx []string
	if e.Worker != "" {
		ctx = append(ctx, "worker="+e.Worker)
	}
	if e.Function != "" {
		ctx = append(ctx, "function="+e.Function)
	}
	if e.Index != 0 {
		ctx = append(ctx, "index="+strconv.FormatUint(e.Index, 10))
	}
	if e.Shard != nil {
		ctx = append(ctx, fmt.Sprintf("shard=%d assigned=%v", e.Shard.Actual, e.Shard.Assigned))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code that wraps err.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithWorker returns a copy of e annotated with the worker id.
func (e *Error) WithWorker(worker string) *Error {
	c := *e
	c.Worker = worker
	return &c
}

// WithFunction returns a copy of e annotated with the function name.
func (e *Error) WithFunction(function string) *Error {
	c := *e
	c.Function = function
	return &c
}

// WithIndex returns a copy of e annotated with an oplog index.
func (e *Error) WithIndex(index uint64) *Error {
	c := *e
	c.Index = index
	return &c
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsReplayMismatch reports whether err is a replay divergence.
func IsReplayMismatch(err error) bool { return HasCode(err, CodeReplayMismatch) }

// IsEntryNotFound reports whether err is a missing oplog entry.
func IsEntryNotFound(err error) bool { return HasCode(err, CodeEntryNotFound) }

// IsCommitTimeout reports whether err is a replica acknowledgement timeout.
func IsCommitTimeout(err error) bool { return HasCode(err, CodeCommitTimeout) }

// IsInvalidShardID reports whether err is a shard ownership failure.
func IsInvalidShardID(err error) bool { return HasCode(err, CodeInvalidShardID) }

// IsSerialization reports whether err is a payload codec failure.
func IsSerialization(err error) bool { return HasCode(err, CodeSerialization) }

// IsDebugSessionWrite reports whether err is a write attempted in a debug session.
func IsDebugSessionWrite(err error) bool { return HasCode(err, CodeDebugSessionWrite) }

// IsInterrupted reports whether err is an observed interruption.
func IsInterrupted(err error) bool { return HasCode(err, CodeInterrupted) }

// IsFatal reports whether err must terminate the worker instance.
// Durability violations are fatal; shard mismatches and commit timeouts are not
// (they are handled by re-routing or retrying at the caller).
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case CodeReplayMismatch, CodeEntryNotFound, CodeSerialization, CodeOplogWrite,
		CodePayload, CodeIncompleteRemoteWrite:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the caller may retry the operation, possibly
// on a different executor.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeCommitTimeout, CodeInvalidShardID, CodeShardAssignmentMissing:
		return true
	default:
		return false
	}
}
