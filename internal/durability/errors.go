package durability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/roach88/durable/internal/fault"
)

// RecordedError is a failure replayed from the oplog. It carries the
// message of the error the live call returned. When the live error matched
// a registered sentinel or carried a *fault.Error, Unwrap returns the
// rebuilt value, so errors.Is and errors.As answer the same on replay as
// they did live.
type RecordedError struct {
	Message string

	// Code is the registry code of the sentinel the live error matched.
	Code string

	cause error
}

func (e *RecordedError) Error() string { return e.Message }

// Unwrap returns the rebuilt sentinel or fault, or nil.
func (e *RecordedError) Unwrap() error { return e.cause }

type registeredError struct {
	code string
	err  error
}

var errorRegistry = struct {
	sync.RWMutex
	entries []registeredError
}{}

// RegisterError makes err recognizable in recorded failures under code. A
// live error for which errors.Is(liveErr, err) holds replays as a
// *RecordedError that unwraps to err. Codes are persisted in the oplog and
// must not change once histories refer to them. Registering a code twice
// panics.
func RegisterError(code string, err error) {
	if code == "" || err == nil {
		panic("durability: RegisterError needs a code and an error")
	}
	errorRegistry.Lock()
	defer errorRegistry.Unlock()
	for _, r := range errorRegistry.entries {
		if r.code == code {
			panic(fmt.Sprintf("durability: error code %q registered twice", code))
		}
	}
	errorRegistry.entries = append(errorRegistry.entries, registeredError{code: code, err: err})
}

func init() {
	RegisterError("context.canceled", context.Canceled)
	RegisterError("context.deadline_exceeded", context.DeadlineExceeded)
	RegisterError("io.eof", io.EOF)
	RegisterError("io.unexpected_eof", io.ErrUnexpectedEOF)
	RegisterError("os.deadline_exceeded", os.ErrDeadlineExceeded)
}

// errorCode returns the code of the first registered sentinel err matches.
func errorCode(err error) string {
	errorRegistry.RLock()
	defer errorRegistry.RUnlock()
	for _, r := range errorRegistry.entries {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return ""
}

func registeredSentinel(code string) error {
	errorRegistry.RLock()
	defer errorRegistry.RUnlock()
	for _, r := range errorRegistry.entries {
		if r.code == code {
			return r.err
		}
	}
	return nil
}

// recordedError is the persisted form of a live call failure.
type recordedError struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Fault   *recordedFault `json:"fault,omitempty"`
}

type recordedFault struct {
	Code     fault.Code           `json:"code"`
	Message  string               `json:"message"`
	Worker   string               `json:"worker,omitempty"`
	Function string               `json:"function,omitempty"`
	Index    uint64               `json:"index,omitempty"`
	Shard    *fault.ShardMismatch `json:"shard,omitempty"`
	Details  map[string]string    `json:"details,omitempty"`
	Cause    *recordedError       `json:"cause,omitempty"`
}

func recordError(err error) *recordedError {
	if err == nil {
		return nil
	}
	r := &recordedError{Message: err.Error(), Code: errorCode(err)}
	var fe *fault.Error
	if errors.As(err, &fe) {
		r.Fault = &recordedFault{
			Code:     fe.Code,
			Message:  fe.Message,
			Worker:   fe.Worker,
			Function: fe.Function,
			Index:    fe.Index,
			Shard:    fe.Shard,
			Details:  fe.Details,
			Cause:    recordError(fe.Err),
		}
	}
	return r
}

// replayError rebuilds the failure recorded by recordError. An unregistered
// code keeps only the message; the history stays replayable after a
// sentinel is dropped from the registry.
func (r *recordedError) replayError() *RecordedError {
	out := &RecordedError{Message: r.Message, Code: r.Code}
	switch {
	case r.Fault != nil:
		f := r.Fault
		fe := &fault.Error{
			Code:     f.Code,
			Message:  f.Message,
			Worker:   f.Worker,
			Function: f.Function,
			Index:    f.Index,
			Shard:    f.Shard,
			Details:  f.Details,
		}
		if f.Cause != nil {
			fe.Err = f.Cause.replayError()
		}
		if s := registeredSentinel(r.Code); s != nil && !errors.Is(fe, s) {
			out.cause = errors.Join(fe, s)
		} else {
			out.cause = fe
		}
	case r.Code != "":
		out.cause = registeredSentinel(r.Code)
	}
	return out
}
