package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/durable/internal/fault"
)

// InterruptKind is the reason an invocation was asked to stop.
type InterruptKind int

const (
	// Interrupt is an explicit external cancellation. The caller sees an
	// error.
	Interrupt InterruptKind = iota

	// Restart simulates a crash: the in-memory instance is discarded and the
	// next activation replays the whole oplog.
	Restart

	// Suspend pauses the worker cooperatively. Nothing is lost.
	Suspend
)

func (k InterruptKind) String() string {
	switch k {
	case Interrupt:
		return "interrupt"
	case Restart:
		return "restart"
	case Suspend:
		return "suspend"
	default:
		return fmt.Sprintf("InterruptKind(%d)", int(k))
	}
}

// Error is the message an invocation stopped by k reports.
func (k InterruptKind) Error() string {
	switch k {
	case Interrupt:
		return "interrupted via external request"
	case Restart:
		return "simulated crash"
	case Suspend:
		return "suspended"
	default:
		return k.String()
	}
}

// AsError returns the INTERRUPTED error an invocation stopped by k returns.
func (k InterruptKind) AsError() error {
	e := fault.New(fault.CodeInterrupted, k.Error())
	e.Details = map[string]string{"kind": k.String()}
	return e
}

// ReplayStart is where a fresh instance starts replaying its oplog.
type ReplayStart int

const (
	// ReplayFromLastSnapshot resumes from the last compaction boundary.
	ReplayFromLastSnapshot ReplayStart = iota

	// ReplayFromBeginning replays every entry from the Create entry on.
	ReplayFromBeginning
)

// ReplayFrom tells an activator where the next instance replays from.
func (k InterruptKind) ReplayFrom() ReplayStart {
	if k == Restart {
		return ReplayFromBeginning
	}
	return ReplayFromLastSnapshot
}

// KindOf extracts the interrupt kind from an error produced by AsError.
func KindOf(err error) (InterruptKind, bool) {
	var fe *fault.Error
	if !fault.IsInterrupted(err) || !errors.As(err, &fe) {
		return 0, false
	}
	for _, k := range []InterruptKind{Interrupt, Restart, Suspend} {
		if fe.Details["kind"] == k.String() {
			return k, true
		}
	}
	return 0, false
}

// Interruption is a one-shot broadcast. Any number of goroutines may wait on
// it; all of them are released when it completes, and later waiters return
// immediately.
type Interruption struct {
	kind InterruptKind
	done chan struct{}
	once sync.Once
}

func newInterruption(kind InterruptKind) *Interruption {
	return &Interruption{kind: kind, done: make(chan struct{})}
}

// Kind returns the requested interrupt kind.
func (i *Interruption) Kind() InterruptKind { return i.kind }

// Done is closed when the invocation acknowledged the interruption.
func (i *Interruption) Done() <-chan struct{} { return i.done }

// Completed reports whether the interruption was acknowledged.
func (i *Interruption) Completed() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the interruption completes or ctx is done.
func (i *Interruption) Wait(ctx context.Context) error {
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Interruption) complete() {
	i.once.Do(func() { close(i.done) })
}
