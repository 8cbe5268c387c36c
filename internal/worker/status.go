// Package worker holds the in-memory lifecycle state of a running worker
// instance.
//
// A Status is shared between the goroutine executing an invocation and any
// goroutine handling control requests. Control requests move the status
// into Interrupting; the invocation observes that at its next durable call
// boundary (CheckInterrupt), moves it to Interrupted and releases everyone
// waiting on the Interruption.
package worker

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/durable/internal/fault"
)

// State is the lifecycle state of a worker instance.
type State int

const (
	Running State = iota
	Suspended
	Interrupting
	Interrupted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Interrupting:
		return "interrupting"
	case Interrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot is a point-in-time copy of a Status. Kind and Interruption are
// set for Interrupting and Interrupted.
type Snapshot struct {
	State        State
	Kind         InterruptKind
	Interruption *Interruption
}

func (s Snapshot) String() string {
	if s.State == Interrupting || s.State == Interrupted {
		return fmt.Sprintf("%s(%s)", s.State, s.Kind)
	}
	return s.State.String()
}

// Status is the execution status of one worker instance.
type Status struct {
	mu      sync.RWMutex
	state   State
	pending *Interruption
	logger  *slog.Logger
}

// Option configures a Status.
type Option func(*Status)

// WithLogger sets the logger for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Status) { s.logger = l }
}

// NewStatus returns a Running status.
func NewStatus(opts ...Option) *Status {
	s := &Status{state: Running, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns a snapshot of the status.
func (s *Status) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Status) snapshotLocked() Snapshot {
	snap := Snapshot{State: s.state}
	if s.pending != nil {
		snap.Kind = s.pending.kind
		snap.Interruption = s.pending
	}
	return snap
}

func (s *Status) invalid(op string) error {
	return fault.Newf(fault.CodeInvalidTransition, "cannot %s while %s", op, s.snapshotLocked())
}

// RequestInterrupt asks the running invocation to stop.
//
// From Running the status moves to Interrupting and the returned
// Interruption completes once the invocation acknowledges. A second request
// while Interrupting returns the interruption already in flight. A Suspended
// worker has no invocation to wait for, so it moves straight to Interrupted
// and the returned Interruption is already complete.
func (s *Status) RequestInterrupt(kind InterruptKind) (*Interruption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Running:
		s.pending = newInterruption(kind)
		s.state = Interrupting
		s.logger.Debug("interrupt requested", "kind", kind.String())
		return s.pending, nil
	case Interrupting:
		return s.pending, nil
	case Suspended:
		s.pending = newInterruption(kind)
		s.state = Interrupted
		s.pending.complete()
		s.logger.Debug("suspended worker interrupted", "kind", kind.String())
		return s.pending, nil
	default:
		return nil, s.invalid("interrupt")
	}
}

// Suspend moves a Running worker to Suspended. Suspending a suspended
// worker is a no-op.
func (s *Status) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Running:
		s.state = Suspended
		return nil
	case Suspended:
		return nil
	default:
		return s.invalid("suspend")
	}
}

// Resume moves a Suspended worker back to Running when a new invocation
// begins. Resuming a running worker is a no-op.
func (s *Status) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Suspended:
		s.state = Running
		return nil
	case Running:
		return nil
	default:
		return s.invalid("resume")
	}
}

// Acknowledge completes a pending interruption: Interrupting becomes
// Interrupted and all waiters are released. It reports false when no
// interruption was pending.
func (s *Status) Acknowledge() (InterruptKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Interrupting {
		return 0, false
	}
	s.state = Interrupted
	s.pending.complete()
	s.logger.Debug("interrupt acknowledged", "kind", s.pending.kind.String())
	return s.pending.kind, true
}

// CheckInterrupt is the cooperative check made at every durable call
// boundary. It acknowledges a pending interruption and returns its error;
// an already interrupted instance keeps returning the same error.
func (s *Status) CheckInterrupt() error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	switch state {
	case Interrupting:
		if kind, ok := s.Acknowledge(); ok {
			return kind.AsError()
		}
		return s.CheckInterrupt()
	case Interrupted:
		s.mu.RLock()
		kind := s.pending.kind
		s.mu.RUnlock()
		return kind.AsError()
	default:
		return nil
	}
}
