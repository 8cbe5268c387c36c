package durability

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/oplog"
)

// RetryPolicy bounds the automatic retries of a failed invocation. Delays
// grow from MinDelay by Multiplier per attempt and are capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts uint32
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy is used when a Host is given none.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	MinDelay:    100 * time.Millisecond,
	MaxDelay:    2 * time.Second,
	Multiplier:  2,
}

// Delay returns the wait before retry number attempt, counted from 1, and
// whether the policy allows that attempt at all.
func (p RetryPolicy) Delay(attempt uint32) (time.Duration, bool) {
	if attempt == 0 || attempt > p.MaxAttempts {
		return 0, false
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.MinDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay, true
	}
	return time.Duration(d), true
}

// RetryError tells the executor to restart the failed invocation after
// Delay. The failure is recorded as an Error entry, so the attempt count
// survives a restart of the executor.
type RetryError struct {
	Attempt uint32
	Delay   time.Duration
	Cause   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry %d in %s: %v", e.Attempt, e.Delay, e.Cause)
}

func (e *RetryError) Unwrap() error { return e.Cause }

// WithRetryPolicy sets the policy TryTriggerRetry consults.
func WithRetryPolicy(p RetryPolicy) HostOption {
	return func(h *Host) { h.retry = p }
}

// TryTriggerRetry decides what happens to a failure the invocation hit
// while live. It returns a *RetryError when the invocation should be
// restarted, and nil when the failure is final and must be returned to the
// caller like any other result.
//
// Interruptions, durability violations and failures seen during replay are
// never retried; neither is anything under PersistNothing, where attempts
// cannot be counted.
func (h *Host) TryTriggerRetry(ctx context.Context, failure error) error {
	if failure == nil || fault.IsInterrupted(failure) || fault.IsFatal(failure) {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal != nil || h.lastReplayed < h.target || h.persistence == PersistNothing {
		return nil
	}

	previous, err := h.failedAttemptsLocked(ctx)
	if err != nil {
		h.logger.Warn("cannot count failed attempts; not retrying", "error", err)
		return nil
	}
	attempt := previous + 1
	delay, ok := h.retry.Delay(attempt)
	if !ok {
		h.logger.Info("retries exhausted", "attempts", previous, "error", failure.Error())
		return nil
	}

	if _, err := h.addLocked(ctx, oplog.NewError(h.clock(), failure.Error()), ""); err != nil {
		return err
	}
	if err := h.log.Commit(ctx, oplog.CommitDurableOnly); err != nil {
		return h.failLocked(asFault(err, fault.CodeOplogWrite, "commit"))
	}
	h.logger.Warn("invocation failed; retrying", "attempt", attempt, "delay", delay, "error", failure.Error())
	return &RetryError{Attempt: attempt, Delay: delay, Cause: failure}
}

// failedAttemptsLocked counts the Error entries recorded since the current
// invocation started.
func (h *Host) failedAttemptsLocked(ctx context.Context) (uint32, error) {
	var n uint32
	for i := h.log.CurrentOplogIndex(ctx); i > oplog.NoIndex; i-- {
		e, err := h.log.Read(ctx, i)
		if fault.IsEntryNotFound(err) {
			// The start of the invocation was compacted away.
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		switch e.Kind {
		case oplog.KindError:
			n++
		case oplog.KindExportedFunctionInvoked, oplog.KindExportedFunctionCompleted, oplog.KindCreate:
			return n, nil
		}
	}
	return n, nil
}
