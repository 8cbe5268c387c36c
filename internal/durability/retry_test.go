package durability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/oplog"
	"github.com/roach88/durable/internal/worker"
)

var testRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	MinDelay:    10 * time.Millisecond,
	MaxDelay:    25 * time.Millisecond,
	Multiplier:  2,
}

func startInvocation(t *testing.T, log oplog.Oplog) {
	t.Helper()
	_, err := log.Add(context.Background(), oplog.NewExportedFunctionInvoked(2, "checkout", oplog.InlinePayload([]byte(`{}`)), ""))
	require.NoError(t, err)
}

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		attempt uint32
		want    time.Duration
		ok      bool
	}{
		{0, 0, false},
		{1, 10 * time.Millisecond, true},
		{2, 20 * time.Millisecond, true},
		{3, 25 * time.Millisecond, true},
		{4, 0, false},
	}
	for _, tt := range tests {
		got, ok := testRetryPolicy.Delay(tt.attempt)
		assert.Equal(t, tt.ok, ok, "attempt %d", tt.attempt)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}

	flat := RetryPolicy{MaxAttempts: 2, MinDelay: time.Second}
	d, ok := flat.Delay(2)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d, "a multiplier below 1 keeps the delay flat")
}

func TestTryTriggerRetry_RetriesUntilPolicyIsExhausted(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	h := newTestHost(t, log, WithRetryPolicy(testRetryPolicy))
	startInvocation(t, log)
	failure := errors.New("upstream returned 503")

	for attempt, delay := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond} {
		err := h.TryTriggerRetry(ctx, failure)
		var retry *RetryError
		require.ErrorAs(t, err, &retry)
		assert.Equal(t, uint32(attempt+1), retry.Attempt)
		assert.Equal(t, delay, retry.Delay)
		assert.ErrorIs(t, err, failure)
	}

	assert.NoError(t, h.TryTriggerRetry(ctx, failure), "the fourth failure is final")
	assert.Nil(t, h.Fatal())

	entries, err := oplog.ReadRange(ctx, log, 3, log.CurrentOplogIndex(ctx))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, oplog.KindError, e.Entry.Kind)
		assert.Equal(t, "upstream returned 503", e.Entry.Error)
	}
}

func TestTryTriggerRetry_AttemptsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	first := newTestHost(t, log, WithRetryPolicy(testRetryPolicy))
	startInvocation(t, log)
	failure := errors.New("timeout")

	for range 2 {
		require.Error(t, first.TryTriggerRetry(ctx, failure))
	}

	restarted := newTestHost(t, log, WithRetryPolicy(testRetryPolicy))
	assert.NoError(t, restarted.TryTriggerRetry(ctx, failure), "no retry decision while replaying")
	_, _, err := restarted.ReadNext(ctx)
	require.NoError(t, err)
	require.True(t, restarted.IsLive())

	err = restarted.TryTriggerRetry(ctx, failure)
	var retry *RetryError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, uint32(3), retry.Attempt)
}

func TestTryTriggerRetry_NewInvocationResetsAttempts(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	h := newTestHost(t, log, WithRetryPolicy(RetryPolicy{MaxAttempts: 1, MinDelay: time.Millisecond}))
	startInvocation(t, log)

	require.Error(t, h.TryTriggerRetry(ctx, errors.New("boom")))
	require.NoError(t, h.TryTriggerRetry(ctx, errors.New("boom")))

	_, err := log.Add(ctx, oplog.NewExportedFunctionCompleted(9, oplog.InlinePayload([]byte(`null`)), 0))
	require.NoError(t, err)
	startInvocation(t, log)
	assert.Error(t, h.TryTriggerRetry(ctx, errors.New("boom")))
}

func TestTryTriggerRetry_FinalFailures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		failure error
		opts    []HostOption
	}{
		{"nil", nil, nil},
		{"interrupted", worker.Interrupt.AsError(), nil},
		{"replay mismatch", fault.New(fault.CodeReplayMismatch, "diverged"), nil},
		{"persist nothing", errors.New("boom"), []HostOption{WithPersistenceLevel(PersistNothing)}},
		{"no attempts allowed", errors.New("boom"), []HostOption{WithRetryPolicy(RetryPolicy{})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := newTestLog(t)
			h := newTestHost(t, log, tt.opts...)
			startInvocation(t, log)
			require.True(t, h.IsLive())
			before := log.CurrentOplogIndex(ctx)

			assert.NoError(t, h.TryTriggerRetry(ctx, tt.failure))
			assert.Equal(t, before, log.CurrentOplogIndex(ctx), "a final failure records no Error entry")
		})
	}
}
