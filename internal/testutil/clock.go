package testutil

import (
	"sync"

	"github.com/roach88/durable/internal/oplog"
)

// DefaultEpoch is the first timestamp a DeterministicClock hands out,
// 2023-11-14T22:13:20Z.
const DefaultEpoch oplog.Timestamp = 1700000000000

// DeterministicClock is a thread-safe logical clock for oplog timestamps.
// Every call to Now advances it by one millisecond, so the same scenario
// always produces byte-identical entries.
type DeterministicClock struct {
	mu    sync.Mutex
	start oplog.Timestamp
	ticks int64
}

// NewDeterministicClock creates a clock whose first Now returns DefaultEpoch.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(DefaultEpoch)
}

// NewDeterministicClockAt creates a clock whose first Now returns start.
func NewDeterministicClockAt(start oplog.Timestamp) *DeterministicClock {
	return &DeterministicClock{start: start}
}

// Now returns the next timestamp. Its signature matches the clock option of
// durability.Host.
func (c *DeterministicClock) Now() oplog.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.start + oplog.Timestamp(c.ticks)
	c.ticks++
	return ts
}

// Ticks returns how many timestamps were handed out.
func (c *DeterministicClock) Ticks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Reset rewinds the clock so the next Now returns the start again.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
