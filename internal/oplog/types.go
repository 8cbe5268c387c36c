package oplog

import (
	"fmt"
	"strings"
	"time"
)

// Index is a position in a worker's oplog. Indices are 1-based and
// contiguous: the Nth successful Add returns exactly N.
type Index uint64

const (
	// NoIndex is the zero value, before the first entry.
	NoIndex Index = 0

	// InitialIndex holds the Create entry of every worker log.
	InitialIndex Index = 1
)

// Next returns the following index.
func (i Index) Next() Index { return i + 1 }

// Previous returns the preceding index, saturating at NoIndex.
func (i Index) Previous() Index {
	if i == NoIndex {
		return NoIndex
	}
	return i - 1
}

// Range returns the inclusive count of indices in [i, to].
func (i Index) Range(to Index) uint64 {
	if to < i {
		return 0
	}
	return uint64(to-i) + 1
}

func (i Index) String() string { return fmt.Sprintf("%d", uint64(i)) }

// Timestamp is a wall-clock instant in Unix milliseconds. Entries carry
// integers rather than time.Time so they compare equal after a storage
// round trip.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp { return TimestampOf(time.Now()) }

// TimestampOf converts t to a Timestamp.
func TimestampOf(t time.Time) Timestamp { return Timestamp(t.UnixMilli()) }

// Time converts ts back to a UTC time.Time.
func (ts Timestamp) Time() time.Time { return time.UnixMilli(int64(ts)).UTC() }

// LogLevel is the level of a Log entry.
type LogLevel string

const (
	LevelStdout   LogLevel = "stdout"
	LevelStderr   LogLevel = "stderr"
	LevelTrace    LogLevel = "trace"
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// ParseLogLevel accepts the level names case-insensitively.
func ParseLogLevel(s string) (LogLevel, error) {
	switch l := LogLevel(strings.ToLower(s)); l {
	case LevelStdout, LevelStderr, LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelCritical:
		return l, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// CommitLevel selects how durably Commit flushes buffered entries.
type CommitLevel struct {
	Mode CommitMode

	// Replicas is the number of replica acknowledgements to wait for after
	// flushing. Zero means no replica wait.
	Replicas uint8
}

// CommitMode is the flush policy of a CommitLevel.
type CommitMode int

const (
	// ModeAlways flushes at this commit point.
	ModeAlways CommitMode = iota

	// ModeDurableOnly flushes like ModeAlways. It marks commits that the
	// durability host skips while persistence is switched off.
	ModeDurableOnly

	// ModeImmediate flushes now and never waits for replicas.
	ModeImmediate
)

var (
	CommitAlways      = CommitLevel{Mode: ModeAlways}
	CommitDurableOnly = CommitLevel{Mode: ModeDurableOnly}
	CommitImmediate   = CommitLevel{Mode: ModeImmediate}
)

// CommitReplicated flushes and then waits for n replicas.
func CommitReplicated(n uint8) CommitLevel {
	return CommitLevel{Mode: ModeAlways, Replicas: n}
}

func (c CommitLevel) String() string {
	var name string
	switch c.Mode {
	case ModeAlways:
		name = "always"
	case ModeDurableOnly:
		name = "durable-only"
	case ModeImmediate:
		name = "immediate"
	default:
		name = fmt.Sprintf("mode(%d)", int(c.Mode))
	}
	if c.Replicas > 0 {
		return fmt.Sprintf("%s+%d-replicas", name, c.Replicas)
	}
	return name
}

// Payload is a recorded value: inline bytes for small values, or a
// reference into blob storage.
type Payload struct {
	Inline   []byte           `json:"inline,omitempty"`
	External *ExternalPayload `json:"external,omitempty"`
}

// ExternalPayload references a blob by its content key.
type ExternalPayload struct {
	Key  string `json:"key"`
	Size uint64 `json:"size"`
}

// InlinePayload wraps data as an inline payload.
func InlinePayload(data []byte) Payload {
	return Payload{Inline: data}
}

// IsExternal reports whether the payload lives in blob storage.
func (p Payload) IsExternal() bool { return p.External != nil }

// Size returns the byte size of the payload contents.
func (p Payload) Size() uint64 {
	if p.External != nil {
		return p.External.Size
	}
	return uint64(len(p.Inline))
}
