package debug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/oplog"
)

// Oplog is a read-only view of a worker's log bound to a debug session.
// Nothing written through it reaches the underlying log.
type Oplog struct {
	inner    oplog.Oplog
	id       SessionID
	sessions Sessions
	logger   *slog.Logger
}

var _ oplog.Oplog = (*Oplog)(nil)

// OplogOption configures an Oplog.
type OplogOption func(*Oplog)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) OplogOption {
	return func(o *Oplog) { o.logger = l }
}

// NewOplog wraps inner for session id.
func NewOplog(inner oplog.Oplog, id SessionID, sessions Sessions, opts ...OplogOption) *Oplog {
	o := &Oplog{inner: inner, id: id, sessions: sessions, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("debug_session", string(id))
	return o
}

// Add discards the entry and reports the current index.
func (o *Oplog) Add(ctx context.Context, entry oplog.Entry) (oplog.Index, error) {
	o.logger.Debug("discarding entry in debug session", "kind", string(entry.Kind))
	return o.CurrentOplogIndex(ctx), nil
}

// Read returns the override at index if the session has one, and the
// recorded entry otherwise. The session's current index follows every
// successful read.
func (o *Oplog) Read(ctx context.Context, index oplog.Index) (oplog.Entry, error) {
	data, ok := o.sessions.Get(o.id)
	if ok {
		if e, found := data.Overrides[index]; found {
			o.sessions.UpdateOplogIndex(o.id, index)
			return e, nil
		}
	}
	e, err := o.inner.Read(ctx, index)
	if err != nil {
		return oplog.Entry{}, err
	}
	o.sessions.UpdateOplogIndex(o.id, index)
	return e, nil
}

// CurrentOplogIndex is the session target when one is set, so a worker
// activated through the session replays exactly up to it.
func (o *Oplog) CurrentOplogIndex(ctx context.Context) oplog.Index {
	if data, ok := o.sessions.Get(o.id); ok && data.TargetIndex != nil {
		return *data.TargetIndex
	}
	return o.inner.CurrentOplogIndex(ctx)
}

func (o *Oplog) Length(ctx context.Context) (uint64, error) { return o.inner.Length(ctx) }

func (o *Oplog) Commit(context.Context, oplog.CommitLevel) error { return nil }

// WaitForReplicas reports success immediately; nothing is ever written.
func (o *Oplog) WaitForReplicas(context.Context, uint8, time.Duration) bool { return true }

func (o *Oplog) DropPrefix(context.Context, oplog.Index) (uint64, error) { return 0, nil }

func (o *Oplog) UploadPayload(context.Context, []byte) (oplog.Payload, error) {
	return oplog.Payload{}, fault.New(fault.CodeDebugSessionWrite, "payloads cannot be stored in a debug session").
		WithWorker(string(o.id))
}

func (o *Oplog) DownloadPayload(ctx context.Context, payload oplog.Payload) ([]byte, error) {
	return o.inner.DownloadPayload(ctx, payload)
}

// ErrNoInvocationBoundary is returned when no invocation completes between
// a requested target and the head of the log.
var ErrNoInvocationBoundary = errors.New("invocation boundary not found")

// TargetAtInvocationBoundary moves target forward to the first
// ExportedFunctionCompleted entry at or after it, so a debug replay never
// stops in the middle of an invocation.
func TargetAtInvocationBoundary(ctx context.Context, log oplog.Oplog, target oplog.Index) (oplog.Index, error) {
	head := log.CurrentOplogIndex(ctx)
	if target == oplog.NoIndex {
		target = oplog.InitialIndex
	}
	for idx := target; idx <= head; idx++ {
		e, err := log.Read(ctx, idx)
		if err != nil {
			return oplog.NoIndex, err
		}
		if e.Kind == oplog.KindExportedFunctionCompleted {
			return idx, nil
		}
	}
	return oplog.NoIndex, fmt.Errorf("%w: no completed invocation between %d and the last index %d; "+
		"pick an index outside an incomplete invocation", ErrNoInvocationBoundary, target, head)
}

// Open starts a debug session over inner. The session replays up to
// target, moved to an invocation boundary when ensureBoundary is set, with
// the given overrides applied. It returns the decorated log to activate
// the worker on.
func Open(ctx context.Context, sessions Sessions, inner oplog.Oplog, id SessionID, target oplog.Index,
	ensureBoundary bool, list []Override, opts ...OplogOption) (*Oplog, SessionData, error) {
	create, err := inner.Read(ctx, oplog.InitialIndex)
	if err != nil {
		return nil, SessionData{}, fmt.Errorf("read create entry: %w", err)
	}
	head := inner.CurrentOplogIndex(ctx)
	if target == oplog.NoIndex || target > head {
		target = head
	}
	if ensureBoundary {
		if target, err = TargetAtInvocationBoundary(ctx, inner, target); err != nil {
			return nil, SessionData{}, err
		}
	}
	overrides, err := NewOverrides(oplog.InitialIndex, list)
	if err != nil {
		return nil, SessionData{}, err
	}

	data := SessionData{
		WorkerMetadata: MetadataFromCreate(create),
		TargetIndex:    &target,
		Overrides:      overrides,
		CurrentIndex:   oplog.InitialIndex,
	}
	sessions.Insert(id, data)
	return NewOplog(inner, id, sessions, opts...), data, nil
}
