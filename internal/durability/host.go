package durability

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/observability"
	"github.com/roach88/durable/internal/oplog"
	"github.com/roach88/durable/internal/worker"
)

// Host is the durable execution state of one worker instance: its oplog,
// the replay cursor and the replay target fixed at activation.
//
// The instance is live once the cursor reaches the target. Until then every
// durable call is answered from the oplog instead of being executed.
type Host struct {
	mu sync.Mutex

	log      oplog.Oplog
	codec    codec.Codec
	status   *worker.Status
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    func() oplog.Timestamp
	workerID string

	persistence       PersistenceLevel
	assumeIdempotence bool
	retry             RetryPolicy

	lastReplayed oplog.Index
	target       oplog.Index
	fatal        error
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithCodec sets the codec for recorded requests and responses.
func WithCodec(c codec.Codec) HostOption {
	return func(h *Host) { h.codec = c }
}

// WithStatus attaches the execution status checked at every call boundary.
func WithStatus(s *worker.Status) HostOption {
	return func(h *Host) { h.status = s }
}

// WithAssumeIdempotence treats single remote writes as idempotent, so they
// are recorded without a begin/end bracket.
func WithAssumeIdempotence(v bool) HostOption {
	return func(h *Host) { h.assumeIdempotence = v }
}

// WithPersistenceLevel sets the initial persistence level.
func WithPersistenceLevel(l PersistenceLevel) HostOption {
	return func(h *Host) { h.persistence = l }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) HostOption {
	return func(h *Host) { h.logger = l }
}

// WithMetrics attaches counters.
func WithMetrics(m *observability.Metrics) HostOption {
	return func(h *Host) { h.metrics = m }
}

// WithClock sets the timestamp source for new entries.
func WithClock(now func() oplog.Timestamp) HostOption {
	return func(h *Host) { h.clock = now }
}

// WithWorkerID labels errors and logs.
func WithWorkerID(id string) HostOption {
	return func(h *Host) { h.workerID = id }
}

// WithReplayFrom starts the cursor at idx instead of the Create entry, for
// instances resuming after a compacted prefix.
func WithReplayFrom(idx oplog.Index) HostOption {
	return func(h *Host) { h.lastReplayed = idx }
}

// NewHost activates a worker instance over log. The replay target is the
// log's current index at this moment and does not move afterwards.
func NewHost(ctx context.Context, log oplog.Oplog, opts ...HostOption) (*Host, error) {
	h := &Host{
		log:          log,
		codec:        codec.Default,
		logger:       slog.Default(),
		clock:        oplog.Now,
		retry:        DefaultRetryPolicy,
		lastReplayed: oplog.InitialIndex,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.workerID != "" {
		h.logger = h.logger.With("worker_id", h.workerID)
	}
	h.target = log.CurrentOplogIndex(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.skipHintsLocked(ctx); err != nil {
		return nil, err
	}
	h.logger.Debug("worker activated",
		"replay_from", uint64(h.lastReplayed), "replay_target", uint64(h.target), "live", h.lastReplayed >= h.target,
		"persistence", h.persistence.String(), "assume_idempotence", h.assumeIdempotence)
	return h, nil
}

// IsLive reports whether the instance is past its recorded history.
func (h *Host) IsLive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReplayed >= h.target
}

// Oplog returns the underlying log.
func (h *Host) Oplog() oplog.Oplog { return h.log }

// Codec returns the payload codec.
func (h *Host) Codec() codec.Codec { return h.codec }

// WorkerID returns the worker label.
func (h *Host) WorkerID() string { return h.workerID }

// LastReplayed returns the replay cursor.
func (h *Host) LastReplayed() oplog.Index {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReplayed
}

// ReplayTarget returns the index fixed at activation.
func (h *Host) ReplayTarget() oplog.Index {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.target
}

// PersistenceLevel returns the current persistence level.
func (h *Host) PersistenceLevel() PersistenceLevel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.persistence
}

// SetPersistenceLevel changes which calls are recorded from now on.
func (h *Host) SetPersistenceLevel(l PersistenceLevel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.persistence = l
}

// Fatal returns the first fatal error the instance hit, if any. Once set,
// every further durable call fails with it.
func (h *Host) Fatal() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fatal
}

func (h *Host) failLocked(err *fault.Error) error {
	if h.workerID != "" && err.Worker == "" {
		err = err.WithWorker(h.workerID)
	}
	if h.fatal == nil {
		h.fatal = err
		h.logger.Error("worker failed", "code", string(err.Code), "function", err.Function,
			"oplog_index", err.Index, "error", err.Error())
	}
	if err.Code == fault.CodeReplayMismatch {
		h.metrics.ReplayMismatch()
	}
	return err
}

func asFault(err error, code fault.Code, msg string) *fault.Error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe
	}
	return fault.Wrap(code, msg, err)
}

// readNextLocked returns the next entry replay consumes, skipping hints,
// and advances the cursor past it and any hints that follow.
func (h *Host) readNextLocked(ctx context.Context, function string) (oplog.Index, oplog.Entry, error) {
	for {
		if h.lastReplayed >= h.target {
			return oplog.NoIndex, oplog.Entry{}, h.failLocked(
				fault.New(fault.CodeReplayMismatch, "recorded history ended before the call").
					WithFunction(function).WithIndex(uint64(h.lastReplayed.Next())))
		}
		idx := h.lastReplayed.Next()
		entry, err := h.log.Read(ctx, idx)
		if err != nil {
			return oplog.NoIndex, oplog.Entry{}, h.failLocked(
				asFault(err, fault.CodeEntryNotFound, "read oplog").WithFunction(function).WithIndex(uint64(idx)))
		}
		h.lastReplayed = idx
		if entry.IsHint() {
			continue
		}
		if err := h.skipHintsLocked(ctx); err != nil {
			return oplog.NoIndex, oplog.Entry{}, err
		}
		return idx, entry, nil
	}
}

// skipHintsLocked moves the cursor over hint entries so that an instance
// whose remaining history is only hints counts as live.
func (h *Host) skipHintsLocked(ctx context.Context) error {
	for h.lastReplayed < h.target {
		idx := h.lastReplayed.Next()
		entry, err := h.log.Read(ctx, idx)
		if err != nil {
			return h.failLocked(asFault(err, fault.CodeEntryNotFound, "read oplog").WithIndex(uint64(idx)))
		}
		if !entry.IsHint() {
			return nil
		}
		h.lastReplayed = idx
	}
	return nil
}

// ReadNext consumes the next non-hint entry during replay.
func (h *Host) ReadNext(ctx context.Context) (oplog.Index, oplog.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readNextLocked(ctx, "")
}

func (h *Host) checkBoundaryLocked() error {
	if h.fatal != nil {
		return h.fatal
	}
	if h.status != nil {
		if err := h.status.CheckInterrupt(); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) addLocked(ctx context.Context, entry oplog.Entry, function string) (oplog.Index, error) {
	idx, err := h.log.Add(ctx, entry)
	if err != nil {
		return oplog.NoIndex, h.failLocked(asFault(err, fault.CodeOplogWrite, "append entry").WithFunction(function))
	}
	return idx, nil
}

// BeginFunction opens a durable call. It checks for a pending interruption
// first. Remote writes that need a bracket get a BeginRemoteWrite entry when
// live; on replay the recorded begin entry is consumed and the matching end
// entry must exist, otherwise the write was cut off and cannot be replayed.
func (h *Host) BeginFunction(ctx context.Context, ft FunctionType) (oplog.Index, error) {
	return h.beginFunction(ctx, "", ft)
}

func (h *Host) beginFunction(ctx context.Context, function string, ft FunctionType) (oplog.Index, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkBoundaryLocked(); err != nil {
		return oplog.NoIndex, err
	}
	live := h.lastReplayed >= h.target
	if !h.persistence.records(ft) || !NeedsBeginEnd(ft, h.assumeIdempotence) {
		if live {
			return h.log.CurrentOplogIndex(ctx), nil
		}
		return h.lastReplayed, nil
	}

	if live {
		return h.addLocked(ctx, oplog.NewBeginRemoteWrite(h.clock()), function)
	}

	idx, entry, err := h.readNextLocked(ctx, function)
	if err != nil {
		return oplog.NoIndex, err
	}
	if entry.Kind != oplog.KindBeginRemoteWrite {
		return oplog.NoIndex, h.failLocked(
			fault.Newf(fault.CodeReplayMismatch, "expected %s, found %s", oplog.KindBeginRemoteWrite, entry.Kind).
				WithFunction(function).WithIndex(uint64(idx)))
	}
	completed, err := h.hasEndLocked(ctx, idx)
	if err != nil {
		return oplog.NoIndex, h.failLocked(asFault(err, fault.CodeEntryNotFound, "scan for end of remote write").
			WithFunction(function).WithIndex(uint64(idx)))
	}
	if !completed {
		return oplog.NoIndex, h.failLocked(
			fault.New(fault.CodeIncompleteRemoteWrite, "remote write started but never completed; it may or may not have taken effect").
				WithFunction(function).WithIndex(uint64(idx)))
	}
	return idx, nil
}

// hasEndLocked looks for the EndRemoteWrite closing begin anywhere up to the
// head of the log.
func (h *Host) hasEndLocked(ctx context.Context, begin oplog.Index) (bool, error) {
	head := h.log.CurrentOplogIndex(ctx)
	for i := begin.Next(); i <= head; i++ {
		e, err := h.log.Read(ctx, i)
		if err != nil {
			return false, err
		}
		if e.Kind == oplog.KindEndRemoteWrite && e.Begin == begin {
			return true, nil
		}
	}
	return false, nil
}

// EndFunction closes a durable call opened by BeginFunction. Live writes
// are committed before it returns.
func (h *Host) EndFunction(ctx context.Context, ft FunctionType, begin oplog.Index) error {
	return h.endFunction(ctx, "", ft, begin)
}

func (h *Host) endFunction(ctx context.Context, function string, ft FunctionType, begin oplog.Index) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fatal != nil {
		return h.fatal
	}
	recorded := h.persistence.records(ft)
	live := h.lastReplayed >= h.target

	if recorded && NeedsBeginEnd(ft, h.assumeIdempotence) {
		if live {
			if _, err := h.addLocked(ctx, oplog.NewEndRemoteWrite(h.clock(), begin), function); err != nil {
				return err
			}
		} else {
			idx, entry, err := h.readNextLocked(ctx, function)
			if err != nil {
				return err
			}
			if entry.Kind != oplog.KindEndRemoteWrite || entry.Begin != begin {
				return h.failLocked(
					fault.Newf(fault.CodeReplayMismatch, "expected %s for begin %d, found %s", oplog.KindEndRemoteWrite, begin, entry.Summary()).
						WithFunction(function).WithIndex(uint64(idx)))
			}
		}
	}

	if live && h.persistence.commitsAfter(ft) {
		if err := h.log.Commit(ctx, oplog.CommitDurableOnly); err != nil {
			return h.failLocked(asFault(err, fault.CodeOplogWrite, "commit").WithFunction(function))
		}
	}
	return nil
}

// BeginAtomicRegion marks the start of a region whose calls replay as a
// unit.
func (h *Host) BeginAtomicRegion(ctx context.Context) (oplog.Index, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkBoundaryLocked(); err != nil {
		return oplog.NoIndex, err
	}
	if h.persistence == PersistNothing {
		return h.log.CurrentOplogIndex(ctx), nil
	}
	if h.lastReplayed >= h.target {
		return h.addLocked(ctx, oplog.NewBeginAtomicRegion(h.clock()), "")
	}
	idx, entry, err := h.readNextLocked(ctx, "")
	if err != nil {
		return oplog.NoIndex, err
	}
	if entry.Kind != oplog.KindBeginAtomicRegion {
		return oplog.NoIndex, h.failLocked(
			fault.Newf(fault.CodeReplayMismatch, "expected %s, found %s", oplog.KindBeginAtomicRegion, entry.Kind).WithIndex(uint64(idx)))
	}
	return idx, nil
}

// EndAtomicRegion closes the region opened at begin.
func (h *Host) EndAtomicRegion(ctx context.Context, begin oplog.Index) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal != nil {
		return h.fatal
	}
	if h.persistence == PersistNothing {
		return nil
	}
	if h.lastReplayed >= h.target {
		if _, err := h.addLocked(ctx, oplog.NewEndAtomicRegion(h.clock(), begin), ""); err != nil {
			return err
		}
		if err := h.log.Commit(ctx, oplog.CommitDurableOnly); err != nil {
			return h.failLocked(asFault(err, fault.CodeOplogWrite, "commit"))
		}
		return nil
	}
	idx, entry, err := h.readNextLocked(ctx, "")
	if err != nil {
		return err
	}
	if entry.Kind != oplog.KindEndAtomicRegion || entry.Begin != begin {
		return h.failLocked(
			fault.Newf(fault.CodeReplayMismatch, "expected %s for begin %d, found %s", oplog.KindEndAtomicRegion, begin, entry.Summary()).
				WithIndex(uint64(idx)))
	}
	return nil
}

// AddLog records a line the worker emitted. Lines re-emitted during replay
// are already in the log and are not recorded again.
func (h *Host) AddLog(ctx context.Context, level oplog.LogLevel, logContext, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal != nil {
		return h.fatal
	}
	if h.lastReplayed < h.target || h.persistence == PersistNothing {
		return nil
	}
	_, err := h.addLocked(ctx, oplog.NewLog(h.clock(), level, logContext, message), "")
	return err
}
