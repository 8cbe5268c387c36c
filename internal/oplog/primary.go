package oplog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/observability"
)

const (
	// DefaultMaxPayloadSize is the largest payload kept inline in an entry.
	DefaultMaxPayloadSize = 64 * 1024

	// DefaultMaxOperationsBeforeCommit is how many entries Add buffers
	// before it flushes on its own.
	DefaultMaxOperationsBeforeCommit = 128
)

// Option configures a PrimaryOplog.
type Option func(*PrimaryOplog)

// WithMaxPayloadSize sets the inline payload limit.
func WithMaxPayloadSize(n int) Option {
	return func(o *PrimaryOplog) { o.maxPayloadSize = n }
}

// WithMaxOperationsBeforeCommit sets the buffer size that triggers a flush.
func WithMaxOperationsBeforeCommit(n int) Option {
	return func(o *PrimaryOplog) { o.maxOps = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *PrimaryOplog) { o.logger = l }
}

// WithMetrics attaches counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *PrimaryOplog) { o.metrics = m }
}

// WithArchive moves dropped prefixes into archive instead of discarding
// them. Reads below the first index in primary storage are served from the
// archive, so a compacted log can still replay from its Create entry.
func WithArchive(archive IndexedStorage) Option {
	return func(o *PrimaryOplog) { o.archive = archive }
}

type pendingEntry struct {
	index Index
	entry Entry
	data  []byte
}

// PrimaryOplog is the Oplog backed by an IndexedStorage and a BlobStorage.
// All methods are safe for concurrent use; appends are serialized.
type PrimaryOplog struct {
	mu sync.Mutex

	key     string
	storage IndexedStorage
	blobs   BlobStorage
	archive IndexedStorage

	maxPayloadSize int
	maxOps         int
	logger         *slog.Logger
	metrics        *observability.Metrics

	buffer        []pendingEntry
	lastCommitted Index
	lastAdded     Index
	firstIndex    Index
}

func newPrimary(key string, storage IndexedStorage, blobs BlobStorage, opts []Option) *PrimaryOplog {
	o := &PrimaryOplog{
		key:            key,
		storage:        storage,
		blobs:          blobs,
		maxPayloadSize: DefaultMaxPayloadSize,
		maxOps:         DefaultMaxOperationsBeforeCommit,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxOps < 1 {
		o.maxOps = 1
	}
	o.logger = o.logger.With("worker_id", key)
	return o
}

// Create starts a new log for key with its Create entry and commits it.
// It fails if a log already exists for key.
func Create(ctx context.Context, storage IndexedStorage, blobs BlobStorage, key string, create Entry, opts ...Option) (*PrimaryOplog, error) {
	if create.Kind != KindCreate {
		return nil, fault.Newf(fault.CodeOplogWrite, "first entry must be %s, got %s", KindCreate, create.Kind).WithWorker(key)
	}
	exists, err := storage.Exists(ctx, key)
	if err != nil {
		return nil, fault.Wrap(fault.CodeOplogWrite, "check existing oplog", err).WithWorker(key)
	}
	if exists {
		return nil, fault.New(fault.CodeOplogWrite, "oplog already exists").WithWorker(key)
	}

	o := newPrimary(key, storage, blobs, opts)
	if _, err := o.Add(ctx, create); err != nil {
		return nil, err
	}
	if err := o.Commit(ctx, CommitImmediate); err != nil {
		return nil, err
	}
	o.logger.Debug("oplog created")
	return o, nil
}

// Open attaches to the existing log for key.
func Open(ctx context.Context, storage IndexedStorage, blobs BlobStorage, key string, opts ...Option) (*PrimaryOplog, error) {
	exists, err := storage.Exists(ctx, key)
	if err != nil {
		return nil, fault.Wrap(fault.CodeOplogWrite, "check existing oplog", err).WithWorker(key)
	}
	if !exists {
		return nil, fault.New(fault.CodeEntryNotFound, "oplog does not exist").WithWorker(key)
	}

	o := newPrimary(key, storage, blobs, opts)
	if o.lastCommitted, err = storage.LastIndex(ctx, key); err != nil {
		return nil, fmt.Errorf("open oplog %s: last index: %w", key, err)
	}
	if o.firstIndex, err = storage.FirstIndex(ctx, key); err != nil {
		return nil, fmt.Errorf("open oplog %s: first index: %w", key, err)
	}
	if o.firstIndex == NoIndex {
		// Every stored entry was dropped; the log continues after them.
		o.firstIndex = o.lastCommitted.Next()
	}
	o.lastAdded = o.lastCommitted
	o.logger.Debug("oplog opened", "first_index", uint64(o.firstIndex), "last_index", uint64(o.lastAdded))
	return o, nil
}

// Key returns the storage key of the log.
func (o *PrimaryOplog) Key() string { return o.key }

// Add implements Oplog. The entry is encoded immediately so a value that
// cannot be stored fails here, not at the next flush.
func (o *PrimaryOplog) Add(ctx context.Context, entry Entry) (Index, error) {
	data, err := EncodeEntry(entry)
	if err != nil {
		return NoIndex, fault.Wrap(fault.CodeOplogWrite, "encode entry", err).WithWorker(o.key)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.lastAdded.Next()
	o.buffer = append(o.buffer, pendingEntry{index: idx, entry: entry, data: data})
	o.lastAdded = idx
	if o.firstIndex == NoIndex {
		o.firstIndex = idx
	}

	if len(o.buffer) >= o.maxOps {
		if err := o.flushLocked(ctx); err != nil {
			return NoIndex, err
		}
	}
	return idx, nil
}

// Read implements Oplog. Entries below the first stored index are read
// from the archive when one is configured.
func (o *PrimaryOplog) Read(ctx context.Context, index Index) (Entry, error) {
	o.mu.Lock()
	if index == NoIndex || index > o.lastAdded || (index < o.firstIndex && o.archive == nil) {
		last, first := o.lastAdded, o.firstIndex
		o.mu.Unlock()
		return Entry{}, fault.Newf(fault.CodeEntryNotFound, "no entry (readable range %d..%d)", first, last).
			WithWorker(o.key).WithIndex(uint64(index))
	}
	if index > o.lastCommitted {
		e := o.buffer[index-o.lastCommitted-1].entry
		o.mu.Unlock()
		return e, nil
	}
	source, where := o.storage, "storage"
	if index < o.firstIndex {
		source, where = o.archive, "archive"
	}
	o.mu.Unlock()

	records, err := source.Read(ctx, o.key, index, index)
	if err != nil {
		return Entry{}, fault.Wrap(fault.CodeEntryNotFound, "read from "+where, err).WithWorker(o.key).WithIndex(uint64(index))
	}
	if len(records) == 0 {
		return Entry{}, fault.New(fault.CodeEntryNotFound, "entry missing from "+where).WithWorker(o.key).WithIndex(uint64(index))
	}
	e, err := DecodeEntry(records[0].Data)
	if err != nil {
		return Entry{}, fault.Wrap(fault.CodeSerialization, "decode entry", err).WithWorker(o.key).WithIndex(uint64(index))
	}
	return e, nil
}

// FirstIndex returns the lowest index Read can serve: the first archived
// entry when the archive holds the dropped prefix, otherwise the first entry
// left in primary storage.
func (o *PrimaryOplog) FirstIndex(ctx context.Context) (Index, error) {
	o.mu.Lock()
	first, archive := o.firstIndex, o.archive
	o.mu.Unlock()
	if archive == nil || first <= InitialIndex {
		return first, nil
	}
	archived, err := archive.FirstIndex(ctx, o.key)
	if err != nil {
		return NoIndex, fmt.Errorf("oplog %s archive first index: %w", o.key, err)
	}
	if archived != NoIndex && archived < first {
		return archived, nil
	}
	return first, nil
}

// CurrentOplogIndex implements Oplog.
func (o *PrimaryOplog) CurrentOplogIndex(context.Context) Index {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastAdded
}

// Length implements Oplog.
func (o *PrimaryOplog) Length(ctx context.Context) (uint64, error) {
	o.mu.Lock()
	pending := len(o.buffer)
	o.mu.Unlock()

	stored, err := o.storage.Length(ctx, o.key)
	if err != nil {
		return 0, fmt.Errorf("oplog %s length: %w", o.key, err)
	}
	return stored + uint64(pending), nil
}

// Commit implements Oplog. Replica waits requested by level use ctx as
// their only bound; use CommitAndWait for a timeout.
func (o *PrimaryOplog) Commit(ctx context.Context, level CommitLevel) error {
	o.mu.Lock()
	err := o.flushLocked(ctx)
	o.mu.Unlock()
	if err != nil {
		return err
	}

	if level.Mode == ModeImmediate || level.Replicas == 0 {
		return nil
	}
	replicas := o.clampReplicas(level.Replicas)
	if replicas == 0 {
		return nil
	}
	if err := o.storage.WaitForReplicas(ctx, replicas); err != nil {
		o.metrics.ReplicaWait(false)
		return fault.Wrap(fault.CodeCommitTimeout, fmt.Sprintf("waiting for %d replicas", replicas), err).WithWorker(o.key)
	}
	o.metrics.ReplicaWait(true)
	return nil
}

func (o *PrimaryOplog) flushLocked(ctx context.Context) error {
	if len(o.buffer) == 0 {
		return nil
	}
	records := make([]Record, len(o.buffer))
	for i, p := range o.buffer {
		records[i] = Record{Index: p.index, Data: p.data}
	}
	if err := o.storage.Append(ctx, o.key, records); err != nil {
		o.logger.Error("oplog flush failed", "entries", len(records), "error", err)
		return fault.Wrap(fault.CodeOplogWrite, "flush buffered entries", err).
			WithWorker(o.key).WithIndex(uint64(records[0].Index))
	}
	o.lastCommitted = o.buffer[len(o.buffer)-1].index
	o.buffer = o.buffer[:0]
	o.metrics.EntriesAppended(len(records))
	o.metrics.Committed()
	return nil
}

func (o *PrimaryOplog) clampReplicas(requested uint8) uint8 {
	if available := o.storage.NumberOfReplicas(); requested > available {
		o.logger.Debug("clamping replica wait", "requested", requested, "available", available)
		return available
	}
	return requested
}

// WaitForReplicas implements Oplog. Buffered entries are flushed first so
// the replicas are asked to acknowledge everything added so far. It never
// blocks past timeout.
func (o *PrimaryOplog) WaitForReplicas(ctx context.Context, replicas uint8, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.mu.Lock()
	err := o.flushLocked(ctx)
	o.mu.Unlock()
	if err != nil {
		return false
	}

	replicas = o.clampReplicas(replicas)
	if replicas == 0 {
		return true
	}
	if err := o.storage.WaitForReplicas(ctx, replicas); err != nil {
		o.logger.Warn("replicas did not acknowledge", "replicas", replicas, "timeout", timeout, "error", err)
		o.metrics.ReplicaWait(false)
		return false
	}
	o.metrics.ReplicaWait(true)
	return true
}

// DropPrefix implements Oplog. Only committed entries can be dropped. With
// an archive the entries are copied there before primary storage lets go
// of them. The log itself stays: its last index survives even when no entry
// is left, so indices are never reused. Use Delete to remove the log.
func (o *PrimaryOplog) DropPrefix(ctx context.Context, lastDropped Index) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if lastDropped > o.lastCommitted {
		return 0, fault.Newf(fault.CodeOplogWrite, "cannot drop past committed index %d", o.lastCommitted).
			WithWorker(o.key).WithIndex(uint64(lastDropped))
	}
	if lastDropped < o.firstIndex {
		return 0, nil
	}
	if o.archive != nil {
		if err := o.archiveLocked(ctx, lastDropped); err != nil {
			return 0, err
		}
	}

	n, err := o.storage.DropPrefix(ctx, o.key, lastDropped)
	if err != nil {
		return 0, fault.Wrap(fault.CodeOplogWrite, "drop prefix", err).WithWorker(o.key).WithIndex(uint64(lastDropped))
	}
	o.firstIndex = lastDropped.Next()
	o.metrics.PrefixDropped(n)
	o.logger.Debug("oplog prefix dropped", "last_dropped", uint64(lastDropped), "entries", n, "archived", o.archive != nil)
	return n, nil
}

// archiveLocked copies firstIndex..lastDropped to the archive. Records the
// archive already holds from an interrupted earlier attempt are skipped.
func (o *PrimaryOplog) archiveLocked(ctx context.Context, lastDropped Index) error {
	archived, err := o.archive.LastIndex(ctx, o.key)
	if err != nil {
		return fault.Wrap(fault.CodeOplogWrite, "read archive head", err).WithWorker(o.key)
	}
	from := o.firstIndex
	if archived >= from {
		from = archived.Next()
	}
	if from > lastDropped {
		return nil
	}
	records, err := o.storage.Read(ctx, o.key, from, lastDropped)
	if err != nil {
		return fault.Wrap(fault.CodeOplogWrite, "read prefix to archive", err).WithWorker(o.key).WithIndex(uint64(from))
	}
	if uint64(len(records)) != from.Range(lastDropped) {
		return fault.Newf(fault.CodeOplogWrite, "prefix %d..%d is incomplete in storage", from, lastDropped).WithWorker(o.key)
	}
	if err := o.archive.Append(ctx, o.key, records); err != nil {
		return fault.Wrap(fault.CodeOplogWrite, "append to archive", err).WithWorker(o.key).WithIndex(uint64(from))
	}
	o.metrics.EntriesArchived(len(records))
	return nil
}

// Delete removes the log and its archived prefix. The oplog is empty
// afterwards; a new log for the same worker starts again with Create.
func (o *PrimaryOplog) Delete(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.storage.Delete(ctx, o.key); err != nil {
		return fault.Wrap(fault.CodeOplogWrite, "delete oplog", err).WithWorker(o.key)
	}
	if o.archive != nil {
		if err := o.archive.Delete(ctx, o.key); err != nil {
			return fault.Wrap(fault.CodeOplogWrite, "delete archived oplog", err).WithWorker(o.key)
		}
	}
	o.buffer = nil
	o.lastAdded, o.lastCommitted, o.firstIndex = NoIndex, NoIndex, NoIndex
	o.logger.Info("oplog deleted")
	return nil
}

// UploadPayload implements Oplog.
func (o *PrimaryOplog) UploadPayload(ctx context.Context, data []byte) (Payload, error) {
	if len(data) <= o.maxPayloadSize {
		o.metrics.PayloadUploaded(false, len(data))
		return InlinePayload(append([]byte(nil), data...)), nil
	}
	if o.blobs == nil {
		return Payload{}, fault.Newf(fault.CodePayload, "payload of %d bytes exceeds inline limit and no blob storage is configured", len(data)).WithWorker(o.key)
	}
	key, err := o.blobs.Put(ctx, o.key, data)
	if err != nil {
		return Payload{}, fault.Wrap(fault.CodePayload, "upload payload", err).WithWorker(o.key)
	}
	o.metrics.PayloadUploaded(true, len(data))
	return Payload{External: &ExternalPayload{Key: key, Size: uint64(len(data))}}, nil
}

// DownloadPayload implements Oplog. External payloads are checked against
// their content key.
func (o *PrimaryOplog) DownloadPayload(ctx context.Context, p Payload) ([]byte, error) {
	return downloadPayload(ctx, o.blobs, o.key, p)
}

func downloadPayload(ctx context.Context, blobs BlobStorage, namespace string, p Payload) ([]byte, error) {
	if p.External == nil {
		return p.Inline, nil
	}
	if blobs == nil {
		return nil, fault.New(fault.CodePayload, "external payload but no blob storage is configured").WithWorker(namespace)
	}
	data, err := blobs.Get(ctx, namespace, p.External.Key)
	if err != nil {
		code := fault.CodePayload
		if errors.Is(err, ErrBlobNotFound) {
			code = fault.CodeEntryNotFound
		}
		return nil, fault.Wrap(code, "download payload "+p.External.Key, err).WithWorker(namespace)
	}
	if uint64(len(data)) != p.External.Size || codec.ContentKey(codec.DomainPayload, data) != p.External.Key {
		return nil, fault.Newf(fault.CodePayload, "payload %s failed content verification", p.External.Key).WithWorker(namespace)
	}
	return data, nil
}

// Close flushes buffered entries.
func (o *PrimaryOplog) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushLocked(ctx)
}

var _ Oplog = (*PrimaryOplog)(nil)

// AddAndCommit appends entry and commits it at level.
func AddAndCommit(ctx context.Context, o Oplog, entry Entry, level CommitLevel) (Index, error) {
	idx, err := o.Add(ctx, entry)
	if err != nil {
		return NoIndex, err
	}
	if err := o.Commit(ctx, level); err != nil {
		return idx, err
	}
	return idx, nil
}

// CommitAndWait commits at level and then waits up to timeout for replicas.
// It returns a COMMIT_TIMEOUT error when the replicas did not acknowledge.
func CommitAndWait(ctx context.Context, o Oplog, level CommitLevel, replicas uint8, timeout time.Duration) error {
	if err := o.Commit(ctx, CommitLevel{Mode: level.Mode}); err != nil {
		return err
	}
	if replicas == 0 || level.Mode == ModeImmediate {
		return nil
	}
	if !o.WaitForReplicas(ctx, replicas, timeout) {
		return fault.Newf(fault.CodeCommitTimeout, "%d replicas did not acknowledge within %s", replicas, timeout)
	}
	return nil
}

// IndexedEntry pairs an entry with its index.
type IndexedEntry struct {
	Index Index
	Entry Entry
}

// ReadRange reads entries from..to inclusive through any Oplog.
func ReadRange(ctx context.Context, o Oplog, from, to Index) ([]IndexedEntry, error) {
	if from == NoIndex {
		from = InitialIndex
	}
	out := make([]IndexedEntry, 0, from.Range(to))
	for i := from; i <= to; i++ {
		e, err := o.Read(ctx, i)
		if err != nil {
			return out, err
		}
		out = append(out, IndexedEntry{Index: i, Entry: e})
	}
	return out, nil
}

// EqualPayload reports whether two payloads reference the same contents.
func EqualPayload(a, b Payload) bool {
	if a.IsExternal() != b.IsExternal() {
		return false
	}
	if a.External != nil {
		return *a.External == *b.External
	}
	return bytes.Equal(a.Inline, b.Inline)
}
