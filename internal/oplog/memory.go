package oplog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/durable/internal/codec"
)

// MemoryStorage is an in-process IndexedStorage. Records are copied on the
// way in and out, so callers never share buffers with the store.
type MemoryStorage struct {
	mu        sync.RWMutex
	logs      map[string]*memoryLog
	replicas  uint8
	ackDelay  time.Duration
	neverAck  bool
	appendErr error
}

// memoryLog keeps the highest index ever appended next to the records, so
// a log whose records were all dropped still knows where it ends.
type memoryLog struct {
	records []Record
	last    Index
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithReplicas sets the replica count the store reports.
func WithReplicas(n uint8) MemoryOption {
	return func(m *MemoryStorage) { m.replicas = n }
}

// WithAckDelay delays every replica acknowledgement by d.
func WithAckDelay(d time.Duration) MemoryOption {
	return func(m *MemoryStorage) { m.ackDelay = d }
}

// WithoutAcknowledgement makes WaitForReplicas block until its context ends,
// simulating replicas that never answer.
func WithoutAcknowledgement() MemoryOption {
	return func(m *MemoryStorage) { m.neverAck = true }
}

// NewMemoryStorage returns an empty store.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	m := &MemoryStorage{logs: make(map[string]*memoryLog)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailAppends makes every following Append return err. Pass nil to recover.
func (m *MemoryStorage) FailAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

func (m *MemoryStorage) Append(_ context.Context, key string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if len(records) == 0 {
		return nil
	}

	log := m.logs[key]
	next := Index(0)
	if log != nil {
		next = log.last + 1
	}
	for i, r := range records {
		if (next != 0 || i > 0) && r.Index != next {
			return fmt.Errorf("append %s at %d, expected %d: %w", key, r.Index, next, ErrNonContiguous)
		}
		next = r.Index + 1
	}
	if log == nil {
		log = &memoryLog{}
		m.logs[key] = log
	}
	for _, r := range records {
		log.records = append(log.records, Record{Index: r.Index, Data: append([]byte(nil), r.Data...)})
	}
	log.last = records[len(records)-1].Index
	return nil
}

func (m *MemoryStorage) Read(_ context.Context, key string, from, to Index) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.logs[key]
	if log == nil {
		return nil, nil
	}
	var out []Record
	for _, r := range log.records {
		if r.Index < from {
			continue
		}
		if r.Index > to {
			break
		}
		out = append(out, Record{Index: r.Index, Data: append([]byte(nil), r.Data...)})
	}
	return out, nil
}

func (m *MemoryStorage) Length(_ context.Context, key string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if log := m.logs[key]; log != nil {
		return uint64(len(log.records)), nil
	}
	return 0, nil
}

func (m *MemoryStorage) LastIndex(_ context.Context, key string) (Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if log := m.logs[key]; log != nil {
		return log.last, nil
	}
	return NoIndex, nil
}

func (m *MemoryStorage) FirstIndex(_ context.Context, key string) (Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.logs[key]
	if log == nil || len(log.records) == 0 {
		return NoIndex, nil
	}
	return log.records[0].Index, nil
}

func (m *MemoryStorage) DropPrefix(_ context.Context, key string, last Index) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.logs[key]
	if log == nil {
		return 0, nil
	}
	n := 0
	for n < len(log.records) && log.records[n].Index <= last {
		n++
	}
	log.records = append([]Record(nil), log.records[n:]...)
	return uint64(n), nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, key)
	return nil
}

func (m *MemoryStorage) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.logs[key]
	return ok, nil
}

// Keys lists the stored logs.
func (m *MemoryStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.logs))
	for k := range m.logs {
		keys = append(keys, k)
	}
	return keys
}

func (m *MemoryStorage) NumberOfReplicas() uint8 { return m.replicas }

func (m *MemoryStorage) WaitForReplicas(ctx context.Context, n uint8) error {
	if n == 0 {
		return nil
	}
	if n > m.replicas {
		return fmt.Errorf("requested %d replicas, store has %d", n, m.replicas)
	}
	if m.neverAck {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.ackDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(m.ackDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryStorage) Close() error { return nil }

// MemoryBlobStorage is an in-process BlobStorage.
type MemoryBlobStorage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStorage() *MemoryBlobStorage {
	return &MemoryBlobStorage{blobs: make(map[string][]byte)}
}

func (b *MemoryBlobStorage) Put(_ context.Context, namespace string, data []byte) (string, error) {
	key := codec.ContentKey(codec.DomainPayload, data)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[namespace+"/"+key] = append([]byte(nil), data...)
	return key, nil
}

func (b *MemoryBlobStorage) Get(_ context.Context, namespace, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[namespace+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, ErrBlobNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Corrupt overwrites a stored blob. Tests use it to exercise hash checks.
func (b *MemoryBlobStorage) Corrupt(namespace, key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[namespace+"/"+key] = data
}

// Len returns the number of stored blobs.
func (b *MemoryBlobStorage) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}
