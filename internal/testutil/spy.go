package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/durable/internal/oplog"
)

// SpyOplog wraps an oplog and records the name of every method called on
// it. Tests use it to prove that a layer never writes through.
type SpyOplog struct {
	inner oplog.Oplog

	mu    sync.Mutex
	calls []string
}

var _ oplog.Oplog = (*SpyOplog)(nil)

// NewSpyOplog wraps inner.
func NewSpyOplog(inner oplog.Oplog) *SpyOplog {
	return &SpyOplog{inner: inner}
}

func (s *SpyOplog) record(name string) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
}

// Calls returns the recorded method names in call order.
func (s *SpyOplog) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how often name was called.
func (s *SpyOplog) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == name {
			n++
		}
	}
	return n
}

// Writes returns how many mutating calls were made.
func (s *SpyOplog) Writes() int {
	return s.Count("Add") + s.Count("Commit") + s.Count("DropPrefix") + s.Count("UploadPayload")
}

func (s *SpyOplog) Add(ctx context.Context, entry oplog.Entry) (oplog.Index, error) {
	s.record("Add")
	return s.inner.Add(ctx, entry)
}

func (s *SpyOplog) Read(ctx context.Context, index oplog.Index) (oplog.Entry, error) {
	s.record("Read")
	return s.inner.Read(ctx, index)
}

func (s *SpyOplog) CurrentOplogIndex(ctx context.Context) oplog.Index {
	s.record("CurrentOplogIndex")
	return s.inner.CurrentOplogIndex(ctx)
}

func (s *SpyOplog) Length(ctx context.Context) (uint64, error) {
	s.record("Length")
	return s.inner.Length(ctx)
}

func (s *SpyOplog) Commit(ctx context.Context, level oplog.CommitLevel) error {
	s.record("Commit")
	return s.inner.Commit(ctx, level)
}

func (s *SpyOplog) WaitForReplicas(ctx context.Context, replicas uint8, timeout time.Duration) bool {
	s.record("WaitForReplicas")
	return s.inner.WaitForReplicas(ctx, replicas, timeout)
}

func (s *SpyOplog) DropPrefix(ctx context.Context, lastDropped oplog.Index) (uint64, error) {
	s.record("DropPrefix")
	return s.inner.DropPrefix(ctx, lastDropped)
}

func (s *SpyOplog) UploadPayload(ctx context.Context, data []byte) (oplog.Payload, error) {
	s.record("UploadPayload")
	return s.inner.UploadPayload(ctx, data)
}

func (s *SpyOplog) DownloadPayload(ctx context.Context, payload oplog.Payload) ([]byte, error) {
	s.record("DownloadPayload")
	return s.inner.DownloadPayload(ctx, payload)
}
