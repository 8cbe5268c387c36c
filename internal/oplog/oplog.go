// Package oplog implements the per-worker append-only operation log.
//
// A worker's oplog is the record of every step it took: creation, each
// invoked export, every non-deterministic host call with its serialized
// result, and hints such as logs and suspensions. Replaying the log in index
// order reconstructs the worker's state without repeating any side effect.
//
// PrimaryOplog is the production implementation. It buffers entries,
// flushes them to an IndexedStorage on commit and moves large payloads to a
// BlobStorage so the log itself stays small.
package oplog

import (
	"context"
	"errors"
	"time"
)

// Oplog is the log a worker instance reads and appends during execution.
// Implementations serialize appends; one worker never has two writers.
type Oplog interface {
	// Add appends an entry and returns its index. The entry may stay
	// buffered until the next Commit but is readable immediately. A failed
	// Add is fatal for the worker.
	Add(ctx context.Context, entry Entry) (Index, error)

	// Read returns the entry at index, or an ENTRY_NOT_FOUND error when the
	// index is past the head or was dropped by compaction.
	Read(ctx context.Context, index Index) (Entry, error)

	// CurrentOplogIndex returns the index of the last entry. During replay
	// it is the horizon the worker must catch up to.
	CurrentOplogIndex(ctx context.Context) Index

	// Length returns the number of entries, buffered ones included.
	Length(ctx context.Context) (uint64, error)

	// Commit flushes buffered entries according to level.
	Commit(ctx context.Context, level CommitLevel) error

	// WaitForReplicas waits up to timeout for replicas to acknowledge
	// everything committed so far. It returns false on timeout or on a
	// backend error.
	WaitForReplicas(ctx context.Context, replicas uint8, timeout time.Duration) bool

	// DropPrefix removes entries up to and including lastDropped and
	// returns how many were removed. The index sequence is not reset:
	// later entries continue after the last one ever added.
	DropPrefix(ctx context.Context, lastDropped Index) (uint64, error)

	UploadPayload(ctx context.Context, data []byte) (Payload, error)
	DownloadPayload(ctx context.Context, payload Payload) ([]byte, error)
}

// Record is one serialized entry as held by an IndexedStorage.
type Record struct {
	Index Index
	Data  []byte
}

// IndexedStorage is the log storage backend: records keyed by worker and
// ordered by index.
type IndexedStorage interface {
	// Append stores records for key. Records must continue the existing
	// sequence without gaps, counting from LastIndex. The first append to
	// an unknown key may start at any index.
	Append(ctx context.Context, key string, records []Record) error

	// Read returns the stored records with from <= index <= to in order.
	Read(ctx context.Context, key string, from, to Index) ([]Record, error)

	// Length returns the number of records stored for key.
	Length(ctx context.Context, key string) (uint64, error)

	// LastIndex returns the highest index ever appended for key, even
	// when DropPrefix removed it since, or NoIndex for an unknown key.
	LastIndex(ctx context.Context, key string) (Index, error)

	// FirstIndex returns the lowest stored index, or NoIndex when no
	// record is stored.
	FirstIndex(ctx context.Context, key string) (Index, error)

	// DropPrefix deletes records with index <= last and returns how many
	// were deleted. The key keeps existing and keeps its LastIndex. An
	// unknown key is left unknown.
	DropPrefix(ctx context.Context, key string, last Index) (uint64, error)

	// Delete removes key with its records and its last index.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// NumberOfReplicas is the replica count of the backend.
	NumberOfReplicas() uint8

	// WaitForReplicas blocks until n replicas acknowledged all writes or
	// ctx is done.
	WaitForReplicas(ctx context.Context, n uint8) error

	Close() error
}

// BlobStorage is content-addressed storage for large payloads.
type BlobStorage interface {
	// Put stores data under namespace and returns its content key.
	Put(ctx context.Context, namespace string, data []byte) (string, error)

	// Get returns the blob stored under key, or ErrBlobNotFound.
	Get(ctx context.Context, namespace, key string) ([]byte, error)
}

// ErrBlobNotFound is returned by BlobStorage.Get for unknown keys.
var ErrBlobNotFound = errors.New("blob not found")

// ErrNonContiguous is returned by IndexedStorage.Append when records do not
// continue the stored sequence.
var ErrNonContiguous = errors.New("records are not contiguous with the stored log")
