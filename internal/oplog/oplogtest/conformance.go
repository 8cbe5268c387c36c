// Package oplogtest provides conformance suites for oplog storage backends.
package oplogtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/oplog"
)

func records(from oplog.Index, payloads ...string) []oplog.Record {
	out := make([]oplog.Record, len(payloads))
	for i, p := range payloads {
		out[i] = oplog.Record{Index: from + oplog.Index(i), Data: []byte(p)}
	}
	return out
}

// RunIndexedStorage checks the IndexedStorage contract against a fresh
// backend returned by newStorage.
func RunIndexedStorage(t *testing.T, newStorage func(t *testing.T) oplog.IndexedStorage) {
	t.Helper()

	t.Run("AppendAndRead", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, "w1", records(1, "a", "b", "c")))
		require.NoError(t, s.Append(ctx, "w1", records(4, "d")))

		got, err := s.Read(ctx, "w1", 2, 3)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, oplog.Index(2), got[0].Index)
		assert.Equal(t, []byte("b"), got[0].Data)
		assert.Equal(t, []byte("c"), got[1].Data)

		n, err := s.Length(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, uint64(4), n)

		last, err := s.LastIndex(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, oplog.Index(4), last)

		first, err := s.FirstIndex(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, oplog.Index(1), first)
	})

	t.Run("RejectsGaps", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, "w1", records(1, "a")))
		err := s.Append(ctx, "w1", records(3, "c"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, oplog.ErrNonContiguous), "got %v", err)

		n, err := s.Length(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n)
	})

	t.Run("KeysAreIsolated", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, "w1", records(1, "a", "b")))
		require.NoError(t, s.Append(ctx, "w2", records(1, "x")))

		got, err := s.Read(ctx, "w2", 1, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []byte("x"), got[0].Data)

		exists, err := s.Exists(ctx, "w3")
		require.NoError(t, err)
		assert.False(t, exists)

		last, err := s.LastIndex(ctx, "w3")
		require.NoError(t, err)
		assert.Equal(t, oplog.NoIndex, last)
	})

	t.Run("DropPrefixAndDelete", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, "w1", records(1, "a", "b", "c")))
		n, err := s.DropPrefix(ctx, "w1", 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), n)

		got, err := s.Read(ctx, "w1", 1, 3)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, oplog.Index(3), got[0].Index)

		first, err := s.FirstIndex(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, oplog.Index(3), first)

		require.NoError(t, s.Append(ctx, "w1", records(4, "d")))

		require.NoError(t, s.Delete(ctx, "w1"))
		exists, err := s.Exists(ctx, "w1")
		require.NoError(t, err)
		assert.False(t, exists)

		last, err := s.LastIndex(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, oplog.NoIndex, last)
	})

	t.Run("DropEverythingKeepsLastIndex", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, "w1", records(1, "a", "b")))
		n, err := s.DropPrefix(ctx, "w1", 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), n)

		exists, err := s.Exists(ctx, "w1")
		require.NoError(t, err)
		assert.True(t, exists, "an emptied log still exists")

		length, err := s.Length(ctx, "w1")
		require.NoError(t, err)
		assert.Zero(t, length)

		last, err := s.LastIndex(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, oplog.Index(2), last)

		first, err := s.FirstIndex(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, oplog.NoIndex, first)

		err = s.Append(ctx, "w1", records(1, "again"))
		assert.True(t, errors.Is(err, oplog.ErrNonContiguous), "indices are never reused, got %v", err)
		require.NoError(t, s.Append(ctx, "w1", records(3, "c")))
	})

	t.Run("DropPrefixOfUnknownKey", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		n, err := s.DropPrefix(ctx, "ghost", 10)
		require.NoError(t, err)
		assert.Zero(t, n)

		exists, err := s.Exists(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("FirstAppendMayStartAnywhere", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, "w1", records(7, "g", "h")))
		first, err := s.FirstIndex(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, oplog.Index(7), first)
		require.NoError(t, s.Append(ctx, "w1", records(9, "i")))
	})

	t.Run("ZeroReplicaWaitReturnsImmediately", func(t *testing.T) {
		s := newStorage(t)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, s.WaitForReplicas(ctx, 0))
	})
}

// RunBlobStorage checks the BlobStorage contract.
func RunBlobStorage(t *testing.T, newBlobs func(t *testing.T) oplog.BlobStorage) {
	t.Helper()

	t.Run("PutReturnsContentKey", func(t *testing.T) {
		b := newBlobs(t)
		ctx := context.Background()
		data := []byte("large payload")

		key, err := b.Put(ctx, "ns", data)
		require.NoError(t, err)
		assert.Equal(t, codec.ContentKey(codec.DomainPayload, data), key)

		again, err := b.Put(ctx, "ns", data)
		require.NoError(t, err)
		assert.Equal(t, key, again)

		got, err := b.Get(ctx, "ns", key)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("MissingKey", func(t *testing.T) {
		b := newBlobs(t)
		_, err := b.Get(context.Background(), "ns", codec.ContentKey(codec.DomainPayload, []byte("nope")))
		assert.True(t, errors.Is(err, oplog.ErrBlobNotFound), "got %v", err)
	})

	t.Run("NamespacesAreIsolated", func(t *testing.T) {
		b := newBlobs(t)
		ctx := context.Background()
		key, err := b.Put(ctx, "ns1", []byte("v"))
		require.NoError(t, err)

		_, err = b.Get(ctx, "ns2", key)
		assert.True(t, errors.Is(err, oplog.ErrBlobNotFound), "got %v", err)
	})
}
