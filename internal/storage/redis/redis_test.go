package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/oplog"
	"github.com/roach88/durable/internal/oplog/oplogtest"
)

// newTestStorage connects to DURABLE_TEST_REDIS_ADDR under a fresh key
// prefix, skipping the test when no server is configured.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	addr := os.Getenv("DURABLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DURABLE_TEST_REDIS_ADDR not set")
	}
	s, err := Connect(context.Background(), Config{Addr: addr, Prefix: "durable-test-" + uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMember_EncodeDecode(t *testing.T) {
	r := oplog.Record{Index: 300, Data: []byte(`{"kind":"no-op"}`)}
	got, err := decodeMember(encodeMember(r))
	require.NoError(t, err)
	assert.Equal(t, r, got)

	_, err = decodeMember("short")
	assert.Error(t, err)
}

func TestMember_SameDataDifferentIndexIsDistinct(t *testing.T) {
	a := encodeMember(oplog.Record{Index: 1, Data: []byte("x")})
	b := encodeMember(oplog.Record{Index: 2, Data: []byte("x")})
	assert.NotEqual(t, a, b)
}

func TestStorage_IndexedStorageConformance(t *testing.T) {
	oplogtest.RunIndexedStorage(t, func(t *testing.T) oplog.IndexedStorage {
		return newTestStorage(t)
	})
}

func TestStorage_BlobStorageConformance(t *testing.T) {
	oplogtest.RunBlobStorage(t, func(t *testing.T) oplog.BlobStorage {
		return newTestStorage(t)
	})
}

func TestStorage_WorkersRegistry(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "c1/w1", []oplog.Record{{Index: 1, Data: []byte("a")}}))
	_, err := s.DropPrefix(ctx, "c1/w1", 1)
	require.NoError(t, err)

	exists, err := s.Exists(ctx, "c1/w1")
	require.NoError(t, err)
	assert.True(t, exists, "an emptied log stays registered")

	keys, err := s.Workers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1/w1"}, keys)
}
