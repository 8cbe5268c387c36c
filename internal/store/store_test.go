package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/oplog"
	"github.com/roach88/durable/internal/oplog/oplogtest"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"oplogs", "oplog_entries", "payloads"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q not found after idempotent opens", table)
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s := newTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("synchronous", "2"))
	assert.NoError(t, s.verifyPragma("user_version", "2"))
}

func TestMigrateToV1_BackfillsRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Simulate a database written before the registry existed.
	_, err := s.db.Exec(`PRAGMA foreign_keys = OFF`)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO oplog_entries (worker_key, idx, entry) VALUES ('legacy', 1, x'00')`)
	require.NoError(t, err)
	_, err = s.db.Exec(`PRAGMA foreign_keys = ON`)
	require.NoError(t, err)

	require.NoError(t, migrateToV1(s.db))

	exists, err := s.Exists(ctx, "legacy")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMigrateToV2_BackfillsLastIndex(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "v1.db")

	// A database at version 1 has no last_index column yet.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(schemaSQL)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO oplogs (worker_key, created_at) VALUES ('old', 0), ('empty', 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO oplog_entries (worker_key, idx, entry) VALUES ('old', 1, x'00'), ('old', 2, x'00')`)
	require.NoError(t, err)
	_, err = db.Exec(`PRAGMA user_version = 1`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.verifyPragma("user_version", "2"))

	last, err := s.LastIndex(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(2), last)

	last, err = s.LastIndex(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, oplog.NoIndex, last)

	require.NoError(t, s.Append(ctx, "old", []oplog.Record{{Index: 3, Data: []byte("c")}}))
}

func TestStore_CompactedLogKeepsItsPosition(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oplog.db")

	s, err := Open(path)
	require.NoError(t, err)
	o, err := oplog.Create(ctx, s, s, "c1/w1", oplog.NewCreate(1, "c1/w1", 2, nil, nil))
	require.NoError(t, err)
	_, err = oplog.AddAndCommit(ctx, o, oplog.NewNoOp(2), oplog.CommitAlways)
	require.NoError(t, err)
	n, err := o.DropPrefix(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	_, err = oplog.Create(ctx, s2, s2, "c1/w1", oplog.NewCreate(3, "c1/w1", 2, nil, nil))
	require.Error(t, err, "a compacted log still exists")

	reopened, err := oplog.Open(ctx, s2, s2, "c1/w1")
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(2), reopened.CurrentOplogIndex(ctx))
	idx, err := oplog.AddAndCommit(ctx, reopened, oplog.NewNoOp(4), oplog.CommitAlways)
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(3), idx)
}

func TestStore_IndexedStorageConformance(t *testing.T) {
	oplogtest.RunIndexedStorage(t, func(t *testing.T) oplog.IndexedStorage {
		return newTestStore(t)
	})
}

func TestStore_BlobStorageConformance(t *testing.T) {
	oplogtest.RunBlobStorage(t, func(t *testing.T) oplog.BlobStorage {
		return newTestStore(t)
	})
}

func TestStore_NoReplicas(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, uint8(0), s.NumberOfReplicas())
	assert.Error(t, s.WaitForReplicas(context.Background(), 1))
}

func TestStore_Workers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "b", []oplog.Record{{Index: 1, Data: []byte("x")}}))
	require.NoError(t, s.Append(ctx, "a", []oplog.Record{{Index: 1, Data: []byte("y")}}))

	keys, err := s.Workers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestStore_PrimaryOplogSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oplog.db")

	s, err := Open(path)
	require.NoError(t, err)
	o, err := oplog.Create(ctx, s, s, "c1/w1", oplog.NewCreate(1, "c1/w1", 2, nil, nil), oplog.WithMaxPayloadSize(4))
	require.NoError(t, err)

	big, err := o.UploadPayload(ctx, []byte("larger than four bytes"))
	require.NoError(t, err)
	require.True(t, big.IsExternal())

	entry := oplog.NewImportedFunctionInvoked(2, "blob::get", oplog.InlinePayload([]byte("k")), big,
		oplog.FunctionType{Kind: oplog.ReadRemote})
	idx, err := oplog.AddAndCommit(ctx, o, entry, oplog.CommitAlways)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	reopened, err := oplog.Open(ctx, s2, s2, "c1/w1")
	require.NoError(t, err)
	assert.Equal(t, idx, reopened.CurrentOplogIndex(ctx))

	got, err := reopened.Read(ctx, idx)
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	data, err := reopened.DownloadPayload(ctx, *got.Response)
	require.NoError(t, err)
	assert.Equal(t, "larger than four bytes", string(data))
}
