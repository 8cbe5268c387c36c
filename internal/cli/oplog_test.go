package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/oplog"
)

func TestOplogList_Empty(t *testing.T) {
	out, _, err := execute(t, "--sqlite-path", tempDB(t), "oplog", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No oplogs found.")
}

func TestOplogList(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)

	out, _, err := execute(t, "--sqlite-path", db, "oplog", "list")
	require.NoError(t, err)
	assert.Contains(t, out, testWorker)
	assert.Contains(t, out, "5 entries")
	assert.Contains(t, out, "[1..5]")
}

func TestOplogDump_Golden(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)

	out, _, err := execute(t, "--sqlite-path", db, "oplog", "dump", testWorker, "--payloads")
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "oplog_dump", []byte(out))
}

func TestOplogDump_RangeJSON(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)

	out, _, err := execute(t, "--sqlite-path", db, "--format", "json", "oplog", "dump", testWorker, "--from", "2", "--to", "3")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   DumpResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Entries, 2)
	assert.Equal(t, uint64(2), resp.Data.Entries[0].Index)
	assert.Equal(t, "http::send", resp.Data.Entries[1].Entry.FunctionName)
	assert.Empty(t, resp.Data.Entries[1].Payload, "payloads are only printed on request")
}

func TestOplogDump_UnknownWorker(t *testing.T) {
	_, _, err := execute(t, "--sqlite-path", tempDB(t), "oplog", "dump", testWorker)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestOplogCompact(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)

	out, _, err := execute(t, "--sqlite-path", db, "oplog", "compact", testWorker, "--through", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Dropped 3 entries")

	out, _, err = execute(t, "--sqlite-path", db, "oplog", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "2 entries")
	assert.Contains(t, out, "[4..5]")
}

func TestOplogCompact_RequiresThrough(t *testing.T) {
	_, _, err := execute(t, "--sqlite-path", tempDB(t), "oplog", "compact", testWorker)
	require.Error(t, err)
}

func TestOplogCompact_ArchiveKeepsHistoryReadable(t *testing.T) {
	db := tempDB(t)
	archive := filepath.Join(t.TempDir(), "archive.db")
	seedWorker(t, db, testWorker, nil)
	flags := []string{"--sqlite-path", db, "--archive", "sqlite", "--archive-path", archive}

	_, _, err := execute(t, append(flags, "oplog", "compact", testWorker, "--through", "3")...)
	require.NoError(t, err)

	out, _, err := execute(t, append(flags, "--format", "json", "oplog", "dump", testWorker)...)
	require.NoError(t, err)
	var resp struct {
		Data DumpResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Entries, 5)
	assert.Equal(t, uint64(1), resp.Data.Entries[0].Index)
	assert.Equal(t, oplog.KindCreate, resp.Data.Entries[0].Entry.Kind)

	out, _, err = execute(t, append(flags, "replay")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Entries: 3 replayed, 1 imported calls")

	out, _, err = execute(t, append(flags, "debug", testWorker)...)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Replayed to target")

	// Without the archive only the tail is left.
	out, _, err = execute(t, "--sqlite-path", db, "oplog", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "[4..5]")
}

func TestOplogCompact_ThroughHeadKeepsLog(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)

	out, _, err := execute(t, "--sqlite-path", db, "oplog", "compact", testWorker, "--through", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Dropped 5 entries")

	out, _, err = execute(t, "--sqlite-path", db, "oplog", "list")
	require.NoError(t, err)
	assert.Contains(t, out, testWorker)
	assert.Contains(t, out, "0 entries")
	assert.Contains(t, out, "[0..5]")

	out, _, err = execute(t, "--sqlite-path", db, "oplog", "dump", testWorker)
	require.NoError(t, err)
	assert.Contains(t, out, "0 entries")
}

func TestOplogCompact_WithReplicaWaitTimeout(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)

	out, _, err := execute(t, "--sqlite-path", db, "--replica-wait-timeout", "1ms",
		"oplog", "compact", testWorker, "--through", "2")
	require.NoError(t, err, "a backend without replicas does not wait")
	assert.Contains(t, out, "Dropped 2 entries")
}

func TestOplogDelete(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)

	out, _, err := execute(t, "--sqlite-path", db, "oplog", "delete", testWorker)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted oplog of "+testWorker+" (last index 5)")

	out, _, err = execute(t, "--sqlite-path", db, "oplog", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No oplogs found.")

	_, _, err = execute(t, "--sqlite-path", db, "oplog", "delete", testWorker)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
