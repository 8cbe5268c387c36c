package cli

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/oplog"
	blobfs "github.com/roach88/durable/internal/storage/fs"
)

func TestReplay_EmptyStore(t *testing.T) {
	out, _, err := execute(t, "--sqlite-path", tempDB(t), "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "No oplogs found.")
}

func TestReplay_Deterministic(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)

	out, _, err := execute(t, "--sqlite-path", db, "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "Replay Summary: 1 worker(s)")
	assert.Contains(t, out, "✓ Worker: "+testWorker)
	assert.Contains(t, out, "Entries: 3 replayed, 1 imported calls")
	assert.Contains(t, out, "✓ All workers verified deterministic")
}

func TestReplay_JSON(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)
	seedWorker(t, db, "7b0d3c5a-8f2e-4d3b-9a61-2f4c8e1d5b07/worker-2", nil)

	out, _, err := execute(t, "--sqlite-path", db, "--format", "json", "replay", testWorker)
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.AllDeterministic)
	require.Len(t, resp.Data.Workers, 1, "only the named worker is replayed")
	w := resp.Data.Workers[0]
	assert.Equal(t, testWorker, w.Worker)
	assert.Equal(t, 1, w.Calls)
	assert.Len(t, w.Fingerprint, 16)
}

func TestReplay_FingerprintIsStable(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)

	fingerprint := func() string {
		out, _, err := execute(t, "--sqlite-path", db, "--format", "json", "replay")
		require.NoError(t, err)
		var resp struct {
			Data ReplayResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		require.Len(t, resp.Data.Workers, 1)
		return resp.Data.Workers[0].Fingerprint
	}
	assert.Equal(t, fingerprint(), fingerprint())
}

func TestReplay_AfterCompaction(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)
	_, _, err := execute(t, "--sqlite-path", db, "oplog", "compact", testWorker, "--through", "3")
	require.NoError(t, err)

	out, _, err := execute(t, "--sqlite-path", db, "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "Entries: 1 replayed, 0 imported calls")
}

func TestReplay_CorruptPayload(t *testing.T) {
	db := tempDB(t)
	blobDir := t.TempDir()
	blobs, err := blobfs.New(blobDir)
	require.NoError(t, err)
	seedWorker(t, db, testWorker, blobs, oplog.WithMaxPayloadSize(8))

	corrupted := 0
	require.NoError(t, filepath.WalkDir(blobDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		corrupted++
		return os.WriteFile(path, []byte("tampered"), 0o644)
	}))
	require.Positive(t, corrupted)

	out, _, err := execute(t, "--sqlite-path", db, "--blob-backend", "fs", "--blob-dir", blobDir,
		"--format", "json", "replay")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_DETERMINISM", resp.Error.Code)
	assert.Contains(t, out, "PAYLOAD")
}

func TestReplay_Metrics(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)

	_, errOut, err := execute(t, "--sqlite-path", db, "replay", "--metrics")
	require.NoError(t, err)
	assert.Contains(t, errOut, "# TYPE")
}

func TestReplay_UnknownWorker(t *testing.T) {
	_, _, err := execute(t, "--sqlite-path", tempDB(t), "replay", testWorker)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReplay_UsesConfiguredHostSettings(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)

	_, errOut, err := execute(t, "--sqlite-path", db, "--verbose",
		"--persistence", "persist-remote-side-effects", "--assume-idempotence=false", "replay")
	require.NoError(t, err)
	assert.Contains(t, errOut, "persistence=persist-remote-side-effects")
	assert.Contains(t, errOut, "assume_idempotence=false")
}
