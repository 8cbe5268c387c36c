package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/oplog"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/testutil"
)

const testWorker = "7b0d3c5a-8f2e-4d3b-9a61-2f4c8e1d5b07/worker-1"

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "durable.db")
}

// checkoutHistory is one completed invocation: the export, an HTTP call it
// made, a log line and the completion.
func checkoutHistory(clock *testutil.DeterministicClock) []oplog.Entry {
	return []oplog.Entry{
		oplog.NewExportedFunctionInvoked(clock.Now(), "checkout",
			oplog.InlinePayload([]byte(`{"cart":"c-1"}`)), "idem-1"),
		oplog.NewImportedFunctionInvoked(clock.Now(), "http::send",
			oplog.InlinePayload([]byte(`{"url":"http://shop/items"}`)),
			oplog.InlinePayload([]byte(`{"ok":{"status":200}}`)),
			oplog.FunctionType{Kind: oplog.ReadRemote}),
		oplog.NewLog(clock.Now(), oplog.LevelInfo, "checkout", "items fetched"),
		oplog.NewExportedFunctionCompleted(clock.Now(), oplog.InlinePayload([]byte(`{"total":42}`)), 0),
	}
}

// seedWorker writes a worker log into the SQLite database at path. Extra
// options decide where payloads go.
func seedWorker(t *testing.T, path, worker string, blobs oplog.BlobStorage, opts ...oplog.Option) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	if blobs == nil {
		blobs = st
	}

	clock := testutil.NewDeterministicClock()
	log, err := oplog.Create(ctx, st, blobs, worker, oplog.NewCreate(clock.Now(), worker, 3, nil, nil), opts...)
	require.NoError(t, err)
	for _, e := range checkoutHistory(clock) {
		if e.Kind == oplog.KindImportedFunctionInvoked {
			// Route payloads through the log so large ones go to blob storage.
			req, err := log.UploadPayload(ctx, e.Request.Inline)
			require.NoError(t, err)
			resp, err := log.UploadPayload(ctx, e.Response.Inline)
			require.NoError(t, err)
			e.Request, e.Response = &req, &resp
		}
		_, err := log.Add(ctx, e)
		require.NoError(t, err)
	}
	require.NoError(t, log.Close(ctx))
}
