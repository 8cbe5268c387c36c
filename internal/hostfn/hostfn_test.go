package hostfn

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/durability"
	"github.com/roach88/durable/internal/oplog"
	"github.com/roach88/durable/internal/testutil"
)

type refusingTransport struct{}

func (refusingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("network disabled during replay")
}

var offline = &http.Client{Transport: refusingTransport{}}

func newLog(t *testing.T) *oplog.PrimaryOplog {
	t.Helper()
	log, err := oplog.Create(context.Background(), oplog.NewMemoryStorage(), oplog.NewMemoryBlobStorage(), "c/w",
		oplog.NewCreate(1, "c/w", 0, nil, nil))
	require.NoError(t, err)
	return log
}

func newHost(t *testing.T, log oplog.Oplog) *durability.Host {
	t.Helper()
	h, err := durability.NewHost(context.Background(), log, durability.WithClock(testutil.NewDeterministicClock().Now))
	require.NoError(t, err)
	return h
}

func newServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := new(atomic.Int32)
	r := chi.NewRouter()
	r.Get("/greeting", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("X-Greeting", "yes")
		_, _ = w.Write([]byte("hello, durable world"))
	})
	r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(append([]byte("created "), body...))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hits
}

func TestHTTPGet_ReplaysWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	srv, hits := newServer(t)
	log := newLog(t)

	live, err := HTTPGet(ctx, newHost(t, log), srv.Client(), srv.URL+"/greeting")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, live.Status)
	assert.Equal(t, int32(1), hits.Load())

	replayed, err := HTTPGet(ctx, newHost(t, log), offline, srv.URL+"/greeting")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, replayed.Status)
	assert.Equal(t, "hello, durable world", string(replayed.Body))
	assert.Equal(t, []string{"yes"}, replayed.Headers["X-Greeting"])
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPDo_PostIsBracketedRemoteWrite(t *testing.T) {
	ctx := context.Background()
	srv, hits := newServer(t)
	log := newLog(t)

	req := HTTPRequest{Method: http.MethodPost, URL: srv.URL + "/orders", Body: []byte("#42")}
	live, err := HTTPDo(ctx, newHost(t, log), srv.Client(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, live.Status)
	assert.Equal(t, oplog.Index(4), log.CurrentOplogIndex(ctx))

	begin, err := log.Read(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, oplog.KindBeginRemoteWrite, begin.Kind)

	replayed, err := HTTPDo(ctx, newHost(t, log), offline, req)
	require.NoError(t, err)
	assert.Equal(t, "created #42", string(replayed.Body))
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPGet_TransportErrorIsRecorded(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)

	_, liveErr := HTTPGet(ctx, newHost(t, log), offline, "http://unreachable.invalid/")
	require.Error(t, liveErr)

	_, err := HTTPGet(ctx, newHost(t, log), http.DefaultClient, "http://unreachable.invalid/")
	var recorded *durability.RecordedError
	require.ErrorAs(t, err, &recorded)
	assert.Contains(t, recorded.Message, "network disabled during replay")
}

func TestWallClockNow_IsPinnedOnReplay(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)

	first, err := WallClockNow(ctx, newHost(t, log))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	again, err := WallClockNow(ctx, newHost(t, log))
	require.NoError(t, err)
	assert.True(t, first.Equal(again))
}

func TestRandomBytes_AreStableAcrossReplays(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)

	live, err := RandomBytes(ctx, newHost(t, log), 32)
	require.NoError(t, err)
	require.Len(t, live, 32)

	for i := 0; i < 2; i++ {
		replayed, err := RandomBytes(ctx, newHost(t, log), 32)
		require.NoError(t, err)
		assert.Equal(t, live, replayed)
	}

	_, err = RandomBytes(ctx, newHost(t, log), -1)
	assert.Error(t, err)
}

type stubResolver map[string][]string

func (s stubResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := s[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestResolveAddresses(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)

	h := newHost(t, log)
	addrs, err := ResolveAddresses(ctx, h, stubResolver{"shop.internal": {"10.0.0.7", "10.0.0.8"}}, "shop.internal")
	require.NoError(t, err)
	_, missErr := ResolveAddresses(ctx, h, stubResolver{}, "gone.internal")
	require.Error(t, missErr)

	replay := newHost(t, log)
	again, err := ResolveAddresses(ctx, replay, stubResolver{}, "shop.internal")
	require.NoError(t, err)
	assert.Equal(t, addrs, again)
	_, err = ResolveAddresses(ctx, replay, stubResolver{"gone.internal": {"1.1.1.1"}}, "gone.internal")
	assert.EqualError(t, err, "no such host")
}
