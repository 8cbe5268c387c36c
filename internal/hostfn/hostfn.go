// Package hostfn provides durable host functions. Each one executes for
// real while the worker is live and returns its recorded result during
// replay.
package hostfn

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/roach88/durable/internal/durability"
)

// HTTPRequest is the recorded form of an outgoing request.
type HTTPRequest struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// HTTPResponse is the recorded form of a response.
type HTTPResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// httpFunctionType classifies a request. Safe methods only read remote
// state; everything else is a remote write and gets a begin/end bracket.
func httpFunctionType(method string) durability.FunctionType {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return durability.ReadRemote
	default:
		return durability.WriteRemote
	}
}

// HTTPDo sends req durably. A transport error is recorded and replayed as a
// *durability.RecordedError; a non-2xx response is not an error.
func HTTPDo(ctx context.Context, host *durability.Host, client *http.Client, req HTTPRequest) (HTTPResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	return durability.Run(ctx, host, "http", "send", httpFunctionType(req.Method), req,
		func(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
			var body io.Reader
			if len(req.Body) > 0 {
				body = bytes.NewReader(req.Body)
			}
			r, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
			if err != nil {
				return HTTPResponse{}, err
			}
			for k, vs := range req.Headers {
				for _, v := range vs {
					r.Header.Add(k, v)
				}
			}
			resp, err := client.Do(r)
			if err != nil {
				return HTTPResponse{}, err
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return HTTPResponse{}, fmt.Errorf("read response body: %w", err)
			}
			return HTTPResponse{Status: resp.StatusCode, Headers: resp.Header, Body: data}, nil
		})
}

// HTTPGet fetches url durably.
func HTTPGet(ctx context.Context, host *durability.Host, client *http.Client, url string) (HTTPResponse, error) {
	return HTTPDo(ctx, host, client, HTTPRequest{Method: http.MethodGet, URL: url})
}

// WallClockNow returns the current time, pinned to the recorded value on
// replay.
func WallClockNow(ctx context.Context, host *durability.Host) (time.Time, error) {
	nanos, err := durability.Run(ctx, host, "wall-clock", "now", durability.ReadLocal, struct{}{},
		func(context.Context, struct{}) (int64, error) {
			return time.Now().UnixNano(), nil
		})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos).UTC(), nil
}

// RandomBytes returns n random bytes, the same ones on every replay.
func RandomBytes(ctx context.Context, host *durability.Host, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("random bytes: negative length %d", n)
	}
	return durability.Run(ctx, host, "random", "get-random-bytes", durability.ReadLocal, n,
		func(_ context.Context, n int) ([]byte, error) {
			buf := make([]byte, n)
			if _, err := rand.Read(buf); err != nil {
				return nil, err
			}
			return buf, nil
		})
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ResolveAddresses resolves name durably.
func ResolveAddresses(ctx context.Context, host *durability.Host, resolver Resolver, name string) ([]string, error) {
	return durability.Run(ctx, host, "sockets", "resolve-addresses", durability.ReadRemote, name,
		func(ctx context.Context, name string) ([]string, error) {
			return resolver.LookupHost(ctx, name)
		})
}
