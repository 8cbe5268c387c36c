// Package logging configures slog for the durable tooling.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/durable/internal/oplog"
)

type ctxKey int

const (
	workerKey ctxKey = iota
	indexKey
)

// WithWorker returns a context whose log records carry worker_id.
func WithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerKey, workerID)
}

// WithOplogIndex returns a context whose log records carry oplog_index.
func WithOplogIndex(ctx context.Context, idx oplog.Index) context.Context {
	return context.WithValue(ctx, indexKey, idx)
}

// ContextHandler adds the worker, the oplog index and the trace and span
// ids found in the context to every record.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler decorates h.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(workerKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("worker_id", id))
	}
	if idx, ok := ctx.Value(indexKey).(oplog.Index); ok {
		r.AddAttrs(slog.Uint64("oplog_index", uint64(idx)))
	}
	spanContext := trace.SpanContextFromContext(ctx)
	if spanContext.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", spanContext.TraceID().String()))
	}
	if spanContext.HasSpanID() {
		r.AddAttrs(slog.String("span_id", spanContext.SpanID().String()))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// New builds a logger writing to w in format "text" or "json".
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: l}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(NewContextHandler(h)), nil
}

// Setup builds a logger with New and installs it as the slog default.
func Setup(level, format string, w io.Writer) (*slog.Logger, error) {
	logger, err := New(level, format, w)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}
