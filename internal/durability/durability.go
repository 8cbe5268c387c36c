// Package durability makes non-deterministic host calls replay-safe.
//
// Every such call goes through a Durability wrapper. While the worker is
// live the wrapper executes the call and records its request and result in
// the oplog. While the worker is catching up to its recorded history the
// wrapper returns the recorded result instead and never touches the outside
// world.
package durability

import (
	"context"
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/oplog"
)

// envelope is the recorded form of a call result.
type envelope[Resp any] struct {
	Ok  Resp           `json:"ok"`
	Err *recordedError `json:"err,omitempty"`
}

// Durability wraps one call of a durable host function.
type Durability[Req, Resp any] struct {
	host     *Host
	function string
	ft       FunctionType
	begin    oplog.Index
}

// New opens a durable call of iface::function. It fails when the instance
// already hit a fatal error, when an interruption is pending, or when a
// replayed remote write was never completed. Resp must decode back into the
// same concrete values it was recorded from, so interface-typed results are
// refused.
func New[Req, Resp any](ctx context.Context, host *Host, iface, function string, ft FunctionType) (*Durability[Req, Resp], error) {
	name := function
	if iface != "" {
		name = iface + "::" + function
	}
	if err := checkReplayable(reflect.TypeFor[Resp]()); err != nil {
		return nil, fault.Wrap(fault.CodeSerialization, "result type cannot be replayed", err).WithFunction(name)
	}
	begin, err := host.beginFunction(ctx, name, ft)
	if err != nil {
		return nil, err
	}
	return &Durability[Req, Resp]{host: host, function: name, ft: ft, begin: begin}, nil
}

// Function returns the qualified function name.
func (d *Durability[Req, Resp]) Function() string { return d.function }

// IsLive reports whether the call must execute for real. Calls the
// persistence level does not record are always live.
func (d *Durability[Req, Resp]) IsLive() bool {
	return !d.host.PersistenceLevel().records(d.ft) || d.host.IsLive()
}

// Persist records the outcome of a live call and returns it unchanged. If
// the outcome cannot be recorded the error is fatal: the side effect already
// happened and the history would have a gap.
func (d *Durability[Req, Resp]) Persist(ctx context.Context, req Req, resp Resp, callErr error) (Resp, error) {
	var zero Resp
	h := d.host
	h.metrics.HostCall(d.function, true)

	if !h.PersistenceLevel().records(d.ft) {
		if err := h.endFunction(ctx, d.function, d.ft, d.begin); err != nil {
			return zero, err
		}
		return resp, callErr
	}

	reqData, err := h.codec.Marshal(req)
	if err != nil {
		return zero, d.fail(fault.Wrap(fault.CodeSerialization, "encode request", err))
	}
	env := envelope[Resp]{Ok: resp, Err: recordError(callErr)}
	respData, err := h.codec.Marshal(env)
	if err != nil {
		return zero, d.fail(fault.Wrap(fault.CodeSerialization, "encode response", err))
	}

	reqPayload, err := h.log.UploadPayload(ctx, reqData)
	if err != nil {
		return zero, d.fail(asFault(err, fault.CodePayload, "upload request"))
	}
	respPayload, err := h.log.UploadPayload(ctx, respData)
	if err != nil {
		return zero, d.fail(asFault(err, fault.CodePayload, "upload response"))
	}

	h.mu.Lock()
	_, err = h.addLocked(ctx, oplog.NewImportedFunctionInvoked(h.clock(), d.function, reqPayload, respPayload, d.ft), d.function)
	h.mu.Unlock()
	if err != nil {
		return zero, err
	}

	if err := h.endFunction(ctx, d.function, d.ft, d.begin); err != nil {
		return zero, err
	}
	return resp, callErr
}

// Replay returns the recorded outcome of the call without executing it.
// The next entry must record this same function; anything else means the
// running code diverged from the code that produced the history.
func (d *Durability[Req, Resp]) Replay(ctx context.Context) (Resp, error) {
	var zero Resp
	h := d.host
	if !h.PersistenceLevel().records(d.ft) {
		return zero, d.fail(fault.New(fault.CodeReplayMismatch, "persistence is off for this call; nothing to replay"))
	}
	h.metrics.HostCall(d.function, false)

	h.mu.Lock()
	idx, entry, err := h.readNextLocked(ctx, d.function)
	h.mu.Unlock()
	if err != nil {
		return zero, err
	}
	if entry.Kind != oplog.KindImportedFunctionInvoked {
		return zero, d.fail(fault.Newf(fault.CodeReplayMismatch, "expected %s, found %s", oplog.KindImportedFunctionInvoked, entry.Summary()).
			WithIndex(uint64(idx)))
	}
	if entry.FunctionName != d.function {
		return zero, d.fail(fault.Newf(fault.CodeReplayMismatch, "recorded call is %s", entry.FunctionName).
			WithIndex(uint64(idx)))
	}

	data, err := h.log.DownloadPayload(ctx, *entry.Response)
	if err != nil {
		return zero, d.fail(asFault(err, fault.CodePayload, "download response").WithIndex(uint64(idx)))
	}
	var env envelope[Resp]
	if err := h.codec.Unmarshal(data, &env); err != nil {
		return zero, d.fail(fault.Wrap(fault.CodeSerialization, "decode recorded response", err).WithIndex(uint64(idx)))
	}
	if err := h.endFunction(ctx, d.function, d.ft, d.begin); err != nil {
		return zero, err
	}
	if env.Err != nil {
		return env.Ok, env.Err.replayError()
	}
	return env.Ok, nil
}

// Call runs fn live and records it, or replays the recorded outcome.
func (d *Durability[Req, Resp]) Call(ctx context.Context, req Req, fn func(context.Context, Req) (Resp, error)) (Resp, error) {
	if d.IsLive() {
		resp, err := fn(ctx, req)
		return d.Persist(ctx, req, resp, err)
	}
	return d.Replay(ctx)
}

func (d *Durability[Req, Resp]) fail(err *fault.Error) error {
	if err.Function == "" {
		err = err.WithFunction(d.function)
	}
	d.host.mu.Lock()
	defer d.host.mu.Unlock()
	return d.host.failLocked(err)
}

// Run opens a durable call and executes or replays it in one step.
func Run[Req, Resp any](ctx context.Context, host *Host, iface, function string, ft FunctionType, req Req,
	fn func(context.Context, Req) (Resp, error)) (Resp, error) {
	d, err := New[Req, Resp](ctx, host, iface, function, ft)
	if err != nil {
		var zero Resp
		return zero, err
	}
	return d.Call(ctx, req, fn)
}

var (
	jsonUnmarshaler = reflect.TypeFor[json.Unmarshaler]()
	textUnmarshaler = reflect.TypeFor[encoding.TextUnmarshaler]()
	replayable      sync.Map // reflect.Type -> error
)

// checkReplayable rejects result types whose recorded form does not decode
// back into the values the live call returned: interfaces decode into
// generic maps and numbers, channels and functions do not encode at all.
func checkReplayable(t reflect.Type) error {
	if v, ok := replayable.Load(t); ok {
		err, _ := v.(error)
		return err
	}
	err := walkReplayable(t, map[reflect.Type]bool{})
	replayable.Store(t, err)
	return err
}

func walkReplayable(t reflect.Type, seen map[reflect.Type]bool) error {
	if seen[t] {
		return nil
	}
	seen[t] = true
	if t.Implements(jsonUnmarshaler) || t.Implements(textUnmarshaler) ||
		reflect.PointerTo(t).Implements(jsonUnmarshaler) || reflect.PointerTo(t).Implements(textUnmarshaler) {
		return nil
	}
	switch t.Kind() {
	case reflect.Interface:
		return fmt.Errorf("%s is an interface type", t)
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("%s has no recorded form", t)
	case reflect.Pointer, reflect.Slice, reflect.Array:
		if err := walkReplayable(t.Elem(), seen); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	case reflect.Map:
		if err := walkReplayable(t.Key(), seen); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
		if err := walkReplayable(t.Elem(), seen); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	case reflect.Struct:
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() && !f.Anonymous {
				continue
			}
			if f.Tag.Get("json") == "-" {
				continue
			}
			if err := walkReplayable(f.Type, seen); err != nil {
				return fmt.Errorf("%s.%s: %w", t, f.Name, err)
			}
		}
	}
	return nil
}
