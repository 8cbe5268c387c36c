package oplog

import (
	"fmt"
	"strings"

	"github.com/roach88/durable/internal/codec"
)

// EntryKind selects the variant of an Entry.
type EntryKind string

const (
	KindCreate                    EntryKind = "create"
	KindImportedFunctionInvoked   EntryKind = "imported-function-invoked"
	KindExportedFunctionInvoked   EntryKind = "exported-function-invoked"
	KindExportedFunctionCompleted EntryKind = "exported-function-completed"
	KindSuspend                   EntryKind = "suspend"
	KindError                     EntryKind = "error"
	KindNoOp                      EntryKind = "no-op"
	KindInterrupted               EntryKind = "interrupted"
	KindExited                    EntryKind = "exited"
	KindRestart                   EntryKind = "restart"
	KindBeginAtomicRegion         EntryKind = "begin-atomic-region"
	KindEndAtomicRegion           EntryKind = "end-atomic-region"
	KindBeginRemoteWrite          EntryKind = "begin-remote-write"
	KindEndRemoteWrite            EntryKind = "end-remote-write"
	KindLog                       EntryKind = "log"
)

var knownKinds = map[EntryKind]bool{
	KindCreate: true, KindImportedFunctionInvoked: true, KindExportedFunctionInvoked: true,
	KindExportedFunctionCompleted: true, KindSuspend: true, KindError: true, KindNoOp: true,
	KindInterrupted: true, KindExited: true, KindRestart: true, KindBeginAtomicRegion: true,
	KindEndAtomicRegion: true, KindBeginRemoteWrite: true, KindEndRemoteWrite: true, KindLog: true,
}

// FunctionKind classifies a durable host function.
type FunctionKind string

const (
	ReadLocal              FunctionKind = "read-local"
	WriteLocal             FunctionKind = "write-local"
	ReadRemote             FunctionKind = "read-remote"
	WriteRemote            FunctionKind = "write-remote"
	WriteRemoteBatched     FunctionKind = "write-remote-batched"
	WriteRemoteTransaction FunctionKind = "write-remote-transaction"
)

// FunctionType is the recorded classification of a host call. Begin is set
// for batched and transactional writes that joined an already open region.
type FunctionType struct {
	Kind  FunctionKind `json:"kind"`
	Begin *Index       `json:"begin,omitempty"`
}

// IsRemoteWrite reports whether the function has effects outside the worker.
func (f FunctionType) IsRemoteWrite() bool {
	switch f.Kind {
	case WriteRemote, WriteRemoteBatched, WriteRemoteTransaction:
		return true
	default:
		return false
	}
}

func (f FunctionType) String() string {
	if f.Begin != nil {
		return fmt.Sprintf("%s(begin=%d)", f.Kind, *f.Begin)
	}
	return string(f.Kind)
}

// Entry is one immutable oplog record. Kind selects which fields are
// meaningful; build entries with the New* constructors.
type Entry struct {
	Kind      EntryKind `json:"kind"`
	Timestamp Timestamp `json:"timestamp"`

	// Create
	WorkerID         string            `json:"worker_id,omitempty"`
	ComponentVersion uint64            `json:"component_version,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`

	// ImportedFunctionInvoked, ExportedFunctionInvoked, ExportedFunctionCompleted
	FunctionName   string        `json:"function_name,omitempty"`
	Request        *Payload      `json:"request,omitempty"`
	Response       *Payload      `json:"response,omitempty"`
	FunctionType   *FunctionType `json:"function_type,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	ConsumedFuel   int64         `json:"consumed_fuel,omitempty"`

	// EndAtomicRegion, EndRemoteWrite
	Begin Index `json:"begin,omitempty"`

	// Error
	Error string `json:"error,omitempty"`

	// Log
	Level   LogLevel `json:"level,omitempty"`
	Context string   `json:"context,omitempty"`
	Message string   `json:"message,omitempty"`
}

func NewCreate(ts Timestamp, workerID string, componentVersion uint64, args []string, env map[string]string) Entry {
	return Entry{Kind: KindCreate, Timestamp: ts, WorkerID: workerID, ComponentVersion: componentVersion, Args: args, Env: env}
}

// NewImportedFunctionInvoked records one host call with its serialized
// request and result.
func NewImportedFunctionInvoked(ts Timestamp, function string, request, response Payload, ft FunctionType) Entry {
	return Entry{
		Kind:         KindImportedFunctionInvoked,
		Timestamp:    ts,
		FunctionName: function,
		Request:      &request,
		Response:     &response,
		FunctionType: &ft,
	}
}

func NewExportedFunctionInvoked(ts Timestamp, function string, request Payload, idempotencyKey string) Entry {
	return Entry{Kind: KindExportedFunctionInvoked, Timestamp: ts, FunctionName: function, Request: &request, IdempotencyKey: idempotencyKey}
}

func NewExportedFunctionCompleted(ts Timestamp, response Payload, consumedFuel int64) Entry {
	return Entry{Kind: KindExportedFunctionCompleted, Timestamp: ts, Response: &response, ConsumedFuel: consumedFuel}
}

func NewSuspend(ts Timestamp) Entry { return Entry{Kind: KindSuspend, Timestamp: ts} }
func NewNoOp(ts Timestamp) Entry { return Entry{Kind: KindNoOp, Timestamp: ts} }
func NewInterrupted(ts Timestamp) Entry { return Entry{Kind: KindInterrupted, Timestamp: ts} }
func NewExited(ts Timestamp) Entry { return Entry{Kind: KindExited, Timestamp: ts} }
func NewRestart(ts Timestamp) Entry { return Entry{Kind: KindRestart, Timestamp: ts} }

func NewError(ts Timestamp, message string) Entry {
	return Entry{Kind: KindError, Timestamp: ts, Error: message}
}

func NewBeginAtomicRegion(ts Timestamp) Entry { return Entry{Kind: KindBeginAtomicRegion, Timestamp: ts} }

func NewEndAtomicRegion(ts Timestamp, begin Index) Entry {
	return Entry{Kind: KindEndAtomicRegion, Timestamp: ts, Begin: begin}
}

func NewBeginRemoteWrite(ts Timestamp) Entry { return Entry{Kind: KindBeginRemoteWrite, Timestamp: ts} }

func NewEndRemoteWrite(ts Timestamp, begin Index) Entry {
	return Entry{Kind: KindEndRemoteWrite, Timestamp: ts, Begin: begin}
}

// NewLog records a line the worker emitted.
func NewLog(ts Timestamp, level LogLevel, context, message string) Entry {
	return Entry{Kind: KindLog, Timestamp: ts, Level: level, Context: context, Message: message}
}

// IsHint reports whether replay skips this entry. Hints describe what
// happened to the worker but carry no result a host call consumes.
func (e Entry) IsHint() bool {
	switch e.Kind {
	case KindSuspend, KindError, KindInterrupted, KindExited, KindLog:
		return true
	default:
		return false
	}
}

// Validate checks that the entry is a known variant with its required fields.
func (e Entry) Validate() error {
	if !knownKinds[e.Kind] {
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	switch e.Kind {
	case KindImportedFunctionInvoked:
		if e.FunctionName == "" || e.Request == nil || e.Response == nil || e.FunctionType == nil {
			return fmt.Errorf("%s entry is missing function name, payloads or function type", e.Kind)
		}
	case KindExportedFunctionInvoked:
		if e.FunctionName == "" || e.Request == nil {
			return fmt.Errorf("%s entry is missing function name or request", e.Kind)
		}
	case KindExportedFunctionCompleted:
		if e.Response == nil {
			return fmt.Errorf("%s entry is missing response", e.Kind)
		}
	case KindEndAtomicRegion, KindEndRemoteWrite:
		if e.Begin == NoIndex {
			return fmt.Errorf("%s entry is missing begin index", e.Kind)
		}
	}
	return nil
}

// Summary renders a one-line description for operator output.
func (e Entry) Summary() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	switch e.Kind {
	case KindCreate:
		fmt.Fprintf(&b, " worker=%s version=%d", e.WorkerID, e.ComponentVersion)
	case KindImportedFunctionInvoked:
		fmt.Fprintf(&b, " %s %s request=%dB response=%dB", e.FunctionName, e.FunctionType, e.Request.Size(), e.Response.Size())
	case KindExportedFunctionInvoked:
		fmt.Fprintf(&b, " %s request=%dB", e.FunctionName, e.Request.Size())
		if e.IdempotencyKey != "" {
			fmt.Fprintf(&b, " key=%s", e.IdempotencyKey)
		}
	case KindExportedFunctionCompleted:
		fmt.Fprintf(&b, " response=%dB fuel=%d", e.Response.Size(), e.ConsumedFuel)
	case KindError:
		fmt.Fprintf(&b, " %q", e.Error)
	case KindEndAtomicRegion, KindEndRemoteWrite:
		fmt.Fprintf(&b, " begin=%d", e.Begin)
	case KindLog:
		fmt.Fprintf(&b, " [%s] %s: %s", e.Level, e.Context, e.Message)
	}
	return b.String()
}

var entryCodec = codec.JSON{}

// EncodeEntry serializes an entry for storage.
func EncodeEntry(e Entry) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return entryCodec.Marshal(e)
}

// DecodeEntry parses an entry written by EncodeEntry.
func DecodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := entryCodec.Unmarshal(data, &e); err != nil {
		return Entry{}, err
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}
