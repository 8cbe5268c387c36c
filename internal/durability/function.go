package durability

import (
	"fmt"

	"github.com/roach88/durable/internal/oplog"
)

// FunctionType classifies a durable host function. It is recorded with
// every ImportedFunctionInvoked entry.
type FunctionType = oplog.FunctionType

var (
	ReadLocal  = FunctionType{Kind: oplog.ReadLocal}
	WriteLocal = FunctionType{Kind: oplog.WriteLocal}
	ReadRemote = FunctionType{Kind: oplog.ReadRemote}

	// WriteRemote is a single remote side effect.
	WriteRemote = FunctionType{Kind: oplog.WriteRemote}
)

// WriteRemoteBatched is a remote write that belongs to a batch. A nil begin
// opens a new batch region.
func WriteRemoteBatched(begin *oplog.Index) FunctionType {
	return FunctionType{Kind: oplog.WriteRemoteBatched, Begin: begin}
}

// WriteRemoteTransaction is a remote write inside a transaction. A nil
// begin opens the transaction region.
func WriteRemoteTransaction(begin *oplog.Index) FunctionType {
	return FunctionType{Kind: oplog.WriteRemoteTransaction, Begin: begin}
}

// NeedsBeginEnd reports whether ft is bracketed by BeginRemoteWrite and
// EndRemoteWrite entries. Single remote writes need the bracket unless the
// remote side is assumed idempotent; batched and transactional writes need
// it only when they open their region.
func NeedsBeginEnd(ft FunctionType, assumeIdempotence bool) bool {
	switch ft.Kind {
	case oplog.WriteRemote:
		return !assumeIdempotence
	case oplog.WriteRemoteBatched, oplog.WriteRemoteTransaction:
		return ft.Begin == nil
	default:
		return false
	}
}

// PersistenceLevel selects which host calls are recorded.
type PersistenceLevel int

const (
	// Smart records every durable host call.
	Smart PersistenceLevel = iota

	// PersistRemoteSideEffects records every call but only forces a commit
	// after remote writes; local writes stay buffered until the next commit.
	PersistRemoteSideEffects

	// PersistNothing records nothing and refuses to replay.
	PersistNothing
)

func (l PersistenceLevel) String() string {
	switch l {
	case Smart:
		return "smart"
	case PersistRemoteSideEffects:
		return "persist-remote-side-effects"
	case PersistNothing:
		return "persist-nothing"
	default:
		return fmt.Sprintf("PersistenceLevel(%d)", int(l))
	}
}

// ParsePersistenceLevel parses the names produced by String.
func ParsePersistenceLevel(s string) (PersistenceLevel, error) {
	for _, l := range []PersistenceLevel{Smart, PersistRemoteSideEffects, PersistNothing} {
		if l.String() == s {
			return l, nil
		}
	}
	return Smart, fmt.Errorf("unknown persistence level %q", s)
}

// records reports whether calls of type ft are written to the oplog.
func (l PersistenceLevel) records(FunctionType) bool {
	return l != PersistNothing
}

// commitsAfter reports whether a live call of type ft is committed before
// it returns.
func (l PersistenceLevel) commitsAfter(ft FunctionType) bool {
	switch l {
	case PersistNothing:
		return false
	case PersistRemoteSideEffects:
		return ft.IsRemoteWrite()
	default:
		return ft.IsRemoteWrite() || ft.Kind == oplog.WriteLocal
	}
}
