// Package debug replays a worker's recorded history without ever writing
// to it.
//
// A debug session points a worker at its existing oplog through a read-only
// decorator. The session can stop replay at a target index and substitute
// recorded entries after the current position with overrides, so an
// operator can explore "what if this call had returned something else".
package debug

import (
	"maps"
	"slices"
	"sync"

	"github.com/roach88/durable/internal/oplog"
	"github.com/roach88/durable/internal/shard"
)

// SessionID identifies a debug session. There is at most one per worker.
type SessionID string

// NewSessionID returns the session id of a worker.
func NewSessionID(worker shard.WorkerID) SessionID { return SessionID(worker.String()) }

func (id SessionID) String() string { return string(id) }

// WorkerMetadata describes the worker under debug, taken from its Create
// entry.
type WorkerMetadata struct {
	WorkerID         string
	ComponentVersion uint64
	Args             []string
	Env              map[string]string
	CreatedAt        oplog.Timestamp
}

// MetadataFromCreate extracts worker metadata from a Create entry.
func MetadataFromCreate(e oplog.Entry) WorkerMetadata {
	return WorkerMetadata{
		WorkerID:         e.WorkerID,
		ComponentVersion: e.ComponentVersion,
		Args:             e.Args,
		Env:              e.Env,
		CreatedAt:        e.Timestamp,
	}
}

// SessionData is the state of one debug session.
type SessionData struct {
	WorkerMetadata WorkerMetadata
	// TargetIndex bounds replay. Nil means the head of the log.
	TargetIndex *oplog.Index
	Overrides   Overrides
	// CurrentIndex is the last index read through the session.
	CurrentIndex oplog.Index
}

func (d SessionData) clone() SessionData {
	c := d
	if d.TargetIndex != nil {
		t := *d.TargetIndex
		c.TargetIndex = &t
	}
	c.Overrides = d.Overrides.clone()
	c.WorkerMetadata.Args = slices.Clone(d.WorkerMetadata.Args)
	c.WorkerMetadata.Env = maps.Clone(d.WorkerMetadata.Env)
	return c
}

// Sessions stores debug sessions. Implementations must be safe for
// concurrent use and return copies, never shared state.
type Sessions interface {
	Insert(id SessionID, data SessionData) SessionID
	Get(id SessionID) (SessionData, bool)
	Remove(id SessionID) (SessionData, bool)
	// Update moves the target. Overrides are replaced only when non-nil.
	Update(id SessionID, target oplog.Index, overrides Overrides) (SessionData, bool)
	UpdateOplogIndex(id SessionID, index oplog.Index) (SessionData, bool)
}

// MemorySessions is an in-process Sessions.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[SessionID]SessionData
}

var _ Sessions = (*MemorySessions)(nil)

// NewMemorySessions returns an empty session store.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[SessionID]SessionData)}
}

func (m *MemorySessions) Insert(id SessionID, data SessionData) SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = data.clone()
	return id
}

func (m *MemorySessions) Get(id SessionID) (SessionData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.sessions[id]
	if !ok {
		return SessionData{}, false
	}
	return d.clone(), true
}

func (m *MemorySessions) Remove(id SessionID) (SessionData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.sessions[id]
	if !ok {
		return SessionData{}, false
	}
	delete(m.sessions, id)
	return d.clone(), true
}

func (m *MemorySessions) Update(id SessionID, target oplog.Index, overrides Overrides) (SessionData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.sessions[id]
	if !ok {
		return SessionData{}, false
	}
	d.TargetIndex = &target
	if overrides != nil {
		d.Overrides = overrides.clone()
	}
	m.sessions[id] = d
	return d.clone(), true
}

func (m *MemorySessions) UpdateOplogIndex(id SessionID, index oplog.Index) (SessionData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.sessions[id]
	if !ok {
		return SessionData{}, false
	}
	d.CurrentIndex = index
	m.sessions[id] = d
	return d.clone(), true
}
