// Package shard maps workers onto shards and checks that an executor owns
// the shard of a worker before it runs it.
//
// The hash is a pinned contract shared with every other component that
// routes workers, so it must not change.
package shard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// WorkerID identifies a worker: the component it runs and its name within
// that component.
type WorkerID struct {
	ComponentID uuid.UUID
	WorkerName  string
}

// ParseWorkerID parses the "<component-uuid>/<worker-name>" form.
// The name is everything after the first slash and may contain slashes.
func ParseWorkerID(s string) (WorkerID, error) {
	component, name, ok := strings.Cut(s, "/")
	if !ok || name == "" {
		return WorkerID{}, fmt.Errorf("invalid worker id %q: expected <component>/<name>", s)
	}
	id, err := uuid.Parse(component)
	if err != nil {
		return WorkerID{}, fmt.Errorf("invalid worker id %q: %w", s, err)
	}
	return WorkerID{ComponentID: id, WorkerName: name}, nil
}

func (w WorkerID) String() string {
	return w.ComponentID.String() + "/" + w.WorkerName
}

// ShardID is a shard number in [0, NumberOfShards).
type ShardID int64

func (s ShardID) String() string { return "<" + strconv.FormatInt(int64(s), 10) + ">" }

// IsLeftNeighbor reports whether other directly follows s.
func (s ShardID) IsLeftNeighbor(other ShardID) bool { return other == s+1 }

// hashString is the 31-multiplier string hash over bytes with 32-bit
// wrapping arithmetic.
func hashString(s string) int32 {
	var h int32
	for i := 0; i < len(s); i++ {
		h = 31*h + int32(s[i])
	}
	return h
}

// HashWorkerID computes the 64-bit routing hash of a worker. The upper half
// hashes the decimal form of the component id's high 64 bits; the lower half
// hashes the decimal form of its low 64 bits followed by the worker name.
// Both halves are read as signed big-endian integers.
func HashWorkerID(id WorkerID) int64 {
	var hi, lo int64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | int64(id.ComponentID[i])
		lo = lo<<8 | int64(id.ComponentID[8+i])
	}
	high := hashString(strconv.FormatInt(hi, 10))
	low := hashString(strconv.FormatInt(lo, 10) + id.WorkerName)
	return int64(high)<<32 | int64(low)&0xFFFFFFFF
}

// ShardIDFor returns the shard of id among numberOfShards shards, or 0 when
// there are none. The magnitude of the hash is taken as unsigned so that
// math.MinInt64 has a defined shard.
func ShardIDFor(id WorkerID, numberOfShards uint32) ShardID {
	return shardOf(HashWorkerID(id), numberOfShards)
}

func shardOf(h int64, numberOfShards uint32) ShardID {
	if numberOfShards == 0 {
		return 0
	}
	mag := uint64(h)
	if h < 0 {
		mag = -mag
	}
	return ShardID(mag % uint64(numberOfShards))
}
