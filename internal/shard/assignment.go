package shard

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/observability"
)

// Assignment is the set of shards an executor owns out of NumberOfShards.
type Assignment struct {
	NumberOfShards uint32
	ShardIDs       map[ShardID]struct{}
}

// NewAssignment builds an assignment owning ids.
func NewAssignment(numberOfShards uint32, ids ...ShardID) Assignment {
	a := Assignment{NumberOfShards: numberOfShards, ShardIDs: make(map[ShardID]struct{}, len(ids))}
	for _, id := range ids {
		a.ShardIDs[id] = struct{}{}
	}
	return a
}

// Contains reports whether the assignment owns id.
func (a Assignment) Contains(id ShardID) bool {
	_, ok := a.ShardIDs[id]
	return ok
}

// Sorted returns the owned shard ids in ascending order.
func (a Assignment) Sorted() []ShardID {
	out := make([]ShardID, 0, len(a.ShardIDs))
	for id := range a.ShardIDs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a Assignment) String() string {
	ids := a.Sorted()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return "{ number_of_shards: " + strconv.FormatUint(uint64(a.NumberOfShards), 10) +
		", shard_ids: [" + strings.Join(parts, ",") + "] }"
}

func (a Assignment) clone() Assignment {
	c := Assignment{NumberOfShards: a.NumberOfShards, ShardIDs: make(map[ShardID]struct{}, len(a.ShardIDs))}
	for id := range a.ShardIDs {
		c.ShardIDs[id] = struct{}{}
	}
	return c
}

// CheckWorker returns nil if the assignment owns the shard of id. It never
// panics: an assignment without shards reports that no assignment has been
// received instead of dividing by zero.
func CheckWorker(id WorkerID, a Assignment) error {
	if a.NumberOfShards == 0 {
		return fault.New(fault.CodeShardAssignmentMissing, "no shard assignment received").WithWorker(id.String())
	}
	actual := ShardIDFor(id, a.NumberOfShards)
	if a.Contains(actual) {
		return nil
	}
	assigned := a.Sorted()
	mismatch := &fault.ShardMismatch{Actual: int64(actual), Assigned: make([]int64, len(assigned))}
	for i, s := range assigned {
		mismatch.Assigned[i] = int64(s)
	}
	err := fault.Newf(fault.CodeInvalidShardID, "worker maps to shard %d which is not assigned here", actual).
		WithWorker(id.String())
	err.Shard = mismatch
	return err
}

// Registry holds the live assignment of an executor. Shard managers
// register and revoke shards while workers are being checked concurrently.
type Registry struct {
	mu         sync.RWMutex
	assignment Assignment
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics counts rejected workers.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns a registry with no shards assigned.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{assignment: NewAssignment(0), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register sets the shard count and adds ids to the owned set.
func (r *Registry) Register(numberOfShards uint32, ids ...ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignment.NumberOfShards = numberOfShards
	for _, id := range ids {
		r.assignment.ShardIDs[id] = struct{}{}
	}
	r.logger.Info("shards registered", "number_of_shards", numberOfShards, "assignment", r.assignment.String())
}

// Assign adds ids to the owned set.
func (r *Registry) Assign(ids ...ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.assignment.ShardIDs[id] = struct{}{}
	}
	r.logger.Debug("shards assigned", "count", len(ids))
}

// Revoke removes ids from the owned set.
func (r *Registry) Revoke(ids ...ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.assignment.ShardIDs, id)
	}
	r.logger.Debug("shards revoked", "count", len(ids))
}

// Current returns a copy of the assignment.
func (r *Registry) Current() Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assignment.clone()
}

// Check is CheckWorker against the current assignment.
func (r *Registry) Check(id WorkerID) error {
	r.mu.RLock()
	err := CheckWorker(id, r.assignment)
	r.mu.RUnlock()
	if err != nil {
		r.metrics.ShardRejected()
		r.logger.Warn("worker rejected", "worker_id", id.String(), "error", err)
	}
	return err
}
