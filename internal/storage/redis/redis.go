// Package redis stores worker oplogs and payloads in Redis.
//
// Each log is a sorted set scored by oplog index. Members carry the index
// as an 8-byte big-endian prefix so that identical entries at different
// indices stay distinct. A registry set remembers which logs exist, since
// Redis removes a sorted set once its last member is gone, and a head key
// per log keeps the last appended index across dropped prefixes.
package redis

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/oplog"
)

// Config selects the Redis server and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key written by the store.
	Prefix string

	// Replicas is the number of replicas behind the server. Replica waits
	// are clamped to it.
	Replicas uint8
}

// Storage implements oplog.IndexedStorage and oplog.BlobStorage.
type Storage struct {
	client   *goredis.Client
	prefix   string
	replicas uint8
}

// Connect creates a client for cfg and verifies the server answers.
func Connect(ctx context.Context, cfg Config) (*Storage, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewFromClient(client, cfg.Prefix, cfg.Replicas), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *goredis.Client, prefix string, replicas uint8) *Storage {
	if prefix == "" {
		prefix = "durable"
	}
	return &Storage{client: client, prefix: prefix, replicas: replicas}
}

func (s *Storage) logKey(key string) string { return fmt.Sprintf("%s:oplog:%s", s.prefix, key) }
func (s *Storage) headKey(key string) string { return fmt.Sprintf("%s:oplog-head:%s", s.prefix, key) }
func (s *Storage) registryKey() string     { return s.prefix + ":oplogs" }
func (s *Storage) payloadKey(ns, key string) string {
	return fmt.Sprintf("%s:payload:%s:%s", s.prefix, ns, key)
}

func encodeMember(r oplog.Record) string {
	buf := make([]byte, 8+len(r.Data))
	binary.BigEndian.PutUint64(buf, uint64(r.Index))
	copy(buf[8:], r.Data)
	return string(buf)
}

func decodeMember(member string) (oplog.Record, error) {
	if len(member) < 8 {
		return oplog.Record{}, fmt.Errorf("oplog member too short (%d bytes)", len(member))
	}
	b := []byte(member)
	return oplog.Record{Index: oplog.Index(binary.BigEndian.Uint64(b[:8])), Data: b[8:]}, nil
}

// appendScript checks contiguity against the head and adds all members
// atomically.
//
// KEYS[1] log, KEYS[2] registry, KEYS[3] head; ARGV[1] worker key, ARGV[2]
// first index, then score/member pairs.
var appendScript = goredis.NewScript(`
local head = redis.call('GET', KEYS[3])
if head and tonumber(head) + 1 ~= tonumber(ARGV[2]) then
  return redis.error_reply('NONCONTIGUOUS ' .. head)
end
for i = 3, #ARGV, 2 do
  redis.call('ZADD', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('SET', KEYS[3], ARGV[#ARGV - 1])
redis.call('SADD', KEYS[2], ARGV[1])
return #ARGV / 2 - 1
`)

// Append implements oplog.IndexedStorage.
func (s *Storage) Append(ctx context.Context, key string, records []oplog.Record) error {
	if len(records) == 0 {
		return nil
	}
	args := make([]any, 0, 2+2*len(records))
	args = append(args, key, uint64(records[0].Index))
	for i, r := range records {
		if i > 0 && r.Index != records[i-1].Index+1 {
			return fmt.Errorf("append %s at %d, expected %d: %w", key, r.Index, records[i-1].Index+1, oplog.ErrNonContiguous)
		}
		args = append(args, uint64(r.Index), encodeMember(r))
	}

	err := appendScript.Run(ctx, s.client, []string{s.logKey(key), s.registryKey(), s.headKey(key)}, args...).Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "NONCONTIGUOUS") {
			return fmt.Errorf("append %s at %d after %s: %w", key, records[0].Index,
				strings.TrimPrefix(err.Error(), "NONCONTIGUOUS "), oplog.ErrNonContiguous)
		}
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

// Read implements oplog.IndexedStorage.
func (s *Storage) Read(ctx context.Context, key string, from, to oplog.Index) ([]oplog.Record, error) {
	members, err := s.client.ZRangeByScore(ctx, s.logKey(key), &goredis.ZRangeBy{
		Min: strconv.FormatUint(uint64(from), 10),
		Max: strconv.FormatUint(uint64(to), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s [%d, %d]: %w", key, from, to, err)
	}
	out := make([]oplog.Record, 0, len(members))
	for _, m := range members {
		r, err := decodeMember(m)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Length implements oplog.IndexedStorage.
func (s *Storage) Length(ctx context.Context, key string) (uint64, error) {
	n, err := s.client.ZCard(ctx, s.logKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("length %s: %w", key, err)
	}
	return uint64(n), nil
}

// LastIndex implements oplog.IndexedStorage from the head key.
func (s *Storage) LastIndex(ctx context.Context, key string) (oplog.Index, error) {
	head, err := s.client.Get(ctx, s.headKey(key)).Uint64()
	if errors.Is(err, goredis.Nil) {
		return oplog.NoIndex, nil
	}
	if err != nil {
		return oplog.NoIndex, fmt.Errorf("last index %s: %w", key, err)
	}
	return oplog.Index(head), nil
}

// FirstIndex implements oplog.IndexedStorage.
func (s *Storage) FirstIndex(ctx context.Context, key string) (oplog.Index, error) {
	return s.boundIndex(ctx, key, 0)
}

func (s *Storage) boundIndex(ctx context.Context, key string, rank int64) (oplog.Index, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.logKey(key), rank, rank).Result()
	if err != nil {
		return oplog.NoIndex, fmt.Errorf("index bound %s: %w", key, err)
	}
	if len(zs) == 0 {
		return oplog.NoIndex, nil
	}
	return oplog.Index(zs[0].Score), nil
}

// DropPrefix implements oplog.IndexedStorage.
func (s *Storage) DropPrefix(ctx context.Context, key string, last oplog.Index) (uint64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, s.logKey(key), "-inf", strconv.FormatUint(uint64(last), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("drop prefix %s through %d: %w", key, last, err)
	}
	return uint64(n), nil
}

// Delete implements oplog.IndexedStorage.
func (s *Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.logKey(key), s.headKey(key))
		p.SRem(ctx, s.registryKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Exists implements oplog.IndexedStorage.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.registryKey(), key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return ok, nil
}

// Workers lists the registered logs.
func (s *Storage) Workers(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return keys, nil
}

// NumberOfReplicas implements oplog.IndexedStorage.
func (s *Storage) NumberOfReplicas() uint8 { return s.replicas }

// WaitForReplicas implements oplog.IndexedStorage with the WAIT command. The
// server-side timeout is taken from ctx's deadline.
func (s *Storage) WaitForReplicas(ctx context.Context, n uint8) error {
	if n == 0 {
		return nil
	}
	timeout := time.Duration(0)
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}
	acked, err := s.client.Wait(ctx, int(n), timeout).Result()
	if err != nil {
		return fmt.Errorf("wait for %d replicas: %w", n, err)
	}
	if acked < int64(n) {
		return fmt.Errorf("wait for %d replicas: only %d acknowledged", n, acked)
	}
	return nil
}

// Put implements oplog.BlobStorage.
func (s *Storage) Put(ctx context.Context, namespace string, data []byte) (string, error) {
	key := codec.ContentKey(codec.DomainPayload, data)
	if err := s.client.SetNX(ctx, s.payloadKey(namespace, key), data, 0).Err(); err != nil {
		return "", fmt.Errorf("put payload %s/%s: %w", namespace, key, err)
	}
	return key, nil
}

// Get implements oplog.BlobStorage.
func (s *Storage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.payloadKey(namespace, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, oplog.ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payload %s/%s: %w", namespace, key, err)
	}
	return data, nil
}

// Close closes the client.
func (s *Storage) Close() error { return s.client.Close() }

var (
	_ oplog.IndexedStorage = (*Storage)(nil)
	_ oplog.BlobStorage    = (*Storage)(nil)
)
