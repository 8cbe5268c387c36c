package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/durability"
	"github.com/roach88/durable/internal/oplog"
	"github.com/roach88/durable/internal/shard"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "durable.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(newFlags(t), "")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", c.Storage)
	assert.Equal(t, "sqlite", c.BlobBackend, "blob backend follows storage")
	assert.Equal(t, oplog.DefaultMaxPayloadSize, c.MaxPayloadSize)
	assert.Equal(t, oplog.DefaultMaxOperationsBeforeCommit, c.MaxOperationsBeforeCommit)
	assert.Equal(t, 5*time.Second, c.ReplicaWaitTimeout)
	assert.Equal(t, durability.Smart, c.PersistenceLevel())
	assert.True(t, c.AssumeIdempotence)
	assert.Equal(t, "text", c.LogFormat)
	assert.Empty(t, c.Archive)
	assert.Equal(t, durability.DefaultRetryPolicy, c.RetryPolicy())
	assert.Len(t, c.HostOptions(), 3)
}

func TestLoad_ArchiveAndRetry(t *testing.T) {
	path := writeConfig(t, `
archive: sqlite
archive-path: /var/lib/durable/archive.db
retry-max-attempts: 5
retry-min-delay: 50ms
retry-max-delay: 10s
`)
	c, err := Load(newFlags(t, "--retry-multiplier=1.5"), path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", c.Archive)
	assert.Equal(t, "/var/lib/durable/archive.db", c.ArchivePath)
	assert.Equal(t, durability.RetryPolicy{
		MaxAttempts: 5,
		MinDelay:    50 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  1.5,
	}, c.RetryPolicy())
}

func TestLoad_FileEnvAndFlagPrecedence(t *testing.T) {
	path := writeConfig(t, `
storage: redis
redis-addr: redis.internal:6379
redis-replicas: 2
blob-backend: fs
blob-dir: /var/lib/durable/payloads
max-payload-size: 4096
replica-wait-timeout: 250ms
number-of-shards: 16
owned-shards: "0-3,9"
persistence: persist-remote-side-effects
log-format: json
`)
	t.Setenv("DURABLE_MAX_PAYLOAD_SIZE", "8192")
	t.Setenv("DURABLE_LOG_LEVEL", "debug")

	c, err := Load(newFlags(t, "--log-level=warn"), path)
	require.NoError(t, err)

	assert.Equal(t, "redis", c.Storage)
	assert.Equal(t, "redis.internal:6379", c.RedisAddr)
	assert.Equal(t, uint8(2), c.RedisReplicas)
	assert.Equal(t, "fs", c.BlobBackend)
	assert.Equal(t, 250*time.Millisecond, c.ReplicaWaitTimeout)
	assert.Equal(t, 8192, c.MaxPayloadSize, "environment beats the file")
	assert.Equal(t, "warn", c.LogLevel, "flags beat the environment")
	assert.Equal(t, durability.PersistRemoteSideEffects, c.PersistenceLevel())

	ids, err := c.ShardIDs()
	require.NoError(t, err)
	assert.Equal(t, []shard.ShardID{0, 1, 2, 3, 9}, ids)

	a, err := c.Assignment()
	require.NoError(t, err)
	assert.Equal(t, uint32(16), a.NumberOfShards)
	assert.True(t, a.Contains(9))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][]string{
		"storage":     {"--storage=cassandra"},
		"blob":        {"--blob-backend=s3"},
		"sqlite blob": {"--storage=redis", "--blob-backend=sqlite"},
		"payload":     {"--max-payload-size=0"},
		"ops":         {"--max-operations-before-commit=-1"},
		"persistence": {"--persistence=sometimes"},
		"format":      {"--log-format=xml"},
		"shards":      {"--number-of-shards=4", "--owned-shards=2-9"},
		"archive":     {"--archive=glacier"},
		"same db":     {"--archive=sqlite", "--archive-path=durable.db"},
		"retry delay": {"--retry-min-delay=5s", "--retry-max-delay=1s"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(newFlags(t, args...), "")
			assert.Error(t, err)
		})
	}
}

func TestShardIDs(t *testing.T) {
	c := Config{NumberOfShards: 8}
	for input, want := range map[string][]shard.ShardID{
		"":            nil,
		"5":           {5},
		"1-3":         {1, 2, 3},
		" 7 , 0-1, 1": {0, 1, 7},
	} {
		c.OwnedShards = input
		got, err := c.ShardIDs()
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	for _, bad := range []string{"x", "3-1", "8", "-1", "2-", "0-8"} {
		c.OwnedShards = bad
		_, err := c.ShardIDs()
		assert.Error(t, err, bad)
	}
}
