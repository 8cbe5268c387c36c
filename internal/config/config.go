// Package config loads runtime settings from flags, a YAML file and
// DURABLE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/durable/internal/durability"
	"github.com/roach88/durable/internal/oplog"
	"github.com/roach88/durable/internal/shard"
)

// EnvPrefix prefixes every environment variable: max-payload-size is read
// from DURABLE_MAX_PAYLOAD_SIZE.
const EnvPrefix = "DURABLE"

// Config holds the settings of the durability core.
type Config struct {
	Storage    string `mapstructure:"storage"`
	SQLitePath string `mapstructure:"sqlite-path"`

	RedisAddr     string `mapstructure:"redis-addr"`
	RedisPassword string `mapstructure:"redis-password"`
	RedisDB       int    `mapstructure:"redis-db"`
	RedisPrefix   string `mapstructure:"redis-prefix"`
	RedisReplicas uint8  `mapstructure:"redis-replicas"`

	BlobBackend string `mapstructure:"blob-backend"`
	BlobDir     string `mapstructure:"blob-dir"`

	// Archive receives compacted prefixes. Empty discards them.
	Archive     string `mapstructure:"archive"`
	ArchivePath string `mapstructure:"archive-path"`

	MaxPayloadSize            int           `mapstructure:"max-payload-size"`
	MaxOperationsBeforeCommit int           `mapstructure:"max-operations-before-commit"`
	ReplicaWaitTimeout        time.Duration `mapstructure:"replica-wait-timeout"`

	NumberOfShards uint32 `mapstructure:"number-of-shards"`
	// OwnedShards lists owned shard ids as comma separated ids and
	// inclusive ranges, e.g. "0-3,7".
	OwnedShards string `mapstructure:"owned-shards"`

	Persistence       string `mapstructure:"persistence"`
	AssumeIdempotence bool   `mapstructure:"assume-idempotence"`

	RetryMaxAttempts uint32        `mapstructure:"retry-max-attempts"`
	RetryMinDelay    time.Duration `mapstructure:"retry-min-delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry-max-delay"`
	RetryMultiplier  float64       `mapstructure:"retry-multiplier"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

type setting struct {
	name  string
	value any
	usage string
}

var settings = []setting{
	{"storage", "sqlite", "oplog storage backend: memory, sqlite or redis"},
	{"sqlite-path", "durable.db", "path of the SQLite database"},
	{"redis-addr", "localhost:6379", "redis address"},
	{"redis-password", "", "redis password"},
	{"redis-db", 0, "redis database number"},
	{"redis-prefix", "durable", "prefix of every redis key"},
	{"redis-replicas", uint8(0), "number of redis replicas commits can wait for"},
	{"blob-backend", "", "payload blob backend: memory, fs, sqlite or redis (defaults to the storage backend)"},
	{"blob-dir", "payloads", "directory of the fs blob backend"},
	{"archive", "", "archive for compacted entries: memory, sqlite or redis (empty discards them)"},
	{"archive-path", "durable-archive.db", "path of the SQLite archive database"},
	{"max-payload-size", oplog.DefaultMaxPayloadSize, "payloads larger than this many bytes are stored out of line"},
	{"max-operations-before-commit", oplog.DefaultMaxOperationsBeforeCommit, "buffered entries that force a commit"},
	{"replica-wait-timeout", 5 * time.Second, "how long a commit waits for replica acknowledgement"},
	{"number-of-shards", uint32(0), "total number of shards"},
	{"owned-shards", "", "shards owned by this executor, e.g. 0-3,7"},
	{"persistence", durability.Smart.String(), "persistence level: smart, persist-remote-side-effects or persist-nothing"},
	{"assume-idempotence", true, "record single remote writes without a begin/end bracket"},
	{"retry-max-attempts", durability.DefaultRetryPolicy.MaxAttempts, "retries of a failed invocation"},
	{"retry-min-delay", durability.DefaultRetryPolicy.MinDelay, "delay before the first retry"},
	{"retry-max-delay", durability.DefaultRetryPolicy.MaxDelay, "upper bound of the retry delay"},
	{"retry-multiplier", durability.DefaultRetryPolicy.Multiplier, "growth factor of the retry delay"},
	{"log-level", "info", "log level: debug, info, warn or error"},
	{"log-format", "text", "log format: text or json"},
}

// RegisterFlags adds one flag per setting to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, s := range settings {
		switch v := s.value.(type) {
		case string:
			fs.String(s.name, v, s.usage)
		case int:
			fs.Int(s.name, v, s.usage)
		case uint8:
			fs.Uint8(s.name, v, s.usage)
		case uint32:
			fs.Uint32(s.name, v, s.usage)
		case bool:
			fs.Bool(s.name, v, s.usage)
		case float64:
			fs.Float64(s.name, v, s.usage)
		case time.Duration:
			fs.Duration(s.name, v, s.usage)
		}
	}
}

// Load resolves the configuration. path may be empty, in which case only
// flags, environment and defaults apply. fs may be nil.
func Load(fs *pflag.FlagSet, path string) (Config, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.name, s.value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if !isSetting(f.Name) {
				return
			}
			if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if c.BlobBackend == "" {
		c.BlobBackend = c.Storage
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func isSetting(name string) bool {
	for _, s := range settings {
		if s.name == name {
			return true
		}
	}
	return false
}

// Validate checks enumerations and cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage {
	case "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage))
	}
	switch c.BlobBackend {
	case "memory", "fs", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q", c.BlobBackend))
	}
	if c.BlobBackend == "sqlite" && c.Storage != "sqlite" {
		errs = append(errs, errors.New("sqlite blob backend requires sqlite storage"))
	}
	switch c.Archive {
	case "", "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown archive backend %q", c.Archive))
	}
	if c.Archive == "sqlite" && c.Storage == "sqlite" && c.ArchivePath == c.SQLitePath {
		errs = append(errs, errors.New("archive-path must differ from sqlite-path"))
	}
	if c.RetryMaxDelay < c.RetryMinDelay {
		errs = append(errs, fmt.Errorf("retry-max-delay %s is below retry-min-delay %s", c.RetryMaxDelay, c.RetryMinDelay))
	}
	if c.MaxPayloadSize <= 0 {
		errs = append(errs, fmt.Errorf("max-payload-size must be positive, got %d", c.MaxPayloadSize))
	}
	if c.MaxOperationsBeforeCommit <= 0 {
		errs = append(errs, fmt.Errorf("max-operations-before-commit must be positive, got %d", c.MaxOperationsBeforeCommit))
	}
	if _, err := durability.ParsePersistenceLevel(c.Persistence); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ShardIDs(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// PersistenceLevel returns the parsed persistence setting.
func (c Config) PersistenceLevel() durability.PersistenceLevel {
	l, err := durability.ParsePersistenceLevel(c.Persistence)
	if err != nil {
		return durability.Smart
	}
	return l
}

// RetryPolicy returns the retry settings as a policy.
func (c Config) RetryPolicy() durability.RetryPolicy {
	return durability.RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		MinDelay:    c.RetryMinDelay,
		MaxDelay:    c.RetryMaxDelay,
		Multiplier:  c.RetryMultiplier,
	}
}

// HostOptions returns the durability settings every host built from this
// configuration shares.
func (c Config) HostOptions() []durability.HostOption {
	return []durability.HostOption{
		durability.WithPersistenceLevel(c.PersistenceLevel()),
		durability.WithAssumeIdempotence(c.AssumeIdempotence),
		durability.WithRetryPolicy(c.RetryPolicy()),
	}
}

// ShardIDs parses OwnedShards. Every id must be below NumberOfShards.
func (c Config) ShardIDs() ([]shard.ShardID, error) {
	if strings.TrimSpace(c.OwnedShards) == "" {
		return nil, nil
	}
	seen := make(map[shard.ShardID]bool)
	for _, part := range strings.Split(c.OwnedShards, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("owned-shards: invalid shard %q", part)
		}
		to := from
		if isRange {
			if to, err = strconv.ParseInt(strings.TrimSpace(hi), 10, 64); err != nil || to < from {
				return nil, fmt.Errorf("owned-shards: invalid range %q", part)
			}
		}
		if from < 0 || to >= int64(c.NumberOfShards) {
			return nil, fmt.Errorf("owned-shards: %q is outside [0, %d)", part, c.NumberOfShards)
		}
		for id := from; id <= to; id++ {
			seen[shard.ShardID(id)] = true
		}
	}
	out := make([]shard.ShardID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Assignment builds the shard assignment of this executor.
func (c Config) Assignment() (shard.Assignment, error) {
	ids, err := c.ShardIDs()
	if err != nil {
		return shard.Assignment{}, err
	}
	return shard.NewAssignment(c.NumberOfShards, ids...), nil
}
