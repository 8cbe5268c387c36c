package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/durable/internal/config"
	"github.com/roach88/durable/internal/durability"
	"github.com/roach88/durable/internal/observability"
	"github.com/roach88/durable/internal/oplog"
	"github.com/roach88/durable/internal/storage/fs"
	"github.com/roach88/durable/internal/storage/redis"
	"github.com/roach88/durable/internal/store"
)

// backend is the storage a command operates on, built from configuration.
type backend struct {
	storage oplog.IndexedStorage
	blobs   oplog.BlobStorage
	archive oplog.IndexedStorage
	workers func(context.Context) ([]string, error)
	closers []io.Closer

	cfg     config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{cfg: cfg, logger: logger, metrics: observability.New()}

	var sqlite *store.Store
	var rds *redis.Storage
	switch cfg.Storage {
	case "memory":
		mem := oplog.NewMemoryStorage()
		b.storage = mem
		b.workers = func(context.Context) ([]string, error) { return mem.Keys(), nil }
	case "sqlite":
		st, err := store.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.SQLitePath, err)
		}
		sqlite = st
		b.storage, b.workers = st, st.Workers
		b.closers = append(b.closers, st)
	case "redis":
		rs, err := redis.Connect(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			Replicas: cfg.RedisReplicas,
		})
		if err != nil {
			return nil, err
		}
		rds = rs
		b.storage, b.workers = rs, rs.Workers
		b.closers = append(b.closers, rs)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}

	switch cfg.BlobBackend {
	case "memory":
		b.blobs = oplog.NewMemoryBlobStorage()
	case "fs":
		blobs, err := fs.New(cfg.BlobDir)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.blobs = blobs
	case "sqlite":
		if sqlite == nil {
			b.Close()
			return nil, errors.New("sqlite blob backend requires sqlite storage")
		}
		b.blobs = sqlite
	case "redis":
		if rds == nil {
			var err error
			if rds, err = redis.Connect(ctx, redis.Config{
				Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, Prefix: cfg.RedisPrefix,
			}); err != nil {
				b.Close()
				return nil, err
			}
			b.closers = append(b.closers, rds)
		}
		b.blobs = rds
	default:
		b.Close()
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}

	if err := b.openArchive(ctx); err != nil {
		b.Close()
		return nil, err
	}

	logger.Debug("storage opened", "storage", cfg.Storage, "blobs", cfg.BlobBackend, "archive", cfg.Archive)
	return b, nil
}

// openArchive opens the store compacted prefixes move to. Redis archives
// live under their own key prefix on the configured server.
func (b *backend) openArchive(ctx context.Context) error {
	cfg := b.cfg
	switch cfg.Archive {
	case "":
	case "memory":
		b.archive = oplog.NewMemoryStorage()
	case "sqlite":
		st, err := store.Open(cfg.ArchivePath)
		if err != nil {
			return fmt.Errorf("open sqlite archive %s: %w", cfg.ArchivePath, err)
		}
		b.archive = st
		b.closers = append(b.closers, st)
	case "redis":
		rs, err := redis.Connect(ctx, redis.Config{
			Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, Prefix: cfg.RedisPrefix + "-archive",
		})
		if err != nil {
			return err
		}
		b.archive = rs
		b.closers = append(b.closers, rs)
	default:
		return fmt.Errorf("unknown archive backend %q", cfg.Archive)
	}
	return nil
}

func (b *backend) options() []oplog.Option {
	opts := []oplog.Option{
		oplog.WithMaxPayloadSize(b.cfg.MaxPayloadSize),
		oplog.WithMaxOperationsBeforeCommit(b.cfg.MaxOperationsBeforeCommit),
		oplog.WithLogger(b.logger),
		oplog.WithMetrics(b.metrics),
	}
	if b.archive != nil {
		opts = append(opts, oplog.WithArchive(b.archive))
	}
	return opts
}

// hostOptions configures a durability host over a log of this backend.
func (b *backend) hostOptions(worker string) []durability.HostOption {
	return append(b.cfg.HostOptions(),
		durability.WithWorkerID(worker),
		durability.WithLogger(b.logger),
		durability.WithMetrics(b.metrics))
}

// open attaches to the existing log of worker.
func (b *backend) open(ctx context.Context, worker string) (*oplog.PrimaryOplog, error) {
	return oplog.Open(ctx, b.storage, b.blobs, worker, b.options()...)
}

// selectWorkers returns the requested workers, or every stored worker when
// none were named.
func (b *backend) selectWorkers(ctx context.Context, requested []string) ([]string, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	return b.workers(ctx)
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	return errors.Join(errs...)
}
