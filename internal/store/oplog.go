package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/durable/internal/oplog"
)

// Append implements oplog.IndexedStorage. Records are inserted in one
// transaction after checking they continue the stored sequence.
func (s *Store) Append(ctx context.Context, key string, records []oplog.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append %s: begin: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO oplogs (worker_key, created_at) VALUES (?, ?)
		ON CONFLICT(worker_key) DO NOTHING
	`, key, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("append %s: register log: %w", key, err)
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT last_index FROM oplogs WHERE worker_key = ?`, key,
	).Scan(&last); err != nil {
		return fmt.Errorf("append %s: last index: %w", key, err)
	}

	next := oplog.Index(last) + 1
	for i, r := range records {
		if (last > 0 || i > 0) && r.Index != next {
			return fmt.Errorf("append %s at %d, expected %d: %w", key, r.Index, next, oplog.ErrNonContiguous)
		}
		next = r.Index + 1
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO oplog_entries (worker_key, idx, entry) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("append %s: prepare: %w", key, err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, key, int64(r.Index), r.Data); err != nil {
			return fmt.Errorf("append %s at %d: %w", key, r.Index, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE oplogs SET last_index = ? WHERE worker_key = ?`,
		int64(records[len(records)-1].Index), key); err != nil {
		return fmt.Errorf("append %s: advance last index: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append %s: commit: %w", key, err)
	}
	return nil
}

// Read implements oplog.IndexedStorage.
func (s *Store) Read(ctx context.Context, key string, from, to oplog.Index) ([]oplog.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, entry FROM oplog_entries
		WHERE worker_key = ? AND idx >= ? AND idx <= ?
		ORDER BY idx ASC
	`, key, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("read %s [%d, %d]: %w", key, from, to, err)
	}
	defer rows.Close()

	var out []oplog.Record
	for rows.Next() {
		var (
			idx  int64
			data []byte
		)
		if err := rows.Scan(&idx, &data); err != nil {
			return nil, fmt.Errorf("read %s: scan: %w", key, err)
		}
		out = append(out, oplog.Record{Index: oplog.Index(idx), Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return out, nil
}

// Length implements oplog.IndexedStorage.
func (s *Store) Length(ctx context.Context, key string) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM oplog_entries WHERE worker_key = ?`, key,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("length %s: %w", key, err)
	}
	return uint64(n), nil
}

// LastIndex implements oplog.IndexedStorage. It reads the registry row,
// which keeps the last index after the entries are dropped.
func (s *Store) LastIndex(ctx context.Context, key string) (oplog.Index, error) {
	return s.boundIndex(ctx, key, `SELECT last_index FROM oplogs WHERE worker_key = ?`)
}

// FirstIndex implements oplog.IndexedStorage.
func (s *Store) FirstIndex(ctx context.Context, key string) (oplog.Index, error) {
	return s.boundIndex(ctx, key, `SELECT MIN(idx) FROM oplog_entries WHERE worker_key = ?`)
}

func (s *Store) boundIndex(ctx context.Context, key, query string) (oplog.Index, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return oplog.NoIndex, nil
	}
	if err != nil {
		return oplog.NoIndex, fmt.Errorf("index bound %s: %w", key, err)
	}
	if !v.Valid {
		return oplog.NoIndex, nil
	}
	return oplog.Index(v.Int64), nil
}

// DropPrefix implements oplog.IndexedStorage.
func (s *Store) DropPrefix(ctx context.Context, key string, last oplog.Index) (uint64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oplog_entries WHERE worker_key = ? AND idx <= ?`, key, int64(last))
	if err != nil {
		return 0, fmt.Errorf("drop prefix %s through %d: %w", key, last, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("drop prefix %s: %w", key, err)
	}
	return uint64(n), nil
}

// Delete implements oplog.IndexedStorage. Entries go with the log through
// the foreign key cascade.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oplogs WHERE worker_key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Exists implements oplog.IndexedStorage.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM oplogs WHERE worker_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return true, nil
}

// NumberOfReplicas implements oplog.IndexedStorage. A local database has none.
func (s *Store) NumberOfReplicas() uint8 { return 0 }

// WaitForReplicas implements oplog.IndexedStorage.
func (s *Store) WaitForReplicas(_ context.Context, n uint8) error {
	if n == 0 {
		return nil
	}
	return fmt.Errorf("sqlite store has no replicas, %d requested", n)
}

var _ oplog.IndexedStorage = (*Store)(nil)
