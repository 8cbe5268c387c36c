package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// pragmas are applied on every open. A committed oplog entry must survive
// a crash of the machine, so synchronous is FULL rather than NORMAL.
var pragmas = []struct{ name, value string }{
	{"journal_mode", "WAL"},
	{"synchronous", "FULL"},
	{"busy_timeout", "5000"},
	{"foreign_keys", "ON"},
}

// migrations[i] upgrades a database at user_version i to i+1.
var migrations = []func(*sql.DB) error{
	migrateToV1,
	migrateToV2,
}

// Store keeps worker oplogs and external payloads in one SQLite database.
// It implements oplog.IndexedStorage and oplog.BlobStorage.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating it and its tables when
// missing. Opening an existing database again is safe.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := prepare(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func prepare(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	// One connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range pragmas {
		stmt := fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return migrate(db)
}

// migrate runs the migrations the database has not seen yet and records
// the resulting version in user_version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if err := migrations[v](db); err != nil {
			return err
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			return fmt.Errorf("set user_version %d: %w", v+1, err)
		}
	}
	return nil
}

// migrateToV1 registers logs written before the oplogs table existed.
func migrateToV1(db *sql.DB) error {
	if _, err := db.Exec(`
		INSERT OR IGNORE INTO oplogs (worker_key, created_at)
		SELECT DISTINCT worker_key, 0 FROM oplog_entries
	`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 adds the last appended index to the registry so a log whose
// entries were all dropped keeps its position.
func migrateToV2(db *sql.DB) error {
	if _, err := db.Exec(`ALTER TABLE oplogs ADD COLUMN last_index INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("migrate to v2: add last_index: %w", err)
	}
	if _, err := db.Exec(`
		UPDATE oplogs SET last_index = COALESCE(
			(SELECT MAX(idx) FROM oplog_entries e WHERE e.worker_key = oplogs.worker_key), 0)
	`); err != nil {
		return fmt.Errorf("migrate to v2: backfill last_index: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Workers lists the worker keys with a log in this store, sorted.
func (s *Store) Workers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT worker_key FROM oplogs ORDER BY worker_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("list workers: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// verifyPragma reports an error unless PRAGMA name reads back as want.
func (s *Store) verifyPragma(name, want string) error {
	var got string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&got); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if got != want {
		return fmt.Errorf("%s = %q, want %q", name, got, want)
	}
	return nil
}
