package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/oplog"
)

// Put implements oplog.BlobStorage. Identical data maps to the same row, so
// re-uploading is a no-op.
func (s *Store) Put(ctx context.Context, namespace string, data []byte) (string, error) {
	key := codec.ContentKey(codec.DomainPayload, data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payloads (namespace, content_key, data) VALUES (?, ?, ?)
		ON CONFLICT(namespace, content_key) DO NOTHING
	`, namespace, key, data)
	if err != nil {
		return "", fmt.Errorf("put payload %s/%s: %w", namespace, key, err)
	}
	return key, nil
}

// Get implements oplog.BlobStorage.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM payloads WHERE namespace = ? AND content_key = ?`, namespace, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, oplog.ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payload %s/%s: %w", namespace, key, err)
	}
	return data, nil
}

var _ oplog.BlobStorage = (*Store)(nil)
