// Package fs stores oplog payloads as content-addressed files.
//
// Layout: <root>/<escaped namespace>/<key[0:2]>/<key>. Writes go to a
// temporary file first and are renamed into place, so a reader never sees a
// partially written blob.
package fs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/oplog"
)

// BlobStorage implements oplog.BlobStorage on a filesystem.
type BlobStorage struct {
	fs   afero.Fs
	root string
}

// New returns a store rooted at dir on the OS filesystem.
func New(dir string) (*BlobStorage, error) {
	return NewWithFs(afero.NewOsFs(), dir)
}

// NewWithFs returns a store rooted at dir on fsys.
func NewWithFs(fsys afero.Fs, dir string) (*BlobStorage, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", dir, err)
	}
	return &BlobStorage{fs: fsys, root: dir}, nil
}

func (b *BlobStorage) path(namespace, key string) (string, error) {
	if len(key) < 3 {
		return "", fmt.Errorf("invalid content key %q", key)
	}
	return filepath.Join(b.root, url.PathEscape(namespace), key[:2], key), nil
}

// Put implements oplog.BlobStorage.
func (b *BlobStorage) Put(ctx context.Context, namespace string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := codec.ContentKey(codec.DomainPayload, data)
	p, err := b.path(namespace, key)
	if err != nil {
		return "", err
	}
	if _, err := b.fs.Stat(p); err == nil {
		return key, nil
	}

	dir := filepath.Dir(p)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("put payload %s/%s: %w", namespace, key, err)
	}
	tmp, err := afero.TempFile(b.fs, dir, key+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("put payload %s/%s: %w", namespace, key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		b.fs.Remove(tmp.Name())
		return "", fmt.Errorf("put payload %s/%s: %w", namespace, key, err)
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmp.Name())
		return "", fmt.Errorf("put payload %s/%s: %w", namespace, key, err)
	}
	if err := b.fs.Rename(tmp.Name(), p); err != nil {
		b.fs.Remove(tmp.Name())
		return "", fmt.Errorf("put payload %s/%s: %w", namespace, key, err)
	}
	return key, nil
}

// Get implements oplog.BlobStorage.
func (b *BlobStorage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.path(namespace, key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(b.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, oplog.ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payload %s/%s: %w", namespace, key, err)
	}
	return data, nil
}

var _ oplog.BlobStorage = (*BlobStorage)(nil)
