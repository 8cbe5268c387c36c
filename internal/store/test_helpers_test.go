package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestStore opens a store in a fresh temporary directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "oplog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
