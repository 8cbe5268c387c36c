package oplog_test

import (
	"testing"

	"github.com/roach88/durable/internal/oplog"
	"github.com/roach88/durable/internal/oplog/oplogtest"
)

func TestMemoryStorage_Conformance(t *testing.T) {
	oplogtest.RunIndexedStorage(t, func(t *testing.T) oplog.IndexedStorage {
		return oplog.NewMemoryStorage()
	})
}

func TestMemoryBlobStorage_Conformance(t *testing.T) {
	oplogtest.RunBlobStorage(t, func(t *testing.T) oplog.BlobStorage {
		return oplog.NewMemoryBlobStorage()
	})
}
