package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/oplog"
)

func TestSpyOplog_RecordsCalls(t *testing.T) {
	ctx := context.Background()
	clock := NewDeterministicClock()
	inner, err := oplog.Create(ctx, oplog.NewMemoryStorage(), oplog.NewMemoryBlobStorage(), "spy",
		oplog.NewCreate(clock.Now(), "spy", 0, nil, nil))
	require.NoError(t, err)

	spy := NewSpyOplog(inner)
	idx, err := spy.Add(ctx, oplog.NewNoOp(clock.Now()))
	require.NoError(t, err)
	_, err = spy.Read(ctx, idx)
	require.NoError(t, err)
	require.NoError(t, spy.Commit(ctx, oplog.CommitAlways))

	assert.Equal(t, []string{"Add", "Read", "Commit"}, spy.Calls())
	assert.Equal(t, 1, spy.Count("Read"))
	assert.Equal(t, 2, spy.Writes())
	assert.Equal(t, oplog.Index(2), spy.CurrentOplogIndex(ctx))
}
