package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestError_MessageIncludesContext(t *testing.T) {
	err := New(CodeReplayMismatch, "unexpected oplog entry").
		WithWorker("c1/w1").
		WithFunction("http::get").
		WithIndex(42)

	assert.Equal(t,
		"REPLAY_MISMATCH: unexpected oplog entry (worker=c1/w1, function=http::get, index=42)",
		err.Error())
}

func TestError_WrapAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeOplogWrite, "append failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestError_WithCopies(t *testing.T) {
	base := New(CodeEntryNotFound, "missing")
	annotated := base.WithIndex(7)

	assert.Equal(t, uint64(0), base.Index)
	assert.Equal(t, uint64(7), annotated.Index)
}

func TestHelpers_MatchWrappedErrors(t *testing.T) {
	err := fmt.Errorf("replay: %w", New(CodeReplayMismatch, "diverged"))

	assert.True(t, IsReplayMismatch(err))
	assert.False(t, IsEntryNotFound(err))
	assert.Equal(t, CodeReplayMismatch, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.False(t, HasCode(nil, CodeReplayMismatch))
}

func TestIsFatal_SeparatesDurabilityFromRouting(t *testing.T) {
	fatal := []Code{CodeReplayMismatch, CodeEntryNotFound, CodeSerialization, CodeOplogWrite}
	for _, c := range fatal {
		assert.True(t, IsFatal(New(c, "x")), c)
		assert.False(t, IsRetryable(New(c, "x")), c)
	}

	retryable := []Code{CodeCommitTimeout, CodeInvalidShardID, CodeShardAssignmentMissing}
	for _, c := range retryable {
		assert.False(t, IsFatal(New(c, "x")), c)
		assert.True(t, IsRetryable(New(c, "x")), c)
	}
}

func TestGRPCStatus_ShardMismatchIsDistinct(t *testing.T) {
	shardErr := &Error{
		Code:    CodeInvalidShardID,
		Message: "worker is not owned by this executor",
		Worker:  "c1/w1",
		Shard:   &ShardMismatch{Actual: 3, Assigned: []int64{0, 1}},
	}
	replayErr := New(CodeReplayMismatch, "diverged")

	assert.Equal(t, codes.FailedPrecondition, status.Code(shardErr))
	assert.Equal(t, codes.DataLoss, status.Code(replayErr))
}

func TestFromStatus_RoundTrip(t *testing.T) {
	original := New(CodeCommitTimeout, "replicas did not acknowledge").
		WithWorker("c1/w1").
		WithIndex(12)

	st, ok := status.FromError(original)
	require.True(t, ok)

	rebuilt := FromStatus(st)
	require.NotNil(t, rebuilt)
	assert.Equal(t, CodeCommitTimeout, rebuilt.Code)
	assert.Equal(t, "c1/w1", rebuilt.Worker)
	assert.Equal(t, uint64(12), rebuilt.Index)
}

func TestFromStatus_WithoutDetails(t *testing.T) {
	assert.Nil(t, FromStatus(status.New(codes.Internal, "boom")))
	assert.Nil(t, FromStatus(nil))
}
