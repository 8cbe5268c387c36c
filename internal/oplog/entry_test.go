package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_EncodeDecodeKeepsEquality(t *testing.T) {
	begin := Index(4)
	entries := []Entry{
		NewCreate(1700000000000, "c1/w1", 3, []string{"--flag"}, map[string]string{"K": "V"}),
		NewImportedFunctionInvoked(1700000000001, "http::get", InlinePayload([]byte(`"u"`)), InlinePayload([]byte(`{"s":200}`)),
			FunctionType{Kind: WriteRemoteBatched, Begin: &begin}),
		NewImportedFunctionInvoked(1700000000002, "blob::read", InlinePayload([]byte("r")),
			Payload{External: &ExternalPayload{Key: "abc", Size: 99}}, FunctionType{Kind: ReadRemote}),
		NewEndRemoteWrite(1700000000003, 4),
		NewLog(1700000000004, LevelWarn, "stdout", "hello"),
	}
	for _, e := range entries {
		data, err := EncodeEntry(e)
		require.NoError(t, err, e.Kind)
		got, err := DecodeEntry(data)
		require.NoError(t, err, e.Kind)
		assert.Equal(t, e, got, e.Kind)
	}
}

func TestEntry_ValidateRejectsIncompleteVariants(t *testing.T) {
	_, err := EncodeEntry(Entry{Kind: "bogus"})
	assert.Error(t, err)

	_, err = EncodeEntry(Entry{Kind: KindImportedFunctionInvoked, FunctionName: "f"})
	assert.Error(t, err)

	_, err = EncodeEntry(Entry{Kind: KindEndRemoteWrite})
	assert.Error(t, err)

	_, err = DecodeEntry([]byte(`{"kind":"no-op","timestamp":1,"unexpected":true}`))
	assert.Error(t, err)
}

func TestEntry_IsHint(t *testing.T) {
	hints := []Entry{NewSuspend(0), NewError(0, "x"), NewInterrupted(0), NewExited(0), NewLog(0, LevelInfo, "", "")}
	for _, e := range hints {
		assert.True(t, e.IsHint(), e.Kind)
	}
	notHints := []Entry{NewNoOp(0), NewBeginRemoteWrite(0), NewEndAtomicRegion(0, 1), NewRestart(0)}
	for _, e := range notHints {
		assert.False(t, e.IsHint(), e.Kind)
	}
}

func TestEntry_Summary(t *testing.T) {
	e := NewImportedFunctionInvoked(0, "http::get", InlinePayload([]byte("ab")), InlinePayload([]byte("abcd")), FunctionType{Kind: ReadRemote})
	assert.Equal(t, "imported-function-invoked http::get read-remote request=2B response=4B", e.Summary())
	assert.Equal(t, `log [info] ctx: msg`, NewLog(0, LevelInfo, "ctx", "msg").Summary())
}

func TestIndex_Helpers(t *testing.T) {
	assert.Equal(t, Index(2), InitialIndex.Next())
	assert.Equal(t, NoIndex, NoIndex.Previous())
	assert.Equal(t, uint64(3), Index(2).Range(4))
	assert.Equal(t, uint64(0), Index(5).Range(4))
}

func TestCommitLevel_String(t *testing.T) {
	assert.Equal(t, "immediate", CommitImmediate.String())
	assert.Equal(t, "always+3-replicas", CommitReplicated(3).String())
}

func TestParseLogLevel(t *testing.T) {
	l, err := ParseLogLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, l)

	_, err = ParseLogLevel("loud")
	assert.Error(t, err)
}
