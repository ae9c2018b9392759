package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAssignsIdentityFields(t *testing.T) {
	e, err := New(KindContentChanged, ContentChangedPayload{AgentID: "a1", Path: "src/a.py"})
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)
	require.Empty(t, e.CorrelationID, "correlation id must not be auto-filled to the event's own id")
	require.Zero(t, e.Seq, "seq is assigned by the store, not at construction")
}

func TestNewFromParentInheritsCorrelation(t *testing.T) {
	parent, err := New(KindManualTrigger, ManualTriggerPayload{}, WithCorrelationID("chain-1"), WithToAgent("A1"))
	require.NoError(t, err)

	child, err := NewFromParent(parent, KindAgentMessage, AgentMessagePayload{Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, "chain-1", child.CorrelationID)
	require.Equal(t, "A1", child.FromAgent)
}

func TestNewFromParentStartsChainFromParentID(t *testing.T) {
	parent, err := New(KindManualTrigger, ManualTriggerPayload{})
	require.NoError(t, err)
	require.Empty(t, parent.CorrelationID)

	child, err := NewFromParent(parent, KindAgentMessage, AgentMessagePayload{})
	require.NoError(t, err)
	require.Equal(t, parent.ID, child.CorrelationID)
}

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec()
	orig, err := New(KindToolCall, ToolCallPayload{ID: "t1", Name: "write_file"},
		WithCorrelationID("c1"), WithFromAgent("A1"), WithToAgent("A2"),
		WithPath("src/a.py"), WithTags("important"))
	require.NoError(t, err)
	orig.Seq = 42

	data, err := codec.Encode(orig)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	require.Equal(t, orig, decoded)
}

func TestCodecDecodeUnknownKindPreservesRawBytes(t *testing.T) {
	codec := NewCodec()
	raw := []byte(`{"id":"x","kind":"SomeFutureKind","payload":{"a":1}}`)

	decoded, err := codec.Decode(raw)
	require.Error(t, err)
	require.NotNil(t, decoded, "the envelope must still be returned, not dropped")

	var unkErr *UnknownKindError
	require.ErrorAs(t, err, &unkErr)
	require.Equal(t, Kind("SomeFutureKind"), unkErr.Kind)
	require.Equal(t, raw, unkErr.Raw)
}

func TestHasAllTags(t *testing.T) {
	e := &Envelope{Tags: []string{"a", "b", "c"}}
	require.True(t, e.HasAllTags([]string{"a", "c"}))
	require.False(t, e.HasAllTags([]string{"a", "d"}))
	require.True(t, e.HasAllTags(nil))
}

func TestTypedPayload(t *testing.T) {
	e, err := New(KindFileSaved, FileSavedPayload{Path: "src/a.py"})
	require.NoError(t, err)

	p, err := TypedPayload[FileSavedPayload](e)
	require.NoError(t, err)
	require.Equal(t, "src/a.py", p.Path)
}
