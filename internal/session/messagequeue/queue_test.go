package messagequeue

import (
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/mux-run/mux/pkg/api/v1"
)

func TestAdd_EmptyTextAndImagesIsSilentNoOp(t *testing.T) {
	q := New()
	err := q.Add("", nil, nil, nil)
	require.NoError(t, err)
	require.True(t, q.IsEmpty())
}

func TestAdd_JoinsMultipleTextsWithNewline(t *testing.T) {
	q := New()
	require.NoError(t, q.Add("first", nil, nil, nil))
	require.NoError(t, q.Add("second", nil, nil, nil))

	produced, ok := q.ProduceMessage()
	require.True(t, ok)
	require.Equal(t, "first\nsecond", produced.Text)
}

func TestAdd_FirstMuxMetadataIsPreserved(t *testing.T) {
	q := New()
	first := &v1.MuxMetadata{Type: v1.MuxMetadataTypeNormal, RawCommand: "first-command"}
	second := &v1.MuxMetadata{Type: v1.MuxMetadataTypeNormal, RawCommand: "second-command"}

	require.NoError(t, q.Add("a", nil, first, nil))
	require.NoError(t, q.Add("b", nil, second, nil))

	produced, ok := q.ProduceMessage()
	require.True(t, ok)
	require.Same(t, first, produced.Metadata)
}

func TestAdd_LatestOptionsOverwritePrior(t *testing.T) {
	q := New()
	require.NoError(t, q.Add("a", nil, nil, &v1.AISettings{Model: "model-a"}))
	require.NoError(t, q.Add("b", nil, nil, &v1.AISettings{Model: "model-b"}))

	produced, ok := q.ProduceMessage()
	require.True(t, ok)
	require.Equal(t, "model-b", produced.Options.Model)
}

func TestAdd_RejectsCompactionRequestOnNonEmptyQueue(t *testing.T) {
	q := New()
	require.NoError(t, q.Add("a", nil, nil, nil))

	err := q.Add("b", nil, &v1.MuxMetadata{Type: v1.MuxMetadataTypeCompactionRequest}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "queue already has messages")
}

func TestAdd_RejectsAgentSkillOnNonEmptyQueue(t *testing.T) {
	q := New()
	require.NoError(t, q.Add("a", nil, nil, nil))

	err := q.Add("b", nil, &v1.MuxMetadata{Type: v1.MuxMetadataTypeAgentSkill}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Cannot queue agent skill invocation: queue already has messages")
}

func TestAdd_AgentSkillBlocksAllFurtherAdditions(t *testing.T) {
	q := New()
	require.NoError(t, q.Add("skill", nil, &v1.MuxMetadata{Type: v1.MuxMetadataTypeAgentSkill, RawCommand: "/do-thing"}, nil))

	err := q.Add("unrelated", nil, nil, nil)
	require.Error(t, err)
}

func TestProduceMessage_SingleAgentSkillShowsRawCommand(t *testing.T) {
	q := New()
	require.NoError(t, q.Add("skill body", nil, &v1.MuxMetadata{Type: v1.MuxMetadataTypeAgentSkill, RawCommand: "/do-thing arg"}, nil))

	produced, ok := q.ProduceMessage()
	require.True(t, ok)
	require.Equal(t, "/do-thing arg", produced.Text)
}

func TestProduceMessage_SingleCompactionRequestShowsRawCommand(t *testing.T) {
	q := New()
	require.NoError(t, q.Add("ignored body", nil, &v1.MuxMetadata{Type: v1.MuxMetadataTypeCompactionRequest, RawCommand: "/compact"}, nil))

	produced, ok := q.ProduceMessage()
	require.True(t, ok)
	require.Equal(t, "/compact", produced.Text)
}

func TestProduceMessage_EmptyQueueReturnsFalse(t *testing.T) {
	q := New()
	_, ok := q.ProduceMessage()
	require.False(t, ok)
}

func TestProduceMessage_ClearsQueueAfterDraining(t *testing.T) {
	q := New()
	require.NoError(t, q.Add("a", nil, nil, nil))
	_, ok := q.ProduceMessage()
	require.True(t, ok)
	require.True(t, q.IsEmpty())
}

func TestClear_DiscardsWithoutProducing(t *testing.T) {
	q := New()
	require.NoError(t, q.Add("a", nil, nil, nil))
	q.Clear()
	require.True(t, q.IsEmpty())
	_, ok := q.ProduceMessage()
	require.False(t, ok)
}
