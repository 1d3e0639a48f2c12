package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/mux-run/mux/pkg/api/v1"
)

func TestPartialHolder_AppendPartBeforeStartReturnsFalse(t *testing.T) {
	p := newPartialHolder()
	_, ok := p.AppendPart(v1.Part{Kind: v1.PartKindText, Text: "hi"})
	require.False(t, ok)
}

func TestPartialHolder_CoalescesAdjacentTextDeltas(t *testing.T) {
	p := newPartialHolder()
	p.Start(v1.PartialMessage{ID: "asst-1", Role: v1.RoleAssistant})

	_, ok := p.AppendPart(v1.Part{Kind: v1.PartKindText, Text: "hello "})
	require.True(t, ok)
	snap, ok := p.AppendPart(v1.Part{Kind: v1.PartKindText, Text: "world"})
	require.True(t, ok)

	require.Len(t, snap.Parts, 1)
	require.Equal(t, "hello world", snap.Parts[0].Text)
}

func TestPartialHolder_ToolCallPartsAppendSeparately(t *testing.T) {
	p := newPartialHolder()
	p.Start(v1.PartialMessage{ID: "asst-1", Role: v1.RoleAssistant})

	_, _ = p.AppendPart(v1.Part{Kind: v1.PartKindText, Text: "thinking..."})
	snap, ok := p.AppendPart(v1.Part{Kind: v1.PartKindToolCall, ToolCallID: "t1", ToolName: "file_edit_write"})
	require.True(t, ok)
	require.Len(t, snap.Parts, 2)
	require.Equal(t, v1.PartKindToolCall, snap.Parts[1].Kind)
}

func TestPartialHolder_ClearDiscardsCurrent(t *testing.T) {
	p := newPartialHolder()
	p.Start(v1.PartialMessage{ID: "asst-1", Role: v1.RoleAssistant})
	p.Clear()

	_, ok := p.Get()
	require.False(t, ok)
}

func TestPartialHolder_StartReplacesPriorPartial(t *testing.T) {
	p := newPartialHolder()
	p.Start(v1.PartialMessage{ID: "asst-1", Role: v1.RoleAssistant})
	_, _ = p.AppendPart(v1.Part{Kind: v1.PartKindText, Text: "leftover"})

	p.Start(v1.PartialMessage{ID: "asst-2", Role: v1.RoleAssistant})
	snap, ok := p.Get()
	require.True(t, ok)
	require.Equal(t, "asst-2", snap.ID)
	require.Empty(t, snap.Parts)
}
