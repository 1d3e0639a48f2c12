package federation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRewriteInbound_DecodesKnownIDFields(t *testing.T) {
	in := map[string]any{
		"workspaceId": "remote.srv1.W",
		"taskId":      "remote.srv1.task-1",
		"note":        "remote.srv1.not-an-id-field-value-passthrough",
	}

	out, ok := RewriteInbound(in).(map[string]any)
	require.True(t, ok)
	require.Equal(t, "W", out["workspaceId"])
	require.Equal(t, "task-1", out["taskId"])
	require.Equal(t, "remote.srv1.not-an-id-field-value-passthrough", out["note"], "only id-bearing fields are rewritten")
}

func TestRewriteOutbound_EncodesAndIsIdempotent(t *testing.T) {
	in := map[string]any{
		"workspaceId":       "W",
		"taskId":            "task-W",
		"sourceWorkspaceId": "remote.srv1.already-encoded",
	}

	out, ok := RewriteOutbound(in, "srv1").(map[string]any)
	require.True(t, ok)
	require.Equal(t, "remote.srv1.W", out["workspaceId"])
	require.Equal(t, "remote.srv1.task-W", out["taskId"])
	require.Equal(t, "remote.srv1.already-encoded", out["sourceWorkspaceId"], "encoding an already-encoded id must not double-wrap it")
}

func TestRewrite_HandlesLegacyNestedResultMetadataID(t *testing.T) {
	in := map[string]any{
		"result": map[string]any{
			"metadata": map[string]any{
				"id": "W",
			},
		},
	}

	out, ok := RewriteOutbound(in, "srv1").(map[string]any)
	require.True(t, ok)
	result := out["result"].(map[string]any)
	metadata := result["metadata"].(map[string]any)
	require.Equal(t, "remote.srv1.W", metadata["id"])
}

func TestRewrite_RewritesStringSliceIDLists(t *testing.T) {
	in := map[string]any{
		"task_ids": []any{"a", "b"},
	}

	out, ok := RewriteOutbound(in, "srv1").(map[string]any)
	require.True(t, ok)
	ids := out["task_ids"].([]any)
	require.Equal(t, []any{"remote.srv1.a", "remote.srv1.b"}, ids)
}

func TestRewrite_WalksArraysOfObjects(t *testing.T) {
	in := map[string]any{
		"items": []any{
			map[string]any{"id": "x"},
			map[string]any{"id": "y"},
		},
	}

	out, ok := RewriteOutbound(in, "srv1").(map[string]any)
	require.True(t, ok)
	items := out["items"].([]any)
	require.Len(t, items, 2)
	require.Equal(t, "remote.srv1.x", items[0].(map[string]any)["id"])
	require.Equal(t, "remote.srv1.y", items[1].(map[string]any)["id"])
}

func TestRewrite_StopsAtMaxDepth(t *testing.T) {
	var deep any = map[string]any{"id": "bottom"}
	for i := 0; i < maxRewriteDepth+5; i++ {
		deep = map[string]any{"nested": deep}
	}

	out := RewriteOutbound(deep, "srv1")
	require.NotNil(t, out, "walk must terminate instead of recursing forever")
}
