package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/mux-run/mux/pkg/api/v1"
)

func TestHistoryLog_AppendAssignsDenseSequences(t *testing.T) {
	h, err := NewHistoryLog(filepath.Join(t.TempDir(), "history.ndjson"))
	require.NoError(t, err)

	a, err := h.Append(v1.HistoryMessage{ID: "a", Role: v1.RoleUser})
	require.NoError(t, err)
	b, err := h.Append(v1.HistoryMessage{ID: "b", Role: v1.RoleAssistant})
	require.NoError(t, err)

	require.Equal(t, int64(0), a.HistorySequence)
	require.Equal(t, int64(1), b.HistorySequence)
}

func TestHistoryLog_ReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.ndjson")

	h1, err := NewHistoryLog(path)
	require.NoError(t, err)
	_, err = h1.Append(v1.HistoryMessage{ID: "a", Role: v1.RoleUser})
	require.NoError(t, err)
	_, err = h1.Append(v1.HistoryMessage{ID: "b", Role: v1.RoleAssistant})
	require.NoError(t, err)

	h2, err := NewHistoryLog(path)
	require.NoError(t, err)
	reloaded := h2.ReadAll()
	require.Len(t, reloaded, 2)
	require.Equal(t, "a", reloaded[0].ID)
	require.Equal(t, "b", reloaded[1].ID)

	c, err := h2.Append(v1.HistoryMessage{ID: "c"})
	require.NoError(t, err)
	require.Equal(t, int64(2), c.HistorySequence, "sequence counter must continue past the reloaded max, never reset")
}

func TestHistoryLog_TruncateAfterDropsTrailingMessages(t *testing.T) {
	h, err := NewHistoryLog(filepath.Join(t.TempDir(), "history.ndjson"))
	require.NoError(t, err)

	_, _ = h.Append(v1.HistoryMessage{ID: "a"})
	_, _ = h.Append(v1.HistoryMessage{ID: "b"})
	_, _ = h.Append(v1.HistoryMessage{ID: "c"})

	dropped, err := h.TruncateAfter("a")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, dropped)
	require.Len(t, h.ReadAll(), 1)
}

func TestHistoryLog_TruncateAfterNotFoundIsTolerableSentinel(t *testing.T) {
	h, err := NewHistoryLog(filepath.Join(t.TempDir(), "history.ndjson"))
	require.NoError(t, err)
	_, _ = h.Append(v1.HistoryMessage{ID: "a"})

	_, err = h.TruncateAfter("does-not-exist")
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestHistoryLog_ClearAllDropsEverythingButNeverResetsSequence(t *testing.T) {
	h, err := NewHistoryLog(filepath.Join(t.TempDir(), "history.ndjson"))
	require.NoError(t, err)

	_, _ = h.Append(v1.HistoryMessage{ID: "a"})
	_, _ = h.Append(v1.HistoryMessage{ID: "b"})

	dropped, err := h.ClearAll()
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1}, dropped)
	require.Empty(t, h.ReadAll())

	next, err := h.Append(v1.HistoryMessage{ID: "c"})
	require.NoError(t, err)
	require.Equal(t, int64(2), next.HistorySequence, "sequences must never be reused, even across a full clear")
}

func TestHistoryLog_RewriteSurvivesAsRenamedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.ndjson")
	h, err := NewHistoryLog(path)
	require.NoError(t, err)

	_, _ = h.Append(v1.HistoryMessage{ID: "a"})
	_, _ = h.Append(v1.HistoryMessage{ID: "b"})
	_, err = h.TruncateAfter("a")
	require.NoError(t, err)

	reloaded, err := NewHistoryLog(path)
	require.NoError(t, err)
	require.Len(t, reloaded.ReadAll(), 1)
}
