package federation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mux-run/mux/internal/common/config"
)

func TestRegistry_LookupAndLiveness(t *testing.T) {
	r := NewRegistry([]config.RemoteServerConfig{
		{ID: "srv1", BaseURL: "https://peer.example"},
	})

	srv, ok := r.Lookup("srv1")
	require.True(t, ok)
	require.Equal(t, "https://peer.example", srv.BaseURL)

	_, ok = r.Lookup("unknown")
	require.False(t, ok)

	require.False(t, r.IsUnreachable("srv1"))
	r.MarkUnreachable("srv1")
	require.True(t, r.IsUnreachable("srv1"))
	r.MarkReachable("srv1")
	require.False(t, r.IsUnreachable("srv1"))
}

func TestRegistry_ServerIDs(t *testing.T) {
	r := NewRegistry([]config.RemoteServerConfig{
		{ID: "a"}, {ID: "b"},
	})
	ids := r.ServerIDs()
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}
