// Package federation implements the router-level proxy that forwards agent
// session operations to remote mux peers: decoding namespaced
// remote.<serverId>.<remoteId> ids, forwarding the bare operation upstream,
// and rewriting id-bearing fields back across the boundary in both
// directions.
package federation

import (
	"sync"
	"time"

	"github.com/mux-run/mux/internal/common/config"
)

// Registry holds the configured remote servers plus the liveness table the
// sweeper maintains and the proxy consults before forwarding.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]config.RemoteServerConfig

	unreachable map[string]time.Time // serverID -> when it was last observed down
}

// NewRegistry builds a Registry from the configured remote server list.
func NewRegistry(servers []config.RemoteServerConfig) *Registry {
	m := make(map[string]config.RemoteServerConfig, len(servers))
	for _, s := range servers {
		m[s.ID] = s
	}
	return &Registry{
		servers:     m,
		unreachable: make(map[string]time.Time),
	}
}

// Lookup resolves a serverId to its configured base URL and auth token.
func (r *Registry) Lookup(serverID string) (config.RemoteServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[serverID]
	return s, ok
}

// ServerIDs returns every configured server id, for the liveness sweeper to
// iterate over.
func (r *Registry) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	return ids
}

// MarkUnreachable records that a server failed its last liveness probe.
func (r *Registry) MarkUnreachable(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable[serverID] = time.Now()
}

// MarkReachable clears any unreachable mark for a server.
func (r *Registry) MarkReachable(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unreachable, serverID)
}

// IsUnreachable reports whether the last liveness sweep marked serverID
// down. The proxy consults this to fail fast instead of waiting out a
// request timeout.
func (r *Registry) IsUnreachable(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, down := r.unreachable[serverID]
	return down
}
