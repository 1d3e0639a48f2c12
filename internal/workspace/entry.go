package workspace

import (
	"sync"

	"github.com/mux-run/mux/internal/runtime"
	"github.com/mux-run/mux/internal/session"
)

// entry is the lazily-populated per-workspace runtime + agent session
// pair. A workspace accumulates its runtime handle on first use and its
// session on first send/subscribe; both are cheap to recreate, so a
// missing field just means "not built yet", not an error.
type entry struct {
	mu sync.Mutex

	runtime runtime.Runtime
	session *session.AgentSession
}
