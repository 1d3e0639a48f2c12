package session

import (
	"context"

	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// StreamRequest is everything the AI provider needs to resume or start a
// stream: the full history it should see, the effective model, and the
// per-send options.
type StreamRequest struct {
	WorkspaceID    string
	History        []v1.HistoryMessage
	Model          string
	ThinkingPolicy string
	ToolPolicy     string
	Options        *v1.AISettings
}

// AIService is the pluggable provider-streaming boundary a session drives.
// Implementations own the actual model call; the session only consumes the
// resulting event channel.
type AIService interface {
	StreamMessage(ctx context.Context, req StreamRequest) (<-chan v1.StreamEvent, error)
}

// InitStateManager exposes a workspace's init-progress replay stream.
type InitStateManager interface {
	Subscribe(workspaceID string) (<-chan v1.InitEvent, func())
	Current(workspaceID string) (v1.InitEvent, bool)
}
