package workspace

import (
	"context"

	"github.com/mux-run/mux/internal/muxerr"
	"github.com/mux-run/mux/internal/session"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// unconfiguredAIService is the AIServiceFactory default: a process wired up
// without a real provider SDK still needs every other layer (runtime,
// sshpool, federation, chathub) to work end to end, so SessionFor never
// fails outright for lack of one. StreamMessage only errors once a caller
// actually tries to start a turn.
type unconfiguredAIService struct{}

var _ session.AIService = unconfiguredAIService{}

func (unconfiguredAIService) StreamMessage(ctx context.Context, req session.StreamRequest) (<-chan v1.StreamEvent, error) {
	return nil, muxerr.New(muxerr.KindUnknown, "no AI provider configured for this workspace")
}

// UnconfiguredAIService returns the default AIService a process wires in
// when it has no real provider SDK behind it.
func UnconfiguredAIService() session.AIService {
	return unconfiguredAIService{}
}
