package chathub

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	busv1 "github.com/mux-run/mux/internal/events/bus"

	"github.com/mux-run/mux/internal/common/logger"
	"github.com/mux-run/mux/internal/workspace"
	ws "github.com/mux-run/mux/pkg/websocket"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// ChatService is the subset of workspace.Service the bridge depends on.
type ChatService interface {
	SubscribeChat(ctx context.Context, id string, listener func(v1.ChatEvent)) (unsubscribe func(), err error)
}

// chatSubject is the event-bus subject a workspace's chat events are
// republished under, so a sibling muxd process that doesn't hold the
// Session in memory can still serve subscribers connected to it.
func chatSubject(workspaceID string) string {
	return "chat." + workspaceID
}

// Bridge wires a Hub to a local ChatService and, when an EventBus is
// supplied, to the rest of a clustered deployment: chat events produced by
// whichever process owns a workspace's Session are republished onto the
// bus, and a process whose local SubscribeChat misses (the workspace isn't
// hosted there) falls back to the bus subscription instead.
type Bridge struct {
	hub     *Hub
	service ChatService
	bus     busv1.EventBus // nil disables cross-process fan-out
	source  string
	logger  *logger.Logger

	mu     sync.Mutex
	feeds  map[string]func() // workspaceID -> upstream unsubscribe
}

// NewBridge builds a Bridge and wires it into hub's subscription hooks.
// bus may be nil for a single-process deployment.
func NewBridge(hub *Hub, service ChatService, bus busv1.EventBus, source string, log *logger.Logger) *Bridge {
	b := &Bridge{
		hub:     hub,
		service: service,
		bus:     bus,
		source:  source,
		logger:  log.WithFields(zap.String("component", "chat_bridge")),
		feeds:   make(map[string]func()),
	}
	hub.SetSubscriptionHooks(b.onFirstSubscriber, b.onLastUnsubscriber)
	return b
}

func (b *Bridge) onFirstSubscriber(workspaceID string) {
	ctx := context.Background()

	unsubscribeLocal, err := b.service.SubscribeChat(ctx, workspaceID, func(event v1.ChatEvent) {
		b.publishLocal(workspaceID, event)
		b.republish(ctx, workspaceID, event)
	})
	if err == nil {
		b.mu.Lock()
		b.feeds[workspaceID] = unsubscribeLocal
		b.mu.Unlock()
		return
	}

	if !errors.Is(err, workspace.ErrNotFound) || b.bus == nil {
		b.logger.Error("failed to subscribe to workspace chat feed",
			zap.String("workspace_id", workspaceID), zap.Error(err))
		return
	}

	// Not hosted on this process: fall back to whatever sibling
	// republishes this workspace's events onto the bus.
	sub, err := b.bus.Subscribe(chatSubject(workspaceID), func(_ context.Context, e *busv1.Event) error {
		event, ok := decodeChatEvent(e)
		if !ok {
			return nil
		}
		b.publishLocal(workspaceID, event)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to remote chat feed",
			zap.String("workspace_id", workspaceID), zap.Error(err))
		return
	}

	b.mu.Lock()
	b.feeds[workspaceID] = func() { _ = sub.Unsubscribe() }
	b.mu.Unlock()
}

func (b *Bridge) onLastUnsubscriber(workspaceID string) {
	b.mu.Lock()
	unsubscribe, ok := b.feeds[workspaceID]
	delete(b.feeds, workspaceID)
	b.mu.Unlock()

	if ok {
		unsubscribe()
	}
}

// publishLocal delivers event to this process's WebSocket clients watching
// workspaceID.
func (b *Bridge) publishLocal(workspaceID string, event v1.ChatEvent) {
	msg, err := ws.NewNotification(ws.ActionChatEvent, event)
	if err != nil {
		b.logger.Error("failed to build chat notification", zap.Error(err))
		return
	}
	b.hub.BroadcastToWorkspace(workspaceID, msg)
}

// republish publishes event onto the bus so sibling processes without a
// local Session for this workspace can still serve it.
func (b *Bridge) republish(ctx context.Context, workspaceID string, event v1.ChatEvent) {
	if b.bus == nil {
		return
	}
	data, err := encodeChatEvent(event)
	if err != nil {
		b.logger.Error("failed to encode chat event for bus", zap.Error(err))
		return
	}
	busEvent := busv1.NewEvent(chatSubject(workspaceID), b.source, data)
	if err := b.bus.Publish(ctx, chatSubject(workspaceID), busEvent); err != nil {
		b.logger.Error("failed to publish chat event to bus",
			zap.String("workspace_id", workspaceID), zap.Error(err))
	}
}
