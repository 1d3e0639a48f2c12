// Package chathub is the gorilla/websocket transport that fans a
// workspace's chat events out to every browser tab subscribed to it. It
// sits between workspace.Service.SubscribeChat (the in-process source of
// truth) and any number of WebSocket clients, so a slow or disconnected
// client never blocks the agent session it is watching.
package chathub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mux-run/mux/internal/common/logger"
	ws "github.com/mux-run/mux/pkg/websocket"
	"go.uber.org/zap"
)

// Hub owns the set of connected clients and their per-workspace
// subscriptions. One Hub serves an entire process; Bridge attaches it to
// workspace.Service.
type Hub struct {
	clients map[*Client]bool

	// workspaceSubscribers maps a workspace ID to the clients currently
	// watching it.
	workspaceSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan hubBroadcast

	dispatcher *ws.Dispatcher

	// onFirstSubscriber/onLastUnsubscriber let a Bridge lazily attach and
	// detach the upstream workspace.Service.SubscribeChat feed: the hub
	// itself has no notion of workspace.Service.
	onFirstSubscriber  func(workspaceID string)
	onLastUnsubscriber func(workspaceID string)

	mu     sync.RWMutex
	logger *logger.Logger
}

type hubBroadcast struct {
	workspaceID string
	msg         *ws.Message
}

// NewHub creates a Hub. dispatcher routes any non-subscription action a
// client sends (currently none are defined, but the dispatcher keeps the
// protocol extensible without another message-routing layer).
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:              make(map[*Client]bool),
		workspaceSubscribers: make(map[string]map[*Client]bool),
		register:             make(chan *Client),
		unregister:           make(chan *Client),
		broadcast:            make(chan hubBroadcast, 256),
		dispatcher:           dispatcher,
		logger:               log.WithFields(zap.String("component", "chat_hub")),
	}
}

// SetSubscriptionHooks wires the callbacks a Bridge uses to start/stop the
// upstream feed for a workspace. Must be called before Run.
func (h *Hub) SetSubscriptionHooks(onFirst, onLast func(workspaceID string)) {
	h.onFirstSubscriber = onFirst
	h.onLastUnsubscriber = onLast
}

// Run drives the hub's register/unregister/broadcast loop until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("chat hub started")
	defer h.logger.Info("chat hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case b := <-h.broadcast:
			h.deliver(b.workspaceID, b.msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.workspaceSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	var drained []string
	for workspaceID := range client.subscriptions {
		if clients, ok := h.workspaceSubscribers[workspaceID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.workspaceSubscribers, workspaceID)
				drained = append(drained, workspaceID)
			}
		}
	}
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()

	for _, workspaceID := range drained {
		h.notifyLastUnsubscriber(workspaceID)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// BroadcastToWorkspace enqueues msg for every client currently subscribed
// to workspaceID. Delivery itself happens on the hub's own goroutine; the
// enqueue is a send on the hub's buffered broadcast channel, so it blocks
// only while that buffer is full.
func (h *Hub) BroadcastToWorkspace(workspaceID string, msg *ws.Message) {
	h.broadcast <- hubBroadcast{workspaceID: workspaceID, msg: msg}
}

func (h *Hub) deliver(workspaceID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal chat notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := h.workspaceSubscribers[workspaceID]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client send buffer full, dropping notification",
				zap.String("client_id", client.ID),
				zap.String("workspace_id", workspaceID))
		}
	}
}

// SubscribeToWorkspace attaches client to workspaceID's fan-out set. The
// first subscriber for a workspace triggers onFirstSubscriber so a Bridge
// can open the upstream feed exactly once.
func (h *Hub) SubscribeToWorkspace(client *Client, workspaceID string) {
	h.mu.Lock()
	clients, ok := h.workspaceSubscribers[workspaceID]
	if !ok {
		clients = make(map[*Client]bool)
		h.workspaceSubscribers[workspaceID] = clients
	}
	first := len(clients) == 0
	clients[client] = true
	client.subscriptions[workspaceID] = true
	h.mu.Unlock()

	h.logger.Debug("client subscribed to workspace",
		zap.String("client_id", client.ID),
		zap.String("workspace_id", workspaceID))

	if first && h.onFirstSubscriber != nil {
		h.onFirstSubscriber(workspaceID)
	}
}

// UnsubscribeFromWorkspace detaches client from workspaceID. The last
// subscriber leaving triggers onLastUnsubscriber so the Bridge can close
// the upstream feed.
func (h *Hub) UnsubscribeFromWorkspace(client *Client, workspaceID string) {
	h.mu.Lock()
	delete(client.subscriptions, workspaceID)
	drained := false
	if clients, ok := h.workspaceSubscribers[workspaceID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.workspaceSubscribers, workspaceID)
			drained = true
		}
	}
	h.mu.Unlock()

	if drained {
		h.notifyLastUnsubscriber(workspaceID)
	}
}

func (h *Hub) notifyLastUnsubscriber(workspaceID string) {
	if h.onLastUnsubscriber != nil {
		h.onLastUnsubscriber(workspaceID)
	}
}

// GetClientCount reports how many connections are currently registered.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher for non-subscription actions.
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}
