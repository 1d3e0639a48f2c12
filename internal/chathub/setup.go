package chathub

import (
	"context"

	"github.com/gin-gonic/gin"

	busv1 "github.com/mux-run/mux/internal/events/bus"

	"github.com/mux-run/mux/internal/common/logger"
	"github.com/mux-run/mux/internal/metrics"
	ws "github.com/mux-run/mux/pkg/websocket"
)

// Gateway bundles the hub, bridge, and HTTP handler a caller needs to serve
// workspace chat events over WebSocket.
type Gateway struct {
	Hub        *Hub
	Bridge     *Bridge
	Dispatcher *ws.Dispatcher
	Handler    *Handler
}

// NewGateway wires a Hub to service for chat delivery and, if bus is
// non-nil, republishes chat events for cross-process fan-out under the
// given source name (typically the process's federation server ID).
func NewGateway(service ChatService, bus busv1.EventBus, source string, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	registerHealthHandler(dispatcher)

	hub := NewHub(dispatcher, log)
	bridge := NewBridge(hub, service, bus, source, log)

	return &Gateway{
		Hub:        hub,
		Bridge:     bridge,
		Dispatcher: dispatcher,
		Handler:    NewHandler(hub, log),
	}
}

// Run starts the hub's processing loop; it returns when ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	g.Hub.Run(ctx)
}

// SetupRoutes mounts the chat WebSocket endpoint and the Prometheus scrape
// endpoint on router.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/api/v1/ws/chat", g.Handler.HandleConnection)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

func registerHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "chathub",
		})
	})
}
