package chathub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	busv1 "github.com/mux-run/mux/internal/events/bus"
	"github.com/mux-run/mux/internal/workspace"
	ws "github.com/mux-run/mux/pkg/websocket"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// fakeChatService hosts a fixed set of workspace IDs locally; anything else
// misses with workspace.ErrNotFound, simulating a sibling process's
// workspace.
type fakeChatService struct {
	hosted    map[string]func(v1.ChatEvent)
	unsubs    []string
}

func (f *fakeChatService) SubscribeChat(_ context.Context, id string, listener func(v1.ChatEvent)) (func(), error) {
	if !contains(keysOf(f.hosted), id) {
		return nil, workspace.ErrNotFound
	}
	f.hosted[id] = listener
	return func() { f.unsubs = append(f.unsubs, id) }, nil
}

func keysOf(m map[string]func(v1.ChatEvent)) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func TestBridge_LocalWorkspaceDeliversToSubscriber(t *testing.T) {
	hub := NewHub(ws.NewDispatcher(), testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	svc := &fakeChatService{hosted: map[string]func(v1.ChatEvent){"ws-local": nil}}
	NewBridge(hub, svc, nil, "proc-a", testLogger(t))

	client := newTestClient(t, hub)
	hub.Register(client)
	hub.SubscribeToWorkspace(client, "ws-local")

	listener := svc.hosted["ws-local"]
	require.NotNil(t, listener, "bridge must have subscribed to the hosted workspace")

	listener(v1.ChatEvent{Kind: v1.ChatEventMessage})

	select {
	case data := <-client.send:
		require.Contains(t, string(data), "workspace.chat_event")
	case <-time.After(time.Second):
		t.Fatal("client never received the locally-hosted chat event")
	}
}

func TestBridge_RemoteWorkspaceFallsBackToBus(t *testing.T) {
	hub := NewHub(ws.NewDispatcher(), testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	bus := busv1.NewMemoryEventBus(testLogger(t))
	defer bus.Close()

	svc := &fakeChatService{hosted: map[string]func(v1.ChatEvent){}}
	NewBridge(hub, svc, bus, "proc-a", testLogger(t))

	client := newTestClient(t, hub)
	hub.Register(client)
	hub.SubscribeToWorkspace(client, "ws-remote")

	event, err := encodeChatEvent(v1.ChatEvent{Kind: v1.ChatEventCaughtUp})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), chatSubject("ws-remote"), busv1.NewEvent(chatSubject("ws-remote"), "proc-b", event)))

	select {
	case data := <-client.send:
		require.Contains(t, string(data), "caught-up")
	case <-time.After(time.Second):
		t.Fatal("client never received the bus-relayed chat event")
	}
}
