package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// scriptedAIService replays a fixed sequence of events for every
// StreamMessage call it receives, recording each request for inspection.
type scriptedAIService struct {
	mu       sync.Mutex
	events   []v1.StreamEvent
	requests []StreamRequest
}

func (f *scriptedAIService) StreamMessage(ctx context.Context, req StreamRequest) (<-chan v1.StreamEvent, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	events := f.events
	f.mu.Unlock()

	ch := make(chan v1.StreamEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (f *scriptedAIService) RequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestSession(t *testing.T, ai AIService) *AgentSession {
	t.Helper()
	counter := int64(0)
	s, err := New(Config{
		WorkspaceID: "ws-1",
		AIService:   ai,
		HistoryPath: filepath.Join(t.TempDir(), "history.ndjson"),
		Clock: func() int64 {
			counter++
			return counter
		},
	})
	require.NoError(t, err)
	return s
}

func TestSendMessage_RejectsEmptyMessage(t *testing.T) {
	s := newTestSession(t, &scriptedAIService{})
	err := s.SendMessage(context.Background(), SendRequest{})
	require.Error(t, err)
}

func TestSendMessage_AppendsUserMessageAndStreams(t *testing.T) {
	ai := &scriptedAIService{
		events: []v1.StreamEvent{
			{Kind: v1.StreamEventStart},
			{Kind: v1.StreamEventDelta, Part: &v1.Part{Kind: v1.PartKindText, Text: "hi there"}},
			{Kind: v1.StreamEventEnd},
		},
	}
	s := newTestSession(t, ai)

	err := s.SendMessage(context.Background(), SendRequest{Text: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, time.Second, 5*time.Millisecond)

	history := s.history.ReadAll()
	require.Len(t, history, 2)
	require.Equal(t, v1.RoleUser, history[0].Role)
	require.Equal(t, "hello", history[0].TextContent())
	require.Equal(t, v1.RoleAssistant, history[1].Role)
	require.Equal(t, "hi there", history[1].TextContent())
}

func TestSendMessage_RejectsWhileStreaming(t *testing.T) {
	blockCh := make(chan v1.StreamEvent)
	ai := &blockingAIService{ch: blockCh}
	s := newTestSession(t, ai)

	require.NoError(t, s.SendMessage(context.Background(), SendRequest{Text: "first"}))
	require.Eventually(t, func() bool { return s.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	err := s.SendMessage(context.Background(), SendRequest{Text: "second"})
	require.Error(t, err)

	close(blockCh)
}

type blockingAIService struct {
	ch chan v1.StreamEvent
}

func (b *blockingAIService) StreamMessage(ctx context.Context, req StreamRequest) (<-chan v1.StreamEvent, error) {
	return b.ch, nil
}

func TestInterruptStream_IsNoOpWhenIdle(t *testing.T) {
	s := newTestSession(t, &scriptedAIService{})
	require.NoError(t, s.InterruptStream(false))
}

func TestInterruptStream_AbandonsPartialAndReturnsIdle(t *testing.T) {
	blockCh := make(chan v1.StreamEvent, 1)
	ai := &blockingAIService{ch: blockCh}
	s := newTestSession(t, ai)

	require.NoError(t, s.SendMessage(context.Background(), SendRequest{Text: "hello"}))
	require.Eventually(t, func() bool { return s.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	blockCh <- v1.StreamEvent{Kind: v1.StreamEventStart}
	blockCh <- v1.StreamEvent{Kind: v1.StreamEventDelta, Part: &v1.Part{Kind: v1.PartKindText, Text: "partial text"}}

	require.Eventually(t, func() bool {
		_, ok := s.partial.Get()
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.InterruptStream(true))

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	history := s.history.ReadAll()
	require.Len(t, history, 1, "abandoned partial must not be committed to history")
}

func TestCompaction_SummarizesAndEmitsDeleteThenMessage(t *testing.T) {
	ai := &scriptedAIService{
		events: []v1.StreamEvent{
			{Kind: v1.StreamEventStart},
			{Kind: v1.StreamEventDelta, Part: &v1.Part{Kind: v1.PartKindText, Text: "SUMMARY"}},
			{Kind: v1.StreamEventEnd},
		},
	}
	s := newTestSession(t, ai)

	_, _ = s.history.Append(v1.HistoryMessage{ID: "u1", Role: v1.RoleUser})
	usage1 := v1.UsageStats{InputTokens: 100}
	_, _ = s.history.Append(v1.HistoryMessage{ID: "a1", Role: v1.RoleAssistant, Metadata: v1.MessageMetadata{Usage: &usage1}})
	_, _ = s.history.Append(v1.HistoryMessage{ID: "u2", Role: v1.RoleUser})
	usage2 := v1.UsageStats{InputTokens: 200}
	_, _ = s.history.Append(v1.HistoryMessage{ID: "a2", Role: v1.RoleAssistant, Metadata: v1.MessageMetadata{Usage: &usage2}})

	var mu sync.Mutex
	var kinds []v1.ChatEventKind
	unsubscribe := s.SubscribeChat(func(e v1.ChatEvent) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})
	defer unsubscribe()

	err := s.SendMessage(context.Background(), SendRequest{
		Text:     "/compact",
		Metadata: &v1.MuxMetadata{Type: v1.MuxMetadataTypeCompactionRequest, RawCommand: "/compact"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		h := s.history.ReadAll()
		return len(h) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	deleteIdx, msgIdx := -1, -1
	for i, k := range kinds {
		if k == v1.ChatEventDelete && deleteIdx == -1 {
			deleteIdx = i
		}
		if k == v1.ChatEventMessage && deleteIdx != -1 && msgIdx == -1 {
			msgIdx = i
		}
	}
	mu.Unlock()
	require.NotEqual(t, -1, deleteIdx, "expected a delete event")
	require.NotEqual(t, -1, msgIdx, "expected a message event after the delete")
	require.Less(t, deleteIdx, msgIdx, "delete must precede the compacted summary message")

	final := s.history.ReadAll()
	require.Len(t, final, 1)
	require.True(t, final[0].Metadata.Compacted)
	require.Equal(t, "SUMMARY", final[0].TextContent())
	require.NotNil(t, final[0].Metadata.HistoricalUsage)
	require.Equal(t, int64(300), final[0].Metadata.HistoricalUsage.InputTokens)
}

func TestQueueMessage_DrainsAfterStreamEnd(t *testing.T) {
	ai := &scriptedAIService{
		events: []v1.StreamEvent{
			{Kind: v1.StreamEventStart},
			{Kind: v1.StreamEventDelta, Part: &v1.Part{Kind: v1.PartKindText, Text: "ack"}},
			{Kind: v1.StreamEventEnd},
		},
	}
	s := newTestSession(t, ai)

	require.NoError(t, s.QueueMessage("queued while idle", nil, nil, nil))
	err := s.SendMessage(context.Background(), SendRequest{Text: "first"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ai.RequestCount() >= 2
	}, time.Second, 5*time.Millisecond, "queued message must be sent once the first stream ends")
}
