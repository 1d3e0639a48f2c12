// Package session implements the per-workspace agent stream coordinator:
// history log, in-progress partial message, send/queue/resume/interrupt
// semantics, the idle/streaming state machine, and compaction.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/mux-run/mux/internal/common/appctx"
	"github.com/mux-run/mux/internal/common/logger"
	"github.com/mux-run/mux/internal/muxerr"
	"github.com/mux-run/mux/internal/session/messagequeue"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// State is the session's coarse stream state.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
)

// Config wires an AgentSession's dependencies. Only WorkspaceID and
// AIService are required; everything else has a workable zero value.
type Config struct {
	WorkspaceID string
	Logger      *logger.Logger

	AIService   AIService
	InitManager InitStateManager

	HistoryPath string

	DefaultModel          string
	DefaultToolPolicy     string
	DefaultThinkingPolicy string

	PlanReader   PlanReader
	DiffProvider DiffProvider

	// StopCh, when non-nil, bounds detached goroutines spawned by the
	// session (stall-warning ticker, stream pump) to the process lifetime.
	StopCh <-chan struct{}

	// Clock returns the current epoch-millis time. Overridable for tests;
	// defaults to time.Now().
	Clock func() int64
}

// SendRequest is the input to SendMessage.
type SendRequest struct {
	Text          string
	Images        []v1.MessageAttachment
	EditMessageID string
	Metadata      *v1.MuxMetadata
	Options       *v1.AISettings
}

// AgentSession is the lazily-created, per-workspace stream coordinator.
type AgentSession struct {
	workspaceID string
	logger      *logger.Logger

	aiService   AIService
	initManager InitStateManager

	history     *HistoryLog
	partial     *partialHolder
	queue       *messagequeue.Queue
	bus         *chatEventBus
	attachments *attachmentTracker

	plans PlanReader
	diffs DiffProvider

	defaultModel          string
	defaultToolPolicy     string
	defaultThinkingPolicy string

	stopCh <-chan struct{}
	clock  func() int64

	mu                sync.Mutex
	state             State
	streamCancel      context.CancelFunc
	interruptAbandon  bool // last abandonPartial requested via InterruptStream, consumed by the stream pump on ctx cancellation
	processedCompacts map[string]struct{}
}

// New creates a session. The history log is loaded from cfg.HistoryPath if
// it already exists.
func New(cfg Config) (*AgentSession, error) {
	history, err := NewHistoryLog(cfg.HistoryPath)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}

	return &AgentSession{
		workspaceID:           cfg.WorkspaceID,
		logger:                log.WithFields(zap.String("workspace_id", cfg.WorkspaceID)),
		aiService:             cfg.AIService,
		initManager:           cfg.InitManager,
		history:               history,
		partial:               newPartialHolder(),
		queue:                 messagequeue.New(),
		bus:                   newChatEventBus(),
		attachments:           newAttachmentTracker(),
		plans:                 cfg.PlanReader,
		diffs:                 cfg.DiffProvider,
		defaultModel:          cfg.DefaultModel,
		defaultToolPolicy:     cfg.DefaultToolPolicy,
		defaultThinkingPolicy: cfg.DefaultThinkingPolicy,
		stopCh:                cfg.StopCh,
		clock:                 clock,
		state:                 StateIdle,
		processedCompacts:     make(map[string]struct{}),
	}, nil
}

func nsFromMillis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// State returns the session's current coarse state.
func (s *AgentSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EmitChatEvent lets surrounding services (e.g. the workspace coordinator)
// push an out-of-band event, such as a queue-changed notice.
func (s *AgentSession) EmitChatEvent(event v1.ChatEvent) {
	s.bus.Emit(event)
}

// ClearQueue discards queued messages without producing one.
func (s *AgentSession) ClearQueue() {
	s.queue.Clear()
	s.bus.Emit(v1.ChatEvent{Kind: v1.ChatEventQueueChanged})
}

// QueueMessage appends to the pending queue without sending.
func (s *AgentSession) QueueMessage(text string, images []v1.MessageAttachment, metadata *v1.MuxMetadata, options *v1.AISettings) error {
	if err := s.queue.Add(text, images, metadata, options); err != nil {
		return err
	}
	s.bus.Emit(v1.ChatEvent{Kind: v1.ChatEventQueueChanged})
	return nil
}

// NotifyFileEdit records a file_edit_* tool end for the post-compaction
// attachment tracker.
func (s *AgentSession) NotifyFileEdit(path string) {
	s.attachments.NoteFileEdit(path)
}

// SetAttachmentTrackingEnabled toggles the optional post-compaction
// attachment offering.
func (s *AgentSession) SetAttachmentTrackingEnabled(enabled bool) {
	s.attachments.SetEnabled(enabled)
}

// SubscribeChat registers a listener and replays history, the live
// partial (if any), init-state, and a caught-up marker before forwarding
// live events, all with no re-ordering across the replay and subsequent
// live stream.
func (s *AgentSession) SubscribeChat(listener func(v1.ChatEvent)) func() {
	ch, unsubscribe := s.bus.Subscribe()

	history := s.history.ReadAll()
	listener(v1.ChatEvent{Kind: v1.ChatEventHistory, History: history})

	if partial, ok := s.partial.Get(); ok {
		p := partial
		listener(v1.ChatEvent{Kind: v1.ChatEventPartial, Partial: &p})
	}

	if s.initManager != nil {
		if init, ok := s.initManager.Current(s.workspaceID); ok {
			i := init
			listener(v1.ChatEvent{Kind: v1.ChatEventInitState, Init: &i})
		}
	}

	listener(v1.ChatEvent{Kind: v1.ChatEventCaughtUp})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range ch {
			listener(event)
		}
	}()

	return func() {
		unsubscribe()
		<-done
	}
}

// SendMessage requires idle state: a session mid-stream must be sent to
// via QueueMessage instead, since history appends only happen while idle
// or at compaction boundaries.
func (s *AgentSession) SendMessage(ctx context.Context, req SendRequest) error {
	if req.Text == "" && len(req.Images) == 0 {
		return muxerr.NewSendMessageError(muxerr.SendMessageReasonEmptyMessage, "message must have text or at least one image")
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return muxerr.NewSendMessageError(muxerr.SendMessageReasonUnknown, "session is currently streaming; queue the message instead")
	}
	s.mu.Unlock()

	if req.EditMessageID != "" {
		if _, err := s.history.TruncateAfter(req.EditMessageID); err != nil {
			if !errors.Is(err, ErrMessageNotFound) {
				return err
			}
			s.logger.Debug("edit target not found, treated as benign (likely compacted away)",
				zap.String("edit_message_id", req.EditMessageID))
		}
	}

	parts := make([]v1.Part, 0, 1+len(req.Images))
	if req.Text != "" {
		parts = append(parts, v1.Part{Kind: v1.PartKindText, Text: req.Text})
	}
	for _, img := range req.Images {
		parts = append(parts, v1.Part{Kind: v1.PartKindFile, MimeType: img.MimeType, Data: img.Data, FilePath: img.FilePath})
	}

	toolPolicy := s.defaultToolPolicy
	if req.Options != nil && req.Options.ToolPolicy != "" {
		toolPolicy = req.Options.ToolPolicy
	}

	userMsg := v1.HistoryMessage{
		ID:   newMessageID("user", s.clock()),
		Role: v1.RoleUser,
		Parts: parts,
		Metadata: v1.MessageMetadata{
			MuxMetadata: req.Metadata,
			ToolPolicy:  toolPolicy,
		},
	}

	appended, err := s.history.Append(userMsg)
	if err != nil {
		return err
	}
	s.bus.Emit(v1.ChatEvent{Kind: v1.ChatEventMessage, Message: &appended})

	s.commitLeftoverPartial()

	return s.startStream(ctx, appended, req.Options)
}

// ResumeStream re-streams the current history if the session isn't
// already streaming; a no-op (success) otherwise.
func (s *AgentSession) ResumeStream(ctx context.Context, options *v1.AISettings) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.startStream(ctx, v1.HistoryMessage{}, options)
}

// InterruptStream stops the underlying stream. Best-effort: returns
// success even if nothing was streaming.
func (s *AgentSession) InterruptStream(abandonPartial bool) error {
	s.mu.Lock()
	cancel := s.streamCancel
	s.interruptAbandon = abandonPartial
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	if abandonPartial {
		s.partial.Clear()
	}
	cancel()
	return nil
}

func (s *AgentSession) commitLeftoverPartial() {
	partial, ok := s.partial.Get()
	if !ok || len(partial.Parts) == 0 {
		return
	}
	msg := v1.HistoryMessage{
		ID:       partial.ID,
		Role:     partial.Role,
		Parts:    partial.Parts,
		Metadata: partial.Metadata,
	}
	appended, err := s.history.Append(msg)
	s.partial.Clear()
	if err != nil {
		s.logger.Error("failed to commit leftover partial before new send", zap.Error(err))
		return
	}
	s.bus.Emit(v1.ChatEvent{Kind: v1.ChatEventMessage, Message: &appended})
}

func (s *AgentSession) effectiveOptions(options *v1.AISettings) StreamRequest {
	req := StreamRequest{
		WorkspaceID:    s.workspaceID,
		History:        s.history.ReadAll(),
		Model:          s.defaultModel,
		ThinkingPolicy: s.defaultThinkingPolicy,
		ToolPolicy:     s.defaultToolPolicy,
		Options:        options,
	}
	if options != nil {
		if options.Model != "" {
			req.Model = options.Model
		}
		if options.ToolPolicy != "" {
			req.ToolPolicy = options.ToolPolicy
		}
	}
	return req
}

func (s *AgentSession) startStream(ctx context.Context, triggeringUserMsg v1.HistoryMessage, options *v1.AISettings) error {
	if s.aiService == nil {
		return muxerr.New(muxerr.KindSendMessage, "no AI service configured")
	}

	streamCtx, cancel := context.WithCancel(detachFromRequest(ctx, s.stopCh))

	s.mu.Lock()
	s.state = StateStreaming
	s.streamCancel = cancel
	s.interruptAbandon = false
	s.mu.Unlock()

	req := s.effectiveOptions(options)
	events, err := s.aiService.StreamMessage(streamCtx, req)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.state = StateIdle
		s.streamCancel = nil
		s.mu.Unlock()
		return classifyStreamStartErr(err)
	}

	pump := &streamPump{
		session:        s,
		triggeringUser: triggeringUserMsg,
		model:          req.Model,
		cancel:         cancel,
	}
	go pump.run(streamCtx, events)
	return nil
}

// jsonRPCMethodNotFound is the JSON-RPC 2.0 error code for "Method not found".
const jsonRPCMethodNotFound = -32601

// classifyStreamStartErr turns a StreamMessage failure into a muxerr with a
// Kind a caller can branch on. A provider transport built on the ACP wire
// protocol reports a missing capability (e.g. no vision support) as a
// *acp.RequestError with JSON-RPC code -32601; every other failure is a
// generic send failure.
func classifyStreamStartErr(err error) error {
	var reqErr *acp.RequestError
	if errors.As(err, &reqErr) && reqErr.Code == jsonRPCMethodNotFound {
		return muxerr.Wrap(muxerr.KindSendMessage, "agent does not support this request", err)
	}
	return muxerr.Wrap(muxerr.KindSendMessage, "start stream", err)
}

// detachFromRequest bounds a stream's lifetime to the session's stop
// channel rather than the originating request, since streams must outlive
// the RPC call that started them.
func detachFromRequest(parent context.Context, stopCh <-chan struct{}) context.Context {
	if stopCh == nil {
		return context.Background()
	}
	ctx, _ := appctx.Detached(parent, stopCh, 24*time.Hour)
	return ctx
}
