package session

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mux-run/mux/internal/common/constants"
	"github.com/mux-run/mux/internal/metrics"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

const (
	stallTickInterval = constants.StreamStallTickInterval
	stallWarnAfter    = constants.StreamStallWarnAfter
)

// streamPump drains one AIService event channel, maintaining the partial
// message, forwarding chat events, and running the queue/compaction
// triggers on stream-end/stream-abort/error.
type streamPump struct {
	session        *AgentSession
	triggeringUser v1.HistoryMessage
	model          string
	cancel         context.CancelFunc

	lastActivityUnixNano atomic.Int64
}

func (p *streamPump) run(ctx context.Context, events <-chan v1.StreamEvent) {
	s := p.session
	defer p.cancel()

	p.lastActivityUnixNano.Store(time.Now().UnixNano())

	stop := make(chan struct{})
	defer close(stop)
	go p.watchStall(stop)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			abandon := s.interruptAbandon
			s.mu.Unlock()
			p.finish(ctx, nil, abandon)
			return
		case event, ok := <-events:
			if !ok {
				p.finish(ctx, nil, false)
				return
			}
			p.lastActivityUnixNano.Store(time.Now().UnixNano())
			if terminal := p.handleEvent(ctx, event); terminal {
				return
			}
		}
	}
}

func (p *streamPump) watchStall(stop <-chan struct{}) {
	s := p.session
	ticker := time.NewTicker(stallTickInterval)
	defer ticker.Stop()

	warned := false
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			last := time.Unix(0, p.lastActivityUnixNano.Load())
			since := time.Since(last)
			if !warned && since >= stallWarnAfter {
				warned = true
				s.logger.Warn("no stream events received recently; session may be stalled",
					zap.Duration("since_last_activity", since))
			}
			if since < stallWarnAfter {
				warned = false
			}
		}
	}
}

// handleEvent processes one stream event. Returns true if the stream has
// reached a terminal state and the pump should stop.
func (p *streamPump) handleEvent(ctx context.Context, event v1.StreamEvent) bool {
	s := p.session

	switch event.Kind {
	case v1.StreamEventStart:
		s.partial.Start(v1.PartialMessage{
			ID:   newMessageID("asst", s.clock()),
			Role: v1.RoleAssistant,
			Metadata: v1.MessageMetadata{
				Model: p.model,
			},
		})
		return false

	case v1.StreamEventDelta, v1.StreamEventReasoningDelta:
		if event.Part != nil {
			if snap, ok := s.partial.AppendPart(*event.Part); ok {
				sp := snap
				s.bus.Emit(v1.ChatEvent{Kind: v1.ChatEventPartial, Partial: &sp})
			}
		}
		return false

	case v1.StreamEventToolCallStart, v1.StreamEventToolCallDelta:
		if event.Part != nil {
			if snap, ok := s.partial.AppendPart(*event.Part); ok {
				sp := snap
				s.bus.Emit(v1.ChatEvent{Kind: v1.ChatEventPartial, Partial: &sp})
			}
		}
		return false

	case v1.StreamEventToolCallEnd:
		if event.Part != nil {
			if snap, ok := s.partial.AppendPart(*event.Part); ok {
				sp := snap
				s.bus.Emit(v1.ChatEvent{Kind: v1.ChatEventPartial, Partial: &sp})
			}
			if strings.HasPrefix(event.Part.ToolName, "file_edit_") {
				s.attachments.NoteFileEdit(event.Part.FilePath)
			}
		}
		s.drainQueue(ctx)
		return false

	case v1.StreamEventReasoningEnd:
		return false

	case v1.StreamEventEnd:
		p.onStreamEnd(ctx, event, compactionTriggerStreamEnd, event.AbandonPartial)
		return true

	case v1.StreamEventAbort:
		p.onStreamEnd(ctx, event, compactionTriggerStreamAbort, event.AbandonPartial)
		return true

	case v1.StreamEventError:
		p.onStreamError(event)
		return true

	default:
		return false
	}
}

// finish handles ctx cancellation (interruptStream or process shutdown)
// and upstream channel closes that never delivered an explicit terminal
// event: both degrade to an abort.
func (p *streamPump) finish(ctx context.Context, _ *v1.StreamEvent, abandonPartial bool) {
	p.onStreamEnd(ctx, v1.StreamEvent{Kind: v1.StreamEventAbort, AbandonPartial: abandonPartial}, compactionTriggerStreamAbort, abandonPartial)
}

func (p *streamPump) onStreamError(event v1.StreamEvent) {
	s := p.session
	s.logger.Error("stream error", zap.String("error", event.Error))

	s.mu.Lock()
	s.state = StateIdle
	s.streamCancel = nil
	s.mu.Unlock()

	s.bus.Emit(v1.ChatEvent{Kind: v1.ChatEventStreamError, StreamErrorType: "stream_error", StreamErrorText: event.Error})
	s.restoreQueueToInput()
}

func (p *streamPump) onStreamEnd(ctx context.Context, event v1.StreamEvent, trigger compactionTrigger, abandonPartial bool) {
	s := p.session

	var finalText string
	var finalMsg *v1.HistoryMessage

	if abandonPartial {
		s.partial.Clear()
	} else if event.Message != nil {
		appended, err := s.history.Append(*event.Message)
		if err != nil {
			s.logger.Error("failed to append stream-end message", zap.Error(err))
		} else {
			finalMsg = &appended
			finalText = appended.TextContent()
		}
		s.partial.Clear()
	} else if partial, ok := s.partial.Get(); ok {
		text := partial.TextContent()
		if trigger == compactionTriggerStreamAbort {
			text += truncatedSentinel
		}
		msg := v1.HistoryMessage{
			ID:   partial.ID,
			Role: partial.Role,
			Parts: []v1.Part{
				{Kind: v1.PartKindText, Text: text},
			},
			Metadata: partial.Metadata,
		}
		appended, err := s.history.Append(msg)
		if err != nil {
			s.logger.Error("failed to commit partial at stream end", zap.Error(err))
		} else {
			finalMsg = &appended
			finalText = text
		}
		s.partial.Clear()
	}

	s.mu.Lock()
	s.state = StateIdle
	s.streamCancel = nil
	s.mu.Unlock()

	if finalMsg != nil {
		s.bus.Emit(v1.ChatEvent{Kind: v1.ChatEventMessage, Message: finalMsg})
	}

	shouldCompact := !abandonPartial && s.isCompactionRequest(p.triggeringUser)
	if shouldCompact {
		model := p.model
		if model == "" {
			model = s.defaultModel
		}
		s.compactIfUnprocessed(ctx, p.triggeringUser, finalText, model, trigger)
	}

	if p.triggeringUser.Metadata.MuxMetadata != nil && p.triggeringUser.Metadata.MuxMetadata.ContinueMessage != "" {
		_ = s.queue.Add(p.triggeringUser.Metadata.MuxMetadata.ContinueMessage, nil, nil, nil)
	}

	if trigger == compactionTriggerStreamAbort {
		s.restoreQueueToInput()
		return
	}
	s.drainQueue(ctx)
}

func (s *AgentSession) isCompactionRequest(msg v1.HistoryMessage) bool {
	return msg.Metadata.MuxMetadata != nil && msg.Metadata.MuxMetadata.Type == v1.MuxMetadataTypeCompactionRequest
}

func (s *AgentSession) compactIfUnprocessed(ctx context.Context, triggeringUser v1.HistoryMessage, summaryText, model string, trigger compactionTrigger) {
	s.mu.Lock()
	if _, done := s.processedCompacts[triggeringUser.ID]; done {
		s.mu.Unlock()
		return
	}
	s.processedCompacts[triggeringUser.ID] = struct{}{}
	s.mu.Unlock()

	_, span := traceCompaction(ctx, s.workspaceID, string(trigger))
	err := s.compact(summaryText, model, nil, nil, 0, 0)
	metrics.CompactionsTotal.WithLabelValues(string(trigger)).Inc()
	traceStreamResult(span, "ok", err)
	if err != nil {
		s.logger.Error("compaction failed", zap.Error(err))
	}
}

// drainQueue attempts to produce and send the next queued message, per the
// "queued-send triggers" on tool-call-end and stream-end. A send can only
// actually start from idle state, so the tool-call-end trigger (always
// mid-stream) is a safe no-op; it only does work once stream-end has
// already moved the session back to idle.
func (s *AgentSession) drainQueue(ctx context.Context) {
	if s.State() != StateIdle {
		return
	}
	produced, ok := s.queue.ProduceMessage()
	if !ok {
		return
	}
	s.bus.Emit(v1.ChatEvent{Kind: v1.ChatEventQueueChanged})

	err := s.SendMessage(ctx, SendRequest{
		Text:     produced.Text,
		Images:   produced.Images,
		Metadata: produced.Metadata,
		Options:  produced.Options,
	})
	if err != nil {
		s.logger.Error("failed to send drained queue message", zap.Error(err))
	}
}

// restoreQueueToInput discards the queue, handing its contents back to the
// caller as a restore-to-input chat event.
func (s *AgentSession) restoreQueueToInput() {
	produced, ok := s.queue.ProduceMessage()
	if !ok {
		return
	}
	s.bus.Emit(v1.ChatEvent{
		Kind:           v1.ChatEventRestoreInput,
		RestoredText:   produced.Text,
		RestoredImages: produced.Images,
	})
}
