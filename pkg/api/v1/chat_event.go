package v1

// PartialMessage is the transient, in-progress assistant message held
// outside history until the stream settles.
type PartialMessage struct {
	ID       string          `json:"id"`
	Role     Role            `json:"role"`
	Parts    []Part          `json:"parts"`
	Metadata MessageMetadata `json:"metadata"`
}

// TextContent concatenates every text part of the partial, in order.
func (p PartialMessage) TextContent() string {
	var sb []byte
	for _, part := range p.Parts {
		if part.Kind == PartKindText {
			sb = append(sb, part.Text...)
		}
	}
	return string(sb)
}

// StreamEventKind discriminates the AIService event stream a session
// attaches listeners to.
type StreamEventKind string

const (
	StreamEventStart           StreamEventKind = "stream-start"
	StreamEventDelta           StreamEventKind = "stream-delta"
	StreamEventToolCallStart   StreamEventKind = "tool-call-start"
	StreamEventToolCallDelta   StreamEventKind = "tool-call-delta"
	StreamEventToolCallEnd     StreamEventKind = "tool-call-end"
	StreamEventReasoningDelta  StreamEventKind = "reasoning-delta"
	StreamEventReasoningEnd    StreamEventKind = "reasoning-end"
	StreamEventEnd             StreamEventKind = "stream-end"
	StreamEventAbort           StreamEventKind = "stream-abort"
	StreamEventError           StreamEventKind = "error"
)

// StreamEvent is one event emitted by the AI provider stream pump.
type StreamEvent struct {
	Kind StreamEventKind `json:"kind"`

	// Common to most part-bearing events.
	Part *Part `json:"part,omitempty"`

	// StreamEventEnd / StreamEventAbort
	Message        *HistoryMessage `json:"message,omitempty"`
	AbandonPartial bool            `json:"abandonPartial,omitempty"`

	// StreamEventError
	Error string `json:"error,omitempty"`
}

// InitEventKind discriminates InitStateManager replay events.
type InitEventKind string

const (
	InitEventProgress InitEventKind = "init-progress"
	InitEventReady    InitEventKind = "init-ready"
	InitEventFailed   InitEventKind = "init-failed"
)

// InitEvent is one event from the workspace's InitStateManager.
type InitEvent struct {
	Kind    InitEventKind `json:"kind"`
	Message string        `json:"message,omitempty"`
}

// ChatEventKind discriminates the events a session emits to its
// subscribers.
type ChatEventKind string

const (
	ChatEventHistory       ChatEventKind = "history"
	ChatEventPartial       ChatEventKind = "partial"
	ChatEventInitState     ChatEventKind = "init-state"
	ChatEventCaughtUp      ChatEventKind = "caught-up"
	ChatEventMessage       ChatEventKind = "message"
	ChatEventDelete        ChatEventKind = "delete"
	ChatEventStreamError   ChatEventKind = "stream-error"
	ChatEventRestoreInput  ChatEventKind = "restore-to-input"
	ChatEventQueueChanged  ChatEventKind = "queue-changed"
)

// ChatEvent is the uniform envelope delivered to every chat subscriber, in
// emission order with no re-ordering.
type ChatEvent struct {
	Kind ChatEventKind `json:"kind"`

	History []HistoryMessage `json:"history,omitempty"`
	Partial *PartialMessage  `json:"partial,omitempty"`
	Init    *InitEvent       `json:"init,omitempty"`
	Message *HistoryMessage  `json:"message,omitempty"`

	// ChatEventDelete
	HistorySequences []int64 `json:"historySequences,omitempty"`

	// ChatEventStreamError
	StreamErrorType string `json:"streamErrorType,omitempty"`
	StreamErrorText string `json:"streamErrorText,omitempty"`

	// ChatEventRestoreInput
	RestoredText   string              `json:"restoredText,omitempty"`
	RestoredImages []MessageAttachment `json:"restoredImages,omitempty"`
}
