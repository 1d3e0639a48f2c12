package v1

import "time"

// Role identifies who produced a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartKind discriminates the union of content parts a message can carry.
type PartKind string

const (
	PartKindText       PartKind = "text"
	PartKindToolCall   PartKind = "tool-call"
	PartKindToolResult PartKind = "tool-result"
	PartKindFile       PartKind = "file"
)

// Part is one ordered element of a message's content.
type Part struct {
	Kind PartKind `json:"kind"`

	// PartKindText
	Text string `json:"text,omitempty"`

	// PartKindToolCall / PartKindToolResult
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  map[string]any  `json:"toolInput,omitempty"`
	ToolOutput map[string]any  `json:"toolOutput,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	// PartKindFile
	FilePath string `json:"filePath,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64, present for image/file attachments
}

// UsageStats records provider-reported token usage for one assistant
// message, used to compute historicalUsage across compactions.
type UsageStats struct {
	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int64 `json:"cacheWriteTokens,omitempty"`
}

// Add returns the element-wise sum of two usage snapshots.
func (u UsageStats) Add(o UsageStats) UsageStats {
	return UsageStats{
		InputTokens:      u.InputTokens + o.InputTokens,
		OutputTokens:     u.OutputTokens + o.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + o.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + o.CacheWriteTokens,
	}
}

// MuxMetadataType discriminates special handling triggered by a message's
// MuxMetadata tag.
type MuxMetadataType string

const (
	MuxMetadataTypeNormal            MuxMetadataType = "normal"
	MuxMetadataTypeCompactionRequest MuxMetadataType = "compaction-request"
	MuxMetadataTypeAgentSkill        MuxMetadataType = "agent-skill"
)

// MuxMetadata tags a message with mux-specific routing information that
// rides alongside the raw chat content.
type MuxMetadata struct {
	Type            MuxMetadataType `json:"type"`
	RawCommand      string          `json:"rawCommand,omitempty"`
	ContinueMessage string          `json:"continueMessage,omitempty"`
}

// MessageMetadata carries provenance and accounting data for a message.
type MessageMetadata struct {
	Model              string       `json:"model,omitempty"`
	Usage              *UsageStats  `json:"usage,omitempty"`
	StartedAt          *time.Time   `json:"startedAt,omitempty"`
	EndedAt            *time.Time   `json:"endedAt,omitempty"`
	Duration           time.Duration `json:"duration,omitempty"`
	MuxMetadata        *MuxMetadata `json:"muxMetadata,omitempty"`
	HistoricalUsage    *UsageStats  `json:"historicalUsage,omitempty"`
	Compacted          bool         `json:"compacted,omitempty"`
	ProviderMetadata   map[string]any `json:"providerMetadata,omitempty"`
	SystemMessageTokens int64       `json:"systemMessageTokens,omitempty"`
	ToolPolicy         string       `json:"toolPolicy,omitempty"`
}

// HistoryMessage is one entry in a workspace's append-only history log.
type HistoryMessage struct {
	ID              string          `json:"id"`
	Role            Role            `json:"role"`
	Parts           []Part          `json:"parts"`
	Metadata        MessageMetadata `json:"metadata"`
	HistorySequence int64           `json:"historySequence"`
}

// TextContent concatenates every text part of the message, in order.
func (m HistoryMessage) TextContent() string {
	var sb []byte
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			sb = append(sb, p.Text...)
		}
	}
	return string(sb)
}

// MessageAttachment is an image (or other file) part supplied alongside a
// user's text when sending a message.
type MessageAttachment struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
	FilePath string `json:"filePath,omitempty"`
}
