package session

import (
	"github.com/mux-run/mux/internal/metrics"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// compactionTrigger records why a compaction ran, for tracing and logs.
type compactionTrigger string

const (
	compactionTriggerStreamEnd   compactionTrigger = "stream-end"
	compactionTriggerStreamAbort compactionTrigger = "stream-abort"
)

// truncatedSentinel is appended to the accumulated text when a
// compaction-request is accepted off a stream-abort rather than a clean
// stream-end.
const truncatedSentinel = "\n\n[truncated]"

// cumulativeUsage walks history in order and sums assistant-message usage,
// starting from the last compacted message's historicalUsage if present
//. A message already carrying historicalUsage resets the running
// base rather than being summed again, since it already represents
// everything before it.
func cumulativeUsage(history []v1.HistoryMessage) v1.UsageStats {
	var running v1.UsageStats
	for _, msg := range history {
		if msg.Metadata.HistoricalUsage != nil {
			running = *msg.Metadata.HistoricalUsage
		}
		if msg.Role == v1.RoleAssistant && msg.Metadata.Usage != nil {
			running = running.Add(*msg.Metadata.Usage)
		}
	}
	return running
}

// compact runs the five-step compaction procedure atomically against the
// history log and emits the resulting delete + summary events.
func (s *AgentSession) compact(summaryText string, model string, usage *v1.UsageStats, providerMetadata map[string]any, durationMS int64, systemMessageTokens int64) error {
	history := s.history.ReadAll()
	historicalUsage := cumulativeUsage(history)

	deleted, err := s.history.ClearAll()
	if err != nil {
		return err
	}
	s.attachments.Reset()

	summary := v1.HistoryMessage{
		ID:   newMessageID("summary", s.clock()),
		Role: v1.RoleAssistant,
		Parts: []v1.Part{
			{Kind: v1.PartKindText, Text: summaryText},
		},
		Metadata: v1.MessageMetadata{
			Model:               model,
			Usage:               usage,
			HistoricalUsage:     &historicalUsage,
			Compacted:           true,
			ProviderMetadata:    providerMetadata,
			Duration:            nsFromMillis(durationMS),
			SystemMessageTokens: systemMessageTokens,
			MuxMetadata:         &v1.MuxMetadata{Type: v1.MuxMetadataTypeNormal},
		},
	}
	appended, err := s.history.AppendSummary(summary)
	if err != nil {
		return err
	}

	s.bus.Emit(v1.ChatEvent{Kind: v1.ChatEventDelete, HistorySequences: deleted})
	s.bus.Emit(v1.ChatEvent{Kind: v1.ChatEventMessage, Message: &appended})
	return nil
}
