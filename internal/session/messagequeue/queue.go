// Package messagequeue implements the per-workspace stream-time message
// queue: an ordered accumulation of messages typed while the agent is
// streaming, with batching invariants that prevent compaction requests and
// agent-skill invocations from silently merging with unrelated sends.
package messagequeue

import (
	"strings"
	"sync"

	"github.com/mux-run/mux/internal/muxerr"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// Queue is the ordered pending-message accumulator for a single workspace's
// agent session. All invariant violations are programmer errors
// except the two silent no-ops called out below.
type Queue struct {
	mu sync.Mutex

	texts  []string
	images []v1.MessageAttachment

	firstMetadata *v1.MuxMetadata

	latestOptions    *v1.AISettings
	agentSkillQueued bool
}

func New() *Queue {
	return &Queue{}
}

// Add appends a message to the queue. Empty text with no images is a
// silent no-op. Adding a compaction-request or agent-skill to a non-empty
// queue rejects; once an agent-skill has been queued, every further
// addition rejects regardless of its own metadata.
func (q *Queue) Add(text string, images []v1.MessageAttachment, metadata *v1.MuxMetadata, options *v1.AISettings) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return nil
	}

	if q.agentSkillQueued {
		return muxerr.NewSendMessageError(muxerr.SendMessageReasonQueueRejected, "cannot queue: an agent skill invocation already occupies the queue")
	}

	nonEmpty := len(q.texts) > 0 || len(q.images) > 0
	if nonEmpty && metadata != nil {
		switch metadata.Type {
		case v1.MuxMetadataTypeCompactionRequest:
			return muxerr.NewSendMessageError(muxerr.SendMessageReasonQueueRejected, "Cannot queue compaction request: queue already has messages.")
		case v1.MuxMetadataTypeAgentSkill:
			return muxerr.NewSendMessageError(muxerr.SendMessageReasonQueueRejected, "Cannot queue agent skill invocation: queue already has messages.")
		}
	}

	if q.firstMetadata == nil && metadata != nil {
		q.firstMetadata = metadata
	}

	if text != "" {
		q.texts = append(q.texts, text)
	}
	q.images = append(q.images, images...)

	if options != nil {
		q.latestOptions = options
	}

	if metadata != nil && metadata.Type == v1.MuxMetadataTypeAgentSkill {
		q.agentSkillQueued = true
	}
	return nil
}

func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.texts) == 0 && len(q.images) == 0
}

// Clear discards the queue contents without producing a message.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reset()
}

func (q *Queue) reset() {
	q.texts = nil
	q.images = nil
	q.firstMetadata = nil
	q.latestOptions = nil
	q.agentSkillQueued = false
}

// Produced is the flattened result of draining the queue.
type Produced struct {
	Text     string
	Metadata *v1.MuxMetadata
	Images   []v1.MessageAttachment
	Options  *v1.AISettings
}

// ProduceMessage yields the final joined text, the preserved or latest
// metadata, and accumulated images, then clears the queue. A single
// compaction-request or agent-skill message displays its RawCommand
// instead of its literal text; otherwise messages are joined by "\n".
func (q *Queue) ProduceMessage() (Produced, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.texts) == 0 && len(q.images) == 0 {
		return Produced{}, false
	}

	text := strings.Join(q.texts, "\n")
	if len(q.texts) == 1 && q.firstMetadata != nil {
		switch q.firstMetadata.Type {
		case v1.MuxMetadataTypeCompactionRequest, v1.MuxMetadataTypeAgentSkill:
			text = q.firstMetadata.RawCommand
		}
	}

	produced := Produced{
		Text:     text,
		Metadata: q.firstMetadata,
		Images:   q.images,
		Options:  q.latestOptions,
	}
	q.reset()
	return produced, true
}
