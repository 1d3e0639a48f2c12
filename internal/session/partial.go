package session

import (
	"sync"

	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// partialHolder tracks the at-most-one in-progress assistant message for a
// workspace. It is replaced wholesale on every stream-start and
// cleared on stream-end/abort once the finished message (if any) has
// been appended to history. A stream error leaves it in place; the next
// send commits it to history first.
type partialHolder struct {
	mu      sync.Mutex
	current *v1.PartialMessage
}

func newPartialHolder() *partialHolder {
	return &partialHolder{}
}

// Start installs a new empty partial for a freshly started stream.
func (p *partialHolder) Start(msg v1.PartialMessage) v1.PartialMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = &msg
	return msg
}

// AppendPart appends or merges a delta part into the current partial.
// A text part that follows another text part coalesces onto it (no id is
// compared); everything else appends as a new part. Returns the updated
// snapshot and false if there is no active partial (the stream already
// ended or was never started).
func (p *partialHolder) AppendPart(part v1.Part) (v1.PartialMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return v1.PartialMessage{}, false
	}

	parts := p.current.Parts
	if n := len(parts); n > 0 {
		last := &parts[n-1]
		if last.Kind == part.Kind && part.Kind == v1.PartKindText {
			last.Text += part.Text
			p.current.Parts = parts
			return *p.current, true
		}
	}
	p.current.Parts = append(parts, part)
	return *p.current, true
}

// Get returns the current partial, if any.
func (p *partialHolder) Get() (v1.PartialMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return v1.PartialMessage{}, false
	}
	return *p.current, true
}

// Clear discards the current partial, used once its finished content (if
// any) has been committed to history, or it's abandoned outright.
func (p *partialHolder) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
}
