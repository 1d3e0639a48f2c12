package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/mux-run/mux/internal/muxerr"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// ErrMessageNotFound is returned by TruncateAfter when the given message id
// isn't in the log. Callers on the edit path treat this as benign.
var ErrMessageNotFound = errors.New("history: message not found")

// HistoryLog is the append-only, per-workspace sequence of chat messages
//. Sequence numbers are dense and strictly increasing and never
// reused, even across a full clear, so cached client state never collides
// with a sequence minted after a compaction. The file lock is per-workspace
//: in-process appends take the mutex and
// hit the file with O_APPEND; clear/truncate rewrite the whole file via
// temp-then-rename so a reader never observes a half-written log.
type HistoryLog struct {
	mu           sync.Mutex
	path         string
	messages     []v1.HistoryMessage
	nextSequence int64
}

// NewHistoryLog loads an existing log from path, if present, or starts
// empty.
func NewHistoryLog(path string) (*HistoryLog, error) {
	h := &HistoryLog{path: path}
	if err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *HistoryLog) load() error {
	f, err := os.Open(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "open history log "+h.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg v1.HistoryMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return muxerr.Wrap(muxerr.KindFileIO, "parse history log "+h.path, err)
		}
		h.messages = append(h.messages, msg)
		if msg.HistorySequence >= h.nextSequence {
			h.nextSequence = msg.HistorySequence + 1
		}
	}
	if err := scanner.Err(); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "scan history log "+h.path, err)
	}
	return nil
}

// ReadAll returns a copy of the current history in sequence order.
func (h *HistoryLog) ReadAll() []v1.HistoryMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]v1.HistoryMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

// Append assigns the next dense sequence number, stores the message, and
// appends it as one NDJSON line.
func (h *HistoryLog) Append(msg v1.HistoryMessage) (v1.HistoryMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg.HistorySequence = h.nextSequence
	h.nextSequence++
	h.messages = append(h.messages, msg)

	if err := h.appendLine(msg); err != nil {
		return v1.HistoryMessage{}, err
	}
	return msg, nil
}

func (h *HistoryLog) appendLine(msg v1.HistoryMessage) error {
	if h.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "prepare history log dir", err)
	}
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "open history log for append", err)
	}
	defer f.Close()

	encoded, err := json.Marshal(msg)
	if err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "marshal history message", err)
	}
	encoded = append(encoded, '\n')
	if _, err := f.Write(encoded); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "append history log", err)
	}
	return nil
}

// TruncateAfter drops every message strictly after the one with id,
// returning the dropped sequence numbers in ascending order. Used both for
// user-initiated edits (editMessageId) and is not used by compaction
// (which clears the whole log instead).
func (h *HistoryLog) TruncateAfter(id string) ([]int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	index := -1
	for i, m := range h.messages {
		if m.ID == id {
			index = i
			break
		}
	}
	if index == -1 {
		return nil, ErrMessageNotFound
	}

	var dropped []int64
	for _, m := range h.messages[index+1:] {
		dropped = append(dropped, m.HistorySequence)
	}
	h.messages = h.messages[:index+1]

	if err := h.rewrite(); err != nil {
		return nil, err
	}
	return dropped, nil
}

// ClearAll atomically drops every message, returning the dropped sequence
// numbers in ascending order. The sequence counter is not reset.
func (h *HistoryLog) ClearAll() ([]int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := make([]int64, 0, len(h.messages))
	for _, m := range h.messages {
		dropped = append(dropped, m.HistorySequence)
	}
	h.messages = nil

	if err := h.rewrite(); err != nil {
		return nil, err
	}
	return dropped, nil
}

// AppendSummary appends a single post-compaction summary message. It's the
// same Append, with the same sequencing, exposed under its own name so call
// sites read like the compaction procedure they implement.
func (h *HistoryLog) AppendSummary(msg v1.HistoryMessage) (v1.HistoryMessage, error) {
	return h.Append(msg)
}

func (h *HistoryLog) rewrite() error {
	if h.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "prepare history log dir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(h.path), filepath.Base(h.path)+".tmp.*")
	if err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "create temp history log", err)
	}
	tmpPath := tmp.Name()

	writer := bufio.NewWriter(tmp)
	for _, msg := range h.messages {
		encoded, err := json.Marshal(msg)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return muxerr.Wrap(muxerr.KindFileIO, "marshal history message", err)
		}
		if _, err := writer.Write(append(encoded, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return muxerr.Wrap(muxerr.KindFileIO, "write temp history log", err)
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return muxerr.Wrap(muxerr.KindFileIO, "flush temp history log", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return muxerr.Wrap(muxerr.KindFileIO, "close temp history log", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		os.Remove(tmpPath)
		return muxerr.Wrap(muxerr.KindFileIO, "rename temp history log into place", err)
	}
	return nil
}
