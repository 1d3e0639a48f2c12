package session

import (
	"context"
	"sync"
)

// EditedFile is one file touched by a `file_edit_*` tool call since the
// last compaction.
type EditedFile struct {
	Path      string
	Diff      string
	Truncated bool
}

// PlanReader reads the well-known per-workspace plan file. Returns ok=false
// if no plan file exists.
type PlanReader interface {
	ReadPlan(ctx context.Context, workspaceID string) (content string, ok bool, err error)
}

// DiffProvider computes a diff for one edited path, truncating past an
// implementation-defined size and reporting that it did.
type DiffProvider interface {
	Diff(ctx context.Context, workspaceID, path string) (diff string, truncated bool, err error)
}

// attachmentTracker accumulates paths touched by file_edit_* tool calls
// between compactions, offering them as a snapshot attachment set on the
// next send. Disabled by default: a session only tracks once enabled,
// since most workspaces never opt into this mode.
type attachmentTracker struct {
	mu      sync.Mutex
	enabled bool
	edited  map[string]struct{}
}

func newAttachmentTracker() *attachmentTracker {
	return &attachmentTracker{edited: make(map[string]struct{})}
}

func (t *attachmentTracker) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// NoteFileEdit records a file_edit_* tool end observed during streaming.
func (t *attachmentTracker) NoteFileEdit(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.edited[path] = struct{}{}
}

// Reset clears accumulated edits, called once per compaction.
func (t *attachmentTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edited = make(map[string]struct{})
}

// Drain returns and clears the tracked paths not present in excluded.
func (t *attachmentTracker) Drain(excluded map[string]struct{}) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || len(t.edited) == 0 {
		return nil
	}
	paths := make([]string, 0, len(t.edited))
	for path := range t.edited {
		if _, skip := excluded[path]; skip {
			continue
		}
		paths = append(paths, path)
	}
	t.edited = make(map[string]struct{})
	return paths
}

// BuildSendAttachments produces the optional plan-file and edited-files
// attachments for the next outgoing send, given the caller's exclusion
// set. Returns nil, nil, nil when the tracker is disabled or there is
// nothing to offer.
func (t *attachmentTracker) BuildSendAttachments(ctx context.Context, workspaceID string, plans PlanReader, diffs DiffProvider, excluded map[string]struct{}) (planContent string, hasPlan bool, files []EditedFile, err error) {
	paths := t.Drain(excluded)
	if plans != nil {
		planContent, hasPlan, err = plans.ReadPlan(ctx, workspaceID)
		if err != nil {
			return "", false, nil, err
		}
	}
	if diffs == nil || len(paths) == 0 {
		return planContent, hasPlan, nil, nil
	}
	files = make([]EditedFile, 0, len(paths))
	for _, path := range paths {
		diff, truncated, derr := diffs.Diff(ctx, workspaceID, path)
		if derr != nil {
			continue
		}
		files = append(files, EditedFile{Path: path, Diff: diff, Truncated: truncated})
	}
	return planContent, hasPlan, files, nil
}
