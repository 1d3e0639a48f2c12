package workspace

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/mux-run/mux/internal/runtime"
	"github.com/mux-run/mux/internal/session"
)

// planFileName is the well-known plan file a workspace's agent may leave
// at its workspace root, read back as a post-compaction attachment.
const planFileName = "PLAN.md"

// runtimePlanReader is the default session.PlanReader: it reads
// planFileName off the workspace's own runtime, so no caller needs to wire
// a PlanReader explicitly unless they want to override the file name or
// source.
type runtimePlanReader struct{ svc *Service }

func (r runtimePlanReader) ReadPlan(ctx context.Context, workspaceID string) (string, bool, error) {
	meta, err := r.svc.Get(ctx, workspaceID)
	if err != nil {
		return "", false, err
	}
	rt, err := r.svc.runtimeFor(ctx, meta)
	if err != nil {
		return "", false, err
	}

	path := filepath.Join(rt.GetWorkspacePath(meta.ProjectPath, meta.Name), planFileName)
	f, err := rt.ReadFile(ctx, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return "", false, err
	}
	return string(content), true, nil
}

var _ session.PlanReader = runtimePlanReader{}

// maxDiffBytes bounds the diff content a runtimeDiffProvider returns before
// truncating, matching the attachment tracker's "implementation-defined
// size" contract.
const maxDiffBytes = 64 * 1024

// runtimeDiffProvider is the default session.DiffProvider: it shells out to
// `git diff` against HEAD for the single path, scoped to the workspace's
// checkout root via the runtime's Exec.
type runtimeDiffProvider struct{ svc *Service }

func (r runtimeDiffProvider) Diff(ctx context.Context, workspaceID, path string) (string, bool, error) {
	meta, err := r.svc.Get(ctx, workspaceID)
	if err != nil {
		return "", false, err
	}
	rt, err := r.svc.runtimeFor(ctx, meta)
	if err != nil {
		return "", false, err
	}

	cwd := rt.GetWorkspacePath(meta.ProjectPath, meta.Name)
	stream, err := rt.Exec(ctx, "git diff --no-color -- "+runtime.ShellQuote(path), runtime.ExecOptions{Cwd: cwd})
	if err != nil {
		return "", false, err
	}

	var out bytes.Buffer
	_, _ = io.Copy(&out, stream.Stdout)
	if _, _, err := stream.Wait(ctx); err != nil {
		return "", false, err
	}

	diff := out.String()
	if len(diff) > maxDiffBytes {
		return diff[:maxDiffBytes], true, nil
	}
	return diff, false, nil
}

var _ session.DiffProvider = runtimeDiffProvider{}
