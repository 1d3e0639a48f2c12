package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newInPlaceWorkspace(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	store := newMemStore()
	rf := NewRuntimeFactory(nil, nil, nil, nil, nil)
	svc := newTestService(t, store, rf)

	meta, err := svc.CreateWorkspace(context.Background(), CreateWorkspaceRequest{
		Name:          "feature-a",
		ProjectPath:   dir,
		RuntimeConfig: localConfig(""),
	})
	require.NoError(t, err)
	return svc, meta.ID
}

func TestRuntimePlanReader_ReadsPlanFile(t *testing.T) {
	svc, id := newInPlaceWorkspace(t)
	meta, err := svc.Get(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(meta.ProjectPath, "PLAN.md"), []byte("do the thing"), 0o644))

	content, ok, err := svc.cfg.PlanReader.ReadPlan(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "do the thing", content)
}

func TestRuntimePlanReader_NoFileReturnsNotOK(t *testing.T) {
	svc, id := newInPlaceWorkspace(t)

	_, ok, err := svc.cfg.PlanReader.ReadPlan(context.Background(), id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRuntimeDiffProvider_DiffsTrackedFile(t *testing.T) {
	svc, id := newInPlaceWorkspace(t)
	meta, err := svc.Get(context.Background(), id)
	require.NoError(t, err)

	runGit(t, meta.ProjectPath, "init")
	runGit(t, meta.ProjectPath, "config", "user.email", "test@example.com")
	runGit(t, meta.ProjectPath, "config", "user.name", "test")

	target := filepath.Join(meta.ProjectPath, "file.txt")
	require.NoError(t, os.WriteFile(target, []byte("v1\n"), 0o644))
	runGit(t, meta.ProjectPath, "add", "file.txt")
	runGit(t, meta.ProjectPath, "commit", "-m", "initial")

	require.NoError(t, os.WriteFile(target, []byte("v2\n"), 0o644))

	diff, truncated, err := svc.cfg.DiffProvider.Diff(context.Background(), id, "file.txt")
	require.NoError(t, err)
	require.False(t, truncated)
	require.Contains(t, diff, "-v1")
	require.Contains(t, diff, "+v2")
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}
