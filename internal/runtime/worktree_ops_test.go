package runtime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mux-run/mux/internal/common/logger"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestWorktreeOps_CreateAndRemove(t *testing.T) {
	repo := initTestRepo(t)
	worktreePath := filepath.Join(t.TempDir(), "task-1")

	ops := newWorktreeOps(logger.Default())
	err := ops.create(context.Background(), repo, worktreePath, "task-1-branch", "main")
	require.NoError(t, err)
	require.True(t, isValidWorktree(worktreePath))

	err = ops.remove(context.Background(), worktreePath, false)
	require.NoError(t, err)
	require.NoDirExists(t, worktreePath)
}

func TestWorktreeOps_CreateReusesExistingBranch(t *testing.T) {
	repo := initTestRepo(t)
	ctx := context.Background()

	_, err := runGit(ctx, repo, "branch", "existing-branch")
	require.NoError(t, err)

	worktreePath := filepath.Join(t.TempDir(), "task-2")
	ops := newWorktreeOps(logger.Default())
	err = ops.create(ctx, repo, worktreePath, "existing-branch", "main")
	require.NoError(t, err)
	require.True(t, isValidWorktree(worktreePath))
}

func TestIsGitRepo(t *testing.T) {
	repo := initTestRepo(t)
	require.True(t, isGitRepo(repo))
	require.False(t, isGitRepo(t.TempDir()))
}

func TestIsValidWorktree_RejectsNonWorktreeDir(t *testing.T) {
	require.False(t, isValidWorktree(t.TempDir()))
}
