package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mux-run/mux/internal/common/logger"
	"github.com/mux-run/mux/internal/muxerr"
)

// worktreeOps holds the git-worktree mechanics for the Worktree runtime
// variant: create (new branch, or reuse an existing one if git reports
// "already exists"), remove (worktree remove, falling back to filesystem
// removal plus prune), and rename. LocalRuntime.ForkWorkspace reuses
// create rather than a separate fork operation.
//
// Git invocations aren't safe to run concurrently against the same
// repository (the index lock), so every operation is serialized per
// repository path.
type worktreeOps struct {
	logger    *logger.Logger
	repoLocks map[string]*sync.Mutex
	mu        sync.Mutex

	// repoPath and projectPath are populated by the owning LocalRuntime at
	// call time (passed through explicitly rather than stored, since a
	// single runtime instance may serve more than one repository).
}

func newWorktreeOps(log *logger.Logger) *worktreeOps {
	return &worktreeOps{logger: log, repoLocks: make(map[string]*sync.Mutex)}
}

func (w *worktreeOps) lockFor(repoPath string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.repoLocks[repoPath]
	if !ok {
		l = &sync.Mutex{}
		w.repoLocks[repoPath] = l
	}
	return l
}

func (w *worktreeOps) create(ctx context.Context, repoPath, worktreePath, branchName, baseBranch string) error {
	if !isGitRepo(repoPath) {
		return muxerr.New(muxerr.KindFileIO, repoPath+" is not a git repository")
	}

	lock := w.lockFor(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "create worktree parent dir", err)
	}

	out, err := runGit(ctx, repoPath, "worktree", "add", "-b", branchName, worktreePath, baseBranch)
	if err != nil {
		if strings.Contains(out, "already exists") {
			out, err = runGit(ctx, repoPath, "worktree", "add", worktreePath, branchName)
		}
		if err != nil {
			w.logger.Error("git worktree add failed", zap.String("output", out), zap.Error(err))
			return muxerr.Wrap(muxerr.KindExec, "git worktree add: "+out, err)
		}
	}

	w.logger.Info("created worktree", zap.String("path", worktreePath), zap.String("branch", branchName))
	return nil
}

func (w *worktreeOps) remove(ctx context.Context, worktreePath string, force bool) error {
	repoPath, err := repoPathForWorktree(ctx, worktreePath)
	if err != nil {
		return err
	}

	lock := w.lockFor(repoPath)
	lock.Lock()
	defer lock.Unlock()

	args := []string{"worktree", "remove", worktreePath}
	if force {
		args = []string{"worktree", "remove", "--force", worktreePath}
	}
	out, err := runGit(ctx, repoPath, args...)
	if err != nil {
		if !force {
			return muxerr.Wrap(muxerr.KindExec, "git worktree remove: "+out, err)
		}
		w.logger.Debug("git worktree remove failed, falling back to rm", zap.String("output", out), zap.Error(err))
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return muxerr.Wrap(muxerr.KindFileIO, "remove worktree dir", rmErr)
		}
		_, _ = runGit(ctx, repoPath, "worktree", "prune")
	}
	return nil
}

func (w *worktreeOps) rename(ctx context.Context, oldPath, newPath string) error {
	repoPath, err := repoPathForWorktree(ctx, oldPath)
	if err != nil {
		return err
	}
	lock := w.lockFor(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "create rename target parent dir", err)
	}
	if out, err := runGit(ctx, repoPath, "worktree", "move", oldPath, newPath); err != nil {
		return muxerr.Wrap(muxerr.KindExec, "git worktree move: "+out, err)
	}
	return nil
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func isValidWorktree(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// repoPathForWorktree resolves the main repository path for a given
// worktree directory via `git rev-parse --git-common-dir`.
func repoPathForWorktree(ctx context.Context, worktreePath string) (string, error) {
	out, err := runGit(ctx, worktreePath, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", muxerr.Wrap(muxerr.KindExec, "resolve repository for worktree "+worktreePath, err)
	}
	commonDir := out
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(worktreePath, commonDir)
	}
	return filepath.Dir(filepath.Clean(commonDir)), nil
}
