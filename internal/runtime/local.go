package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/mux-run/mux/internal/common/logger"
	"github.com/mux-run/mux/internal/muxerr"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// defaultPTYSize is the window size a forced PTY starts with. Callers that
// care about real dimensions (an interactive shell) resize it after Exec
// returns; mux itself never multiplexes terminal I/O, so nothing here does.
var defaultPTYSize = &pty.Winsize{Cols: 80, Rows: 24}

// LocalRuntime implements the in-place and worktree variants.
// Both share the same filesystem and process-spawning mechanics; only
// workspace lifecycle (create/init/rename/delete/fork) differs, and that
// difference is delegated to worktreeOps.
type LocalRuntime struct {
	kind        v1.RuntimeKind
	srcBaseDir  string
	// projectPath is the main repository this runtime provisions
	// worktrees against; empty for the in-place variant, where the
	// project path and workspace path are the same thing.
	projectPath string
	logger      *logger.Logger
	worktree    *worktreeOps
}

// NewLocalRuntime constructs the in-place variant (kind must be
// v1.RuntimeKindLocal) or the worktree variant (v1.RuntimeKindWorktree).
// projectPath is the main repository checkout; it is ignored for the
// in-place variant.
func NewLocalRuntime(kind v1.RuntimeKind, srcBaseDir, projectPath string, log *logger.Logger) *LocalRuntime {
	if log == nil {
		log = logger.Default()
	}
	r := &LocalRuntime{
		kind:        kind,
		srcBaseDir:  srcBaseDir,
		projectPath: projectPath,
		logger:      log.WithFields(zap.String("runtime", string(kind))),
	}
	if kind == v1.RuntimeKindWorktree {
		r.worktree = newWorktreeOps(r.logger)
	}
	return r
}

func (r *LocalRuntime) Name() v1.RuntimeKind { return r.kind }

// Exec spawns the command through bash as a detached process-group leader.
func (r *LocalRuntime) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecStream, error) {
	shellCommand := command
	if opts.Niceness != 0 {
		shellCommand = fmt.Sprintf("exec nice -n %d bash -c %s", opts.Niceness, ShellQuote(command))
	}

	cmd := exec.Command("bash", "-c", shellCommand)
	cmd.Dir = opts.Cwd
	cmd.Env = mergeEnv(opts.Env)

	if opts.ForcePTY {
		return r.execWithPTY(cmd, opts)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindExec, "failed to open stdout pipe", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindExec, "failed to open stderr pipe", err)
	}
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindExec, "failed to open stdin pipe", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, muxerr.Wrap(muxerr.KindExec, "failed to start command", err)
	}

	wait := func(waitCtx context.Context) (int, time.Duration, error) {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		var timeoutCh <-chan time.Time
		if opts.Timeout > 0 {
			timer := time.NewTimer(opts.Timeout)
			defer timer.Stop()
			timeoutCh = timer.C
		}

		select {
		case err := <-done:
			return exitCodeOf(cmd, err), time.Since(start), nil
		case <-timeoutCh:
			killGroup(cmd)
			<-done
			return ExitCodeTimeout, time.Since(start), nil
		case <-opts.AbortSignal:
			killGroup(cmd)
			<-done
			return ExitCodeAborted, time.Since(start), nil
		case <-waitCtx.Done():
			killGroup(cmd)
			<-done
			return ExitCodeAborted, time.Since(start), waitCtx.Err()
		}
	}

	return &ExecStream{Stdout: stdoutPipe, Stderr: stderrPipe, Stdin: stdinPipe, Wait: wait}, nil
}

// execWithPTY runs cmd attached to a pseudo-terminal instead of plain pipes,
// for commands that behave differently (or refuse to run at all) without
// one, e.g. tools that check isatty before producing interactive output.
// The PTY master carries stdout, stderr, and stdin combined onto a single
// fd, so Stderr is a closed, always-empty reader.
func (r *LocalRuntime) execWithPTY(cmd *exec.Cmd, opts ExecOptions) (*ExecStream, error) {
	start := time.Now()
	master, err := pty.StartWithSize(cmd, defaultPTYSize)
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindExec, "failed to start command in pty", err)
	}

	wait := func(waitCtx context.Context) (int, time.Duration, error) {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		var timeoutCh <-chan time.Time
		if opts.Timeout > 0 {
			timer := time.NewTimer(opts.Timeout)
			defer timer.Stop()
			timeoutCh = timer.C
		}

		select {
		case err := <-done:
			_ = master.Close()
			return exitCodeOf(cmd, err), time.Since(start), nil
		case <-timeoutCh:
			killGroup(cmd)
			<-done
			_ = master.Close()
			return ExitCodeTimeout, time.Since(start), nil
		case <-opts.AbortSignal:
			killGroup(cmd)
			<-done
			_ = master.Close()
			return ExitCodeAborted, time.Since(start), nil
		case <-waitCtx.Done():
			killGroup(cmd)
			<-done
			_ = master.Close()
			return ExitCodeAborted, time.Since(start), waitCtx.Err()
		}
	}

	return &ExecStream{
		Stdout: master,
		Stderr: io.NopCloser(bytes.NewReader(nil)),
		Stdin:  master,
		Wait:   wait,
	}, nil
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// killGroup kills the whole process group so children spawned by the
// script (e.g. a background-process wrapper) don't outlive the parent.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	// Non-interactive flags injected into every exec.
	env = append(env, "CI=1", "NO_COLOR=1")
	return env
}

func (r *LocalRuntime) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindFileIO, "read "+path, err)
	}
	return f, nil
}

// atomicWriter buffers writes to a temp file and renames into place on
// Close, so a reader never observes a partial write.
type atomicWriter struct {
	target string
	tmp    *os.File
}

func (w *atomicWriter) Write(p []byte) (int, error) { return w.tmp.Write(p) }

func (w *atomicWriter) Close() error {
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(w.tmp.Name())
		return muxerr.Wrap(muxerr.KindFileIO, "close temp file", err)
	}
	if fi, err := os.Stat(w.target); err == nil {
		_ = os.Chmod(w.tmp.Name(), fi.Mode())
	}
	if err := os.Rename(w.tmp.Name(), w.target); err != nil {
		_ = os.Remove(w.tmp.Name())
		return muxerr.Wrap(muxerr.KindFileIO, "rename into place", err)
	}
	return nil
}

func (r *LocalRuntime) WriteFile(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, muxerr.Wrap(muxerr.KindFileIO, "mkdir parents for "+path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindFileIO, "create temp file for "+path, err)
	}
	return &atomicWriter{target: path, tmp: tmp}, nil
}

func (r *LocalRuntime) Stat(ctx context.Context, path string) (*FileStat, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindFileIO, "stat "+path, err)
	}
	return &FileStat{Size: fi.Size(), ModifiedTime: fi.ModTime(), IsDirectory: fi.IsDir()}, nil
}

func (r *LocalRuntime) ResolvePath(ctx context.Context, path string) (string, error) {
	expanded, err := expandTilde(path)
	if err != nil {
		return "", muxerr.Wrap(muxerr.KindFileIO, "expand ~ in "+path, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", muxerr.Wrap(muxerr.KindFileIO, "resolve "+path, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Target may not exist yet (about to be created); fall back to
		// the cleaned absolute path rather than failing resolution.
		return abs, nil
	}
	return real, nil
}

func expandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return u.HomeDir, nil
	}
	return filepath.Join(u.HomeDir, path[2:]), nil
}

func (r *LocalRuntime) NormalizePath(target, base string) string {
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Clean(filepath.Join(base, target))
}

func (r *LocalRuntime) GetWorkspacePath(projectPath, workspaceName string) string {
	if r.kind == v1.RuntimeKindLocal {
		return projectPath
	}
	return filepath.Join(r.srcBaseDir, filepath.Base(projectPath), workspaceName)
}

func (r *LocalRuntime) CreateWorkspace(ctx context.Context, req CreateWorkspaceRequest) error {
	if r.kind == v1.RuntimeKindLocal {
		return nil
	}
	path := r.GetWorkspacePath(req.ProjectPath, req.WorkspaceName)
	return r.worktree.create(ctx, req.ProjectPath, path, req.WorkspaceName, req.TrunkBranch)
}

func (r *LocalRuntime) InitWorkspace(ctx context.Context, req CreateWorkspaceRequest, log InitLogger) error {
	// Worktree creation itself is the fast path (git worktree add); there
	// is no separate slow init phase the way the container variant needs
	// one for project sync.
	return nil
}

func (r *LocalRuntime) RenameWorkspace(ctx context.Context, oldName, newName string) error {
	if r.kind == v1.RuntimeKindLocal {
		return &UnsupportedError{Operation: "renameWorkspace", Reason: "in-place workspace has no separate name"}
	}
	oldPath := r.GetWorkspacePath(r.projectPath, oldName)
	newPath := r.GetWorkspacePath(r.projectPath, newName)
	return r.worktree.rename(ctx, oldPath, newPath)
}

func (r *LocalRuntime) DeleteWorkspace(ctx context.Context, workspaceName string, force bool) error {
	if r.kind == v1.RuntimeKindLocal {
		return &UnsupportedError{Operation: "deleteWorkspace", Reason: "in-place workspace is the project directory itself"}
	}
	path := r.GetWorkspacePath(r.projectPath, workspaceName)
	return r.worktree.remove(ctx, path, force)
}

func (r *LocalRuntime) ForkWorkspace(ctx context.Context, req ForkWorkspaceRequest) error {
	if r.kind == v1.RuntimeKindLocal {
		return &UnsupportedError{Operation: "forkWorkspace", Reason: "in-place workspace cannot be forked"}
	}
	sourcePath := r.GetWorkspacePath(r.projectPath, req.SourceWorkspaceName)
	branch, err := runGit(ctx, sourcePath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return muxerr.Wrap(muxerr.KindExec, "resolve branch of "+sourcePath, err)
	}
	newPath := r.GetWorkspacePath(r.projectPath, req.NewWorkspaceName)
	return r.worktree.create(ctx, r.projectPath, newPath, req.NewWorkspaceName+"-fork", branch)
}

func (r *LocalRuntime) EnsureReady(ctx context.Context, timeout time.Duration) error {
	return nil
}

// EnsureWorktreeReady checks that a specific worktree directory is a valid,
// uncorrupted git worktree. Callers resolve the workspace path first via
// GetWorkspacePath; EnsureReady itself has no workspace-name parameter per
// the runtime contract, so this is the per-workspace variant the
// WorkspaceService calls directly for the worktree variant.
func (r *LocalRuntime) EnsureWorktreeReady(path string) error {
	if r.kind != v1.RuntimeKindWorktree {
		return nil
	}
	if !isValidWorktree(path) {
		return muxerr.New(muxerr.KindFileIO, "worktree at "+path+" is missing or corrupt")
	}
	return nil
}

func (r *LocalRuntime) TempDir(ctx context.Context) (string, error) {
	return os.TempDir(), nil
}

func (r *LocalRuntime) GetMuxHome(ctx context.Context) (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", muxerr.Wrap(muxerr.KindFileIO, "resolve local user for mux home", err)
	}
	return filepath.Join(u.HomeDir, ".mux"), nil
}

// runGit executes a git subcommand synchronously and returns trimmed
// combined output, used throughout worktreeOps.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}
