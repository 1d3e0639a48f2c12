package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mux-run/mux/internal/common/logger"
	"github.com/mux-run/mux/internal/muxerr"
	"github.com/mux-run/mux/internal/sshpool"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// ManagedRemoteController is the external control-plane client a
// managed-remote SSH config delegates workspace provisioning to.
type ManagedRemoteController interface {
	CreateWorkspace(ctx context.Context, cfg v1.ManagedRemoteConfig, log InitLogger) error
	DeleteWorkspace(ctx context.Context, cfg v1.ManagedRemoteConfig) error
}

// SSHRuntime implements the SSH variant: every operation multiplexes
// through the system ssh binary via the connection pool, optionally
// wrapping a managed-remote workspace provisioned by a control service.
type SSHRuntime struct {
	target     sshpool.Target
	srcBaseDir string
	managed    *v1.ManagedRemoteConfig
	pool       *sshpool.Pool
	prober     *sshpool.CommandProber
	controller ManagedRemoteController
	logger     *logger.Logger

	// existingWorkspace mirrors the WorkspaceConfig flag: once set (by a
	// fork), InitWorkspace must not attempt to create the remote
	// workspace, and delete must never destroy it.
	existingWorkspace bool
}

// NewSSHRuntime constructs the SSH runtime variant. prober is shared with
// the owning pool so multiplex socket derivation is consistent.
func NewSSHRuntime(target sshpool.Target, srcBaseDir string, managed *v1.ManagedRemoteConfig, pool *sshpool.Pool, prober *sshpool.CommandProber, controller ManagedRemoteController, log *logger.Logger) *SSHRuntime {
	if log == nil {
		log = logger.Default()
	}
	return &SSHRuntime{
		target:     target,
		srcBaseDir: srcBaseDir,
		managed:    managed,
		pool:       pool,
		prober:     prober,
		controller: controller,
		logger:     log.WithFields(zap.String("runtime", "ssh"), zap.String("host", target.Host)),
		existingWorkspace: managed != nil && managed.ExistingWorkspace,
	}
}

func (r *SSHRuntime) Name() v1.RuntimeKind { return v1.RuntimeKindSSH }

func (r *SSHRuntime) acquire(ctx context.Context) error {
	return r.pool.AcquireConnection(ctx, r.target)
}

func (r *SSHRuntime) sshArgs(extra ...string) []string {
	args := r.prober.CommandArgs(r.target)
	args = append(args, "-o", "ServerAliveInterval=15", "-o", "ServerAliveCountMax=3")
	return append(args, extra...)
}

func (r *SSHRuntime) remoteCommand(command string) string {
	return command
}

func (r *SSHRuntime) run(ctx context.Context, command string) (string, int, error) {
	if err := r.acquire(ctx); err != nil {
		return "", -1, err
	}
	args := r.sshArgs(r.target.Host, "--", r.remoteCommand(command))
	stream, err := localExecFor(ctx, "ssh", args)
	if err != nil {
		return "", -1, muxerr.Wrap(muxerr.KindNetwork, "ssh exec to "+r.target.Host, err)
	}
	out, exitCode := stream.out, stream.exitCode
	if exitCode == 255 {
		r.pool.ReportFailure(r.target, fmt.Errorf("ssh exited 255: %s", out))
	} else {
		r.pool.MarkHealthy(r.target)
	}
	return out, exitCode, nil
}

func (r *SSHRuntime) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecStream, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}

	env := ""
	for k, v := range opts.Env {
		env += "export " + k + "=" + ShellQuote(v) + "; "
	}
	cwd := ""
	if opts.Cwd != "" {
		cwd = "cd " + ShellQuote(ExpandTildeDoubleQuoted(opts.Cwd)) + " && "
	}
	remote := env + cwd + command

	// Doubled -t forces pty allocation even when ssh's own stdin isn't a
	// terminal, which is always true here since stdin is a pipe we write
	// to programmatically. Must precede the destination: ssh stops parsing
	// flags once it sees the destination argument.
	sshFlags := []string{}
	if opts.ForcePTY {
		sshFlags = []string{"-t", "-t"}
	}
	args := r.sshArgs(append(sshFlags, r.target.Host, "--", remote)...)
	cmd, err := execCommand(ctx, "ssh", args)
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindExec, "start ssh exec", err)
	}

	start := time.Now()
	wait := func(waitCtx context.Context) (int, time.Duration, error) {
		done := make(chan error, 1)
		go func() { done <- cmd.wait() }()

		var timeoutCh <-chan time.Time
		if opts.Timeout > 0 {
			timer := time.NewTimer(opts.Timeout)
			defer timer.Stop()
			timeoutCh = timer.C
		}

		select {
		case err := <-done:
			code := cmd.exitCode()
			if code == 255 {
				r.pool.ReportFailure(r.target, fmt.Errorf("ssh invocation exited 255"))
			} else {
				r.pool.MarkHealthy(r.target)
			}
			return code, time.Since(start), err
		case <-timeoutCh:
			cmd.kill()
			<-done
			return ExitCodeTimeout, time.Since(start), nil
		case <-opts.AbortSignal:
			cmd.kill()
			<-done
			return ExitCodeAborted, time.Since(start), nil
		case <-waitCtx.Done():
			cmd.kill()
			<-done
			return ExitCodeAborted, time.Since(start), waitCtx.Err()
		}
	}

	return &ExecStream{Stdout: cmd.stdout, Stderr: cmd.stderr, Stdin: cmd.stdin, Wait: wait}, nil
}

// ReadFile, WriteFile, and Stat are implemented in ssh_sftp.go over a
// dedicated sftp subsystem channel rather than shelling out to cat/dd for
// every byte.

func (r *SSHRuntime) ResolvePath(ctx context.Context, path string) (string, error) {
	out, exitCode, err := r.run(ctx, "realpath -m "+ShellQuote(ExpandTildeDoubleQuoted(path))+" 2>/dev/null || readlink -f "+ShellQuote(ExpandTildeDoubleQuoted(path)))
	if err != nil {
		return "", err
	}
	if exitCode != 0 || out == "" {
		return "", muxerr.New(muxerr.KindFileIO, "resolve "+path+" over ssh failed")
	}
	return out, nil
}

func (r *SSHRuntime) NormalizePath(target, base string) string {
	if strings.HasPrefix(target, "/") {
		return filepath.Clean(target)
	}
	return filepath.Clean(filepath.Join(base, target))
}

func (r *SSHRuntime) GetWorkspacePath(projectPath, workspaceName string) string {
	return filepath.Join(r.srcBaseDir, filepath.Base(projectPath), workspaceName)
}

func (r *SSHRuntime) CreateWorkspace(ctx context.Context, req CreateWorkspaceRequest) error {
	path := r.GetWorkspacePath(req.ProjectPath, req.WorkspaceName)
	_, exitCode, err := r.run(ctx, "mkdir -p "+ShellQuote(ExpandTildeDoubleQuoted(path)))
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return muxerr.New(muxerr.KindFileIO, "mkdir -p workspace dir failed over ssh")
	}
	return nil
}

func (r *SSHRuntime) InitWorkspace(ctx context.Context, req CreateWorkspaceRequest, log InitLogger) error {
	if log == nil {
		log = NoopInitLogger{}
	}
	if r.managed != nil && !r.existingWorkspace && r.controller != nil {
		log.LogLine("provisioning managed remote workspace " + r.managed.WorkspaceName)
		if err := r.controller.CreateWorkspace(ctx, *r.managed, log); err != nil {
			return muxerr.Wrap(muxerr.KindNetwork, "managed remote workspace creation failed", err)
		}
	}
	log.LogLine("preparing workspace parent on " + r.target.Host)
	return r.CreateWorkspace(ctx, req)
}

func (r *SSHRuntime) RenameWorkspace(ctx context.Context, oldName, newName string) error {
	oldPath := r.GetWorkspacePath("", oldName)
	newPath := r.GetWorkspacePath("", newName)
	_, exitCode, err := r.run(ctx, "mv "+ShellQuote(oldPath)+" "+ShellQuote(newPath))
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return muxerr.New(muxerr.KindFileIO, "rename workspace over ssh failed")
	}
	return nil
}

func (r *SSHRuntime) DeleteWorkspace(ctx context.Context, workspaceName string, force bool) error {
	path := r.GetWorkspacePath("", workspaceName)
	if !force {
		// Without force, refuse to remove a dirty/unpushed tree; check via
		// git status first.
		out, exitCode, err := r.run(ctx, "cd "+ShellQuote(path)+" && git status --porcelain")
		if err == nil && exitCode == 0 && strings.TrimSpace(out) != "" {
			return muxerr.New(muxerr.KindFileIO, "workspace has uncommitted changes; pass force to delete anyway")
		}
	}
	_, exitCode, err := r.run(ctx, "rm -rf "+ShellQuote(path))
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return muxerr.New(muxerr.KindFileIO, "delete workspace over ssh failed")
	}

	// Delete the remote managed workspace only if the local removal
	// succeeded (reached here) and it's not shared (existingWorkspace
	// unset); force does not override that.
	if r.managed != nil && !r.existingWorkspace && r.controller != nil {
		if err := r.controller.DeleteWorkspace(ctx, *r.managed); err != nil {
			return muxerr.Wrap(muxerr.KindNetwork, "delete managed remote workspace failed", err)
		}
	}
	return nil
}

func (r *SSHRuntime) ForkWorkspace(ctx context.Context, req ForkWorkspaceRequest) error {
	sourcePath := r.GetWorkspacePath("", req.SourceWorkspaceName)
	newPath := r.GetWorkspacePath("", req.NewWorkspaceName)
	_, exitCode, err := r.run(ctx, "cp -a "+ShellQuote(sourcePath)+" "+ShellQuote(newPath))
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return muxerr.New(muxerr.KindFileIO, "fork workspace over ssh failed")
	}
	// Mark this runtime as existingWorkspace so its delete can no longer
	// destroy the shared managed remote.
	r.existingWorkspace = true
	return nil
}

func (r *SSHRuntime) EnsureReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.acquire(ctx)
}

func (r *SSHRuntime) TempDir(ctx context.Context) (string, error) {
	out, exitCode, err := r.run(ctx, "echo ${TMPDIR:-/tmp}")
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "/tmp", nil
	}
	return strings.TrimSpace(out), nil
}

func (r *SSHRuntime) GetMuxHome(ctx context.Context) (string, error) {
	out, exitCode, err := r.run(ctx, "echo $HOME/.mux")
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", muxerr.New(muxerr.KindNetwork, "resolve remote mux home failed")
	}
	return strings.TrimSpace(out), nil
}

// --- minimal process wrapper shared by Exec/ReadFile/WriteFile ---

type runningCommand struct {
	stdout io.ReadCloser
	stderr io.ReadCloser
	stdin  io.WriteCloser
	start  func() error
	waitFn func() error
	killFn func()
	code   int
}

func (c *runningCommand) wait() error   { return c.waitFn() }
func (c *runningCommand) exitCode() int { return c.code }
func (c *runningCommand) kill()         { c.killFn() }

type execResult struct {
	out      string
	exitCode int
}

func localExecFor(ctx context.Context, name string, args []string) (*execResult, error) {
	cmd, err := execCommand(ctx, name, args)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	scanner := bufio.NewScanner(cmd.stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteString("\n")
	}
	_ = cmd.wait()
	return &execResult{out: sb.String(), exitCode: cmd.exitCode()}, nil
}

func execCommand(ctx context.Context, name string, args []string) (*runningCommand, error) {
	c := newOSCommand(ctx, name, args)
	return c, c.start()
}

// newOSCommand delegates to buildOSCommand in exec_os.go to keep the
// os/exec dependency isolated from this file's remote-protocol logic.
func newOSCommand(ctx context.Context, name string, args []string) *runningCommand {
	return buildOSCommand(ctx, name, args)
}
