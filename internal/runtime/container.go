package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/mux-run/mux/internal/common/logger"
	"github.com/mux-run/mux/internal/muxerr"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// ContainerWorkspacePath is the fixed in-container path a container
// workspace always lives at.
const ContainerWorkspacePath = "/src"

// ContainerRuntime implements the container variant: the workspace lives
// at a fixed in-container path, and initWorkspace syncs the project in via
// a git bundle rather than a bind mount, so the container image never
// needs host filesystem access.
type ContainerRuntime struct {
	client        *dockerclient.Client
	image         string
	containerName string
	logger        *logger.Logger

	containerID string
}

// NewContainerRuntime constructs the container runtime variant against an
// already-configured docker client.
func NewContainerRuntime(client *dockerclient.Client, image, containerName string, log *logger.Logger) *ContainerRuntime {
	if log == nil {
		log = logger.Default()
	}
	return &ContainerRuntime{
		client:        client,
		image:         image,
		containerName: containerName,
		logger:        log.WithFields(zap.String("runtime", "container"), zap.String("image", image)),
	}
}

func (r *ContainerRuntime) Name() v1.RuntimeKind { return v1.RuntimeKindContainer }

func (r *ContainerRuntime) resolveContainerID(ctx context.Context) (string, error) {
	if r.containerID != "" {
		return r.containerID, nil
	}
	inspect, err := r.client.ContainerInspect(ctx, r.containerName)
	if err != nil {
		return "", muxerr.Wrap(muxerr.KindExec, "container "+r.containerName+" not found", err)
	}
	r.containerID = inspect.ID
	return r.containerID, nil
}

// Exec runs a command inside the container via ContainerExecCreate/Attach,
// demuxing stdout/stderr through stdcopy.
func (r *ContainerRuntime) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecStream, error) {
	containerID, err := r.resolveContainerID(ctx)
	if err != nil {
		return nil, err
	}

	env := make([]string, 0, len(opts.Env)+2)
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "CI=1", "NO_COLOR=1")

	cwd := opts.Cwd
	if cwd == "" {
		cwd = ContainerWorkspacePath
	}

	execResp, err := r.client.ContainerExecCreate(ctx, containerID, dockercontainer.ExecOptions{
		Cmd:          []string{"bash", "-c", command},
		Env:          env,
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  true,
		Tty:          opts.ForcePTY,
	})
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindExec, "create exec in container", err)
	}

	attach, err := r.client.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{Tty: opts.ForcePTY})
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindExec, "attach to exec in container", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		if opts.ForcePTY {
			_, _ = io.Copy(stdoutW, attach.Reader)
			return
		}
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
	}()

	start := time.Now()
	execID := execResp.ID
	wait := func(waitCtx context.Context) (int, time.Duration, error) {
		pollCtx, cancel := context.WithCancel(waitCtx)
		defer cancel()

		if opts.Timeout > 0 {
			var timeoutCancel context.CancelFunc
			pollCtx, timeoutCancel = context.WithTimeout(pollCtx, opts.Timeout)
			defer timeoutCancel()
		}

		for {
			select {
			case <-opts.AbortSignal:
				attach.Close()
				return ExitCodeAborted, time.Since(start), nil
			case <-pollCtx.Done():
				attach.Close()
				if waitCtx.Err() != nil {
					return ExitCodeAborted, time.Since(start), waitCtx.Err()
				}
				return ExitCodeTimeout, time.Since(start), nil
			case <-time.After(150 * time.Millisecond):
			}

			inspect, err := r.client.ContainerExecInspect(ctx, execID)
			if err != nil {
				return -1, time.Since(start), muxerr.Wrap(muxerr.KindExec, "inspect exec", err)
			}
			if !inspect.Running {
				return inspect.ExitCode, time.Since(start), nil
			}
		}
	}

	return &ExecStream{Stdout: stdoutR, Stderr: stderrR, Stdin: attach.Conn, Wait: wait}, nil
}

// ReadFile streams a single file out of the container via CopyFromContainer,
// unwrapping the single-entry tar archive the docker API always returns.
func (r *ContainerRuntime) ReadFile(ctx context.Context, filePath string) (io.ReadCloser, error) {
	containerID, err := r.resolveContainerID(ctx)
	if err != nil {
		return nil, err
	}
	reader, _, err := r.client.CopyFromContainer(ctx, containerID, filePath)
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindFileIO, "copy "+filePath+" from container", err)
	}
	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		reader.Close()
		return nil, muxerr.Wrap(muxerr.KindFileIO, "unwrap tar for "+filePath, err)
	}
	return &tarEntryReadCloser{tarReader: tr, underlying: reader}, nil
}

type tarEntryReadCloser struct {
	tarReader  *tar.Reader
	underlying io.ReadCloser
}

func (t *tarEntryReadCloser) Read(p []byte) (int, error) { return t.tarReader.Read(p) }
func (t *tarEntryReadCloser) Close() error               { return t.underlying.Close() }

// WriteFile buffers the full write into memory and ships it as a
// single-file tar via CopyToContainer on Close — writes are atomic from
// the container's point of view since CopyToContainer extracts the whole
// archive before any partial content is visible.
func (r *ContainerRuntime) WriteFile(ctx context.Context, filePath string) (io.WriteCloser, error) {
	containerID, err := r.resolveContainerID(ctx)
	if err != nil {
		return nil, err
	}
	return &containerFileWriter{ctx: ctx, client: r.client, containerID: containerID, path: filePath}, nil
}

type containerFileWriter struct {
	ctx         context.Context
	client      *dockerclient.Client
	containerID string
	path        string
	buf         bytes.Buffer
}

func (w *containerFileWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *containerFileWriter) Close() error {
	var archive bytes.Buffer
	tw := tar.NewWriter(&archive)
	hdr := &tar.Header{
		Name: path.Base(w.path),
		Mode: 0o644,
		Size: int64(w.buf.Len()),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "build tar header for "+w.path, err)
	}
	if _, err := tw.Write(w.buf.Bytes()); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "write tar body for "+w.path, err)
	}
	if err := tw.Close(); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "close tar writer for "+w.path, err)
	}

	dir := path.Dir(w.path)
	if _, err := w.client.ContainerExecCreate(w.ctx, w.containerID, dockercontainer.ExecOptions{Cmd: []string{"mkdir", "-p", dir}}); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "ensure parent dir for "+w.path, err)
	}
	if err := w.client.CopyToContainer(w.ctx, w.containerID, dir, &archive, dockercontainer.CopyToContainerOptions{}); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "copy "+w.path+" to container", err)
	}
	return nil
}

func (r *ContainerRuntime) Stat(ctx context.Context, filePath string) (*FileStat, error) {
	out, exitCode, err := r.execCapture(ctx, fmt.Sprintf("stat -c '%%s %%Y %%F' %s", quoteContainerPath(filePath)))
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, muxerr.New(muxerr.KindFileIO, "stat "+filePath+" in container failed: "+out)
	}
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return nil, muxerr.New(muxerr.KindFileIO, "unexpected stat output for "+filePath)
	}
	size, _ := strconv.ParseInt(fields[0], 10, 64)
	epoch, _ := strconv.ParseInt(fields[1], 10, 64)
	return &FileStat{
		Size:         size,
		ModifiedTime: time.Unix(epoch, 0),
		IsDirectory:  strings.Contains(fields[2], "directory"),
	}, nil
}

func (r *ContainerRuntime) ResolvePath(ctx context.Context, filePath string) (string, error) {
	out, exitCode, err := r.execCapture(ctx, "realpath -m "+quoteContainerPath(filePath))
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", muxerr.New(muxerr.KindFileIO, "resolve "+filePath+" in container failed")
	}
	return strings.TrimSpace(out), nil
}

func (r *ContainerRuntime) NormalizePath(target, base string) string {
	if strings.HasPrefix(target, "/") {
		return path.Clean(target)
	}
	return path.Clean(path.Join(base, target))
}

// GetWorkspacePath is always the fixed container path regardless of
// project/workspace name.
func (r *ContainerRuntime) GetWorkspacePath(projectPath, workspaceName string) string {
	return ContainerWorkspacePath
}

func (r *ContainerRuntime) execCapture(ctx context.Context, command string) (string, int, error) {
	containerID, err := r.resolveContainerID(ctx)
	if err != nil {
		return "", -1, err
	}
	execResp, err := r.client.ContainerExecCreate(ctx, containerID, dockercontainer.ExecOptions{
		Cmd: []string{"bash", "-c", command}, AttachStdout: true, AttachStderr: true,
	})
	if err != nil {
		return "", -1, muxerr.Wrap(muxerr.KindExec, "create exec", err)
	}
	attach, err := r.client.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return "", -1, muxerr.Wrap(muxerr.KindExec, "attach exec", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)

	inspect, err := r.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", -1, muxerr.Wrap(muxerr.KindExec, "inspect exec", err)
	}
	return strings.TrimSpace(stdout.String() + stderr.String()), inspect.ExitCode, nil
}

func quoteContainerPath(p string) string { return ShellQuote(p) }

// CreateWorkspace checks container existence, creates it sleeping
// indefinitely if missing, and prepares the workspace dir.
func (r *ContainerRuntime) CreateWorkspace(ctx context.Context, req CreateWorkspaceRequest) error {
	_, err := r.client.ContainerInspect(ctx, r.containerName)
	if err == nil {
		return nil
	}

	resp, err := r.client.ContainerCreate(ctx,
		&dockercontainer.Config{Image: r.image, Cmd: []string{"sleep", "infinity"}, Labels: map[string]string{"mux.workspace": req.WorkspaceName}},
		&dockercontainer.HostConfig{Mounts: []mount.Mount{}},
		nil, nil, r.containerName,
	)
	if err != nil {
		return muxerr.Wrap(muxerr.KindExec, "create container "+r.containerName, err)
	}
	r.containerID = resp.ID

	if err := r.client.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return muxerr.Wrap(muxerr.KindExec, "start container "+r.containerName, err)
	}

	_, exitCode, err := r.execCapture(ctx, "mkdir -p "+ContainerWorkspacePath)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return muxerr.New(muxerr.KindFileIO, "prepare workspace dir in container failed")
	}
	return nil
}

// InitWorkspace syncs the project in via a git bundle: bundle locally,
// copy in, clone, recreate local tracking branches for each remote
// branch, rewrite origin to the real one (or remove it), clean up bundle
// files.
func (r *ContainerRuntime) InitWorkspace(ctx context.Context, req CreateWorkspaceRequest, log InitLogger) error {
	if log == nil {
		log = NoopInitLogger{}
	}
	if _, err := r.resolveContainerID(ctx); err != nil {
		return err
	}

	log.LogLine("creating git bundle of " + req.ProjectPath)
	bundlePath, err := createGitBundle(ctx, req.ProjectPath)
	if err != nil {
		return muxerr.Wrap(muxerr.KindExec, "create git bundle", err)
	}
	defer os.Remove(bundlePath)

	const remoteBundlePath = "/tmp/mux-sync.bundle"
	log.LogLine("copying bundle into container")
	if err := r.copyFileIn(ctx, bundlePath, remoteBundlePath); err != nil {
		return err
	}

	originURL, err := gitRemoteURL(ctx, req.ProjectPath)
	if err != nil {
		return muxerr.Wrap(muxerr.KindExec, "resolve project origin url", err)
	}

	log.LogLine("cloning bundle into " + ContainerWorkspacePath)
	script := fmt.Sprintf(
		"git clone %s %s && cd %s && "+
			"for b in $(git branch -r | grep -v HEAD | sed 's#origin/##'); do git branch \"$b\" \"origin/$b\" 2>/dev/null; done && "+
			"rm -f %s",
		quoteContainerPath(remoteBundlePath), quoteContainerPath(ContainerWorkspacePath), quoteContainerPath(ContainerWorkspacePath), quoteContainerPath(remoteBundlePath),
	)
	out, exitCode, err := r.execCapture(ctx, script)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return muxerr.New(muxerr.KindExec, "clone bundle in container failed: "+out)
	}

	if originURL != "" {
		_, _, err = r.execCapture(ctx, fmt.Sprintf("cd %s && git remote set-url origin %s", quoteContainerPath(ContainerWorkspacePath), ShellQuote(originURL)))
	} else {
		_, _, err = r.execCapture(ctx, fmt.Sprintf("cd %s && git remote remove origin", quoteContainerPath(ContainerWorkspacePath)))
	}
	if err != nil {
		return muxerr.Wrap(muxerr.KindExec, "rewrite origin in container", err)
	}

	return nil
}

func createGitBundle(ctx context.Context, projectPath string) (string, error) {
	tmp, err := os.CreateTemp("", "mux-sync-*.bundle")
	if err != nil {
		return "", err
	}
	tmp.Close()
	cmd := exec.CommandContext(ctx, "git", "bundle", "create", tmp.Name(), "--all")
	cmd.Dir = projectPath
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("git bundle create: %s: %w", out, err)
	}
	return tmp.Name(), nil
}

func gitRemoteURL(ctx context.Context, projectPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", "origin")
	cmd.Dir = projectPath
	out, err := cmd.Output()
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *ContainerRuntime) copyFileIn(ctx context.Context, localPath, containerPath string) error {
	containerID, err := r.resolveContainerID(ctx)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "read local bundle", err)
	}

	var archive bytes.Buffer
	tw := tar.NewWriter(&archive)
	hdr := &tar.Header{Name: path.Base(containerPath), Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "build tar header for bundle", err)
	}
	if _, err := tw.Write(data); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "write tar body for bundle", err)
	}
	if err := tw.Close(); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "close tar writer for bundle", err)
	}

	if err := r.client.CopyToContainer(ctx, containerID, path.Dir(containerPath), &archive, dockercontainer.CopyToContainerOptions{}); err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "copy bundle into container", err)
	}
	return nil
}

// RenameWorkspace is intentionally unsupported for containers: do not
// reintroduce it without a documented copy-over-and-swap design.
func (r *ContainerRuntime) RenameWorkspace(ctx context.Context, oldName, newName string) error {
	return &UnsupportedError{Operation: "renameWorkspace", Reason: "container workspaces live at a fixed path; rename is unsupported"}
}

func (r *ContainerRuntime) DeleteWorkspace(ctx context.Context, workspaceName string, force bool) error {
	if !force {
		out, exitCode, err := r.execCapture(ctx, "cd "+ContainerWorkspacePath+" && git status --porcelain && git log --branches --not --remotes --oneline")
		if err == nil && exitCode == 0 && strings.TrimSpace(out) != "" {
			return muxerr.New(muxerr.KindFileIO, "workspace has uncommitted or unpushed changes; pass force to delete anyway")
		}
	}
	containerID, err := r.resolveContainerID(ctx)
	if err != nil {
		return err
	}
	if err := r.client.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return muxerr.Wrap(muxerr.KindExec, "remove container "+r.containerName, err)
	}
	r.containerID = ""
	return nil
}

func (r *ContainerRuntime) ForkWorkspace(ctx context.Context, req ForkWorkspaceRequest) error {
	return &UnsupportedError{Operation: "forkWorkspace", Reason: "container workspaces are not forkable; create a new container and InitWorkspace from the same project"}
}

func (r *ContainerRuntime) EnsureReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	inspect, err := r.client.ContainerInspect(ctx, r.containerName)
	if err != nil {
		return muxerr.Wrap(muxerr.KindExec, "container "+r.containerName+" not ready", err)
	}
	if !inspect.State.Running {
		return muxerr.New(muxerr.KindExec, "container "+r.containerName+" is not running (state="+inspect.State.Status+")")
	}
	return nil
}

func (r *ContainerRuntime) TempDir(ctx context.Context) (string, error) {
	return "/tmp", nil
}

func (r *ContainerRuntime) GetMuxHome(ctx context.Context) (string, error) {
	return "/root/.mux", nil
}
