// Package runtime implements the polymorphic workspace backend: a single
// uniform interface (exec, file I/O, stat, path resolution, workspace
// lifecycle) backed by local, worktree, SSH, or container variants.
package runtime

import (
	"context"
	"io"
	"time"

	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// Reserved exit codes for exec outcomes that never reached the child's own
// status.
const (
	ExitCodeAborted = v1.ExitCodeAborted
	ExitCodeTimeout = v1.ExitCodeTimeout
)

// ExecOptions configures a single exec call.
type ExecOptions struct {
	Cwd         string
	Env         map[string]string
	Timeout     time.Duration
	AbortSignal <-chan struct{}
	ForcePTY    bool
	Niceness    int
}

// ExecStream is the live handle to a spawned command. Stdout/Stderr are
// readable until the process exits; Stdin accepts writes until closed.
// Wait blocks until the process settles (normal exit, ExitCodeAborted, or
// ExitCodeTimeout) and returns the final exit code.
type ExecStream struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Stdin  io.WriteCloser
	Wait   func(ctx context.Context) (exitCode int, duration time.Duration, err error)
}

// FileStat is the subset of file metadata every runtime variant must be
// able to report, regardless of whether the file lives on a local disk, a
// remote host, or inside a container.
type FileStat struct {
	Size         int64
	ModifiedTime time.Time
	IsDirectory  bool
}

// InitLogger receives streamed progress lines from a (possibly slow)
// initWorkspace call, e.g. managed-remote provisioning or a container
// project sync.
type InitLogger interface {
	LogLine(line string)
}

// NoopInitLogger discards every line. Useful in tests and for callers that
// don't care about init progress.
type NoopInitLogger struct{}

func (NoopInitLogger) LogLine(string) {}

// CreateWorkspaceRequest carries the parameters needed to provision a new
// workspace under a runtime. Fields not relevant to a given variant are
// ignored by that variant.
type CreateWorkspaceRequest struct {
	ProjectPath  string
	WorkspaceName string
	TrunkBranch  string
	// Force allows a worktree variant to reuse an existing branch.
	Force bool
}

// ForkWorkspaceRequest carries the parameters for cloning an existing
// workspace into a new one sharing the same runtime config shape.
type ForkWorkspaceRequest struct {
	SourceWorkspaceName string
	NewWorkspaceName    string
	TrunkBranch         string
}

// Runtime is the uniform backend contract every workspace execution
// environment implements.
type Runtime interface {
	// Name identifies the runtime variant for logging and diagnostics.
	Name() v1.RuntimeKind

	Exec(ctx context.Context, command string, opts ExecOptions) (*ExecStream, error)

	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)
	// WriteFile returns a writer; writes MUST land atomically (temp file +
	// rename) when the writer is closed successfully.
	WriteFile(ctx context.Context, path string) (io.WriteCloser, error)
	Stat(ctx context.Context, path string) (*FileStat, error)

	// ResolvePath expands ~ and resolves relative paths against the
	// runtime's base (the mux process's working directory for
	// local/worktree, the remote login shell's directory for SSH, the
	// container's default working directory for container).
	ResolvePath(ctx context.Context, path string) (string, error)
	// NormalizePath is pure textual normalization; it never touches the
	// filesystem or a remote shell.
	NormalizePath(target, base string) string

	// GetWorkspacePath is the deterministic, single source of truth for
	// where a workspace lives under this runtime.
	GetWorkspacePath(projectPath, workspaceName string) string

	CreateWorkspace(ctx context.Context, req CreateWorkspaceRequest) error
	InitWorkspace(ctx context.Context, req CreateWorkspaceRequest, log InitLogger) error
	RenameWorkspace(ctx context.Context, oldName, newName string) error
	DeleteWorkspace(ctx context.Context, workspaceName string, force bool) error
	ForkWorkspace(ctx context.Context, req ForkWorkspaceRequest) error
	EnsureReady(ctx context.Context, timeout time.Duration) error

	TempDir(ctx context.Context) (string, error)
	// GetMuxHome returns the runtime-local directory mux may use for its
	// own bookkeeping (background-process output dirs, plan files).
	GetMuxHome(ctx context.Context) (string, error)
}

// UnsupportedError is returned by operations a variant intentionally refuses
// (e.g. renaming a container-backed workspace, which has no rename-in-place
// primitive).
type UnsupportedError struct {
	Operation string
	Reason    string
}

func (e *UnsupportedError) Error() string {
	return e.Operation + " is not supported: " + e.Reason
}
