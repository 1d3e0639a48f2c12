package runtime

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/mux-run/mux/pkg/api/v1"
)

func TestShellQuote(t *testing.T) {
	require.Equal(t, "''", ShellQuote(""))
	require.Equal(t, "'hello'", ShellQuote("hello"))
	require.Equal(t, `'it'"'"'s'`, ShellQuote("it's"))
}

func TestExpandTildeDoubleQuoted(t *testing.T) {
	require.Equal(t, "$HOME", ExpandTildeDoubleQuoted("~"))
	require.Equal(t, "$HOME/projects/x", ExpandTildeDoubleQuoted("~/projects/x"))
	require.Equal(t, "/abs/path", ExpandTildeDoubleQuoted("/abs/path"))
}

func TestLocalRuntime_GetWorkspacePath(t *testing.T) {
	inplace := NewLocalRuntime(v1.RuntimeKindLocal, "/src", "", nil)
	require.Equal(t, "/project/foo", inplace.GetWorkspacePath("/project/foo", "ignored"))

	worktree := NewLocalRuntime(v1.RuntimeKindWorktree, "/src", "/project/foo", nil)
	require.Equal(t, "/src/foo/my-task", worktree.GetWorkspacePath("/project/foo", "my-task"))
}

func TestLocalRuntime_WriteFileIsAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "out.txt")

	r := NewLocalRuntime(v1.RuntimeKindLocal, "", "", nil)
	w, err := r.WriteFile(context.Background(), target)
	require.NoError(t, err)

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	contents, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "hello", string(contents))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp.")
	}
}

func TestLocalRuntime_ResolvePathExpandsTilde(t *testing.T) {
	r := NewLocalRuntime(v1.RuntimeKindLocal, "", "", nil)
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	resolved, err := r.ResolvePath(context.Background(), "~/somefile")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "somefile"), resolved)
}

func TestLocalRuntime_NormalizePath(t *testing.T) {
	r := NewLocalRuntime(v1.RuntimeKindLocal, "", "", nil)
	require.Equal(t, "/a/b/c", r.NormalizePath("c", "/a/b"))
	require.Equal(t, "/x/y", r.NormalizePath("/x/y", "/a/b"))
}

func TestLocalRuntime_ExecReturnsExitCode(t *testing.T) {
	r := NewLocalRuntime(v1.RuntimeKindLocal, "", "", nil)
	stream, err := r.Exec(context.Background(), "exit 7", ExecOptions{Cwd: t.TempDir()})
	require.NoError(t, err)

	code, _, err := stream.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, code)
}

func TestLocalRuntime_ExecHonorsAbortSignal(t *testing.T) {
	r := NewLocalRuntime(v1.RuntimeKindLocal, "", "", nil)
	abort := make(chan struct{})
	stream, err := r.Exec(context.Background(), "sleep 30", ExecOptions{Cwd: t.TempDir(), AbortSignal: abort})
	require.NoError(t, err)

	close(abort)
	code, _, err := stream.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitCodeAborted, code)
}

func TestLocalRuntime_ExecForcePTYAllocatesTerminal(t *testing.T) {
	r := NewLocalRuntime(v1.RuntimeKindLocal, "", "", nil)
	stream, err := r.Exec(context.Background(), "test -t 1 && echo ISATTY || echo NOTATTY", ExecOptions{
		Cwd:      t.TempDir(),
		ForcePTY: true,
	})
	require.NoError(t, err)

	// A pty master commonly returns EIO once its slave is closed, rather
	// than a clean io.EOF, so drain tolerating any read error instead of
	// requiring a nil one.
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, stream.Stdout)
	require.Contains(t, buf.String(), "ISATTY")

	code, _, err := stream.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

func TestUnsupportedError_Message(t *testing.T) {
	err := &UnsupportedError{Operation: "renameWorkspace", Reason: "no"}
	require.Contains(t, err.Error(), "renameWorkspace")
	require.Contains(t, err.Error(), "no")
}
