package runtime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContainerRuntime_GetWorkspacePathIsFixed(t *testing.T) {
	r := NewContainerRuntime(nil, "my-image", "my-container", nil)
	require.Equal(t, ContainerWorkspacePath, r.GetWorkspacePath("/local/proj", "task-1"))
	require.Equal(t, ContainerWorkspacePath, r.GetWorkspacePath("/anything", "else"))
}

func TestContainerRuntime_NormalizePath(t *testing.T) {
	r := NewContainerRuntime(nil, "my-image", "my-container", nil)
	require.Equal(t, "/a/b", r.NormalizePath("/a/b", "/base"))
	require.Equal(t, "/base/rel", r.NormalizePath("rel", "/base"))
}

func TestContainerRuntime_RenameWorkspaceUnsupported(t *testing.T) {
	r := NewContainerRuntime(nil, "my-image", "my-container", nil)
	err := r.RenameWorkspace(context.Background(), "old", "new")
	require.Error(t, err)
	var unsupported *UnsupportedError
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, "renameWorkspace", unsupported.Operation)
}

func TestContainerRuntime_ForkWorkspaceUnsupported(t *testing.T) {
	r := NewContainerRuntime(nil, "my-image", "my-container", nil)
	err := r.ForkWorkspace(context.Background(), ForkWorkspaceRequest{SourceWorkspaceName: "a", NewWorkspaceName: "b"})
	require.Error(t, err)
	var unsupported *UnsupportedError
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, "forkWorkspace", unsupported.Operation)
}

func TestCreateGitBundle_ProducesNonEmptyFile(t *testing.T) {
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
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("hi"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")

	bundlePath, err := createGitBundle(context.Background(), dir)
	require.NoError(t, err)
	defer os.Remove(bundlePath)

	info, err := os.Stat(bundlePath)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestGitRemoteURL_EmptyWhenNoRemote(t *testing.T) {
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "-b", "main")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())

	url, err := gitRemoteURL(context.Background(), dir)
	require.NoError(t, err)
	require.Empty(t, url)
}
