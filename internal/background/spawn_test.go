package background

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mux-run/mux/internal/runtime"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

func localRuntime() runtime.Runtime {
	return runtime.NewLocalRuntime(v1.RuntimeKindLocal, "", "", nil)
}

func TestBuildWrapperScript_OrdersTrapCdExportScript(t *testing.T) {
	req := SpawnRequest{
		Script:    "echo hi",
		Cwd:       "/tmp/work",
		Env:       map[string]string{"B": "2", "A": "1"},
		OutputDir: "/tmp/out",
	}
	script := BuildWrapperScript(req)
	require.Equal(t,
		`trap 'echo $? > '"'"'/tmp/out/exit_code'"'"'' EXIT && cd '/tmp/work' && export A='1' && export B='2' && echo hi`,
		script,
	)
}

func TestBuildSpawnCommand_ContainsPGIDLookupAndEcho(t *testing.T) {
	cmd := BuildSpawnCommand("echo hi", SpawnRequest{OutputDir: "/tmp/out"})
	require.Contains(t, cmd, "set -m")
	require.Contains(t, cmd, "ps -o pgid=")
	require.Contains(t, cmd, "/proc/$!/stat")
	require.Contains(t, cmd, `echo "$! $PGID"`)
	require.Contains(t, cmd, "nohup bash -c")
}

func TestBuildSpawnCommand_NicenessWrapsNohup(t *testing.T) {
	cmd := BuildSpawnCommand("echo hi", SpawnRequest{OutputDir: "/tmp/out", Niceness: 10})
	require.Contains(t, cmd, "nice -n 10 nohup")
}

func TestSpawnAndObserve_EndToEnd(t *testing.T) {
	outputDir := t.TempDir()
	rt := localRuntime()

	handle, err := Spawn(context.Background(), rt, SpawnRequest{
		Script:    "echo from-script; exit 7",
		Cwd:       outputDir,
		OutputDir: outputDir,
	})
	require.NoError(t, err)
	require.Greater(t, handle.PID, 0)
	require.Greater(t, handle.PGID, 0)

	var code int
	var state ExitCodeState
	require.Eventually(t, func() bool {
		code, state, err = handle.GetExitCode(context.Background())
		require.NoError(t, err)
		return state == StateExited
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, 7, code)

	data, newOffset, err := handle.ReadOutput(context.Background(), 0)
	require.NoError(t, err)
	require.Contains(t, string(data), "from-script")
	require.Greater(t, newOffset, int64(0))
}

func TestGetExitCode_AbsentMeansRunning(t *testing.T) {
	outputDir := t.TempDir()
	rt := localRuntime()
	handle := NewHandle(rt, outputDir, 1, 1)

	code, state, err := handle.GetExitCode(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateRunning, state)
	require.Equal(t, 0, code)
}

func TestGetExitCode_UnparseableIsUnknown(t *testing.T) {
	outputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "exit_code"), []byte("not-a-number"), 0o644))

	rt := localRuntime()
	handle := NewHandle(rt, outputDir, 1, 1)

	code, state, err := handle.GetExitCode(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateUnknown, state)
	require.Equal(t, 0, code)
}

func TestGetExitCode_WhitespaceTolerant(t *testing.T) {
	outputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "exit_code"), []byte("  42\n"), 0o644))

	rt := localRuntime()
	handle := NewHandle(rt, outputDir, 1, 1)

	code, state, err := handle.GetExitCode(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateExited, state)
	require.Equal(t, 42, code)
}

func TestWriteMeta_RoundTrips(t *testing.T) {
	outputDir := t.TempDir()
	rt := localRuntime()
	handle := NewHandle(rt, outputDir, 1, 1)

	err := handle.WriteMeta(context.Background(), v1.BackgroundMeta{"kind": "test-script"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(outputDir, "meta.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), "test-script")
}

func TestTerminate_KillsLongRunningProcessGroup(t *testing.T) {
	outputDir := t.TempDir()
	rt := localRuntime()

	handle, err := Spawn(context.Background(), rt, SpawnRequest{
		Script:    "sleep 300",
		Cwd:       outputDir,
		OutputDir: outputDir,
	})
	require.NoError(t, err)

	require.NoError(t, handle.Terminate(context.Background()))

	require.Eventually(t, func() bool {
		_, state, err := handle.GetExitCode(context.Background())
		require.NoError(t, err)
		return state == StateExited
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReadOutput_IncrementalOffsetAdvances(t *testing.T) {
	outputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "output.log"), []byte("hello world"), 0o644))

	rt := localRuntime()
	handle := NewHandle(rt, outputDir, 1, 1)

	first, offset, err := handle.ReadOutput(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(first))
	require.Equal(t, int64(len("hello world")), offset)

	second, offset2, err := handle.ReadOutput(context.Background(), offset)
	require.NoError(t, err)
	require.Empty(t, second)
	require.Equal(t, offset, offset2)
}
