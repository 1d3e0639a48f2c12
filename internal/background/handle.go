package background

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mux-run/mux/internal/metrics"
	"github.com/mux-run/mux/internal/muxerr"
	"github.com/mux-run/mux/internal/runtime"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// ExitCodeState reports whether a background process is still running, has
// exited with a known code, or left an exit_code file mux could not parse.
type ExitCodeState int

const (
	StateRunning ExitCodeState = iota
	StateExited
	StateUnknown
)

// terminateGrace is the delay between SIGTERM and the SIGKILL escalation.
const terminateGrace = 2 * time.Second

// Handle is the bookkeeping-only handle to an orphaned background
// process: closing or dropping it never touches the process itself.
type Handle struct {
	runtime   runtime.Runtime
	OutputDir string
	PID       int
	PGID      int

	aliveOnce sync.Once
}

func NewHandle(rt runtime.Runtime, outputDir string, pid, pgid int) *Handle {
	return &Handle{runtime: rt, OutputDir: outputDir, PID: pid, PGID: pgid}
}

func (h *Handle) Info() v1.BackgroundHandleInfo {
	return v1.BackgroundHandleInfo{OutputDir: h.OutputDir, PID: h.PID, PGID: h.PGID}
}

// GetExitCode reads the exit_code file. Its absence means the process is
// still alive; its presence with unparseable content is reported as
// StateUnknown rather than an error, since parsing must stay
// whitespace-tolerant and never fail the caller on a malformed write.
func (h *Handle) GetExitCode(ctx context.Context) (code int, state ExitCodeState, err error) {
	path := h.OutputDir + "/exit_code"
	if _, statErr := h.runtime.Stat(ctx, path); statErr != nil {
		return 0, StateRunning, nil
	}

	reader, err := h.runtime.ReadFile(ctx, path)
	if err != nil {
		return 0, StateRunning, nil
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, StateUnknown, muxerr.Wrap(muxerr.KindFileIO, "read exit_code", err)
	}

	trimmed := strings.TrimSpace(string(data))
	parsed, parseErr := strconv.Atoi(trimmed)
	if parseErr != nil {
		return 0, StateUnknown, nil
	}
	h.markGone()
	return parsed, StateExited, nil
}

// markGone decrements the alive gauge at most once per handle, regardless
// of how many times the process is later observed to have exited.
func (h *Handle) markGone() {
	h.aliveOnce.Do(metrics.BackgroundProcessesAlive.Dec)
}

// ReadOutput streams output.log from offset to end, returning the new
// offset for the next call.
func (h *Handle) ReadOutput(ctx context.Context, offset int64) (data []byte, newOffset int64, err error) {
	return h.readFrom(ctx, h.OutputDir+"/output.log", offset)
}

// ReadStdout/ReadStderr stream the split output files the same way, for
// callers that care about the two streams independently.
func (h *Handle) ReadStdout(ctx context.Context, offset int64) ([]byte, int64, error) {
	return h.readFrom(ctx, h.OutputDir+"/stdout", offset)
}

func (h *Handle) ReadStderr(ctx context.Context, offset int64) ([]byte, int64, error) {
	return h.readFrom(ctx, h.OutputDir+"/stderr", offset)
}

func (h *Handle) readFrom(ctx context.Context, path string, offset int64) ([]byte, int64, error) {
	reader, err := h.runtime.ReadFile(ctx, path)
	if err != nil {
		return nil, offset, muxerr.Wrap(muxerr.KindFileIO, "read "+path, err)
	}
	defer reader.Close()

	if offset > 0 {
		if _, err := io.CopyN(io.Discard, reader, offset); err != nil && err != io.EOF {
			return nil, offset, muxerr.Wrap(muxerr.KindFileIO, "seek "+path, err)
		}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, offset, muxerr.Wrap(muxerr.KindFileIO, "read "+path, err)
	}
	return data, offset + int64(len(data)), nil
}

// WriteMeta atomically writes free-form provenance alongside the process's
// output.
func (h *Handle) WriteMeta(ctx context.Context, meta v1.BackgroundMeta) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "marshal meta.json", err)
	}

	writer, err := h.runtime.WriteFile(ctx, h.OutputDir+"/meta.json")
	if err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "open meta.json", err)
	}
	if _, err := writer.Write(encoded); err != nil {
		writer.Close()
		return muxerr.Wrap(muxerr.KindFileIO, "write meta.json", err)
	}
	return writer.Close()
}

// Terminate sends SIGTERM to the process group, waits the grace period,
// then SIGKILLs if still alive. On a forced kill it defensively writes 137
// to exit_code in case the EXIT trap never ran.
func (h *Handle) Terminate(ctx context.Context) error {
	if err := h.signalGroup(ctx, "TERM"); err != nil {
		return err
	}

	select {
	case <-time.After(terminateGrace):
	case <-ctx.Done():
		return muxerr.Wrap(muxerr.KindExec, "terminate: context cancelled during grace period", ctx.Err())
	}

	alive, err := h.groupAlive(ctx)
	if err != nil {
		return err
	}
	if !alive {
		h.markGone()
		return nil
	}

	if err := h.signalGroup(ctx, "KILL"); err != nil {
		return err
	}
	if err := h.writeExitCodeIfAbsent(ctx, v1.ExitCodeSIGKILL); err != nil {
		return err
	}
	h.markGone()
	return nil
}

func (h *Handle) signalGroup(ctx context.Context, signal string) error {
	command := "kill -" + signal + " -" + strconv.Itoa(h.PGID) + " 2>/dev/null || true"
	stream, err := h.runtime.Exec(ctx, command, runtime.ExecOptions{})
	if err != nil {
		return muxerr.Wrap(muxerr.KindExec, "signal process group", err)
	}
	_, _, err = stream.Wait(ctx)
	if err != nil {
		return muxerr.Wrap(muxerr.KindExec, "signal process group", err)
	}
	return nil
}

func (h *Handle) groupAlive(ctx context.Context) (bool, error) {
	command := "kill -0 -" + strconv.Itoa(h.PGID) + " 2>/dev/null"
	stream, err := h.runtime.Exec(ctx, command, runtime.ExecOptions{})
	if err != nil {
		return false, muxerr.Wrap(muxerr.KindExec, "probe process group", err)
	}
	code, _, err := stream.Wait(ctx)
	if err != nil {
		return false, muxerr.Wrap(muxerr.KindExec, "probe process group", err)
	}
	return code == 0, nil
}

func (h *Handle) writeExitCodeIfAbsent(ctx context.Context, code int) error {
	_, state, err := h.GetExitCode(ctx)
	if err != nil {
		return err
	}
	if state == StateExited {
		return nil
	}

	writer, err := h.runtime.WriteFile(ctx, h.OutputDir+"/exit_code")
	if err != nil {
		return muxerr.Wrap(muxerr.KindFileIO, "defensively write exit_code", err)
	}
	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(code))
	buf.WriteByte('\n')
	if _, err := writer.Write(buf.Bytes()); err != nil {
		writer.Close()
		return muxerr.Wrap(muxerr.KindFileIO, "defensively write exit_code", err)
	}
	return writer.Close()
}

// Dispose is a deliberate no-op: the process is intentionally orphaned and
// outlives this handle.
func (h *Handle) Dispose() {}
