package sshpool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mux-run/mux/internal/muxerr"
)

// ProbeTimeout bounds a single connectivity probe, so a hung probe fails
// with a timeout instead of blocking its caller indefinitely.
const ProbeTimeout = 8 * time.Second

// CommandProber probes targets by shelling out to the system ssh binary,
// the same engine used by the worktree/local runtime's git subprocess
// conventions: real OpenSSH so ControlMaster multiplexing is shared with
// every other mux-spawned ssh/scp/rsync invocation against the same
// target. golang.org/x/crypto/ssh cannot participate in that OS-level
// socket sharing, so it is not used here.
type CommandProber struct {
	// TempDir is the directory control sockets are created under.
	// Defaults to os.TempDir() when empty.
	TempDir string
}

func (p *CommandProber) tempDir() string {
	if p.TempDir != "" {
		return p.TempDir
	}
	return os.TempDir()
}

// Probe runs a non-interactive "echo ok" over a multiplexed ssh connection,
// establishing the ControlMaster socket on first use and reusing it on
// subsequent probes and transport calls against the same target.
func (p *CommandProber) Probe(ctx context.Context, target Target) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	args := p.baseArgs(target)
	args = append(args,
		"-o", "ConnectTimeout="+strconv.Itoa(int(ProbeTimeout.Seconds())),
		"-o", "BatchMode=yes",
		target.Host,
		"echo", "ok",
	)

	cmd := exec.CommandContext(ctx, "ssh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return muxerr.Wrap(muxerr.KindNetwork, fmt.Sprintf("ssh probe to %s failed: %s", target.Host, trimOutput(out)), err)
	}
	return nil
}

// baseArgs assembles the multiplexing flags shared by every invocation
// (probe, transport, file sync) against this target.
func (p *CommandProber) baseArgs(target Target) []string {
	socket := target.MultiplexSocketPath(p.tempDir())
	args := []string{
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + socket,
		"-o", "ControlPersist=60",
		"-o", "StrictHostKeyChecking=accept-new",
	}
	if target.IdentityFile != "" {
		args = append(args, "-i", target.IdentityFile)
	}
	if target.normalizedPort() != 22 {
		args = append(args, "-p", strconv.Itoa(target.normalizedPort()))
	}
	return args
}

// CommandArgs exposes the multiplex flags for callers building a full
// transport command line (e.g. the background-process spawn wrapper or an
// scp invocation) so every subprocess shares the same control socket.
func (p *CommandProber) CommandArgs(target Target) []string {
	return p.baseArgs(target)
}

// SocketPath returns the deterministic control socket path for target
// under this prober's temp directory.
func (p *CommandProber) SocketPath(target Target) string {
	return target.MultiplexSocketPath(p.tempDir())
}

// CloseMultiplex tears down a target's ControlMaster socket, e.g. when a
// workspace's SSH runtime config is deleted and the pool entry is evicted.
func (p *CommandProber) CloseMultiplex(ctx context.Context, target Target) error {
	socket := target.MultiplexSocketPath(p.tempDir())
	if _, err := os.Stat(socket); os.IsNotExist(err) {
		return nil
	}
	args := []string{"-o", "ControlPath=" + socket, "-O", "exit", target.Host}
	cmd := exec.CommandContext(ctx, "ssh", args...)
	_ = cmd.Run()
	return os.RemoveAll(filepath.Clean(socket))
}

func trimOutput(out []byte) string {
	const max = 400
	s := string(out)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
