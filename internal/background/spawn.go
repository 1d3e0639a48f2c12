// Package background implements file-anchored long-running processes
// inside a runtime: spawn via a detached process-group wrapper, observe
// via an exit-code file, terminate via group signals, incrementally read
// merged and split output logs.
package background

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mux-run/mux/internal/metrics"
	"github.com/mux-run/mux/internal/muxerr"
	"github.com/mux-run/mux/internal/runtime"
)

// SpawnRequest carries the parameters of a single background-process
// spawn call.
type SpawnRequest struct {
	Script    string
	Cwd       string
	Env       map[string]string
	OutputDir string
	Niceness  int
}

// BuildWrapperScript joins the EXIT trap, cwd change, env exports, and the
// user script with `&&`. Every value is POSIX-quoted
// before insertion.
func BuildWrapperScript(req SpawnRequest) string {
	var parts []string

	exitCodePath := req.OutputDir + "/exit_code"
	trapBody := "echo $? > " + runtime.ShellQuote(exitCodePath)
	parts = append(parts, "trap "+runtime.ShellQuote(trapBody)+" EXIT")
	parts = append(parts, "cd "+runtime.ShellQuote(req.Cwd))

	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("export %s=%s", k, runtime.ShellQuote(req.Env[k])))
	}

	parts = append(parts, req.Script)
	return strings.Join(parts, " && ")
}

// BuildSpawnCommand builds the Unix spawn command: a
// detached, process-group-leading, niced, nohup'd bash running the wrapper
// script, with stdout/stderr split to their own files and also merged into
// output.log, followed by a PGID lookup (ps, then /proc, then fallback to
// the PID) and an echo of "<pid> <pgid>" for the caller to parse.
func BuildSpawnCommand(wrapperScript string, req SpawnRequest) string {
	quotedWrapper := runtime.ShellQuote(wrapperScript)

	nohupPrefix := "nohup"
	if req.Niceness != 0 {
		nohupPrefix = fmt.Sprintf("nice -n %d nohup", req.Niceness)
	}

	stdoutPath := runtime.ShellQuote(req.OutputDir + "/stdout")
	stderrPath := runtime.ShellQuote(req.OutputDir + "/stderr")
	outputLogPath := runtime.ShellQuote(req.OutputDir + "/output.log")

	redirect := fmt.Sprintf(
		"> >(tee %s >> %s) 2> >(tee %s >> %s >&2)",
		stdoutPath, outputLogPath, stderrPath, outputLogPath,
	)

	spawn := fmt.Sprintf("%s bash -c %s %s < /dev/null", nohupPrefix, quotedWrapper, redirect)

	pgidLookup := "PGID=$(ps -o pgid= -p $! 2>/dev/null | tr -d ' '); " +
		"if [ -z \"$PGID\" ]; then PGID=$(cat /proc/$!/stat 2>/dev/null | awk '{print $5}'); fi; " +
		"if [ -z \"$PGID\" ]; then PGID=$!; fi"

	return fmt.Sprintf("( set -m; %s & %s; echo \"$! $PGID\" )", spawn, pgidLookup)
}

// Spawn runs the spawn command through rt and parses the resulting
// "<pid> <pgid>" line into a Handle.
func Spawn(ctx context.Context, rt runtime.Runtime, req SpawnRequest) (*Handle, error) {
	wrapper := BuildWrapperScript(req)
	command := BuildSpawnCommand(wrapper, req)

	stream, err := rt.Exec(ctx, command, runtime.ExecOptions{Cwd: req.Cwd})
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindExec, "spawn background process", err)
	}

	scanner := bufio.NewScanner(stream.Stdout)
	var line string
	for scanner.Scan() {
		if text := strings.TrimSpace(scanner.Text()); text != "" {
			line = text
		}
	}

	exitCode, _, waitErr := stream.Wait(ctx)
	if waitErr != nil {
		return nil, muxerr.Wrap(muxerr.KindExec, "spawn background process", waitErr)
	}
	if exitCode != 0 {
		return nil, muxerr.New(muxerr.KindExec, fmt.Sprintf("spawn command exited %d", exitCode))
	}

	pid, pgid, err := parsePidPgid(line)
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindExec, "parse spawn output", err)
	}

	metrics.BackgroundProcessesAlive.Inc()
	return NewHandle(rt, req.OutputDir, pid, pgid), nil
}

func parsePidPgid(line string) (pid, pgid int, err error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("expected \"<pid> <pgid>\", got %q", line)
	}
	if _, err := fmt.Sscanf(fields[0], "%d", &pid); err != nil {
		return 0, 0, fmt.Errorf("invalid pid %q: %w", fields[0], err)
	}
	if _, err := fmt.Sscanf(fields[1], "%d", &pgid); err != nil {
		return 0, 0, fmt.Errorf("invalid pgid %q: %w", fields[1], err)
	}
	return pid, pgid, nil
}
