package runtime

import (
	"context"
	"os/exec"
)

// buildOSCommand wraps os/exec into the runningCommand shape the SSH
// variant's Exec/ReadFile/WriteFile share, keeping the os/exec dependency
// out of ssh.go's remote-protocol construction logic.
func buildOSCommand(ctx context.Context, name string, args []string) *runningCommand {
	cmd := exec.CommandContext(ctx, name, args...)

	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	stdin, _ := cmd.StdinPipe()

	rc := &runningCommand{stdout: stdout, stderr: stderr, stdin: stdin}
	rc.waitFn = func() error {
		err := cmd.Wait()
		rc.code = cmd.ProcessState.ExitCode()
		return err
	}
	rc.killFn = func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	rc.start = func() error { return cmd.Start() }
	return rc
}
