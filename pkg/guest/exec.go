package guest

import (
	"bytes"
	"os/exec"
	"strings"
	"time"

	"github.com/a3s-lab/box/pkg/wire"
)

// ExecuteCommand runs one exec request to completion and captures its
// output, subject to the per-stream cap and the request timeout. On
// timeout the child is SIGKILLed and exit code 137 is reported with a
// marker appended to stderr. A spawn failure reports 127.
func ExecuteCommand(req *wire.ExecRequest) *wire.ExecOutput {
	if len(req.Cmd) == 0 {
		return &wire.ExecOutput{
			Stderr:   []byte("Empty command"),
			ExitCode: 1,
		}
	}

	program := req.Cmd[0]
	args := req.Cmd[1:]
	if req.User != "" {
		program, args = WrapUserCommand(req.User, req.Cmd)
	}

	cmd := exec.Command(program, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if len(req.Env) > 0 {
		env := cmd.Environ()
		for _, entry := range req.Env {
			if strings.Contains(entry, "=") {
				env = append(env, entry)
			}
		}
		cmd.Env = env
	}
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	if err := cmd.Start(); err != nil {
		return &wire.ExecOutput{
			Stderr:   []byte("Failed to spawn command '" + req.Cmd[0] + "': " + err.Error()),
			ExitCode: wire.ExitCodeSpawnFailure,
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		exitCode := int32(0)
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				exitCode = int32(ee.ExitCode())
			} else {
				exitCode = 1
			}
		}
		return &wire.ExecOutput{
			Stdout:   wire.TruncateOutput(stdout.Bytes()),
			Stderr:   wire.TruncateOutput(stderr.Bytes()),
			ExitCode: exitCode,
		}

	case <-time.After(req.Timeout()):
		_ = cmd.Process.Kill()
		<-done

		out := append(stderr.Bytes(), []byte(wire.TimeoutMarker)...)
		return &wire.ExecOutput{
			Stdout:   wire.TruncateOutput(stdout.Bytes()),
			Stderr:   wire.TruncateOutput(out),
			ExitCode: wire.ExitCodeTimeout,
		}
	}
}
