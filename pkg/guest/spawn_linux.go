//go:build linux

package guest

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/a3s-lab/box/pkg/log"
)

// SpawnAgent launches the workload described by cfg in a fresh set of
// namespaces (mount, IPC, UTS) so it sees a restricted view of the VM.
// The child keeps the init's PID namespace so init can reap it
// directly. Returns the child PID.
func SpawnAgent(cfg AgentConfig, workDir string) (int, error) {
	logger := log.WithComponent("guest-init")

	cmd := exec.Command(cfg.Executable, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Dir = workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawning agent %s: %w", cfg.Executable, err)
	}

	// Detach: the supervisor loop reaps via wait(-1), not cmd.Wait.
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	logger.Info().Str("exec", cfg.Executable).Strs("args", cfg.Args).
		Int("pid", pid).Msg("Agent started in isolated namespace")
	return pid, nil
}
