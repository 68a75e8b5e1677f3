//go:build linux

package guest

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/a3s-lab/box/pkg/log"
)

// childShutdownTimeout bounds how long children get after SIGTERM is
// forwarded before SIGKILL.
const childShutdownTimeout = 5 * time.Second

// Run is the guest init entry point: mount, network, isolate, serve,
// reap. It returns when the VM should shut down.
func Run() error {
	logger := log.WithComponent("guest-init")
	logger.Info().Int("pid", os.Getpid()).Msg("Guest init starting")

	if err := MountEssential(); err != nil {
		return err
	}
	if err := MountShares(); err != nil {
		return err
	}

	// As PID 1 the kernel delivers no unhandled signals; without an
	// explicit SIGTERM handler graceful termination is impossible.
	var shutdown atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGTERM)
	go func() {
		<-sigCh
		shutdown.Store(true)
	}()

	if err := ConfigureNetwork(); err != nil {
		logger.Error().Err(err).Msg("Network configuration failed")
	}

	agentCfg := AgentConfigFromEnv()
	if _, err := SpawnAgent(agentCfg, "/agent"); err != nil {
		return err
	}

	go func() {
		if err := RunExecServer(); err != nil {
			logger.Error().Err(err).Msg("Exec server failed")
		}
	}()
	go func() {
		if err := RunPtyServer(); err != nil {
			logger.Error().Err(err).Msg("PTY server failed")
		}
	}()

	reapChildren(&shutdown)

	logger.Info().Msg("Guest init exiting")
	return nil
}

// reapChildren is the supervisor loop: it non-blockingly reaps any
// child until shutdown is requested, then performs the graceful
// TERM → wait → KILL → sync sequence.
func reapChildren(shutdown *atomic.Bool) {
	logger := log.WithComponent("guest-init")

	for {
		if shutdown.Load() {
			logger.Info().Msg("SIGTERM received, shutting down children")
			gracefulShutdown()
			return
		}

		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		switch {
		case err == unix.ECHILD:
			// The workload is gone; nothing left to supervise.
			logger.Info().Msg("No more child processes")
			gracefulShutdown()
			return
		case err != nil:
			logger.Warn().Err(err).Msg("wait4 failed")
			time.Sleep(100 * time.Millisecond)
		case pid == 0:
			time.Sleep(100 * time.Millisecond)
		default:
			logger.Info().Int("pid", pid).Int("status", status.ExitStatus()).
				Msg("Reaped child")
		}
	}
}

// gracefulShutdown forwards SIGTERM to every process (kill(-1) spares
// PID 1), waits out the grace period, SIGKILLs stragglers, and syncs
// filesystem buffers.
func gracefulShutdown() {
	logger := log.WithComponent("guest-init")

	_ = unix.Kill(-1, unix.SIGTERM)

	deadline := time.Now().Add(childShutdownTimeout)
	for time.Now().Before(deadline) {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err == unix.ECHILD {
			logger.Info().Msg("All children exited")
			unix.Sync()
			return
		}
		if err != nil || pid == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
	}

	logger.Warn().Msg("Shutdown timeout reached, sending SIGKILL")
	_ = unix.Kill(-1, unix.SIGKILL)
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err == unix.ECHILD || (err == nil && pid == 0) {
			break
		}
		if err != nil {
			break
		}
	}

	unix.Sync()
	fmt.Fprintln(os.Stderr, "guest-init: shutdown complete")
}
