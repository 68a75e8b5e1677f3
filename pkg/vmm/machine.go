package vmm

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/a3s-lab/box/pkg/errdefs"
	"github.com/a3s-lab/box/pkg/events"
	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/metrics"
	"github.com/a3s-lab/box/pkg/types"
)

// State is a machine lifecycle state. Transitions are totally ordered
// per machine: Created → Booting → Running → Stopping → Stopped →
// Destroyed, with Failed reachable from any non-terminal state.
type State string

const (
	StateCreated   State = "created"
	StateBooting   State = "booting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateDestroyed State = "destroyed"
	StateFailed    State = "failed"
)

// How long Boot waits for the agent socket before declaring failure.
const bootReadyTimeout = 10 * time.Second

// Machine manages one VM instance: its working directory, its shim
// subprocess, and its lifecycle state.
type Machine struct {
	mu sync.Mutex

	id    string
	name  string
	dir   string
	state State

	cfg     KrunConfig
	shimBin string
	shimPID int
	shimCmd *exec.Cmd

	// shimExited is closed when the shim process has been reaped.
	shimExited chan struct{}

	broker *events.Broker
	logger zerolog.Logger
}

// NewMachine allocates the instance UUID and working directory with its
// sockets directory and console log.
func NewMachine(rootDir, shimBin, name string, broker *events.Broker) (*Machine, error) {
	id := uuid.NewString()
	dir := filepath.Join(rootDir, "boxes", id)

	if err := os.MkdirAll(filepath.Join(dir, "sockets"), 0o755); err != nil {
		return nil, errdefs.Boot("creating instance directory %s: %v", dir, err)
	}
	if f, err := os.Create(filepath.Join(dir, "console.log")); err == nil {
		f.Close()
	}

	m := &Machine{
		id:      id,
		name:    name,
		dir:     dir,
		state:   StateCreated,
		shimBin: shimBin,
		broker:  broker,
		logger:  log.WithBoxID(types.ShortID(id)),
	}

	m.emit(events.EventBoxCreated, "Created box "+types.ShortID(id))
	return m, nil
}

// ID returns the full instance UUID.
func (m *Machine) ID() string { return m.id }

// Name returns the instance name, which may be empty.
func (m *Machine) Name() string { return m.name }

// Dir returns the instance working directory.
func (m *Machine) Dir() string { return m.dir }

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PID returns the shim PID, or 0 before boot and after death.
func (m *Machine) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shimPID
}

// SocketPath returns the host path of a named instance socket
// (grpc.sock, exec.sock, pty.sock).
func (m *Machine) SocketPath(name string) string {
	return filepath.Join(m.dir, "sockets", name)
}

// ConsoleLogPath returns the console capture file.
func (m *Machine) ConsoleLogPath() string {
	return filepath.Join(m.dir, "console.log")
}

// Configure records the machine configuration to boot with.
func (m *Machine) Configure(cfg KrunConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Boot spawns the shim subprocess and waits for the agent vsock socket
// to appear.
//
// The VMM enter call performs process takeover, so it must run in a
// disposable subprocess: the shim becomes the VM and never returns
// under normal operation. Booting in-process would replace the host
// application.
func (m *Machine) Boot(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateCreated {
		state := m.state
		m.mu.Unlock()
		return errdefs.Boot("cannot boot from state %s", state)
	}
	m.state = StateBooting
	m.mu.Unlock()

	m.emit(events.EventBoxBooting, "Booting box "+types.ShortID(m.id))
	start := time.Now()

	configPath := filepath.Join(m.dir, "machine.json")
	raw, err := json.MarshalIndent(&m.cfg, "", "  ")
	if err != nil {
		return m.bootFailed(errdefs.Boot("encoding machine config: %v", err))
	}
	if err := os.WriteFile(configPath, raw, 0o600); err != nil {
		return m.bootFailed(errdefs.Boot("writing machine config: %v", err))
	}

	if _, err := os.Stat(m.cfg.Rootfs); err != nil {
		return m.bootFailed(errdefs.Boot("rootfs missing: %s", m.cfg.Rootfs))
	}

	console, err := os.OpenFile(m.ConsoleLogPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return m.bootFailed(errdefs.Boot("opening console log: %v", err))
	}

	cmd := exec.Command(m.shimBin, "--config", configPath)
	cmd.Stdout = console
	cmd.Stderr = console
	if err := cmd.Start(); err != nil {
		console.Close()
		return m.bootFailed(errdefs.Boot("spawning shim: %v", err))
	}
	console.Close()

	exited := make(chan struct{})
	m.mu.Lock()
	m.shimCmd = cmd
	m.shimPID = cmd.Process.Pid
	m.shimExited = exited
	m.mu.Unlock()

	// Reap the shim whenever it exits; Stop waits on this channel.
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	if err := m.waitForAgentSocket(ctx, exited); err != nil {
		_ = cmd.Process.Kill()
		return m.bootFailed(err)
	}

	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()

	metrics.BootsTotal.WithLabelValues("ok").Inc()
	metrics.BootDuration.Observe(time.Since(start).Seconds())

	m.logger.Info().Int("pid", m.PID()).Dur("took", time.Since(start)).Msg("VM running")
	m.emit(events.EventBoxRunning, "Box "+types.ShortID(m.id)+" running")
	return nil
}

// waitForAgentSocket polls for the agent vsock bridge socket. A shim
// that exits before the socket appears means the enter call failed.
func (m *Machine) waitForAgentSocket(ctx context.Context, exited <-chan struct{}) error {
	agentSock := m.SocketPath("grpc.sock")
	deadline := time.NewTimer(bootReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return errdefs.Boot("boot cancelled: %v", ctx.Err())
		case <-exited:
			return errdefs.Boot("shim exited before VM became ready (see %s)", m.ConsoleLogPath())
		case <-deadline.C:
			return errdefs.Timeout("agent socket %s did not appear within %s", agentSock, bootReadyTimeout)
		case <-tick.C:
			if _, err := os.Stat(agentSock); err == nil {
				return nil
			}
		}
	}
}

// Stop signals the shim with SIGTERM and waits for it to exit. The
// guest init forwards the signal to its children, waits out its grace
// period, and lets the kernel terminate the VM. If the shim does not
// exit within timeout, it is SIGKILLed.
func (m *Machine) Stop(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if m.state != StateRunning {
		state := m.state
		m.mu.Unlock()
		if state == StateStopped || state == StateFailed {
			return nil
		}
		return errdefs.Boot("cannot stop from state %s", state)
	}
	m.state = StateStopping
	cmd := m.shimCmd
	exited := m.shimExited
	m.mu.Unlock()

	m.logger.Info().Msg("Stopping VM")

	if err := cmd.Process.Signal(unix.SIGTERM); err != nil {
		m.logger.Debug().Err(err).Msg("SIGTERM delivery failed")
	}

	select {
	case <-exited:
	case <-time.After(timeout):
		m.logger.Warn().Dur("timeout", timeout).Msg("Shim did not exit, escalating to SIGKILL")
		_ = cmd.Process.Kill()
		select {
		case <-exited:
		case <-ctx.Done():
			return errdefs.Timeout("waiting for shim exit: %v", ctx.Err())
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return errdefs.Timeout("waiting for shim exit: %v", ctx.Err())
	}

	m.mu.Lock()
	m.state = StateStopped
	m.shimPID = 0
	m.mu.Unlock()

	m.emit(events.EventBoxStopped, "Box "+types.ShortID(m.id)+" stopped")
	return nil
}

// Destroy removes the working directory (rootfs copy, sockets, logs).
// The rootfs cache entry, if any, survives.
func (m *Machine) Destroy(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	if state == StateRunning || state == StateStopping {
		if err := m.Stop(ctx, 10*time.Second); err != nil {
			m.logger.Warn().Err(err).Msg("Stop during destroy failed, removing anyway")
		}
	}

	if err := os.RemoveAll(m.dir); err != nil {
		// The record is still dropped by the caller; operators can
		// garbage-collect the directory manually.
		m.logger.Error().Err(err).Str("dir", m.dir).Msg("Failed to remove instance directory")
	}

	m.mu.Lock()
	m.state = StateDestroyed
	m.mu.Unlock()

	m.emit(events.EventBoxDestroyed, "Box "+types.ShortID(m.id)+" destroyed")
	return nil
}

// MarkDead records that the shim died out from under us (found by a
// reconciliation sweep).
func (m *Machine) MarkDead() {
	m.mu.Lock()
	m.state = StateFailed
	m.shimPID = 0
	m.mu.Unlock()
	m.emit(events.EventBoxDied, "Box "+types.ShortID(m.id)+" died unexpectedly")
}

// Record renders the machine as a persistable box record.
func (m *Machine) Record(image string) types.BoxRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := types.BoxStatusCreated
	switch m.state {
	case StateRunning, StateStopping:
		status = types.BoxStatusRunning
	case StateStopped, StateDestroyed:
		status = types.BoxStatusStopped
	case StateFailed:
		status = types.BoxStatusDead
	}

	return types.BoxRecord{
		ID:     m.id,
		Name:   m.name,
		Image:  image,
		Status: status,
		PID:    m.shimPID,
		Dir:    m.dir,
	}
}

func (m *Machine) bootFailed(err error) error {
	m.mu.Lock()
	m.state = StateFailed
	m.mu.Unlock()

	metrics.BootsTotal.WithLabelValues("failed").Inc()
	m.logger.Error().Err(err).Msg("Boot failed")
	m.emit(events.EventBoxBootFail, err.Error())
	return err
}

func (m *Machine) emit(t events.EventType, msg string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:      m.id,
		Type:    t,
		Message: msg,
		Metadata: map[string]string{
			"box_id": m.id,
		},
	})
}
