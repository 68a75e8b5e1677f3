package guest

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/mdlayher/vsock"

	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/wire"
)

// RunPtyServer listens on vsock port 4090 and runs one interactive
// session per connection.
func RunPtyServer() error {
	lis, err := vsock.Listen(wire.PtyPort, nil)
	if err != nil {
		return err
	}
	return ServePty(lis)
}

// ServePty serves the PTY protocol on an arbitrary listener.
func ServePty(lis net.Listener) error {
	logger := log.WithComponent("pty-server")
	logger.Info().Uint32("port", wire.PtyPort).Msg("PTY server listening")

	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			if err := handlePtySession(conn); err != nil {
				logger.Warn().Err(err).Msg("PTY session failed")
			}
		}()
	}
}

// handlePtySession reads the request frame, allocates a PTY, launches
// the command as session leader on the slave side, and relays between
// the master and the connection. The exit frame is always the last
// frame on the wire.
func handlePtySession(conn net.Conn) error {
	frameType, payload, err := wire.ReadFrame(conn)
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if frameType != wire.FramePtyRequest {
		return wire.WriteError(conn, "expected PtyRequest frame")
	}

	var req wire.PtyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return wire.WriteError(conn, "invalid PtyRequest: "+err.Error())
	}
	if len(req.Cmd) == 0 {
		return wire.WriteError(conn, "empty command")
	}

	program := req.Cmd[0]
	args := req.Cmd[1:]
	if req.User != "" {
		program, args = WrapUserCommand(req.User, req.Cmd)
	}

	cmd := exec.Command(program, args...)
	env := append(os.Environ(), req.Env...)
	if !hasEnv(env, "TERM") {
		env = append(env, "TERM=xterm-256color")
	}
	cmd.Env = env
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: req.Cols, Rows: req.Rows})
	if err != nil {
		_ = wire.WriteError(conn, "spawn failed: "+err.Error())
		return err
	}
	defer master.Close()

	// Frame writes from the relay goroutine and the final exit frame
	// must not interleave.
	var writeMu sync.Mutex

	// Master → host: wrap output in data frames.
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		buf := make([]byte, 4096)
		for {
			n, err := master.Read(buf)
			if n > 0 {
				writeMu.Lock()
				werr := wire.WriteData(conn, buf[:n])
				writeMu.Unlock()
				if werr != nil {
					return
				}
			}
			if err != nil {
				// EIO means the slave side closed (child exited).
				return
			}
		}
	}()

	// Host → master: data frames to the terminal, resize frames to the
	// window size.
	go func() {
		for {
			frameType, payload, err := wire.ReadFrame(conn)
			if err != nil {
				// Host disconnected: the child is reaped below.
				_ = cmd.Process.Kill()
				return
			}
			switch frameType {
			case wire.FramePtyData:
				if _, err := master.Write(payload); err != nil {
					return
				}
			case wire.FramePtyResize:
				var resize wire.PtyResize
				if err := json.Unmarshal(payload, &resize); err == nil {
					_ = pty.Setsize(master, &pty.Winsize{Cols: resize.Cols, Rows: resize.Rows})
				}
			}
		}
	}()

	err = cmd.Wait()
	exitCode := int32(0)
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				// Shell convention for signal deaths.
				exitCode = 128 + int32(ws.Signal())
			} else {
				exitCode = int32(ee.ExitCode())
			}
		} else {
			exitCode = 1
		}
	}

	// Drain remaining master output before the exit frame.
	<-relayDone

	writeMu.Lock()
	defer writeMu.Unlock()
	return wire.WriteExit(conn, exitCode)
}

func hasEnv(env []string, key string) bool {
	prefix := key + "="
	for _, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
