package vmm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/a3s-lab/box/pkg/wire"
)

// PtySession is a host-side interactive session against the guest PTY
// server, reached over the instance's Unix socket bridge.
//
// Writes go to the guest terminal as data frames; Output delivers
// terminal output. The session ends when the guest sends its exit frame
// (always the last frame on the wire) or the connection drops.
type PtySession struct {
	conn net.Conn

	mu     sync.Mutex // serializes frame writes
	output chan []byte
	done   chan struct{}

	exitOnce sync.Once
	exitCode int32
	err      error
}

// OpenPtySession dials the pty.sock bridge and starts a session running
// the requested command.
func OpenPtySession(ctx context.Context, socketPath string, req *wire.PtyRequest) (*PtySession, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing pty bridge: %w", err)
	}

	if err := wire.WriteJSONFrame(conn, wire.FramePtyRequest, req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending pty request: %w", err)
	}

	s := &PtySession{
		conn:   conn,
		output: make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Write sends terminal input to the guest.
func (s *PtySession) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.WriteData(s.conn, data)
}

// Resize updates the guest terminal window size.
func (s *PtySession) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.WriteJSONFrame(s.conn, wire.FramePtyResize, wire.PtyResize{Cols: cols, Rows: rows})
}

// Output returns the channel of terminal output chunks. It is closed
// when the session ends.
func (s *PtySession) Output() <-chan []byte { return s.output }

// Wait blocks until the session ends and returns the guest exit code.
func (s *PtySession) Wait(ctx context.Context) (int32, error) {
	select {
	case <-s.done:
		return s.exitCode, s.err
	case <-ctx.Done():
		s.Close()
		return -1, ctx.Err()
	}
}

// Close tears down the session.
func (s *PtySession) Close() error {
	return s.conn.Close()
}

func (s *PtySession) readLoop() {
	defer close(s.done)
	defer close(s.output)
	defer s.conn.Close()

	for {
		frameType, payload, err := wire.ReadFrame(s.conn)
		if err != nil {
			if err != io.EOF {
				s.finish(-1, fmt.Errorf("reading pty frame: %w", err))
			} else {
				s.finish(-1, io.ErrUnexpectedEOF)
			}
			return
		}

		switch frameType {
		case wire.FramePtyData:
			s.output <- payload
		case wire.FramePtyExit:
			var exit wire.PtyExit
			if err := json.Unmarshal(payload, &exit); err != nil {
				s.finish(-1, fmt.Errorf("decoding exit frame: %w", err))
				return
			}
			s.finish(exit.ExitCode, nil)
			return
		case wire.FramePtyError:
			var perr wire.PtyError
			_ = json.Unmarshal(payload, &perr)
			s.finish(-1, fmt.Errorf("pty server: %s", perr.Message))
			return
		default:
			// Unknown frame types are ignored for forward compatibility.
		}
	}
}

func (s *PtySession) finish(code int32, err error) {
	s.exitOnce.Do(func() {
		s.exitCode = code
		s.err = err
	})
}
