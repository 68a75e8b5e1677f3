package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Vsock port for the PTY server inside the guest.
const PtyPort uint32 = 4090

// Frame types. Each frame on the wire is a 1-byte type, a 4-byte
// big-endian payload length, and the payload.
const (
	FramePtyRequest byte = 0x01
	FramePtyData    byte = 0x02
	FramePtyResize  byte = 0x03
	FramePtyExit    byte = 0x04
	FramePtyError   byte = 0x05
)

// MaxFramePayload bounds a single frame payload so a corrupt or hostile
// length prefix cannot drive an unbounded allocation.
const MaxFramePayload = 1 << 20

// PtyRequest is the JSON payload of the first frame of a session.
type PtyRequest struct {
	Cmd        []string `json:"cmd"`
	Env        []string `json:"env,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
	User       string   `json:"user,omitempty"`
	Cols       uint16   `json:"cols"`
	Rows       uint16   `json:"rows"`
}

// PtyResize is the JSON payload of a resize frame.
type PtyResize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// PtyExit is the JSON payload of the final frame of a session.
type PtyExit struct {
	ExitCode int32 `json:"exit_code"`
}

// PtyError is the JSON payload of an error frame.
type PtyError struct {
	Message string `json:"message"`
}

// ReadFrame reads one frame. It returns io.EOF when the stream ends
// cleanly before a frame starts.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		return 0, nil, err
	}
	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return 0, nil, fmt.Errorf("short frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxFramePayload {
		return 0, nil, fmt.Errorf("frame payload %d exceeds limit %d", length, MaxFramePayload)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("short frame payload: %w", err)
	}
	return header[0], payload, nil
}

// WriteFrame writes one frame.
func WriteFrame(w io.Writer, frameType byte, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("frame payload %d exceeds limit %d", len(payload), MaxFramePayload)
	}

	var header [5]byte
	header[0] = frameType
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteJSONFrame marshals v and writes it as a frame of the given type.
func WriteJSONFrame(w io.Writer, frameType byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, frameType, payload)
}

// WriteData writes a raw data frame.
func WriteData(w io.Writer, data []byte) error {
	return WriteFrame(w, FramePtyData, data)
}

// WriteExit writes the final exit frame of a session.
func WriteExit(w io.Writer, exitCode int32) error {
	return WriteJSONFrame(w, FramePtyExit, PtyExit{ExitCode: exitCode})
}

// WriteError writes an error frame.
func WriteError(w io.Writer, message string) error {
	return WriteJSONFrame(w, FramePtyError, PtyError{Message: message})
}
