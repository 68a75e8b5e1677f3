package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, WriteFrame(&buf, FramePtyData, []byte("hello")))
	require.NoError(t, WriteJSONFrame(&buf, FramePtyResize, PtyResize{Cols: 120, Rows: 40}))
	require.NoError(t, WriteExit(&buf, 42))

	ft, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FramePtyData, ft)
	assert.Equal(t, []byte("hello"), payload)

	ft, payload, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FramePtyResize, ft)
	var resize PtyResize
	require.NoError(t, json.Unmarshal(payload, &resize))
	assert.Equal(t, uint16(120), resize.Cols)
	assert.Equal(t, uint16(40), resize.Rows)

	ft, payload, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FramePtyExit, ft)
	var exit PtyExit
	require.NoError(t, json.Unmarshal(payload, &exit))
	assert.Equal(t, int32(42), exit.ExitCode)

	_, _, err = ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FramePtyData, nil))

	ft, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FramePtyData, ft)
	assert.Empty(t, payload)
}

func TestFramePayloadBound(t *testing.T) {
	// Oversized writes are refused.
	var buf bytes.Buffer
	err := WriteFrame(&buf, FramePtyData, make([]byte, MaxFramePayload+1))
	assert.Error(t, err)

	// A hostile length prefix is rejected before allocation.
	hostile := []byte{FramePtyData, 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err = ReadFrame(bytes.NewReader(hostile))
	assert.Error(t, err)
}

func TestFrameTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FramePtyData, []byte("hello")))
	truncated := buf.Bytes()[:buf.Len()-2]

	_, _, err := ReadFrame(bytes.NewReader(truncated))
	assert.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestExecRequestTimeout(t *testing.T) {
	req := &ExecRequest{}
	assert.Equal(t, DefaultExecTimeout, req.Timeout())

	req.TimeoutNs = 1e9
	assert.Equal(t, int64(1e9), req.Timeout().Nanoseconds())
}

func TestTruncateOutput(t *testing.T) {
	assert.Len(t, TruncateOutput(make([]byte, MaxOutputBytes+1000)), MaxOutputBytes)
	assert.Len(t, TruncateOutput(make([]byte, 100)), 100)
	assert.Empty(t, TruncateOutput(nil))
}
