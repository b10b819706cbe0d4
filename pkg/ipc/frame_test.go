package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RawRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRawFrame(&buf, []byte(`{"hello":"world"}`)))

	payload, err := ReadRawFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(payload))
}

func TestFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRawFrame(&buf, nil))

	payload, err := ReadRawFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestFrame_MultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRawFrame(&buf, []byte("first")))
	require.NoError(t, WriteRawFrame(&buf, []byte("second")))

	one, err := ReadRawFrame(&buf)
	require.NoError(t, err)
	two, err := ReadRawFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(one))
	assert.Equal(t, "second", string(two))
}

func TestFrame_CleanCloseIsEOF(t *testing.T) {
	_, err := ReadRawFrame(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err, "a close at a frame boundary must surface as plain EOF")
}

func TestFrame_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRawFrame(&buf, []byte("truncated")))
	short := buf.Bytes()[:buf.Len()-3]

	_, err := ReadRawFrame(bytes.NewReader(short))
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestFrame_OversizedHeaderRejected(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameSize+1)

	_, err := ReadRawFrame(bytes.NewReader(header[:]))
	assert.ErrorContains(t, err, "frame too large")
}

func TestFrame_OversizedWriteRejected(t *testing.T) {
	err := WriteRawFrame(io.Discard, make([]byte, maxFrameSize+1))
	assert.ErrorContains(t, err, "frame too large")
}

func TestFrame_MessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(MessageTypeSchedulerCommand, Command{
		RequestID: "req-1",
		Command:   CommandSubmitGoal,
	})
	require.NoError(t, err)
	assert.False(t, msg.Timestamp.IsZero())

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, msg))

	decoded, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeSchedulerCommand, decoded.Type)

	var cmd Command
	require.NoError(t, json.Unmarshal(decoded.Data, &cmd))
	assert.Equal(t, "req-1", cmd.RequestID)
	assert.Equal(t, CommandSubmitGoal, cmd.Command)
}
