package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	in := &Frame{
		Type:     FrameSubmit,
		Transfer: TransferBulk,
		Endpoint: 0x81,
		Dir:      DirIn,
		Status:   StatusOK,
		Seq:      42,
		Payload:  []byte("adb shell getprop"),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, in))

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Type: FrameHeartbeat}))

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameHeartbeat, out.Type)
	assert.Empty(t, out.Payload)
}

func TestFrameRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Type: FrameHello}))
	raw := buf.Bytes()
	raw[0] = 0xde
	raw[1] = 0xad

	_, err := ReadFrame(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "bad magic")
}

func TestFrameRejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Type: FrameHello}))
	raw := buf.Bytes()
	raw[2] = 99

	_, err := ReadFrame(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "unsupported protocol version")
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	err := WriteFrame(&bytes.Buffer{}, &Frame{
		Type:    FrameSubmit,
		Payload: make([]byte, maxPayload+1),
	})
	assert.ErrorContains(t, err, "exceeds limit")

	// A forged header with a huge length must be rejected before any
	// allocation happens.
	var hdr [headerSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], Magic)
	hdr[2] = Version
	hdr[3] = uint8(FrameSubmit)
	binary.BigEndian.PutUint32(hdr[16:20], maxPayload+1)

	_, err = ReadFrame(bytes.NewReader(hdr[:]))
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestHelloPayload(t *testing.T) {
	payload, err := EncodeHello(Hello{DeviceID: "agent-1:1-1", ConsumerID: "worker-3", Token: 7})
	require.NoError(t, err)

	h, err := DecodeHello(payload)
	require.NoError(t, err)
	assert.Equal(t, "agent-1:1-1", h.DeviceID)
	assert.Equal(t, "worker-3", h.ConsumerID)
	assert.Equal(t, uint64(7), h.Token)
}
