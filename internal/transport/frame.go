package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Wire format: a fixed 20-byte big-endian header followed by a
// length-prefixed payload.
//
//	offset  size  field
//	0       2     magic (0x5549)
//	2       1     protocol version
//	3       1     frame type
//	4       1     transfer type
//	5       1     endpoint address
//	6       1     direction
//	7       1     status
//	8       8     sequence number
//	16      4     payload length
//	20      n     payload
const (
	Magic      = 0x5549
	Version    = 1
	headerSize = 20
	maxPayload = 1 << 20 // largest USB transfer we relay
)

type FrameType uint8

const (
	FrameHello FrameType = iota + 1
	FrameHelloAck
	FrameSubmit
	FrameComplete
	FrameHeartbeat
	FrameFault
)

type TransferType uint8

// USB transfer types, numbered as in the USB 2.0 standard.
const (
	TransferControl TransferType = iota
	TransferIsochronous
	TransferBulk
	TransferInterrupt
)

type Direction uint8

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

// Completion and fault status values. Values below 10 are per-transfer
// completion results; values from 10 up only appear on FrameFault and name
// the reason the session is going away.
const (
	StatusOK    uint8 = 0
	StatusStall uint8 = 1
	StatusError uint8 = 2

	FaultDeviceRemoved uint8 = 10
	FaultLeaseRevoked  uint8 = 11
	FaultShutdown      uint8 = 12
)

type Frame struct {
	Type     FrameType
	Transfer TransferType
	Endpoint uint8
	Dir      Direction
	Status   uint8
	Seq      uint64
	Payload  []byte
}

// Hello is the JSON payload of the session-open frame.
type Hello struct {
	DeviceID   string `json:"device_id"`
	ConsumerID string `json:"consumer_id"`
	Token      uint64 `json:"token"`
}

func EncodeHello(h Hello) ([]byte, error) {
	return json.Marshal(h)
}

func DecodeHello(b []byte) (Hello, error) {
	var h Hello
	err := json.Unmarshal(b, &h)
	return h, err
}

// WriteFrame marshals f to w. The caller serializes concurrent writers.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > maxPayload {
		return fmt.Errorf("payload %d exceeds limit %d", len(f.Payload), maxPayload)
	}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], Magic)
	hdr[2] = Version
	hdr[3] = uint8(f.Type)
	hdr[4] = uint8(f.Transfer)
	hdr[5] = f.Endpoint
	hdr[6] = uint8(f.Dir)
	hdr[7] = f.Status
	binary.BigEndian.PutUint64(hdr[8:16], f.Seq)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(f.Payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame unmarshals the next frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	if m := binary.BigEndian.Uint16(hdr[0:2]); m != Magic {
		return nil, fmt.Errorf("bad magic 0x%04x", m)
	}
	if hdr[2] != Version {
		return nil, fmt.Errorf("unsupported protocol version %d", hdr[2])
	}

	f := &Frame{
		Type:     FrameType(hdr[3]),
		Transfer: TransferType(hdr[4]),
		Endpoint: hdr[5],
		Dir:      Direction(hdr[6]),
		Status:   hdr[7],
		Seq:      binary.BigEndian.Uint64(hdr[8:16]),
	}

	size := binary.BigEndian.Uint32(hdr[16:20])
	if size > maxPayload {
		return nil, fmt.Errorf("payload %d exceeds limit %d", size, maxPayload)
	}
	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}
