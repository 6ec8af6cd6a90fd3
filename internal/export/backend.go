package export

import (
	"context"

	"github.com/pvl-labs/usbip-broker/internal/transport"
)

// Transfer is one USB transfer request decoded from the session.
type Transfer struct {
	Type     transport.TransferType
	Endpoint uint8
	Dir      transport.Direction
	Payload  []byte
}

// Completion is the device's answer to a Transfer. For IN transfers Payload
// carries the data read from the device.
type Completion struct {
	Status  uint8
	Payload []byte
}

// Backend executes USB transfers against the physical (or emulated) device.
// Implementations must be safe for sequential calls per device; the agent
// never issues concurrent transfers for the same device.
type Backend interface {
	HandleTransfer(ctx context.Context, busID string, t Transfer) (Completion, error)
}

// LoopbackBackend answers every IN transfer with the bytes of the most
// recent OUT transfer on the same endpoint. Used by tests and by fake-claim
// deployments where no real device stack is present.
type LoopbackBackend struct {
	buf map[string]map[uint8][]byte
}

func NewLoopbackBackend() *LoopbackBackend {
	return &LoopbackBackend{buf: make(map[string]map[uint8][]byte)}
}

func (b *LoopbackBackend) HandleTransfer(_ context.Context, busID string, t Transfer) (Completion, error) {
	eps, ok := b.buf[busID]
	if !ok {
		eps = make(map[uint8][]byte)
		b.buf[busID] = eps
	}

	if t.Dir == transport.DirOut {
		data := make([]byte, len(t.Payload))
		copy(data, t.Payload)
		eps[t.Endpoint] = data
		return Completion{Status: transport.StatusOK}, nil
	}
	return Completion{Status: transport.StatusOK, Payload: eps[t.Endpoint]}, nil
}
