package importer

import (
	"sync"

	v1 "github.com/pvl-labs/usbip-broker/api/v1"
	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
)

// VirtualBus is where attached remote devices become visible to local
// consumer software. Implementations map a handle onto whatever device
// abstraction the consumer expects.
type VirtualBus interface {
	Attach(dev v1.Device, h *Handle) error
	Detach(deviceID string) error
}

// MemoryBus keeps attached devices in a map. Consumer software looks
// handles up by device ID and drives transfers through them directly.
type MemoryBus struct {
	mu      sync.RWMutex
	devices map[string]v1.Device
	handles map[string]*Handle
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		devices: make(map[string]v1.Device),
		handles: make(map[string]*Handle),
	}
}

func (b *MemoryBus) Attach(dev v1.Device, h *Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handles[dev.ID]; ok {
		return srvErrors.NewDeviceBusyError(dev.ID, "")
	}
	b.devices[dev.ID] = dev
	b.handles[dev.ID] = h
	return nil
}

func (b *MemoryBus) Detach(deviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handles[deviceID]; !ok {
		return srvErrors.NewDeviceNotFoundError(deviceID)
	}
	delete(b.devices, deviceID)
	delete(b.handles, deviceID)
	return nil
}

// Lookup returns the handle for an attached device.
func (b *MemoryBus) Lookup(deviceID string) (*Handle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handles[deviceID]
	return h, ok
}

// Devices lists currently attached devices.
func (b *MemoryBus) Devices() []v1.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]v1.Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	return out
}
