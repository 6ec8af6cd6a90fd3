package models

import (
	"fmt"
	"time"
)

type DeviceState string

const (
	// DeviceStateFree: attached, no lease.
	DeviceStateFree DeviceState = "free"
	// DeviceStateLeased: a consumer holds the lease, no session open yet.
	DeviceStateLeased DeviceState = "leased"
	// DeviceStateBound: leased and claimed at the OS level with an open session.
	DeviceStateBound DeviceState = "bound"
	// DeviceStateUnreachable: the host agent stopped reporting; purged after a
	// grace period.
	DeviceStateUnreachable DeviceState = "unreachable"
)

func ParseDeviceState(s string) (DeviceState, error) {
	switch s {
	case "free":
		return DeviceStateFree, nil
	case "leased":
		return DeviceStateLeased, nil
	case "bound":
		return DeviceStateBound, nil
	case "unreachable":
		return DeviceStateUnreachable, nil
	default:
		return "", fmt.Errorf("invalid device state: %s", s)
	}
}

type Speed string

const (
	SpeedUnknown Speed = "unknown"
	SpeedLow     Speed = "low"
	SpeedFull    Speed = "full"
	SpeedHigh    Speed = "high"
	SpeedSuper   Speed = "super"
)

// DeviceDescriptor carries the identity of a physical USB device as seen by
// the export agent. BusID is the stable bus path (e.g. "3-2.1") used as the
// idempotency key together with the host agent ID.
type DeviceDescriptor struct {
	BusID     string
	VendorID  uint16
	ProductID uint16
	Serial    string
	Class     uint8
	Speed     Speed
	Product   string
}

// Key is the registry idempotency key for a descriptor reported by one
// agent. It doubles as the device ID, so it must stay a single URL path
// segment (no slashes).
func (d DeviceDescriptor) Key(hostAgentID string) string {
	return fmt.Sprintf("%s:%s", hostAgentID, d.BusID)
}

// Device is the registry record for one physical device.
type Device struct {
	ID          string
	HostAgentID string
	Descriptor  DeviceDescriptor
	State       DeviceState

	// LastToken is the highest lease token ever issued for this device.
	// Tokens are strictly monotonic within the device's lifetime.
	LastToken uint64

	RegisteredAt time.Time
	// UnreachableSince is set when the device transitions to unreachable;
	// the purge sweep uses it to apply the grace period.
	UnreachableSince time.Time
}

// DeviceSummary is the list-view projection of a Device.
type DeviceSummary struct {
	ID          string
	HostAgentID string
	BusID       string
	VendorID    uint16
	ProductID   uint16
	Product     string
	State       DeviceState
}

func (d *Device) Summary() DeviceSummary {
	return DeviceSummary{
		ID:          d.ID,
		HostAgentID: d.HostAgentID,
		BusID:       d.Descriptor.BusID,
		VendorID:    d.Descriptor.VendorID,
		ProductID:   d.Descriptor.ProductID,
		Product:     d.Descriptor.Product,
		State:       d.State,
	}
}
