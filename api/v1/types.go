// Package v1 defines the broker's HTTP API surface: request and response
// bodies plus the error-code vocabulary shared by server and client.
package v1

import (
	"time"

	"github.com/pvl-labs/usbip-broker/internal/models"
)

type Device struct {
	ID          string `json:"id"`
	HostAgentID string `json:"host_agent_id"`
	BusID       string `json:"bus_id"`
	VendorID    uint16 `json:"vendor_id"`
	ProductID   uint16 `json:"product_id"`
	Product     string `json:"product,omitempty"`
	State       string `json:"state"`
}

type DeviceDescriptor struct {
	BusID     string `json:"bus_id" binding:"required"`
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
	Serial    string `json:"serial,omitempty"`
	Class     uint8  `json:"class,omitempty"`
	Speed     string `json:"speed,omitempty"`
	Product   string `json:"product,omitempty"`
}

func (d DeviceDescriptor) ToModel() models.DeviceDescriptor {
	speed := models.Speed(d.Speed)
	if speed == "" {
		speed = models.SpeedUnknown
	}
	return models.DeviceDescriptor{
		BusID:     d.BusID,
		VendorID:  d.VendorID,
		ProductID: d.ProductID,
		Serial:    d.Serial,
		Class:     d.Class,
		Speed:     speed,
		Product:   d.Product,
	}
}

func NewDeviceFromSummary(s models.DeviceSummary) Device {
	return Device{
		ID:          s.ID,
		HostAgentID: s.HostAgentID,
		BusID:       s.BusID,
		VendorID:    s.VendorID,
		ProductID:   s.ProductID,
		Product:     s.Product,
		State:       string(s.State),
	}
}

type RegisterAgentRequest struct {
	AgentID  string `json:"agent_id" binding:"required"`
	DataAddr string `json:"data_addr" binding:"required"`
}

type RegisterAgentResponse struct {
	AgentID string `json:"agent_id"`
}

type RegisterDeviceRequest struct {
	Descriptor DeviceDescriptor `json:"descriptor" binding:"required"`
}

type RegisterDeviceResponse struct {
	DeviceID string `json:"device_id"`
}

type Directive struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
}

// HeartbeatResponse carries teardown directives back to the export agent.
// This is the only push path the broker has, so revocations take effect
// within one heartbeat interval.
type HeartbeatResponse struct {
	Directives []Directive `json:"directives,omitempty"`
}

type AcquireLeaseRequest struct {
	ConsumerID string `json:"consumer_id" binding:"required"`
	TTLSeconds int64  `json:"ttl_seconds" binding:"required,gt=0"`
}

type AcquireLeaseResponse struct {
	DeviceID   string `json:"device_id"`
	Token      uint64 `json:"token"`
	TTLSeconds int64  `json:"ttl_seconds"`
	// DataAddr is the export agent's session listener; the import agent
	// dials it directly.
	DataAddr string `json:"data_addr"`
	BusID    string `json:"bus_id"`
}

type RenewLeaseRequest struct {
	Token uint64 `json:"token" binding:"required"`
}

type RenewLeaseResponse struct {
	// RemainingSeconds is the time between now and the new deadline.
	RemainingSeconds int64 `json:"remaining_seconds"`
}

type ReleaseLeaseRequest struct {
	Token uint64 `json:"token" binding:"required"`
}

type MarkBoundRequest struct {
	Token uint64 `json:"token" binding:"required"`
}

type RevokeLeaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

type LeaseInfo struct {
	DeviceID   string    `json:"device_id"`
	ConsumerID string    `json:"consumer_id"`
	Token      uint64    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}
