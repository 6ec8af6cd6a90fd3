package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	v1 "github.com/pvl-labs/usbip-broker/api/v1"
	"github.com/pvl-labs/usbip-broker/internal/models"
)

// AcquireLease attempts to lease the device to the requesting consumer
// (POST /devices/{id}/lease)
func (h *Handler) AcquireLease(c *gin.Context) {
	deviceID := c.Param("id")

	var req v1.AcquireLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	// The consumer dials the export agent directly for the data path, so
	// both records must resolve before a lease is handed out. Looking them
	// up first keeps every failure path lease-free.
	dev, err := h.broker.Registry().Get(deviceID)
	if err != nil {
		fail(c, err)
		return
	}
	agent, err := h.broker.Registry().Agent(dev.HostAgentID)
	if err != nil {
		zap.S().Named("lease_handler").Errorw("device has no agent record",
			"device", deviceID, "agent", dev.HostAgentID, "error", err)
		fail(c, err)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	l, err := h.broker.Coordinator().Acquire(deviceID, req.ConsumerID, ttl)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, v1.AcquireLeaseResponse{
		DeviceID:   deviceID,
		Token:      l.Token,
		TTLSeconds: req.TTLSeconds,
		DataAddr:   agent.DataAddr,
		BusID:      dev.Descriptor.BusID,
	})
}

// GetLease returns the active lease on a device; export agents use this to
// validate session-open requests
// (GET /devices/{id}/lease)
func (h *Handler) GetLease(c *gin.Context) {
	l, err := h.broker.Coordinator().Lookup(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.LeaseInfo{
		DeviceID:   l.DeviceID,
		ConsumerID: l.ConsumerID,
		Token:      l.Token,
		AcquiredAt: l.AcquiredAt,
	})
}

// RenewLease extends the lease deadline
// (PUT /devices/{id}/lease)
func (h *Handler) RenewLease(c *gin.Context) {
	var req v1.RenewLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	remaining, err := h.broker.Coordinator().Renew(c.Param("id"), req.Token)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.RenewLeaseResponse{
		RemainingSeconds: int64(remaining.Seconds()),
	})
}

// ReleaseLease ends the lease held by the caller
// (DELETE /devices/{id}/lease)
func (h *Handler) ReleaseLease(c *gin.Context) {
	var req v1.ReleaseLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.broker.Coordinator().Release(c.Param("id"), req.Token); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkBound records that the export agent claimed the device and the data
// session is live
// (POST /devices/{id}/bound)
func (h *Handler) MarkBound(c *gin.Context) {
	var req v1.MarkBoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.broker.Coordinator().MarkBound(c.Param("id"), req.Token); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RevokeLease force-releases a device regardless of holder (administrative)
// (POST /devices/{id}/revoke)
func (h *Handler) RevokeLease(c *gin.Context) {
	var req v1.RevokeLeaseRequest
	// Body is optional; an empty reason becomes "administrative".
	_ = c.ShouldBindJSON(&req)

	reason := models.RevokeReasonAdmin
	if req.Reason != "" {
		reason = models.RevokeReason(req.Reason)
	}

	if err := h.broker.Coordinator().Revoke(c.Param("id"), reason); err != nil {
		fail(c, err)
		return
	}
	zap.S().Named("lease_handler").Warnw("administrative revoke",
		"device", c.Param("id"), "reason", reason)
	c.Status(http.StatusNoContent)
}
