package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	v1 "github.com/pvl-labs/usbip-broker/api/v1"
	"github.com/pvl-labs/usbip-broker/internal/models"
	"github.com/pvl-labs/usbip-broker/internal/registry"
)

// ListDevices returns registered devices, optionally filtered
// (GET /devices?state=free&agent=<id>)
func (h *Handler) ListDevices(c *gin.Context) {
	filter := registry.ListFilter{HostAgentID: c.Query("agent")}
	if s := c.Query("state"); s != "" {
		state, err := models.ParseDeviceState(s)
		if err != nil {
			badRequest(c, err)
			return
		}
		filter.State = state
	}

	summaries := h.broker.Registry().List(filter)
	devices := make([]v1.Device, 0, len(summaries))
	for _, s := range summaries {
		devices = append(devices, v1.NewDeviceFromSummary(s))
	}
	c.JSON(http.StatusOK, devices)
}

// GetDevice returns one device record
// (GET /devices/{id})
func (h *Handler) GetDevice(c *gin.Context) {
	dev, err := h.broker.Registry().Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.NewDeviceFromSummary(dev.Summary()))
}

// DeviceRemoved handles an export agent reporting a physical detach
// (POST /devices/{id}/removed)
func (h *Handler) DeviceRemoved(c *gin.Context) {
	deviceID := c.Param("id")
	if err := h.broker.DeviceRemoved(deviceID); err != nil {
		zap.S().Named("device_handler").Errorw("device removal failed",
			"device", deviceID, "error", err)
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
