package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	v1 "github.com/pvl-labs/usbip-broker/api/v1"
)

// RegisterAgent registers (or refreshes) a host agent
// (POST /agents)
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req v1.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	h.broker.Registry().RegisterAgent(req.AgentID, req.DataAddr)
	zap.S().Named("agent_handler").Infow("host agent registered",
		"agent", req.AgentID, "data_addr", req.DataAddr)

	c.JSON(http.StatusCreated, v1.RegisterAgentResponse{AgentID: req.AgentID})
}

// HeartbeatAgent refreshes agent liveness and returns pending teardown directives
// (POST /agents/{id}/heartbeat)
func (h *Handler) HeartbeatAgent(c *gin.Context) {
	directives, err := h.broker.Heartbeat(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	resp := v1.HeartbeatResponse{}
	for _, d := range directives {
		resp.Directives = append(resp.Directives, v1.Directive{
			DeviceID: d.DeviceID,
			Reason:   string(d.Reason),
		})
	}
	c.JSON(http.StatusOK, resp)
}

// RegisterDevice records a device attached to the given host agent
// (POST /agents/{id}/devices)
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req v1.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	deviceID, err := h.broker.Registry().Register(c.Param("id"), req.Descriptor.ToModel())
	if err != nil {
		zap.S().Named("agent_handler").Errorw("device registration failed",
			"agent", c.Param("id"), "bus_id", req.Descriptor.BusID, "error", err)
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, v1.RegisterDeviceResponse{DeviceID: deviceID})
}
