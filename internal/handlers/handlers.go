package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/pvl-labs/usbip-broker/api/v1"
	"github.com/pvl-labs/usbip-broker/internal/services"
)

type Handler struct {
	broker *services.Broker
}

func New(broker *services.Broker) *Handler {
	return &Handler{broker: broker}
}

// Register wires all broker routes onto the /api/v1 group.
func (h *Handler) Register(router *gin.RouterGroup) {
	router.POST("/agents", h.RegisterAgent)
	router.POST("/agents/:id/heartbeat", h.HeartbeatAgent)
	router.POST("/agents/:id/devices", h.RegisterDevice)

	router.GET("/devices", h.ListDevices)
	router.GET("/devices/:id", h.GetDevice)
	router.POST("/devices/:id/removed", h.DeviceRemoved)

	router.POST("/devices/:id/lease", h.AcquireLease)
	router.GET("/devices/:id/lease", h.GetLease)
	router.PUT("/devices/:id/lease", h.RenewLease)
	router.DELETE("/devices/:id/lease", h.ReleaseLease)
	router.POST("/devices/:id/bound", h.MarkBound)
	router.POST("/devices/:id/revoke", h.RevokeLease)
}

// fail writes the standard error envelope for a domain error.
func fail(c *gin.Context, err error) {
	code, status := v1.CodeForError(err)
	c.JSON(status, v1.ErrorResponse{Code: code, Error: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, v1.ErrorResponse{Code: v1.CodeInvalid, Error: err.Error()})
}
