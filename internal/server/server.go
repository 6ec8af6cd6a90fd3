// Package server provides the broker's HTTP server.
//
// The server uses the Gin web framework. API routes are registered on a
// /api/v1 RouterGroup through a callback, request logging and panic
// recovery go through zap, and Prometheus metrics are served on /metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pvl-labs/usbip-broker/internal/config"
	"github.com/pvl-labs/usbip-broker/internal/metrics"
)

type RegisterHandlersFn func(router *gin.RouterGroup)

type Server struct {
	httpServer *http.Server
	router     *gin.Engine
}

func NewServer(cfg *config.Broker, auth *config.Auth, registerFn RegisterHandlersFn) (*Server, error) {
	if cfg.Mode == config.ModeProd {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(Logger())
	router.Use(ginzap.RecoveryWithZap(zap.L().Named("http"), true))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	if auth != nil && auth.Enabled {
		if auth.Secret == "" {
			return nil, fmt.Errorf("auth enabled but no secret configured")
		}
		api.Use(JWTAuth(auth.Secret))
	}
	registerFn(api)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		router: router,
	}, nil
}

// Handler exposes the router for httptest-based tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	zap.S().Named("server").Infow("http server starting", "addr", s.httpServer.Addr)
	metrics.Up.Set(1)
	defer metrics.Up.Set(0)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop performs a graceful shutdown, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
