package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pvl-labs/usbip-broker/internal/handlers"
	"github.com/pvl-labs/usbip-broker/internal/lease"
	"github.com/pvl-labs/usbip-broker/internal/registry"
	"github.com/pvl-labs/usbip-broker/internal/server"
	"github.com/pvl-labs/usbip-broker/internal/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := registry.New()
		coor := lease.NewCoordinator(reg)
		broker := services.NewBroker(reg, coor, services.BrokerOptions{
			SweepInterval:   cfg.Broker.SweepInterval,
			AgentStaleAfter: cfg.Broker.AgentStaleAfter,
			PurgeGrace:      cfg.Broker.PurgeGrace,
		})

		srv, err := server.NewServer(&cfg.Broker, &cfg.Auth, func(api *gin.RouterGroup) {
			handlers.New(broker).Register(api)
		})
		if err != nil {
			return err
		}

		go broker.Run(ctx)
		go func() {
			if err := srv.Start(ctx); err != nil {
				zap.S().Named("serve").Errorw("server stopped", "error", err)
				stop()
			}
		}()
		zap.S().Named("serve").Infow("broker up", "port", cfg.Broker.HTTPPort)

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
