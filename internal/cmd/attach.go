package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pvl-labs/usbip-broker/internal/importer"
	"github.com/pvl-labs/usbip-broker/pkg/client"
)

var (
	attachTTL  time.Duration
	attachWait time.Duration
)

var attachCmd = &cobra.Command{
	Use:   "attach <device-id>",
	Short: "Lease a device and hold it attached until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		deviceID := args[0]

		agent := importer.NewAgent(cfg.Import, cfg.Transport,
			client.New(cfg.Import.BrokerURL, authToken), importer.NewMemoryBus())

		var (
			handle *importer.Handle
			err    error
		)
		if attachWait > 0 {
			handle, err = agent.AttachWithRetry(ctx, deviceID, attachTTL, attachWait)
		} else {
			handle, err = agent.Attach(ctx, deviceID, attachTTL)
		}
		if err != nil {
			return err
		}
		fmt.Printf("attached %s as consumer %s\n", deviceID, agent.ConsumerID())

		select {
		case <-ctx.Done():
			detachCtx, cancel := signalFreeContext()
			defer cancel()
			return agent.Detach(detachCtx, handle)
		case <-handle.Done():
			if err := handle.Err(); err != nil {
				zap.S().Named("attach").Errorw("device lost", "device", deviceID, "error", err)
				return err
			}
			return nil
		}
	},
}

// signalFreeContext gives cleanup work a deadline independent of the
// already-cancelled signal context.
func signalFreeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func init() {
	attachCmd.Flags().DurationVar(&attachTTL, "ttl", 0, "lease TTL (default from config)")
	attachCmd.Flags().DurationVar(&attachWait, "wait", 0, "keep retrying a busy device for up to this long")
	rootCmd.AddCommand(attachCmd)
}
