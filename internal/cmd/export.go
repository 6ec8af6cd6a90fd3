package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pvl-labs/usbip-broker/internal/export"
	"github.com/pvl-labs/usbip-broker/pkg/client"
)

var exportCmd = &cobra.Command{
	Use:   "export-agent",
	Short: "Run the host-side export agent",
	Long: "Registers locally attached USB devices with the broker and serves\n" +
		"data sessions for import agents holding a lease on them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var (
			claimer export.Claimer
			backend export.Backend
			source  export.Source
		)
		switch cfg.Export.ClaimBackend {
		case "sysfs":
			claimer = export.NewSysfsClaimer("")
			descs, err := export.EnumerateDevices("/sys/bus/usb/devices")
			if err != nil {
				return err
			}
			source = export.NewStaticSource(descs...)
			backend = export.NewLoopbackBackend()
		case "fake":
			claimer = export.NewFakeClaimer()
			source = export.NewStaticSource()
			backend = export.NewLoopbackBackend()
		default:
			return fmt.Errorf("unknown claim backend %q", cfg.Export.ClaimBackend)
		}

		agent := export.NewAgent(export.Options{
			Config:    cfg.Export,
			Transport: cfg.Transport,
			Broker:    client.New(cfg.Export.BrokerURL, authToken),
			Claimer:   claimer,
			Backend:   backend,
			Source:    source,
		})
		zap.S().Named("export").Infow("export agent starting",
			"agent", agent.ID(), "broker", cfg.Export.BrokerURL, "claim_backend", cfg.Export.ClaimBackend)

		err := agent.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
