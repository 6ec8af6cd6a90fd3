package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pvl-labs/usbip-broker/internal/models"
	"github.com/pvl-labs/usbip-broker/pkg/client"
)

var (
	deviceState  string
	revokeReason string
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Inspect and administer devices",
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(cfg.Import.BrokerURL, authToken)
		devices, err := c.ListDevices(cmd.Context(), deviceState)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tBUSID\tVENDOR:PRODUCT\tSTATE")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%04x:%04x\t%s\n",
				d.ID, d.BusID, d.VendorID, d.ProductID, colorState(d.State))
		}
		return w.Flush()
	},
}

var deviceRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Forcibly reclaim a device regardless of lease holder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(cfg.Import.BrokerURL, authToken)
		if err := c.RevokeLease(cmd.Context(), args[0], revokeReason); err != nil {
			return err
		}
		fmt.Printf("revoked lease on %s\n", args[0])
		return nil
	},
}

func colorState(state string) string {
	switch models.DeviceState(state) {
	case models.DeviceStateFree:
		return color.GreenString(state)
	case models.DeviceStateLeased, models.DeviceStateBound:
		return color.YellowString(state)
	case models.DeviceStateUnreachable:
		return color.RedString(state)
	default:
		return state
	}
}

func addDeviceFlags(fs *pflag.FlagSet) {
	fs.StringVar(&deviceState, "state", "", "filter by state (free, leased, bound, unreachable)")
}

func init() {
	addDeviceFlags(deviceListCmd.Flags())
	deviceRevokeCmd.Flags().StringVar(&revokeReason, "reason", "", "recorded revocation reason")

	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceRevokeCmd)
	rootCmd.AddCommand(deviceCmd)
}
