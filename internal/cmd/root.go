// Package cmd implements the usbbroker command line: the broker server,
// the export and import agents, and the administrative device commands.
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pvl-labs/usbip-broker/internal/config"
	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
)

// Reason codes surfaced as process exit status by administrative commands.
const (
	exitGeneric     = 1
	exitNotFound    = 2
	exitAlreadyFree = 3
	exitBusy        = 4
)

var (
	cfgFile   string
	authToken string
	cfg       *config.Configuration
)

var rootCmd = &cobra.Command{
	Use:           "usbbroker",
	Short:         "USB/IP device-sharing broker",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
			cfg.LogLevel = f.Value.String()
		}
		return cfg.SetupLogging()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.S().Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "path to config file")
	pf.String("log-level", "", "log level override (debug, info, warn, error)")
	pf.StringVar(&authToken, "token", "", "bearer token for broker API calls")
}

func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps a command error onto the administrative reason codes.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case srvErrors.IsNotFoundError(err):
		return exitNotFound
	case srvErrors.IsAlreadyFreeError(err):
		return exitAlreadyFree
	case srvErrors.IsBusyError(err):
		return exitBusy
	default:
		return exitGeneric
	}
}
