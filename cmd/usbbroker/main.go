package main

import (
	"os"

	"github.com/pvl-labs/usbip-broker/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
