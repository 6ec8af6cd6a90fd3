package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pvl-labs/usbip-broker/internal/server"
)

var tokenSubject string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage broker API tokens",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a bearer token for the broker API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Auth.Enabled || cfg.Auth.Secret == "" {
			return fmt.Errorf("auth is not configured")
		}

		token, err := server.MintToken(cfg.Auth.Secret, tokenSubject, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenMintCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "token subject claim")
	tokenCmd.AddCommand(tokenMintCmd)
	rootCmd.AddCommand(tokenCmd)
}
