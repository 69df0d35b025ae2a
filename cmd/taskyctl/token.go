package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tasky-app/tasky/internal/platform/auth"
	"github.com/tasky-app/tasky/internal/platform/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for local testing",
	Long: `Sign a token with JWT_SECRET and JWT_ISSUER so the todo API and the hub
accept it. Intended for development clusters only.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, _ := cmd.Flags().GetString("user-id")
		username, _ := cmd.Flags().GetString("username")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		token, err := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL).Sign(userID, username)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user-id", "", "Token subject")
	tokenCmd.Flags().String("username", "", "Display name claim")
	_ = tokenCmd.MarkFlagRequired("user-id")
}
