package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"botwall-gateway/config"
	"botwall-gateway/middlewares"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a management bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if subject == "" {
				return errors.New("--sub is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := middlewares.GenerateJWT(cfg.JWTSecret, subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "owner id")
	cmd.Flags().StringVar(&role, "role", middlewares.RoleSiteOwner, "site_owner or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
