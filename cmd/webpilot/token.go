package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/webpilot/internal/config"
	"github.com/neboloop/webpilot/internal/middleware"
)

// TokenCmd issues a bearer token for the control API.
func TokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with server.token_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cfg.Server.TokenSecret == "" {
				return errors.New("server.token_secret is not set; the control API runs without auth")
			}
			tok, err := middleware.IssueToken(cfg.Server.TokenSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "sub claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "lifetime; 0 never expires")
	return cmd
}

// ConfigCmd prints the effective configuration.
func ConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cfg.Server.TokenSecret != "" {
				cfg.Server.TokenSecret = "********"
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
