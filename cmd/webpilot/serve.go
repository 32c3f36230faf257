package cli

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/neboloop/webpilot/internal/config"
	"github.com/neboloop/webpilot/internal/logging"
	"github.com/neboloop/webpilot/internal/mcp"
	"github.com/neboloop/webpilot/internal/pilot"
	"github.com/neboloop/webpilot/internal/server"
)

// ServeCmd runs the HTTP control API.
func ServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API and MCP over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPilot(cmd, func(ctx context.Context, a *app, p *pilot.Pilot) error {
				if addr == "" {
					addr = a.cfg.Server.Addr
				}
				watchConfig(ctx, a, p)
				srv := server.New(p, server.Options{
					Addr:        addr,
					TokenSecret: a.cfg.Server.TokenSecret,
					MaxConns:    a.cfg.Server.MaxConns,
					Store:       a.store,
					Logger:      a.logger,
				})
				return srv.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	return cmd
}

// MCPCmd serves the browser tools over stdio.
func MCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the browser tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPilot(cmd, func(ctx context.Context, a *app, p *pilot.Pilot) error {
				watchConfig(ctx, a, p)
				return mcp.ServeStdio(ctx, p, a.logger)
			})
		},
	}
}

// watchConfig applies log level and timeout changes from the config file
// while a long-running command is up.
func watchConfig(ctx context.Context, a *app, p *pilot.Pilot) {
	path := cfgFile
	if path == "" {
		path = filepath.Join(a.cfg.DataDir, "config.yaml")
	}
	err := config.Watch(ctx, path, a.logger, func(next *config.Config) {
		if logLevel == "" {
			if err := logging.SetLevel(next.Log.Level); err != nil {
				a.logger.Warn("apply log level", "error", err)
			}
		}
		p.SetTimeouts(next.Timeouts.Default, next.Timeouts.IdleWindow)
	})
	if err != nil {
		a.logger.Debug("config watch disabled", "path", path, "error", err)
	}
}
