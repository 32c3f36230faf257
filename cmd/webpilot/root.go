package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/target"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/neboloop/webpilot/internal/browser"
	"github.com/neboloop/webpilot/internal/config"
	"github.com/neboloop/webpilot/internal/logging"
	"github.com/neboloop/webpilot/internal/mcp"
	"github.com/neboloop/webpilot/internal/pilot"
	"github.com/neboloop/webpilot/internal/store"
	"github.com/neboloop/webpilot/internal/tracing"
)

// Shared CLI flags
var (
	cfgFile     string
	profileName string
	logLevel    string
	keepBrowser bool
)

// Version is set at build time.
var Version = "dev"

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd() *cobra.Command {
	mcp.Version = Version

	rootCmd := &cobra.Command{
		Use:           "webpilot",
		Short:         "Drive Chrome over the DevTools protocol",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data_dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "browser profile (default: config profile)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
	rootCmd.PersistentFlags().BoolVar(&keepBrowser, "keep-browser", false, "leave a browser launched by this command running")

	rootCmd.AddCommand(RunCmd())
	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(MCPCmd())
	rootCmd.AddCommand(SnapshotCmd())
	rootCmd.AddCommand(TargetsCmd())
	rootCmd.AddCommand(HistoryCmd())
	rootCmd.AddCommand(TokenCmd())
	rootCmd.AddCommand(ConfigCmd())
	rootCmd.AddCommand(BrowserCmd())

	return rootCmd
}

// app holds what a command needs once config is loaded.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	tracing *tracing.Provider
	manager *browser.Manager
	store   *store.Store
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if profileName != "" {
		cfg.Profile = profileName
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	tp, err := tracing.Setup(tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
		Output:      cfg.Tracing.Output,
	})
	if err != nil {
		return nil, err
	}
	mgr, err := browser.NewManager(cfg.Browser, logger)
	if err != nil {
		tp.Shutdown(context.Background())
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, tracing: tp, manager: mgr}, nil
}

// openStore opens the run journal unless it is disabled.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if a.cfg.Store.Disabled {
		return nil, nil
	}
	if a.store != nil {
		return a.store, nil
	}
	st, err := store.Open(ctx, a.cfg.DBPath(), a.logger)
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

// connect opens a pilot on the selected profile, launching a managed
// browser when needed.
func (a *app) connect(ctx context.Context) (*pilot.Pilot, error) {
	opts := []pilot.Option{
		pilot.WithLogger(a.logger),
		pilot.WithFallback(a.cfg.Fallback()),
		pilot.WithDefaultTimeout(a.cfg.Timeouts.Default),
		pilot.WithIdleWindow(a.cfg.Timeouts.IdleWindow),
		pilot.WithNavigationProbe(a.cfg.Actions.NavigationProbe),
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if st != nil {
		opts = append(opts, pilot.WithJournal(st), pilot.WithFrameStore(st))
	}
	return a.manager.Connect(ctx, a.cfg.Profile, opts...)
}

func (a *app) close() {
	if !keepBrowser {
		if err := a.manager.Stop(); err != nil {
			a.logger.Warn("stop browser", "error", err)
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn("flush traces", "error", err)
	}
}

// pickPage attaches to id, or to the first open tab, or opens one.
func pickPage(ctx context.Context, p *pilot.Pilot, id string) (*pilot.Page, error) {
	if id != "" {
		return p.AttachToPage(ctx, target.ID(id))
	}
	ts, err := p.Targets(ctx)
	if err != nil {
		return nil, err
	}
	if len(ts) > 0 {
		return p.AttachToPage(ctx, ts[0].ID)
	}
	return p.NewPage(ctx, "")
}

// printOut writes v as json or yaml. YAML keeps the JSON field names.
func printOut(w io.Writer, format string, v any) error {
	switch format {
	case "", "json":
		if err := jsonv2.MarshalWrite(w, v, jsontext.Multiline(true)); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\n")
		return err
	case "yaml":
		data, err := jsonv2.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := jsonv2.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q (json or yaml)", format)
}
