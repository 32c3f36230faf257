// Package config loads the webpilot configuration from YAML, the process
// environment and .env files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/neboloop/webpilot/internal/action"
	"github.com/neboloop/webpilot/internal/browser"
	"github.com/neboloop/webpilot/internal/page"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WEBPILOT_"

// Config holds the webpilot configuration
type Config struct {
	DataDir string `yaml:"data_dir"` // Platform data directory
	Profile string `yaml:"profile"`  // Browser profile used when none is named

	Log      LogConfig      `yaml:"log"`
	Browser  browser.Config `yaml:"browser"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Actions  ActionConfig   `yaml:"actions"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// TimeoutConfig bounds page waits. Both values hot-reload.
type TimeoutConfig struct {
	Default    time.Duration `yaml:"default"`     // Used when an operation passes zero
	IdleWindow time.Duration `yaml:"idle_window"` // Quiet period that counts as network idle
}

type ActionConfig struct {
	Fallback        string        `yaml:"fallback"`         // auto or never
	NavigationProbe time.Duration `yaml:"navigation_probe"` // Delay before comparing URLs after an action
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// TokenSecret signs and verifies bearer tokens. Empty disables auth.
	TokenSecret string `yaml:"token_secret"`
	MaxConns    int    `yaml:"max_conns"` // Zero is unlimited
}

type StoreConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"` // Defaults to <data_dir>/webpilot.db
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Output      string `yaml:"output"` // stdout, stderr or a file path
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Profile: browser.DefaultProfileName,
		Log:     LogConfig{Level: "info", Format: "text"},
		Browser: browser.DefaultConfig(),
		Timeouts: TimeoutConfig{
			Default:    page.DefaultTimeout,
			IdleWindow: page.DefaultIdleWindow,
		},
		Actions: ActionConfig{
			Fallback:        string(action.FallbackAuto),
			NavigationProbe: 150 * time.Millisecond,
		},
		Server:  ServerConfig{Addr: "127.0.0.1:9333"},
		Tracing: TracingConfig{ServiceName: "webpilot", Output: "stderr"},
	}
}

// DefaultDataDir is WEBPILOT_DATA_DIR, or webpilot under the user config
// directory.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		return dir
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".webpilot"
	}
	return filepath.Join(dir, "webpilot")
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads <data_dir>/config.yaml when
// it exists.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, err
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.expandHome()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes loads configuration from YAML bytes with environment
// variable expansion, without env overrides.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	cfg.expandHome()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides fields from WEBPILOT_* variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if v := getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("PROFILE", &c.Profile)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("CHROME_PATH", &c.Browser.ExecutablePath)
	boolean("HEADLESS", &c.Browser.Headless)
	boolean("NO_SANDBOX", &c.Browser.NoSandbox)
	duration("TIMEOUT", &c.Timeouts.Default)
	str("FALLBACK", &c.Actions.Fallback)
	str("SERVER_ADDR", &c.Server.Addr)
	str("TOKEN_SECRET", &c.Server.TokenSecret)
	str("DB_PATH", &c.Store.Path)
	boolean("TRACING", &c.Tracing.Enabled)

	// WEBPILOT_CDP_URL points the selected profile at an existing browser.
	if v := getenv(EnvPrefix + "CDP_URL"); v != "" {
		profiles := make(map[string]browser.ProfileConfig, len(c.Browser.Profiles)+1)
		for name, p := range c.Browser.Profiles {
			profiles[name] = p
		}
		profiles[c.Profile] = browser.ProfileConfig{CDPUrl: v, Driver: browser.DriverRemote}
		c.Browser.Profiles = profiles
	}
	return errors.Join(errs...)
}

func (c *Config) expandHome() {
	if strings.HasPrefix(c.DataDir, "~/") {
		home, _ := os.UserHomeDir()
		c.DataDir = filepath.Join(home, c.DataDir[2:])
	}
	if c.Browser.DataDir == "" {
		c.Browser.DataDir = c.DataDir
	}
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	if c.Timeouts.Default <= 0 || c.Timeouts.Default > page.MaxTimeout {
		errs = append(errs, fmt.Errorf("timeouts.default: must be in (0, %s], got %s", page.MaxTimeout, c.Timeouts.Default))
	}
	if c.Timeouts.IdleWindow <= 0 {
		errs = append(errs, fmt.Errorf("timeouts.idle_window: must be positive"))
	}
	if _, ok := action.ParseFallback(c.Actions.Fallback); !ok {
		errs = append(errs, fmt.Errorf("actions.fallback: must be auto or never, got %q", c.Actions.Fallback))
	}
	if c.Actions.NavigationProbe < 0 {
		errs = append(errs, fmt.Errorf("actions.navigation_probe: must not be negative"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("server.addr: required"))
	}
	if c.Server.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("server.max_conns: must not be negative"))
	}
	if c.Tracing.Enabled && c.Tracing.Output == "" {
		errs = append(errs, fmt.Errorf("tracing.output: required when tracing is enabled"))
	}
	resolved, err := browser.ResolveConfig(c.Browser)
	if err != nil {
		errs = append(errs, fmt.Errorf("browser: %w", err))
	} else if resolved.GetProfile(c.Profile) == nil {
		errs = append(errs, fmt.Errorf("profile: %q is not configured", c.Profile))
	}
	return errors.Join(errs...)
}

// DBPath returns the run journal database path.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "webpilot.db")
}

// Fallback returns the configured click fallback policy.
func (c *Config) Fallback() action.FallbackPolicy {
	p, _ := action.ParseFallback(c.Actions.Fallback)
	return p
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}
