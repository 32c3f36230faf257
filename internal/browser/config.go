package browser

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Config is the browser section of the webpilot config.
type Config struct {
	// ExecutablePath overrides auto-detection of Chrome.
	ExecutablePath string `json:"executablePath,omitempty" yaml:"executable_path,omitempty"`

	// Headless runs managed browsers without UI.
	Headless bool `json:"headless,omitempty" yaml:"headless,omitempty"`

	// NoSandbox disables Chrome sandbox (needed in some containers).
	NoSandbox bool `json:"noSandbox,omitempty" yaml:"no_sandbox,omitempty"`

	// DataDir holds the user data directories of managed profiles.
	DataDir string `json:"dataDir,omitempty" yaml:"data_dir,omitempty"`

	// Profiles defines named browser profiles.
	Profiles map[string]ProfileConfig `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// ProfileConfig configures a browser profile.
type ProfileConfig struct {
	// CDPPort is the remote debugging port for this profile.
	CDPPort int `json:"cdpPort,omitempty" yaml:"cdp_port,omitempty"`

	// CDPUrl points at a browser started elsewhere: either its HTTP
	// endpoint or a ws:// debugger URL.
	CDPUrl string `json:"cdpUrl,omitempty" yaml:"cdp_url,omitempty"`

	// Driver is "managed" or "remote". Defaults to remote when CDPUrl is
	// set.
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`

	// UserDataDir overrides the managed profile directory.
	UserDataDir string `json:"userDataDir,omitempty" yaml:"user_data_dir,omitempty"`
}

// ResolvedConfig is the fully resolved browser configuration.
type ResolvedConfig struct {
	ExecutablePath string
	Headless       bool
	NoSandbox      bool
	Profiles       map[string]*ResolvedProfile
}

// ResolvedProfile is a fully resolved browser profile.
type ResolvedProfile struct {
	Name          string
	Driver        string
	CDPPort       int
	CDPUrl        string
	CDPIsLoopback bool
	UserDataDir   string
}

// DefaultConfig returns the default browser configuration: one managed
// profile on the default port.
func DefaultConfig() Config {
	return Config{
		Headless: true,
		Profiles: map[string]ProfileConfig{
			DefaultProfileName: {CDPPort: DefaultCDPPort, Driver: DriverManaged},
		},
	}
}

// ResolveConfig resolves a browser config with defaults applied.
func ResolveConfig(cfg Config) (*ResolvedConfig, error) {
	resolved := &ResolvedConfig{
		ExecutablePath: cfg.ExecutablePath,
		Headless:       cfg.Headless,
		NoSandbox:      cfg.NoSandbox,
		Profiles:       make(map[string]*ResolvedProfile),
	}

	profiles := cfg.Profiles
	if len(profiles) == 0 {
		profiles = DefaultConfig().Profiles
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	for name, profile := range profiles {
		p, err := resolveProfile(name, profile, dataDir)
		if err != nil {
			return nil, err
		}
		resolved.Profiles[name] = p
	}
	return resolved, nil
}

func resolveProfile(name string, cfg ProfileConfig, dataDir string) (*ResolvedProfile, error) {
	profile := &ResolvedProfile{Name: name, Driver: cfg.Driver}
	if profile.Driver == "" {
		if cfg.CDPUrl != "" {
			profile.Driver = DriverRemote
		} else {
			profile.Driver = DriverManaged
		}
	}

	switch profile.Driver {
	case DriverRemote:
		if cfg.CDPUrl == "" {
			return nil, fmt.Errorf("profile %q: remote driver needs cdpUrl", name)
		}
		port, err := portFromURL(cfg.CDPUrl)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		profile.CDPUrl = cfg.CDPUrl
		profile.CDPPort = port
		profile.CDPIsLoopback = isLoopbackURL(cfg.CDPUrl)
	case DriverManaged:
		port := cfg.CDPPort
		if port == 0 {
			port = DefaultCDPPort
		}
		profile.CDPPort = port
		profile.CDPUrl = fmt.Sprintf("http://127.0.0.1:%d", port)
		profile.CDPIsLoopback = true
		profile.UserDataDir = cfg.UserDataDir
		if profile.UserDataDir == "" {
			profile.UserDataDir = filepath.Join(dataDir, "browser", name, "user-data")
		}
	default:
		return nil, fmt.Errorf("profile %q: unknown driver %q", name, profile.Driver)
	}
	return profile, nil
}

func portFromURL(rawURL string) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("parse cdp url: %w", err)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" || u.Scheme == "wss" {
			return 443, nil
		}
		return 80, nil
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0, fmt.Errorf("cdp url port %q: %w", port, err)
	}
	return p, nil
}

func isLoopbackURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func defaultDataDir() string {
	if dir := os.Getenv("WEBPILOT_DATA_DIR"); dir != "" {
		return dir
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "webpilot")
	}
	return filepath.Join(dir, "webpilot")
}

// GetProfile returns a resolved profile by name; "" and "default" name the
// default profile.
func (c *ResolvedConfig) GetProfile(name string) *ResolvedProfile {
	if name == "" || strings.ToLower(name) == "default" {
		name = DefaultProfileName
	}
	return c.Profiles[name]
}

// ProfileNames returns the configured profile names, sorted.
func (c *ResolvedConfig) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
