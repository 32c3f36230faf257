package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neboloop/webpilot/internal/pilot"
)

// Manager resolves profiles to running browsers. Managed profiles are
// launched on first use and stopped by Stop.
type Manager struct {
	mu sync.Mutex

	config   *ResolvedConfig
	logger   *slog.Logger
	browsers map[string]*RunningChrome // profileName -> running browser
	launch   func(context.Context, *ResolvedConfig, *ResolvedProfile) (*RunningChrome, error)
}

// NewManager resolves cfg and returns a manager for its profiles.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	resolved, err := ResolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:   resolved,
		logger:   logger.With("component", "browser"),
		browsers: make(map[string]*RunningChrome),
		launch:   LaunchChrome,
	}, nil
}

// Config returns the resolved config.
func (m *Manager) Config() *ResolvedConfig { return m.config }

// Endpoint returns the browser-level websocket debugger URL for a profile,
// launching the managed browser when it is not reachable.
func (m *Manager) Endpoint(ctx context.Context, profileName string) (string, error) {
	profile := m.config.GetProfile(profileName)
	if profile == nil {
		return "", fmt.Errorf("unknown profile: %s", profileName)
	}
	if profile.Driver == DriverManaged {
		if err := m.ensureBrowserRunning(ctx, profile); err != nil {
			return "", err
		}
	}
	wsURL, err := WebSocketURL(ctx, profile.CDPUrl)
	if err != nil {
		return "", fmt.Errorf("profile %s: %w", profile.Name, err)
	}
	return wsURL, nil
}

// Connect resolves a profile's endpoint and opens a pilot on it.
func (m *Manager) Connect(ctx context.Context, profileName string, opts ...pilot.Option) (*pilot.Pilot, error) {
	wsURL, err := m.Endpoint(ctx, profileName)
	if err != nil {
		return nil, err
	}
	m.logger.Info("connecting", "profile", profileName, "url", wsURL)
	return pilot.Connect(ctx, wsURL, opts...)
}

// ensureBrowserRunning ensures a managed browser is running for the profile.
func (m *Manager) ensureBrowserRunning(ctx context.Context, profile *ResolvedProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if IsChromeReachable(ctx, profile.CDPUrl, time.Second) {
		return nil
	}
	if running, ok := m.browsers[profile.Name]; ok {
		m.logger.Warn("managed browser unreachable, relaunching", "profile", profile.Name, "pid", running.PID)
		_ = StopChrome(running, 5*time.Second)
		delete(m.browsers, profile.Name)
	}

	running, err := m.launch(ctx, m.config, profile)
	if err != nil {
		return fmt.Errorf("failed to launch browser for profile %s: %w", profile.Name, err)
	}
	m.browsers[profile.Name] = running
	m.logger.Info("browser launched", "profile", profile.Name, "pid", running.PID, "port", running.CDPPort)
	return nil
}

// StopBrowser stops the managed browser for a profile.
func (m *Manager) StopBrowser(profileName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	running, ok := m.browsers[profileName]
	if !ok {
		return nil
	}
	delete(m.browsers, profileName)
	return StopChrome(running, 5*time.Second)
}

// Stop stops every browser this manager launched.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, running := range m.browsers {
		if err := StopChrome(running, 5*time.Second); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.browsers, name)
	}
	return firstErr
}

// ProfileStatus returns status info for a profile.
type ProfileStatus struct {
	Name    string `json:"name"`
	Driver  string `json:"driver"`
	CDPUrl  string `json:"cdpUrl"`
	Running bool   `json:"running"`
	Managed bool   `json:"managed"`
	PID     int    `json:"pid,omitempty"`
	Browser string `json:"browser,omitempty"`
}

// ProfileStatus reports whether a profile's browser is reachable.
func (m *Manager) ProfileStatus(ctx context.Context, profileName string) (*ProfileStatus, error) {
	profile := m.config.GetProfile(profileName)
	if profile == nil {
		return nil, fmt.Errorf("unknown profile: %s", profileName)
	}
	status := &ProfileStatus{
		Name:    profile.Name,
		Driver:  profile.Driver,
		CDPUrl:  profile.CDPUrl,
		Managed: profile.Driver == DriverManaged,
	}
	vctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if v, err := Version(vctx, httpEndpoint(profile.CDPUrl)); err == nil {
		status.Running = true
		status.Browser = v.Browser
	}
	m.mu.Lock()
	if running, ok := m.browsers[profile.Name]; ok {
		status.PID = running.PID
	}
	m.mu.Unlock()
	return status, nil
}

// ProfileStatuses returns status for every profile, sorted by name.
func (m *Manager) ProfileStatuses(ctx context.Context) []*ProfileStatus {
	names := m.config.ProfileNames()
	out := make([]*ProfileStatus, 0, len(names))
	for _, name := range names {
		if st, err := m.ProfileStatus(ctx, name); err == nil {
			out = append(out, st)
		}
	}
	return out
}
