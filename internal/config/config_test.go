package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/webpilot/internal/action"
	"github.com/neboloop/webpilot/internal/browser"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.expandHome()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, action.FallbackAuto, cfg.Fallback())
	assert.Equal(t, filepath.Join(cfg.DataDir, "webpilot.db"), cfg.DBPath())
}

func TestLoadFromBytes(t *testing.T) {
	t.Setenv("TEST_WEBPILOT_PORT", "9555")
	cfg, err := LoadFromBytes([]byte(`
data_dir: /srv/webpilot
profile: work
log:
  level: debug
  format: json
browser:
  headless: false
  profiles:
    work:
      cdp_port: ${TEST_WEBPILOT_PORT}
timeouts:
  default: 45s
  idle_window: 250ms
actions:
  fallback: never
store:
  path: /tmp/runs.db
`))
	require.NoError(t, err)
	assert.Equal(t, "work", cfg.Profile)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 9555, cfg.Browser.Profiles["work"].CDPPort)
	assert.Equal(t, "/srv/webpilot", cfg.Browser.DataDir)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Default)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeouts.IdleWindow)
	assert.Equal(t, action.FallbackNever, cfg.Fallback())
	assert.Equal(t, "/tmp/runs.db", cfg.DBPath())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromBytes([]byte("timeouts:\n  defualt: 5s\n"))
	assert.ErrorContains(t, err, "defualt")
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Timeouts.Default = 10 * time.Minute
	cfg.Actions.Fallback = "sometimes"
	cfg.Profile = "ghost"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"log.level", "timeouts.default", "actions.fallback", `profile: "ghost"`} {
		assert.ErrorContains(t, err, want)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"WEBPILOT_LOG_LEVEL": "warn",
		"WEBPILOT_HEADLESS":  "false",
		"WEBPILOT_TIMEOUT":   "10s",
		"WEBPILOT_CDP_URL":   "ws://127.0.0.1:9229/devtools/browser/x",
		"WEBPILOT_TRACING":   "1",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Default)
	assert.True(t, cfg.Tracing.Enabled)
	p := cfg.Browser.Profiles[cfg.Profile]
	assert.Equal(t, browser.DriverRemote, p.Driver)
	assert.Equal(t, env["WEBPILOT_CDP_URL"], p.CDPUrl)
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	env := map[string]string{"WEBPILOT_HEADLESS": "maybe", "WEBPILOT_TIMEOUT": "soon"}
	err := Default().applyEnv(func(k string) string { return env[k] })
	assert.ErrorContains(t, err, "WEBPILOT_HEADLESS")
	assert.ErrorContains(t, err, "WEBPILOT_TIMEOUT")
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WEBPILOT_DATA_DIR", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)

	_, err = Load(filepath.Join(dir, "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMarshalRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.Default = 12 * time.Second
	data, err := cfg.Marshal()
	require.NoError(t, err)

	back, err := LoadFromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, back.Timeouts.Default)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("WEBPILOT_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("WEBPILOT_TEST_DOTENV", "")
	os.Unsetenv("WEBPILOT_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("WEBPILOT_TEST_DOTENV"))
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))
	t.Setenv("WEBPILOT_DATA_DIR", dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, nil, func(c *Config) { got <- c }))

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: [broken\n"), 0o600))
	time.Sleep(3 * reloadDelay)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	select {
	case c := <-got:
		assert.Equal(t, "debug", c.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}
