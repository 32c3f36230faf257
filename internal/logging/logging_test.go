package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, err := Setup(Options{Level: "warn", Format: "json", Output: &buf})
	require.NoError(t, err)

	logger.Info("hidden")
	slog.Warn("shown", "component", "test")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"component":"test"`)
}

func TestSetLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, err := Setup(Options{Level: "info", Output: &buf})
	require.NoError(t, err)

	logger.Debug("before")
	require.NoError(t, SetLevel("debug"))
	logger.Debug("after")
	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "msg=after")

	assert.Error(t, SetLevel("chatty"))
}

func TestSetupRejects(t *testing.T) {
	_, err := Setup(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = Setup(Options{Format: "xml"})
	assert.Error(t, err)
}
