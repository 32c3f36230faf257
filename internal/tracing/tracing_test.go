package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupDisabled(t *testing.T) {
	p, err := Setup(Options{})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupExportsToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "spans.json")
	p, err := Setup(Options{Enabled: true, ServiceName: "webpilot-test", Output: out})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := otel.Tracer("webpilot").Start(context.Background(), "webpilot.navigate")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "webpilot.navigate")
	assert.Contains(t, string(data), "webpilot-test")
}

func TestSetupBadOutput(t *testing.T) {
	_, err := Setup(Options{Enabled: true, Output: filepath.Join(t.TempDir(), "missing", "spans.json")})
	assert.Error(t, err)
}
