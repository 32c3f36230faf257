package pilot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/neboloop/webpilot/internal/cdp"
	"github.com/neboloop/webpilot/internal/cdp/cdptest"
	"github.com/neboloop/webpilot/internal/page"
	"github.com/neboloop/webpilot/internal/steps"
)

func frameTree() map[string]any {
	return map[string]any{"frameTree": map[string]any{
		"frame": map[string]any{"id": "F1", "loaderId": "L0", "url": "about:blank"},
	}}
}

func newPilot(t *testing.T, setup func(*cdptest.Server), opts ...Option) (*Pilot, *cdptest.Server) {
	t.Helper()
	srv := cdptest.NewServer(t)
	srv.HandleResult("Page.getFrameTree", frameTree())
	if setup != nil {
		setup(srv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts = append([]Option{WithIdleWindow(50 * time.Millisecond), WithNavigationProbe(0)}, opts...)
	p, err := Connect(ctx, srv.URL(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, srv
}

func TestNewPageAttaches(t *testing.T) {
	p, srv := newPilot(t, nil)
	ctx := context.Background()

	pg, err := p.NewPage(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "T1", string(pg.ID()))
	assert.Equal(t, cdptest.SessionFor("T1"), pg.Session().ID())
	assert.NotNil(t, srv.WaitForCall("Page.enable", time.Second))

	var created struct {
		URL string `json:"url"`
	}
	calls := srv.Calls("Target.createTarget")
	require.Len(t, calls, 1)
	require.NoError(t, calls[0].Decode(&created))
	assert.Equal(t, "about:blank", created.URL)

	pages := p.Pages()
	require.Len(t, pages, 1)
	assert.Same(t, pg, pages[0])

	got, ok := p.Page("T1")
	require.True(t, ok)
	assert.Same(t, pg, got)
}

func TestAttachToPageIsIdempotent(t *testing.T) {
	p, srv := newPilot(t, func(srv *cdptest.Server) {
		srv.AddTarget("T9", "https://example.com/", "Example")
	})
	ctx := context.Background()

	a, err := p.AttachToPage(ctx, "T9")
	require.NoError(t, err)
	b, err := p.AttachToPage(ctx, "T9")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Len(t, srv.Calls("Target.attachToTarget"), 1)
}

func TestTargetsListsUnattachedTabs(t *testing.T) {
	p, _ := newPilot(t, func(srv *cdptest.Server) {
		srv.AddTarget("T2", "https://b.example/", "B")
		srv.AddTarget("T1", "https://a.example/", "A")
	})

	ts, err := p.Targets(context.Background())
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, "T1", string(ts[0].ID))
	assert.Equal(t, "https://a.example/", ts[0].URL)
	assert.Equal(t, "B", ts[1].Title)
	assert.Empty(t, p.Pages())
}

func TestClosePage(t *testing.T) {
	p, srv := newPilot(t, nil)
	ctx := context.Background()

	pg, err := p.NewPage(ctx, "")
	require.NoError(t, err)
	require.NoError(t, p.ClosePage(ctx, pg.ID()))

	assert.Len(t, srv.Calls("Target.closeTarget"), 1)
	assert.NotNil(t, srv.WaitForCall("Runtime.releaseObjectGroup", time.Second))
	_, ok := p.Page(pg.ID())
	assert.False(t, ok)

	ts, err := p.Targets(ctx)
	require.NoError(t, err)
	assert.Empty(t, ts)
}

func TestCloseDetachesAndLeavesTabsOpen(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.HandleResult("Page.getFrameTree", frameTree())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := Connect(ctx, srv.URL())
	require.NoError(t, err)

	_, err = p.NewPage(ctx, "")
	require.NoError(t, err)
	_, err = p.NewPage(ctx, "")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Len(t, srv.Calls("Target.detachFromTarget"), 2)
	assert.Empty(t, srv.Calls("Target.closeTarget"))
	select {
	case <-p.Conn().Done():
	case <-time.After(time.Second):
		t.Fatal("connection still open")
	}
}

func TestNavigateThroughPage(t *testing.T) {
	p, srv := newPilot(t, nil)
	srv.Handle("Page.navigate", func(_ context.Context, req *cdptest.Request) (any, error) {
		req.After(func() {
			for _, name := range []string{"init", "DOMContentLoaded", "load"} {
				srv.Emit(req.SessionID, "Page.lifecycleEvent", map[string]any{"frameId": "F1", "loaderId": "L1", "name": name, "timestamp": 1})
			}
		})
		return map[string]any{"frameId": "F1", "loaderId": "L1"}, nil
	})

	pg, err := p.NewPage(context.Background(), "")
	require.NoError(t, err)
	res, err := pg.Navigate(context.Background(), "https://example.com/", page.NavigateOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "L1", string(res.LoaderID))
}

func TestRunStepsRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	p, srv := newPilot(t, func(srv *cdptest.Server) {
		srv.HandleError("Emulation.setDeviceMetricsOverride", -32000, "not supported")
	})
	pg, err := p.NewPage(context.Background(), "")
	require.NoError(t, err)

	list, err := steps.Parse([]byte(`[
		{"kind": "mainFrame"},
		{"kind": "viewport", "width": 800, "height": 600}
	]`))
	require.NoError(t, err)

	report, err := pg.Run(context.Background(), list, steps.RunOptions{})
	require.NoError(t, err)
	assert.False(t, report.OK)
	require.Len(t, report.Steps, 2)
	assert.True(t, report.Steps[0].OK)
	assert.False(t, report.Steps[1].OK)
	assert.Equal(t, "protocol", report.Steps[1].Code)
	assert.Len(t, srv.Calls("Emulation.setDeviceMetricsOverride"), 1)

	var viewport sdktrace.ReadOnlySpan
	names := map[string]bool{}
	for _, s := range rec.Ended() {
		names[s.Name()] = true
		if s.Name() == "webpilot.viewport" {
			viewport = s
		}
	}
	assert.True(t, names["webpilot.run"])
	assert.True(t, names["webpilot.switch_main_frame"])
	require.NotNil(t, viewport)
	assert.Equal(t, otelcodes.Error, viewport.Status().Code)
	assert.Equal(t, "protocol", viewport.Status().Description)
}

func TestNewPageFailsWhenSetupFails(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.HandleError("Page.enable", -32000, "boom")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := cdp.Dial(ctx, srv.URL())
	require.NoError(t, err)
	p := New(conn)
	defer p.Close()

	_, err = p.NewPage(ctx, "")
	require.Error(t, err)
	assert.Empty(t, p.Pages())
	assert.Len(t, srv.Calls("Target.closeTarget"), 1)
}
