package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/webpilot/internal/cdp/cdptest"
	"github.com/neboloop/webpilot/internal/logging"
	"github.com/neboloop/webpilot/internal/middleware"
	"github.com/neboloop/webpilot/internal/pilot"
	"github.com/neboloop/webpilot/internal/store"
)

func newTestServer(t *testing.T, opts Options, popts ...pilot.Option) (*httptest.Server, *cdptest.Server) {
	t.Helper()
	srv := cdptest.NewServer(t)
	srv.HandleResult("Page.getFrameTree", map[string]any{"frameTree": map[string]any{
		"frame": map[string]any{"id": "F1", "loaderId": "L0", "url": "about:blank"},
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	popts = append(popts, pilot.WithIdleWindow(50*time.Millisecond), pilot.WithNavigationProbe(0))
	p, err := pilot.Connect(ctx, srv.URL(), popts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	opts.Logger = logging.Discard()
	ts := httptest.NewServer(New(p, opts).Handler())
	t.Cleanup(ts.Close)
	return ts, srv
}

func do(t *testing.T, method, url, token, body string) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	status, body := do(t, http.MethodGet, ts.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok","pages":0}`, body)
}

func TestPageLifecycle(t *testing.T) {
	ts, srv := newTestServer(t, Options{})

	status, body := do(t, http.MethodPost, ts.URL+"/pages", "", `{}`)
	require.Equal(t, http.StatusCreated, status, body)
	assert.JSONEq(t, `{"id":"T1"}`, body)

	status, body = do(t, http.MethodGet, ts.URL+"/targets", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"id":"T1"`)
	assert.Contains(t, body, `"attached":true`)

	status, body = do(t, http.MethodPost, ts.URL+"/pages/T1/steps", "", `[{"kind": "mainFrame"}]`)
	require.Equal(t, http.StatusOK, status, body)
	var report struct {
		OK    bool `json:"ok"`
		Steps []struct {
			Kind string `json:"kind"`
		} `json:"steps"`
	}
	require.NoError(t, jsonv2.Unmarshal([]byte(body), &report, jsonv2.RejectUnknownMembers(false)))
	assert.True(t, report.OK)
	assert.Len(t, report.Steps, 1)

	status, _ = do(t, http.MethodDelete, ts.URL+"/pages/T1", "", "")
	assert.Equal(t, http.StatusNoContent, status)
	assert.Len(t, srv.Calls("Target.closeTarget"), 1)
}

func TestStepsValidation(t *testing.T) {
	ts, srv := newTestServer(t, Options{})
	srv.AddTarget("T9", "https://example.com/", "Example")

	status, body := do(t, http.MethodPost, ts.URL+"/pages/T9/steps", "", `[{"kind": "teleport"}]`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, `"code":"step_validation"`)
	// Nothing attaches for a rejected body.
	assert.Empty(t, srv.Calls("Target.attachToTarget"))
}

func TestUnknownPage(t *testing.T) {
	ts, srv := newTestServer(t, Options{})
	status, body := do(t, http.MethodGet, ts.URL+"/pages/NOPE/snapshot", "", "")
	assert.Equal(t, http.StatusNotFound, status, body)
	assert.Empty(t, srv.Calls("Target.attachToTarget"))
}

func TestCreatePageRejectsBadBody(t *testing.T) {
	ts, srv := newTestServer(t, Options{})
	tests := []struct {
		name string
		body string
	}{
		{"unknown member", `{"url": "https://example.com/", "tab": 2}`},
		{"bad wait", `{"waitUntil": "eventually"}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := do(t, http.MethodPost, ts.URL+"/pages", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}
	assert.Empty(t, srv.Calls("Target.createTarget"))
}

func TestAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t, Options{TokenSecret: "s3cret"})

	status, _ := do(t, http.MethodGet, ts.URL+"/targets", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	tok, err := middleware.IssueToken("s3cret", "test", time.Hour)
	require.NoError(t, err)
	status, _ = do(t, http.MethodGet, ts.URL+"/targets", tok, "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, http.MethodGet, ts.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestRunsHistory(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "webpilot.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ts, _ := newTestServer(t, Options{Store: st}, pilot.WithJournal(st))

	status, body := do(t, http.MethodPost, ts.URL+"/pages", "", `{}`)
	require.Equal(t, http.StatusCreated, status, body)
	status, body = do(t, http.MethodPost, ts.URL+"/pages/T1/steps", "", `{"steps": [{"kind": "mainFrame"}]}`)
	require.Equal(t, http.StatusOK, status, body)

	var report struct {
		RunID string `json:"runId"`
	}
	require.NoError(t, jsonv2.Unmarshal([]byte(body), &report))
	require.NotEmpty(t, report.RunID)

	status, body = do(t, http.MethodGet, ts.URL+"/runs", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, report.RunID)

	status, body = do(t, http.MethodGet, ts.URL+"/runs/"+report.RunID, "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"kind":"mainFrame"`)

	status, _ = do(t, http.MethodGet, ts.URL+"/runs/01ARZ3NDEKTSV4RRFFQ69G5FAV", "", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestLocalhostCORS(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	for origin, allowed := range map[string]bool{
		"http://localhost:3000": true,
		"http://127.0.0.1:8080": true,
		"https://evil.example":  false,
	} {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/targets", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		if allowed {
			assert.Equal(t, origin, resp.Header.Get("Access-Control-Allow-Origin"))
		} else {
			assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
		}
	}
}
