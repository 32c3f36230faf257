// Package server exposes a pilot over an HTTP control API, with the MCP
// tools mounted at /mcp.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/httputil"
	"github.com/neboloop/webpilot/internal/mcp"
	"github.com/neboloop/webpilot/internal/metrics"
	"github.com/neboloop/webpilot/internal/middleware"
	"github.com/neboloop/webpilot/internal/page"
	"github.com/neboloop/webpilot/internal/pilot"
	"github.com/neboloop/webpilot/internal/snapshot"
	"github.com/neboloop/webpilot/internal/steps"
	"github.com/neboloop/webpilot/internal/store"
)

// maxBody caps request bodies.
const maxBody = 4 << 20

// Options holds optional server settings.
type Options struct {
	Addr        string
	TokenSecret string // Empty disables bearer auth
	MaxConns    int    // Zero is unlimited
	Store       *store.Store
	Logger      *slog.Logger
}

// Server is the HTTP control API.
type Server struct {
	pilot  *pilot.Pilot
	opts   Options
	logger *slog.Logger
	router chi.Router
}

// New builds the router over p.
func New(p *pilot.Pilot, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{pilot: p, opts: opts, logger: logger.With("component", "server")}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(corsMiddleware())

	r.Get("/healthz", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(opts.TokenSecret))

		r.Get("/targets", s.targets)
		r.Route("/pages", func(r chi.Router) {
			r.Post("/", s.createPage)
			r.Delete("/{id}", s.closePage)
			r.Post("/{id}/steps", s.runSteps)
			r.Get("/{id}/snapshot", s.snapshot)
		})
		if opts.Store != nil {
			r.Get("/runs", s.listRuns)
			r.Get("/runs/{id}", s.getRun)
		}

		mcpHandler := mcp.NewHandler(p, logger)
		r.Handle("/mcp", mcpHandler)
		r.Handle("/mcp/*", mcpHandler)
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConns)
	}
	// No write timeout: step runs and MCP streams can be long.
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	s.logger.Info("control API listening", "addr", ln.Addr().String(), "auth", s.opts.TokenSecret != "")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down control API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// resolve returns the attached page for id, attaching to an open tab on
// first use.
func (s *Server) resolve(ctx context.Context, id string) (*pilot.Page, error) {
	tid := target.ID(id)
	if pg, ok := s.pilot.Page(tid); ok {
		return pg, nil
	}
	ts, err := s.pilot.Targets(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range ts {
		if t.ID == tid {
			return s.pilot.AttachToPage(ctx, tid)
		}
	}
	return nil, errNoPage
}

var errNoPage = errors.New("no such page")

func (s *Server) pageOr404(w http.ResponseWriter, r *http.Request) (*pilot.Page, bool) {
	id := chi.URLParam(r, "id")
	pg, err := s.resolve(r.Context(), id)
	if errors.Is(err, errNoPage) {
		httputil.NotFound(w, fmt.Sprintf("page %s not found", id))
		return nil, false
	}
	if err != nil {
		httputil.Error(w, err)
		return nil, false
	}
	return pg, true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	select {
	case <-s.pilot.Conn().Done():
		status, code = "disconnected", http.StatusServiceUnavailable
	default:
	}
	httputil.WriteJSON(w, code, map[string]any{
		"status": status,
		"pages":  len(s.pilot.Pages()),
	})
}

type targetView struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Attached bool   `json:"attached"`
	Crashed  bool   `json:"crashed,omitempty"`
}

func (s *Server) targets(w http.ResponseWriter, r *http.Request) {
	ts, err := s.pilot.Targets(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}
	out := make([]targetView, 0, len(ts))
	for _, t := range ts {
		_, attached := s.pilot.Page(t.ID)
		out = append(out, targetView{
			ID: string(t.ID), Type: t.Type, URL: t.URL, Title: t.Title,
			Attached: attached, Crashed: t.Crashed,
		})
	}
	httputil.OkJSON(w, map[string]any{"targets": out})
}

type createPageRequest struct {
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil"`
	TimeoutMS int    `json:"timeoutMs"`
}

func (s *Server) createPage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var req createPageRequest
	if err := httputil.Parse(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	until, ok := page.ParseWaitUntil(req.WaitUntil)
	if !ok {
		httputil.BadRequest(w, fmt.Sprintf("unknown waitUntil %q", req.WaitUntil))
		return
	}

	pg, err := s.pilot.NewPage(r.Context(), "")
	if err != nil {
		httputil.Error(w, err)
		return
	}
	resp := map[string]any{"id": string(pg.ID())}
	if req.URL != "" {
		res, err := pg.Navigate(r.Context(), req.URL, page.NavigateOptions{
			WaitUntil: until,
			Timeout:   time.Duration(req.TimeoutMS) * time.Millisecond,
		})
		if err != nil {
			code := errs.Code(err)
			resp["error"] = err.Error()
			resp["code"] = code
			httputil.WriteJSON(w, httputil.StatusFor(code), resp)
			return
		}
		resp["url"] = res.URL
	}
	w.Header().Set("Location", "/pages/"+string(pg.ID()))
	httputil.WriteJSON(w, http.StatusCreated, resp)
}

func (s *Server) closePage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pilot.ClosePage(r.Context(), target.ID(id)); err != nil {
		httputil.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runSteps(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	list, err := steps.Parse(body)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	pg, ok := s.pageOr404(w, r)
	if !ok {
		return
	}
	stop := r.URL.Query().Get("stopOnError")
	report, err := pg.Run(r.Context(), list, steps.RunOptions{StopOnError: stop == "1" || stop == "true"})
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.OkJSON(w, report)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	detail, ok := snapshot.ParseDetail(q.Get("detail"))
	if !ok {
		httputil.BadRequest(w, fmt.Sprintf("unknown detail %q", q.Get("detail")))
		return
	}
	pg, ok := s.pageOr404(w, r)
	if !ok {
		return
	}
	opts := snapshot.Options{
		Root:          q.Get("root"),
		MaxDepth:      httputil.QueryInt(r, "maxDepth", 0),
		MaxElements:   httputil.QueryInt(r, "maxElements", 0),
		MaxChars:      httputil.QueryInt(r, "maxChars", 0),
		Since:         httputil.QueryInt(r, "since", 0),
		ViewportOnly:  q.Get("viewportOnly") == "true",
		IncludeFrames: q.Get("includeFrames") == "true",
		Detail:        detail,
	}
	res, err := pg.Snapshot(r.Context(), opts)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	if q.Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Snapshot-Id", fmt.Sprint(res.SnapshotID))
		io.WriteString(w, res.Text)
		return
	}
	httputil.OkJSON(w, res)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.opts.Store.ListRuns(r.Context(), r.URL.Query().Get("target"), httputil.QueryInt(r, "limit", 20))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	httputil.OkJSON(w, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.opts.Store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("run %s not found", id))
		return
	}
	if err != nil {
		httputil.Error(w, err)
		return
	}
	recs, err := s.opts.Store.RunSteps(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.OkJSON(w, map[string]any{"run": run, "steps": recs})
}

// corsMiddleware only lets localhost origins call the API from a browser.
func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && isLocalhostOrigin(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")
			w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id, X-Snapshot-Id")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
