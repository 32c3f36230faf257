package mcp

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/neboloop/webpilot/internal/pilot"
)

// Handler serves the browser tools over streamable HTTP. Each MCP session
// gets its own server so its current page is not shared with other clients.
type Handler struct {
	pilot       *pilot.Pilot
	logger      *slog.Logger
	httpHandler http.Handler

	// sessionCache stores MCP servers by session ID (in-memory).
	sessionCache sync.Map // map[sessionID]*mcp.Server
}

// NewHandler creates an HTTP handler over p.
func NewHandler(p *pilot.Pilot, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{pilot: p, logger: logger.With("component", "mcp")}

	// Stateless mode: the SDK does not validate session IDs, the session
	// middleware below assigns and tracks them.
	streamHandler := mcp.NewStreamableHTTPHandler(
		h.getServerForRequest,
		&mcp.StreamableHTTPOptions{
			Stateless: true,
			Logger:    h.logger,
		},
	)
	h.httpHandler = h.sessionMiddleware(streamHandler)
	return h
}

// sessionMiddleware ensures every request carries a session ID and echoes
// it back so the client reuses it. DELETE ends the session.
func (h *Handler) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get("Mcp-Session-Id")
		if r.Method == http.MethodDelete {
			if sessionID != "" {
				h.sessionCache.Delete(sessionID)
				h.logger.Debug("session closed", "session", sessionID)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if sessionID == "" {
			sessionID = uuid.New().String()
			r.Header.Set("Mcp-Session-Id", sessionID)
		}
		w.Header().Set("Mcp-Session-Id", sessionID)
		next.ServeHTTP(w, r)
	})
}

// getServerForRequest returns the cached server for the session, or
// creates one.
func (h *Handler) getServerForRequest(r *http.Request) *mcp.Server {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if cached, ok := h.sessionCache.Load(sessionID); ok {
		return cached.(*mcp.Server)
	}
	h.logger.Debug("new session", "session", sessionID, "user_agent", r.UserAgent())
	server := NewServer(h.pilot, h.logger)
	actual, _ := h.sessionCache.LoadOrStore(sessionID, server)
	return actual.(*mcp.Server)
}

// ServeHTTP handles all MCP HTTP requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.httpHandler.ServeHTTP(w, r)
}
