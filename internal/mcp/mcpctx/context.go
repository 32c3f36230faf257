package mcpctx

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/target"

	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/pilot"
)

// ToolContext carries what every browser tool needs: the pilot and the
// page tools act on when the caller names none.
type ToolContext struct {
	pilot  *pilot.Pilot
	logger *slog.Logger

	mu      sync.Mutex
	current target.ID
}

// NewToolContext creates a tool context over p.
func NewToolContext(p *pilot.Pilot, logger *slog.Logger) *ToolContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolContext{pilot: p, logger: logger.With("component", "mcp")}
}

// Pilot returns the underlying pilot.
func (t *ToolContext) Pilot() *pilot.Pilot {
	return t.pilot
}

// Logger returns the tool logger.
func (t *ToolContext) Logger() *slog.Logger {
	return t.logger
}

// Page resolves the page a tool acts on. A named target is attached on
// first use and becomes current. Without one the current page is used,
// then the first attached page, then a new blank tab.
func (t *ToolContext) Page(ctx context.Context, id string) (*pilot.Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id != "" {
		tid := target.ID(id)
		pg, ok := t.pilot.Page(tid)
		if !ok {
			var err error
			if pg, err = t.pilot.AttachToPage(ctx, tid); err != nil {
				return nil, err
			}
		}
		t.current = tid
		return pg, nil
	}

	if t.current != "" {
		if pg, ok := t.pilot.Page(t.current); ok {
			return pg, nil
		}
		t.logger.Debug("current page gone", "target", t.current)
		t.current = ""
	}
	if pages := t.pilot.Pages(); len(pages) > 0 {
		t.current = pages[0].ID()
		return pages[0], nil
	}
	pg, err := t.pilot.NewPage(ctx, "about:blank")
	if err != nil {
		return nil, err
	}
	t.current = pg.ID()
	return pg, nil
}

// Current returns the current page ID, if any.
func (t *ToolContext) Current() target.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// ToolError represents a structured error for MCP tool responses.
type ToolError struct {
	Code    string `json:"code"`    // "validation", "not_found", or an errs code
	Message string `json:"message"` // Human-readable description
	Field   string `json:"field"`   // For validation errors
}

func (e *ToolError) Error() string {
	if e.Field != "" {
		return e.Code + ": " + e.Message + " (field: " + e.Field + ")"
	}
	return e.Code + ": " + e.Message
}

// NewValidationError creates a validation error for a specific field.
func NewValidationError(message, field string) *ToolError {
	return &ToolError{Code: "validation", Message: message, Field: field}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *ToolError {
	return &ToolError{Code: "not_found", Message: message}
}

// FromError wraps a pilot error with its stable code. Tool errors and nil
// pass through.
func FromError(err error) error {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return err
	}
	return &ToolError{Code: errs.Code(err), Message: err.Error()}
}

