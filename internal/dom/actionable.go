package dom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
	jsonv2 "github.com/go-json-experiment/json"
	"golang.org/x/time/rate"

	"github.com/neboloop/webpilot/internal/errs"
)

// MaxTimeout caps every actionability wait.
const MaxTimeout = 60 * time.Second

// minPoll bounds how often the page is polled regardless of backoff.
const minPoll = 50 * time.Millisecond

var backoff = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}

// ActionKind selects the state predicates an element must satisfy.
type ActionKind string

const (
	ActionClick  ActionKind = "click"
	ActionFill   ActionKind = "fill"
	ActionHover  ActionKind = "hover"
	ActionSelect ActionKind = "select"
	ActionCheck  ActionKind = "check"
	// ActionAttached only requires existence.
	ActionAttached ActionKind = "attached"
	ActionVisible  ActionKind = "visible"
)

// Rect is a viewport rectangle in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of r.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Actionability is a fresh reading of an element's interaction state.
type Actionability struct {
	Attached bool   `json:"attached"`
	Visible  bool   `json:"visible"`
	Enabled  bool   `json:"enabled"`
	Editable bool   `json:"editable"`
	Stable   bool   `json:"stable"`
	ZeroSize bool   `json:"zeroSize"`
	Box      Rect   `json:"box"`
	Reason   string `json:"reason,omitempty"`
}

// Missing returns the first state kind requires that a lacks, or "" when
// the element is ready.
func (a Actionability) Missing(kind ActionKind) string {
	if !a.Attached {
		return "attached"
	}
	switch kind {
	case ActionFill, ActionSelect:
		if !a.Editable {
			return "editable"
		}
	case ActionHover, ActionVisible:
		if !a.Visible {
			return "visible"
		}
	case ActionCheck:
		if !a.Visible {
			return "visible"
		}
		if !a.Enabled {
			return "enabled"
		}
	}
	return ""
}

// Actionability reads the element state of h.
func (l *Locator) Actionability(ctx context.Context, h *Handle) (Actionability, error) {
	var a Actionability
	if err := h.Call(ctx, &a, actionabilityScript); err != nil {
		return Actionability{}, err
	}
	return a, nil
}

// WaitOptions bounds an actionability wait.
type WaitOptions struct {
	// Timeout of zero makes a single attempt.
	Timeout time.Duration
	// Force accepts any element that exists.
	Force bool
}

// WaitForActionable polls until raw resolves to an element that satisfies
// the predicates of kind. The returned handle must be released.
func (l *Locator) WaitForActionable(ctx context.Context, raw string, kind ActionKind, opts WaitOptions) (*Handle, error) {
	sel, err := ParseSelector(raw)
	if err != nil {
		return nil, &errs.StepValidationError{Field: "selector", Reason: err.Error()}
	}
	timeout := opts.Timeout
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	deadline := time.Now().Add(timeout)
	limiter := rate.NewLimiter(rate.Every(minPoll), 1)

	var (
		lastState string
		lastErr   error
		lastBox   Actionability
	)
	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		h, err := l.QuerySelector(ctx, sel)
		switch {
		case err == nil:
			if opts.Force || kind == ActionAttached {
				return h, nil
			}
			a, aerr := l.Actionability(ctx, h)
			if aerr == nil {
				missing := a.Missing(kind)
				if missing == "" {
					return h, nil
				}
				lastState, lastBox = missing, a
			} else {
				lastState, lastErr = "attached", aerr
			}
			h.Release(ctx)
			if aerr != nil && errs.IsFatal(aerr) {
				return nil, aerr
			}
		case errors.Is(err, errs.ErrElementNotFound), errors.Is(err, errs.ErrStaleElement):
			lastState, lastErr = "", err
		default:
			if errs.IsFatal(err) || errors.Is(err, errs.ErrStepValidation) {
				return nil, err
			}
			lastState, lastErr = "", err
		}

		delay := backoff[min(attempt, len(backoff)-1)]
		if !time.Now().Add(delay).Before(deadline) {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if lastState == "" {
		if lastErr != nil && errors.Is(lastErr, errs.ErrStaleElement) {
			return nil, lastErr
		}
		nf := &errs.ElementNotFoundError{Selector: sel.String(), Timeout: timeout}
		if sel.Kind != KindRef {
			nf.Nearby = l.NearbyElements(ctx, sel.String())
		}
		return nil, nf
	}
	if lastState == "editable" && lastBox.Attached {
		return nil, &errs.NotEditableError{Selector: sel.String(), Reason: lastBox.Reason}
	}
	return nil, &errs.NotActionableError{Selector: sel.String(), State: lastState, Timeout: timeout}
}

// WaitHandleActionable polls an already resolved element until it satisfies
// the predicates of kind. The caller keeps ownership of h.
func (l *Locator) WaitHandleActionable(ctx context.Context, h *Handle, kind ActionKind, opts WaitOptions) error {
	if opts.Force || kind == ActionAttached {
		return nil
	}
	timeout := opts.Timeout
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	deadline := time.Now().Add(timeout)
	limiter := rate.NewLimiter(rate.Every(minPoll), 1)

	var (
		last    Actionability
		missing string
	)
	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		a, err := l.Actionability(ctx, h)
		if err != nil {
			return err
		}
		if missing = a.Missing(kind); missing == "" {
			return nil
		}
		last = a

		delay := backoff[min(attempt, len(backoff)-1)]
		if !time.Now().Add(delay).Before(deadline) {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if missing == "editable" && last.Attached {
		return &errs.NotEditableError{Selector: h.Selector(), Reason: last.Reason}
	}
	return &errs.NotActionableError{Selector: h.Selector(), State: missing, Timeout: timeout}
}

func decode(obj *runtime.RemoteObject, out any) error {
	if obj == nil || out == nil || len(obj.Value) == 0 || obj.Type == runtime.TypeUndefined {
		return nil
	}
	if err := jsonv2.Unmarshal(obj.Value, out); err != nil {
		return fmt.Errorf("decode %s result: %w", obj.Type, err)
	}
	return nil
}
