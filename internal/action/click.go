package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"

	"github.com/neboloop/webpilot/internal/dom"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/metrics"
)

// ClickOptions configures a click.
type ClickOptions struct {
	Hooks
	// Button is left, right or middle; empty means left.
	Button string `json:"button,omitempty"`
	// Count is the click count; 2 double-clicks.
	Count   int           `json:"count,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	// Force skips actionability checks once the element exists.
	Force bool `json:"force,omitempty"`
	// Method "js" asks for an in-page dispatched click up front.
	Method string `json:"method,omitempty"`
	// Fallback overrides the executor policy.
	Fallback FallbackPolicy `json:"fallback,omitempty"`
	// ZeroSize dispatches an in-page click on an element without a box
	// instead of failing.
	ZeroSize bool `json:"zeroSize,omitempty"`
	// ForceOnTimeout clicks an element that exists but never became
	// actionable within Timeout, reporting Forced.
	ForceOnTimeout bool `json:"forceOnTimeout,omitempty"`
}

func (o ClickOptions) validate() error {
	switch o.Button {
	case "", "left", "right", "middle":
	default:
		return &errs.StepValidationError{Field: "button", Reason: fmt.Sprintf("unknown button %q", o.Button)}
	}
	switch o.Method {
	case "", "cdp", "js":
	default:
		return &errs.StepValidationError{Field: "method", Reason: fmt.Sprintf("unknown click method %q", o.Method)}
	}
	if _, ok := ParseFallback(string(o.Fallback)); !ok {
		return &errs.StepValidationError{Field: "fallback", Reason: fmt.Sprintf("unknown fallback %q", o.Fallback)}
	}
	if o.Count < 0 || o.Count > 3 {
		return &errs.StepValidationError{Field: "count", Reason: "count must be between 1 and 3"}
	}
	return nil
}

func (o ClickOptions) button() (input.MouseButton, int) {
	switch o.Button {
	case "right":
		return input.Right, 2
	case "middle":
		return input.Middle, 1
	}
	return input.Left, 0
}

// Click clicks t. Native input is tried first and verified in the page;
// depending on the fallback policy a click that does not reach the target is
// retried as an in-page dispatched click.
func (e *Executor) Click(ctx context.Context, t Target, opts ClickOptions) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(t.Alternatives) > 0 {
		return alternatives(ctx, t.Alternatives, func(ctx context.Context, alt Target) (*Result, error) {
			return e.Click(ctx, alt, opts)
		})
	}

	timeout := timeoutOr(opts.Timeout)
	before, err := e.before(ctx, opts.Hooks, timeout)
	if err != nil {
		return nil, err
	}

	var res *Result
	if t.Point != nil {
		res, err = e.clickPoint(ctx, *t.Point, opts)
	} else {
		res, err = e.clickTarget(ctx, t, opts, timeout)
	}
	if err != nil {
		metrics.Clicks.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.Clicks.WithLabelValues(string(res.Method)).Inc()
	res.Action, res.Target, res.Success = "click", t.String(), true
	if res.Message == "" {
		res.Message = "Clicked " + t.String()
	}
	if err := e.after(ctx, opts.Hooks, res, before, timeout); err != nil {
		return res, err
	}
	e.logger.Debug("click", "target", res.Target, "method", res.Method, "intercepted_by", res.InterceptedBy, "navigated", res.Navigated)
	return res, nil
}

// ClickText clicks the best visible element whose text matches.
func (e *Executor) ClickText(ctx context.Context, text string, exact bool, opts ClickOptions) (*Result, error) {
	return e.Click(ctx, Target{Text: text, Exact: exact}, opts)
}

// ClickRef clicks a snapshot ref.
func (e *Executor) ClickRef(ctx context.Context, ref string, opts ClickOptions) (*Result, error) {
	return e.Click(ctx, Target{Ref: ref}, opts)
}

func (e *Executor) clickPoint(ctx context.Context, p dom.Point, opts ClickOptions) (*Result, error) {
	if err := e.dispatchClick(ctx, p, opts); err != nil {
		return nil, err
	}
	return &Result{Method: MethodCDP, Point: &p}, nil
}

func (e *Executor) clickTarget(ctx context.Context, t Target, opts ClickOptions, timeout time.Duration) (*Result, error) {
	h, err := e.resolve(ctx, t, dom.ActionClick, timeout, opts.Force)
	forced := false
	if err != nil {
		if !opts.ForceOnTimeout || !errors.Is(err, errs.ErrNotActionable) {
			return nil, err
		}
		e.logger.Debug("forcing click after timeout", "target", t.String(), "error", err)
		if h, err = e.resolve(ctx, t, dom.ActionClick, 0, true); err != nil {
			return nil, err
		}
		forced = true
	}
	defer h.Release(ctx)

	res, err := e.clickHandle(ctx, h, opts, forced)
	if err != nil {
		return nil, err
	}
	res.Forced = forced
	return res, nil
}

// clickHandle clicks a resolved element. forced skips straight to an
// in-page click.
func (e *Executor) clickHandle(ctx context.Context, h *dom.Handle, opts ClickOptions, forced bool) (*Result, error) {
	policy := e.policy
	if opts.Fallback != "" {
		policy = opts.Fallback
	}
	if opts.Method == "js" {
		return e.jsClick(ctx, h, opts, MethodJSClick, "")
	}
	if forced {
		return e.jsClick(ctx, h, opts, MethodJSClickAuto, "")
	}

	if err := e.locator.ScrollIntoView(ctx, h); err != nil {
		e.logger.Debug("scroll into view failed", "target", h.Selector(), "error", err)
	}
	a, err := e.locator.Actionability(ctx, h)
	if err != nil {
		return nil, err
	}
	if a.ZeroSize || a.Box.Width == 0 || a.Box.Height == 0 {
		if !opts.ZeroSize {
			return nil, &errs.NotActionableError{Selector: h.Selector(), State: "visible (zero-size box)"}
		}
		return e.jsClick(ctx, h, opts, MethodJSClickAuto, "")
	}

	p, err := e.locator.ClickPoint(ctx, h)
	if err != nil {
		return nil, err
	}
	occ, err := e.locator.CheckCovered(ctx, h, p)
	if err != nil {
		return nil, err
	}
	if occ != nil {
		if policy == FallbackNever {
			return nil, &errs.NotActionableError{Selector: h.Selector(), State: "receiving pointer events", Occluder: occ.String()}
		}
		e.logger.Debug("click intercepted", "target", h.Selector(), "occluder", occ.String())
		return e.jsClick(ctx, h, opts, MethodJSClickAuto, occ.String())
	}

	var key string
	if err := h.Call(ctx, &key, armClickScript); err != nil {
		return nil, err
	}
	if err := e.dispatchClick(ctx, p, opts); err != nil {
		return nil, err
	}
	received, err := e.clickReceived(ctx, h, key)
	if err != nil {
		return nil, err
	}
	if received {
		return &Result{Method: MethodCDP, Point: &p}, nil
	}
	if policy == FallbackNever {
		return nil, &errs.NotActionableError{Selector: h.Selector(), State: "receiving the click"}
	}
	// Something swallowed the event without sitting on top at hit-test time.
	var intercepted string
	if occ, err := e.locator.CheckCovered(ctx, h, p); err == nil && occ != nil {
		intercepted = occ.String()
	}
	return e.jsClick(ctx, h, opts, MethodJSClickAuto, intercepted)
}

// clickReceived reads the armed listener. A context torn down by a
// navigation counts as received.
func (e *Executor) clickReceived(ctx context.Context, h *dom.Handle, key string) (bool, error) {
	var hit *bool
	err := h.Call(ctx, &hit, checkClickScript, key)
	switch {
	case err == nil:
		return hit == nil || *hit, nil
	case errors.Is(err, errs.ErrStaleElement), errors.Is(err, errs.ErrProtocol):
		return true, nil
	}
	return false, err
}

func (e *Executor) jsClick(ctx context.Context, h *dom.Handle, opts ClickOptions, m Method, interceptedBy string) (*Result, error) {
	_, jsButton := opts.button()
	var ok bool
	if err := h.Call(ctx, &ok, jsClickScript, jsButton); err != nil {
		return nil, err
	}
	return &Result{Method: m, InterceptedBy: interceptedBy}, nil
}

// dispatchClick sends the native mouse sequence at p.
func (e *Executor) dispatchClick(ctx context.Context, p dom.Point, opts ClickOptions) error {
	sctx := e.page.Session().Context(ctx)
	button, _ := opts.button()
	count := opts.Count
	if count == 0 {
		count = 1
	}
	if err := input.DispatchMouseEvent(input.MouseMoved, p.X, p.Y).Do(sctx); err != nil {
		return fmt.Errorf("mouse move: %w", err)
	}
	for i := 1; i <= count; i++ {
		if err := input.DispatchMouseEvent(input.MousePressed, p.X, p.Y).
			WithButton(button).WithClickCount(int64(i)).Do(sctx); err != nil {
			return fmt.Errorf("mouse press: %w", err)
		}
		if err := input.DispatchMouseEvent(input.MouseReleased, p.X, p.Y).
			WithButton(button).WithClickCount(int64(i)).Do(sctx); err != nil {
			return fmt.Errorf("mouse release: %w", err)
		}
	}
	return nil
}

// HoverOptions configures Hover.
type HoverOptions struct {
	Hooks
	Timeout time.Duration `json:"timeout,omitempty"`
	Force   bool          `json:"force,omitempty"`
}

// Hover moves the mouse over t.
func (e *Executor) Hover(ctx context.Context, t Target, opts HoverOptions) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if len(t.Alternatives) > 0 {
		return alternatives(ctx, t.Alternatives, func(ctx context.Context, alt Target) (*Result, error) {
			return e.Hover(ctx, alt, opts)
		})
	}
	timeout := timeoutOr(opts.Timeout)
	before, err := e.before(ctx, opts.Hooks, timeout)
	if err != nil {
		return nil, err
	}

	p := t.Point
	if p == nil {
		h, err := e.resolve(ctx, t, dom.ActionHover, timeout, opts.Force)
		if err != nil {
			return nil, err
		}
		defer h.Release(ctx)
		if err := e.locator.ScrollIntoView(ctx, h); err != nil {
			e.logger.Debug("scroll into view failed", "target", h.Selector(), "error", err)
		}
		pt, err := e.locator.ClickPoint(ctx, h)
		if err != nil {
			return nil, err
		}
		p = &pt
	}
	if err := input.DispatchMouseEvent(input.MouseMoved, p.X, p.Y).Do(e.page.Session().Context(ctx)); err != nil {
		return nil, fmt.Errorf("mouse move: %w", err)
	}
	res := &Result{Success: true, Action: "hover", Target: t.String(), Method: MethodCDP, Point: p, Message: "Hovered " + t.String()}
	if err := e.after(ctx, opts.Hooks, res, before, timeout); err != nil {
		return res, err
	}
	return res, nil
}
