// Package action implements the click, fill and keyboard executors on top
// of the page controller, the element locator and the snapshot engine.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"golang.org/x/time/rate"

	"github.com/neboloop/webpilot/internal/dom"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/page"
	"github.com/neboloop/webpilot/internal/snapshot"
)

const (
	// DefaultTimeout bounds element resolution when the caller gives none.
	DefaultTimeout = 10 * time.Second
	// navProbe is how long after an action the URL is read again.
	navProbe = 150 * time.Millisecond
)

// Page is the page surface the executors need.
type Page interface {
	dom.Runtime
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	EvaluateInto(ctx context.Context, expression string, out any) error
	WaitForLoadState(ctx context.Context, state page.WaitUntil, timeout time.Duration) error
}

// Snapshots is the snapshot surface: ref resolution and observations.
type Snapshots interface {
	dom.RefResolver
	Generate(ctx context.Context, opts snapshot.Options) (*snapshot.Result, error)
}

// FallbackPolicy decides what a click does when native input does not reach
// its target.
type FallbackPolicy string

const (
	// FallbackAuto retries with an in-page dispatched click.
	FallbackAuto FallbackPolicy = "auto"
	// FallbackNever fails the click.
	FallbackNever FallbackPolicy = "never"
)

// ParseFallback maps a user string to a policy; empty means auto.
func ParseFallback(s string) (FallbackPolicy, bool) {
	switch FallbackPolicy(s) {
	case "", FallbackAuto:
		return FallbackAuto, true
	case FallbackNever:
		return FallbackNever, true
	}
	return "", false
}

// Method records how a click was delivered.
type Method string

const (
	MethodCDP         Method = "cdp"
	MethodJSClick     Method = "jsClick"
	MethodJSClickAuto Method = "jsClick-auto"
)

// Target addresses an element. Exactly one field is set.
type Target struct {
	Ref      string     `json:"ref,omitempty"`
	Selector string     `json:"selector,omitempty"`
	Text     string     `json:"text,omitempty"`
	Exact    bool       `json:"exact,omitempty"`
	Point    *dom.Point `json:"point,omitempty"`
	// Alternatives are tried in order; the first success wins.
	Alternatives []Target `json:"alternatives,omitempty"`
}

func (t Target) String() string {
	switch {
	case t.Ref != "":
		return "ref=" + t.Ref
	case t.Selector != "":
		return t.Selector
	case t.Text != "":
		return fmt.Sprintf("text=%q", t.Text)
	case t.Point != nil:
		return fmt.Sprintf("point(%g,%g)", t.Point.X, t.Point.Y)
	case len(t.Alternatives) > 0:
		parts := make([]string, len(t.Alternatives))
		for i, a := range t.Alternatives {
			parts[i] = a.String()
		}
		return strings.Join(parts, " | ")
	}
	return "<empty target>"
}

// Validate checks that exactly one way of addressing is set.
func (t Target) Validate() error {
	n := 0
	for _, set := range []bool{t.Ref != "", t.Selector != "", t.Text != "", t.Point != nil, len(t.Alternatives) > 0} {
		if set {
			n++
		}
	}
	switch {
	case n == 0:
		return &errs.StepValidationError{Field: "target", Reason: "one of ref, selector, text, point or alternatives is required"}
	case n > 1:
		return &errs.StepValidationError{Field: "target", Reason: "ref, selector, text, point and alternatives are mutually exclusive"}
	}
	for _, a := range t.Alternatives {
		if len(a.Alternatives) > 0 {
			return &errs.StepValidationError{Field: "alternatives", Reason: "alternatives cannot nest"}
		}
		if err := a.Validate(); err != nil {
			return err
		}
	}
	if t.Point != nil && (t.Point.X < 0 || t.Point.Y < 0) {
		return &errs.StepValidationError{Field: "point", Reason: "coordinates must be non-negative"}
	}
	return nil
}

// selector returns the locator selector for a ref or selector target.
func (t Target) selector() string {
	if t.Ref != "" {
		return "ref=" + t.Ref
	}
	return t.Selector
}

// Observation is what the page looked like once an action settled.
type Observation struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	SnapshotID int    `json:"snapshotId,omitempty"`
	Snapshot   string `json:"snapshot,omitempty"`
}

// Result describes a completed action.
type Result struct {
	Success       bool         `json:"success"`
	Action        string       `json:"action"`
	Target        string       `json:"target,omitempty"`
	Message       string       `json:"message,omitempty"`
	Method        Method       `json:"method,omitempty"`
	Mode          FillMode     `json:"mode,omitempty"`
	InterceptedBy string       `json:"interceptedBy,omitempty"`
	Forced        bool         `json:"forced,omitempty"`
	Point         *dom.Point   `json:"point,omitempty"`
	Value         string       `json:"value,omitempty"`
	Navigated     bool         `json:"navigated,omitempty"`
	NewURL        string       `json:"newUrl,omitempty"`
	URL           string       `json:"url,omitempty"`
	Observation   *Observation `json:"observation,omitempty"`
}

// Hooks are the optional pre and post conditions shared by every action.
type Hooks struct {
	// Ready must hold before the action starts.
	Ready []Condition `json:"ready,omitempty"`
	// Settled must hold after the action.
	Settled []Condition `json:"settled,omitempty"`
	// Observe receives the page state once Settled holds.
	Observe func(Observation) `json:"-"`
	// ObserveSnapshot adds an interactive snapshot to the observation.
	ObserveSnapshot bool `json:"observeSnapshot,omitempty"`
}

// Option configures an Executor.
type Option func(*Executor)

// WithFallback sets the default click fallback policy.
func WithFallback(p FallbackPolicy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithNavigationProbe sets how long after an action the URL is compared.
func WithNavigationProbe(d time.Duration) Option {
	return func(e *Executor) { e.navProbe = d }
}

// Executor performs input actions on one page.
type Executor struct {
	page      Page
	locator   *dom.Locator
	snapshots Snapshots
	policy    FallbackPolicy
	navProbe  time.Duration
	logger    *slog.Logger
}

// New returns an executor. snapshots may be nil, in which case ref targets
// and snapshot observations are unavailable.
func New(p Page, locator *dom.Locator, snapshots Snapshots, opts ...Option) *Executor {
	e := &Executor{
		page:      p,
		locator:   locator,
		snapshots: snapshots,
		policy:    FallbackAuto,
		navProbe:  navProbe,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "action")
	if snapshots != nil {
		locator.SetRefResolver(snapshots)
	}
	return e
}

// Locator returns the element locator.
func (e *Executor) Locator() *dom.Locator { return e.locator }

// before runs the ready conditions and records the URL for navigation
// detection.
func (e *Executor) before(ctx context.Context, h Hooks, timeout time.Duration) (string, error) {
	if err := e.WaitConditions(ctx, h.Ready, timeout); err != nil {
		return "", fmt.Errorf("ready: %w", err)
	}
	url, _ := e.page.URL(ctx)
	return url, nil
}

// after detects navigation, waits for the settled conditions and calls
// Observe.
func (e *Executor) after(ctx context.Context, h Hooks, res *Result, before string, timeout time.Duration) error {
	if e.navProbe > 0 {
		t := time.NewTimer(e.navProbe)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	now, err := e.currentURL(ctx)
	if err == nil {
		res.URL = now
		if before != "" && now != before {
			res.Navigated, res.NewURL = true, now
			if err := e.page.WaitForLoadState(ctx, page.WaitDOMContentLoaded, 5*time.Second); err != nil {
				e.logger.Debug("post-action load wait", "error", err)
			}
		}
	}

	if err := e.WaitConditions(ctx, h.Settled, timeout); err != nil {
		return fmt.Errorf("settled: %w", err)
	}
	if h.Observe != nil {
		obs := e.observe(ctx, h.ObserveSnapshot)
		res.Observation = &obs
		h.Observe(obs)
	}
	return nil
}

// currentURL reads the URL, retrying once across a context swap.
func (e *Executor) currentURL(ctx context.Context) (string, error) {
	u, err := e.page.URL(ctx)
	if err == nil {
		return u, nil
	}
	if errs.IsFatal(err) {
		return "", err
	}
	t := time.NewTimer(100 * time.Millisecond)
	select {
	case <-ctx.Done():
		t.Stop()
		return "", ctx.Err()
	case <-t.C:
	}
	return e.page.URL(ctx)
}

func (e *Executor) observe(ctx context.Context, withSnapshot bool) Observation {
	var obs Observation
	obs.URL, _ = e.page.URL(ctx)
	obs.Title, _ = e.page.Title(ctx)
	if withSnapshot && e.snapshots != nil {
		res, err := e.snapshots.Generate(ctx, snapshot.Options{Detail: snapshot.DetailInteractive})
		if err != nil {
			e.logger.Debug("observation snapshot failed", "error", err)
		} else {
			obs.SnapshotID, obs.Snapshot = res.SnapshotID, res.Text
		}
	}
	return obs
}

func timeoutOr(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d == 0:
		return DefaultTimeout
	case d > dom.MaxTimeout:
		return dom.MaxTimeout
	}
	return d
}

// findByText polls for the best text match until timeout.
func (e *Executor) findByText(ctx context.Context, text string, exact bool, timeout time.Duration) (*dom.Handle, error) {
	deadline := time.Now().Add(timeout)
	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	sel := fmt.Sprintf("text=%q", text)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		h, err := e.callForHandle(ctx, textTargetScript, sel, text, exact)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}
		if !time.Now().Add(100 * time.Millisecond).Before(deadline) {
			break
		}
	}
	return nil, &errs.ElementNotFoundError{Selector: sel, Timeout: timeout, Nearby: e.locator.NearbyElements(ctx, text)}
}

// callForHandle calls fn in the current frame and wraps the returned element.
func (e *Executor) callForHandle(ctx context.Context, fn, selector string, args ...any) (*dom.Handle, error) {
	id, err := e.page.ExecutionContext(ctx)
	if err != nil {
		return nil, err
	}
	callArgs, err := page.Arguments(args...)
	if err != nil {
		return nil, err
	}
	sess := e.page.Session()
	obj, exc, err := runtime.CallFunctionOn(fn).
		WithExecutionContextID(id).
		WithArguments(callArgs).
		WithObjectGroup(dom.ObjectGroup).
		Do(sess.Context(ctx))
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, fmt.Errorf("%s: %w", selector, exc)
	}
	if obj == nil || obj.ObjectID == "" {
		return nil, nil
	}
	return dom.NewHandle(sess, obj.ObjectID, selector), nil
}

// resolve waits for an element target to satisfy kind.
func (e *Executor) resolve(ctx context.Context, t Target, kind dom.ActionKind, timeout time.Duration, force bool) (*dom.Handle, error) {
	if t.Point != nil || len(t.Alternatives) > 0 {
		return nil, &errs.StepValidationError{Field: "target", Reason: "an element target is required"}
	}
	if t.Text != "" {
		start := time.Now()
		h, err := e.findByText(ctx, t.Text, t.Exact, timeout)
		if err != nil {
			return nil, err
		}
		// The text finder only looks for visible matches; the element must
		// still meet what kind needs.
		opts := dom.WaitOptions{Timeout: timeout - time.Since(start), Force: force}
		if err := e.locator.WaitHandleActionable(ctx, h, kind, opts); err != nil {
			h.Release(ctx)
			return nil, err
		}
		return h, nil
	}
	if t.Ref != "" && e.snapshots == nil {
		return nil, &errs.StepValidationError{Field: "ref", Reason: "no snapshot engine attached"}
	}
	return e.locator.WaitForActionable(ctx, t.selector(), kind, dom.WaitOptions{Timeout: timeout, Force: force})
}

// alternatives runs fn for each alternative until one succeeds.
func alternatives(ctx context.Context, alts []Target, fn func(context.Context, Target) (*Result, error)) (*Result, error) {
	var failures []error
	for _, alt := range alts {
		res, err := fn(ctx, alt)
		if err == nil {
			return res, nil
		}
		if errs.IsFatal(err) || ctx.Err() != nil {
			return nil, err
		}
		failures = append(failures, fmt.Errorf("%s: %w", alt, err))
	}
	return nil, fmt.Errorf("all %d alternatives failed: %w", len(alts), errors.Join(failures...))
}
