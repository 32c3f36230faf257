package pilot

import (
	"context"
	"log/slog"
	"time"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neboloop/webpilot/internal/action"
	"github.com/neboloop/webpilot/internal/cdp"
	"github.com/neboloop/webpilot/internal/dom"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/page"
	"github.com/neboloop/webpilot/internal/snapshot"
	"github.com/neboloop/webpilot/internal/steps"
)

// Page is one attached tab. Methods are safe for concurrent use, though
// actions on the same page interleave at the protocol level.
type Page struct {
	id     target.ID
	sess   *cdp.Session
	ctrl   *page.Controller
	loc    *dom.Locator
	snaps  *snapshot.Engine
	exec   *action.Executor
	runner *steps.Runner
	tracer trace.Tracer
	logger *slog.Logger
}

var _ steps.Page = (*Page)(nil)

// ID returns the page's target ID.
func (pg *Page) ID() target.ID { return pg.id }

// Session returns the CDP session.
func (pg *Page) Session() *cdp.Session { return pg.sess }

// Crashed reports whether the renderer has crashed.
func (pg *Page) Crashed() bool { return pg.ctrl.Crashed() }

func (pg *Page) closed() bool { return pg.sess.Closed() }

func (pg *Page) release(ctx context.Context) {
	if !pg.sess.Closed() {
		if err := dom.ReleaseGroup(ctx, pg.sess); err != nil {
			pg.logger.Debug("release object group", "error", err)
		}
	}
	pg.ctrl.Close()
}

func (pg *Page) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("target", string(pg.id)))
	return pg.tracer.Start(ctx, "webpilot."+op, trace.WithAttributes(attrs...))
}

// record marks span failed when err is non-nil and returns err.
func record(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errs.Code(err))
	}
	return err
}

// Navigate loads url and waits for opts.WaitUntil.
func (pg *Page) Navigate(ctx context.Context, url string, opts page.NavigateOptions) (*page.NavigateResult, error) {
	ctx, span := pg.start(ctx, "navigate", attribute.String("url", url), attribute.String("wait_until", string(opts.WaitUntil)))
	defer span.End()
	res, err := pg.ctrl.Navigate(ctx, url, opts)
	return res, record(span, err)
}

// Reload reloads the current document.
func (pg *Page) Reload(ctx context.Context, opts page.NavigateOptions) (*page.NavigateResult, error) {
	ctx, span := pg.start(ctx, "reload")
	defer span.End()
	res, err := pg.ctrl.Reload(ctx, opts)
	return res, record(span, err)
}

// GoBack moves one entry back in history.
func (pg *Page) GoBack(ctx context.Context, opts page.NavigateOptions) (*page.NavigateResult, error) {
	ctx, span := pg.start(ctx, "back")
	defer span.End()
	res, err := pg.ctrl.GoBack(ctx, opts)
	return res, record(span, err)
}

// GoForward moves one entry forward in history.
func (pg *Page) GoForward(ctx context.Context, opts page.NavigateOptions) (*page.NavigateResult, error) {
	ctx, span := pg.start(ctx, "forward")
	defer span.End()
	res, err := pg.ctrl.GoForward(ctx, opts)
	return res, record(span, err)
}

// WaitForLoadState waits until the main frame reaches state.
func (pg *Page) WaitForLoadState(ctx context.Context, state page.WaitUntil, timeout time.Duration) error {
	ctx, span := pg.start(ctx, "wait_load_state", attribute.String("state", string(state)))
	defer span.End()
	return record(span, pg.ctrl.WaitForLoadState(ctx, state, timeout))
}

// SwitchToFrame makes a child frame current for locators, snapshots and
// evaluation.
func (pg *Page) SwitchToFrame(ctx context.Context, sel page.FrameSelector) (page.FrameState, error) {
	ctx, span := pg.start(ctx, "switch_frame", attribute.String("frame", sel.String()))
	defer span.End()
	st, err := pg.ctrl.SwitchToFrame(ctx, sel)
	return st, record(span, err)
}

// SwitchToMainFrame resets the current frame.
func (pg *Page) SwitchToMainFrame(ctx context.Context) (page.FrameState, error) {
	ctx, span := pg.start(ctx, "switch_main_frame")
	defer span.End()
	st, err := pg.ctrl.SwitchToMainFrame(ctx)
	return st, record(span, err)
}

// CurrentFrame returns the current-frame pointer.
func (pg *Page) CurrentFrame() page.FrameState { return pg.ctrl.CurrentFrame() }

// FrameTree lists the page's frames depth-first.
func (pg *Page) FrameTree(ctx context.Context) ([]page.Frame, error) {
	ctx, span := pg.start(ctx, "frame_tree")
	defer span.End()
	frames, err := pg.ctrl.FrameTree(ctx)
	return frames, record(span, err)
}

// SetViewport overrides the device metrics.
func (pg *Page) SetViewport(ctx context.Context, v page.Viewport) error {
	ctx, span := pg.start(ctx, "viewport", attribute.Int64("width", v.Width), attribute.Int64("height", v.Height))
	defer span.End()
	return record(span, pg.ctrl.SetViewport(ctx, v))
}

// Evaluate runs expression in the current frame.
func (pg *Page) Evaluate(ctx context.Context, expression string) (any, error) {
	ctx, span := pg.start(ctx, "evaluate")
	defer span.End()
	v, err := pg.ctrl.Evaluate(ctx, expression)
	return v, record(span, err)
}

// EvaluateInFrame runs expression in frameID without changing the current
// frame.
func (pg *Page) EvaluateInFrame(ctx context.Context, frameID cdptypes.FrameID, expression string) (any, error) {
	ctx, span := pg.start(ctx, "evaluate", attribute.String("frame", string(frameID)))
	defer span.End()
	v, err := pg.ctrl.EvaluateInFrame(ctx, frameID, expression)
	return v, record(span, err)
}

// URL returns the main frame's URL.
func (pg *Page) URL(ctx context.Context) (string, error) { return pg.ctrl.URL(ctx) }

// Title returns the document title.
func (pg *Page) Title(ctx context.Context) (string, error) { return pg.ctrl.Title(ctx) }

// WaitForActionable waits for selector to satisfy the predicates of kind.
// The caller must release the handle.
func (pg *Page) WaitForActionable(ctx context.Context, selector string, kind dom.ActionKind, opts dom.WaitOptions) (*dom.Handle, error) {
	ctx, span := pg.start(ctx, "wait_actionable", attribute.String("selector", selector), attribute.String("kind", string(kind)))
	defer span.End()
	h, err := pg.loc.WaitForActionable(ctx, selector, kind, opts)
	return h, record(span, err)
}

// ElementsAt hit-tests a viewport point.
func (pg *Page) ElementsAt(ctx context.Context, x, y float64) (dom.ElementsAtResult, error) {
	ctx, span := pg.start(ctx, "elements_at", attribute.Float64("x", x), attribute.Float64("y", y))
	defer span.End()
	res, err := pg.loc.ElementsAt(ctx, x, y)
	return res, record(span, err)
}

// Click clicks a target.
func (pg *Page) Click(ctx context.Context, t action.Target, opts action.ClickOptions) (*action.Result, error) {
	ctx, span := pg.start(ctx, "click", attribute.String("element", t.String()))
	defer span.End()
	res, err := pg.exec.Click(ctx, t, opts)
	if res != nil {
		span.SetAttributes(attribute.String("method", string(res.Method)))
	}
	return res, record(span, err)
}

// ClickText clicks the best visible element whose text matches.
func (pg *Page) ClickText(ctx context.Context, text string, exact bool, opts action.ClickOptions) (*action.Result, error) {
	return pg.Click(ctx, action.Target{Text: text, Exact: exact}, opts)
}

// ClickRef clicks a snapshot ref.
func (pg *Page) ClickRef(ctx context.Context, ref string, opts action.ClickOptions) (*action.Result, error) {
	return pg.Click(ctx, action.Target{Ref: ref}, opts)
}

// Hover moves the mouse over a target.
func (pg *Page) Hover(ctx context.Context, t action.Target, opts action.HoverOptions) (*action.Result, error) {
	ctx, span := pg.start(ctx, "hover", attribute.String("element", t.String()))
	defer span.End()
	res, err := pg.exec.Hover(ctx, t, opts)
	return res, record(span, err)
}

// Fill sets a field's value.
func (pg *Page) Fill(ctx context.Context, t action.Target, value string, opts action.FillOptions) (*action.Result, error) {
	ctx, span := pg.start(ctx, "fill", attribute.String("element", t.String()))
	defer span.End()
	res, err := pg.exec.Fill(ctx, t, value, opts)
	if res != nil {
		span.SetAttributes(attribute.String("mode", string(res.Mode)))
	}
	return res, record(span, err)
}

// FillByRef fills the field a snapshot ref points at.
func (pg *Page) FillByRef(ctx context.Context, ref, value string, opts action.FillOptions) (*action.Result, error) {
	return pg.Fill(ctx, action.Target{Ref: ref}, value, opts)
}

// FillForm fills every field, continuing past failures.
func (pg *Page) FillForm(ctx context.Context, fields []action.Field, opts action.FillOptions) (*action.FormResult, error) {
	ctx, span := pg.start(ctx, "fill_form", attribute.Int("fields", len(fields)))
	defer span.End()
	res, err := pg.exec.FillForm(ctx, fields, opts)
	return res, record(span, err)
}

// SelectOption selects options of a <select> by value or label.
func (pg *Page) SelectOption(ctx context.Context, t action.Target, values []string, opts action.FillOptions) (*action.Result, error) {
	ctx, span := pg.start(ctx, "select", attribute.String("element", t.String()))
	defer span.End()
	res, err := pg.exec.SelectOption(ctx, t, values, opts)
	return res, record(span, err)
}

// SetChecked makes a checkbox or radio match checked.
func (pg *Page) SetChecked(ctx context.Context, t action.Target, checked bool, opts action.ClickOptions) (*action.Result, error) {
	ctx, span := pg.start(ctx, "check", attribute.String("element", t.String()), attribute.Bool("checked", checked))
	defer span.End()
	res, err := pg.exec.SetChecked(ctx, t, checked, opts)
	return res, record(span, err)
}

// Press sends a key or key combination.
func (pg *Page) Press(ctx context.Context, key string, opts action.PressOptions) (*action.Result, error) {
	ctx, span := pg.start(ctx, "press", attribute.String("key", key))
	defer span.End()
	res, err := pg.exec.Press(ctx, key, opts)
	return res, record(span, err)
}

// WaitConditions waits until every condition holds.
func (pg *Page) WaitConditions(ctx context.Context, conds []action.Condition, timeout time.Duration) error {
	ctx, span := pg.start(ctx, "wait", attribute.Int("conditions", len(conds)))
	defer span.End()
	return record(span, pg.exec.WaitConditions(ctx, conds, timeout))
}

// Snapshot captures the accessibility snapshot of the current frame.
func (pg *Page) Snapshot(ctx context.Context, opts snapshot.Options) (*snapshot.Result, error) {
	ctx, span := pg.start(ctx, "snapshot", attribute.String("detail", string(opts.Detail)))
	defer span.End()
	res, err := pg.snaps.Generate(ctx, opts)
	if res != nil {
		span.SetAttributes(attribute.Int("snapshot_id", res.SnapshotID), attribute.Bool("unchanged", res.Unchanged))
	}
	return res, record(span, err)
}

// SnapshotChanges captures a snapshot and a unified diff against the
// previous one.
func (pg *Page) SnapshotChanges(ctx context.Context, opts snapshot.Options) (*snapshot.Result, string, error) {
	ctx, span := pg.start(ctx, "snapshot_changes")
	defer span.End()
	res, diff, err := pg.snaps.Changes(ctx, opts)
	return res, diff, record(span, err)
}

// ElementByRef reports where a snapshot ref points now.
func (pg *Page) ElementByRef(ctx context.Context, ref string) (*snapshot.RefResolution, error) {
	ctx, span := pg.start(ctx, "element_by_ref", attribute.String("ref", ref))
	defer span.End()
	res, err := pg.snaps.GetElementByRef(ctx, ref)
	return res, record(span, err)
}

// Run executes a validated step list against the page.
func (pg *Page) Run(ctx context.Context, list []steps.Step, opts steps.RunOptions) (*steps.Report, error) {
	if opts.Target == "" {
		opts.Target = string(pg.id)
	}
	return pg.runner.Run(ctx, pg, list, opts)
}
