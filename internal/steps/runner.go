package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cdptypes "github.com/chromedp/cdproto/cdp"
	jsonv2 "github.com/go-json-experiment/json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neboloop/webpilot/internal/action"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/metrics"
	"github.com/neboloop/webpilot/internal/page"
	"github.com/neboloop/webpilot/internal/snapshot"
)

// Page is the page surface steps run against.
type Page interface {
	Navigate(ctx context.Context, url string, opts page.NavigateOptions) (*page.NavigateResult, error)
	Reload(ctx context.Context, opts page.NavigateOptions) (*page.NavigateResult, error)
	GoBack(ctx context.Context, opts page.NavigateOptions) (*page.NavigateResult, error)
	GoForward(ctx context.Context, opts page.NavigateOptions) (*page.NavigateResult, error)
	WaitForLoadState(ctx context.Context, state page.WaitUntil, timeout time.Duration) error
	SwitchToFrame(ctx context.Context, sel page.FrameSelector) (page.FrameState, error)
	SwitchToMainFrame(ctx context.Context) (page.FrameState, error)
	SetViewport(ctx context.Context, v page.Viewport) error
	Evaluate(ctx context.Context, expression string) (any, error)
	EvaluateInFrame(ctx context.Context, frameID cdptypes.FrameID, expression string) (any, error)
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)

	Click(ctx context.Context, t action.Target, opts action.ClickOptions) (*action.Result, error)
	Fill(ctx context.Context, t action.Target, value string, opts action.FillOptions) (*action.Result, error)
	FillForm(ctx context.Context, fields []action.Field, opts action.FillOptions) (*action.FormResult, error)
	Press(ctx context.Context, key string, opts action.PressOptions) (*action.Result, error)
	Hover(ctx context.Context, t action.Target, opts action.HoverOptions) (*action.Result, error)
	SelectOption(ctx context.Context, t action.Target, values []string, opts action.FillOptions) (*action.Result, error)
	SetChecked(ctx context.Context, t action.Target, checked bool, opts action.ClickOptions) (*action.Result, error)
	WaitConditions(ctx context.Context, conds []action.Condition, timeout time.Duration) error

	Snapshot(ctx context.Context, opts snapshot.Options) (*snapshot.Result, error)
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index      int    `json:"index"`
	Kind       Kind   `json:"kind"`
	Label      string `json:"label,omitempty"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	DurationMS int64  `json:"durationMs"`
	Data       any    `json:"data,omitempty"`
}

// Report is the outcome of a run.
type Report struct {
	RunID  string       `json:"runId,omitempty"`
	OK     bool         `json:"ok"`
	Steps  []StepResult `json:"steps"`
	Failed int          `json:"failed"`
	// Skipped counts steps not run after a stop.
	Skipped int `json:"skipped,omitempty"`
}

// Journal records runs. The store package implements it.
type Journal interface {
	BeginRun(ctx context.Context, target string, steps int) (string, error)
	RecordStep(ctx context.Context, runID string, r StepResult) error
	FinishRun(ctx context.Context, runID string, ok bool) error
}

// RunOptions configures one run.
type RunOptions struct {
	// StopOnError ends the run at the first failed step unless that step
	// sets continueOnError. Fatal session errors always stop the run.
	StopOnError bool
	// Target labels the run in the journal.
	Target string
	// OnStep is called after each step.
	OnStep func(StepResult)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithJournal records every run.
func WithJournal(j Journal) Option {
	return func(r *Runner) { r.journal = j }
}

// Runner executes step lists.
type Runner struct {
	logger  *slog.Logger
	journal Journal
	tracer  trace.Tracer
}

// NewRunner returns a runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "steps")
	r.tracer = otel.Tracer("github.com/neboloop/webpilot/internal/steps")
	return r
}

// Run validates every step, then executes them in order. The returned
// error is non-nil only for validation failures, journal failures and
// fatal session errors; per-step failures are reported in the Report.
func (r *Runner) Run(ctx context.Context, p Page, steps []Step, opts RunOptions) (*Report, error) {
	if err := ValidateAll(steps); err != nil {
		return nil, err
	}
	ctx, span := r.tracer.Start(ctx, "webpilot.run", trace.WithAttributes(
		attribute.Int("steps", len(steps)),
		attribute.String("target", opts.Target),
	))
	defer span.End()

	rep := &Report{OK: true, Steps: make([]StepResult, 0, len(steps))}
	if r.journal != nil {
		id, err := r.journal.BeginRun(ctx, opts.Target, len(steps))
		if err != nil {
			return nil, fmt.Errorf("begin run: %w", err)
		}
		rep.RunID = id
		span.SetAttributes(attribute.String("run_id", id))
	}

	var fatal error
	for i, s := range steps {
		res := r.runStep(ctx, p, i, s)
		rep.Steps = append(rep.Steps, res)
		if opts.OnStep != nil {
			opts.OnStep(res)
		}
		if r.journal != nil {
			if err := r.journal.RecordStep(ctx, rep.RunID, res); err != nil {
				r.logger.Warn("journal step failed", "run_id", rep.RunID, "index", i, "error", err)
			}
		}
		if res.OK {
			continue
		}
		rep.OK = false
		rep.Failed++
		if res.Code == "page_crashed" || res.Code == "connection" || res.Code == "session_closed" || ctx.Err() != nil {
			fatal = fmt.Errorf("step %d (%s): %s", i, res.Kind, res.Error)
			if ctx.Err() != nil {
				fatal = ctx.Err()
			}
			rep.Skipped = len(steps) - i - 1
			break
		}
		if opts.StopOnError && !s.header().ContinueOnError {
			rep.Skipped = len(steps) - i - 1
			break
		}
	}

	if !rep.OK {
		span.SetStatus(codes.Error, fmt.Sprintf("%d steps failed", rep.Failed))
	}
	if r.journal != nil {
		if err := r.journal.FinishRun(context.WithoutCancel(ctx), rep.RunID, rep.OK); err != nil {
			r.logger.Warn("journal finish failed", "run_id", rep.RunID, "error", err)
		}
	}
	r.logger.Info("run finished", "run_id", rep.RunID, "steps", len(rep.Steps), "failed", rep.Failed, "skipped", rep.Skipped)
	return rep, fatal
}

func (r *Runner) runStep(ctx context.Context, p Page, i int, s Step) StepResult {
	h := s.header()
	ctx, span := r.tracer.Start(ctx, "webpilot.step."+string(h.Kind), trace.WithAttributes(
		attribute.Int("index", i),
		attribute.String("kind", string(h.Kind)),
	))
	defer span.End()

	start := time.Now()
	data, err := r.exec(ctx, p, s)
	res := StepResult{
		Index:      i,
		Kind:       h.Kind,
		Label:      h.Label,
		OK:         err == nil,
		DurationMS: time.Since(start).Milliseconds(),
		Data:       data,
	}
	if err != nil {
		// Partial data is kept only for batches that report per-item results.
		if _, batch := data.(*action.FormResult); !batch {
			res.Data = nil
		}
		res.Error, res.Code = err.Error(), errs.Code(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Code)
		r.logger.Debug("step failed", "index", i, "kind", h.Kind, "code", res.Code, "error", err)
	}
	metrics.Steps.WithLabelValues(string(h.Kind), codeLabel(res.Code)).Inc()
	return res
}

func codeLabel(code string) string {
	if code == "" {
		return "ok"
	}
	return code
}

func (r *Runner) exec(ctx context.Context, p Page, s Step) (any, error) {
	switch s := s.(type) {
	case *NavigateStep:
		until, _ := page.ParseWaitUntil(s.WaitUntil)
		return p.Navigate(ctx, s.URL, page.NavigateOptions{WaitUntil: until, Timeout: s.timeout(), Referrer: s.Referrer})
	case *HistoryStep:
		until, _ := page.ParseWaitUntil(s.WaitUntil)
		opts := page.NavigateOptions{WaitUntil: until, Timeout: s.timeout()}
		switch s.Kind {
		case KindBack:
			return p.GoBack(ctx, opts)
		case KindForward:
			return p.GoForward(ctx, opts)
		}
		return p.Reload(ctx, opts)
	case *ClickStep:
		return p.Click(ctx, s.Target, s.options())
	case *FillStep:
		return p.Fill(ctx, s.Target, *s.Value, s.options())
	case *FillFormStep:
		mode, _ := action.ParseFillMode(s.Mode)
		res, err := p.FillForm(ctx, action.FieldsFromMap(s.Fields), action.FillOptions{
			Hooks:    s.Hooks.action(),
			Mode:     mode,
			Timeout:  s.timeout(),
			Fallback: action.FallbackPolicy(s.Fallback),
		})
		if err == nil && res.Failed > 0 {
			err = fmt.Errorf("%d of %d fields failed: %s", res.Failed, len(res.Fields), firstFieldError(res))
		}
		return res, err
	case *PressStep:
		return p.Press(ctx, s.Key, action.PressOptions{Hooks: s.Hooks.action(), Target: s.Target, Timeout: s.timeout()})
	case *HoverStep:
		return p.Hover(ctx, s.Target, action.HoverOptions{Hooks: s.Hooks.action(), Timeout: s.timeout(), Force: s.Force})
	case *SelectStep:
		return p.SelectOption(ctx, s.Target, s.Values, action.FillOptions{Hooks: s.Hooks.action(), Timeout: s.timeout()})
	case *CheckStep:
		return p.SetChecked(ctx, s.Target, s.want(), action.ClickOptions{Hooks: s.Hooks.action(), Timeout: s.timeout()})
	case *WaitStep:
		return nil, r.wait(ctx, p, s)
	case *SnapshotStep:
		return p.Snapshot(ctx, s.options())
	case *FrameStep:
		return p.SwitchToFrame(ctx, s.FrameSelector)
	case *MainFrameStep:
		return p.SwitchToMainFrame(ctx)
	case *ViewportStep:
		return nil, p.SetViewport(ctx, s.Viewport)
	case *EvaluateStep:
		if s.FrameID != "" {
			return p.EvaluateInFrame(ctx, cdptypes.FrameID(s.FrameID), s.Expression)
		}
		return p.Evaluate(ctx, s.Expression)
	case *AssertStep:
		return nil, r.assert(ctx, p, s)
	}
	return nil, &errs.StepValidationError{Kind: string(KindOf(s)), Reason: fmt.Sprintf("no executor for %T", s)}
}

func firstFieldError(res *action.FormResult) string {
	for _, f := range res.Fields {
		if !f.OK {
			return f.Target + ": " + f.Error
		}
	}
	return ""
}

func (r *Runner) wait(ctx context.Context, p Page, s *WaitStep) error {
	switch {
	case s.MS > 0:
		t := time.NewTimer(time.Duration(s.MS) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	case s.LoadState != "":
		state, _ := page.ParseWaitUntil(s.LoadState)
		return p.WaitForLoadState(ctx, state, s.timeout())
	}
	return p.WaitConditions(ctx, []action.Condition{s.condition()}, s.timeout())
}

// assertPoll is the interval between assertion checks while a timeout
// allows retrying.
const assertPoll = 100 * time.Millisecond

func (r *Runner) assert(ctx context.Context, p Page, s *AssertStep) error {
	// Without a timeout the checks run once.
	deadline := time.Now().Add(s.timeout())
	for {
		err := r.checkOnce(ctx, p, s)
		if err == nil || !errors.Is(err, errs.ErrAssertion) || !time.Now().Add(assertPoll).Before(deadline) {
			return err
		}
		t := time.NewTimer(assertPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Runner) checkOnce(ctx context.Context, p Page, s *AssertStep) error {
	if s.URLContains != "" {
		u, err := p.URL(ctx)
		if err != nil {
			return err
		}
		if !strings.Contains(u, s.URLContains) {
			return &errs.AssertionError{What: "url contains", Want: s.URLContains, Got: u}
		}
	}
	if s.TitleContains != "" {
		title, err := p.Title(ctx)
		if err != nil {
			return err
		}
		if !strings.Contains(title, s.TitleContains) {
			return &errs.AssertionError{What: "title contains", Want: s.TitleContains, Got: title}
		}
	}
	if s.Text != "" {
		lit, err := jsonv2.Marshal(s.Text)
		if err != nil {
			return err
		}
		v, err := p.Evaluate(ctx, "(document.body ? document.body.innerText : '').includes("+string(lit)+")")
		if err != nil {
			return err
		}
		if found, _ := v.(bool); !found {
			return &errs.AssertionError{What: "page text contains", Want: s.Text}
		}
	}
	for _, c := range []struct {
		what string
		cond action.Condition
	}{
		{"visible", action.Visible(s.Visible)},
		{"hidden", action.Hidden(s.Hidden)},
	} {
		if c.cond.Selector == "" {
			continue
		}
		// A negative timeout makes the wait a single check.
		err := p.WaitConditions(ctx, []action.Condition{c.cond}, -1)
		switch {
		case err == nil:
		case errs.IsFatal(err):
			return err
		default:
			return &errs.AssertionError{What: c.what, Want: c.cond.Selector, Got: errs.Code(err)}
		}
	}
	return nil
}
