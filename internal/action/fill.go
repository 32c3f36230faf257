package action

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/chromedp/cdproto/input"

	"github.com/neboloop/webpilot/internal/dom"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/metrics"
)

// FillMode selects how text reaches an input.
type FillMode string

const (
	// ModeType focuses the element, selects its contents and inserts the
	// text as keyboard input.
	ModeType FillMode = "type"
	// ModeFrameworkSafe sets the value through the native setter and fires
	// one input and one change event, for controlled inputs that ignore
	// synthetic typing.
	ModeFrameworkSafe FillMode = "framework-safe"
)

// ParseFillMode maps a user string to a mode; empty means type.
func ParseFillMode(s string) (FillMode, bool) {
	switch FillMode(s) {
	case "", ModeType:
		return ModeType, true
	case ModeFrameworkSafe, "frameworkSafe":
		return ModeFrameworkSafe, true
	}
	return "", false
}

// FillOptions configures Fill.
type FillOptions struct {
	Hooks
	Mode FillMode `json:"mode,omitempty"`
	// Append keeps the existing value and adds to it.
	Append  bool          `json:"append,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Force   bool          `json:"force,omitempty"`
	// Fallback governs retrying a typed fill whose value did not stick in
	// framework-safe mode.
	Fallback FallbackPolicy `json:"fallback,omitempty"`
}

// Fill replaces the value of t with value.
func (e *Executor) Fill(ctx context.Context, t Target, value string, opts FillOptions) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	mode, ok := ParseFillMode(string(opts.Mode))
	if !ok {
		return nil, &errs.StepValidationError{Field: "mode", Reason: fmt.Sprintf("unknown fill mode %q", opts.Mode)}
	}
	if _, ok := ParseFallback(string(opts.Fallback)); !ok {
		return nil, &errs.StepValidationError{Field: "fallback", Reason: fmt.Sprintf("unknown fallback %q", opts.Fallback)}
	}
	if t.Point != nil {
		return nil, &errs.StepValidationError{Field: "point", Reason: "fill needs an element target"}
	}
	opts.Mode = mode
	if len(t.Alternatives) > 0 {
		return alternatives(ctx, t.Alternatives, func(ctx context.Context, alt Target) (*Result, error) {
			return e.Fill(ctx, alt, value, opts)
		})
	}

	timeout := timeoutOr(opts.Timeout)
	before, err := e.before(ctx, opts.Hooks, timeout)
	if err != nil {
		return nil, err
	}
	res, err := e.fill(ctx, t, value, opts, timeout)
	if err != nil {
		metrics.Fills.WithLabelValues(string(mode), "error").Inc()
		return nil, err
	}
	metrics.Fills.WithLabelValues(string(res.Mode), "ok").Inc()
	res.Action, res.Target, res.Success = "fill", t.String(), true
	res.Message = fmt.Sprintf("Filled %s", t)
	if err := e.after(ctx, opts.Hooks, res, before, timeout); err != nil {
		return res, err
	}
	return res, nil
}

// FillByRef fills a snapshot ref.
func (e *Executor) FillByRef(ctx context.Context, ref, value string, opts FillOptions) (*Result, error) {
	return e.Fill(ctx, Target{Ref: ref}, value, opts)
}

func (e *Executor) fill(ctx context.Context, t Target, value string, opts FillOptions, timeout time.Duration) (*Result, error) {
	h, err := e.resolve(ctx, t, dom.ActionFill, timeout, opts.Force)
	if err != nil {
		return nil, err
	}
	defer h.Release(ctx)

	if err := e.locator.ScrollIntoView(ctx, h); err != nil {
		e.logger.Debug("scroll into view failed", "target", h.Selector(), "error", err)
	}

	res := &Result{Mode: opts.Mode}
	if opts.Mode == ModeFrameworkSafe {
		if res.Value, err = frameworkFill(ctx, h, value, opts.Append); err != nil {
			return nil, err
		}
		return res, nil
	}

	if err := e.typeInto(ctx, h, value, opts.Append); err != nil {
		return nil, err
	}
	var got *string
	if err := h.Call(ctx, &got, readValueScript); err != nil {
		return nil, err
	}
	if got != nil {
		res.Value = *got
	}
	if got == nil || opts.Append || *got == value {
		return res, nil
	}

	policy := e.policy
	if opts.Fallback != "" {
		policy = opts.Fallback
	}
	if policy == FallbackNever {
		return nil, &errs.NotEditableError{Selector: h.Selector(), Reason: fmt.Sprintf("value is %q after typing", *got)}
	}
	e.logger.Debug("typed value did not stick, retrying framework-safe", "target", h.Selector(), "got", *got)
	if res.Value, err = frameworkFill(ctx, h, value, false); err != nil {
		return nil, err
	}
	res.Mode = ModeFrameworkSafe
	res.Message = "typed value was rewritten; filled framework-safe"
	return res, nil
}

// typeInto clicks to focus, selects the current contents and inserts value.
func (e *Executor) typeInto(ctx context.Context, h *dom.Handle, value string, appendValue bool) error {
	if p, err := e.locator.ClickPoint(ctx, h); err == nil {
		if occ, cerr := e.locator.CheckCovered(ctx, h, p); cerr == nil && occ == nil {
			if err := e.dispatchClick(ctx, p, ClickOptions{}); err != nil {
				return err
			}
		}
	}
	var focused bool
	if err := h.Call(ctx, &focused, focusScript, appendValue); err != nil {
		return err
	}
	if !focused {
		return &errs.NotEditableError{Selector: h.Selector(), Reason: "element did not take focus"}
	}

	sctx := e.page.Session().Context(ctx)
	if value == "" {
		if appendValue {
			return nil
		}
		return pressKey(sctx, keyDefinition{Key: "Backspace", Code: "Backspace", KeyCode: 8}, 0)
	}
	if err := input.InsertText(value).Do(sctx); err != nil {
		return fmt.Errorf("insert text: %w", err)
	}
	return nil
}

func frameworkFill(ctx context.Context, h *dom.Handle, value string, appendValue bool) (string, error) {
	var got string
	if err := h.Call(ctx, &got, frameworkFillScript, value, appendValue); err != nil {
		return "", err
	}
	return got, nil
}

// Field is one entry of a form fill.
type Field struct {
	Target Target `json:"target"`
	Value  string `json:"value"`
}

// FieldsFromMap turns a selector or ref to value map into fields ordered by
// key. Keys of the form s1e2 or f1s2e3 are treated as refs.
func FieldsFromMap(m map[string]string) []Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Field, 0, len(keys))
	for _, k := range keys {
		t := Target{Selector: k}
		if isRef(k) {
			t = Target{Ref: k}
		}
		out = append(out, Field{Target: t, Value: m[k]})
	}
	return out
}

var refPattern = regexp.MustCompile(`^(f\d+)?s\d+e\d+$`)

func isRef(s string) bool { return refPattern.MatchString(s) }

// FieldResult is the outcome of one field.
type FieldResult struct {
	Target string   `json:"target"`
	OK     bool     `json:"ok"`
	Value  string   `json:"value,omitempty"`
	Mode   FillMode `json:"mode,omitempty"`
	Error  string   `json:"error,omitempty"`
	Code   string   `json:"code,omitempty"`
}

// FormResult collects per-field outcomes.
type FormResult struct {
	Fields []FieldResult `json:"fields"`
	Filled int           `json:"filled"`
	Failed int           `json:"failed"`
}

// FillForm fills every field. A failing field is recorded and the batch
// continues; only a fatal session error stops it.
func (e *Executor) FillForm(ctx context.Context, fields []Field, opts FillOptions) (*FormResult, error) {
	hooks := opts.Hooks
	opts.Hooks = Hooks{}
	timeout := timeoutOr(opts.Timeout)
	if err := e.WaitConditions(ctx, hooks.Ready, timeout); err != nil {
		return nil, fmt.Errorf("ready: %w", err)
	}

	out := &FormResult{Fields: make([]FieldResult, 0, len(fields))}
	for _, f := range fields {
		fr := FieldResult{Target: f.Target.String()}
		res, err := e.Fill(ctx, f.Target, f.Value, opts)
		if err != nil {
			fr.Error, fr.Code = err.Error(), errs.Code(err)
			out.Failed++
			out.Fields = append(out.Fields, fr)
			if errs.IsFatal(err) || ctx.Err() != nil {
				return out, err
			}
			continue
		}
		fr.OK, fr.Value, fr.Mode = true, res.Value, res.Mode
		out.Filled++
		out.Fields = append(out.Fields, fr)
	}

	if err := e.WaitConditions(ctx, hooks.Settled, timeout); err != nil {
		return out, fmt.Errorf("settled: %w", err)
	}
	if hooks.Observe != nil {
		hooks.Observe(e.observe(ctx, hooks.ObserveSnapshot))
	}
	return out, nil
}

// SelectOption selects options of a <select> by value or label.
func (e *Executor) SelectOption(ctx context.Context, t Target, values []string, opts FillOptions) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, &errs.StepValidationError{Field: "values", Reason: "at least one option is required"}
	}
	timeout := timeoutOr(opts.Timeout)
	before, err := e.before(ctx, opts.Hooks, timeout)
	if err != nil {
		return nil, err
	}
	h, err := e.resolve(ctx, t, dom.ActionSelect, timeout, opts.Force)
	if err != nil {
		return nil, err
	}
	defer h.Release(ctx)

	var picked *[]string
	if err := h.Call(ctx, &picked, selectOptionScript, values); err != nil {
		return nil, err
	}
	if picked == nil {
		return nil, &errs.NotEditableError{Selector: h.Selector(), Reason: "not a select element"}
	}
	if len(*picked) == 0 {
		return nil, &errs.ElementNotFoundError{Selector: fmt.Sprintf("%s option %q", t, values)}
	}
	res := &Result{
		Success: true,
		Action:  "select",
		Target:  t.String(),
		Value:   (*picked)[0],
		Message: fmt.Sprintf("Selected %v in %s", *picked, t),
	}
	if err := e.after(ctx, opts.Hooks, res, before, timeout); err != nil {
		return res, err
	}
	return res, nil
}

// SetChecked checks or unchecks a checkbox, radio or switch by clicking it
// when its state differs.
func (e *Executor) SetChecked(ctx context.Context, t Target, checked bool, opts ClickOptions) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	timeout := timeoutOr(opts.Timeout)
	before, err := e.before(ctx, opts.Hooks, timeout)
	if err != nil {
		return nil, err
	}
	h, err := e.resolve(ctx, t, dom.ActionCheck, timeout, opts.Force)
	if err != nil {
		return nil, err
	}
	defer h.Release(ctx)

	state := func() (bool, error) {
		var v *bool
		if err := h.Call(ctx, &v, checkedScript); err != nil {
			return false, err
		}
		if v == nil {
			return false, &errs.NotActionableError{Selector: h.Selector(), State: "checkable"}
		}
		return *v, nil
	}
	cur, err := state()
	if err != nil {
		return nil, err
	}
	verb := "Checked"
	if !checked {
		verb = "Unchecked"
	}
	res := &Result{Success: true, Action: "check", Target: t.String(), Message: verb + " " + t.String()}
	if cur != checked {
		clicked, err := e.clickHandle(ctx, h, opts, false)
		if err != nil {
			return nil, err
		}
		res.Method, res.InterceptedBy = clicked.Method, clicked.InterceptedBy
		if cur, err = state(); err != nil {
			return nil, err
		}
		if cur != checked {
			want := "checked"
			if !checked {
				want = "unchecked"
			}
			return nil, &errs.NotActionableError{Selector: h.Selector(), State: want + " after click"}
		}
	}
	if err := e.after(ctx, opts.Hooks, res, before, timeout); err != nil {
		return res, err
	}
	return res, nil
}

// Check checks t.
func (e *Executor) Check(ctx context.Context, t Target, opts ClickOptions) (*Result, error) {
	return e.SetChecked(ctx, t, true, opts)
}

// Uncheck unchecks t.
func (e *Executor) Uncheck(ctx context.Context, t Target, opts ClickOptions) (*Result, error) {
	return e.SetChecked(ctx, t, false, opts)
}
