// Package steps defines the declarative step model shared by the CLI, the
// HTTP API and the MCP tools, and the runner that executes it against a page.
//
// A step is a JSON object discriminated by "kind". Decoding is strict: an
// unknown kind or member is a validation error, and every step is validated
// before the first protocol call of a run.
package steps

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/neboloop/webpilot/internal/action"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/page"
	"github.com/neboloop/webpilot/internal/snapshot"
)

// Kind discriminates steps.
type Kind string

const (
	KindNavigate  Kind = "navigate"
	KindReload    Kind = "reload"
	KindBack      Kind = "back"
	KindForward   Kind = "forward"
	KindClick     Kind = "click"
	KindFill      Kind = "fill"
	KindFillForm  Kind = "fillForm"
	KindPress     Kind = "press"
	KindHover     Kind = "hover"
	KindSelect    Kind = "select"
	KindCheck     Kind = "check"
	KindWait      Kind = "wait"
	KindSnapshot  Kind = "snapshot"
	KindFrame     Kind = "frame"
	KindMainFrame Kind = "mainFrame"
	KindViewport  Kind = "viewport"
	KindEvaluate  Kind = "evaluate"
	KindAssert    Kind = "assert"
)

var registry = map[Kind]func() Step{
	KindNavigate:  func() Step { return new(NavigateStep) },
	KindReload:    func() Step { return new(HistoryStep) },
	KindBack:      func() Step { return new(HistoryStep) },
	KindForward:   func() Step { return new(HistoryStep) },
	KindClick:     func() Step { return new(ClickStep) },
	KindFill:      func() Step { return new(FillStep) },
	KindFillForm:  func() Step { return new(FillFormStep) },
	KindPress:     func() Step { return new(PressStep) },
	KindHover:     func() Step { return new(HoverStep) },
	KindSelect:    func() Step { return new(SelectStep) },
	KindCheck:     func() Step { return new(CheckStep) },
	KindWait:      func() Step { return new(WaitStep) },
	KindSnapshot:  func() Step { return new(SnapshotStep) },
	KindFrame:     func() Step { return new(FrameStep) },
	KindMainFrame: func() Step { return new(MainFrameStep) },
	KindViewport:  func() Step { return new(ViewportStep) },
	KindEvaluate:  func() Step { return new(EvaluateStep) },
	KindAssert:    func() Step { return new(AssertStep) },
}

// Kinds lists every step kind.
func Kinds() []Kind {
	return []Kind{
		KindNavigate, KindReload, KindBack, KindForward, KindClick, KindFill, KindFillForm,
		KindPress, KindHover, KindSelect, KindCheck, KindWait, KindSnapshot, KindFrame,
		KindMainFrame, KindViewport, KindEvaluate, KindAssert,
	}
}

// Header holds the members every step accepts.
type Header struct {
	Kind  Kind   `json:"kind"`
	Label string `json:"label,omitempty"`
	// TimeoutMS bounds the step; zero uses the component default.
	TimeoutMS int64 `json:"timeoutMs,omitempty"`
	// ContinueOnError keeps the run going when this step fails.
	ContinueOnError bool `json:"continueOnError,omitempty"`
}

func (h *Header) header() *Header { return h }

func (h *Header) timeout() time.Duration {
	return time.Duration(h.TimeoutMS) * time.Millisecond
}

// Step is one entry of a run. The concrete types below are the only
// implementations.
type Step interface {
	header() *Header
	validate() error
}

// KindOf returns the kind of s.
func KindOf(s Step) Kind { return s.header().Kind }

// Condition is the wire form of an action precondition or postcondition.
type Condition struct {
	Kind      action.ConditionKind `json:"kind"`
	Selector  string               `json:"selector,omitempty"`
	Value     string               `json:"value,omitempty"`
	TimeoutMS int64                `json:"timeoutMs,omitempty"`
}

func (c Condition) action() action.Condition {
	return action.Condition{
		Kind:     c.Kind,
		Selector: c.Selector,
		Value:    c.Value,
		Timeout:  time.Duration(c.TimeoutMS) * time.Millisecond,
	}
}

// Hooks are the ready and settled conditions an action step may carry.
type Hooks struct {
	Ready   []Condition `json:"ready,omitempty"`
	Settled []Condition `json:"settled,omitempty"`
	// Observe records the page state, with an interactive snapshot, once the
	// action settles.
	Observe bool `json:"observe,omitempty"`
}

func (h Hooks) validate() error {
	for _, list := range [][]Condition{h.Ready, h.Settled} {
		for _, c := range list {
			if err := c.action().Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h Hooks) action() action.Hooks {
	out := action.Hooks{ObserveSnapshot: h.Observe}
	for _, c := range h.Ready {
		out.Ready = append(out.Ready, c.action())
	}
	for _, c := range h.Settled {
		out.Settled = append(out.Settled, c.action())
	}
	if h.Observe {
		out.Observe = func(action.Observation) {}
	}
	return out
}

// NavigateStep loads a URL.
type NavigateStep struct {
	Header    `json:",inline"`
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
}

func (s *NavigateStep) validate() error {
	if s.URL == "" {
		return invalid("url", "a url is required")
	}
	return validWaitUntil(s.WaitUntil)
}

// HistoryStep is reload, back or forward.
type HistoryStep struct {
	Header    `json:",inline"`
	WaitUntil string `json:"waitUntil,omitempty"`
}

func (s *HistoryStep) validate() error { return validWaitUntil(s.WaitUntil) }

// ClickStep clicks a target.
type ClickStep struct {
	Header         `json:",inline"`
	action.Target  `json:",inline"`
	Hooks          `json:",inline"`
	Button         string `json:"button,omitempty"`
	Count          int    `json:"count,omitempty"`
	Method         string `json:"method,omitempty"`
	Fallback       string `json:"fallback,omitempty"`
	Force          bool   `json:"force,omitempty"`
	ZeroSize       bool   `json:"zeroSize,omitempty"`
	ForceOnTimeout bool   `json:"forceOnTimeout,omitempty"`
}

func (s *ClickStep) validate() error {
	if err := s.Target.Validate(); err != nil {
		return err
	}
	switch s.Button {
	case "", "left", "right", "middle":
	default:
		return invalid("button", "unknown button %q", s.Button)
	}
	switch s.Method {
	case "", "cdp", "js":
	default:
		return invalid("method", "unknown click method %q", s.Method)
	}
	if s.Count < 0 || s.Count > 3 {
		return invalid("count", "count must be between 1 and 3")
	}
	if _, ok := action.ParseFallback(s.Fallback); !ok {
		return invalid("fallback", "unknown fallback %q", s.Fallback)
	}
	return s.Hooks.validate()
}

func (s *ClickStep) options() action.ClickOptions {
	return action.ClickOptions{
		Hooks:          s.Hooks.action(),
		Button:         s.Button,
		Count:          s.Count,
		Timeout:        s.timeout(),
		Force:          s.Force,
		Method:         s.Method,
		Fallback:       action.FallbackPolicy(s.Fallback),
		ZeroSize:       s.ZeroSize,
		ForceOnTimeout: s.ForceOnTimeout,
	}
}

// FillStep sets the value of an input.
type FillStep struct {
	Header        `json:",inline"`
	action.Target `json:",inline"`
	Hooks         `json:",inline"`
	Value         *string `json:"value"`
	Mode          string  `json:"mode,omitempty"`
	Append        bool    `json:"append,omitempty"`
	Fallback      string  `json:"fallback,omitempty"`
	Force         bool    `json:"force,omitempty"`
}

func (s *FillStep) validate() error {
	if err := s.Target.Validate(); err != nil {
		return err
	}
	if s.Point != nil {
		return invalid("point", "fill needs an element target")
	}
	if s.Value == nil {
		return invalid("value", "a value is required")
	}
	if err := validFill(s.Mode, s.Fallback); err != nil {
		return err
	}
	return s.Hooks.validate()
}

func (s *FillStep) options() action.FillOptions {
	mode, _ := action.ParseFillMode(s.Mode)
	return action.FillOptions{
		Hooks:    s.Hooks.action(),
		Mode:     mode,
		Append:   s.Append,
		Timeout:  s.timeout(),
		Force:    s.Force,
		Fallback: action.FallbackPolicy(s.Fallback),
	}
}

// FillFormStep fills several fields keyed by selector or ref.
type FillFormStep struct {
	Header   `json:",inline"`
	Hooks    `json:",inline"`
	Fields   map[string]string `json:"fields"`
	Mode     string            `json:"mode,omitempty"`
	Fallback string            `json:"fallback,omitempty"`
}

func (s *FillFormStep) validate() error {
	if len(s.Fields) == 0 {
		return invalid("fields", "at least one field is required")
	}
	if err := validFill(s.Mode, s.Fallback); err != nil {
		return err
	}
	return s.Hooks.validate()
}

// PressStep sends a key, optionally to a target.
type PressStep struct {
	Header `json:",inline"`
	Hooks  `json:",inline"`
	Key    string         `json:"key"`
	Target *action.Target `json:"target,omitempty"`
}

func (s *PressStep) validate() error {
	if _, _, err := action.ParseKey(s.Key); err != nil {
		return invalid("key", "%v", err)
	}
	if s.Target != nil {
		if err := s.Target.Validate(); err != nil {
			return err
		}
	}
	return s.Hooks.validate()
}

// HoverStep moves the pointer over a target.
type HoverStep struct {
	Header        `json:",inline"`
	action.Target `json:",inline"`
	Hooks         `json:",inline"`
	Force         bool `json:"force,omitempty"`
}

func (s *HoverStep) validate() error {
	if err := s.Target.Validate(); err != nil {
		return err
	}
	return s.Hooks.validate()
}

// SelectStep picks options of a select element.
type SelectStep struct {
	Header        `json:",inline"`
	action.Target `json:",inline"`
	Hooks         `json:",inline"`
	Values        []string `json:"values"`
}

func (s *SelectStep) validate() error {
	if err := s.Target.Validate(); err != nil {
		return err
	}
	if s.Point != nil || len(s.Alternatives) > 0 {
		return invalid("target", "select needs a single element target")
	}
	if len(s.Values) == 0 {
		return invalid("values", "at least one value is required")
	}
	return s.Hooks.validate()
}

// CheckStep sets a checkbox or radio. Checked defaults to true.
type CheckStep struct {
	Header        `json:",inline"`
	action.Target `json:",inline"`
	Hooks         `json:",inline"`
	Checked       *bool `json:"checked,omitempty"`
}

func (s *CheckStep) validate() error {
	if err := s.Target.Validate(); err != nil {
		return err
	}
	if s.Point != nil || len(s.Alternatives) > 0 {
		return invalid("target", "check needs a single element target")
	}
	return s.Hooks.validate()
}

func (s *CheckStep) want() bool { return s.Checked == nil || *s.Checked }

// WaitStep waits for exactly one of: a selector state, a fixed delay, a load
// state, a URL substring or a truthy expression.
type WaitStep struct {
	Header      `json:",inline"`
	Selector    string `json:"selector,omitempty"`
	State       string `json:"state,omitempty"`
	MS          int64  `json:"ms,omitempty"`
	LoadState   string `json:"loadState,omitempty"`
	URLContains string `json:"urlContains,omitempty"`
	Expression  string `json:"expression,omitempty"`
}

// maxWaitMS caps fixed delays.
const maxWaitMS = 60_000

func (s *WaitStep) validate() error {
	n := 0
	for _, set := range []bool{s.Selector != "", s.MS != 0, s.LoadState != "", s.URLContains != "", s.Expression != ""} {
		if set {
			n++
		}
	}
	if n != 1 {
		return invalid("", "exactly one of selector, ms, loadState, urlContains or expression is required")
	}
	switch {
	case s.MS < 0 || s.MS > maxWaitMS:
		return invalid("ms", "ms must be between 1 and %d", maxWaitMS)
	case s.LoadState != "":
		if _, ok := page.ParseWaitUntil(s.LoadState); !ok {
			return invalid("loadState", "unknown load state %q", s.LoadState)
		}
	case s.Selector != "":
		if s.State != "" && s.State != "visible" && s.State != "hidden" {
			return invalid("state", "state must be visible or hidden")
		}
		return s.condition().Validate()
	}
	if s.State != "" && s.Selector == "" {
		return invalid("state", "state only applies to a selector wait")
	}
	return nil
}

func (s *WaitStep) condition() action.Condition {
	switch {
	case s.Selector != "" && s.State == "hidden":
		return action.Hidden(s.Selector)
	case s.Selector != "":
		return action.Visible(s.Selector)
	case s.URLContains != "":
		return action.URLContains(s.URLContains)
	}
	return action.Expression(s.Expression)
}

// SnapshotStep captures the accessibility snapshot.
type SnapshotStep struct {
	Header        `json:",inline"`
	Detail        string `json:"detail,omitempty"`
	Root          string `json:"root,omitempty"`
	MaxDepth      int    `json:"maxDepth,omitempty"`
	MaxChars      int    `json:"maxChars,omitempty"`
	ViewportOnly  bool   `json:"viewportOnly,omitempty"`
	IncludeFrames bool   `json:"includeFrames,omitempty"`
	// Since reports unchanged when the page matches the snapshot with this
	// ID.
	Since int `json:"since,omitempty"`
}

func (s *SnapshotStep) validate() error {
	if _, ok := snapshot.ParseDetail(s.Detail); !ok {
		return invalid("detail", "unknown detail %q", s.Detail)
	}
	if s.MaxDepth < 0 || s.MaxChars < 0 || s.Since < 0 {
		return invalid("", "maxDepth, maxChars and since must not be negative")
	}
	return nil
}

func (s *SnapshotStep) options() snapshot.Options {
	detail, _ := snapshot.ParseDetail(s.Detail)
	return snapshot.Options{
		Root:          s.Root,
		MaxDepth:      s.MaxDepth,
		MaxChars:      s.MaxChars,
		ViewportOnly:  s.ViewportOnly,
		IncludeFrames: s.IncludeFrames,
		Since:         s.Since,
		Detail:        detail,
	}
}

// FrameStep switches into a child frame.
type FrameStep struct {
	Header             `json:",inline"`
	page.FrameSelector `json:",inline"`
}

func (s *FrameStep) validate() error {
	n := 0
	for _, set := range []bool{s.FrameID != "", s.Selector != "", s.Name != "", s.Index != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return invalid("", "exactly one of frameId, selector, name or index is required")
	}
	if s.Index != nil && *s.Index < 0 {
		return invalid("index", "index must not be negative")
	}
	return nil
}

// MainFrameStep switches back to the top document.
type MainFrameStep struct {
	Header `json:",inline"`
}

func (s *MainFrameStep) validate() error { return nil }

// ViewportStep overrides the viewport metrics.
type ViewportStep struct {
	Header        `json:",inline"`
	page.Viewport `json:",inline"`
}

func (s *ViewportStep) validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return invalid("width", "width and height must be positive")
	}
	if s.DeviceScaleFactor < 0 {
		return invalid("deviceScaleFactor", "must not be negative")
	}
	return nil
}

// EvaluateStep runs a JavaScript expression in the current frame or in
// FrameID.
type EvaluateStep struct {
	Header     `json:",inline"`
	Expression string `json:"expression"`
	FrameID    string `json:"frameId,omitempty"`
}

func (s *EvaluateStep) validate() error {
	if s.Expression == "" {
		return invalid("expression", "an expression is required")
	}
	return nil
}

// AssertStep checks the page. Every set member must hold.
type AssertStep struct {
	Header        `json:",inline"`
	URLContains   string `json:"urlContains,omitempty"`
	TitleContains string `json:"titleContains,omitempty"`
	Text          string `json:"text,omitempty"`
	Visible       string `json:"visible,omitempty"`
	Hidden        string `json:"hidden,omitempty"`
}

func (s *AssertStep) validate() error {
	if s.URLContains == "" && s.TitleContains == "" && s.Text == "" && s.Visible == "" && s.Hidden == "" {
		return invalid("", "at least one of urlContains, titleContains, text, visible or hidden is required")
	}
	for _, sel := range []string{s.Visible, s.Hidden} {
		if sel == "" {
			continue
		}
		if err := action.Visible(sel).Validate(); err != nil {
			return err
		}
	}
	return nil
}

func validWaitUntil(s string) error {
	if _, ok := page.ParseWaitUntil(s); !ok {
		return invalid("waitUntil", "unknown load state %q", s)
	}
	return nil
}

func validFill(mode, fallback string) error {
	if _, ok := action.ParseFillMode(mode); !ok {
		return invalid("mode", "unknown fill mode %q", mode)
	}
	if _, ok := action.ParseFallback(fallback); !ok {
		return invalid("fallback", "unknown fallback %q", fallback)
	}
	return nil
}

func invalid(field, format string, args ...any) error {
	return &errs.StepValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks s and stamps index and kind on the returned error.
func Validate(index int, s Step) error {
	if s == nil {
		return &errs.StepValidationError{Index: index, Reason: "empty step"}
	}
	h := s.header()
	if _, ok := registry[h.Kind]; !ok {
		return &errs.StepValidationError{Index: index, Kind: string(h.Kind), Field: "kind", Reason: fmt.Sprintf("unknown step kind %q", h.Kind)}
	}
	if h.TimeoutMS < 0 {
		return &errs.StepValidationError{Index: index, Kind: string(h.Kind), Field: "timeoutMs", Reason: "must not be negative"}
	}
	err := s.validate()
	if err == nil {
		return nil
	}
	var sv *errs.StepValidationError
	if errors.As(err, &sv) {
		out := *sv
		out.Index, out.Kind = index, string(h.Kind)
		return &out
	}
	return &errs.StepValidationError{Index: index, Kind: string(h.Kind), Reason: err.Error()}
}

// ValidateAll validates every step.
func ValidateAll(steps []Step) error {
	for i, s := range steps {
		if err := Validate(i, s); err != nil {
			return err
		}
	}
	return nil
}

// Decode decodes and validates one step.
func Decode(index int, raw []byte) (Step, error) {
	var probe struct {
		Kind Kind `json:"kind"`
	}
	if err := jsonv2.Unmarshal(raw, &probe); err != nil {
		return nil, &errs.StepValidationError{Index: index, Reason: err.Error()}
	}
	if probe.Kind == "" {
		return nil, &errs.StepValidationError{Index: index, Field: "kind", Reason: "kind is required"}
	}
	newStep, ok := registry[probe.Kind]
	if !ok {
		return nil, &errs.StepValidationError{Index: index, Kind: string(probe.Kind), Field: "kind", Reason: fmt.Sprintf("unknown step kind %q", probe.Kind)}
	}
	s := newStep()
	if err := jsonv2.Unmarshal(raw, s, jsonv2.RejectUnknownMembers(true)); err != nil {
		return nil, &errs.StepValidationError{Index: index, Kind: string(probe.Kind), Reason: err.Error()}
	}
	if err := Validate(index, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes a step list: either a JSON array of steps or an object with
// a "steps" array.
func Parse(data []byte) ([]Step, error) {
	data = bytes.TrimSpace(data)
	var raws []jsontext.Value
	if len(data) > 0 && data[0] == '{' {
		var doc struct {
			Steps []jsontext.Value `json:"steps"`
		}
		if err := jsonv2.Unmarshal(data, &doc, jsonv2.RejectUnknownMembers(true)); err != nil {
			return nil, &errs.StepValidationError{Index: -1, Reason: err.Error()}
		}
		raws = doc.Steps
	} else if err := jsonv2.Unmarshal(data, &raws); err != nil {
		return nil, &errs.StepValidationError{Index: -1, Reason: err.Error()}
	}
	if len(raws) == 0 {
		return nil, &errs.StepValidationError{Index: -1, Reason: "no steps"}
	}
	out := make([]Step, 0, len(raws))
	for i, raw := range raws {
		s, err := Decode(i, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Marshal encodes steps in the form Parse reads.
func Marshal(steps []Step) ([]byte, error) {
	return jsonv2.Marshal(steps, jsontext.Multiline(true))
}
