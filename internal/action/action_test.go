package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/webpilot/internal/cdp"
	"github.com/neboloop/webpilot/internal/cdp/cdptest"
	"github.com/neboloop/webpilot/internal/dom"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/page"
)

// =============================================================================
// Fake page
// =============================================================================

type fakeEl struct {
	state    map[string]any
	occluder map[string]any
	// swallow makes the armed listener report that no click arrived.
	swallow bool
	// ignoreTyping drops inserted text, like a controlled input that
	// rewrites its value.
	ignoreTyping bool
	unfocusable  bool
	value        string
	checked      *bool
	options      []string
	navigateTo   string
	jsClicks     int
}

type fakeDoc struct {
	mu       sync.Mutex
	pg       *testPage
	elements map[string]*fakeEl
	texts    map[string]string
	armed    string
	focused  string
}

func ready() map[string]any {
	return map[string]any{
		"attached": true, "visible": true, "enabled": true, "editable": true, "stable": true,
		"zeroSize": false, "box": map[string]any{"x": 10, "y": 10, "width": 100, "height": 20},
	}
}

func value(v any) map[string]any {
	return map[string]any{"result": map[string]any{"type": "object", "value": v}}
}

func null() map[string]any {
	return map[string]any{"result": map[string]any{"type": "object", "subtype": "null", "value": nil}}
}

func node(sel string) map[string]any {
	return map[string]any{"result": map[string]any{"type": "object", "subtype": "node", "objectId": "obj:" + sel}}
}

func (d *fakeDoc) el(id runtime.RemoteObjectID) (string, *fakeEl) {
	sel := strings.TrimPrefix(string(id), "obj:")
	if el, ok := d.elements[sel]; ok {
		return sel, el
	}
	return sel, &fakeEl{state: map[string]any{"attached": false}}
}

func (d *fakeDoc) install(srv *cdptest.Server) {
	srv.HandleResult("DOM.getContentQuads", map[string]any{
		"quads": [][]float64{{10, 10, 110, 10, 110, 30, 10, 30}},
	})
	srv.Handle("Input.dispatchMouseEvent", func(_ context.Context, req *cdptest.Request) (any, error) {
		var p map[string]any
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if p["type"] != "mouseReleased" {
			return map[string]any{}, nil
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if el, ok := d.elements[d.armed]; ok {
			if el.checked != nil {
				v := !*el.checked
				el.checked = &v
			}
			if el.navigateTo != "" {
				d.pg.setURL(el.navigateTo)
			}
		}
		return map[string]any{}, nil
	})
	srv.Handle("Input.insertText", func(_ context.Context, req *cdptest.Request) (any, error) {
		var p struct {
			Text string `json:"text"`
		}
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if el, ok := d.elements[d.focused]; ok && !el.ignoreTyping {
			el.value = p.Text
		}
		return map[string]any{}, nil
	})
	srv.Handle("Runtime.callFunctionOn", func(_ context.Context, req *cdptest.Request) (any, error) {
		var p runtime.CallFunctionOnParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		args := make([]any, len(p.Arguments))
		for i, a := range p.Arguments {
			if err := jsonv2.Unmarshal(a.Value, &args[i]); err != nil {
				return nil, err
			}
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		fn := p.FunctionDeclaration
		sel, el := d.el(p.ObjectID)

		switch fn {
		case armClickScript:
			d.armed = sel
			return value("k1"), nil
		case checkClickScript:
			return value(!el.swallow), nil
		case jsClickScript:
			el.jsClicks++
			if el.checked != nil {
				v := !*el.checked
				el.checked = &v
			}
			return value(true), nil
		case focusScript:
			if el.unfocusable {
				return value(false), nil
			}
			d.focused = sel
			return value(true), nil
		case frameworkFillScript:
			v := args[0].(string)
			if args[1].(bool) {
				v = el.value + v
			}
			el.value = v
			return value(v), nil
		case readValueScript:
			return value(el.value), nil
		case checkedScript:
			if el.checked == nil {
				return null(), nil
			}
			return value(*el.checked), nil
		case selectOptionScript:
			var picked []string
			for _, w := range args[0].([]any) {
				for _, o := range el.options {
					if o == w {
						picked = append(picked, o)
					}
				}
			}
			if picked == nil {
				picked = []string{}
			}
			return value(picked), nil
		case textTargetScript:
			if s, ok := d.texts[args[0].(string)]; ok {
				return node(s), nil
			}
			return null(), nil
		}

		switch {
		case strings.HasPrefix(fn, "function(kind, value, name, exact, index)"):
			target := args[1].(string)
			if _, ok := d.elements[target]; !ok || args[4].(float64) > 0 {
				return null(), nil
			}
			return node(target), nil
		case strings.Contains(fn, "const textTypes"):
			return value(el.state), nil
		case strings.HasPrefix(fn, "function(x, y) {"):
			if el.occluder != nil {
				return value(el.occluder), nil
			}
			return value(map[string]any{"covered": false}), nil
		case strings.HasPrefix(fn, "function(hint, limit)"):
			return value([]string{}), nil
		}
		return nil, fmt.Errorf("unexpected function %.40q", fn)
	})
}

type testPage struct {
	sess *cdp.Session

	mu   sync.Mutex
	url  string
	eval func(expr string) bool
}

func (p *testPage) setURL(u string) {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
}

func (p *testPage) Session() *cdp.Session { return p.sess }

func (p *testPage) ExecutionContext(context.Context) (runtime.ExecutionContextID, error) {
	return 7, nil
}

func (p *testPage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *testPage) Title(context.Context) (string, error) { return "Test", nil }

func (p *testPage) EvaluateInto(_ context.Context, expr string, out any) error {
	ok := p.eval != nil && p.eval(expr)
	if b, isBool := out.(*bool); isBool {
		*b = ok
	}
	return nil
}

func (p *testPage) WaitForLoadState(context.Context, page.WaitUntil, time.Duration) error {
	return nil
}

func newTestExecutor(t *testing.T, doc *fakeDoc, opts ...Option) (*Executor, *cdptest.Server) {
	t.Helper()
	srv := cdptest.NewServer(t)
	srv.AddTarget("T1", "https://example.test/", "")
	doc.install(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := cdp.Dial(ctx, srv.URL())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	sess, err := cdp.NewRegistry(conn).Attach(ctx, "T1")
	require.NoError(t, err)

	pg := &testPage{sess: sess, url: "https://example.test/"}
	doc.pg = pg
	if doc.texts == nil {
		doc.texts = map[string]string{}
	}
	opts = append([]Option{WithNavigationProbe(0)}, opts...)
	return New(pg, dom.NewLocator(pg, nil), nil, opts...), srv
}

func mouseEvents(srv *cdptest.Server, typ string) []map[string]any {
	var out []map[string]any
	for _, req := range srv.Calls("Input.dispatchMouseEvent") {
		var p map[string]any
		if err := req.Decode(&p); err == nil && p["type"] == typ {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// Targets
// =============================================================================

func TestTargetValidate(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantErr bool
	}{
		{"selector", Target{Selector: "#go"}, false},
		{"ref", Target{Ref: "s1e2"}, false},
		{"text", Target{Text: "Sign in"}, false},
		{"point", Target{Point: &dom.Point{X: 1, Y: 2}}, false},
		{"alternatives", Target{Alternatives: []Target{{Selector: "#a"}, {Text: "b"}}}, false},
		{"empty", Target{}, true},
		{"two fields", Target{Selector: "#go", Ref: "s1e1"}, true},
		{"nested alternatives", Target{Alternatives: []Target{{Alternatives: []Target{{Selector: "#a"}}}}}, true},
		{"negative point", Target{Point: &dom.Point{X: -1, Y: 2}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errs.ErrStepValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTargetString(t *testing.T) {
	assert.Equal(t, "ref=s1e2", Target{Ref: "s1e2"}.String())
	assert.Equal(t, `text="Go"`, Target{Text: "Go"}.String())
	assert.Equal(t, "point(3,4)", Target{Point: &dom.Point{X: 3, Y: 4}}.String())
	assert.Equal(t, "#a | #b", Target{Alternatives: []Target{{Selector: "#a"}, {Selector: "#b"}}}.String())
}

func TestTimeoutOr(t *testing.T) {
	assert.Equal(t, DefaultTimeout, timeoutOr(0))
	assert.Equal(t, time.Duration(0), timeoutOr(-time.Second))
	assert.Equal(t, dom.MaxTimeout, timeoutOr(time.Hour))
	assert.Equal(t, time.Second, timeoutOr(time.Second))
}

// =============================================================================
// Click
// =============================================================================

func TestClickNative(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#go": {state: ready()}}}
	ex, srv := newTestExecutor(t, doc)

	res, err := ex.Click(context.Background(), Target{Selector: "#go"}, ClickOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, MethodCDP, res.Method)
	assert.Equal(t, &dom.Point{X: 60, Y: 20}, res.Point)
	assert.Empty(t, res.InterceptedBy)
	assert.False(t, res.Navigated)
	assert.Len(t, mouseEvents(srv, "mousePressed"), 1)
	assert.Zero(t, doc.elements["#go"].jsClicks)
}

func TestClickDoubleClickCounts(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#go": {state: ready()}}}
	ex, srv := newTestExecutor(t, doc)

	_, err := ex.Click(context.Background(), Target{Selector: "#go"}, ClickOptions{Count: 2})
	require.NoError(t, err)
	pressed := mouseEvents(srv, "mousePressed")
	require.Len(t, pressed, 2)
	assert.EqualValues(t, 1, pressed[0]["clickCount"])
	assert.EqualValues(t, 2, pressed[1]["clickCount"])
}

func TestClickCoveredFallsBackToJS(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#go": {
		state:    ready(),
		occluder: map[string]any{"covered": true, "tag": "div", "description": "div.modal-backdrop"},
	}}}
	ex, srv := newTestExecutor(t, doc)

	res, err := ex.Click(context.Background(), Target{Selector: "#go"}, ClickOptions{})
	require.NoError(t, err)
	assert.Equal(t, MethodJSClickAuto, res.Method)
	assert.Equal(t, "div.modal-backdrop", res.InterceptedBy)
	assert.Equal(t, 1, doc.elements["#go"].jsClicks)
	assert.Empty(t, mouseEvents(srv, "mousePressed"))
}

func TestClickCoveredWithFallbackNeverFails(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#go": {
		state:    ready(),
		occluder: map[string]any{"covered": true, "tag": "div", "description": "div.modal-backdrop"},
	}}}
	ex, _ := newTestExecutor(t, doc, WithFallback(FallbackNever))

	_, err := ex.Click(context.Background(), Target{Selector: "#go"}, ClickOptions{})
	var na *errs.NotActionableError
	require.True(t, errors.As(err, &na))
	assert.Equal(t, "div.modal-backdrop", na.Occluder)
	assert.Zero(t, doc.elements["#go"].jsClicks)
}

func TestClickPerCallFallbackOverridesExecutor(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#go": {
		state:    ready(),
		occluder: map[string]any{"covered": true, "tag": "div", "description": "div.overlay"},
	}}}
	ex, _ := newTestExecutor(t, doc)

	_, err := ex.Click(context.Background(), Target{Selector: "#go"}, ClickOptions{Fallback: FallbackNever})
	assert.True(t, errors.Is(err, errs.ErrNotActionable))
}

func TestClickNotReceivedFallsBack(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#go": {state: ready(), swallow: true}}}
	ex, srv := newTestExecutor(t, doc)

	res, err := ex.Click(context.Background(), Target{Selector: "#go"}, ClickOptions{})
	require.NoError(t, err)
	assert.Equal(t, MethodJSClickAuto, res.Method)
	assert.Len(t, mouseEvents(srv, "mousePressed"), 1)
	assert.Equal(t, 1, doc.elements["#go"].jsClicks)
}

func TestClickZeroSize(t *testing.T) {
	st := ready()
	st["zeroSize"] = true
	st["box"] = map[string]any{"x": 0, "y": 0, "width": 0, "height": 0}
	doc := &fakeDoc{elements: map[string]*fakeEl{"#tiny": {state: st}}}
	ex, _ := newTestExecutor(t, doc)

	_, err := ex.Click(context.Background(), Target{Selector: "#tiny"}, ClickOptions{})
	var na *errs.NotActionableError
	require.True(t, errors.As(err, &na))
	assert.Contains(t, na.State, "zero-size")

	res, err := ex.Click(context.Background(), Target{Selector: "#tiny"}, ClickOptions{ZeroSize: true})
	require.NoError(t, err)
	assert.Equal(t, MethodJSClickAuto, res.Method)
}

func TestClickForceOnTimeout(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#late": {state: map[string]any{"attached": false}}}}
	ex, _ := newTestExecutor(t, doc)

	_, err := ex.Click(context.Background(), Target{Selector: "#late"}, ClickOptions{Timeout: 100 * time.Millisecond})
	assert.True(t, errors.Is(err, errs.ErrNotActionable))

	res, err := ex.Click(context.Background(), Target{Selector: "#late"}, ClickOptions{Timeout: 100 * time.Millisecond, ForceOnTimeout: true})
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Equal(t, MethodJSClickAuto, res.Method)
}

func TestClickMethodJS(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#go": {state: ready()}}}
	ex, srv := newTestExecutor(t, doc)

	res, err := ex.Click(context.Background(), Target{Selector: "#go"}, ClickOptions{Method: "js"})
	require.NoError(t, err)
	assert.Equal(t, MethodJSClick, res.Method)
	assert.Empty(t, mouseEvents(srv, "mousePressed"))
}

func TestClickPoint(t *testing.T) {
	ex, srv := newTestExecutor(t, &fakeDoc{elements: map[string]*fakeEl{}})

	res, err := ex.Click(context.Background(), Target{Point: &dom.Point{X: 5, Y: 7}}, ClickOptions{Button: "right"})
	require.NoError(t, err)
	assert.Equal(t, "point(5,7)", res.Target)
	pressed := mouseEvents(srv, "mousePressed")
	require.Len(t, pressed, 1)
	assert.EqualValues(t, 5, pressed[0]["x"])
	assert.Equal(t, "right", pressed[0]["button"])
	assert.Empty(t, srv.Calls("Runtime.callFunctionOn"))
}

func TestClickText(t *testing.T) {
	doc := &fakeDoc{
		elements: map[string]*fakeEl{"button.save": {state: ready()}},
		texts:    map[string]string{"Save": "button.save"},
	}
	ex, _ := newTestExecutor(t, doc)

	res, err := ex.ClickText(context.Background(), "Save", false, ClickOptions{})
	require.NoError(t, err)
	assert.Equal(t, `text="Save"`, res.Target)

	_, err = ex.ClickText(context.Background(), "Nope", false, ClickOptions{Timeout: 100 * time.Millisecond})
	var nf *errs.ElementNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, `text="Nope"`, nf.Selector)
}

func TestClickRefWithoutSnapshots(t *testing.T) {
	ex, _ := newTestExecutor(t, &fakeDoc{elements: map[string]*fakeEl{}})

	_, err := ex.ClickRef(context.Background(), "s1e1", ClickOptions{})
	assert.True(t, errors.Is(err, errs.ErrStepValidation))
}

func TestClickAlternatives(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#second": {state: ready()}}}
	ex, _ := newTestExecutor(t, doc)

	alts := Target{Alternatives: []Target{{Selector: "#first"}, {Selector: "#second"}}}
	res, err := ex.Click(context.Background(), alts, ClickOptions{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "#second", res.Target)

	_, err = ex.Click(context.Background(), Target{Alternatives: []Target{{Selector: "#x"}, {Selector: "#y"}}}, ClickOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 alternatives failed")
	assert.True(t, errors.Is(err, errs.ErrElementNotFound))
}

func TestClickDetectsNavigation(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"a.next": {state: ready(), navigateTo: "https://example.test/next"}}}
	ex, _ := newTestExecutor(t, doc)

	var seen Observation
	res, err := ex.Click(context.Background(), Target{Selector: "a.next"}, ClickOptions{
		Hooks: Hooks{Observe: func(o Observation) { seen = o }},
	})
	require.NoError(t, err)
	assert.True(t, res.Navigated)
	assert.Equal(t, "https://example.test/next", res.NewURL)
	assert.Equal(t, "https://example.test/next", seen.URL)
	assert.Equal(t, "Test", seen.Title)
	require.NotNil(t, res.Observation)
}

func TestClickOptionsValidate(t *testing.T) {
	ex, _ := newTestExecutor(t, &fakeDoc{elements: map[string]*fakeEl{}})
	for _, opts := range []ClickOptions{{Button: "side"}, {Method: "xdotool"}, {Fallback: "sometimes"}, {Count: 4}} {
		_, err := ex.Click(context.Background(), Target{Selector: "#go"}, opts)
		assert.True(t, errors.Is(err, errs.ErrStepValidation), "%+v", opts)
	}
}

func TestHover(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#menu": {state: ready()}}}
	ex, srv := newTestExecutor(t, doc)

	res, err := ex.Hover(context.Background(), Target{Selector: "#menu"}, HoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hover", res.Action)
	assert.Len(t, mouseEvents(srv, "mouseMoved"), 1)
	assert.Empty(t, mouseEvents(srv, "mousePressed"))
}

// =============================================================================
// Fill
// =============================================================================

func TestFillTypes(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#q": {state: ready(), value: "old"}}}
	ex, srv := newTestExecutor(t, doc)

	res, err := ex.Fill(context.Background(), Target{Selector: "#q"}, "golang", FillOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeType, res.Mode)
	assert.Equal(t, "golang", res.Value)
	assert.Equal(t, "golang", doc.elements["#q"].value)
	assert.Len(t, srv.Calls("Input.insertText"), 1)
}

func TestFillFallsBackToFrameworkSafe(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#q": {state: ready(), ignoreTyping: true}}}
	ex, _ := newTestExecutor(t, doc)

	res, err := ex.Fill(context.Background(), Target{Selector: "#q"}, "golang", FillOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeFrameworkSafe, res.Mode)
	assert.Equal(t, "golang", res.Value)
}

func TestFillFallbackNever(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#q": {state: ready(), ignoreTyping: true}}}
	ex, _ := newTestExecutor(t, doc)

	_, err := ex.Fill(context.Background(), Target{Selector: "#q"}, "golang", FillOptions{Fallback: FallbackNever})
	var ne *errs.NotEditableError
	require.True(t, errors.As(err, &ne))
	assert.Contains(t, ne.Reason, "after typing")
}

func TestFillFrameworkSafeMode(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#q": {state: ready(), value: "a"}}}
	ex, srv := newTestExecutor(t, doc)

	res, err := ex.Fill(context.Background(), Target{Selector: "#q"}, "b", FillOptions{Mode: ModeFrameworkSafe, Append: true})
	require.NoError(t, err)
	assert.Equal(t, "ab", res.Value)
	assert.Empty(t, srv.Calls("Input.insertText"))
}

func TestFillUnfocusable(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#q": {state: ready(), unfocusable: true}}}
	ex, _ := newTestExecutor(t, doc)

	_, err := ex.Fill(context.Background(), Target{Selector: "#q"}, "x", FillOptions{})
	assert.True(t, errors.Is(err, errs.ErrNotEditable))
}

func TestFillTextTargetNeedsEditable(t *testing.T) {
	heading := map[string]any{
		"attached": true, "visible": true, "enabled": true, "editable": false, "stable": true,
		"zeroSize": false, "box": map[string]any{"x": 10, "y": 10, "width": 100, "height": 20},
		"reason": "not a form control",
	}
	doc := &fakeDoc{
		elements: map[string]*fakeEl{"h2.email": {state: heading}, "#email": {state: ready()}},
		texts:    map[string]string{"Email": "h2.email", "Your email": "#email"},
	}
	ex, srv := newTestExecutor(t, doc)

	_, err := ex.Fill(context.Background(), Target{Text: "Email"}, "a@example.com", FillOptions{Timeout: 150 * time.Millisecond})
	var ne *errs.NotEditableError
	require.True(t, errors.As(err, &ne), "got %v", err)
	assert.Equal(t, `text="Email"`, ne.Selector)
	assert.Equal(t, "not a form control", ne.Reason)
	assert.Empty(t, srv.Calls("Input.insertText"))

	res, err := ex.Fill(context.Background(), Target{Text: "Your email"}, "a@example.com", FillOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", res.Value)
}

func TestFillRejectsBadOptions(t *testing.T) {
	ex, _ := newTestExecutor(t, &fakeDoc{elements: map[string]*fakeEl{}})

	_, err := ex.Fill(context.Background(), Target{Selector: "#q"}, "x", FillOptions{Mode: "paste"})
	assert.True(t, errors.Is(err, errs.ErrStepValidation))
	_, err = ex.Fill(context.Background(), Target{Point: &dom.Point{X: 1, Y: 1}}, "x", FillOptions{})
	assert.True(t, errors.Is(err, errs.ErrStepValidation))
}

func TestFillFormContinuesPastFailures(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{
		"#first": {state: ready()},
		"#last":  {state: ready()},
	}}
	ex, _ := newTestExecutor(t, doc)

	fields := []Field{
		{Target: Target{Selector: "#first"}, Value: "Ada"},
		{Target: Target{Selector: "#missing"}, Value: "x"},
		{Target: Target{Selector: "#last"}, Value: "Lovelace"},
	}
	res, err := ex.FillForm(context.Background(), fields, FillOptions{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Filled)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Fields, 3)
	assert.False(t, res.Fields[1].OK)
	assert.Equal(t, "element_not_found", res.Fields[1].Code)
	assert.Equal(t, "Lovelace", doc.elements["#last"].value)
}

func TestFieldsFromMap(t *testing.T) {
	fields := FieldsFromMap(map[string]string{"s1e4": "a", "#email": "b", "f2s3e1": "c"})
	require.Len(t, fields, 3)
	assert.Equal(t, Target{Selector: "#email"}, fields[0].Target)
	assert.Equal(t, Target{Ref: "f2s3e1"}, fields[1].Target)
	assert.Equal(t, Target{Ref: "s1e4"}, fields[2].Target)
	assert.Equal(t, "a", fields[2].Value)
}

func TestParseFillMode(t *testing.T) {
	m, ok := ParseFillMode("")
	assert.True(t, ok)
	assert.Equal(t, ModeType, m)
	m, ok = ParseFillMode("frameworkSafe")
	assert.True(t, ok)
	assert.Equal(t, ModeFrameworkSafe, m)
	_, ok = ParseFillMode("paste")
	assert.False(t, ok)
}

func TestSelectOption(t *testing.T) {
	doc := &fakeDoc{elements: map[string]*fakeEl{"#size": {state: ready(), options: []string{"S", "M", "L"}}}}
	ex, _ := newTestExecutor(t, doc)

	res, err := ex.SelectOption(context.Background(), Target{Selector: "#size"}, []string{"M"}, FillOptions{})
	require.NoError(t, err)
	assert.Equal(t, "M", res.Value)

	_, err = ex.SelectOption(context.Background(), Target{Selector: "#size"}, []string{"XXL"}, FillOptions{})
	assert.True(t, errors.Is(err, errs.ErrElementNotFound))
}

func TestSetChecked(t *testing.T) {
	off := false
	doc := &fakeDoc{elements: map[string]*fakeEl{"#agree": {state: ready(), checked: &off}}}
	ex, srv := newTestExecutor(t, doc)

	res, err := ex.Check(context.Background(), Target{Selector: "#agree"}, ClickOptions{})
	require.NoError(t, err)
	assert.Equal(t, MethodCDP, res.Method)
	assert.True(t, *doc.elements["#agree"].checked)

	// Already checked: no further click.
	_, err = ex.Check(context.Background(), Target{Selector: "#agree"}, ClickOptions{})
	require.NoError(t, err)
	assert.Len(t, mouseEvents(srv, "mousePressed"), 1)

	_, err = ex.Uncheck(context.Background(), Target{Selector: "#agree"}, ClickOptions{})
	require.NoError(t, err)
	assert.False(t, *doc.elements["#agree"].checked)
}

// =============================================================================
// Conditions and keys
// =============================================================================

func TestWaitConditions(t *testing.T) {
	ex, _ := newTestExecutor(t, &fakeDoc{elements: map[string]*fakeEl{"#shown": {state: ready()}}})
	ctx := context.Background()

	require.NoError(t, ex.WaitConditions(ctx, []Condition{
		Visible("#shown"), Hidden("#gone"), URLContains("example.test"), NetworkIdle(),
	}, time.Second))

	err := ex.WaitConditions(ctx, []Condition{URLContains("/checkout")}, 150*time.Millisecond)
	var te *errs.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "https://example.test/", te.Last)

	err = ex.WaitConditions(ctx, []Condition{{Kind: "soon"}}, time.Second)
	assert.True(t, errors.Is(err, errs.ErrStepValidation))
}

func TestExpressionCondition(t *testing.T) {
	ex, _ := newTestExecutor(t, &fakeDoc{elements: map[string]*fakeEl{}})
	ex.page.(*testPage).eval = func(expr string) bool { return expr == "!!(window.ready)" }

	assert.NoError(t, ex.WaitConditions(context.Background(), []Condition{Expression("window.ready")}, time.Second))
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		in      string
		key     string
		keyCode int64
		mods    int64
	}{
		{"Enter", "Enter", 13, 0},
		{"enter", "Enter", 13, 0},
		{"a", "a", 65, 0},
		{"Control+A", "A", 65, 2},
		{"Shift+Tab", "Tab", 9, 8},
		{"Ctrl+Shift+k", "k", 75, 10},
		{"+", "+", 0, 0},
		{"Shift++", "+", 0, 8},
		{"esc", "Escape", 27, 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			def, mods, err := ParseKey(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.key, def.Key)
			assert.Equal(t, tt.keyCode, def.KeyCode)
			assert.Equal(t, tt.mods, int64(mods))
		})
	}
	for _, bad := range []string{"", "Hyper+A", "NotAKey"} {
		_, _, err := ParseKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestPress(t *testing.T) {
	ex, srv := newTestExecutor(t, &fakeDoc{elements: map[string]*fakeEl{"#q": {state: ready()}}})

	res, err := ex.Press(context.Background(), "Enter", PressOptions{Target: &Target{Selector: "#q"}})
	require.NoError(t, err)
	assert.Equal(t, "#q", res.Target)

	calls := srv.Calls("Input.dispatchKeyEvent")
	require.Len(t, calls, 2)
	var down map[string]any
	require.NoError(t, calls[0].Decode(&down))
	assert.Equal(t, "keyDown", down["type"])
	assert.Equal(t, "\r", down["text"])

	_, err = ex.Press(context.Background(), "Control+A", PressOptions{})
	require.NoError(t, err)
	calls = srv.Calls("Input.dispatchKeyEvent")
	require.Len(t, calls, 4)
	require.NoError(t, calls[2].Decode(&down))
	assert.Equal(t, "rawKeyDown", down["type"])
	assert.Nil(t, down["text"])
	assert.EqualValues(t, 2, down["modifiers"])

	_, err = ex.Press(context.Background(), "Hyper+A", PressOptions{})
	assert.True(t, errors.Is(err, errs.ErrStepValidation))
}
