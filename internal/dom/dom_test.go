package dom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/webpilot/internal/cdp"
	"github.com/neboloop/webpilot/internal/cdp/cdptest"
	"github.com/neboloop/webpilot/internal/errs"
)

// =============================================================================
// Fake page
// =============================================================================

type fakeElement struct {
	state    map[string]any
	occluder map[string]any
	// appearAfter hides the element from the first n queries.
	appearAfter int
}

type fakePage struct {
	mu       sync.Mutex
	elements map[string]*fakeElement
	queries  map[string]int
	stack    []map[string]any
}

func readyState() map[string]any {
	return map[string]any{
		"attached": true, "visible": true, "enabled": true, "editable": true, "stable": true,
		"zeroSize": false, "box": map[string]any{"x": 10, "y": 10, "width": 100, "height": 20},
	}
}

func objectResult(v any) map[string]any {
	return map[string]any{"result": map[string]any{"type": "object", "value": v}}
}

func (f *fakePage) install(srv *cdptest.Server) {
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
		f.mu.Lock()
		defer f.mu.Unlock()

		switch p.FunctionDeclaration {
		case queryScript:
			value := args[1].(string)
			index := int(args[4].(float64))
			el, ok := f.elements[value]
			if ok && el.appearAfter > 0 {
				f.queries[value]++
				if f.queries[value] <= el.appearAfter {
					ok = false
				}
			}
			if index < 0 {
				n := 0
				if ok {
					n = 1
				}
				return map[string]any{"result": map[string]any{"type": "number", "value": n}}, nil
			}
			if !ok || index > 0 {
				return map[string]any{"result": map[string]any{"type": "object", "subtype": "null", "value": nil}}, nil
			}
			return map[string]any{"result": map[string]any{"type": "object", "subtype": "node", "objectId": "obj:" + value}}, nil
		case actionabilityScript:
			return objectResult(f.element(p.ObjectID).state), nil
		case hitTestScript:
			if occ := f.element(p.ObjectID).occluder; occ != nil {
				return objectResult(occ), nil
			}
			return objectResult(map[string]any{"covered": false}), nil
		case boundingRectScript:
			return objectResult(map[string]any{"x": 0, "y": 0, "width": 40, "height": 10}), nil
		case nearbyScript:
			return objectResult([]string{`button#stop "Stop"`}), nil
		case elementsAtScript:
			return objectResult(f.stack), nil
		}
		return nil, fmt.Errorf("unexpected function %.40q", p.FunctionDeclaration)
	})
}

func (f *fakePage) element(id runtime.RemoteObjectID) *fakeElement {
	sel := string(id)[len("obj:"):]
	if el, ok := f.elements[sel]; ok {
		return el
	}
	return &fakeElement{state: map[string]any{"attached": false}}
}

type testRuntime struct{ sess *cdp.Session }

func (r testRuntime) Session() *cdp.Session { return r.sess }

func (r testRuntime) ExecutionContext(context.Context) (runtime.ExecutionContextID, error) {
	return 7, nil
}

func newTestLocator(t *testing.T, fp *fakePage, setup func(*cdptest.Server)) (*Locator, *cdptest.Server) {
	t.Helper()
	srv := cdptest.NewServer(t)
	srv.AddTarget("T1", "about:blank", "")
	if fp.queries == nil {
		fp.queries = map[string]int{}
	}
	fp.install(srv)
	if setup != nil {
		setup(srv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := cdp.Dial(ctx, srv.URL())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	sess, err := cdp.NewRegistry(conn).Attach(ctx, "T1")
	require.NoError(t, err)
	return NewLocator(testRuntime{sess}, nil), srv
}

// =============================================================================
// Selectors
// =============================================================================

func TestParseSelector(t *testing.T) {
	tests := []struct {
		raw  string
		want Selector
	}{
		{"#go", Selector{Kind: KindCSS, Value: "#go"}},
		{"input[name=q]", Selector{Kind: KindCSS, Value: "input[name=q]"}},
		{"css=div > a", Selector{Kind: KindCSS, Value: "div > a"}},
		{"//button[@id='x']", Selector{Kind: KindXPath, Value: "//button[@id='x']"}},
		{"xpath=//a", Selector{Kind: KindXPath, Value: "//a"}},
		{"text=Sign in", Selector{Kind: KindText, Value: "Sign in"}},
		{`text="Sign in"`, Selector{Kind: KindText, Value: "Sign in", Exact: true}},
		{"role=button", Selector{Kind: KindRole, Value: "button"}},
		{`role=button[name="Save"]`, Selector{Kind: KindRole, Value: "button", Name: "Save", Exact: true}},
		{"role=link[name=Docs]", Selector{Kind: KindRole, Value: "link", Name: "Docs"}},
		{"ref=s1e4", Selector{Kind: KindRef, Value: "s1e4"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSelector(tt.raw)
			require.NoError(t, err)
			tt.want.Raw = tt.raw
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSelectorErrors(t *testing.T) {
	for _, raw := range []string{"", "   ", "text=", "role=button[label=x]", "role=button[name=x"} {
		_, err := ParseSelector(raw)
		assert.Error(t, err, raw)
	}
}

// =============================================================================
// Actionability
// =============================================================================

func TestWaitForActionableZeroTimeoutFailsImmediately(t *testing.T) {
	loc, _ := newTestLocator(t, &fakePage{elements: map[string]*fakeElement{}}, nil)

	start := time.Now()
	_, err := loc.WaitForActionable(context.Background(), "#missing", ActionClick, WaitOptions{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var nf *errs.ElementNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "#missing", nf.Selector)
	assert.Equal(t, []string{`button#stop "Stop"`}, nf.Nearby)
}

func TestWaitForActionableRetriesUntilPresent(t *testing.T) {
	fp := &fakePage{elements: map[string]*fakeElement{
		"#late": {state: readyState(), appearAfter: 2},
	}}
	loc, srv := newTestLocator(t, fp, nil)
	ctx := context.Background()

	h, err := loc.WaitForActionable(ctx, "#late", ActionClick, WaitOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, runtime.RemoteObjectID("obj:#late"), h.ObjectID())

	h.Release(ctx)
	h.Release(ctx)
	assert.Len(t, srv.Calls("Runtime.releaseObject"), 1)
}

func TestWaitForActionableNotEditable(t *testing.T) {
	state := readyState()
	state["editable"] = false
	state["reason"] = "readonly"
	fp := &fakePage{elements: map[string]*fakeElement{"#ro": {state: state}}}
	loc, _ := newTestLocator(t, fp, nil)

	_, err := loc.WaitForActionable(context.Background(), "#ro", ActionFill, WaitOptions{Timeout: 120 * time.Millisecond})
	require.Error(t, err)
	var ne *errs.NotEditableError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "readonly", ne.Reason)
}

func TestWaitForActionableHoverNeedsVisible(t *testing.T) {
	state := readyState()
	state["visible"] = false
	fp := &fakePage{elements: map[string]*fakeElement{"#hidden": {state: state}}}
	loc, _ := newTestLocator(t, fp, nil)
	ctx := context.Background()

	_, err := loc.WaitForActionable(ctx, "#hidden", ActionHover, WaitOptions{Timeout: 100 * time.Millisecond})
	var na *errs.NotActionableError
	require.True(t, errors.As(err, &na))
	assert.Equal(t, "visible", na.State)

	// Click only needs the element attached.
	h, err := loc.WaitForActionable(ctx, "#hidden", ActionClick, WaitOptions{})
	require.NoError(t, err)
	h.Release(ctx)

	h, err = loc.WaitForActionable(ctx, "#hidden", ActionHover, WaitOptions{Force: true})
	require.NoError(t, err)
	h.Release(ctx)
}

func TestActionabilityMissing(t *testing.T) {
	a := Actionability{Attached: true, Visible: true, Enabled: false, Editable: false}
	assert.Equal(t, "", a.Missing(ActionClick))
	assert.Equal(t, "editable", a.Missing(ActionFill))
	assert.Equal(t, "enabled", a.Missing(ActionCheck))
	assert.Equal(t, "attached", Actionability{}.Missing(ActionClick))
}

// =============================================================================
// Geometry
// =============================================================================

func TestClickPointPrefersLargestQuad(t *testing.T) {
	fp := &fakePage{elements: map[string]*fakeElement{"#btn": {state: readyState()}}}
	loc, _ := newTestLocator(t, fp, func(srv *cdptest.Server) {
		srv.HandleResult("DOM.getContentQuads", map[string]any{"quads": [][]float64{
			{0, 0, 10, 0, 10, 10, 0, 10},
			{100, 100, 300, 100, 300, 200, 100, 200},
		}})
	})
	ctx := context.Background()
	h, err := loc.Query(ctx, "#btn")
	require.NoError(t, err)
	defer h.Release(ctx)

	p, err := loc.ClickPoint(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 200, Y: 150}, p)
}

func TestClickPointFallsBackToBoxModel(t *testing.T) {
	fp := &fakePage{elements: map[string]*fakeElement{"#btn": {state: readyState()}}}
	loc, _ := newTestLocator(t, fp, func(srv *cdptest.Server) {
		srv.HandleError("DOM.getContentQuads", -32000, "Could not compute content quads.")
		srv.HandleResult("DOM.getBoxModel", map[string]any{"model": map[string]any{
			"content": []float64{10, 20, 30, 20, 30, 40, 10, 40},
			"padding": []float64{10, 20, 30, 20, 30, 40, 10, 40},
			"border":  []float64{10, 20, 30, 20, 30, 40, 10, 40},
			"margin":  []float64{10, 20, 30, 20, 30, 40, 10, 40},
			"width":   20, "height": 20,
		}})
	})
	ctx := context.Background()
	h, err := loc.Query(ctx, "#btn")
	require.NoError(t, err)
	defer h.Release(ctx)

	p, err := loc.ClickPoint(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 20, Y: 30}, p)
}

func TestClickPointFallsBackToRect(t *testing.T) {
	fp := &fakePage{elements: map[string]*fakeElement{"#btn": {state: readyState()}}}
	loc, _ := newTestLocator(t, fp, func(srv *cdptest.Server) {
		srv.HandleError("DOM.getContentQuads", -32000, "Could not compute content quads.")
		srv.HandleError("DOM.getBoxModel", -32000, "Could not compute box model.")
	})
	ctx := context.Background()
	h, err := loc.Query(ctx, "#btn")
	require.NoError(t, err)
	defer h.Release(ctx)

	p, err := loc.ClickPoint(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 20, Y: 5}, p)
}

func TestCheckCoveredReportsOccluder(t *testing.T) {
	fp := &fakePage{elements: map[string]*fakeElement{
		"#go": {state: readyState(), occluder: map[string]any{
			"covered": true, "tag": "div", "className": "modal backdrop", "description": "div.modal.backdrop",
		}},
		"#free": {state: readyState()},
	}}
	loc, _ := newTestLocator(t, fp, nil)
	ctx := context.Background()

	h, err := loc.Query(ctx, "#go")
	require.NoError(t, err)
	defer h.Release(ctx)
	occ, err := loc.CheckCovered(ctx, h, Point{X: 5, Y: 5})
	require.NoError(t, err)
	require.NotNil(t, occ)
	assert.Equal(t, "div", occ.Tag)
	assert.Equal(t, "div.modal.backdrop", occ.String())

	free, err := loc.Query(ctx, "#free")
	require.NoError(t, err)
	defer free.Release(ctx)
	occ, err = loc.CheckCovered(ctx, free, Point{X: 5, Y: 5})
	require.NoError(t, err)
	assert.Nil(t, occ)
}

func TestElementsAtEmptyPoint(t *testing.T) {
	fp := &fakePage{elements: map[string]*fakeElement{}}
	loc, _ := newTestLocator(t, fp, nil)

	res, err := loc.ElementsAt(context.Background(), 5000, 5000)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Empty(t, res.Elements)

	fp.mu.Lock()
	fp.stack = []map[string]any{{"tag": "button", "role": "button", "name": "Go", "description": "button#go"}}
	fp.mu.Unlock()
	res, err = loc.ElementsAt(context.Background(), 10, 10)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "button#go", res.Elements[0].Description)
}

func TestQueryAllAndRefWithoutResolver(t *testing.T) {
	fp := &fakePage{elements: map[string]*fakeElement{".item": {state: readyState()}}}
	loc, _ := newTestLocator(t, fp, nil)
	ctx := context.Background()

	hs, err := loc.QueryAll(ctx, ".item")
	require.NoError(t, err)
	require.Len(t, hs, 1)
	ReleaseAll(ctx, hs)

	_, err = loc.Query(ctx, "ref=s1e1")
	assert.Error(t, err)
}

func TestQuadArea(t *testing.T) {
	assert.InDelta(t, 100.0, quadArea([]float64{0, 0, 10, 0, 10, 10, 0, 10}), 1e-9)
	assert.Zero(t, quadArea([]float64{0, 0, 10, 0}))
	_, ok := largestQuadCenter(nil)
	assert.False(t, ok)
}
