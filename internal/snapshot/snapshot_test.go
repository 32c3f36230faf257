package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/webpilot/internal/cdp"
	"github.com/neboloop/webpilot/internal/cdp/cdptest"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/page"
)

// =============================================================================
// Fake document
// =============================================================================

type fakeEl struct {
	key   string
	role  string
	name  string
	value string
}

type fakeDoc struct {
	hash    string
	version int
	els     []fakeEl
}

type fakeBrowser struct {
	mu       sync.Mutex
	docs     map[runtime.ExecutionContextID]*fakeDoc
	assigned map[string]string
	// resolvable maps a ref to the strategy that finds it.
	resolvable map[string]string
	resolves   []string
}

func (f *fakeBrowser) install(srv *cdptest.Server) {
	srv.Handle("Runtime.callFunctionOn", func(_ context.Context, req *cdptest.Request) (any, error) {
		var p runtime.CallFunctionOnParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if p.FunctionDeclaration != builderJS {
			return nil, fmt.Errorf("unexpected function")
		}
		var op string
		var opts map[string]any
		if len(p.Arguments) != 2 {
			return nil, fmt.Errorf("want 2 arguments, got %d", len(p.Arguments))
		}
		if err := jsonv2.Unmarshal(p.Arguments[0].Value, &op); err != nil {
			return nil, err
		}
		if err := jsonv2.Unmarshal(p.Arguments[1].Value, &opts); err != nil {
			return nil, err
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		switch op {
		case "hash":
			return value(map[string]any{"version": BuilderVersion, "hash": f.docs[p.ExecutionContextID].hash}), nil
		case "build":
			return value(f.build(p.ExecutionContextID, opts)), nil
		case "resolve":
			ref := opts["ref"].(string)
			strategy := opts["strategy"].(string)
			f.resolves = append(f.resolves, strategy)
			if f.resolvable[ref] == strategy {
				return map[string]any{"result": map[string]any{"type": "object", "subtype": "node", "objectId": "el:" + ref}}, nil
			}
			return map[string]any{"result": map[string]any{"type": "object", "subtype": "null", "value": nil}}, nil
		case "info":
			return value(map[string]any{
				"version": BuilderVersion, "attached": true, "visible": true,
				"box":  map[string]any{"x": 5, "y": 6, "width": 70, "height": 20},
				"role": "button", "name": "Save",
			}), nil
		}
		return nil, fmt.Errorf("unexpected op %q", op)
	})
}

func (f *fakeBrowser) build(world runtime.ExecutionContextID, opts map[string]any) map[string]any {
	doc := f.docs[world]
	version := doc.version
	if version == 0 {
		version = BuilderVersion
	}
	if root, _ := opts["root"].(string); root == "#missing" {
		return map[string]any{"version": version, "error": "root not found: #missing"}
	}
	prefix := opts["prefix"].(string)
	counter := int(opts["counter"].(float64))

	var refs []any
	children := []any{map[string]any{"role": "heading", "name": "Welcome", "level": 1}}
	for _, el := range doc.els {
		ref, ok := f.assigned[el.key]
		if !ok {
			counter++
			ref = fmt.Sprintf("%se%d", prefix, counter)
			f.assigned[el.key] = ref
		}
		node := map[string]any{"role": el.role, "name": el.name, "ref": ref}
		if el.value != "" {
			node["value"] = el.value
		}
		children = append(children, node)
		refs = append(refs, map[string]any{
			"ref": ref, "role": el.role, "name": el.name, "selector": "#" + el.key, "fresh": !ok,
		})
	}
	children = append(children, map[string]any{"role": "paragraph", "children": []any{map[string]any{"role": "text", "text": "Hello"}}})
	return map[string]any{
		"version":   version,
		"tree":      []any{map[string]any{"role": "main", "children": children}},
		"refs":      refs,
		"landmarks": []any{map[string]any{"role": "navigation", "name": "Primary"}},
		"hash":      doc.hash,
		"counter":   counter,
		"url":       "https://example.test/",
		"title":     "Example",
		"root":      "main",
	}
}

func value(v any) map[string]any {
	return map[string]any{"result": map[string]any{"type": "object", "value": v}}
}

type fakePage struct {
	sess   *cdp.Session
	frames []page.Frame
}

func (p *fakePage) Session() *cdp.Session { return p.sess }

func (p *fakePage) CurrentFrame() page.FrameState {
	return page.FrameState{FrameID: "F1", Main: true}
}

func (p *fakePage) UtilityWorld(_ context.Context, id cdptypes.FrameID) (runtime.ExecutionContextID, error) {
	switch id {
	case "F1":
		return 11, nil
	case "F2":
		return 12, nil
	}
	return 0, fmt.Errorf("no frame %s", id)
}

func (p *fakePage) FrameTree(context.Context) ([]page.Frame, error) { return p.frames, nil }

func newTestEngine(t *testing.T, fb *fakeBrowser) (*Engine, *fakePage) {
	t.Helper()
	if fb.assigned == nil {
		fb.assigned = map[string]string{}
	}
	srv := cdptest.NewServer(t)
	srv.AddTarget("T1", "https://example.test/", "Example")
	fb.install(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := cdp.Dial(ctx, srv.URL())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	sess, err := cdp.NewRegistry(conn).Attach(ctx, "T1")
	require.NoError(t, err)

	p := &fakePage{sess: sess}
	return New(p, nil), p
}

func defaultDoc() *fakeDoc {
	return &fakeDoc{hash: "h1", els: []fakeEl{
		{key: "save", role: "button", name: "Save"},
		{key: "email", role: "textbox", name: "Email", value: "a@b.c"},
	}}
}

// =============================================================================
// Generate
// =============================================================================

func TestGenerateRendersTree(t *testing.T) {
	fb := &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: defaultDoc()}}
	e, _ := newTestEngine(t, fb)

	res, err := e.Generate(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.SnapshotID)
	assert.Equal(t, 2, res.Refs)
	assert.Equal(t, 2, res.NewRefs)
	assert.Equal(t, "main", res.Root)
	assert.Equal(t, []Landmark{{Role: "navigation", Name: "Primary"}}, res.Landmarks)
	assert.Equal(t, strings.Join([]string{
		`- main`,
		`  - heading "Welcome" [level=1]`,
		`  - button "Save" [ref=s1e1]`,
		`  - textbox "Email" [ref=s1e2]: "a@b.c"`,
		`  - paragraph: "Hello"`,
	}, "\n"), res.Text)
}

func TestGenerateKeepsRefsForSameElements(t *testing.T) {
	doc := defaultDoc()
	fb := &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: doc}}
	e, _ := newTestEngine(t, fb)
	ctx := context.Background()

	_, err := e.Generate(ctx, Options{})
	require.NoError(t, err)

	fb.mu.Lock()
	doc.hash = "h2"
	doc.els = append(doc.els, fakeEl{key: "cancel", role: "button", name: "Cancel"})
	fb.mu.Unlock()

	res, err := e.Generate(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SnapshotID)
	assert.Equal(t, 1, res.NewRefs)
	assert.Contains(t, res.Text, `button "Save" [ref=s1e1]`)
	assert.Contains(t, res.Text, `button "Cancel" [ref=s2e3]`)
}

func TestGenerateSinceUnchanged(t *testing.T) {
	doc := defaultDoc()
	fb := &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: doc}}
	e, _ := newTestEngine(t, fb)
	ctx := context.Background()

	first, err := e.Generate(ctx, Options{})
	require.NoError(t, err)

	res, err := e.Generate(ctx, Options{Since: first.SnapshotID})
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	assert.Equal(t, first.SnapshotID, res.SnapshotID)
	assert.Empty(t, res.Tree)

	// Different options never count as unchanged.
	res, err = e.Generate(ctx, Options{Since: first.SnapshotID, ViewportOnly: true})
	require.NoError(t, err)
	assert.False(t, res.Unchanged)
	assert.Equal(t, 2, res.SnapshotID)

	fb.mu.Lock()
	doc.hash = "h2"
	fb.mu.Unlock()
	res, err = e.Generate(ctx, Options{Since: 2, ViewportOnly: true})
	require.NoError(t, err)
	assert.False(t, res.Unchanged)
	assert.Equal(t, 3, res.SnapshotID)
}

func TestGenerateRootNotFound(t *testing.T) {
	fb := &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: defaultDoc()}}
	e, _ := newTestEngine(t, fb)

	_, err := e.Generate(context.Background(), Options{Root: "#missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrElementNotFound))
}

func TestGenerateRejectsBuilderVersionMismatch(t *testing.T) {
	doc := defaultDoc()
	doc.version = BuilderVersion - 1
	fb := &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: doc}}
	e, _ := newTestEngine(t, fb)

	_, err := e.Generate(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "builder version")
}

func TestGenerateUnknownDetail(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: defaultDoc()}})
	_, err := e.Generate(context.Background(), Options{Detail: "verbose"})
	assert.True(t, errors.Is(err, errs.ErrStepValidation))
}

func TestGenerateIncludesFrames(t *testing.T) {
	fb := &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{
		11: defaultDoc(),
		12: {hash: "f", els: []fakeEl{{key: "pay", role: "button", name: "Pay"}}},
	}}
	e, p := newTestEngine(t, fb)
	p.frames = []page.Frame{
		{ID: "F1", URL: "https://example.test/", Main: true},
		{ID: "F2", ParentID: "F1", Name: "checkout", URL: "https://example.test/pay", Depth: 1},
		{ParentID: "F1", URL: "https://ads.test/", CrossOrigin: true, Depth: 1},
	}
	ctx := context.Background()

	res, err := e.Generate(ctx, Options{IncludeFrames: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Refs)
	assert.Contains(t, res.Text, "- iframe \"checkout\"\n  - main\n")
	assert.Contains(t, res.Text, `button "Pay" [ref=f1s1e3]`)
	assert.Contains(t, res.Text, `- iframe "https://ads.test/ (cross-origin)"`)

	// Frame refs resolve in their own frame's world.
	fb.mu.Lock()
	fb.resolvable = map[string]string{"f1s1e3": "live"}
	fb.mu.Unlock()
	h, err := e.ResolveRef(ctx, "f1s1e3")
	require.NoError(t, err)
	assert.Equal(t, runtime.RemoteObjectID("el:f1s1e3"), h.ObjectID())
}

func TestGenerateProjections(t *testing.T) {
	fb := &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: defaultDoc()}}
	e, _ := newTestEngine(t, fb)
	ctx := context.Background()

	res, err := e.Generate(ctx, Options{Detail: DetailInteractive})
	require.NoError(t, err)
	assert.Equal(t, "[s1e1] button \"Save\" (in main)\n[s1e2] textbox \"Email\" (in main)", res.Text)

	res, err = e.Generate(ctx, Options{Detail: DetailSummary})
	require.NoError(t, err)
	assert.Contains(t, res.Text, `title: "Example"`)
	assert.Contains(t, res.Text, "  - main\n  - navigation \"Primary\"")
	assert.Contains(t, res.Text, `  - h1 "Welcome"`)
	assert.Contains(t, res.Text, "interactive: 2")
}

func TestGenerateMaxChars(t *testing.T) {
	fb := &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: defaultDoc()}}
	e, _ := newTestEngine(t, fb)

	res, err := e.Generate(context.Background(), Options{MaxChars: 40})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.True(t, strings.HasSuffix(res.Text, "... (truncated)"))
	assert.Equal(t, "- main\n  - heading \"Welcome\" [level=1]\n... (truncated)", res.Text)
}

func TestChangesDiffsAgainstPrevious(t *testing.T) {
	doc := defaultDoc()
	fb := &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: doc}}
	e, _ := newTestEngine(t, fb)
	ctx := context.Background()

	_, d, err := e.Changes(ctx, Options{})
	require.NoError(t, err)
	assert.Empty(t, d)

	fb.mu.Lock()
	doc.els = doc.els[:1]
	fb.mu.Unlock()
	_, d, err = e.Changes(ctx, Options{})
	require.NoError(t, err)
	assert.Contains(t, d, "--- snapshot 1")
	assert.Contains(t, d, "+++ snapshot 2")
	assert.Contains(t, d, `-  - textbox "Email" [ref=s1e2]: "a@b.c"`)
}

// =============================================================================
// Refs
// =============================================================================

func TestGetElementByRefLive(t *testing.T) {
	fb := &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: defaultDoc()}, resolvable: map[string]string{"s1e1": "live"}}
	e, _ := newTestEngine(t, fb)
	ctx := context.Background()
	_, err := e.Generate(ctx, Options{})
	require.NoError(t, err)

	res, err := e.GetElementByRef(ctx, "s1e1")
	require.NoError(t, err)
	assert.False(t, res.ReResolved)
	assert.Equal(t, "live", res.Strategy)
	assert.True(t, res.Visible)
	assert.Equal(t, 70.0, res.Box.Width)
}

func TestGetElementByRefReResolves(t *testing.T) {
	fb := &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: defaultDoc()}, resolvable: map[string]string{"s1e1": "role"}}
	e, _ := newTestEngine(t, fb)
	ctx := context.Background()
	_, err := e.Generate(ctx, Options{})
	require.NoError(t, err)

	res, err := e.GetElementByRef(ctx, "s1e1")
	require.NoError(t, err)
	assert.True(t, res.ReResolved)
	assert.Equal(t, "role", res.Strategy)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	// No shadow path was recorded, so the scoped strategy is skipped.
	assert.Equal(t, []string{"live", "selector", "role"}, fb.resolves)
}

func TestGetElementByRefStale(t *testing.T) {
	fb := &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: defaultDoc()}}
	e, _ := newTestEngine(t, fb)
	ctx := context.Background()
	_, err := e.Generate(ctx, Options{})
	require.NoError(t, err)

	_, err = e.GetElementByRef(ctx, "s1e2")
	var stale *errs.StaleElementError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, []string{"live", "selector", "role", "shadow"}, stale.Tried)
	assert.True(t, errors.Is(err, errs.ErrStaleElement))
}

func TestResolveUnknownRef(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBrowser{docs: map[runtime.ExecutionContextID]*fakeDoc{11: defaultDoc()}})
	_, err := e.ResolveRef(context.Background(), "s9e9")
	assert.True(t, errors.Is(err, errs.ErrElementNotFound))
}

func TestStateEvictsOldestRefs(t *testing.T) {
	s := newState()
	var refs []refMeta
	for i := 0; i < maxRefs+5; i++ {
		refs = append(refs, refMeta{Ref: fmt.Sprintf("s1e%d", i+1)})
	}
	s.commit(1, maxRefs+5, "h", "k", refs)
	assert.Len(t, s.refs, maxRefs)
	_, ok := s.lookup("s1e1")
	assert.False(t, ok)
	_, ok = s.lookup(fmt.Sprintf("s1e%d", maxRefs+5))
	assert.True(t, ok)

	// Counters never move backwards.
	s.commit(2, 3, "h", "k", nil)
	assert.Equal(t, maxRefs+5, s.counter)
}

// =============================================================================
// Rendering
// =============================================================================

func TestRenderStates(t *testing.T) {
	open, closed := true, false
	nodes := []*Node{
		{Role: "checkbox", Name: "Terms", Checked: "true", Required: true, Ref: "s1e1"},
		{Role: "checkbox", Name: "All", Checked: "mixed", Ref: "s1e2"},
		{Role: "button", Name: "Menu", Expanded: &open, Pressed: "true", Ref: "s1e3"},
		{Role: "combobox", Name: "Country", Expanded: &closed, Disabled: true, Value: "Chile", Ref: "s1e4"},
		{Role: "list", Children: []*Node{
			{Role: "listitem", Children: []*Node{{Role: "text", Text: `say "hi"`}}},
			{Role: "listitem", Children: []*Node{{Role: "link", Name: "Docs", Ref: "s1e5"}, {Role: "text", Text: "and more"}}},
		}},
	}
	want := strings.Join([]string{
		`- checkbox "Terms" [checked] [required] [ref=s1e1]`,
		`- checkbox "All" [checked=mixed] [ref=s1e2]`,
		`- button "Menu" [expanded] [pressed] [ref=s1e3]`,
		`- combobox "Country" [disabled] [expanded=false] [ref=s1e4]: "Chile"`,
		`- list`,
		`  - listitem: "say \"hi\""`,
		`  - listitem`,
		`    - link "Docs" [ref=s1e5]`,
		`    - text: "and more"`,
	}, "\n")
	assert.Equal(t, want, Render(nodes))
}

func TestInteractivePath(t *testing.T) {
	nodes := []*Node{{Role: "dialog", Name: "Sign in", Children: []*Node{
		{Role: "group", Children: []*Node{{Role: "button", Name: "Continue", Ref: "s3e9", Disabled: true}}},
	}}}
	els := Interactive(nodes)
	require.Len(t, els, 1)
	assert.Equal(t, `dialog "Sign in"`, els[0].Path)
	assert.Equal(t, `[s3e9] button "Continue" [disabled] (in dialog "Sign in")`, RenderInteractive(els))
}

func TestDiffIdentical(t *testing.T) {
	d, err := Diff("- main", "- main", 1, 2)
	require.NoError(t, err)
	assert.Empty(t, d)
}

func TestParseDetail(t *testing.T) {
	for in, want := range map[string]Detail{"": DetailFull, "full": DetailFull, "summary": DetailSummary, "interactive": DetailInteractive} {
		got, ok := ParseDetail(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	_, ok := ParseDetail("everything")
	assert.False(t, ok)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := "- 日本語のテキスト"
	for n := 1; n < len(s); n++ {
		out, cut := truncate(s, n)
		require.True(t, cut)
		assert.True(t, utf8.ValidString(out), "maxChars=%d", n)
		assert.True(t, strings.HasSuffix(out, "\n... (truncated)"))
	}

	out, _ := truncate(s, 4)
	assert.Equal(t, "- \n... (truncated)", out)
	out, _ = truncate(s, 5)
	assert.Equal(t, "- 日\n... (truncated)", out)

	out, cut := truncate(s, len(s))
	assert.False(t, cut)
	assert.Equal(t, s, out)
}
