// Package snapshot builds accessibility-tree snapshots of a page and keeps
// the ref registry that lets later actions address snapshot elements.
package snapshot

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/google/uuid"

	"github.com/neboloop/webpilot/internal/cdp"
	"github.com/neboloop/webpilot/internal/dom"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/metrics"
	"github.com/neboloop/webpilot/internal/page"
)

// BuilderVersion must match the VERSION constant of the in-page builder.
const BuilderVersion = 3

//go:embed snapshot.js
var builderJS string

// Page is the page surface the engine needs.
type Page interface {
	Session() *cdp.Session
	CurrentFrame() page.FrameState
	UtilityWorld(ctx context.Context, frameID cdptypes.FrameID) (runtime.ExecutionContextID, error)
	FrameTree(ctx context.Context) ([]page.Frame, error)
}

// Detail selects the text projection of a snapshot.
type Detail string

const (
	DetailFull        Detail = "full"
	DetailSummary     Detail = "summary"
	DetailInteractive Detail = "interactive"
)

// ParseDetail maps a user string to a Detail; empty means full.
func ParseDetail(s string) (Detail, bool) {
	switch Detail(s) {
	case "", DetailFull:
		return DetailFull, true
	case DetailSummary, DetailInteractive:
		return Detail(s), true
	}
	return "", false
}

// Options controls a snapshot.
type Options struct {
	// Root is a CSS selector or role=X. Empty scopes to the main landmark,
	// falling back to body.
	Root string `json:"root,omitempty" yaml:"root"`
	// MaxDepth limits nesting of emitted nodes; zero is unlimited.
	MaxDepth int `json:"maxDepth,omitempty" yaml:"max_depth"`
	// MaxElements limits emitted nodes; zero is unlimited.
	MaxElements int `json:"maxElements,omitempty" yaml:"max_elements"`
	// MaxChars truncates the rendered text.
	MaxChars      int  `json:"maxChars,omitempty" yaml:"max_chars"`
	ViewportOnly  bool `json:"viewportOnly,omitempty" yaml:"viewport_only"`
	PierceShadow  bool `json:"pierceShadow,omitempty" yaml:"pierce_shadow"`
	IncludeFrames bool `json:"includeFrames,omitempty" yaml:"include_frames"`
	// Since is a previous SnapshotID. When the page hash has not moved since
	// that snapshot the result is marked Unchanged and carries no tree.
	Since  int    `json:"since,omitempty" yaml:"-"`
	Detail Detail `json:"detail,omitempty" yaml:"detail"`
}

func (o Options) key() string {
	return fmt.Sprintf("%s|%d|%d|%t|%t|%t", o.Root, o.MaxDepth, o.MaxElements, o.ViewportOnly, o.PierceShadow, o.IncludeFrames)
}

// Result is one snapshot.
type Result struct {
	SnapshotID int        `json:"snapshotId"`
	Unchanged  bool       `json:"unchanged,omitempty"`
	URL        string     `json:"url,omitempty"`
	Title      string     `json:"title,omitempty"`
	Root       string     `json:"root,omitempty"`
	Hash       string     `json:"hash"`
	Tree       []*Node    `json:"tree,omitempty"`
	Landmarks  []Landmark `json:"landmarks,omitempty"`
	Text       string     `json:"text,omitempty"`
	Refs       int        `json:"refs"`
	NewRefs    int        `json:"newRefs"`
	Truncated  bool       `json:"truncated,omitempty"`
}

// rawSnapshot is the builder's reply.
type rawSnapshot struct {
	Version   int        `json:"version"`
	Error     string     `json:"error"`
	Tree      []*Node    `json:"tree"`
	Refs      []rawRef   `json:"refs"`
	Landmarks []Landmark `json:"landmarks"`
	Hash      string     `json:"hash"`
	Truncated bool       `json:"truncated"`
	Counter   int        `json:"counter"`
	URL       string     `json:"url"`
	Title     string     `json:"title"`
	Root      string     `json:"root"`
}

type rawRef struct {
	Ref        string   `json:"ref"`
	Role       string   `json:"role"`
	Name       string   `json:"name"`
	Selector   string   `json:"selector"`
	ShadowPath []string `json:"shadowPath"`
	Fresh      bool     `json:"fresh"`
}

// Engine generates snapshots for one page session. Snapshots are
// serialized; ref resolution may run concurrently with them.
type Engine struct {
	page      Page
	logger    *slog.Logger
	installID string

	gen sync.Mutex

	mu     sync.Mutex
	st     *state
	last   string
	lastID int
}

// New returns an engine for p.
func New(p Page, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		page:      p,
		logger:    logger.With("component", "snapshot"),
		installID: uuid.NewString(),
		st:        newState(),
	}
}

// Generate builds a snapshot of the current frame.
func (e *Engine) Generate(ctx context.Context, opts Options) (*Result, error) {
	detail, ok := ParseDetail(string(opts.Detail))
	if !ok {
		return nil, &errs.StepValidationError{Field: "detail", Reason: fmt.Sprintf("unknown detail %q", opts.Detail)}
	}
	opts.Detail = detail

	e.gen.Lock()
	defer e.gen.Unlock()

	cur := e.page.CurrentFrame()
	world, err := e.page.UtilityWorld(ctx, cur.FrameID)
	if err != nil {
		metrics.Snapshots.WithLabelValues("error").Inc()
		return nil, err
	}

	if opts.Since > 0 {
		if res, ok := e.unchanged(ctx, world, opts); ok {
			metrics.Snapshots.WithLabelValues("unchanged").Inc()
			return res, nil
		}
	}

	e.mu.Lock()
	id := e.st.snapshotID + 1
	counter := e.st.counter
	e.mu.Unlock()

	raw, err := e.build(ctx, world, opts, "s"+strconv.Itoa(id), counter)
	if err != nil {
		metrics.Snapshots.WithLabelValues("error").Inc()
		return nil, err
	}
	refs := make([]refMeta, 0, len(raw.Refs))
	for _, r := range raw.Refs {
		refs = append(refs, newRefMeta(r, cur.FrameID, id))
	}
	counter = raw.Counter
	tree := raw.Tree

	if opts.IncludeFrames {
		var frameRefs []refMeta
		tree, frameRefs, counter = e.appendFrames(ctx, cur.FrameID, id, opts, tree, counter)
		refs = append(refs, frameRefs...)
	}

	res := &Result{
		SnapshotID: id,
		URL:        raw.URL,
		Title:      raw.Title,
		Root:       raw.Root,
		Hash:       raw.Hash,
		Tree:       tree,
		Landmarks:  raw.Landmarks,
		Refs:       len(refs),
		Truncated:  raw.Truncated,
	}
	for _, r := range refs {
		if r.Fresh {
			res.NewRefs++
		}
	}

	var text string
	switch opts.Detail {
	case DetailSummary:
		s := Summarize(tree, raw.Landmarks)
		s.Title, s.URL = raw.Title, raw.URL
		text = s.String()
	case DetailInteractive:
		text = RenderInteractive(Interactive(tree))
	default:
		text = Render(tree)
	}
	var cut bool
	res.Text, cut = truncate(text, opts.MaxChars)
	res.Truncated = res.Truncated || cut

	e.mu.Lock()
	e.st.commit(id, counter, raw.Hash, opts.key(), refs)
	if opts.Detail == DetailFull {
		e.last, e.lastID = text, id
	}
	e.mu.Unlock()

	metrics.Snapshots.WithLabelValues("built").Inc()
	e.logger.Debug("snapshot built",
		"snapshot", id, "refs", res.Refs, "new_refs", res.NewRefs, "truncated", res.Truncated, "frame", cur.FrameID)
	return res, nil
}

// Changes builds a full snapshot and diffs it against the previous full
// snapshot. The diff is empty for the first snapshot.
func (e *Engine) Changes(ctx context.Context, opts Options) (*Result, string, error) {
	e.mu.Lock()
	prev, prevID := e.last, e.lastID
	e.mu.Unlock()

	opts.Detail = DetailFull
	opts.Since = 0
	opts.MaxChars = 0
	res, err := e.Generate(ctx, opts)
	if err != nil {
		return nil, "", err
	}
	if prevID == 0 {
		return res, "", nil
	}
	d, err := Diff(prev, res.Text, prevID, res.SnapshotID)
	if err != nil {
		return res, "", err
	}
	return res, d, nil
}

func (e *Engine) unchanged(ctx context.Context, world runtime.ExecutionContextID, opts Options) (*Result, bool) {
	var raw rawSnapshot
	if err := e.call(ctx, world, &raw, "hash", map[string]any{"installId": e.installID}); err != nil {
		e.logger.Debug("snapshot hash failed", "error", err)
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if opts.Since != e.st.snapshotID || raw.Hash != e.st.hash || opts.key() != e.st.optsKey {
		return nil, false
	}
	return &Result{SnapshotID: e.st.snapshotID, Unchanged: true, Hash: raw.Hash, Refs: len(e.st.refs)}, true
}

func (e *Engine) build(ctx context.Context, world runtime.ExecutionContextID, opts Options, prefix string, counter int) (*rawSnapshot, error) {
	var raw rawSnapshot
	err := e.call(ctx, world, &raw, "build", map[string]any{
		"installId":    e.installID,
		"root":         opts.Root,
		"maxDepth":     opts.MaxDepth,
		"maxElements":  opts.MaxElements,
		"viewportOnly": opts.ViewportOnly,
		"pierceShadow": opts.PierceShadow,
		"prefix":       prefix,
		"counter":      counter,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if raw.Error != "" {
		return nil, &errs.ElementNotFoundError{Selector: opts.Root}
	}
	if raw.Version != BuilderVersion {
		return nil, fmt.Errorf("snapshot: builder version %d, want %d", raw.Version, BuilderVersion)
	}
	return &raw, nil
}

// appendFrames snapshots the same-origin descendants of root and appends
// each as an iframe node. Cross-origin frames are listed without content.
func (e *Engine) appendFrames(ctx context.Context, root cdptypes.FrameID, id int, opts Options, tree []*Node, counter int) ([]*Node, []refMeta, int) {
	frames, err := e.page.FrameTree(ctx)
	if err != nil {
		e.logger.Debug("frame tree unavailable", "error", err)
		return tree, nil, counter
	}
	below := map[cdptypes.FrameID]bool{root: true}
	var refs []refMeta
	for _, f := range frames {
		if f.Main || f.ID == root || !below[f.ParentID] {
			continue
		}
		if f.ID != "" {
			below[f.ID] = true
		}
		node := &Node{Role: "iframe", Name: frameLabel(f)}
		tree = append(tree, node)
		if f.CrossOrigin || f.ID == "" {
			node.Name += " (cross-origin)"
			continue
		}

		world, err := e.page.UtilityWorld(ctx, f.ID)
		if err != nil {
			e.logger.Debug("frame world unavailable", "frame", f.ID, "error", err)
			continue
		}
		e.mu.Lock()
		n := e.st.frameOrdinal(f.ID)
		e.mu.Unlock()
		sub := opts
		sub.Root = ""
		raw, err := e.build(ctx, world, sub, fmt.Sprintf("f%ds%d", n, id), counter)
		if err != nil {
			e.logger.Debug("frame snapshot failed", "frame", f.ID, "error", err)
			continue
		}
		counter = raw.Counter
		node.Children = raw.Tree
		for _, r := range raw.Refs {
			refs = append(refs, newRefMeta(r, f.ID, id))
		}
	}
	return tree, refs, counter
}

func frameLabel(f page.Frame) string {
	if f.Name != "" {
		return f.Name
	}
	return f.URL
}

// call runs the builder function in world.
func (e *Engine) call(ctx context.Context, world runtime.ExecutionContextID, out any, op string, opts map[string]any) error {
	args, err := page.Arguments(op, opts)
	if err != nil {
		return err
	}
	obj, exc, err := runtime.CallFunctionOn(builderJS).
		WithExecutionContextID(world).
		WithArguments(args).
		WithReturnByValue(true).
		Do(e.page.Session().Context(ctx))
	if err != nil {
		return err
	}
	if exc != nil {
		return exc
	}
	return decodeValue(obj, out)
}

// callResolve runs one re-resolution strategy and returns the element
// handle, or nil when the strategy found nothing.
func (e *Engine) callResolve(ctx context.Context, world runtime.ExecutionContextID, m refMeta, strategy string) (*dom.Handle, error) {
	args, err := page.Arguments("resolve", map[string]any{
		"installId": e.installID,
		"ref":       m.Ref,
		"strategy":  strategy,
		"meta": map[string]any{
			"role":       m.Role,
			"name":       m.Name,
			"selector":   m.Selector,
			"shadowPath": m.ShadowPath,
		},
	})
	if err != nil {
		return nil, err
	}
	obj, exc, err := runtime.CallFunctionOn(builderJS).
		WithExecutionContextID(world).
		WithArguments(args).
		WithObjectGroup(dom.ObjectGroup).
		Do(e.page.Session().Context(ctx))
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exc
	}
	if obj == nil || obj.ObjectID == "" {
		return nil, nil
	}
	return dom.NewHandle(e.page.Session(), obj.ObjectID, "ref="+m.Ref), nil
}
