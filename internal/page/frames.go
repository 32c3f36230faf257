package page

import (
	"context"
	"fmt"
	"strings"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	jsonv2 "github.com/go-json-experiment/json"

	"github.com/neboloop/webpilot/internal/errs"
)

// Frame is one entry of the merged frame tree.
type Frame struct {
	ID          cdptypes.FrameID `json:"id,omitempty"`
	ParentID    cdptypes.FrameID `json:"parentId,omitempty"`
	Name        string           `json:"name,omitempty"`
	URL         string           `json:"url"`
	Main        bool             `json:"main,omitempty"`
	CrossOrigin bool             `json:"crossOrigin,omitempty"`
	Depth       int              `json:"depth"`
}

// FrameState is the current-frame pointer. ContextID is the isolated world
// created for the frame; it is zero for the main frame.
type FrameState struct {
	FrameID   cdptypes.FrameID           `json:"frameId"`
	ContextID runtime.ExecutionContextID `json:"contextId,omitempty"`
	Main      bool                       `json:"main"`
	Name      string                     `json:"name,omitempty"`
	URL       string                     `json:"url,omitempty"`
}

// FrameStore persists the current-frame pointer per target.
type FrameStore interface {
	SaveFrame(ctx context.Context, targetID string, st FrameState) error
	LoadFrame(ctx context.Context, targetID string) (FrameState, bool, error)
}

// FrameSelector picks a child frame. Exactly one field should be set; they
// are tried in the order FrameID, Selector, Name, Index.
type FrameSelector struct {
	FrameID  cdptypes.FrameID `json:"frameId,omitempty"`
	Selector string           `json:"selector,omitempty"`
	Name     string           `json:"name,omitempty"`
	Index    *int             `json:"index,omitempty"`
}

func (s FrameSelector) String() string {
	switch {
	case s.FrameID != "":
		return "frame " + string(s.FrameID)
	case s.Selector != "":
		return s.Selector
	case s.Name != "":
		return "frame[name=" + s.Name + "]"
	case s.Index != nil:
		return fmt.Sprintf("frame #%d", *s.Index)
	}
	return "frame"
}

type frameInfo struct {
	ID       cdptypes.FrameID
	ParentID cdptypes.FrameID
	Name     string
	URL      string
	LoaderID cdptypes.LoaderID
}

// frameContexts holds the execution contexts known for one frame.
type frameContexts struct {
	main    runtime.ExecutionContextID
	utility runtime.ExecutionContextID
}

type contextAux struct {
	FrameID   cdptypes.FrameID `json:"frameId"`
	IsDefault bool             `json:"isDefault"`
	Type      string           `json:"type"`
}

func (c *Controller) addFrameTreeLocked(tree *cdppage.FrameTree) {
	if tree == nil || tree.Frame == nil {
		return
	}
	f := tree.Frame
	c.frames[f.ID] = &frameInfo{ID: f.ID, ParentID: f.ParentID, Name: f.Name, URL: f.URL, LoaderID: f.LoaderID}
	for _, child := range tree.ChildFrames {
		c.addFrameTreeLocked(child)
	}
}

func (c *Controller) onFrameNavigated(ev *cdppage.EventFrameNavigated) {
	if ev.Frame == nil {
		return
	}
	f := ev.Frame
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[f.ID] = &frameInfo{ID: f.ID, ParentID: f.ParentID, Name: f.Name, URL: f.URL, LoaderID: f.LoaderID}
	if f.ID == c.current.FrameID {
		c.current.URL = f.URL
	}
}

func (c *Controller) onFrameAttached(ev *cdppage.EventFrameAttached) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.frames[ev.FrameID]; !ok {
		c.frames[ev.FrameID] = &frameInfo{ID: ev.FrameID, ParentID: ev.ParentFrameID}
	}
}

func (c *Controller) onFrameDetached(ev *cdppage.EventFrameDetached) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Reason == cdppage.FrameDetachedReasonSwap {
		// Swapped to an out-of-process frame; the frame ID lives on.
		return
	}
	delete(c.frames, ev.FrameID)
	delete(c.contexts, ev.FrameID)
	if c.current.FrameID == ev.FrameID && !c.current.Main {
		c.logger.Info("current frame detached, switching to main frame", "frame", ev.FrameID)
		c.current = FrameState{FrameID: c.mainFrame, Main: true}
	}
}

func (c *Controller) onContextCreated(ev *runtime.EventExecutionContextCreated) {
	desc := ev.Context
	if desc == nil || len(desc.AuxData) == 0 {
		return
	}
	var aux contextAux
	if err := jsonv2.Unmarshal(desc.AuxData, &aux); err != nil || aux.FrameID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fc := c.contextsLocked(aux.FrameID)
	switch {
	case aux.IsDefault:
		fc.main = desc.ID
	case desc.Name == utilityWorld:
		fc.utility = desc.ID
	}
}

func (c *Controller) onContextDestroyed(ev *runtime.EventExecutionContextDestroyed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fc := range c.contexts {
		if fc.main == ev.ExecutionContextID {
			fc.main = 0
		}
		if fc.utility == ev.ExecutionContextID {
			fc.utility = 0
		}
	}
	if c.current.ContextID == ev.ExecutionContextID {
		c.current.ContextID = 0
	}
}

func (c *Controller) contextsLocked(id cdptypes.FrameID) *frameContexts {
	fc, ok := c.contexts[id]
	if !ok {
		fc = &frameContexts{}
		c.contexts[id] = fc
	}
	return fc
}

// MainWorld returns the default execution context of the main frame, or
// zero when it has not been reported yet. Zero is accepted by
// Runtime.evaluate as "the page's main world".
func (c *Controller) MainWorld(context.Context) runtime.ExecutionContextID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fc, ok := c.contexts[c.mainFrame]; ok {
		return fc.main
	}
	return 0
}

// UtilityWorld returns the isolated world of frameID, creating it on first
// use. Concurrent callers share one Page.createIsolatedWorld call.
func (c *Controller) UtilityWorld(ctx context.Context, frameID cdptypes.FrameID) (runtime.ExecutionContextID, error) {
	c.mu.Lock()
	if fc, ok := c.contexts[frameID]; ok && fc.utility != 0 {
		id := fc.utility
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	v, err, _ := c.worlds.Do(string(frameID), func() (any, error) {
		id, err := cdppage.CreateIsolatedWorld(frameID).
			WithWorldName(utilityWorld).
			WithGrantUniveralAccess(true).
			Do(c.sess.Context(ctx))
		if err != nil {
			return runtime.ExecutionContextID(0), err
		}
		c.mu.Lock()
		c.contextsLocked(frameID).utility = id
		c.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return 0, fmt.Errorf("create isolated world for frame %s: %w", frameID, err)
	}
	return v.(runtime.ExecutionContextID), nil
}

// CurrentFrame returns the current-frame pointer.
func (c *Controller) CurrentFrame() FrameState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// CurrentContext resolves the execution context for the current frame. The
// main frame yields its default world (possibly zero); a child frame yields
// its isolated world, recreated if the old one was destroyed.
func (c *Controller) CurrentContext(ctx context.Context) (runtime.ExecutionContextID, error) {
	c.mu.Lock()
	cur := c.current
	_, alive := c.frames[cur.FrameID]
	c.mu.Unlock()

	if cur.Main {
		return c.MainWorld(ctx), nil
	}
	if !alive {
		c.mu.Lock()
		c.current = FrameState{FrameID: c.mainFrame, Main: true}
		c.mu.Unlock()
		return 0, &errs.ElementNotFoundError{Selector: "frame " + string(cur.FrameID)}
	}
	if cur.ContextID != 0 {
		return cur.ContextID, nil
	}
	id, err := c.UtilityWorld(ctx, cur.FrameID)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.current.FrameID == cur.FrameID {
		c.current.ContextID = id
	}
	c.mu.Unlock()
	return id, nil
}

// FrameTree lists every frame of the page in document order. Frames that
// appear in the DOM but not in the page's frame tree live in another
// process and are marked CrossOrigin.
func (c *Controller) FrameTree(ctx context.Context) ([]Frame, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	pctx := c.sess.Context(ctx)
	tree, err := cdppage.GetFrameTree().Do(pctx)
	if err != nil {
		return nil, fmt.Errorf("get frame tree: %w", err)
	}
	c.mu.Lock()
	c.addFrameTreeLocked(tree)
	c.mu.Unlock()

	var out []Frame
	known := make(map[cdptypes.FrameID]bool)
	var walk func(t *cdppage.FrameTree, depth int)
	walk = func(t *cdppage.FrameTree, depth int) {
		f := t.Frame
		known[f.ID] = true
		out = append(out, Frame{ID: f.ID, ParentID: f.ParentID, Name: f.Name, URL: f.URL, Main: f.ParentID == "", Depth: depth})
		for _, child := range t.ChildFrames {
			walk(child, depth+1)
		}
	}
	walk(tree, 0)

	doc, err := dom.GetDocument().WithDepth(-1).WithPierce(true).Do(pctx)
	if err != nil {
		c.logger.Debug("dom enumeration of frames failed", "error", err)
		return out, nil
	}
	var visit func(n *cdptypes.Node, parent cdptypes.FrameID, depth int)
	visit = func(n *cdptypes.Node, parent cdptypes.FrameID, depth int) {
		if n == nil {
			return
		}
		name := strings.ToUpper(n.NodeName)
		if name == "IFRAME" || name == "FRAME" {
			if n.FrameID == "" || !known[n.FrameID] {
				out = append(out, Frame{
					ID:          n.FrameID,
					ParentID:    parent,
					Name:        n.AttributeValue("name"),
					URL:         n.AttributeValue("src"),
					CrossOrigin: true,
					Depth:       depth + 1,
				})
				if n.FrameID != "" {
					known[n.FrameID] = true
				}
			}
			if n.ContentDocument != nil {
				visit(n.ContentDocument, n.FrameID, depth+1)
			}
		}
		for _, child := range n.Children {
			visit(child, parent, depth)
		}
		for _, sr := range n.ShadowRoots {
			visit(sr, parent, depth)
		}
	}
	visit(doc, tree.Frame.ID, 0)
	return out, nil
}

// SwitchToFrame makes a child frame current for subsequent evaluation.
func (c *Controller) SwitchToFrame(ctx context.Context, sel FrameSelector) (FrameState, error) {
	if err := c.guard(); err != nil {
		return FrameState{}, err
	}
	frameID, err := c.resolveFrame(ctx, sel)
	if err != nil {
		return FrameState{}, err
	}

	c.mu.Lock()
	info, ok := c.frames[frameID]
	main := frameID == c.mainFrame
	c.mu.Unlock()
	if !ok {
		return FrameState{}, &errs.NotActionableError{Selector: sel.String(), State: "scriptable (cross-origin frame)"}
	}
	if main {
		return c.SwitchToMainFrame(ctx)
	}

	id, err := c.UtilityWorld(ctx, frameID)
	if err != nil {
		return FrameState{}, err
	}
	st := FrameState{FrameID: frameID, ContextID: id, Name: info.Name, URL: info.URL}
	c.setCurrent(ctx, st)
	return st, nil
}

// SwitchToMainFrame resets the current frame to the main frame.
func (c *Controller) SwitchToMainFrame(ctx context.Context) (FrameState, error) {
	c.mu.Lock()
	st := FrameState{FrameID: c.mainFrame, Main: true}
	if f, ok := c.frames[c.mainFrame]; ok {
		st.URL = f.URL
	}
	c.mu.Unlock()
	c.setCurrent(ctx, st)
	return st, nil
}

// RestoreFrame re-validates a persisted frame pointer. When the frame no
// longer exists the main frame becomes current and nil is returned.
func (c *Controller) RestoreFrame(ctx context.Context, st FrameState) error {
	if st.Main {
		_, err := c.SwitchToMainFrame(ctx)
		return err
	}
	c.mu.Lock()
	_, ok := c.frames[st.FrameID]
	c.mu.Unlock()
	if !ok {
		c.logger.Info("persisted frame gone, using main frame", "frame", st.FrameID)
		_, err := c.SwitchToMainFrame(ctx)
		return err
	}
	_, err := c.SwitchToFrame(ctx, FrameSelector{FrameID: st.FrameID})
	return err
}

func (c *Controller) setCurrent(ctx context.Context, st FrameState) {
	c.mu.Lock()
	c.current = st
	c.mu.Unlock()
	if c.opts.frameStore == nil {
		return
	}
	if err := c.opts.frameStore.SaveFrame(ctx, string(c.sess.TargetID()), st); err != nil {
		c.logger.Warn("save frame state failed", "error", err)
	}
}

func (c *Controller) resolveFrame(ctx context.Context, sel FrameSelector) (cdptypes.FrameID, error) {
	switch {
	case sel.FrameID != "":
		return sel.FrameID, nil
	case sel.Selector != "":
		return c.frameBySelector(ctx, sel.Selector)
	case sel.Name != "":
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, f := range c.frames {
			if f.Name == sel.Name && f.ParentID != "" {
				return f.ID, nil
			}
		}
		return "", &errs.ElementNotFoundError{Selector: sel.String()}
	case sel.Index != nil:
		frames, err := c.FrameTree(ctx)
		if err != nil {
			return "", err
		}
		main := c.MainFrameID()
		n := 0
		for _, f := range frames {
			if f.ParentID != main {
				continue
			}
			if n == *sel.Index {
				if f.ID == "" {
					return "", &errs.NotActionableError{Selector: sel.String(), State: "scriptable (cross-origin frame)"}
				}
				return f.ID, nil
			}
			n++
		}
		return "", &errs.ElementNotFoundError{Selector: sel.String()}
	}
	return "", &errs.StepValidationError{Kind: "switch_frame", Field: "frame", Reason: "one of frameId, selector, name, index is required"}
}

// frameBySelector finds the frame owned by the first element matching
// selector in the current frame.
func (c *Controller) frameBySelector(ctx context.Context, selector string) (cdptypes.FrameID, error) {
	ctxID, err := c.CurrentContext(ctx)
	if err != nil {
		return "", err
	}
	q, err := jsonv2.Marshal(selector)
	if err != nil {
		return "", err
	}
	p := runtime.Evaluate("document.querySelector(" + string(q) + ")").WithObjectGroup("webpilot-frames")
	if ctxID != 0 {
		p = p.WithContextID(ctxID)
	}
	pctx := c.sess.Context(ctx)
	obj, exc, err := p.Do(pctx)
	if err != nil {
		return "", err
	}
	if exc != nil {
		return "", fmt.Errorf("query %s: %w", selector, exc)
	}
	if obj == nil || obj.ObjectID == "" {
		return "", &errs.ElementNotFoundError{Selector: selector}
	}
	defer func() { _ = runtime.ReleaseObject(obj.ObjectID).Do(pctx) }()

	node, err := dom.DescribeNode().WithObjectID(obj.ObjectID).Do(pctx)
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", selector, err)
	}
	if node.FrameID == "" {
		return "", &errs.NotActionableError{Selector: selector, State: "a frame owner"}
	}
	return node.FrameID, nil
}
