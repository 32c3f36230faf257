package dom

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"

	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/page"
)

// Point is a viewport coordinate in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ClickPoint computes where a pointer event should land on h. Content quads
// account for CSS transforms; the box model and the bounding rect are
// fallbacks.
func (l *Locator) ClickPoint(ctx context.Context, h *Handle) (Point, error) {
	sctx := h.Session().Context(ctx)
	if quads, err := dom.GetContentQuads().WithObjectID(h.ObjectID()).Do(sctx); err == nil {
		if p, ok := largestQuadCenter(quads); ok {
			return p, nil
		}
	}
	if model, err := dom.GetBoxModel().WithObjectID(h.ObjectID()).Do(sctx); err == nil && model != nil {
		if p, ok := quadCenter(model.Content); ok {
			return p, nil
		}
	}
	var r Rect
	if err := h.Call(ctx, &r, boundingRectScript); err != nil {
		return Point{}, err
	}
	return r.Center(), nil
}

func largestQuadCenter(quads []dom.Quad) (Point, bool) {
	var (
		best     Point
		bestArea float64
	)
	for _, q := range quads {
		a := quadArea(q)
		if a <= bestArea {
			continue
		}
		if p, ok := quadCenter(q); ok {
			best, bestArea = p, a
		}
	}
	return best, bestArea > 0
}

func quadCenter(q dom.Quad) (Point, bool) {
	if len(q) < 8 {
		return Point{}, false
	}
	var p Point
	for i := 0; i < 8; i += 2 {
		p.X += q[i]
		p.Y += q[i+1]
	}
	p.X /= 4
	p.Y /= 4
	return p, quadArea(q) > 0
}

// quadArea is the shoelace area of a four-point quad.
func quadArea(q dom.Quad) float64 {
	if len(q) < 8 {
		return 0
	}
	var a float64
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		a += q[2*i]*q[2*j+1] - q[2*j]*q[2*i+1]
	}
	return math.Abs(a) / 2
}

// Occluder describes the element that intercepts pointer events aimed at
// another element.
type Occluder struct {
	Tag         string `json:"tag"`
	ID          string `json:"id,omitempty"`
	ClassName   string `json:"className,omitempty"`
	Text        string `json:"text,omitempty"`
	Description string `json:"description"`
}

func (o *Occluder) String() string {
	if o == nil {
		return ""
	}
	return o.Description
}

// CheckCovered reports the element that would receive a click at p instead
// of h, or nil when h (or a descendant, across shadow roots) receives it.
func (l *Locator) CheckCovered(ctx context.Context, h *Handle, p Point) (*Occluder, error) {
	var res struct {
		Covered     bool   `json:"covered"`
		None        bool   `json:"none"`
		Tag         string `json:"tag"`
		ID          string `json:"id"`
		ClassName   string `json:"className"`
		Text        string `json:"text"`
		Description string `json:"description"`
	}
	if err := h.Call(ctx, &res, hitTestScript, p.X, p.Y); err != nil {
		return nil, err
	}
	if !res.Covered {
		return nil, nil
	}
	return &Occluder{Tag: res.Tag, ID: res.ID, ClassName: res.ClassName, Text: res.Text, Description: res.Description}, nil
}

// ScrollIntoView brings h into the viewport.
func (l *Locator) ScrollIntoView(ctx context.Context, h *Handle) error {
	err := dom.ScrollIntoViewIfNeeded().WithObjectID(h.ObjectID()).Do(h.Session().Context(ctx))
	if err == nil {
		return nil
	}
	var ok bool
	if cerr := h.Call(ctx, &ok, scrollScript); cerr != nil {
		return cerr
	}
	return nil
}

// ScrollOptions bounds ScrollUntilVisible.
type ScrollOptions struct {
	MaxAttempts int
	// Step is the scroll distance per attempt in CSS pixels.
	Step float64
	// Pause between scrolls for lazily rendered content.
	Pause time.Duration
}

// ScrollUntilVisible scrolls the document until raw resolves to a visible
// element, for virtualized lists and lazily rendered content.
func (l *Locator) ScrollUntilVisible(ctx context.Context, raw string, opts ScrollOptions) (*Handle, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Step == 0 {
		opts.Step = 600
	}
	if opts.Pause <= 0 {
		opts.Pause = 150 * time.Millisecond
	}
	sel, err := ParseSelector(raw)
	if err != nil {
		return nil, &errs.StepValidationError{Field: "selector", Reason: err.Error()}
	}

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		h, err := l.QuerySelector(ctx, sel)
		switch {
		case err == nil:
			if err := l.ScrollIntoView(ctx, h); err == nil {
				if a, aerr := l.Actionability(ctx, h); aerr == nil && a.Visible {
					return h, nil
				}
			}
			h.Release(ctx)
		case !errors.Is(err, errs.ErrElementNotFound):
			return nil, err
		}

		var moved bool
		if err := l.callInContext(ctx, &moved, scrollByScript, opts.Step); err != nil {
			return nil, err
		}
		if !moved {
			break
		}
		t := time.NewTimer(opts.Pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, &errs.ElementNotFoundError{Selector: sel.String(), Nearby: l.NearbyElements(ctx, sel.String())}
}

// ElementInfo is one element of a hit-test stack.
type ElementInfo struct {
	Tag         string `json:"tag"`
	ID          string `json:"id,omitempty"`
	ClassName   string `json:"className,omitempty"`
	Role        string `json:"role,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description"`
}

// ElementsAtResult lists the elements stacked at a point, topmost first.
// Found is false when the point hits nothing.
type ElementsAtResult struct {
	X        float64       `json:"x"`
	Y        float64       `json:"y"`
	Found    bool          `json:"found"`
	Elements []ElementInfo `json:"elements,omitempty"`
}

// ElementsAt hit-tests a viewport point.
func (l *Locator) ElementsAt(ctx context.Context, x, y float64) (ElementsAtResult, error) {
	res := ElementsAtResult{X: x, Y: y}
	if err := l.callInContext(ctx, &res.Elements, elementsAtScript, x, y, 10); err != nil {
		return res, err
	}
	res.Found = len(res.Elements) > 0
	return res, nil
}

// NearbyElements returns short descriptions of visible interactive elements
// resembling hint. Failures yield nil; the result is diagnostic only.
func (l *Locator) NearbyElements(ctx context.Context, hint string) []string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	var out []string
	if err := l.callInContext(ctx, &out, nearbyScript, hint, 5); err != nil {
		l.logger.Debug("nearby elements lookup failed", "hint", hint, "error", err)
		return nil
	}
	return out
}

func (l *Locator) callInContext(ctx context.Context, out any, fn string, args ...any) error {
	id, err := l.rt.ExecutionContext(ctx)
	if err != nil {
		return err
	}
	callArgs, err := page.Arguments(args...)
	if err != nil {
		return err
	}
	obj, exc, err := runtime.CallFunctionOn(fn).
		WithExecutionContextID(id).
		WithArguments(callArgs).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		Do(l.rt.Session().Context(ctx))
	if err != nil {
		return err
	}
	if exc != nil {
		return exc
	}
	return decode(obj, out)
}
