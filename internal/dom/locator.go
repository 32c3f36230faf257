package dom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/runtime"

	"github.com/neboloop/webpilot/internal/cdp"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/page"
)

// ObjectGroup is the remote object group every handle is created in, so a
// page can drop leaked handles in one call.
const ObjectGroup = "webpilot"

// Runtime is the page surface the locator needs: a session to send
// commands on and an execution context for the current frame.
type Runtime interface {
	Session() *cdp.Session
	ExecutionContext(ctx context.Context) (runtime.ExecutionContextID, error)
}

// RefResolver turns snapshot refs into live handles.
type RefResolver interface {
	ResolveRef(ctx context.Context, ref string) (*Handle, error)
}

// Locator resolves selectors in the current frame of a page.
type Locator struct {
	rt     Runtime
	logger *slog.Logger

	mu   sync.RWMutex
	refs RefResolver
}

// NewLocator returns a locator bound to rt.
func NewLocator(rt Runtime, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{rt: rt, logger: logger.With("component", "locator")}
}

// SetRefResolver installs the resolver used for ref= selectors.
func (l *Locator) SetRefResolver(r RefResolver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs = r
}

// Runtime returns the page runtime the locator is bound to.
func (l *Locator) Runtime() Runtime { return l.rt }

// Query resolves raw to its first match.
func (l *Locator) Query(ctx context.Context, raw string) (*Handle, error) {
	sel, err := ParseSelector(raw)
	if err != nil {
		return nil, &errs.StepValidationError{Field: "selector", Reason: err.Error()}
	}
	return l.QuerySelector(ctx, sel)
}

// QuerySelector resolves a parsed selector to its first match.
func (l *Locator) QuerySelector(ctx context.Context, sel Selector) (*Handle, error) {
	if sel.Kind == KindRef {
		l.mu.RLock()
		r := l.refs
		l.mu.RUnlock()
		if r == nil {
			return nil, fmt.Errorf("ref selector %s: no snapshot engine attached", sel.Value)
		}
		return r.ResolveRef(ctx, sel.Value)
	}
	return l.nth(ctx, sel, 0)
}

// QueryAll resolves every match of raw. The caller releases each handle.
func (l *Locator) QueryAll(ctx context.Context, raw string) ([]*Handle, error) {
	sel, err := ParseSelector(raw)
	if err != nil {
		return nil, &errs.StepValidationError{Field: "selector", Reason: err.Error()}
	}
	if sel.Kind == KindRef {
		h, err := l.QuerySelector(ctx, sel)
		if err != nil {
			return nil, err
		}
		return []*Handle{h}, nil
	}
	n, err := l.Count(ctx, sel)
	if err != nil {
		return nil, err
	}
	out := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := l.nth(ctx, sel, i)
		if errors.Is(err, errs.ErrElementNotFound) {
			// The DOM shrank between count and fetch.
			break
		}
		if err != nil {
			ReleaseAll(ctx, out)
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Count returns the number of matches for sel.
func (l *Locator) Count(ctx context.Context, sel Selector) (int, error) {
	obj, err := l.callQuery(ctx, sel, -1, true)
	if err != nil {
		return 0, err
	}
	var n int
	if err := decode(obj, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (l *Locator) nth(ctx context.Context, sel Selector, index int) (*Handle, error) {
	obj, err := l.callQuery(ctx, sel, index, false)
	if err != nil {
		return nil, err
	}
	if obj == nil || obj.ObjectID == "" {
		return nil, &errs.ElementNotFoundError{Selector: sel.String()}
	}
	return newHandle(l.rt.Session(), obj.ObjectID, sel.String()), nil
}

func (l *Locator) callQuery(ctx context.Context, sel Selector, index int, byValue bool) (*runtime.RemoteObject, error) {
	id, err := l.rt.ExecutionContext(ctx)
	if err != nil {
		return nil, err
	}
	args, err := page.Arguments(string(sel.Kind), sel.Value, sel.Name, sel.Exact, index)
	if err != nil {
		return nil, err
	}
	obj, exc, err := runtime.CallFunctionOn(queryScript).
		WithExecutionContextID(id).
		WithArguments(args).
		WithReturnByValue(byValue).
		WithObjectGroup(ObjectGroup).
		Do(l.rt.Session().Context(ctx))
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, &errs.StepValidationError{Field: "selector", Reason: fmt.Sprintf("%s: %v", sel, exc)}
	}
	return obj, nil
}

// Handle is a live remote reference to a DOM element. Release it on every
// path; Release is idempotent.
type Handle struct {
	sess     *cdp.Session
	objectID runtime.RemoteObjectID
	selector string
	released atomic.Bool
}

func newHandle(sess *cdp.Session, id runtime.RemoteObjectID, selector string) *Handle {
	return &Handle{sess: sess, objectID: id, selector: selector}
}

// NewHandle wraps an existing remote object.
func NewHandle(sess *cdp.Session, id runtime.RemoteObjectID, selector string) *Handle {
	return newHandle(sess, id, selector)
}

// ObjectID returns the remote object ID.
func (h *Handle) ObjectID() runtime.RemoteObjectID { return h.objectID }

// Selector is the selector or ref the handle was resolved from.
func (h *Handle) Selector() string { return h.selector }

// Session returns the session that owns the remote object.
func (h *Handle) Session() *cdp.Session { return h.sess }

// Release frees the remote object.
func (h *Handle) Release(ctx context.Context) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	if h.sess.Closed() {
		return
	}
	// Release on a detached context still has to go out even if the caller's
	// context is already done.
	rctx := context.WithoutCancel(ctx)
	if err := runtime.ReleaseObject(h.objectID).Do(h.sess.Context(rctx)); err != nil {
		slog.Debug("release object failed", "selector", h.selector, "error", err)
	}
}

// Call invokes fn with this bound to the element and decodes its returned
// value into out.
func (h *Handle) Call(ctx context.Context, out any, fn string, args ...any) error {
	obj, err := h.call(ctx, fn, true, args...)
	if err != nil {
		return err
	}
	return decode(obj, out)
}

func (h *Handle) call(ctx context.Context, fn string, byValue bool, args ...any) (*runtime.RemoteObject, error) {
	if h.released.Load() {
		return nil, &errs.StaleElementError{Ref: h.selector}
	}
	callArgs, err := page.Arguments(args...)
	if err != nil {
		return nil, err
	}
	obj, exc, err := runtime.CallFunctionOn(fn).
		WithObjectID(h.objectID).
		WithArguments(callArgs).
		WithReturnByValue(byValue).
		WithAwaitPromise(true).
		WithObjectGroup(ObjectGroup).
		Do(h.sess.Context(ctx))
	if err != nil {
		var perr *errs.ProtocolError
		if errors.As(err, &perr) && perr.Code == -32000 {
			// Object or context gone after a navigation or re-render.
			return nil, &errs.StaleElementError{Ref: h.selector}
		}
		return nil, err
	}
	if exc != nil {
		return nil, fmt.Errorf("%s: %w", h.selector, exc)
	}
	return obj, nil
}

// Describe returns a short tag#id.class description.
func (h *Handle) Describe(ctx context.Context) string {
	var s string
	if err := h.Call(ctx, &s, describeScript); err != nil {
		return h.selector
	}
	return s
}

// ReleaseAll releases every handle.
func ReleaseAll(ctx context.Context, hs []*Handle) {
	for _, h := range hs {
		h.Release(ctx)
	}
}

// ReleaseGroup drops every handle created through this package on the page.
func ReleaseGroup(ctx context.Context, sess *cdp.Session) error {
	return runtime.ReleaseObjectGroup(ObjectGroup).Do(sess.Context(ctx))
}
