// Package page turns raw lifecycle, network, and runtime events of one CDP
// session into wait-able navigation conditions and frame/context identity.
package page

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"golang.org/x/sync/singleflight"

	"github.com/neboloop/webpilot/internal/cdp"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/events"
)

const (
	DefaultTimeout    = 30 * time.Second
	MaxTimeout        = 120 * time.Second
	DefaultIdleWindow = 500 * time.Millisecond

	// utilityWorld names the isolated world used for internal scripts.
	utilityWorld = "__webpilot_utility__"
)

// Option configures a Controller.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	idleWindow     time.Duration
	defaultTimeout time.Duration
	frameStore     FrameStore
	acceptDialogs  bool
}

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithIdleWindow sets how long the page must have zero in-flight requests to
// count as network idle.
func WithIdleWindow(d time.Duration) Option {
	return func(o *options) { o.idleWindow = d }
}

// WithDefaultTimeout sets the timeout used when a call passes zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.defaultTimeout = d }
}

// WithFrameStore persists the current-frame pointer across controllers for
// the same target.
func WithFrameStore(s FrameStore) Option {
	return func(o *options) { o.frameStore = s }
}

// WithDialogs controls whether JavaScript dialogs are accepted (true) or
// dismissed (false). Dialogs are always answered so they never stall a page.
func WithDialogs(accept bool) Option {
	return func(o *options) { o.acceptDialogs = accept }
}

// Controller is the per-session page state machine.
type Controller struct {
	sess   *cdp.Session
	logger *slog.Logger
	opts   options

	mu         sync.Mutex
	mainFrame  cdptypes.FrameID
	frames     map[cdptypes.FrameID]*frameInfo
	contexts   map[cdptypes.FrameID]*frameContexts
	lc         *lifecycle
	waiters    []*waiter
	navSeq     uint64
	navURL     string
	prevLoader cdptypes.LoaderID // main-frame loader when the last navigation began
	crashed    bool
	closed     bool
	current    FrameState

	idle   *idleTracker
	worlds singleflight.Group
	subs   []events.Subscription
	stop   chan struct{}
}

// New attaches a controller to an already attached session. It enables the
// protocol domains it needs and reads the frame tree to fix the main frame.
func New(ctx context.Context, sess *cdp.Session, opts ...Option) (*Controller, error) {
	o := options{
		idleWindow:     DefaultIdleWindow,
		defaultTimeout: DefaultTimeout,
		acceptDialogs:  true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "page")
	}

	c := &Controller{
		sess:     sess,
		logger:   o.logger.With("target", string(sess.TargetID())),
		opts:     o,
		frames:   make(map[cdptypes.FrameID]*frameInfo),
		contexts: make(map[cdptypes.FrameID]*frameContexts),
		lc:       newLifecycle(),
		stop:     make(chan struct{}),
	}
	c.idle = newIdleTracker(o.idleWindow, c.onNetworkIdle)

	c.subscribe()
	go c.watchSession()

	pctx := sess.Context(ctx)
	steps := []struct {
		name string
		run  func() error
	}{
		{"Page.enable", func() error { return cdppage.Enable().Do(pctx) }},
		{"Page.setLifecycleEventsEnabled", func() error { return cdppage.SetLifecycleEventsEnabled(true).Do(pctx) }},
		{"Runtime.enable", func() error { return runtime.Enable().Do(pctx) }},
		{"Network.enable", func() error { return network.Enable().Do(pctx) }},
		{"Inspector.enable", func() error { return inspector.Enable().Do(pctx) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			c.Close()
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}

	tree, err := cdppage.GetFrameTree().Do(pctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("get frame tree: %w", err)
	}
	c.mu.Lock()
	c.mainFrame = tree.Frame.ID
	c.current = FrameState{FrameID: tree.Frame.ID, Main: true}
	c.addFrameTreeLocked(tree)
	c.mu.Unlock()

	c.seedLifecycle(ctx, tree.Frame.LoaderID)
	c.idle.reset()

	if o.frameStore != nil {
		if st, ok, err := o.frameStore.LoadFrame(ctx, string(sess.TargetID())); err != nil {
			c.logger.Warn("load frame state failed", "error", err)
		} else if ok && !st.Main {
			if err := c.RestoreFrame(ctx, st); err != nil {
				c.logger.Debug("persisted frame not restorable", "frame", st.FrameID, "error", err)
			}
		}
	}
	return c, nil
}

// Session returns the underlying CDP session.
func (c *Controller) Session() *cdp.Session { return c.sess }

// MainFrameID returns the main frame ID, fixed for the controller's life.
func (c *Controller) MainFrameID() cdptypes.FrameID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mainFrame
}

// Crashed reports whether the target crashed.
func (c *Controller) Crashed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crashed
}

// Close unsubscribes from events and rejects outstanding waits.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()

	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.idle.stop()
	c.failAll(fmt.Errorf("page controller: %w", errs.ErrSessionClosed))
}

// Timeout clamps d to the controller's bounds, substituting the default for
// zero or negative values.
func (c *Controller) Timeout(d time.Duration) time.Duration {
	return clampTimeout(d, c.opts.defaultTimeout)
}

func clampTimeout(d, def time.Duration) time.Duration {
	if d <= 0 {
		d = def
	}
	if d > MaxTimeout {
		d = MaxTimeout
	}
	return d
}

func (c *Controller) subscribe() {
	s := c.sess
	c.subs = append(c.subs,
		cdp.Listen(s, cdproto.EventPageLifecycleEvent, c.onLifecycle),
		cdp.Listen(s, cdproto.EventPageFrameNavigated, c.onFrameNavigated),
		cdp.Listen(s, cdproto.EventPageFrameAttached, c.onFrameAttached),
		cdp.Listen(s, cdproto.EventPageFrameDetached, c.onFrameDetached),
		cdp.Listen(s, cdproto.EventPageNavigatedWithinDocument, c.onSameDocument),
		cdp.Listen(s, cdproto.EventPageJavascriptDialogOpening, c.onDialog),
		cdp.Listen(s, cdproto.EventNetworkRequestWillBeSent, func(ev *network.EventRequestWillBeSent) {
			if ev.Request != nil && strings.HasPrefix(ev.Request.URL, "data:") {
				return
			}
			c.idle.started(ev.RequestID)
		}),
		cdp.Listen(s, cdproto.EventNetworkLoadingFinished, func(ev *network.EventLoadingFinished) {
			c.idle.finished(ev.RequestID)
		}),
		cdp.Listen(s, cdproto.EventNetworkLoadingFailed, func(ev *network.EventLoadingFailed) {
			c.idle.finished(ev.RequestID)
		}),
		cdp.Listen(s, cdproto.EventRuntimeExecutionContextCreated, c.onContextCreated),
		cdp.Listen(s, cdproto.EventRuntimeExecutionContextDestroyed, c.onContextDestroyed),
		cdp.Listen(s, cdproto.EventRuntimeExecutionContextsCleared, func(*runtime.EventExecutionContextsCleared) {
			c.mu.Lock()
			c.contexts = make(map[cdptypes.FrameID]*frameContexts)
			c.mu.Unlock()
		}),
		cdp.Listen(s, cdproto.EventInspectorTargetCrashed, func(*inspector.EventTargetCrashed) {
			c.crash()
		}),
	)
}

func (c *Controller) watchSession() {
	select {
	case <-c.sess.Crashed():
		c.crash()
	case <-c.sess.Done():
		c.failAll(fmt.Errorf("page: %w", errs.ErrSessionClosed))
	case <-c.stop:
	}
}

// crash marks the page dead and rejects every outstanding wait.
func (c *Controller) crash() {
	c.mu.Lock()
	already := c.crashed
	c.crashed = true
	c.mu.Unlock()
	if already {
		return
	}
	c.logger.Error("page crashed")
	c.failAll(&errs.PageCrashedError{TargetID: string(c.sess.TargetID())})
}

func (c *Controller) failAll(err error) {
	c.mu.Lock()
	ws := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range ws {
		w.fire(err)
	}
}

// guard rejects new work on a crashed or closed page.
func (c *Controller) guard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crashed {
		return &errs.PageCrashedError{TargetID: string(c.sess.TargetID())}
	}
	if c.closed || c.sess.Closed() {
		return fmt.Errorf("page: %w", errs.ErrSessionClosed)
	}
	return nil
}

func (c *Controller) onLifecycle(ev *cdppage.EventLifecycleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.FrameID != c.mainFrame {
		return
	}
	isNew := c.lc.record(ev.LoaderID, ev.Name)
	// Late events from the document being replaced must not claim waiters.
	if ev.Name == eventInit || (isNew && ev.LoaderID != c.prevLoader) {
		for _, w := range c.waiters {
			if w.bindNext && w.loader == "" {
				w.loader = ev.LoaderID
			}
		}
	}
	c.checkWaitersLocked()
}

func (c *Controller) onNetworkIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set := c.lc.set(c.lc.current); set != nil && set[eventLoad] {
		set[eventNetworkIdle] = true
	}
	c.checkWaitersLocked()
}

func (c *Controller) onSameDocument(ev *cdppage.EventNavigatedWithinDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.frames[ev.FrameID]; ok {
		f.URL = ev.URL
	}
	if ev.FrameID != c.mainFrame {
		return
	}
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.sameDocument && w.loader == "" {
			w.fire(nil)
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *Controller) onDialog(ev *cdppage.EventJavascriptDialogOpening) {
	accept := c.opts.acceptDialogs
	c.logger.Info("javascript dialog", "type", ev.Type, "message", ev.Message, "accept", accept)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p := cdppage.HandleJavaScriptDialog(accept)
		if ev.DefaultPrompt != "" {
			p = p.WithPromptText(ev.DefaultPrompt)
		}
		if err := p.Do(c.sess.Context(ctx)); err != nil && !errors.Is(err, errs.ErrSessionClosed) {
			c.logger.Warn("handle dialog failed", "error", err)
		}
	}()
}

// seedLifecycle marks the already-loaded document so waits on a page that
// was attached after loading resolve immediately.
func (c *Controller) seedLifecycle(ctx context.Context, loader cdptypes.LoaderID) {
	obj, _, err := runtime.Evaluate("document.readyState").WithReturnByValue(true).Do(c.sess.Context(ctx))
	if err != nil || obj == nil {
		return
	}
	state := strings.Trim(string(obj.Value), `"`)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lc.record(loader, eventInit)
	switch state {
	case "complete":
		c.lc.record(loader, eventCommit)
		c.lc.record(loader, eventDCL)
		c.lc.record(loader, eventLoad)
	case "interactive":
		c.lc.record(loader, eventCommit)
		c.lc.record(loader, eventDCL)
	default:
		c.lc.record(loader, eventCommit)
	}
}
