// Package pilot is the downstream surface of the automation core. A Pilot
// owns one browser connection and the pages attached through it; each Page
// bundles the controller, locator, snapshot engine and action executor for
// one tab.
package pilot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/neboloop/webpilot/internal/action"
	"github.com/neboloop/webpilot/internal/cdp"
	"github.com/neboloop/webpilot/internal/dom"
	"github.com/neboloop/webpilot/internal/page"
	"github.com/neboloop/webpilot/internal/snapshot"
	"github.com/neboloop/webpilot/internal/steps"
)

const tracerName = "github.com/neboloop/webpilot/internal/pilot"

// Option configures a Pilot.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	frames         page.FrameStore
	journal        steps.Journal
	fallback       action.FallbackPolicy
	idleWindow     time.Duration
	defaultTimeout time.Duration
	navProbe       *time.Duration
	dialOpts       []cdp.Option
}

// WithLogger sets the logger for the pilot and every page it opens.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFrameStore persists each page's current frame.
func WithFrameStore(s page.FrameStore) Option {
	return func(o *options) { o.frames = s }
}

// WithJournal records step runs.
func WithJournal(j steps.Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithFallback sets the default click fallback policy.
func WithFallback(p action.FallbackPolicy) Option {
	return func(o *options) { o.fallback = p }
}

// WithIdleWindow sets the quiet period that counts as network idle.
func WithIdleWindow(d time.Duration) Option {
	return func(o *options) { o.idleWindow = d }
}

// WithDefaultTimeout sets the timeout used when an operation passes zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.defaultTimeout = d }
}

// WithNavigationProbe sets how long after an action the URL is compared.
func WithNavigationProbe(d time.Duration) Option {
	return func(o *options) { o.navProbe = &d }
}

// WithDialOptions passes options to cdp.Dial when the pilot connects.
func WithDialOptions(opts ...cdp.Option) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

// Pilot drives the pages of one browser.
type Pilot struct {
	conn   *cdp.Conn
	reg    *cdp.Registry
	opts   options
	logger *slog.Logger
	tracer trace.Tracer
	runner *steps.Runner

	mu    sync.Mutex
	pages map[target.ID]*Page
}

// Connect dials the browser's CDP endpoint and returns a pilot that owns
// the connection.
func Connect(ctx context.Context, wsURL string, opts ...Option) (*Pilot, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	dial := o.dialOpts
	if o.logger != nil {
		dial = append([]cdp.Option{cdp.WithLogger(o.logger)}, dial...)
	}
	conn, err := cdp.Dial(ctx, wsURL, dial...)
	if err != nil {
		return nil, err
	}
	p := New(conn, opts...)
	if err := p.reg.Discover(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("discover targets: %w", err)
	}
	return p, nil
}

// New wraps an established connection. The pilot takes ownership of conn.
func New(conn *cdp.Conn, opts ...Option) *Pilot {
	o := options{fallback: action.FallbackAuto}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	runnerOpts := []steps.Option{steps.WithLogger(o.logger)}
	if o.journal != nil {
		runnerOpts = append(runnerOpts, steps.WithJournal(o.journal))
	}
	return &Pilot{
		conn:   conn,
		reg:    cdp.NewRegistry(conn),
		opts:   o,
		logger: o.logger.With("component", "pilot"),
		tracer: otel.Tracer(tracerName),
		runner: steps.NewRunner(runnerOpts...),
		pages:  make(map[target.ID]*Page),
	}
}

// Conn returns the browser connection.
func (p *Pilot) Conn() *cdp.Conn { return p.conn }

// NewPage opens a tab at url and attaches to it. The tab is opened on
// about:blank when url is empty; a non-empty url is not waited for, use
// Navigate for that.
func (p *Pilot) NewPage(ctx context.Context, url string) (*Page, error) {
	ctx, span := p.tracer.Start(ctx, "webpilot.new_page")
	defer span.End()

	id, err := p.reg.CreateTarget(ctx, url)
	if err != nil {
		return nil, record(span, err)
	}
	pg, err := p.attach(ctx, id)
	if err != nil {
		if cerr := p.reg.CloseTarget(context.WithoutCancel(ctx), id); cerr != nil {
			p.logger.Debug("close target after failed attach", "target", id, "error", cerr)
		}
		return nil, record(span, err)
	}
	return pg, nil
}

// AttachToPage attaches to an existing tab. Attaching twice returns the
// same Page.
func (p *Pilot) AttachToPage(ctx context.Context, id target.ID) (*Page, error) {
	ctx, span := p.tracer.Start(ctx, "webpilot.attach")
	defer span.End()
	pg, err := p.attach(ctx, id)
	return pg, record(span, err)
}

func (p *Pilot) attach(ctx context.Context, id target.ID) (*Page, error) {
	p.mu.Lock()
	if pg, ok := p.pages[id]; ok && !pg.closed() {
		p.mu.Unlock()
		return pg, nil
	}
	p.mu.Unlock()

	sess, err := p.reg.Attach(ctx, id)
	if err != nil {
		return nil, err
	}
	pg, err := p.newPage(ctx, sess)
	if err != nil {
		if derr := p.reg.Detach(context.WithoutCancel(ctx), sess.ID()); derr != nil {
			p.logger.Debug("detach after failed setup", "target", id, "error", derr)
		}
		return nil, err
	}

	p.mu.Lock()
	if prev, ok := p.pages[id]; ok && !prev.closed() {
		p.mu.Unlock()
		pg.ctrl.Close()
		return prev, nil
	}
	p.pages[id] = pg
	p.mu.Unlock()
	p.logger.Info("page attached", "target", id, "session", sess.ID())
	return pg, nil
}

func (p *Pilot) newPage(ctx context.Context, sess *cdp.Session) (*Page, error) {
	p.mu.Lock()
	o := p.opts
	p.mu.Unlock()

	logger := o.logger.With("target", string(sess.TargetID()))
	ctrlOpts := []page.Option{page.WithLogger(logger)}
	if o.idleWindow > 0 {
		ctrlOpts = append(ctrlOpts, page.WithIdleWindow(o.idleWindow))
	}
	if o.defaultTimeout > 0 {
		ctrlOpts = append(ctrlOpts, page.WithDefaultTimeout(o.defaultTimeout))
	}
	if o.frames != nil {
		ctrlOpts = append(ctrlOpts, page.WithFrameStore(o.frames))
	}
	ctrl, err := page.New(ctx, sess, ctrlOpts...)
	if err != nil {
		return nil, err
	}

	loc := dom.NewLocator(ctrl, logger)
	snaps := snapshot.New(ctrl, logger)
	execOpts := []action.Option{action.WithLogger(logger), action.WithFallback(o.fallback)}
	if o.navProbe != nil {
		execOpts = append(execOpts, action.WithNavigationProbe(*o.navProbe))
	}
	return &Page{
		id:     sess.TargetID(),
		sess:   sess,
		ctrl:   ctrl,
		loc:    loc,
		snaps:  snaps,
		exec:   action.New(ctrl, loc, snaps, execOpts...),
		runner: p.runner,
		tracer: p.tracer,
		logger: logger,
	}, nil
}

// SetTimeouts changes the default timeout and idle window for pages
// attached from now on. Zero leaves a value unchanged.
func (p *Pilot) SetTimeouts(defaultTimeout, idleWindow time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if defaultTimeout > 0 {
		p.opts.defaultTimeout = defaultTimeout
	}
	if idleWindow > 0 {
		p.opts.idleWindow = idleWindow
	}
}

// Page returns an attached page by target ID.
func (p *Pilot) Page(id target.ID) (*Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pg, ok := p.pages[id]
	if !ok || pg.closed() {
		return nil, false
	}
	return pg, true
}

// Pages returns the attached pages ordered by target ID. Pages whose
// session has ended are dropped.
func (p *Pilot) Pages() []*Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Page, 0, len(p.pages))
	for id, pg := range p.pages {
		if pg.closed() {
			pg.ctrl.Close()
			delete(p.pages, id)
			continue
		}
		out = append(out, pg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Targets lists the browser's page targets, attached or not.
func (p *Pilot) Targets(ctx context.Context) ([]cdp.Target, error) {
	ctx, span := p.tracer.Start(ctx, "webpilot.targets")
	defer span.End()
	ts, err := p.reg.Targets(ctx)
	return ts, record(span, err)
}

// ClosePage closes the tab. Closing a tab that is not attached through
// this pilot still closes it in the browser.
func (p *Pilot) ClosePage(ctx context.Context, id target.ID) error {
	ctx, span := p.tracer.Start(ctx, "webpilot.close_page")
	defer span.End()

	p.mu.Lock()
	pg := p.pages[id]
	delete(p.pages, id)
	p.mu.Unlock()

	if pg != nil {
		pg.release(ctx)
	}
	return record(span, p.reg.CloseTarget(ctx, id))
}

// Close detaches from every page concurrently and closes the connection.
// Tabs are left open.
func (p *Pilot) Close() error {
	p.mu.Lock()
	pages := make([]*Page, 0, len(p.pages))
	for _, pg := range p.pages {
		pages = append(pages, pg)
	}
	p.pages = make(map[target.ID]*Page)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, pg := range pages {
		g.Go(func() error {
			pg.release(gctx)
			if pg.closed() {
				return nil
			}
			if err := p.reg.Detach(gctx, pg.sess.ID()); err != nil {
				return fmt.Errorf("detach %s: %w", pg.id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		p.logger.Warn("detach failed", "error", err)
	}
	p.reg.Close()
	if cerr := p.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
