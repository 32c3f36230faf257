package page

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cdptypes "github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"

	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/metrics"
)

// NavigateOptions controls a navigation wait.
type NavigateOptions struct {
	WaitUntil WaitUntil
	Timeout   time.Duration
	Referrer  string
}

// NavigateResult describes a finished navigation.
type NavigateResult struct {
	URL          string            `json:"url"`
	FrameID      cdptypes.FrameID  `json:"frameId,omitempty"`
	LoaderID     cdptypes.LoaderID `json:"loaderId,omitempty"`
	SameDocument bool              `json:"sameDocument,omitempty"`
	NoHistory    bool              `json:"noHistory,omitempty"`
}

// waiter is one outstanding wait on the main frame lifecycle.
type waiter struct {
	until WaitUntil
	// loader is the document being waited on. Empty with bindNext set means
	// the next loader to initialize after registration.
	loader       cdptypes.LoaderID
	bindNext     bool
	sameDocument bool
	// nav is the navigation sequence that owns this waiter; zero waiters are
	// not aborted by later navigations.
	nav  uint64
	url  string
	done chan error
	once sync.Once
}

func newWaiter(until WaitUntil) *waiter {
	return &waiter{until: until, done: make(chan error, 1)}
}

func (w *waiter) fire(err error) {
	w.once.Do(func() { w.done <- err })
}

// checkWaitersLocked resolves every waiter whose condition now holds.
func (c *Controller) checkWaitersLocked() {
	if len(c.waiters) == 0 {
		return
	}
	idle := c.idle.isIdle()
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.loader != "" {
			set := c.lc.set(w.loader)
			if set != nil && set.satisfies(w.until, idle && c.lc.current == w.loader) {
				w.fire(nil)
				continue
			}
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *Controller) addWaiterLocked(w *waiter) {
	c.waiters = append(c.waiters, w)
}

func (c *Controller) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// superseded reports the abort error for w when a later navigation has
// replaced it.
func (c *Controller) superseded(w *waiter) error {
	select {
	case werr := <-w.done:
		if werr != nil {
			return werr
		}
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.nav != c.navSeq {
		return &errs.NavigationAbortedError{URL: w.url, SupersededBy: c.navURL}
	}
	return nil
}

// beginNavigation supersedes earlier navigations, clears lifecycle and
// network state, and registers a waiter bound to the next loader.
func (c *Controller) beginNavigation(url string, until WaitUntil) (*waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crashed {
		return nil, &errs.PageCrashedError{TargetID: string(c.sess.TargetID())}
	}
	if c.closed {
		return nil, fmt.Errorf("page: %w", errs.ErrSessionClosed)
	}
	c.navSeq++
	seq := c.navSeq
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.nav != 0 && w.nav < seq {
			w.fire(&errs.NavigationAbortedError{URL: w.url, SupersededBy: url})
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
	c.prevLoader = c.lc.current
	if f, ok := c.frames[c.mainFrame]; ok && c.prevLoader == "" {
		c.prevLoader = f.LoaderID
	}
	c.lc.reset()
	c.idle.reset()
	c.navURL = url

	w := newWaiter(until)
	w.nav = seq
	w.url = url
	w.bindNext = true
	c.addWaiterLocked(w)
	return w, nil
}

// await blocks until w fires, the timeout expires, or ctx ends.
func (c *Controller) await(ctx context.Context, w *waiter, op string, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-w.done:
		return err
	case <-t.C:
		c.removeWaiter(w)
		return &errs.TimeoutError{Op: op, Timeout: timeout, Last: c.lifecycleString(w)}
	case <-ctx.Done():
		c.removeWaiter(w)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &errs.TimeoutError{Op: op, Timeout: timeout, Last: c.lifecycleString(w)}
		}
		return ctx.Err()
	}
}

func (c *Controller) lifecycleString(w *waiter) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	loader := w.loader
	if loader == "" {
		loader = c.lc.current
	}
	return "lifecycle " + c.lc.set(loader).String()
}

// Navigate loads url in the main frame and waits for opts.WaitUntil.
// A later navigation on the same page aborts this wait with
// errs.ErrNavigationAborted.
func (c *Controller) Navigate(ctx context.Context, url string, opts NavigateOptions) (*NavigateResult, error) {
	until := opts.WaitUntil
	if until == "" {
		until = WaitLoad
	}
	timeout := c.Timeout(opts.Timeout)
	start := time.Now()

	res, err := c.navigate(ctx, url, until, opts.Referrer, timeout)
	outcome := "ok"
	switch {
	case errors.Is(err, errs.ErrNavigationAborted):
		outcome = "aborted"
	case errors.Is(err, errs.ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	metrics.Navigations.WithLabelValues(string(until), outcome).Inc()
	metrics.NavigationDuration.Observe(time.Since(start).Seconds())
	c.logger.Debug("navigate", "url", url, "wait_until", until, "outcome", outcome, "duration", time.Since(start))
	return res, err
}

func (c *Controller) navigate(ctx context.Context, url string, until WaitUntil, referrer string, timeout time.Duration) (*NavigateResult, error) {
	w, err := c.beginNavigation(url, until)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := cdppage.Navigate(url)
	if referrer != "" {
		p = p.WithReferrer(referrer)
	}
	frameID, loaderID, errorText, _, err := p.Do(c.sess.Context(ctx))
	if err != nil {
		c.removeWaiter(w)
		// A superseding navigation may have already fired the waiter.
		select {
		case werr := <-w.done:
			if werr != nil {
				return nil, werr
			}
		default:
		}
		if errors.Is(err, errs.ErrTimeout) {
			return nil, &errs.TimeoutError{Op: "navigate " + url, Timeout: timeout, Last: "no response to Page.navigate"}
		}
		return nil, err
	}
	if errorText != "" {
		c.removeWaiter(w)
		// Chrome reports a superseded navigation as net::ERR_ABORTED.
		if aerr := c.superseded(w); aerr != nil {
			return nil, aerr
		}
		return nil, &errs.NavigationError{URL: url, Reason: errorText}
	}

	res := &NavigateResult{URL: url, FrameID: frameID, LoaderID: loaderID}
	if loaderID == "" {
		// Fragment or history.pushState style navigation; no new document.
		c.removeWaiter(w)
		res.SameDocument = true
		return res, nil
	}

	c.mu.Lock()
	w.loader = loaderID
	w.bindNext = false
	c.checkWaitersLocked()
	c.mu.Unlock()

	if err := c.await(ctx, w, "navigate "+url, timeout); err != nil {
		return nil, err
	}
	return res, nil
}

// Reload reloads the main frame and waits for opts.WaitUntil.
func (c *Controller) Reload(ctx context.Context, opts NavigateOptions) (*NavigateResult, error) {
	url, _ := c.URL(ctx)
	return c.historyNavigate(ctx, "reload", url, opts, func(pctx context.Context) error {
		return cdppage.Reload().Do(pctx)
	})
}

// GoBack navigates one entry back in history. At the start of history it
// returns a result with NoHistory set.
func (c *Controller) GoBack(ctx context.Context, opts NavigateOptions) (*NavigateResult, error) {
	return c.historyStep(ctx, -1, opts)
}

// GoForward navigates one entry forward in history.
func (c *Controller) GoForward(ctx context.Context, opts NavigateOptions) (*NavigateResult, error) {
	return c.historyStep(ctx, 1, opts)
}

func (c *Controller) historyStep(ctx context.Context, delta int, opts NavigateOptions) (*NavigateResult, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	idx, entries, err := cdppage.GetNavigationHistory().Do(c.sess.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get navigation history: %w", err)
	}
	next := int(idx) + delta
	if next < 0 || next >= len(entries) {
		return &NavigateResult{NoHistory: true}, nil
	}
	entry := entries[next]
	op := "go back"
	if delta > 0 {
		op = "go forward"
	}
	return c.historyNavigate(ctx, op, entry.URL, opts, func(pctx context.Context) error {
		return cdppage.NavigateToHistoryEntry(entry.ID).Do(pctx)
	})
}

// historyNavigate runs a navigation whose loader is only known from the next
// lifecycle init event. Same-document history entries resolve on
// navigatedWithinDocument.
func (c *Controller) historyNavigate(ctx context.Context, op, url string, opts NavigateOptions, run func(context.Context) error) (*NavigateResult, error) {
	until := opts.WaitUntil
	if until == "" {
		until = WaitLoad
	}
	timeout := c.Timeout(opts.Timeout)
	w, err := c.beginNavigation(url, until)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	w.sameDocument = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := run(c.sess.Context(ctx)); err != nil {
		c.removeWaiter(w)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := c.await(ctx, w, op, timeout); err != nil {
		return nil, err
	}
	c.mu.Lock()
	res := &NavigateResult{URL: url, FrameID: c.mainFrame, LoaderID: w.loader, SameDocument: w.loader == ""}
	c.mu.Unlock()
	if cur, err := c.URL(ctx); err == nil && cur != "" {
		res.URL = cur
	}
	return res, nil
}

// WaitForLoadState waits until the current document reaches state.
func (c *Controller) WaitForLoadState(ctx context.Context, state WaitUntil, timeout time.Duration) error {
	if state == "" {
		state = WaitLoad
	}
	timeout = c.Timeout(timeout)
	c.mu.Lock()
	if c.crashed {
		c.mu.Unlock()
		return &errs.PageCrashedError{TargetID: string(c.sess.TargetID())}
	}
	w := newWaiter(state)
	w.loader = c.lc.current
	if w.loader == "" {
		w.bindNext = true
	}
	c.addWaiterLocked(w)
	c.checkWaitersLocked()
	c.mu.Unlock()
	return c.await(ctx, w, "wait for "+string(state), timeout)
}

// Settle waits briefly for the page to go quiet. It never fails; the result
// reports whether network idle was reached.
func (c *Controller) Settle(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	err := c.WaitForLoadState(ctx, WaitNetworkIdle, timeout)
	return err == nil
}

// NavigationWaitOptions configures WaitForNavigationEvent.
type NavigationWaitOptions struct {
	WaitUntil WaitUntil
	Timeout   time.Duration
}

// NavigationWaiter is a navigation wait registered before the action that
// triggers it.
type NavigationWaiter struct {
	c       *Controller
	w       *waiter
	timeout time.Duration
}

// WaitForNavigationEvent subscribes to the next main-frame navigation,
// same-document ones included. Run the triggering action, then call Wait.
func (c *Controller) WaitForNavigationEvent(ctx context.Context, opts NavigationWaitOptions) (*NavigationWaiter, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	until := opts.WaitUntil
	if until == "" {
		until = WaitLoad
	}
	w := newWaiter(until)
	w.bindNext = true
	w.sameDocument = true
	c.mu.Lock()
	c.addWaiterLocked(w)
	c.mu.Unlock()
	return &NavigationWaiter{c: c, w: w, timeout: c.Timeout(opts.Timeout)}, nil
}

// Wait blocks until the navigation completes.
func (n *NavigationWaiter) Wait(ctx context.Context) error {
	return n.c.await(ctx, n.w, "wait for navigation", n.timeout)
}

// Triggered reports, without blocking, whether a navigation has started.
func (n *NavigationWaiter) Triggered() bool {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	if n.w.loader != "" {
		return true
	}
	select {
	case err := <-n.w.done:
		n.w.done <- err
		return true
	default:
		return false
	}
}

// Cancel drops the wait.
func (n *NavigationWaiter) Cancel() {
	n.c.removeWaiter(n.w)
}
