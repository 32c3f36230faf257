package page

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// WaitUntil names the lifecycle point a navigation waits for.
type WaitUntil string

const (
	WaitCommit           WaitUntil = "commit"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitLoad             WaitUntil = "load"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// ParseWaitUntil accepts the caller spellings of a wait condition. An empty
// string selects load.
func ParseWaitUntil(s string) (WaitUntil, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return WaitLoad, true
	case "commit":
		return WaitCommit, true
	case "domcontentloaded", "dcl":
		return WaitDOMContentLoaded, true
	case "load":
		return WaitLoad, true
	case "networkidle", "networkidle0", "idle":
		return WaitNetworkIdle, true
	}
	return "", false
}

// Lifecycle event names as reported by Page.lifecycleEvent.
const (
	eventInit        = "init"
	eventCommit      = "commit"
	eventDCL         = "DOMContentLoaded"
	eventLoad        = "load"
	eventNetworkIdle = "networkIdle"
)

// lifecycleSet is the set of lifecycle events one document has reached.
type lifecycleSet map[string]bool

func (s lifecycleSet) satisfies(w WaitUntil, idle bool) bool {
	switch w {
	case WaitCommit:
		return s[eventCommit] || s[eventDCL] || s[eventLoad]
	case WaitDOMContentLoaded:
		return s[eventDCL] || s[eventLoad]
	case WaitLoad:
		return s[eventLoad]
	case WaitNetworkIdle:
		return s[eventLoad] && (idle || s[eventNetworkIdle])
	}
	return false
}

func (s lifecycleSet) String() string {
	if len(s) == 0 {
		return "{}"
	}
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return "{" + strings.Join(names, ",") + "}"
}

// lifecycle accumulates per-loader event sets for the main frame since the
// last navigation reset.
type lifecycle struct {
	loaders map[cdp.LoaderID]lifecycleSet
	order   []cdp.LoaderID
	current cdp.LoaderID
}

func newLifecycle() *lifecycle {
	return &lifecycle{loaders: make(map[cdp.LoaderID]lifecycleSet)}
}

func (l *lifecycle) reset() {
	l.loaders = make(map[cdp.LoaderID]lifecycleSet)
	l.order = nil
}

// record adds an event for loader and reports whether the loader is new.
func (l *lifecycle) record(loader cdp.LoaderID, name string) bool {
	set, ok := l.loaders[loader]
	if !ok {
		set = make(lifecycleSet)
		l.loaders[loader] = set
		l.order = append(l.order, loader)
	}
	if name == eventInit {
		l.current = loader
	}
	set[name] = true
	return !ok
}

func (l *lifecycle) set(loader cdp.LoaderID) lifecycleSet {
	return l.loaders[loader]
}

// idleTracker derives network idle from a live set of in-flight requests and
// a debounce window.
type idleTracker struct {
	mu       sync.Mutex
	window   time.Duration
	inflight map[network.RequestID]struct{}
	idle     bool
	gen      uint64
	timer    *time.Timer
	onIdle   func()
}

func newIdleTracker(window time.Duration, onIdle func()) *idleTracker {
	return &idleTracker{
		window:   window,
		inflight: make(map[network.RequestID]struct{}),
		onIdle:   onIdle,
	}
}

// reset forgets all requests and restarts the debounce window.
func (t *idleTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight = make(map[network.RequestID]struct{})
	t.idle = false
	t.armLocked()
}

func (t *idleTracker) started(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	t.idle = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *idleTracker) finished(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	if len(t.inflight) == 0 {
		t.armLocked()
	}
}

func (t *idleTracker) armLocked() {
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.window, func() {
		t.mu.Lock()
		if gen != t.gen || len(t.inflight) != 0 {
			t.mu.Unlock()
			return
		}
		t.idle = true
		t.mu.Unlock()
		t.onIdle()
	})
}

func (t *idleTracker) isIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle
}

func (t *idleTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

func (t *idleTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
