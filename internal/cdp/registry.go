package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/events"
	"github.com/neboloop/webpilot/internal/metrics"
)

// Target describes a browser tab or other debuggable target.
type Target struct {
	ID       target.ID        `json:"targetId"`
	Type     string           `json:"type"`
	URL      string           `json:"url"`
	Title    string           `json:"title"`
	OpenerID target.ID        `json:"openerId,omitempty"`
	Session  target.SessionID `json:"sessionId,omitempty"`
	Crashed  bool             `json:"crashed,omitempty"`
}

// targetEntry is guarded by its own lock for attach/detach/close and by the
// registry mutex for info updates from events.
type targetEntry struct {
	lock    sync.Mutex
	info    Target
	session *Session
}

// Registry maps targets to attached sessions over one connection.
type Registry struct {
	conn   *Conn
	logger *slog.Logger

	mu       sync.Mutex
	targets  map[target.ID]*targetEntry
	sessions map[target.SessionID]*Session

	subs []events.Subscription
}

// NewRegistry starts tracking target lifecycle events on conn.
func NewRegistry(conn *Conn) *Registry {
	r := &Registry{
		conn:     conn,
		logger:   conn.logger.With("component", "cdp-registry"),
		targets:  make(map[target.ID]*targetEntry),
		sessions: make(map[target.SessionID]*Session),
	}

	src := browserEvents{conn: conn}
	r.subs = append(r.subs,
		Listen(src, cdproto.EventTargetTargetCreated, func(ev *target.EventTargetCreated) {
			r.updateInfo(ev.TargetInfo)
		}),
		Listen(src, cdproto.EventTargetTargetInfoChanged, func(ev *target.EventTargetInfoChanged) {
			r.updateInfo(ev.TargetInfo)
		}),
		Listen(src, cdproto.EventTargetTargetDestroyed, func(ev *target.EventTargetDestroyed) {
			r.forgetTarget(ev.TargetID)
		}),
		Listen(src, cdproto.EventTargetDetachedFromTarget, func(ev *target.EventDetachedFromTarget) {
			r.forgetSession(ev.SessionID)
		}),
		Listen(src, cdproto.EventTargetTargetCrashed, func(ev *target.EventTargetCrashed) {
			r.markCrashed(ev.TargetID)
		}),
	)

	go func() {
		<-conn.Done()
		r.closeAll()
	}()
	return r
}

// Conn returns the underlying connection.
func (r *Registry) Conn() *Conn { return r.conn }

// Discover enables target discovery events so the registry tracks tabs
// opened outside this process.
func (r *Registry) Discover(ctx context.Context) error {
	return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, r.conn))
}

// Targets fetches the current page targets from the browser and refreshes
// the registry.
func (r *Registry) Targets(ctx context.Context) ([]Target, error) {
	infos, err := target.GetTargets().Do(cdp.WithExecutor(ctx, r.conn))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]Target, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		e := r.updateInfo(info)
		r.mu.Lock()
		out = append(out, e.info)
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateTarget opens a new tab at url and returns its ID without attaching.
func (r *Registry) CreateTarget(ctx context.Context, url string) (target.ID, error) {
	if url == "" {
		url = "about:blank"
	}
	id, err := target.CreateTarget(url).Do(cdp.WithExecutor(ctx, r.conn))
	if err != nil {
		return "", fmt.Errorf("create target: %w", err)
	}
	e := r.entry(id)
	r.mu.Lock()
	e.info.URL = url
	r.mu.Unlock()
	return id, nil
}

// Attach attaches a flat-mode session to targetID. Attaching an already
// attached target returns the existing session.
func (r *Registry) Attach(ctx context.Context, targetID target.ID) (*Session, error) {
	e := r.entry(targetID)
	e.lock.Lock()
	defer e.lock.Unlock()

	r.mu.Lock()
	existing := e.session
	r.mu.Unlock()
	if existing != nil && !existing.Closed() {
		return existing, nil
	}

	sid, err := target.AttachToTarget(targetID).WithFlatten(true).Do(cdp.WithExecutor(ctx, r.conn))
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", targetID, err)
	}

	sess := newSession(r.conn, sid, targetID)
	r.mu.Lock()
	e.session = sess
	e.info.Session = sid
	r.sessions[sid] = sess
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.AttachedSessions.Set(float64(n))

	r.logger.Debug("attached", "target", truncateID(string(targetID)), "session", truncateID(string(sid)))
	return sess, nil
}

// Detach detaches the session. The target stays open.
func (r *Registry) Detach(ctx context.Context, sessionID target.SessionID) error {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	r.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("detach %s: %w", sessionID, errs.ErrSessionClosed)
	}

	e := r.entry(sess.targetID)
	e.lock.Lock()
	defer e.lock.Unlock()

	err := target.DetachFromTarget().WithSessionID(sessionID).Do(cdp.WithExecutor(ctx, r.conn))
	r.forgetSession(sessionID)
	if err != nil && !sess.Closed() {
		return fmt.Errorf("detach %s: %w", sessionID, err)
	}
	return nil
}

// CloseTarget closes the tab and its session.
func (r *Registry) CloseTarget(ctx context.Context, targetID target.ID) error {
	e := r.entry(targetID)
	e.lock.Lock()
	defer e.lock.Unlock()

	if err := target.CloseTarget(targetID).Do(cdp.WithExecutor(ctx, r.conn)); err != nil {
		return fmt.Errorf("close target %s: %w", targetID, err)
	}
	r.forgetTarget(targetID)
	return nil
}

// Session returns the attached session for targetID, if any.
func (r *Registry) Session(targetID target.ID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.targets[targetID]
	if !ok || e.session == nil || e.session.Closed() {
		return nil, false
	}
	return e.session, true
}

// Target returns the last known info for targetID.
func (r *Registry) Target(targetID target.ID) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.targets[targetID]
	if !ok {
		return Target{}, false
	}
	return e.info, true
}

// Close stops listening for target events. Sessions are left to the
// connection's teardown.
func (r *Registry) Close() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
}

func (r *Registry) entry(id target.ID) *targetEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.targets[id]
	if !ok {
		e = &targetEntry{info: Target{ID: id, Type: "page"}}
		r.targets[id] = e
	}
	return e
}

func (r *Registry) updateInfo(info *target.Info) *targetEntry {
	e := r.entry(info.TargetID)
	r.mu.Lock()
	e.info.Type = info.Type
	e.info.URL = info.URL
	e.info.Title = info.Title
	e.info.OpenerID = info.OpenerID
	r.mu.Unlock()
	return e
}

func (r *Registry) forgetSession(sid target.SessionID) {
	r.mu.Lock()
	sess := r.sessions[sid]
	delete(r.sessions, sid)
	if sess != nil {
		if e, ok := r.targets[sess.targetID]; ok && e.session == sess {
			e.session = nil
			e.info.Session = ""
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.AttachedSessions.Set(float64(n))

	if sess != nil {
		sess.close()
	}
}

func (r *Registry) forgetTarget(id target.ID) {
	r.mu.Lock()
	e := r.targets[id]
	delete(r.targets, id)
	var sess *Session
	if e != nil {
		sess = e.session
		if sess != nil {
			delete(r.sessions, sess.id)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.AttachedSessions.Set(float64(n))

	if sess != nil {
		sess.close()
	}
}

func (r *Registry) markCrashed(id target.ID) {
	r.mu.Lock()
	e := r.targets[id]
	var sess *Session
	if e != nil {
		e.info.Crashed = true
		sess = e.session
	}
	r.mu.Unlock()
	if sess != nil {
		r.logger.Warn("target crashed", "target", truncateID(string(id)))
		sess.markCrashed()
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[target.SessionID]*Session)
	for _, e := range r.targets {
		e.session = nil
		e.info.Session = ""
	}
	r.mu.Unlock()
	metrics.AttachedSessions.Set(0)

	for _, s := range sessions {
		s.close()
	}
}
