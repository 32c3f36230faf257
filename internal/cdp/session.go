package cdp

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/events"
)

// Session is an attached flat-mode channel to one target. It implements
// cdp.Executor so any cdproto command can run against it:
//
//	page.Navigate(url).Do(sess.Context(ctx))
type Session struct {
	id       target.SessionID
	targetID target.ID
	conn     *Conn

	done      chan struct{}
	closeOnce sync.Once

	crashed   chan struct{}
	crashOnce sync.Once
}

var _ cdp.Executor = (*Session)(nil)

func newSession(conn *Conn, id target.SessionID, targetID target.ID) *Session {
	return &Session{
		id:       id,
		targetID: targetID,
		conn:     conn,
		done:     make(chan struct{}),
		crashed:  make(chan struct{}),
	}
}

// ID returns the protocol session ID.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the attached target.
func (s *Session) TargetID() target.ID { return s.targetID }

// Conn returns the shared connection.
func (s *Session) Conn() *Conn { return s.conn }

// Done is closed when the session is detached, its target is destroyed, or
// the connection is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Crashed is closed when the browser reports the target crashed.
func (s *Session) Crashed() <-chan struct{} { return s.crashed }

// Closed reports whether the session can still accept commands.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	case <-s.conn.done:
		return true
	default:
		return false
	}
}

// Context returns ctx carrying this session as the cdproto executor.
func (s *Session) Context(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, s)
}

// Execute implements cdp.Executor.
func (s *Session) Execute(ctx context.Context, method string, params, res any) error {
	select {
	case <-s.done:
		return &sessionClosedError{method: method}
	default:
	}
	return s.conn.execute(ctx, s.id, method, params, res, s.done)
}

// Send issues a command on this session and returns the raw result.
func (s *Session) Send(ctx context.Context, method string, params any) (jsontext.Value, error) {
	select {
	case <-s.done:
		return nil, &sessionClosedError{method: method}
	default:
	}
	return s.conn.send(ctx, s.id, method, params, s.done)
}

// Subscribe registers handler for a protocol event on this session.
func (s *Session) Subscribe(method string, handler EventHandler) events.Subscription {
	return s.conn.Subscribe(s.id, method, handler)
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.dropSession(s.id)
	})
}

func (s *Session) markCrashed() {
	s.crashOnce.Do(func() { close(s.crashed) })
}

type sessionClosedError struct {
	method string
}

func (e *sessionClosedError) Error() string { return e.method + ": cdp session closed" }

func (e *sessionClosedError) Is(target error) bool { return target == errs.ErrSessionClosed }

// EventSource is anything that can deliver protocol events.
type EventSource interface {
	Subscribe(method string, handler EventHandler) events.Subscription
}

// Listen subscribes fn to a typed cdproto event, e.g.
//
//	cdp.Listen(sess, cdproto.EventPageLifecycleEvent, func(ev *page.EventLifecycleEvent) { ... })
//
// Events whose payload does not decode to T are ignored.
func Listen[T any](src EventSource, method cdproto.MethodType, fn func(T)) events.Subscription {
	return src.Subscribe(string(method), func(_ context.Context, ev *Event) error {
		if v, ok := ev.Params.(T); ok {
			fn(v)
		}
		return nil
	})
}

// browserEvents adapts the connection's sessionless subject to EventSource.
type browserEvents struct{ conn *Conn }

func (b browserEvents) Subscribe(method string, handler EventHandler) events.Subscription {
	return b.conn.Subscribe("", method, handler)
}
