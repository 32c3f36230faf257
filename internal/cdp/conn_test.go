package cdp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/webpilot/internal/cdp/cdptest"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/events"
)

func dialTest(t *testing.T, srv *cdptest.Server) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.URL())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// =============================================================================
// Command round trips
// =============================================================================

func TestSendResolvesMatchingResponse(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Runtime.evaluate", func(_ context.Context, req *cdptest.Request) (any, error) {
		var p runtime.EvaluateParams
		require.NoError(t, req.Decode(&p))
		return map[string]any{"result": map[string]any{"type": "string", "value": "echo:" + p.Expression}}, nil
	})
	c := dialTest(t, srv)

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, expr := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(expr string) {
			defer wg.Done()
			obj, exc, err := runtime.Evaluate(expr).WithReturnByValue(true).Do(cdp.WithExecutor(ctx, c))
			if assert.NoError(t, err) && assert.Nil(t, exc) {
				assert.Equal(t, `"echo:`+expr+`"`, string(obj.Value))
			}
		}(expr)
	}
	wg.Wait()
}

func TestSendProtocolError(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.HandleError("DOM.focus", -32000, "Element is not focusable")
	c := dialTest(t, srv)

	_, err := c.Send(context.Background(), "", "DOM.focus", map[string]any{"nodeId": 1})
	require.Error(t, err)
	var perr *errs.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "Element is not focusable", perr.Message)
	assert.ErrorIs(t, err, errs.ErrProtocol)
}

func TestSendTimeout(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Page.navigate", func(context.Context, *cdptest.Request) (any, error) {
		return nil, cdptest.ErrNoReply
	})
	c := dialTest(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, "", "Page.navigate", map[string]any{"url": "about:blank"})
	assert.ErrorIs(t, err, errs.ErrTimeout)
}

// =============================================================================
// Teardown
// =============================================================================

func TestPendingCallsRejectedOnDrop(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Page.navigate", func(context.Context, *cdptest.Request) (any, error) {
		return nil, cdptest.ErrNoReply
	})
	c := dialTest(t, srv)

	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Send(context.Background(), "", "Page.navigate", map[string]any{"url": "about:blank"})
			errCh <- err
		}()
	}
	srv.WaitForCall("Page.navigate", time.Second)
	time.Sleep(20 * time.Millisecond)
	srv.DropConnections()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, errs.ErrConnection)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call hung after connection drop")
		}
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.Error(t, c.Err())

	_, err := c.Send(context.Background(), "", "Browser.getVersion", nil)
	assert.ErrorIs(t, err, errs.ErrConnection)
}

func TestCloseRejectsPending(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Runtime.evaluate", func(context.Context, *cdptest.Request) (any, error) {
		return nil, cdptest.ErrNoReply
	})
	c := dialTest(t, srv)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "", "Runtime.evaluate", map[string]any{"expression": "1"})
		errCh <- err
	}()
	srv.WaitForCall("Runtime.evaluate", time.Second)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errs.ErrConnection)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call hung after Close")
	}
}

// =============================================================================
// Events
// =============================================================================

func TestEventsRoutedBySession(t *testing.T) {
	srv := cdptest.NewServer(t)
	c := dialTest(t, srv)

	got := make(chan string, 4)
	Listen(sessionEvents{c, "S-1"}, cdproto.EventPageLifecycleEvent, func(ev *page.EventLifecycleEvent) {
		got <- "S-1:" + ev.Name
	})
	Listen(sessionEvents{c, "S-2"}, cdproto.EventPageLifecycleEvent, func(ev *page.EventLifecycleEvent) {
		got <- "S-2:" + ev.Name
	})

	srv.Emit("S-2", "Page.lifecycleEvent", map[string]any{"frameId": "F", "loaderId": "L", "name": "load", "timestamp": 1})
	srv.Emit("S-1", "Page.lifecycleEvent", map[string]any{"frameId": "F", "loaderId": "L", "name": "commit", "timestamp": 1})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case v := <-got:
			seen[v] = true
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.True(t, seen["S-1:commit"])
	assert.True(t, seen["S-2:load"])
}

func TestSlowHandlerDoesNotBlockOtherSessions(t *testing.T) {
	srv := cdptest.NewServer(t)
	c := dialTest(t, srv)

	block := make(chan struct{})
	defer close(block)
	c.Subscribe("S-slow", "Custom.event", func(context.Context, *Event) error {
		<-block
		return nil
	})
	fast := make(chan struct{}, 1)
	c.Subscribe("S-fast", "Custom.event", func(context.Context, *Event) error {
		fast <- struct{}{}
		return nil
	})

	srv.Emit("S-slow", "Custom.event", map[string]any{})
	srv.Emit("S-fast", "Custom.event", map[string]any{})

	select {
	case <-fast:
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber blocked another session")
	}

	// Responses still flow while a handler is blocked.
	_, err := c.Send(context.Background(), "", "Browser.getVersion", nil)
	require.NoError(t, err)
}

func TestUnknownEventDeliveredRaw(t *testing.T) {
	srv := cdptest.NewServer(t)
	c := dialTest(t, srv)

	got := make(chan *Event, 1)
	c.Subscribe("", "Vendor.somethingNew", func(_ context.Context, ev *Event) error {
		got <- ev
		return nil
	})
	srv.Emit("", "Vendor.somethingNew", map[string]any{"x": 1})

	select {
	case ev := <-got:
		assert.JSONEq(t, `{"x":1}`, string(ev.Raw))
	case <-time.After(2 * time.Second):
		t.Fatal("raw event not delivered")
	}
}

type sessionEvents struct {
	c   *Conn
	sid string
}

func (s sessionEvents) Subscribe(method string, h EventHandler) events.Subscription {
	return s.c.Subscribe(target.SessionID(s.sid), method, h)
}

func TestSubscribeAfterDropGetsClosedSubject(t *testing.T) {
	srv := cdptest.NewServer(t)
	c := dialTest(t, srv)

	sid := target.SessionID("S-gone")
	c.Subscribe(sid, "Page.loadEventFired", func(context.Context, *Event) error { return nil })
	c.dropSession(sid)

	c.Subscribe(sid, "Page.loadEventFired", func(context.Context, *Event) error { return nil })
	s := c.subject(sid)
	assert.ErrorIs(t, events.Emit(s, "Page.loadEventFired", &Event{}), events.ErrSubjectClosed)

	c.mu.Lock()
	_, tracked := c.subjects[sid]
	c.mu.Unlock()
	assert.False(t, tracked)

	live := c.subject("S-live")
	assert.NoError(t, events.Emit(live, "Page.loadEventFired", &Event{}))
}
