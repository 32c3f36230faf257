// Package cdptest provides a scriptable fake DevTools endpoint for tests.
//
// The server accepts websocket connections on /devtools/browser/<id>, answers
// /json/version for discovery, and routes each command to a handler
// registered per method. Unhandled methods reply with an empty result so
// domain Enable calls succeed without setup.
package cdptest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"
)

// ErrNoReply makes the server swallow a command without responding.
var ErrNoReply = errors.New("cdptest: no reply")

// Request is one command received by the fake browser.
type Request struct {
	ID        int64
	SessionID target.SessionID
	Method    string
	Params    jsontext.Value

	after []func()
}

// Decode unmarshals the command params into v.
func (r *Request) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	return jsonv2.Unmarshal(r.Params, v, jsonv2.DefaultOptionsV2())
}

// After schedules fn to run once the response has been written, so events
// emitted from fn reach the client after the command resolves.
func (r *Request) After(fn func()) {
	r.after = append(r.after, fn)
}

// Handler answers a command. Returning a *cdproto.Error sends a protocol
// error; returning ErrNoReply sends nothing.
type Handler func(ctx context.Context, req *Request) (any, error)

// Server is a fake browser endpoint.
type Server struct {
	t        testing.TB
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	handlers   map[string]Handler
	conns      []*serverConn
	calls      []*Request
	targets    []*target.Info
	nextTarget int
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewServer starts a fake endpoint and stops it when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		t:        t,
		handlers: make(map[string]Handler),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", s.handleVersion)
	mux.HandleFunc("/devtools/", s.handleWS)
	s.srv = httptest.NewServer(mux)
	s.installTargetDomain()
	t.Cleanup(s.Close)
	return s
}

// URL is the websocket debugger URL of the fake browser.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/devtools/browser/fake"
}

// HTTPURL is the http base URL serving /json/version.
func (s *Server) HTTPURL() string { return s.srv.URL }

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// HandleResult registers a handler that always returns result.
func (s *Server) HandleResult(method string, result any) {
	s.Handle(method, func(context.Context, *Request) (any, error) { return result, nil })
}

// HandleError registers a handler that always fails with a protocol error.
func (s *Server) HandleError(method string, code int64, message string) {
	s.Handle(method, func(context.Context, *Request) (any, error) {
		return nil, &cdproto.Error{Code: code, Message: message}
	})
}

// AddTarget registers a page target returned by Target.getTargets.
func (s *Server) AddTarget(id target.ID, url, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, &target.Info{TargetID: id, Type: "page", URL: url, Title: title})
}

// SessionFor is the session ID the fake assigns when attaching to id.
func SessionFor(id target.ID) target.SessionID {
	return target.SessionID("S-" + string(id))
}

// Calls returns the received commands for method, or all commands when
// method is empty.
func (s *Server) Calls(method string) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// WaitForCall blocks until a command for method has been received.
func (s *Server) WaitForCall(method string, timeout time.Duration) *Request {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if calls := s.Calls(method); len(calls) > 0 {
			return calls[len(calls)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.t.Fatalf("cdptest: no %s call within %s", method, timeout)
	return nil
}

// Emit sends an event to every connected client.
func (s *Server) Emit(sessionID target.SessionID, method string, params any) {
	buf, err := jsonv2.Marshal(params, jsonv2.DefaultOptionsV2())
	if err != nil {
		s.t.Errorf("cdptest: encode %s: %v", method, err)
		return
	}
	s.broadcast(&cdproto.Message{SessionID: sessionID, Method: cdproto.MethodType(method), Params: buf})
}

// EmitAfter sends an event after d without blocking the caller.
func (s *Server) EmitAfter(d time.Duration, sessionID target.SessionID, method string, params any) {
	time.AfterFunc(d, func() { s.Emit(sessionID, method, params) })
}

// DropConnections closes every client websocket abruptly.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Close shuts the server down.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) broadcast(msg *cdproto.Message) {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.write(msg)
	}
}

func (c *serverConn) write(msg *cdproto.Message) {
	buf, err := jsonv2.Marshal(msg, jsonv2.DefaultOptionsV2())
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, buf)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"Browser":"FakeChrome/1.0","Protocol-Version":"1.3","webSocketDebuggerUrl":%q}`, s.URL())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &serverConn{ws: ws}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg cdproto.Message
		if err := jsonv2.Unmarshal(data, &msg, jsonv2.DefaultOptionsV2()); err != nil {
			continue
		}
		req := &Request{ID: msg.ID, SessionID: msg.SessionID, Method: string(msg.Method), Params: msg.Params}
		s.mu.Lock()
		s.calls = append(s.calls, req)
		h := s.handlers[req.Method]
		s.mu.Unlock()

		go s.serve(c, req, h)
	}
}

func (s *Server) serve(c *serverConn, req *Request, h Handler) {
	var (
		result any = struct{}{}
		err    error
	)
	if h != nil {
		result, err = h(context.Background(), req)
	}
	if errors.Is(err, ErrNoReply) {
		return
	}

	resp := &cdproto.Message{ID: req.ID, SessionID: req.SessionID}
	var perr *cdproto.Error
	switch {
	case errors.As(err, &perr):
		resp.Error = perr
	case err != nil:
		resp.Error = &cdproto.Error{Code: -32000, Message: err.Error()}
	default:
		if result == nil {
			result = struct{}{}
		}
		buf, merr := jsonv2.Marshal(result, jsonv2.DefaultOptionsV2())
		if merr != nil {
			resp.Error = &cdproto.Error{Code: -32603, Message: merr.Error()}
		} else {
			resp.Result = buf
		}
	}
	c.write(resp)
	for _, fn := range req.after {
		fn()
	}
}

// installTargetDomain answers the Target domain from the registered targets.
func (s *Server) installTargetDomain() {
	s.Handle("Target.getTargets", func(context.Context, *Request) (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return map[string]any{"targetInfos": s.targets}, nil
	})
	s.Handle("Target.createTarget", func(_ context.Context, req *Request) (any, error) {
		var p target.CreateTargetParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.nextTarget++
		id := target.ID(fmt.Sprintf("T%d", s.nextTarget))
		s.targets = append(s.targets, &target.Info{TargetID: id, Type: "page", URL: p.URL})
		s.mu.Unlock()
		return map[string]any{"targetId": id}, nil
	})
	s.Handle("Target.attachToTarget", func(_ context.Context, req *Request) (any, error) {
		var p target.AttachToTargetParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]any{"sessionId": SessionFor(p.TargetID)}, nil
	})
	s.Handle("Target.closeTarget", func(_ context.Context, req *Request) (any, error) {
		var p target.CloseTargetParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		kept := s.targets[:0]
		for _, info := range s.targets {
			if info.TargetID != p.TargetID {
				kept = append(kept, info)
			}
		}
		s.targets = kept
		s.mu.Unlock()
		req.After(func() {
			s.Emit("", "Target.detachedFromTarget", map[string]any{"sessionId": SessionFor(p.TargetID), "targetId": p.TargetID})
			s.Emit("", "Target.targetDestroyed", map[string]any{"targetId": p.TargetID})
		})
		return map[string]any{"success": true}, nil
	})
}
