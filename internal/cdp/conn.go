// Package cdp owns the websocket channel to a browser's DevTools endpoint,
// multiplexes flat-mode sessions over it, and keeps the target registry.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/events"
	"github.com/neboloop/webpilot/internal/metrics"
)

var (
	// UnmarshalOptions decode inbound frames. Chrome occasionally emits
	// invalid UTF-8 in console and network payloads.
	UnmarshalOptions = jsonv2.JoinOptions(
		jsonv2.DefaultOptionsV2(),
		jsontext.AllowInvalidUTF8(true),
	)
	// MarshalOptions encode outbound commands.
	MarshalOptions = jsonv2.JoinOptions(
		jsonv2.DefaultOptionsV2(),
		jsontext.AllowInvalidUTF8(true),
	)
)

// Event is an unsolicited message from the browser. Params holds the typed
// cdproto event when the method is known, or the raw jsontext.Value otherwise.
type Event struct {
	SessionID target.SessionID
	Method    cdproto.MethodType
	Params    any
	Raw       jsontext.Value
}

// EventHandler receives events published on a session subject.
type EventHandler func(context.Context, *Event) error

type pendingCall struct {
	method string
	ch     chan *cdproto.Message
}

// Conn is the single duplex channel to a browser process.
type Conn struct {
	id     string
	url    string
	ws     *websocket.Conn
	logger *slog.Logger
	audit  AuditFunc

	writeMu sync.Mutex

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	subjects map[target.SessionID]*events.Subject
	dropped  map[target.SessionID]struct{}
	closed   bool
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Conn.
type Option func(*connConfig)

type connConfig struct {
	logger    *slog.Logger
	audit     AuditFunc
	dialer    *websocket.Dialer
	readLimit int64
	header    http.Header
}

// WithLogger sets the connection logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *connConfig) { c.logger = l }
}

// WithAudit replaces the default command audit hook.
func WithAudit(fn AuditFunc) Option {
	return func(c *connConfig) { c.audit = fn }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *connConfig) { c.dialer = d }
}

// WithReadLimit caps the size of a single inbound frame. Zero means no limit.
func WithReadLimit(n int64) Option {
	return func(c *connConfig) { c.readLimit = n }
}

// WithHeader adds handshake headers, e.g. for authenticated remote endpoints.
func WithHeader(h http.Header) Option {
	return func(c *connConfig) { c.header = h }
}

// Dial connects to a browser websocket debugger URL and starts the read loop.
func Dial(ctx context.Context, wsURL string, opts ...Option) (*Conn, error) {
	cfg := connConfig{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   64 << 10,
			WriteBufferSize:  64 << 10,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default().With("component", "cdp")
	}
	if cfg.audit == nil {
		cfg.audit = newAuditLogger(cfg.logger).logCommand
	}

	ws, resp, err := cfg.dialer.DialContext(ctx, wsURL, cfg.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &errs.ConnectionError{Op: "dial " + wsURL, Err: err}
	}
	if cfg.readLimit > 0 {
		ws.SetReadLimit(cfg.readLimit)
	}

	c := &Conn{
		id:       uuid.NewString(),
		url:      wsURL,
		ws:       ws,
		logger:   cfg.logger,
		audit:    cfg.audit,
		pending:  make(map[int64]*pendingCall),
		subjects: make(map[target.SessionID]*events.Subject),
		dropped:  make(map[target.SessionID]struct{}),
		done:     make(chan struct{}),
	}
	c.logger = c.logger.With("conn", truncateID(c.id))

	go c.readLoop()
	c.logger.Debug("cdp connected", "url", wsURL)
	return c, nil
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// URL returns the websocket URL this connection was dialed with.
func (c *Conn) URL() string { return c.url }

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the teardown cause, or nil while the connection is live.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears down the connection and rejects all in-flight calls.
func (c *Conn) Close() error {
	c.teardown(errors.New("closed by client"))
	return nil
}

// Execute implements cdp.Executor for browser-level (sessionless) commands.
func (c *Conn) Execute(ctx context.Context, method string, params, res any) error {
	return c.execute(ctx, "", method, params, res, nil)
}

// Send issues a command and returns the raw result. sessionID may be empty
// for browser-level commands.
func (c *Conn) Send(ctx context.Context, sessionID target.SessionID, method string, params any) (jsontext.Value, error) {
	return c.send(ctx, sessionID, method, params, nil)
}

func (c *Conn) execute(ctx context.Context, sessionID target.SessionID, method string, params, res any, abort <-chan struct{}) error {
	result, err := c.send(ctx, sessionID, method, params, abort)
	if err != nil {
		return err
	}
	if res == nil || len(result) == 0 {
		return nil
	}
	if err := jsonv2.Unmarshal(result, res, UnmarshalOptions); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Conn) send(ctx context.Context, sessionID target.SessionID, method string, params any, abort <-chan struct{}) (jsontext.Value, error) {
	var buf jsontext.Value
	if params != nil {
		var err error
		if buf, err = jsonv2.Marshal(params, MarshalOptions); err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
	}

	id := c.nextID.Add(1)
	call := &pendingCall{method: method, ch: make(chan *cdproto.Message, 1)}

	c.mu.Lock()
	if c.closed {
		cause := c.err
		c.mu.Unlock()
		return nil, &errs.ConnectionError{Op: method, Err: cause}
	}
	c.pending[id] = call
	pendingCount := len(c.pending)
	c.mu.Unlock()
	metrics.PendingCalls.Set(float64(pendingCount))

	c.audit(sessionID, method)
	start := time.Now()

	frame, err := jsonv2.Marshal(&cdproto.Message{
		ID:        id,
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}, MarshalOptions)
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		c.teardown(err)
		return nil, &errs.ConnectionError{Op: method, Err: err}
	}

	select {
	case msg := <-call.ch:
		metrics.ObserveCommand(method, time.Since(start), msg.Error == nil)
		if msg.Error != nil {
			return nil, &errs.ProtocolError{Method: method, Code: msg.Error.Code, Message: msg.Error.Message}
		}
		return msg.Result, nil
	case <-c.done:
		return nil, &errs.ConnectionError{Op: method, Err: c.Err()}
	case <-abort:
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", method, errs.ErrSessionClosed)
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &errs.TimeoutError{Op: method, Timeout: deadlineBudget(ctx, start)}
		}
		return nil, ctx.Err()
	}
}

func deadlineBudget(ctx context.Context, start time.Time) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return dl.Sub(start).Round(time.Millisecond)
	}
	return time.Since(start).Round(time.Millisecond)
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()
	metrics.PendingCalls.Set(float64(n))
}

// Subscribe registers handler for method on the given session. An empty
// sessionID addresses browser-level events. Subscribing to events.TopicAll
// receives every event of the session. Handlers of one session run in
// subscription order on that session's dispatch goroutine.
func (c *Conn) Subscribe(sessionID target.SessionID, method string, handler EventHandler) events.Subscription {
	return events.Subscribe(c.subject(sessionID), method, func(ctx context.Context, ev *Event) error {
		return handler(ctx, ev)
	})
}

func (c *Conn) subject(sessionID target.SessionID) *events.Subject {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subjects[sessionID]
	if !ok {
		s = events.NewSubject(
			events.WithSyncDelivery(),
			events.WithLogger(c.logger),
			events.WithName(string(sessionID)),
		)
		// A detached session never receives events again.
		if _, gone := c.dropped[sessionID]; gone {
			events.Complete(s)
			return s
		}
		c.subjects[sessionID] = s
		if c.closed {
			events.Complete(s)
		}
	}
	return s
}

// dropSession stops event delivery for a detached session.
func (c *Conn) dropSession(sessionID target.SessionID) {
	c.mu.Lock()
	s := c.subjects[sessionID]
	delete(c.subjects, sessionID)
	if sessionID != "" {
		c.dropped[sessionID] = struct{}{}
	}
	c.mu.Unlock()
	if s != nil {
		go events.Complete(s)
	}
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.teardown(err)
			return
		}

		msg := new(cdproto.Message)
		if err := jsonv2.Unmarshal(data, msg, UnmarshalOptions); err != nil {
			c.logger.Warn("cdp frame decode failed", "error", err, "size", len(data))
			continue
		}

		if msg.ID != 0 {
			c.resolve(msg)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) resolve(msg *cdproto.Message) {
	c.mu.Lock()
	call, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	n := len(c.pending)
	c.mu.Unlock()
	metrics.PendingCalls.Set(float64(n))

	if !ok {
		c.logger.Debug("response for unknown call", "id", msg.ID)
		return
	}
	call.ch <- msg
}

func (c *Conn) dispatch(msg *cdproto.Message) {
	ev := &Event{
		SessionID: msg.SessionID,
		Method:    msg.Method,
		Raw:       msg.Params,
	}
	if typed, err := cdproto.UnmarshalMessage(msg, UnmarshalOptions); err == nil {
		ev.Params = typed
	} else {
		ev.Params = msg.Params
	}
	metrics.EventsReceived.WithLabelValues(domainOf(string(msg.Method))).Inc()

	c.mu.Lock()
	s := c.subjects[msg.SessionID]
	c.mu.Unlock()
	if s == nil {
		return
	}
	if err := events.Emit(s, string(msg.Method), ev); err != nil {
		c.logger.Debug("event dropped", "method", msg.Method, "error", err)
	}
}

// teardown closes the channel once, rejects every pending call, and stops
// all session subjects.
func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if cause == nil {
			cause = errors.New("connection closed")
		}
		c.err = cause
		pending := len(c.pending)
		c.pending = make(map[int64]*pendingCall)
		subjects := c.subjects
		c.subjects = make(map[target.SessionID]*events.Subject)
		c.mu.Unlock()

		close(c.done)
		metrics.PendingCalls.Set(0)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()

		for _, s := range subjects {
			go events.Complete(s)
		}
		c.logger.Debug("cdp connection closed", "cause", cause, "rejected", pending)
	})
}

func domainOf(method string) string {
	for i := 0; i < len(method); i++ {
		if method[i] == '.' {
			return method[:i]
		}
	}
	return method
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
