package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSubjectClosed is returned by Emit after Complete.
var ErrSubjectClosed = errors.New("events: subject closed")

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	syncDelivery   bool
	handlerTimeout time.Duration
	logger         *slog.Logger
	name           string
}

// WithLogger sets a structured logger for event system errors
func WithLogger(logger *slog.Logger) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.logger = logger
	}
}

// WithSyncDelivery forces synchronous (inline) event delivery.
// All handler calls run on the single eventLoop goroutine in subscription order,
// so a handler observes events in the order they were emitted.
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.syncDelivery = true
	}
}

// WithHandlerTimeout bounds the context handed to each handler call.
func WithHandlerTimeout(d time.Duration) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.handlerTimeout = d
	}
}

// WithName labels the subject in log output.
func WithName(name string) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.name = name
	}
}

// Emit emits an event to the given topic. It never blocks on slow
// subscribers: events are queued and drained by the subject's loop.
func Emit[T any](subject *Subject, topic string, value T) error {
	return subject.enqueue(event{topic: topic, message: value})
}

// Subscribe subscribes a typed handler to the given topic. Handlers on the
// same topic are invoked in subscription order. Subscribing to TopicAll
// receives every event after the topic-specific handlers.
// A Subscription is returned that can be used to unsubscribe from the topic.
func Subscribe[T any](subject *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrappedHandler := HandlerFunc(func(ctx context.Context, data any) error {
		if typed, ok := data.(T); ok {
			return handler(ctx, typed)
		}
		return fmt.Errorf("type assertion failed for %T, expected %T", data, *new(T))
	})

	subID := atomic.AddInt64(&subject.nextSubID, 1)

	sub := Subscription{
		Topic:     topic,
		CreatedAt: time.Now().UnixNano(),
		Handler:   wrappedHandler,
		ID:        fmt.Sprintf("%s-%d", topic, subID),
	}

	subject.addSubscription(sub)

	sub.Unsubscribe = func() {
		subject.removeSubscription(sub.Topic, sub.ID)
	}

	return sub
}

// Complete shuts down the event system, stopping the loop goroutine.
// Queued but undelivered events are dropped.
// This function is idempotent and safe to call multiple times.
func Complete(s *Subject) {
	if s == nil {
		return
	}

	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.shutdown)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			if s.config.logger != nil {
				s.config.logger.Warn("event loop did not stop in time", "subject", s.config.name)
			}
		}
	}
}

type event struct {
	topic   string
	message any
}

// Subscription represents a handler subscribed to a specific topic.
type Subscription struct {
	Topic       string
	CreatedAt   int64
	Handler     HandlerFunc
	ID          string
	Unsubscribe func()
}

// subscriberMap keeps per-topic subscriptions as ordered slices.
type subscriberMap map[string][]Subscription

type Subject struct {
	subscribers atomic.Pointer[subscriberMap]
	nextSubID   int64
	eventCount  int64

	mu      sync.Mutex
	queue   []event
	pending chan struct{}

	shutdown chan struct{}

	config subjectConfig

	closed int32
	wg     sync.WaitGroup
}

// NewSubject creates a new Subject with optional configuration.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{
		handlerTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		pending:  make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		config:   cfg,
	}

	emptySubscribers := make(subscriberMap)
	s.subscribers.Store(&emptySubscribers)

	s.wg.Add(1)
	go s.eventLoop()
	return s
}

// Count returns the number of events delivered so far.
func (s *Subject) Count() int64 {
	return atomic.LoadInt64(&s.eventCount)
}

func (s *Subject) enqueue(evt event) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrSubjectClosed
	}
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.pending <- struct{}{}:
	default:
	}
	return nil
}

func (s *Subject) drain() []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

// eventLoop processes events and distributes them to subscribers
func (s *Subject) eventLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdown:
			return
		case <-s.pending:
			for _, evt := range s.drain() {
				select {
				case <-s.shutdown:
					return
				default:
				}
				atomic.AddInt64(&s.eventCount, 1)

				subs := *s.subscribers.Load()
				for _, sub := range subs[evt.topic] {
					s.sendToSubscriber(sub, evt)
				}
				if evt.topic != TopicAll {
					for _, sub := range subs[TopicAll] {
						s.sendToSubscriber(sub, evt)
					}
				}
			}
		}
	}
}

// addSubscription adds a subscription using copy-on-write
func (s *Subject) addSubscription(sub Subscription) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := copySubscribers(*oldSubs)
		newSubs[sub.Topic] = append(newSubs[sub.Topic], sub)

		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			break
		}
	}
}

// removeSubscription removes a subscription using copy-on-write
func (s *Subject) removeSubscription(topic, subID string) {
	for {
		oldSubs := s.subscribers.Load()
		topicSubs := (*oldSubs)[topic]

		idx := -1
		for i, sub := range topicSubs {
			if sub.ID == subID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}

		newSubs := copySubscribers(*oldSubs)
		remaining := append(newSubs[topic][:idx:idx], newSubs[topic][idx+1:]...)
		if len(remaining) == 0 {
			delete(newSubs, topic)
		} else {
			newSubs[topic] = remaining
		}

		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

func copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, topicSubs := range original {
		cp[topic] = append([]Subscription(nil), topicSubs...)
	}
	return cp
}

// sendToSubscriber delivers an event to a subscriber, inline when the subject
// was created WithSyncDelivery and on a fresh goroutine otherwise.
func (s *Subject) sendToSubscriber(sub Subscription, evt event) {
	deliverEvent := func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.handlerTimeout)
		defer cancel()

		if err := sub.Handler(ctx, evt.message); err != nil {
			if s.config.logger != nil {
				s.config.logger.Debug("event handler error",
					"subject", s.config.name,
					"topic", evt.topic,
					"error", err,
					"subscription_id", sub.ID)
			}
		}
	}

	if s.config.syncDelivery {
		deliverEvent()
	} else {
		go deliverEvent()
	}
}
