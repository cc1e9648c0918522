// Package nats provides a NATS-backed event source.
//
// Event types map to NATS subjects (optionally prefixed), one NATS
// subscription per registered (event type, listener) pair. Delivery uses
// NATS Core pub/sub semantics: at-most-once, no persistence; occurrences
// published while a listener is not subscribed are lost.
//
// Listeners are invoked synchronously on the NATS client's delivery
// goroutine, one occurrence at a time per subscription.
package nats

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/observe/source"
	"github.com/rbaliyan/observe/source/codec"
)

// ErrConnRequired is returned when no NATS connection is provided
var ErrConnRequired = errors.New("nats connection is required")

// Source implements source.Source over a NATS connection.
type Source struct {
	status        int32
	id            string
	conn          *nats.Conn
	codec         codec.Codec
	subjectPrefix string
	logger        *slog.Logger
	onError       func(error)

	mu   sync.Mutex
	subs map[pairKey]*nats.Subscription
}

// pairKey identifies one (event type, listener) registration
type pairKey struct {
	eventType string
	listener  source.Listener
}

// Option configures the NATS source
type Option func(*Source)

// WithCodec sets the codec for envelope serialization
func WithCodec(c codec.Codec) Option {
	return func(s *Source) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithSubjectPrefix prefixes every subject with the given string.
// Use this to namespace event types on a shared NATS cluster.
func WithSubjectPrefix(prefix string) Option {
	return func(s *Source) {
		s.subjectPrefix = prefix
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback.
// Called with decode failures and listener errors.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Source) {
		if fn != nil {
			s.onError = fn
		}
	}
}

// New creates a NATS-backed event source.
//
//	nc, err := nats.Connect(nats.DefaultURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	src, err := nats.New(nc)
func New(conn *nats.Conn, opts ...Option) (*Source, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	s := &Source{
		status:  1,
		id:      source.NewID(),
		conn:    conn,
		codec:   codec.Default(),
		logger:  source.Logger("source>nats"),
		onError: func(error) {},
		subs:    make(map[pairKey]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Source) isOpen() bool {
	return atomic.LoadInt32(&s.status) == 1
}

func (s *Source) subject(eventType string) string {
	return s.subjectPrefix + eventType
}

// AddListener subscribes l to the subject mapped from eventType.
func (s *Source) AddListener(ctx context.Context, eventType string, l source.Listener) error {
	if !s.isOpen() {
		return source.ErrSourceClosed
	}
	if eventType == "" {
		return source.ErrTypeRequired
	}
	if l == nil {
		return source.ErrListenerRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{eventType: eventType, listener: l}
	if _, ok := s.subs[key]; ok {
		return source.ErrListenerExists
	}

	sub, err := s.conn.Subscribe(s.subject(eventType), func(m *nats.Msg) {
		s.dispatch(eventType, l, m.Data)
	})
	if err != nil {
		return err
	}

	s.subs[key] = sub
	s.logger.Debug("added listener", "event_type", eventType, "subject", s.subject(eventType))
	return nil
}

// RemoveListener drops the NATS subscription backing the (eventType, l) pair.
func (s *Source) RemoveListener(ctx context.Context, eventType string, l source.Listener) error {
	if eventType == "" {
		return source.ErrTypeRequired
	}
	if l == nil {
		return source.ErrListenerRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{eventType: eventType, listener: l}
	sub, ok := s.subs[key]
	if !ok {
		return source.ErrListenerNotFound
	}
	delete(s.subs, key)

	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	s.logger.Debug("removed listener", "event_type", eventType)
	return nil
}

// dispatch decodes one wire message and invokes the listener.
func (s *Source) dispatch(eventType string, l source.Listener, data []byte) {
	env, err := s.codec.Decode(data)
	if err != nil {
		s.logger.Warn("dropping message, decode failed", "event_type", eventType, "error", err)
		s.onError(err)
		return
	}
	if err := l.OnEvent(context.Background(), source.Event{Type: eventType, Data: env.Data}); err != nil {
		s.logger.Warn("listener error", "event_type", eventType, "error", err)
		s.onError(err)
	}
}

// Publish implements source.Publisher: encodes data into an envelope and
// publishes it to the subject mapped from eventType (fire-and-forget).
func (s *Source) Publish(ctx context.Context, eventType string, data any) error {
	if !s.isOpen() {
		return source.ErrSourceClosed
	}
	if eventType == "" {
		return source.ErrTypeRequired
	}

	payload, err := s.codec.Encode(codec.Envelope{
		ID:     source.NewID(),
		Source: s.id,
		Type:   eventType,
		Data:   data,
	})
	if err != nil {
		return err
	}

	if err := s.conn.Publish(s.subject(eventType), payload); err != nil {
		s.onError(err)
		return err
	}
	return nil
}

// ListenerCount returns the number of live registrations for eventType.
func (s *Source) ListenerCount(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.subs {
		if key.eventType == eventType {
			n++
		}
	}
	return n
}

// Health implements source.HealthChecker
func (s *Source) Health(ctx context.Context) *source.HealthCheckResult {
	result := &source.HealthCheckResult{
		CheckedAt: time.Now(),
		Details:   make(map[string]any),
	}
	if !s.isOpen() {
		result.Status = source.HealthStatusUnhealthy
		result.Message = "source is closed"
		return result
	}

	status := s.conn.Status()
	result.Details["connection_status"] = status.String()
	switch status {
	case nats.CONNECTED:
		result.Status = source.HealthStatusHealthy
		result.Message = "connected"
	case nats.RECONNECTING:
		result.Status = source.HealthStatusDegraded
		result.Message = "reconnecting"
	default:
		result.Status = source.HealthStatusUnhealthy
		result.Message = "not connected"
	}
	return result
}

// Close unsubscribes everything. The connection was passed in
// pre-established and stays open; the caller owns it.
func (s *Source) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.status, 1, 0) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for key, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
		delete(s.subs, key)
	}
	s.logger.Debug("source closed")
	return errors.Join(errs...)
}

// Compile-time checks
var (
	_ source.Source        = (*Source)(nil)
	_ source.Publisher     = (*Source)(nil)
	_ source.HealthChecker = (*Source)(nil)
)
