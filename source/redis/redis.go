// Package redis provides a Redis Pub/Sub-backed event source.
//
// Event types map to Redis channels (optionally prefixed), one SUBSCRIBE
// per registered (event type, listener) pair. Redis Pub/Sub is fire-and-
// forget: occurrences published while a listener is not subscribed are lost.
//
// Listeners are invoked on a per-registration reader goroutine, one
// occurrence at a time.
package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rbaliyan/observe/source"
	"github.com/rbaliyan/observe/source/codec"
)

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// Source implements source.Source over Redis Pub/Sub.
type Source struct {
	status        int32
	id            string
	client        redis.UniversalClient
	codec         codec.Codec
	channelPrefix string
	logger        *slog.Logger
	onError       func(error)

	mu   sync.Mutex
	subs map[pairKey]*registration
	wg   sync.WaitGroup
}

// pairKey identifies one (event type, listener) registration
type pairKey struct {
	eventType string
	listener  source.Listener
}

// registration holds the PubSub backing one pair
type registration struct {
	pubsub *redis.PubSub
}

// Option configures the Redis source
type Option func(*Source)

// WithCodec sets the codec for envelope serialization
func WithCodec(c codec.Codec) Option {
	return func(s *Source) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithChannelPrefix prefixes every Redis channel with the given string.
func WithChannelPrefix(prefix string) Option {
	return func(s *Source) {
		s.channelPrefix = prefix
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

// New creates a Redis Pub/Sub-backed event source.
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	src, err := redis.New(client)
func New(client redis.UniversalClient, opts ...Option) (*Source, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	s := &Source{
		status:  1,
		id:      source.NewID(),
		client:  client,
		codec:   codec.Default(),
		logger:  source.Logger("source>redis"),
		onError: func(error) {},
		subs:    make(map[pairKey]*registration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Source) isOpen() bool {
	return atomic.LoadInt32(&s.status) == 1
}

func (s *Source) channel(eventType string) string {
	return s.channelPrefix + eventType
}

// AddListener subscribes l to the Redis channel mapped from eventType.
// The registration is live once AddListener returns: go-redis confirms the
// SUBSCRIBE before the PubSub is handed back.
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

	pubsub := s.client.Subscribe(ctx, s.channel(eventType))
	// Confirm the subscription so no occurrence published after
	// AddListener returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}

	reg := &registration{pubsub: pubsub}
	s.subs[key] = reg

	s.wg.Add(1)
	go s.readLoop(eventType, l, pubsub)

	s.logger.Debug("added listener", "event_type", eventType, "channel", s.channel(eventType))
	return nil
}

// readLoop delivers decoded messages to the listener until the PubSub closes.
func (s *Source) readLoop(eventType string, l source.Listener, pubsub *redis.PubSub) {
	defer s.wg.Done()
	for msg := range pubsub.Channel() {
		env, err := s.codec.Decode([]byte(msg.Payload))
		if err != nil {
			s.logger.Warn("dropping message, decode failed", "event_type", eventType, "error", err)
			s.onError(err)
			continue
		}
		if err := l.OnEvent(context.Background(), source.Event{Type: eventType, Data: env.Data}); err != nil {
			s.logger.Warn("listener error", "event_type", eventType, "error", err)
			s.onError(err)
		}
	}
}

// RemoveListener closes the PubSub backing the (eventType, l) pair,
// stopping its reader goroutine.
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
	reg, ok := s.subs[key]
	if !ok {
		return source.ErrListenerNotFound
	}
	delete(s.subs, key)

	if err := reg.pubsub.Close(); err != nil {
		return err
	}
	s.logger.Debug("removed listener", "event_type", eventType)
	return nil
}

// Publish implements source.Publisher: encodes data into an envelope and
// publishes it to the channel mapped from eventType.
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

	if err := s.client.Publish(ctx, s.channel(eventType), payload).Err(); err != nil {
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

	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		result.Status = source.HealthStatusUnhealthy
		result.Message = "ping failed: " + err.Error()
		return result
	}
	result.Latency = time.Since(start)
	result.Status = source.HealthStatusHealthy
	result.Message = "connected"
	return result
}

// Close stops every registration and waits for the reader goroutines.
// The client was passed in pre-initialized and stays open; the caller owns it.
func (s *Source) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.status, 1, 0) {
		return nil
	}

	s.mu.Lock()
	var errs []error
	for key, reg := range s.subs {
		if err := reg.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.subs, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("source closed")
	return errors.Join(errs...)
}

// Compile-time checks
var (
	_ source.Source        = (*Source)(nil)
	_ source.Publisher     = (*Source)(nil)
	_ source.HealthChecker = (*Source)(nil)
)
