// Package kafka provides a Kafka-backed event source.
//
// Event types map to Kafka topics (optionally prefixed). Each registered
// (event type, listener) pair runs its own consumer group with a unique
// group ID, so every listener sees every occurrence (broadcast semantics).
// Listeners are invoked on the consumer group's claim goroutine, one
// occurrence at a time per partition; offsets are marked after the listener
// returns.
//
// The sarama client is passed in pre-initialized and stays open; the caller
// owns it.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/observe/source"
	"github.com/rbaliyan/observe/source/codec"
)

// Errors
var (
	ErrClientRequired = errors.New("kafka client is required")
	ErrProducerFailed = errors.New("failed to create kafka producer")
)

// DefaultGroupPrefix is the consumer group ID prefix
var DefaultGroupPrefix = "observe"

// Source implements source.Source over Kafka.
type Source struct {
	status      int32
	id          string
	client      sarama.Client
	producer    sarama.SyncProducer
	codec       codec.Codec
	topicPrefix string
	groupPrefix string
	logger      *slog.Logger
	onError     func(error)

	mu   sync.Mutex
	subs map[pairKey]*consumer
}

// pairKey identifies one (event type, listener) registration
type pairKey struct {
	eventType string
	listener  source.Listener
}

// consumer is the consumer group backing one pair
type consumer struct {
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the Kafka source
type Option func(*Source)

// WithCodec sets the codec for envelope serialization
func WithCodec(c codec.Codec) Option {
	return func(s *Source) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithTopicPrefix prefixes every topic with the given string.
func WithTopicPrefix(prefix string) Option {
	return func(s *Source) {
		s.topicPrefix = prefix
	}
}

// WithGroupPrefix sets the consumer group ID prefix.
func WithGroupPrefix(prefix string) Option {
	return func(s *Source) {
		if prefix != "" {
			s.groupPrefix = prefix
		}
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
// Called with decode failures, listener errors and consume loop errors.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Source) {
		if fn != nil {
			s.onError = fn
		}
	}
}

// New creates a Kafka-backed event source.
//
//	config := sarama.NewConfig()
//	config.Producer.Return.Successes = true
//	client, err := sarama.NewClient([]string{"localhost:9092"}, config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	src, err := kafka.New(client)
func New(client sarama.Client, opts ...Option) (*Source, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProducerFailed, err)
	}

	s := &Source{
		status:      1,
		id:          source.NewID(),
		client:      client,
		producer:    producer,
		codec:       codec.Default(),
		topicPrefix: "",
		groupPrefix: DefaultGroupPrefix,
		logger:      source.Logger("source>kafka"),
		onError:     func(error) {},
		subs:        make(map[pairKey]*consumer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Source) isOpen() bool {
	return atomic.LoadInt32(&s.status) == 1
}

func (s *Source) topic(eventType string) string {
	return s.topicPrefix + eventType
}

// AddListener starts a consumer group delivering eventType occurrences to l.
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

	// Unique group per registration: every listener receives every message.
	groupID := s.groupPrefix + "-" + eventType + "-" + source.NewID()
	group, err := sarama.NewConsumerGroupFromClient(groupID, s.client)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &consumer{group: group, cancel: cancel, done: make(chan struct{})}
	s.subs[key] = c

	go s.consumeLoop(loopCtx, c, eventType, l)

	s.logger.Debug("added listener", "event_type", eventType, "group", groupID)
	return nil
}

// consumeLoop keeps the consumer group session alive until cancelled.
// Consume returns on every rebalance and must be called again.
func (s *Source) consumeLoop(ctx context.Context, c *consumer, eventType string, l source.Listener) {
	defer close(c.done)
	h := &groupHandler{src: s, eventType: eventType, listener: l}
	topics := []string{s.topic(eventType)}
	for {
		if err := c.group.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("consume error, retrying", "event_type", eventType, "error", err)
			s.onError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// groupHandler implements sarama.ConsumerGroupHandler for one registration
type groupHandler struct {
	src       *Source
	eventType string
	listener  source.Listener
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) handle(msg *sarama.ConsumerMessage) {
	env, err := h.src.codec.Decode(msg.Value)
	if err != nil {
		h.src.logger.Warn("dropping message, decode failed",
			"event_type", h.eventType,
			"offset", msg.Offset,
			"error", err)
		h.src.onError(err)
		return
	}
	if err := h.listener.OnEvent(context.Background(), source.Event{Type: h.eventType, Data: env.Data}); err != nil {
		h.src.logger.Warn("listener error", "event_type", h.eventType, "error", err)
		h.src.onError(err)
	}
}

// RemoveListener stops the consumer group backing the (eventType, l) pair
// and waits for its loop to exit.
func (s *Source) RemoveListener(ctx context.Context, eventType string, l source.Listener) error {
	if eventType == "" {
		return source.ErrTypeRequired
	}
	if l == nil {
		return source.ErrListenerRequired
	}

	s.mu.Lock()
	key := pairKey{eventType: eventType, listener: l}
	c, ok := s.subs[key]
	if ok {
		delete(s.subs, key)
	}
	s.mu.Unlock()
	if !ok {
		return source.ErrListenerNotFound
	}

	c.cancel()
	err := c.group.Close()
	<-c.done
	s.logger.Debug("removed listener", "event_type", eventType)
	return err
}

// Publish implements source.Publisher: encodes data into an envelope and
// produces it to the topic mapped from eventType.
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

	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic(eventType),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
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

	brokers := s.client.Brokers()
	result.Details["brokers"] = len(brokers)
	connected := 0
	for _, b := range brokers {
		if ok, _ := b.Connected(); ok {
			connected++
		}
	}
	result.Details["connected_brokers"] = connected

	switch {
	case len(brokers) == 0:
		result.Status = source.HealthStatusUnhealthy
		result.Message = "no brokers"
	case connected == 0:
		result.Status = source.HealthStatusDegraded
		result.Message = "no active broker connections"
	default:
		result.Status = source.HealthStatusHealthy
		result.Message = "connected"
	}
	return result
}

// Close stops every consumer group and the producer.
func (s *Source) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.status, 1, 0) {
		return nil
	}

	s.mu.Lock()
	consumers := make([]*consumer, 0, len(s.subs))
	for key, c := range s.subs {
		consumers = append(consumers, c)
		delete(s.subs, key)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		c.cancel()
		if err := c.group.Close(); err != nil {
			errs = append(errs, err)
		}
		<-c.done
	}
	if err := s.producer.Close(); err != nil {
		errs = append(errs, err)
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
