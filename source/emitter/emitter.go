// Package emitter provides an in-memory, dispatch-synchronous event source.
//
// Listeners registered for an event type are invoked one after another, on
// the goroutine that calls Emit, in registration order. There is no queueing
// and no delivery guarantee beyond the synchronous call itself: an occurrence
// emitted while no listener is registered is dropped.
//
// The emitter is ideal for:
//   - Local event-driven code within a single process
//   - Testing and development
//   - Driving the observe adapter without a broker
//
// For cross-process event sources, use the nats, redis, or kafka packages.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/observe/source"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Emitter implements source.Source with an in-memory listener table.
// The zero value is not usable; create one with New.
type Emitter struct {
	status   int32
	id       string
	mu       sync.RWMutex
	entries  map[string][]*entry
	logger   *slog.Logger
	onError  func(error)
	recovery bool
	limiter  *rate.Limiter

	// Metrics
	dispatched metric.Int64Counter
	dropped    metric.Int64Counter
}

// entry is one live listener registration. The closed flag is flipped by
// RemoveListener so that an in-flight dispatch snapshot skips the listener
// instead of invoking it after removal.
type entry struct {
	listener source.Listener
	closed   int32
}

// options holds configuration for the emitter (unexported)
type options struct {
	logger   *slog.Logger
	onError  func(error)
	recovery bool
	limiter  *rate.Limiter
}

// Option configures the emitter
type Option func(*options)

// WithLogger sets the logger for the emitter
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithErrorHandler sets a callback invoked with every listener error
// (and, with recovery enabled, every recovered listener panic).
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithRecovery enables/disables panic recovery around listeners.
// Enabled by default; disable it only when a test needs panics to surface
// at the Emit caller.
func WithRecovery(enabled bool) Option {
	return func(o *options) {
		o.recovery = enabled
	}
}

// WithRateLimit throttles Emit with a local token bucket
// (golang.org/x/time/rate). Nil disables throttling.
func WithRateLimit(l *rate.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

// New creates an in-memory event source.
func New(opts ...Option) *Emitter {
	o := &options{
		logger:   source.Logger("source>emitter"),
		onError:  func(error) {},
		recovery: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	meter := otel.Meter("observe.source.emitter")
	dispatched, _ := meter.Int64Counter("observe.source.emitter.dispatched",
		metric.WithDescription("Number of listener invocations dispatched"),
		metric.WithUnit("{dispatch}"))
	dropped, _ := meter.Int64Counter("observe.source.emitter.dropped",
		metric.WithDescription("Number of occurrences emitted with no listener registered"),
		metric.WithUnit("{event}"))

	return &Emitter{
		status:     1,
		id:         source.NewID(),
		entries:    make(map[string][]*entry),
		logger:     o.logger,
		onError:    o.onError,
		recovery:   o.recovery,
		limiter:    o.limiter,
		dispatched: dispatched,
		dropped:    dropped,
	}
}

func (e *Emitter) isOpen() bool {
	return atomic.LoadInt32(&e.status) == 1
}

// ID returns the emitter ID
func (e *Emitter) ID() string {
	return e.id
}

// AddListener registers l for eventType. Registrations made while a dispatch
// for the same type is in flight take effect for subsequent occurrences only.
func (e *Emitter) AddListener(ctx context.Context, eventType string, l source.Listener) error {
	if !e.isOpen() {
		return source.ErrSourceClosed
	}
	if eventType == "" {
		return source.ErrTypeRequired
	}
	if l == nil {
		return source.ErrListenerRequired
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, en := range e.entries[eventType] {
		if en.listener == l && atomic.LoadInt32(&en.closed) == 0 {
			return fmt.Errorf("%w: %q", source.ErrListenerExists, eventType)
		}
	}
	e.entries[eventType] = append(e.entries[eventType], &entry{listener: l})
	e.logger.Debug("added listener", "event_type", eventType)
	return nil
}

// RemoveListener unregisters the exact (eventType, l) pair. Once it returns,
// no new invocation of l is initiated, even from a dispatch already in
// flight; an invocation that has already started is not aborted.
func (e *Emitter) RemoveListener(ctx context.Context, eventType string, l source.Listener) error {
	if eventType == "" {
		return source.ErrTypeRequired
	}
	if l == nil {
		return source.ErrListenerRequired
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.entries[eventType]
	for i, en := range list {
		if en.listener != l {
			continue
		}
		atomic.StoreInt32(&en.closed, 1)
		e.entries[eventType] = append(list[:i:i], list[i+1:]...)
		if len(e.entries[eventType]) == 0 {
			delete(e.entries, eventType)
		}
		e.logger.Debug("removed listener", "event_type", eventType)
		return nil
	}
	return fmt.Errorf("%w: %q", source.ErrListenerNotFound, eventType)
}

// Emit dispatches one occurrence of eventType to every listener registered
// for it, synchronously and in registration order.
//
// Listener errors (and recovered panics) are reported to the error handler,
// logged, and joined into the returned error; they never stop delivery to
// later listeners. With recovery disabled a listener panic propagates to the
// Emit caller after that listener's own cleanup has run.
func (e *Emitter) Emit(ctx context.Context, eventType string, data any) error {
	if !e.isOpen() {
		return source.ErrSourceClosed
	}
	if eventType == "" {
		return source.ErrTypeRequired
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	// Snapshot under read lock: listeners added or removed by a re-entrant
	// dispatch affect the live table, never the occurrence being delivered.
	e.mu.RLock()
	list := e.entries[eventType]
	snapshot := make([]*entry, len(list))
	copy(snapshot, list)
	e.mu.RUnlock()

	if len(snapshot) == 0 {
		e.logger.Debug("dropping event, no listeners", "event_type", eventType)
		e.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
		return nil
	}

	ev := source.Event{Type: eventType, Data: data}
	var errs []error
	for _, en := range snapshot {
		if atomic.LoadInt32(&en.closed) == 1 {
			continue
		}
		e.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
		if err := e.invoke(ctx, en.listener, ev); err != nil {
			e.logger.Warn("listener error", "event_type", eventType, "error", err)
			e.onError(err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publish implements source.Publisher
func (e *Emitter) Publish(ctx context.Context, eventType string, data any) error {
	return e.Emit(ctx, eventType, data)
}

func (e *Emitter) invoke(ctx context.Context, l source.Listener, ev source.Event) (err error) {
	if e.recovery {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("listener panic: %v", r)
				e.logger.Error("listener panic recovered",
					"event_type", ev.Type,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
	}
	return l.OnEvent(ctx, ev)
}

// ListenerCount returns the number of live listeners for eventType.
func (e *Emitter) ListenerCount(eventType string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries[eventType])
}

// Types returns the event types that currently have at least one listener.
func (e *Emitter) Types() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	types := make([]string, 0, len(e.entries))
	for t := range e.entries {
		types = append(types, t)
	}
	return types
}

// Health implements source.HealthChecker
func (e *Emitter) Health(ctx context.Context) *source.HealthCheckResult {
	result := &source.HealthCheckResult{
		CheckedAt: time.Now(),
		Details:   make(map[string]any),
	}
	if !e.isOpen() {
		result.Status = source.HealthStatusUnhealthy
		result.Message = "emitter is closed"
		return result
	}
	e.mu.RLock()
	result.Details["event_types"] = len(e.entries)
	e.mu.RUnlock()
	result.Status = source.HealthStatusHealthy
	result.Message = "emitter is healthy"
	return result
}

// Close removes every listener and rejects further calls with
// ErrSourceClosed. Closing twice is a no-op.
func (e *Emitter) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.status, 1, 0) {
		return nil
	}
	e.mu.Lock()
	for _, list := range e.entries {
		for _, en := range list {
			atomic.StoreInt32(&en.closed, 1)
		}
	}
	e.entries = make(map[string][]*entry)
	e.mu.Unlock()
	e.logger.Debug("emitter closed")
	return nil
}

// Compile-time checks
var (
	_ source.Source        = (*Emitter)(nil)
	_ source.Publisher     = (*Emitter)(nil)
	_ source.HealthChecker = (*Emitter)(nil)
)
