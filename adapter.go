package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/observe/source"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	spanKeySubscriptionID = "subscription.id"
	spanKeyEventType      = "event.type"
	spanKeyChannel        = "observe.channel"
	spanKeyAdapter        = "observe.adapter"
)

// DefaultAdapterName is used when no name is configured.
// The name scopes tracer, meter and log attribution.
var DefaultAdapterName = "observe"

// adapterOptions holds configuration for an adapter (unexported)
type adapterOptions struct {
	name           string
	logger         *slog.Logger
	tracingEnabled bool
	metricsEnabled bool
}

// AdapterOption option function for adapter configuration
type AdapterOption func(*adapterOptions)

// WithName sets the adapter name used for tracing, metrics and logging
func WithName(name string) AdapterOption {
	return func(o *adapterOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets a custom logger for the adapter
func WithLogger(l *slog.Logger) AdapterOption {
	return func(o *adapterOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing enables/disables OpenTelemetry tracing for subscriptions
func WithTracing(enabled bool) AdapterOption {
	return func(o *adapterOptions) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables/disables OpenTelemetry metrics
func WithMetrics(enabled bool) AdapterOption {
	return func(o *adapterOptions) {
		o.metricsEnabled = enabled
	}
}

// newAdapterOptions creates options with defaults and applies provided options
func newAdapterOptions(opts ...AdapterOption) *adapterOptions {
	o := &adapterOptions{
		name:           DefaultAdapterName,
		logger:         slog.Default(),
		tracingEnabled: true,
		metricsEnabled: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Adapter turns a push-based event source into cold Observable streams.
//
// The adapter never owns the source: the source's listener table is shared
// with other consumers, and the adapter only ever registers and removes the
// exact (event type, listener) pairs belonging to its own subscriptions.
type Adapter struct {
	name           string
	src            source.Source
	logger         *slog.Logger
	tracingEnabled bool
	metricsEnabled bool

	subscriptions metric.Int64Counter
	notifications metric.Int64Counter
}

// NewAdapter creates an adapter over the given event source.
// Returns ErrSourceRequired if src is nil.
func NewAdapter(src source.Source, opts ...AdapterOption) (*Adapter, error) {
	if src == nil {
		return nil, ErrSourceRequired
	}
	o := newAdapterOptions(opts...)

	a := &Adapter{
		name:           o.name,
		src:            src,
		logger:         o.logger.With("component", "observe>"+o.name),
		tracingEnabled: o.tracingEnabled,
		metricsEnabled: o.metricsEnabled,
	}

	if a.metricsEnabled {
		meter := otel.Meter(a.name)
		a.subscriptions, _ = meter.Int64Counter("observe.subscriptions",
			metric.WithDescription("Total number of stream subscriptions"))
		a.notifications, _ = meter.Int64Counter("observe.notifications",
			metric.WithDescription("Total number of notifications routed to observers"),
			metric.WithUnit("{notification}"))
	}

	return a, nil
}

// Name returns the adapter name
func (a *Adapter) Name() string {
	return a.name
}

// Source returns the underlying event source
func (a *Adapter) Source() source.Source {
	return a.src
}

// On returns a cold Observable of occurrences of eventType, optionally
// widened by selector options. A non-empty eventType overrides (not merges
// with) WithNextTypes.
//
//	obs := adapter.On("load", observe.WithErrorTypes("error"), observe.WithOnce(true))
//	sub := obs.SubscribeFunc(onLoad, onErr, onDone)
//	defer sub.Unsubscribe()
//
// No listener is registered until the Observable is subscribed; each
// subscription repeats the full registration sequence independently.
func (a *Adapter) On(eventType string, opts ...OnOption) *Observable[source.Event] {
	var sel Selector
	for _, opt := range opts {
		if opt != nil {
			opt(&sel)
		}
	}
	if eventType != "" {
		sel.nextTypes = []string{eventType}
	}
	return a.Observe(sel)
}

// Observe returns a cold Observable for an explicit Selector.
// The selector is normalized defensively; it is never rejected.
func (a *Adapter) Observe(sel Selector) *Observable[source.Event] {
	sel = sel.normalized()
	return New(func(obs Observer[source.Event]) Teardown {
		return a.subscribe(sel, obs)
	})
}

// registeredPair is one live (event type, listener) registration of a
// subscription with the event source.
type registeredPair struct {
	eventType string
	listener  source.Listener
}

// subscribe registers one listener per selector binding and returns the
// teardown that removes exactly those registrations.
func (a *Adapter) subscribe(sel Selector, obs Observer[source.Event]) Teardown {
	subID := NewID()
	ctx := context.Background()

	var span trace.Span
	if a.tracingEnabled {
		tracer := otel.Tracer(a.name)
		ctx, span = tracer.Start(ctx, fmt.Sprintf("%s.subscribe", a.name),
			trace.WithAttributes(
				attribute.String(spanKeySubscriptionID, subID),
				attribute.String(spanKeyAdapter, a.name)),
			trace.WithSpanKind(trace.SpanKindConsumer))
	}
	if a.metricsEnabled && a.subscriptions != nil {
		a.subscriptions.Add(ctx, 1, metric.WithAttributes(attribute.String(spanKeyAdapter, a.name)))
	}

	bindings := sel.bindings()
	regs := make([]registeredPair, 0, len(bindings))
	var regErr error
	for _, b := range bindings {
		l := &adapterListener{
			adapter:        a,
			obs:            obs,
			subscriptionID: subID,
			eventType:      b.eventType,
			channel:        b.channel,
			handler:        sel.handler,
			once:           sel.once,
		}
		if err := a.src.AddListener(ctx, b.eventType, l); err != nil {
			regErr = fmt.Errorf("%w: %q: %w", ErrSubscribeFailed, b.eventType, err)
			break
		}
		regs = append(regs, registeredPair{eventType: b.eventType, listener: l})
	}

	a.logger.Debug("subscribed", "subscription", subID, "listeners", len(regs))

	teardown := func() {
		ctx := context.Background()
		for _, reg := range regs {
			if err := a.src.RemoveListener(ctx, reg.eventType, reg.listener); err != nil {
				// A source that already forgot the pair is fine; teardown
				// must not fail when there is nothing left to remove.
				if errors.Is(err, source.ErrListenerNotFound) || errors.Is(err, source.ErrSourceClosed) {
					continue
				}
				a.logger.Warn("failed to remove listener",
					"subscription", subID,
					"event_type", reg.eventType,
					"error", err)
			}
		}
		if span != nil {
			span.End()
		}
		a.logger.Debug("unsubscribed", "subscription", subID, "listeners", len(regs))
	}

	if regErr != nil {
		// Disposes the subscription; the Subscription machinery then runs
		// the teardown above, removing the partial registrations.
		obs.Error(regErr)
	}

	return teardown
}

// adapterListener is one listener registration, bound to a single
// (event type, channel) pair of a single subscription.
type adapterListener struct {
	adapter        *Adapter
	obs            Observer[source.Event]
	subscriptionID string
	eventType      string
	channel        Channel
	handler        Handler
	once           bool
}

// OnEvent routes one occurrence to the bound notification channel.
// The subscription state gate is behind the observer: once the subscription
// is disposed, notifications are dropped there even if the source still
// dispatches to a listener it was asked to remove.
func (l *adapterListener) OnEvent(ctx context.Context, ev source.Event) error {
	ctx = contextWithDispatch(ctx, l.subscriptionID, l.eventType, l.channel)
	if l.adapter.metricsEnabled && l.adapter.notifications != nil {
		l.adapter.notifications.Add(ctx, 1, metric.WithAttributes(
			attribute.String(spanKeyEventType, l.eventType),
			attribute.String(spanKeyChannel, l.channel.String())))
	}

	switch l.channel {
	case ChannelError:
		l.obs.Error(&EventError{EventType: ev.Type, Data: ev.Data})
		return nil
	case ChannelComplete:
		l.obs.Complete()
		return nil
	default:
		return l.next(ctx, ev)
	}
}

// next runs the handler, forwards the value, and completes when once is set.
// The deferred block makes forward-and-maybe-complete unconditional: it runs
// whether the handler returns an error, panics, or succeeds, and only then
// does the failure continue to the dispatch caller.
func (l *adapterListener) next(ctx context.Context, ev source.Event) (err error) {
	defer func() {
		l.obs.Next(ev)
		if l.once {
			l.obs.Complete()
		}
	}()
	if l.handler != nil {
		err = l.handler(ctx, ev)
	}
	return err
}
