// Package observe adapts push-based event sources into cold Observable
// streams.
//
// Architecture:
//   - Adapter sits between an event source and an Observer: it registers
//     listeners per the selector's configuration when a stream is subscribed
//     and removes exactly those listeners when the subscription ends
//   - Selector maps event types to the three notification channels
//     (next, error, complete), plus an optional pre-processing handler and a
//     once flag
//   - Observables are cold: constructing one does nothing, each Subscribe
//     independently runs the full registration sequence
//   - Multiple sources: emitter (in-memory), NATS, Redis Pub/Sub, Kafka
//
// Basic example:
//
//	src := emitter.New()
//	adapter, err := observe.NewAdapter(src)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Stream of "load" occurrences that completes after the first one
//	// and fails on "error" occurrences.
//	stream := adapter.On("load",
//	    observe.WithErrorTypes("error"),
//	    observe.WithOnce(true))
//
//	sub := stream.SubscribeFunc(
//	    func(ev source.Event) { fmt.Println("loaded:", ev.Data) },
//	    func(err error) { fmt.Println("failed:", err) },
//	    func() { fmt.Println("done") },
//	)
//	defer sub.Unsubscribe()
//
//	src.Emit(ctx, "load", payload)
//
// Fan-in example:
//
//	progress := adapter.Observe(observe.NewSelector(
//	    observe.WithNextTypes("loadstart", "progress", "load"),
//	    observe.WithErrorTypes("abort"),
//	    observe.WithCompleteTypes("load"),
//	))
//
// Adapter Options:
//   - WithName: scope tracing, metrics and logging. Default is "observe".
//   - WithLogger: set a custom *slog.Logger.
//   - WithTracing: enable/disable OpenTelemetry tracing. Default is true.
//   - WithMetrics: enable/disable OpenTelemetry metrics. Default is true.
//
// Selector Options:
//   - WithNextTypes / WithErrorTypes / WithCompleteTypes: bind event types
//     to channels. An event type may appear in more than one set; each
//     binding is an independent listener registration.
//   - WithHandler: synchronous pre-processing callback, runs before each
//     Next. Its failure never suppresses the forward (or the once
//     completion); it propagates to the source's dispatch caller afterward.
//   - WithOnce: complete the stream right after the first Next.
//
// Lifecycle:
// A subscription is Active until its Observer's Error or Complete fires, or
// until Unsubscribe is called; any of those removes the subscription's
// listeners from the source exactly once. Disposal is terminal: late
// dispatches and repeated teardowns are silently ignored. The event source
// itself is never owned by the adapter: it is shared, may carry unrelated
// listeners, and only the adapter's own registrations are ever touched.
package observe
