package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"syreclabs.com/go/faker"

	"github.com/rbaliyan/observe/source"
	"github.com/rbaliyan/observe/source/emitter"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

func TestNewAdapterNilSource(t *testing.T) {
	if _, err := NewAdapter(nil); !errors.Is(err, ErrSourceRequired) {
		t.Errorf("expected ErrSourceRequired, got %v", err)
	}
}

func TestSubscribeRegistersSelectedTypes(t *testing.T) {
	src := emitter.New()
	a := TestAdapter(src)

	sel := NewSelector(
		WithNextTypes("loadstart", "progress", "load"),
		WithErrorTypes("abort"),
		WithCompleteTypes("load"),
	)
	sub := a.Observe(sel).Subscribe(NewRecordingObserver[source.Event]())

	wantCounts := map[string]int{"loadstart": 1, "progress": 1, "load": 2, "abort": 1}
	for eventType, want := range wantCounts {
		if got := src.ListenerCount(eventType); got != want {
			t.Errorf("listener count for %q = %d, want %d", eventType, got, want)
		}
	}

	sub.Unsubscribe()
	for eventType := range wantCounts {
		if got := src.ListenerCount(eventType); got != 0 {
			t.Errorf("listener count for %q after unsubscribe = %d, want 0", eventType, got)
		}
	}
}

func TestSubscriptionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	src := emitter.New()
	a := TestAdapter(src)
	obs := a.On("tick")

	rec1 := NewRecordingObserver[source.Event]()
	rec2 := NewRecordingObserver[source.Event]()
	sub1 := obs.Subscribe(rec1)
	sub2 := obs.Subscribe(rec2)

	if got := src.ListenerCount("tick"); got != 2 {
		t.Fatalf("listener count = %d, want 2", got)
	}

	src.Emit(ctx, "tick", 1)
	sub1.Unsubscribe()
	src.Emit(ctx, "tick", 2)

	if got := src.ListenerCount("tick"); got != 1 {
		t.Errorf("listener count after one unsubscribe = %d, want 1", got)
	}
	if got := rec1.Count(); got != 1 {
		t.Errorf("first observer recorded %d notifications, want 1", got)
	}
	if got := len(rec2.NextValues()); got != 2 {
		t.Errorf("second observer recorded %d values, want 2", got)
	}
	sub2.Unsubscribe()
}

func TestOnceCompletesAfterFirstValue(t *testing.T) {
	ctx := context.Background()
	src := emitter.New()
	a := TestAdapter(src)

	rec := NewRecordingObserver[source.Event]()
	sub := a.On("load", WithOnce(true)).Subscribe(rec)

	src.Emit(ctx, "load", "first")
	src.Emit(ctx, "load", "second")

	want := []Channel{ChannelNext, ChannelComplete}
	if diff := cmp.Diff(want, rec.Channels()); diff != "" {
		t.Errorf("notification sequence mismatch (-want +got):\n%s", diff)
	}
	if !sub.Closed() {
		t.Error("subscription not disposed after completion")
	}
	if got := src.ListenerCount("load"); got != 0 {
		t.Errorf("listener count after completion = %d, want 0", got)
	}
}

func TestTypeOnBothNextAndError(t *testing.T) {
	// The same type bound to next and error: one occurrence delivers the
	// value first (next listeners registered first), then the error
	// terminates the stream.
	ctx := context.Background()
	src := emitter.New()
	a := TestAdapter(src)

	rec := NewRecordingObserver[source.Event]()
	sub := a.Observe(NewSelector(
		WithNextTypes("fail"),
		WithErrorTypes("fail"),
	)).Subscribe(rec)

	payload := faker.Lorem().String()
	src.Emit(ctx, "fail", payload)

	want := []Channel{ChannelNext, ChannelError}
	if diff := cmp.Diff(want, rec.Channels()); diff != "" {
		t.Errorf("notification sequence mismatch (-want +got):\n%s", diff)
	}
	var evErr *EventError
	if !errors.As(rec.Err(), &evErr) {
		t.Fatalf("expected *EventError, got %v", rec.Err())
	}
	if evErr.EventType != "fail" || evErr.Data != payload {
		t.Errorf("unexpected event error: %+v", evErr)
	}
	if !sub.Closed() {
		t.Error("subscription not disposed after error")
	}
	if got := src.ListenerCount("fail"); got != 0 {
		t.Errorf("listener count after error = %d, want 0", got)
	}
}

func TestHandlerMutationVisibleDownstream(t *testing.T) {
	ctx := context.Background()
	src := emitter.New()
	a := TestAdapter(src)

	rec := NewRecordingObserver[source.Event]()
	sub := a.On("request", WithHandler(func(ctx context.Context, ev source.Event) error {
		ev.Data.(map[string]any)["handled"] = true
		return nil
	})).Subscribe(rec)
	defer sub.Unsubscribe()

	src.Emit(ctx, "request", map[string]any{"handled": false})

	values := rec.NextValues()
	if len(values) != 1 {
		t.Fatalf("recorded %d values, want 1", len(values))
	}
	if handled := values[0].Data.(map[string]any)["handled"]; handled != true {
		t.Errorf("handler mutation not visible downstream: %v", handled)
	}
}

func TestHandlerErrorStillForwards(t *testing.T) {
	ctx := context.Background()
	src := emitter.New()
	a := TestAdapter(src)

	boom := errors.New("handler boom")
	rec := NewRecordingObserver[source.Event]()
	sub := a.On("job", WithHandler(func(context.Context, source.Event) error {
		return boom
	})).Subscribe(rec)
	defer sub.Unsubscribe()

	err := src.Emit(ctx, "job", nil)

	if got := len(rec.NextValues()); got != 1 {
		t.Errorf("recorded %d values, want 1", got)
	}
	if !errors.Is(err, boom) {
		t.Errorf("handler error not propagated to emit caller: %v", err)
	}
}

func TestHandlerPanicStillForwardsAndCompletes(t *testing.T) {
	// With recovery disabled, the panic must escape to the Emit caller,
	// but only after the value was forwarded and once completed the stream.
	ctx := context.Background()
	src := emitter.New(emitter.WithRecovery(false))
	a := TestAdapter(src)

	rec := NewRecordingObserver[source.Event]()
	a.On("load",
		WithOnce(true),
		WithHandler(func(context.Context, source.Event) error {
			panic("handler panic")
		}),
	).Subscribe(rec)

	panicked := func() (p bool) {
		defer func() { p = recover() != nil }()
		src.Emit(ctx, "load", nil)
		return false
	}()

	if !panicked {
		t.Error("panic did not reach the emit caller")
	}
	want := []Channel{ChannelNext, ChannelComplete}
	if diff := cmp.Diff(want, rec.Channels()); diff != "" {
		t.Errorf("notification sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestUnsubscribeRemovesEachPairOnce(t *testing.T) {
	src := &removalCountingSource{Source: emitter.New()}
	a := TestAdapter(src)

	sub := a.Observe(NewSelector(
		WithNextTypes("a", "b"),
		WithCompleteTypes("c"),
	)).Subscribe(NewRecordingObserver[source.Event]())

	sub.Unsubscribe()
	sub.Unsubscribe()
	sub.Unsubscribe()

	if got := src.removals(); got != 3 {
		t.Errorf("RemoveListener called %d times, want 3 (one per registration)", got)
	}
}

func TestOnceWithErrorTypes(t *testing.T) {
	ctx := context.Background()
	src := emitter.New()
	a := TestAdapter(src)

	rec := NewRecordingObserver[source.Event]()
	a.On("load", WithErrorTypes("error"), WithOnce(true)).Subscribe(rec)

	src.Emit(ctx, "load", "body")
	src.Emit(ctx, "error", "late") // after completion, dropped

	want := []Channel{ChannelNext, ChannelComplete}
	if diff := cmp.Diff(want, rec.Channels()); diff != "" {
		t.Errorf("notification sequence mismatch (-want +got):\n%s", diff)
	}
	if got := src.ListenerCount("error"); got != 0 {
		t.Errorf("error listener still registered after completion: %d", got)
	}
}

func TestProgressFanIn(t *testing.T) {
	ctx := context.Background()
	src := emitter.New()
	a := TestAdapter(src)

	rec := NewRecordingObserver[source.Event]()
	a.Observe(NewSelector(
		WithNextTypes("loadstart", "progress", "load"),
		WithErrorTypes("abort"),
		WithCompleteTypes("load"),
	)).Subscribe(rec)

	src.Emit(ctx, "loadstart", nil)
	src.Emit(ctx, "progress", 0.5)
	src.Emit(ctx, "load", "body")
	src.Emit(ctx, "abort", nil) // after completion, dropped

	want := []Channel{ChannelNext, ChannelNext, ChannelNext, ChannelComplete}
	if diff := cmp.Diff(want, rec.Channels()); diff != "" {
		t.Errorf("notification sequence mismatch (-want +got):\n%s", diff)
	}
	types := make([]string, 0, 3)
	for _, ev := range rec.NextValues() {
		types = append(types, ev.Type)
	}
	if diff := cmp.Diff([]string{"loadstart", "progress", "load"}, types); diff != "" {
		t.Errorf("value types mismatch (-want +got):\n%s", diff)
	}
}

func TestAbortErrorsFanIn(t *testing.T) {
	ctx := context.Background()
	src := emitter.New()
	a := TestAdapter(src)

	rec := NewRecordingObserver[source.Event]()
	a.Observe(NewSelector(
		WithNextTypes("loadstart", "progress", "load"),
		WithErrorTypes("abort"),
		WithCompleteTypes("load"),
	)).Subscribe(rec)

	src.Emit(ctx, "loadstart", nil)
	src.Emit(ctx, "abort", "cancelled")
	src.Emit(ctx, "load", "body") // stream already dead

	want := []Channel{ChannelNext, ChannelError}
	if diff := cmp.Diff(want, rec.Channels()); diff != "" {
		t.Errorf("notification sequence mismatch (-want +got):\n%s", diff)
	}
	var evErr *EventError
	if !errors.As(rec.Err(), &evErr) {
		t.Fatalf("expected *EventError, got %v", rec.Err())
	}
	if evErr.EventType != "abort" || evErr.Data != "cancelled" {
		t.Errorf("unexpected event error: %+v", evErr)
	}
}

func TestRegistrationFailureReportsError(t *testing.T) {
	failing := NewFailingSource(emitter.New())
	a := TestAdapter(failing)

	cause := errors.New("broker unavailable")
	failing.FailAll(cause)

	rec := NewRecordingObserver[source.Event]()
	sub := a.On("load").Subscribe(rec)

	if !sub.Closed() {
		t.Error("subscription not disposed after registration failure")
	}
	if !errors.Is(rec.Err(), ErrSubscribeFailed) {
		t.Errorf("expected ErrSubscribeFailed, got %v", rec.Err())
	}
	if !errors.Is(rec.Err(), cause) {
		t.Errorf("cause not wrapped: %v", rec.Err())
	}
}

func TestPartialRegistrationFailureCleansUp(t *testing.T) {
	// First registration succeeds, second fails; the one that made it in
	// must be removed again before the error reaches the observer.
	src := emitter.New()
	cause := errors.New("broker unavailable")
	var calls int
	flaky := sourceFuncs{
		add: func(ctx context.Context, eventType string, l source.Listener) error {
			calls++
			if calls > 1 {
				return cause
			}
			return src.AddListener(ctx, eventType, l)
		},
		remove: src.RemoveListener,
	}
	a := TestAdapter(flaky)

	rec := NewRecordingObserver[source.Event]()
	sub := a.Observe(NewSelector(
		WithNextTypes("first", "second"),
	)).Subscribe(rec)

	if !sub.Closed() {
		t.Error("subscription not disposed after registration failure")
	}
	if !errors.Is(rec.Err(), ErrSubscribeFailed) {
		t.Errorf("expected ErrSubscribeFailed, got %v", rec.Err())
	}
	if got := src.ListenerCount("first"); got != 0 {
		t.Errorf("partial registration not cleaned up: %d listeners for %q", got, "first")
	}
}

func TestDisposedSubscriptionDropsLateDispatch(t *testing.T) {
	// A source may keep dispatching to a listener it was asked to remove.
	// The subscription gate must drop those notifications.
	ctx := context.Background()
	src := emitter.New()
	forgetful := &forgetfulSource{Source: src}
	a := TestAdapter(forgetful)

	rec := NewRecordingObserver[source.Event]()
	sub := a.On("tick").Subscribe(rec)

	src.Emit(ctx, "tick", 1)
	sub.Unsubscribe()
	src.Emit(ctx, "tick", 2)
	src.Emit(ctx, "tick", 3)

	if got := rec.Count(); got != 1 {
		t.Errorf("recorded %d notifications, want 1", got)
	}
}

func TestDispatchContext(t *testing.T) {
	ctx := context.Background()
	src := emitter.New()
	a := TestAdapter(src)

	var gotSubID, gotType string
	var gotChannel Channel
	rec := NewRecordingObserver[source.Event]()
	sub := a.On("tick", WithHandler(func(ctx context.Context, ev source.Event) error {
		gotSubID = ContextSubscriptionID(ctx)
		gotType = ContextEventType(ctx)
		gotChannel = ContextChannel(ctx)
		return nil
	})).Subscribe(rec)
	defer sub.Unsubscribe()

	src.Emit(ctx, "tick", nil)

	if gotSubID == "" {
		t.Error("subscription id missing from dispatch context")
	}
	if gotType != "tick" {
		t.Errorf("event type in dispatch context = %q, want %q", gotType, "tick")
	}
	if gotChannel != ChannelNext {
		t.Errorf("channel in dispatch context = %v, want %v", gotChannel, ChannelNext)
	}
}

func TestOnOverridesNextTypes(t *testing.T) {
	src := emitter.New()
	a := TestAdapter(src)

	// The bare event type wins over WithNextTypes.
	sub := a.On("load", WithNextTypes("ignored", "types")).Subscribe(NewRecordingObserver[source.Event]())
	defer sub.Unsubscribe()

	if got := src.ListenerCount("load"); got != 1 {
		t.Errorf("listener count for %q = %d, want 1", "load", got)
	}
	if got := src.ListenerCount("ignored"); got != 0 {
		t.Errorf("overridden next type still registered: %d", got)
	}
}

func TestEmptySelectorObservesNothing(t *testing.T) {
	ctx := context.Background()
	src := emitter.New()
	a := TestAdapter(src)

	rec := NewRecordingObserver[source.Event]()
	sub := a.Observe(Selector{}).Subscribe(rec)

	src.Emit(ctx, "anything", nil)
	if got := rec.Count(); got != 0 {
		t.Errorf("recorded %d notifications from empty selector, want 0", got)
	}
	sub.Unsubscribe()
}

func TestReentrantEmitFromHandler(t *testing.T) {
	// A handler emitting synchronously must not deadlock; the nested
	// occurrence is delivered before the outer forward.
	ctx := context.Background()
	src := emitter.New()
	a := TestAdapter(src)

	rec := NewRecordingObserver[source.Event]()
	sub := a.Observe(NewSelector(
		WithNextTypes("outer", "inner"),
		WithHandler(func(ctx context.Context, ev source.Event) error {
			if ev.Type == "outer" {
				return src.Emit(ctx, "inner", nil)
			}
			return nil
		}),
	)).Subscribe(rec)
	defer sub.Unsubscribe()

	src.Emit(ctx, "outer", nil)

	types := make([]string, 0, 2)
	for _, ev := range rec.NextValues() {
		types = append(types, ev.Type)
	}
	if diff := cmp.Diff([]string{"inner", "outer"}, types); diff != "" {
		t.Errorf("delivery order mismatch (-want +got):\n%s", diff)
	}
}

// removalCountingSource counts RemoveListener calls.
type removalCountingSource struct {
	source.Source
	mu sync.Mutex
	n  int
}

func (s *removalCountingSource) RemoveListener(ctx context.Context, eventType string, l source.Listener) error {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return s.Source.RemoveListener(ctx, eventType, l)
}

func (s *removalCountingSource) removals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// forgetfulSource swallows RemoveListener so the wrapped source keeps
// dispatching to listeners the adapter believes are gone.
type forgetfulSource struct {
	source.Source
}

func (s *forgetfulSource) RemoveListener(ctx context.Context, eventType string, l source.Listener) error {
	return nil
}

// sourceFuncs adapts two functions to source.Source.
type sourceFuncs struct {
	add    func(context.Context, string, source.Listener) error
	remove func(context.Context, string, source.Listener) error
}

func (s sourceFuncs) AddListener(ctx context.Context, eventType string, l source.Listener) error {
	return s.add(ctx, eventType, l)
}

func (s sourceFuncs) RemoveListener(ctx context.Context, eventType string, l source.Listener) error {
	return s.remove(ctx, eventType, l)
}
