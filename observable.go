package observe

import (
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/observe/source"
)

const (
	subscriptionActive = iota
	subscriptionDisposed
)

// NewID generates a new unique ID
func NewID() string {
	return source.NewID()
}

// Observer is the three-method sink an Observable notifies.
//
// Next delivers a value. Error and Complete are terminal: the first of them
// to be called disposes the subscription, and nothing is delivered afterward.
type Observer[T any] interface {
	Next(value T)
	Error(err error)
	Complete()
}

// Teardown is the cleanup action returned by a subscribe function.
// It runs exactly once per subscription, whichever of unsubscribe, Error or
// Complete ends the subscription first.
type Teardown func()

// Observable is a lazy push stream. Constructing one performs no work;
// each Subscribe call independently runs the subscribe function.
type Observable[T any] struct {
	onSubscribe func(Observer[T]) Teardown
}

// New creates an Observable from a subscribe function.
//
// onSubscribe is invoked once per Subscribe call with an observer that is
// already wired to the subscription: calling its Error or Complete disposes
// the subscription and schedules the returned teardown. The teardown may be
// nil when there is nothing to clean up.
func New[T any](onSubscribe func(Observer[T]) Teardown) *Observable[T] {
	return &Observable[T]{onSubscribe: onSubscribe}
}

// Subscribe starts the stream and delivers notifications to obs.
// The returned Subscription can be used to stop the stream early.
func (o *Observable[T]) Subscribe(obs Observer[T]) *Subscription {
	sub := &Subscription{id: NewID()}
	if obs == nil {
		obs = ObserverFuncs[T]{}
	}
	td := o.onSubscribe(&subscriptionObserver[T]{sub: sub, downstream: obs})
	// Error or Complete may already have fired synchronously inside
	// onSubscribe, before the teardown existed. setTeardown runs it now
	// in that case.
	sub.setTeardown(td)
	return sub
}

// SubscribeFunc subscribes with plain functions. Any of them may be nil.
func (o *Observable[T]) SubscribeFunc(next func(T), errFn func(error), complete func()) *Subscription {
	return o.Subscribe(ObserverFuncs[T]{OnNext: next, OnError: errFn, OnComplete: complete})
}

// ObserverFuncs adapts plain functions to the Observer interface.
// Nil fields are ignored.
type ObserverFuncs[T any] struct {
	OnNext     func(T)
	OnError    func(error)
	OnComplete func()
}

// Next implements Observer
func (f ObserverFuncs[T]) Next(value T) {
	if f.OnNext != nil {
		f.OnNext(value)
	}
}

// Error implements Observer
func (f ObserverFuncs[T]) Error(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

// Complete implements Observer
func (f ObserverFuncs[T]) Complete() {
	if f.OnComplete != nil {
		f.OnComplete()
	}
}

// Subscription is the handle for one Subscribe call.
// Its lifecycle is Active -> Disposed with no way back; every path into
// Disposed (Unsubscribe, Error, Complete) runs the teardown exactly once.
type Subscription struct {
	id       string
	state    int32
	mu       sync.Mutex
	teardown Teardown
	tornDown bool
}

// ID returns the unique subscription ID
func (s *Subscription) ID() string {
	return s.id
}

// Closed returns true once the subscription is disposed
func (s *Subscription) Closed() bool {
	return atomic.LoadInt32(&s.state) == subscriptionDisposed
}

// Unsubscribe disposes the subscription and runs the teardown.
// It is safe to call any number of times, from any goroutine, including
// re-entrantly from inside a notification.
func (s *Subscription) Unsubscribe() {
	s.dispose()
	s.runTeardown()
}

// dispose flips Active -> Disposed. Returns true on the winning call.
func (s *Subscription) dispose() bool {
	return atomic.CompareAndSwapInt32(&s.state, subscriptionActive, subscriptionDisposed)
}

// setTeardown attaches the teardown after onSubscribe returns. If the
// subscription was already disposed while onSubscribe was still running,
// the teardown runs immediately.
func (s *Subscription) setTeardown(td Teardown) {
	s.mu.Lock()
	s.teardown = td
	run := td != nil && s.Closed() && !s.tornDown
	if run {
		s.tornDown = true
	}
	s.mu.Unlock()
	if run {
		td()
	}
}

// runTeardown runs the teardown at most once. A nil teardown (not yet
// attached, or none returned) is left for setTeardown to deal with.
func (s *Subscription) runTeardown() {
	s.mu.Lock()
	td := s.teardown
	run := td != nil && !s.tornDown
	if run {
		s.tornDown = true
	}
	s.mu.Unlock()
	if run {
		td()
	}
}

// subscriptionObserver gates notifications on the subscription state and
// makes Error/Complete terminal.
type subscriptionObserver[T any] struct {
	sub        *Subscription
	downstream Observer[T]
}

func (s *subscriptionObserver[T]) Next(value T) {
	if s.sub.Closed() {
		return
	}
	s.downstream.Next(value)
}

func (s *subscriptionObserver[T]) Error(err error) {
	// Dispose first so a re-entrant dispatch triggered by the downstream
	// observer is already ignored, then notify, then clean up.
	if !s.sub.dispose() {
		return
	}
	s.downstream.Error(err)
	s.sub.runTeardown()
}

func (s *subscriptionObserver[T]) Complete() {
	if !s.sub.dispose() {
		return
	}
	s.downstream.Complete()
	s.sub.runTeardown()
}
