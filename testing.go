package observe

import (
	"context"
	"sync"
	"time"

	"github.com/rbaliyan/observe/source"
)

// TestAdapter creates an adapter configured for testing: tracing and
// metrics disabled. Panics if src is nil (test setup error).
//
// Example:
//
//	import "github.com/rbaliyan/observe/source/emitter"
//	adapter := observe.TestAdapter(emitter.New())
func TestAdapter(src source.Source) *Adapter {
	a, err := NewAdapter(src,
		WithTracing(false),
		WithMetrics(false),
	)
	if err != nil {
		panic("observe.TestAdapter: " + err.Error())
	}
	return a
}

// Notification is one recorded observer call
type Notification[T any] struct {
	Channel Channel
	Value   T
	Err     error
	Time    time.Time
}

// RecordingObserver records every notification it receives.
// Useful for asserting on stream contents and ordering in tests.
type RecordingObserver[T any] struct {
	mu       sync.Mutex
	recorded []Notification[T]
}

// NewRecordingObserver creates an observer that records all notifications.
func NewRecordingObserver[T any]() *RecordingObserver[T] {
	return &RecordingObserver[T]{
		recorded: make([]Notification[T], 0),
	}
}

// Next implements Observer
func (r *RecordingObserver[T]) Next(value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, Notification[T]{Channel: ChannelNext, Value: value, Time: time.Now()})
}

// Error implements Observer
func (r *RecordingObserver[T]) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, Notification[T]{Channel: ChannelError, Err: err, Time: time.Now()})
}

// Complete implements Observer
func (r *RecordingObserver[T]) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, Notification[T]{Channel: ChannelComplete, Time: time.Now()})
}

// Notifications returns a copy of all recorded notifications
func (r *RecordingObserver[T]) Notifications() []Notification[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Notification[T], len(r.recorded))
	copy(result, r.recorded)
	return result
}

// Count returns the number of recorded notifications
func (r *RecordingObserver[T]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recorded)
}

// NextValues returns the values delivered through Next, in order
func (r *RecordingObserver[T]) NextValues() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, n := range r.recorded {
		if n.Channel == ChannelNext {
			out = append(out, n.Value)
		}
	}
	return out
}

// Err returns the first recorded error, or nil
func (r *RecordingObserver[T]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.recorded {
		if n.Channel == ChannelError {
			return n.Err
		}
	}
	return nil
}

// Completed reports whether Complete was recorded
func (r *RecordingObserver[T]) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.recorded {
		if n.Channel == ChannelComplete {
			return true
		}
	}
	return false
}

// Channels returns just the channel sequence, for order assertions
func (r *RecordingObserver[T]) Channels() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Channel, len(r.recorded))
	for i, n := range r.recorded {
		out[i] = n.Channel
	}
	return out
}

// Reset clears all recorded notifications
func (r *RecordingObserver[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = r.recorded[:0]
}

// WaitFor waits until at least n notifications were recorded or timeout is
// reached. Returns true if the expected count was reached, false on timeout.
// Only needed with sources that deliver off-goroutine (brokers); the emitter
// is fully synchronous.
func (r *RecordingObserver[T]) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if r.Count() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// FailingSource wraps a source and fails AddListener calls on demand.
// Useful for testing partial-registration cleanup.
type FailingSource struct {
	source.Source
	mu       sync.Mutex
	err      error
	failAll  bool
	failNext int
}

// NewFailingSource creates a source whose AddListener can be made to fail.
// The wrapped source is required.
func NewFailingSource(src source.Source) *FailingSource {
	if src == nil {
		panic("observe: source is required for NewFailingSource")
	}
	return &FailingSource{Source: src}
}

// AddListener fails if configured, otherwise delegates to the wrapped source
func (f *FailingSource) AddListener(ctx context.Context, eventType string, l source.Listener) error {
	f.mu.Lock()
	shouldFail := f.failAll || f.failNext > 0
	err := f.err
	if f.failNext > 0 {
		f.failNext--
	}
	f.mu.Unlock()

	if shouldFail {
		if err != nil {
			return err
		}
		return source.ErrSourceClosed
	}
	return f.Source.AddListener(ctx, eventType, l)
}

// FailAll makes all AddListener calls fail with the given error
func (f *FailingSource) FailAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = true
	f.err = err
}

// FailNext makes the next n AddListener calls fail with the given error
func (f *FailingSource) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.err = err
}

// Reset clears all failure configuration
func (f *FailingSource) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = false
	f.failNext = 0
	f.err = nil
}
