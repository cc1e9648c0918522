package observe

import (
	"errors"
	"fmt"
)

// Adapter errors
var (
	// ErrSourceRequired is returned by NewAdapter when no event source is
	// provided. Use emitter.New() for an in-memory source.
	ErrSourceRequired = errors.New("event source is required: use emitter.New() or another source implementation")

	// ErrSubscribeFailed wraps event source registration failures. It is
	// delivered through the Observer's Error channel, after which the
	// subscription is disposed and any partial registrations are removed.
	ErrSubscribeFailed = errors.New("failed to register listeners with event source")
)

// EventError carries an occurrence of an error-designated event type to the
// Observer's Error channel. This is the steady-state error path of a stream,
// not a program defect.
type EventError struct {
	// EventType is the event type that triggered the error
	EventType string
	// Data is the event payload, unmodified
	Data any
}

func (e *EventError) Error() string {
	return fmt.Sprintf("event error: %s", e.EventType)
}

// IsEventError checks if err carries an error-designated event occurrence
// and returns it.
func IsEventError(err error) (*EventError, bool) {
	var ev *EventError
	if errors.As(err, &ev) {
		return ev, true
	}
	return nil, false
}
