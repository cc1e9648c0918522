package observe

import (
	"context"

	"github.com/rbaliyan/observe/source"
)

// Channel is one of the three notification routes an event type can be
// bound to.
type Channel int

const (
	// ChannelNext routes occurrences to Observer.Next
	ChannelNext Channel = iota
	// ChannelError routes the occurrence to Observer.Error as an *EventError
	ChannelError
	// ChannelComplete routes the occurrence to Observer.Complete,
	// discarding the event value
	ChannelComplete
)

// String returns a string representation of the channel
func (c Channel) String() string {
	switch c {
	case ChannelNext:
		return "next"
	case ChannelError:
		return "error"
	case ChannelComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Handler is the optional pre-processing callback of a Selector. It runs
// synchronously before the event value is forwarded to Next and may mutate
// the event payload. A returned error (or a panic) never prevents the
// forward or the once-completion; it propagates to the source's dispatch
// caller afterward.
type Handler func(ctx context.Context, ev source.Event) error

// Selector describes which event types map to which notification channel,
// plus the optional handler and once flag. Zero value selects nothing.
//
// Build one with NewSelector, or let Adapter.On build it:
//
//	sel := observe.NewSelector(
//	    observe.WithNextTypes("loadstart", "progress", "load"),
//	    observe.WithErrorTypes("abort"),
//	    observe.WithCompleteTypes("load"),
//	)
type Selector struct {
	nextTypes     []string
	errorTypes    []string
	completeTypes []string
	handler       Handler
	once          bool
}

// OnOption configures a Selector
type OnOption func(*Selector)

// WithNextTypes sets the event types routed to Next.
// Ignored by Adapter.On when a bare event type is supplied there.
func WithNextTypes(types ...string) OnOption {
	return func(s *Selector) {
		s.nextTypes = types
	}
}

// WithErrorTypes sets the event types routed to Error
func WithErrorTypes(types ...string) OnOption {
	return func(s *Selector) {
		s.errorTypes = types
	}
}

// WithCompleteTypes sets the event types routed to Complete
func WithCompleteTypes(types ...string) OnOption {
	return func(s *Selector) {
		s.completeTypes = types
	}
}

// WithHandler sets the pre-processing callback invoked before each Next
func WithHandler(h Handler) OnOption {
	return func(s *Selector) {
		s.handler = h
	}
}

// WithOnce makes the stream complete immediately after the first Next
func WithOnce(once bool) OnOption {
	return func(s *Selector) {
		s.once = once
	}
}

// NewSelector builds a normalized Selector from options
func NewSelector(opts ...OnOption) Selector {
	var s Selector
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s.normalized()
}

// NextTypes returns the event types routed to Next, in registration order
func (s Selector) NextTypes() []string {
	return cloneTypes(s.nextTypes)
}

// ErrorTypes returns the event types routed to Error, in registration order
func (s Selector) ErrorTypes() []string {
	return cloneTypes(s.errorTypes)
}

// CompleteTypes returns the event types routed to Complete, in registration order
func (s Selector) CompleteTypes() []string {
	return cloneTypes(s.completeTypes)
}

// Handler returns the pre-processing callback, or nil
func (s Selector) Handler() Handler {
	return s.handler
}

// Once reports whether the stream completes after the first Next
func (s Selector) Once() bool {
	return s.once
}

// binding is one (event type, channel) listener registration
type binding struct {
	eventType string
	channel   Channel
}

// bindings resolves the selector into the concrete registration list:
// next bindings first, then error, then complete, each set in insertion
// order. Callbacks for one occurrence fire in this registration order.
func (s Selector) bindings() []binding {
	out := make([]binding, 0, len(s.nextTypes)+len(s.errorTypes)+len(s.completeTypes))
	for _, t := range s.nextTypes {
		out = append(out, binding{eventType: t, channel: ChannelNext})
	}
	for _, t := range s.errorTypes {
		out = append(out, binding{eventType: t, channel: ChannelError})
	}
	for _, t := range s.completeTypes {
		out = append(out, binding{eventType: t, channel: ChannelComplete})
	}
	return out
}

// normalized returns a defensive copy: empty identifiers dropped, duplicates
// within a set collapsed, insertion order preserved. Malformed input is
// absorbed here, never reported as an error.
func (s Selector) normalized() Selector {
	return Selector{
		nextTypes:     normalizeTypes(s.nextTypes),
		errorTypes:    normalizeTypes(s.errorTypes),
		completeTypes: normalizeTypes(s.completeTypes),
		handler:       s.handler,
		once:          s.once,
	}
}

func normalizeTypes(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneTypes(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
