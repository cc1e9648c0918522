// Package source defines the event source boundary used by the observe adapter.
//
// An event source is any component that can register and unregister callbacks
// for named event types and that invokes those callbacks, one occurrence at a
// time, when a matching event happens. Source implementations (emitter, nats,
// redis, kafka) should import this package rather than the parent observe
// package to avoid import cycles.
package source

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Source errors
var (
	ErrSourceClosed     = errors.New("event source closed")
	ErrTypeRequired     = errors.New("event type is required")
	ErrListenerRequired = errors.New("listener is required")
	ErrListenerExists   = errors.New("listener already registered for this event type")
	ErrListenerNotFound = errors.New("listener not registered for this event type")
)

// Event is a single occurrence delivered by an event source.
// Data is an opaque payload owned by the publisher; listeners may observe
// mutations made to it by earlier listeners of the same occurrence.
type Event struct {
	Type string
	Data any
}

// Listener receives event occurrences from a source.
//
// A returned error is reported to the source's dispatch caller (logged or
// passed to the source's error handler); it never stops delivery to other
// listeners registered for the same event type.
//
// Listener identity is the unregistration key: RemoveListener removes the
// exact listener value that was passed to AddListener. Implementations must
// therefore be comparable; pointer implementations (including the one
// returned by ListenFunc) always are.
type Listener interface {
	OnEvent(ctx context.Context, ev Event) error
}

// funcListener adapts a plain function to the Listener interface.
// A pointer is returned so every call yields a distinct, comparable identity.
type funcListener struct {
	fn func(ctx context.Context, ev Event) error
}

func (l *funcListener) OnEvent(ctx context.Context, ev Event) error {
	return l.fn(ctx, ev)
}

// ListenFunc wraps fn in a Listener with a unique identity.
// Calling ListenFunc twice with the same function yields two independent
// listeners; keep the returned value to unregister it later.
func ListenFunc(fn func(ctx context.Context, ev Event) error) Listener {
	return &funcListener{fn: fn}
}

// Source is the boundary contract with an event source.
//
// The listener table behind a Source is shared: it may hold listeners that
// belong to other consumers, and implementations must only ever add or remove
// the exact (event type, listener) pairs they are asked about.
type Source interface {
	// AddListener registers l for eventType. The same (eventType, l) pair
	// may be registered at most once; a second registration returns
	// ErrListenerExists.
	AddListener(ctx context.Context, eventType string, l Listener) error

	// RemoveListener unregisters the exact (eventType, l) pair.
	// Returns ErrListenerNotFound if the pair is not registered.
	RemoveListener(ctx context.Context, eventType string, l Listener) error
}

// Publisher is an optional interface for sources that can also emit events.
// All bundled source implementations provide it.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data any) error
}

// HealthStatus represents the health state of a source
type HealthStatus string

const (
	// HealthStatusHealthy indicates the source is functioning normally
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates the source is functioning but with issues
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates the source is not functioning
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult contains detailed health information
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IsHealthy returns true if the status is healthy
func (h *HealthCheckResult) IsHealthy() bool {
	return h.Status == HealthStatusHealthy
}

// HealthChecker is an optional interface that sources can implement
// to provide health check capabilities for monitoring and readiness probes.
type HealthChecker interface {
	// Health performs a health check and returns the result.
	// The context can be used to set a timeout for the health check.
	Health(ctx context.Context) *HealthCheckResult
}

var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
