// Package events provides an in-process event bus for billing notifications.
// Publishers never fail because of a subscriber: handler errors are logged.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event names.
const (
	InvoiceCreated  = "invoice.created"
	InvoicePaid     = "invoice.paid"
	InvoiceFailed   = "invoice.failed"
	InvoiceRefunded = "invoice.refunded"

	CycleClosed = "cycle.closed"

	PlanChanged       = "plan.changed"
	PlanChangeQueued  = "plan.change_queued"
	PlanChangeDropped = "plan.change_dropped"

	SubscriptionCanceled = "subscription.canceled"

	UsageLimitNear     = "usage.limit_near"
	UsageLimitExceeded = "usage.limit_exceeded"
)

// Event represents a published event.
type Event struct {
	// Name is the event name (e.g., "invoice.paid").
	Name string

	// AccountID is the account the event concerns.
	AccountID string

	// At is when the event happened, from the engine clock.
	At time.Time

	// Data contains the event payload.
	Data map[string]any
}

// Handler is a function that processes an event.
type Handler func(ctx context.Context, event Event) error

// Bus is a simple publish/subscribe event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event.
// Supports wildcard subscriptions:
//   - "invoice.paid" - exact match
//   - "invoice.*" - all invoice events
//   - "*" - all events
func (b *Bus) Subscribe(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Publish calls all matching handlers synchronously in registration order,
// exact subscriptions first. Handlers run without the bus lock held, so a
// handler may subscribe or publish.
func (b *Bus) Publish(ctx context.Context, event Event) {
	matched := b.match(event.Name)

	b.logger.Debug().
		Str("event", event.Name).
		Str("account_id", event.AccountID).
		Int("handlers", len(matched)).
		Msg("event emitted")

	for _, handler := range matched {
		if err := handler(ctx, event); err != nil {
			b.logger.Error().
				Err(err).
				Str("event", event.Name).
				Str("account_id", event.AccountID).
				Msg("event handler error")
		}
	}
}

// PublishAsync emits an event asynchronously.
// The function returns immediately; handlers run in a goroutine.
func (b *Bus) PublishAsync(ctx context.Context, event Event) {
	go b.Publish(context.WithoutCancel(ctx), event)
}

// HasSubscribers checks if any handlers are registered for an event.
func (b *Bus) HasSubscribers(event string) bool {
	return len(b.match(event)) > 0
}

func (b *Bus) match(name string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []Handler
	matched = append(matched, b.handlers[name]...)
	if group, _, ok := strings.Cut(name, "."); ok {
		matched = append(matched, b.handlers[group+".*"]...)
	}
	matched = append(matched, b.handlers["*"]...)
	return matched
}
