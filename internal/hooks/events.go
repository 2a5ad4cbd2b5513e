package hooks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventType names the ledger transitions exported to downstream systems
// (audit sinks, billing reconciliation jobs, notification scripts).
type EventType string

const (
	// EventCreditsDebited fires after a debit is newly applied.
	EventCreditsDebited EventType = "credits.debited"
	// EventCreditsRefunded fires after a compensation refund is newly applied.
	EventCreditsRefunded EventType = "credits.refunded"
	// EventCreditsGranted fires after credits are added to a wallet.
	EventCreditsGranted EventType = "credits.granted"
	// EventEntitlementGranted fires after a session allowance is recorded.
	EventEntitlementGranted EventType = "credits.entitlement_granted"
	// EventEntitlementConsumed fires after a session allowance is used.
	EventEntitlementConsumed EventType = "credits.entitlement_consumed"
	// EventCompensationFailed fires when a refund could not be recorded and the
	// charge needs manual reconciliation.
	EventCompensationFailed EventType = "credits.compensation_failed"
)

// Event envelopes the payload broadcast to hook listeners.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time
	UserID     string
	RequestID  string
	Kind       string
	Qty        int64
	Balance    int64
	Metadata   map[string]any
}

// Handler reacts to an Event. Implementations must tolerate redelivery.
type Handler func(context.Context, Event) error

// Dispatcher coordinates handler registration and event fan-out.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Register adds a handler. Handlers fire sequentially in registration order.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Emit delivers an event to all registered handlers and joins their errors.
// A nil dispatcher drops the event.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
