// Package events defines the domain events other subsystems emit towards the
// ledger and the typed router that delivers them to integrators.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event type names carried in the envelope.
const (
	TypeOrderConfirmed        = "sales.order_confirmed"
	TypePayrollProcessed      = "hr.payroll_processed"
	TypeStockMovementRecorded = "inventory.stock_movement_recorded"
)

var (
	// ErrUnknownEvent indicates no handler is registered for the envelope type.
	ErrUnknownEvent = errors.New("events: unknown event type")
	// ErrMalformedEvent indicates an envelope or payload that cannot be decoded
	// or fails validation. Redelivery never fixes it.
	ErrMalformedEvent = errors.New("events: malformed event")
)

// Event is implemented by every payload type.
type Event interface {
	EventType() string
}

// Envelope is the wire format shared by every transport.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	TenantID   int64           `json:"tenant_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope wraps evt with a fresh event id.
func NewEnvelope(tenantID int64, evt Event, occurredAt time.Time) (Envelope, error) {
	if evt == nil {
		return Envelope{}, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: encode %s: %w", evt.EventType(), err)
	}
	env := Envelope{
		ID:         uuid.New(),
		Type:       evt.EventType(),
		TenantID:   tenantID,
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
	}
	return env, env.Validate()
}

// Validate checks the envelope header.
func (e Envelope) Validate() error {
	switch {
	case e.ID == uuid.Nil:
		return fmt.Errorf("%w: id required", ErrMalformedEvent)
	case e.Type == "":
		return fmt.Errorf("%w: type required", ErrMalformedEvent)
	case e.TenantID <= 0:
		return fmt.Errorf("%w: tenant_id required", ErrMalformedEvent)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: payload required", ErrMalformedEvent)
	}
	return nil
}

// Key is the idempotency key integrators store with their effects.
func (e Envelope) Key() string {
	return e.ID.String()
}

// Bus publishes events to the ledger.
type Bus interface {
	Publish(ctx context.Context, tenantID int64, evt Event) (Envelope, error)
}

// LocalBus dispatches synchronously through a Router. It backs tests and
// one-shot replays where no queue is running.
type LocalBus struct {
	router *Router
	now    func() time.Time
}

// NewLocalBus constructs a LocalBus.
func NewLocalBus(router *Router) *LocalBus {
	return &LocalBus{router: router, now: time.Now}
}

// Publish wraps evt and dispatches it immediately.
func (b *LocalBus) Publish(ctx context.Context, tenantID int64, evt Event) (Envelope, error) {
	env, err := NewEnvelope(tenantID, evt, b.now())
	if err != nil {
		return Envelope{}, err
	}
	return env, b.router.Dispatch(ctx, env)
}

var _ Bus = (*LocalBus)(nil)
