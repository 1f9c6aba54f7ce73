package escrow

import (
	"context"
	"time"

	"github.com/charitycoin/coinescrow/internal/idgen"
)

// EventType names a committed transaction transition.
type EventType string

const (
	EventTransactionCreated   EventType = "transaction.created"
	EventPaymentConfirmed     EventType = "transaction.payment_confirmed"
	EventTransactionCompleted EventType = "transaction.completed"
	EventTransactionExpired   EventType = "transaction.expired"
	EventTransactionCancelled EventType = "transaction.cancelled"
)

// Event is published after a transition commits. Delivery downstream is
// at-least-once, so consumers dedupe on ID.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	TransactionID string    `json:"transactionId"`
	State         State     `json:"state"`
	BuyerID       string    `json:"buyerId"`
	AgentID       string    `json:"agentId"`
	Quantity      int64     `json:"quantity"`
	BonusCoins    int64     `json:"bonusCoins,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// NewEvent builds the event for tx having just entered its current state.
func NewEvent(typ EventType, tx *Transaction, at time.Time) Event {
	return Event{
		ID:            idgen.WithPrefix("evt_"),
		Type:          typ,
		TransactionID: tx.ID,
		State:         tx.State.Display(),
		BuyerID:       tx.BuyerID,
		AgentID:       tx.AgentID,
		Quantity:      tx.Quantity,
		BonusCoins:    tx.BonusCoins,
		OccurredAt:    at,
	}
}

// EventEmitter hands events to the notification gateway. Emit must not
// block on delivery and must never fail the transition that produced it.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, Event) {}

// MultiEmitter fans an event out to several emitters.
type MultiEmitter []EventEmitter

func (m MultiEmitter) Emit(ctx context.Context, event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, event)
		}
	}
}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(ctx context.Context, event Event)

func (f EmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }
