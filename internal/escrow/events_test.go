package escrow

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNewEvent_UsesDisplayState(t *testing.T) {
	at := time.Now()
	tx := &Transaction{ID: "ptx_1", BuyerID: "b", AgentID: "a", Quantity: 20, BonusCoins: 0, State: StateRequested}

	e := NewEvent(EventTransactionCreated, tx, at)
	if !strings.HasPrefix(e.ID, "evt_") {
		t.Errorf("Expected evt_ prefix, got %s", e.ID)
	}
	if e.State != StateAwaitingPayment {
		t.Errorf("Expected awaiting_payment, got %s", e.State)
	}
	if e.TransactionID != "ptx_1" || e.Quantity != 20 || !e.OccurredAt.Equal(at) {
		t.Errorf("Unexpected event %+v", e)
	}
}

func TestMultiEmitter_FansOut(t *testing.T) {
	var got []string
	record := func(name string) EventEmitter {
		return EmitterFunc(func(_ context.Context, e Event) {
			got = append(got, name+":"+string(e.Type))
		})
	}

	m := MultiEmitter{record("webhooks"), NoopEmitter{}, record("realtime")}
	m.Emit(context.Background(), Event{Type: EventTransactionExpired})

	if len(got) != 2 || got[0] != "webhooks:transaction.expired" || got[1] != "realtime:transaction.expired" {
		t.Errorf("Unexpected fan-out %v", got)
	}
}
