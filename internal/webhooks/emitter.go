package webhooks

import (
	"context"
	"log/slog"

	"github.com/charitycoin/coinescrow/internal/escrow"
)

// Emitter publishes escrow events to the webhooks of both participants.
// Emit is fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

var _ escrow.EventEmitter = (*Emitter)(nil)

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger}
}

// Emit implements escrow.EventEmitter.
func (e *Emitter) Emit(ctx context.Context, event escrow.Event) {
	if e == nil || e.d == nil {
		return
	}
	for _, identity := range []string{event.BuyerID, event.AgentID} {
		if identity == "" {
			continue
		}
		if err := e.d.DispatchToIdentity(ctx, identity, event); err != nil {
			e.logger.Warn("webhook emit failed",
				"event", event.Type,
				"identity", identity,
				"transactionId", event.TransactionID,
				"error", err,
			)
		}
	}
}
