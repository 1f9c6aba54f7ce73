package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/charitycoin/coinescrow/internal/escrow"
)

// EscrowAdapter exposes a ledger Store as the escrow manager's LedgerStore,
// translating ledger errors into escrow ones.
type EscrowAdapter struct {
	store Store
}

// NewEscrowAdapter wraps store for the escrow manager.
func NewEscrowAdapter(store Store) *EscrowAdapter {
	return &EscrowAdapter{store: store}
}

var _ escrow.LedgerStore = (*EscrowAdapter)(nil)

func (a *EscrowAdapter) GetOffer(ctx context.Context, agentID string) (*escrow.OfferSnapshot, error) {
	offer, err := a.store.GetOffer(ctx, normalizeID(agentID))
	if err != nil {
		return nil, toEscrowError(err)
	}
	return &escrow.OfferSnapshot{
		AgentID:      offer.AgentID,
		Available:    offer.Available(),
		PricePerCoin: offer.PricePerCoin,
		Verified:     offer.Verified,
		Active:       offer.Active,
	}, nil
}

func (a *EscrowAdapter) TryLock(ctx context.Context, agentID string, quantity int64, reference string) error {
	return toEscrowError(a.store.TryLock(ctx, normalizeID(agentID), quantity, reference))
}

func (a *EscrowAdapter) Release(ctx context.Context, agentID string, quantity int64, reference string) error {
	return toEscrowError(a.store.Release(ctx, normalizeID(agentID), quantity, reference))
}

func (a *EscrowAdapter) Finalize(ctx context.Context, agentID, buyerID string, quantity, bonus int64, reference string) error {
	return toEscrowError(a.store.Finalize(ctx, normalizeID(agentID), normalizeID(buyerID), quantity, bonus, reference))
}

// toEscrowError keeps the original error in the chain so logs still show the
// ledger cause.
func toEscrowError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrOfferNotFound), errors.Is(err, ErrOfferInactive):
		return fmt.Errorf("%w: %w", escrow.ErrAgentNotFound, err)
	case errors.Is(err, ErrInsufficientBalance):
		return fmt.Errorf("%w: %w", escrow.ErrInsufficientAgentBalance, err)
	}
	return err
}
