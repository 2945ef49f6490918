package ledger

import (
	"context"
	"errors"
	"fmt"
)

// GrantPurchasedCredits applies a credit pack bought in the given checkout
// session. The session id is the idempotency key: the first call applies
// the pack and reports Processed, every later call for the same session
// (sequential or concurrent) returns the original transaction unprocessed.
func (l *Ledger) GrantPurchasedCredits(ctx context.Context, orgID string, credits int64, packID, packName, sessionID string) (GrantResult, error) {
	if sessionID == "" {
		return GrantResult{}, errors.New("checkout session id is required")
	}

	existing, err := l.store.GetTransactionByIdempotencyKey(ctx, sessionID)
	switch {
	case err == nil:
		return GrantResult{Processed: false, TransactionID: existing.ID}, nil
	case !errors.Is(err, ErrTransactionNotFound):
		return GrantResult{}, fmt.Errorf("failed to look up credit pack purchase: %w", err)
	}

	desc := fmt.Sprintf("Purchased %s (%s): %d credits", packName, packID, credits)
	out, err := l.Purchase(ctx, orgID, credits, desc, sessionID)
	if err != nil {
		return GrantResult{}, err
	}
	return GrantResult{Processed: !out.Duplicate, TransactionID: out.Transaction.ID}, nil
}
