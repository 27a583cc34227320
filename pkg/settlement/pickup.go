package settlement

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/remitwire/settlement-engine/pkg/ledger"
)

// PickupService validates presented pickup codes and finalizes payouts.
type PickupService struct{}

// NewPickupService creates a pickup verification service.
func NewPickupService() *PickupService {
	return &PickupService{}
}

// stageVerify checks the presented code against the assigned transaction
// and stages the completion: pickupVerifiedAt set, agent's active count
// decremented, status COMPLETED. The AlreadyVerified check runs first so a
// duplicate redemption attempt is reported as such even after the
// transaction has completed.
func (s *PickupService) stageVerify(ctx context.Context, v ledger.View, presentedCode, actorID string, now time.Time) (*ledger.UnitOfWork, error) {
	tx := v.Transaction()

	if tx.PickupVerifiedAt != nil {
		return nil, ErrAlreadyVerified
	}

	next, err := nextStatus(tx.Status, EventVerifyPickup)
	if err != nil {
		return nil, err
	}
	if tx.AssignedAgentID == nil || tx.PickupCode == "" {
		return nil, &InvalidTransitionError{From: tx.Status, Event: EventVerifyPickup}
	}
	if subtle.ConstantTimeCompare([]byte(presentedCode), []byte(tx.PickupCode)) != 1 {
		return nil, ErrCodeMismatch
	}

	agent, err := v.Agent(ctx, *tx.AssignedAgentID)
	if err != nil {
		return nil, err
	}
	if agent.ActiveTransactions > 0 {
		agent.ActiveTransactions--
	}

	from := tx.Status
	verifiedAt := now
	tx.Status = next
	tx.PickupVerifiedAt = &verifiedAt
	tx.UpdatedAt = now

	return &ledger.UnitOfWork{
		Transaction: tx,
		Agent:       agent,
		Audit: &ledger.AuditEntry{
			TransactionID: tx.ID,
			FromStatus:    from,
			ToStatus:      next,
			ActorID:       actorID,
			Reason:        "pickup code verified",
			CreatedAt:     now,
		},
	}, nil
}
