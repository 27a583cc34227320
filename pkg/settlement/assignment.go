package settlement

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/remitwire/settlement-engine/pkg/ledger"
)

// AssignmentService matches cash-pickup transactions to eligible agents
// and issues pickup codes.
type AssignmentService struct{}

// NewAssignmentService creates an assignment service.
func NewAssignmentService() *AssignmentService {
	return &AssignmentService{}
}

// FindEligibleAgents filters the given agents down to those that can take
// a payout of the given amount, ordered by ascending currentDailyAmount
// (load-balance toward the least-utilized agent) with fewer active
// transactions as the tie-break.
func (s *AssignmentService) FindEligibleAgents(agents []*ledger.Agent, amount float64) []*ledger.Agent {
	eligible := make([]*ledger.Agent, 0, len(agents))
	for _, agent := range agents {
		if agent.CanAccept(amount) {
			eligible = append(eligible, agent)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].CurrentDailyAmount != eligible[j].CurrentDailyAmount {
			return eligible[i].CurrentDailyAmount < eligible[j].CurrentDailyAmount
		}
		return eligible[i].ActiveTransactions < eligible[j].ActiveTransactions
	})
	return eligible
}

// stageAssign re-validates the agent's eligibility at assignment time and
// stages the counter increments, the pickup code, and the transition to
// READY_FOR_PICKUP as one unit. A failure anywhere commits nothing, so no
// phantom capacity is ever consumed.
func (s *AssignmentService) stageAssign(ctx context.Context, v ledger.View, agentID int64, actorID string, now time.Time) (*ledger.UnitOfWork, string, error) {
	tx := v.Transaction()

	next, err := nextStatus(tx.Status, EventAssignAgent)
	if err != nil {
		return nil, "", err
	}
	if tx.PayoutMethod != ledger.CashPickup {
		return nil, "", &InvalidTransitionError{From: tx.Status, Event: EventAssignAgent}
	}

	agent, err := v.Agent(ctx, agentID)
	if err != nil {
		return nil, "", err
	}
	// Limits may have moved since the agent was listed.
	if agent.City != tx.PickupCity || !agent.CanAccept(tx.AmountSent) {
		return nil, "", ErrAgentNoLongerEligible
	}

	code, err := generatePickupCode()
	if err != nil {
		return nil, "", fmt.Errorf("generate pickup code: %w", err)
	}

	agent.CurrentDailyAmount += tx.AmountSent
	agent.ActiveTransactions++

	from := tx.Status
	tx.Status = next
	tx.AssignedAgentID = &agent.ID
	tx.PickupCode = code
	tx.UpdatedAt = now

	unit := &ledger.UnitOfWork{
		Transaction: tx,
		Agent:       agent,
		Audit: &ledger.AuditEntry{
			TransactionID: tx.ID,
			FromStatus:    from,
			ToStatus:      next,
			ActorID:       actorID,
			Reason:        fmt.Sprintf("agent %d assigned", agent.ID),
			CreatedAt:     now,
		},
	}
	return unit, code, nil
}

// stageRelease reverses the assignment: counters are restored and the
// transaction returns to APPROVED so it can be reassigned or rejected.
func (s *AssignmentService) stageRelease(ctx context.Context, v ledger.View, actorID string, now time.Time) (*ledger.UnitOfWork, error) {
	tx := v.Transaction()

	next, err := nextStatus(tx.Status, EventReleaseAgent)
	if err != nil {
		return nil, err
	}
	if tx.PickupVerifiedAt != nil {
		return nil, ErrAlreadyVerified
	}
	if tx.AssignedAgentID == nil {
		return nil, &InvalidTransitionError{From: tx.Status, Event: EventReleaseAgent}
	}

	agent, err := v.Agent(ctx, *tx.AssignedAgentID)
	if err != nil {
		return nil, err
	}
	agent.CurrentDailyAmount -= tx.AmountSent
	if agent.CurrentDailyAmount < 0 {
		agent.CurrentDailyAmount = 0
	}
	if agent.ActiveTransactions > 0 {
		agent.ActiveTransactions--
	}

	from := tx.Status
	released := *tx.AssignedAgentID
	tx.Status = next
	tx.AssignedAgentID = nil
	tx.PickupCode = ""
	tx.UpdatedAt = now

	unit := &ledger.UnitOfWork{
		Transaction: tx,
		Agent:       agent,
		Audit: &ledger.AuditEntry{
			TransactionID: tx.ID,
			FromStatus:    from,
			ToStatus:      next,
			ActorID:       actorID,
			Reason:        fmt.Sprintf("agent %d released", released),
			CreatedAt:     now,
		},
	}
	return unit, nil
}

// generatePickupCode draws a uniformly random 6-digit code. The code is a
// secret presented by the recipient; it must not be derivable from the
// transaction id.
func generatePickupCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
