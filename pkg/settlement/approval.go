package settlement

import (
	"context"
	"time"

	"github.com/remitwire/settlement-engine/pkg/ledger"
)

// Ceiling is the maximum amount a role may approve. Unlimited ceilings
// ignore Amount.
type Ceiling struct {
	Amount    float64
	Unlimited bool
}

// ApprovalPolicy configures the maker-checker rules. It is injected into
// the approval service so limits are testable and environment-specific.
type ApprovalPolicy struct {
	// DualApprovalThreshold is the amount at or above which two distinct
	// approvers are required.
	DualApprovalThreshold float64

	// RoleCeilings maps every recognized role to its approval ceiling.
	// A role missing from the map is treated as unknown, not as zero.
	RoleCeilings map[ledger.Role]Ceiling

	// UnlimitedBypassesDual, when true, lets a role with an unlimited
	// ceiling complete a dual-approval transaction alone. Default false:
	// two humans are always required at or above the threshold.
	UnlimitedBypassesDual bool
}

// DefaultApprovalPolicy returns the stock policy: threshold 5000, ADMIN up
// to 10000, COMPLIANCE_OFFICER up to 5000, SUPER_ADMIN unlimited, no
// dual-approval bypass.
func DefaultApprovalPolicy() ApprovalPolicy {
	return ApprovalPolicy{
		DualApprovalThreshold: 5000,
		RoleCeilings: map[ledger.Role]Ceiling{
			ledger.RoleAdmin:             {Amount: 10000},
			ledger.RoleComplianceOfficer: {Amount: 5000},
			ledger.RoleSuperAdmin:        {Unlimited: true},
		},
	}
}

// ApprovalResult reports the outcome of recording one approval.
type ApprovalResult struct {
	// Level the approval was recorded at (1 or 2).
	Level int
	// Complete is true once the transaction is fully approved.
	Complete bool
}

// ApprovalService enforces the dual-approval policy and role-based limits.
type ApprovalService struct {
	policy ApprovalPolicy
}

// NewApprovalService creates an approval service with the given policy.
func NewApprovalService(policy ApprovalPolicy) *ApprovalService {
	return &ApprovalService{policy: policy}
}

// RequiresDualApproval reports whether the transaction needs two distinct
// approvers.
func (s *ApprovalService) RequiresDualApproval(tx *ledger.Transaction) bool {
	return tx.AmountSent >= s.policy.DualApprovalThreshold
}

// CanApprove checks the role's ceiling against the transaction amount.
func (s *ApprovalService) CanApprove(role ledger.Role, tx *ledger.Transaction) error {
	ceiling, ok := s.policy.RoleCeilings[role]
	if !ok || !role.Valid() {
		return ErrUnknownRole
	}
	if ceiling.Unlimited {
		return nil
	}
	if tx.AmountSent > ceiling.Amount {
		return &OverLimitError{Role: role, Ceiling: ceiling.Amount, Amount: tx.AmountSent}
	}
	return nil
}

// stage validates one approval attempt and builds the unit of work to
// commit. It runs inside Store.Update, so the view is consistent and the
// transaction is held by a single writer.
func (s *ApprovalService) stage(ctx context.Context, v ledger.View, approverID string, role ledger.Role, now time.Time) (*ledger.UnitOfWork, ApprovalResult, error) {
	tx := v.Transaction()

	next, err := nextStatus(tx.Status, EventApprove)
	if err != nil {
		return nil, ApprovalResult{}, err
	}
	if err := s.CanApprove(role, tx); err != nil {
		return nil, ApprovalResult{}, err
	}

	approvals, err := v.Approvals(ctx)
	if err != nil {
		return nil, ApprovalResult{}, err
	}
	for _, a := range approvals {
		if a.ApproverID == approverID {
			// Recording the same (transaction, approver) pair twice is a
			// no-op on state; the caller is told a different approver is
			// still needed.
			return nil, ApprovalResult{}, ErrSameApproverDenied
		}
	}

	ceiling := s.policy.RoleCeilings[role]
	dual := s.RequiresDualApproval(tx)
	if dual && s.policy.UnlimitedBypassesDual && ceiling.Unlimited {
		dual = false
	}

	level := len(approvals) + 1
	approval := &ledger.Approval{
		TransactionID: tx.ID,
		ApproverID:    approverID,
		Level:         level,
		CreatedAt:     now,
	}

	if dual && level == 1 {
		// First of two approvals: record the vote, stay UNDER_REVIEW.
		tx.UpdatedAt = now
		unit := &ledger.UnitOfWork{Transaction: tx, Approval: approval}
		return unit, ApprovalResult{Level: 1}, nil
	}

	from := tx.Status
	tx.Status = next
	tx.UpdatedAt = now
	unit := &ledger.UnitOfWork{
		Transaction: tx,
		Approval:    approval,
		Audit: &ledger.AuditEntry{
			TransactionID: tx.ID,
			FromStatus:    from,
			ToStatus:      next,
			ActorID:       approverID,
			Reason:        "approval complete",
			CreatedAt:     now,
		},
	}
	return unit, ApprovalResult{Level: level, Complete: true}, nil
}
