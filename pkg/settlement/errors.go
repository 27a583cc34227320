package settlement

import (
	"errors"
	"fmt"

	"github.com/remitwire/settlement-engine/pkg/ledger"
)

var (
	// ErrInvalidTransition marks a (state, event) pair outside the
	// transition table. Never retried; surfaced as a user error.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrApproverOverLimit marks an approval attempt above the approver
	// role's ceiling. Requires a different actor, never a retry.
	ErrApproverOverLimit = errors.New("approver over limit")

	// ErrSameApproverDenied marks a second approval attempt by the actor
	// already recorded at level 1. No state is mutated; a different
	// approver must act.
	ErrSameApproverDenied = errors.New("second approval must come from a different approver")

	// ErrUnknownRole marks an approver role outside the closed role enum.
	ErrUnknownRole = errors.New("unknown approver role")

	// ErrAgentNoLongerEligible marks an assignment that lost the capacity
	// race. The caller should re-list eligible agents and pick another.
	ErrAgentNoLongerEligible = errors.New("agent no longer eligible")

	// ErrCodeMismatch marks a presented pickup code that does not match.
	ErrCodeMismatch = errors.New("pickup code mismatch")

	// ErrAlreadyVerified marks a second redemption attempt.
	ErrAlreadyVerified = errors.New("pickup already verified")

	// ErrReceiptRequired marks a receipt-upload event without a receipt
	// reference.
	ErrReceiptRequired = errors.New("receipt reference required")

	// ErrRejectionDetail marks a rejection without both a category from
	// the closed enum and a free-text reason. Checked before any state
	// is touched.
	ErrRejectionDetail = errors.New("rejection category and reason are required")

	// ErrRiskHold marks a transaction the risk signal flagged; it stays
	// out of review until the flag clears.
	ErrRiskHold = errors.New("transaction held by risk signal")

	// ErrCancelDenied marks a cancellation by someone who is neither the
	// sender nor an administrator.
	ErrCancelDenied = errors.New("only the sender or an administrator may cancel")

	// ErrPersistence marks an infrastructure failure. All mutations are
	// atomic, so the whole operation is safe to retry.
	ErrPersistence = errors.New("persistence failure")
)

// InvalidTransitionError carries the attempted event and the state it was
// attempted from.
type InvalidTransitionError struct {
	From  ledger.Status
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %s not allowed in state %s", e.Event, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// OverLimitError carries the denied role, its ceiling, and the amount, and
// renders the human-readable denial reason.
type OverLimitError struct {
	Role    ledger.Role
	Ceiling float64
	Amount  float64
}

func (e *OverLimitError) Error() string {
	return fmt.Sprintf("role %s may approve up to %.2f, transaction amount is %.2f", e.Role, e.Ceiling, e.Amount)
}

func (e *OverLimitError) Unwrap() error { return ErrApproverOverLimit }

// PersistenceError wraps an infrastructure failure from the ledger store.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPersistence) match wrapped store failures.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
