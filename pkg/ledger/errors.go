package ledger

import "errors"

var (
	// ErrTransactionNotFound is returned when no transaction exists for the id.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAgentNotFound is returned when no agent exists for the id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrConflict is returned when a commit loses a version race. The whole
	// operation is safe to re-run; Store.Update callers typically retry.
	ErrConflict = errors.New("ledger conflict")

	// ErrDuplicateApproval is returned when an approval row already exists
	// for the (transaction, approver) pair. It backstops the unique
	// constraint; the engine treats the pair as a no-op before commit.
	ErrDuplicateApproval = errors.New("duplicate approval")

	// ErrNotInitialized is returned by stores used before Initialize, or
	// when the backing schema is absent. Schema absence is a startup
	// failure, never a runtime policy decision.
	ErrNotInitialized = errors.New("ledger store not initialized")
)
