package ledger

import "context"

// View gives an UpdateFunc a consistent read of the ledger while a
// transaction is held for update. Values returned by View methods are
// private copies; mutating them has no effect until they are committed
// through the UnitOfWork.
type View interface {
	// Transaction returns the transaction the update was opened on.
	Transaction() *Transaction

	// Agent loads an agent by id.
	Agent(ctx context.Context, id int64) (*Agent, error)

	// Approvals lists the approval rows recorded for the transaction,
	// ordered by level.
	Approvals(ctx context.Context) ([]Approval, error)
}

// UnitOfWork is the set of writes committed atomically at the end of a
// Store.Update. A nil UnitOfWork commits nothing. Either the whole unit is
// applied or none of it is; a transition that cannot also write its audit
// entry fails as a whole.
type UnitOfWork struct {
	// Transaction is the updated transaction. Required for any transition.
	Transaction *Transaction

	// Agent carries updated capacity counters, when the operation touches
	// an agent. Committed with a version check so two operations racing for
	// the same agent's capacity cannot both win.
	Agent *Agent

	// Approval is an approval row to insert, if the operation recorded one.
	Approval *Approval

	// Audit is the state-transition record. Required whenever the
	// transaction's status changes.
	Audit *AuditEntry
}

// UpdateFunc validates and stages one ledger mutation. It may be re-run
// when a commit loses a version race, so it must re-derive all decisions
// from the View it is given.
type UpdateFunc func(ctx context.Context, v View) (*UnitOfWork, error)

// Store is the durable record of transactions, approvals, agents, and audit
// entries. Implementations must guarantee:
//
//   - Update serializes all mutations of a given transaction id (row lock
//     or equivalent single-writer guarantee).
//   - Agent counter commits are atomic relative to concurrent updates of
//     the same agent; a lost race surfaces as ErrConflict.
//   - Operations on unrelated transactions and agents proceed
//     independently; there is no store-wide mutual exclusion.
//   - A UnitOfWork commits entirely or not at all.
type Store interface {
	// Initialize verifies connectivity and that the backing schema exists.
	// A missing schema is an error here, not a runtime condition.
	Initialize(ctx context.Context) error
	Close() error

	// CreateTransaction persists a new transaction, assigns its id, and
	// appends the creation audit entry in the same commit. The entry's
	// TransactionID is filled in from the assigned id.
	CreateTransaction(ctx context.Context, tx *Transaction, audit *AuditEntry) error

	// GetTransaction loads a transaction by id.
	GetTransaction(ctx context.Context, id int64) (*Transaction, error)

	// Update runs fn against the current state of the transaction and
	// commits the staged UnitOfWork atomically.
	Update(ctx context.Context, txID int64, fn UpdateFunc) error

	// PutAgent inserts or replaces an agent record. Used by operations
	// staff tooling and seeding, not by the engine's transition paths.
	PutAgent(ctx context.Context, agent *Agent) error

	// GetAgent loads an agent by id.
	GetAgent(ctx context.Context, id int64) (*Agent, error)

	// ListAgentsByCity returns all agents registered in a city.
	ListAgentsByCity(ctx context.Context, city string) ([]*Agent, error)

	// ListApprovals returns the approval rows for a transaction, ordered
	// by level.
	ListApprovals(ctx context.Context, txID int64) ([]Approval, error)

	// AuditHistory returns the audit trail for a transaction sorted by
	// timestamp ascending.
	AuditHistory(ctx context.Context, txID int64) ([]AuditEntry, error)

	// ResetDailyAmounts zeroes every agent's currentDailyAmount and returns
	// the number of agents reset. Run by the daily reset job.
	ResetDailyAmounts(ctx context.Context) (int, error)
}
