package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remitwire/settlement-engine/pkg/ledger"
)

// defaultCommitRetries bounds re-runs of an update that lost a version
// race. Each re-run revalidates from scratch against fresh state.
const defaultCommitRetries = 3

// Observer receives one measurement per engine operation. The metrics
// collector implements it; a nil observer disables measurement.
type Observer interface {
	ObserveTransition(op string, duration time.Duration, err error)
}

// Config carries the engine's collaborators and policy. Zero values get
// safe defaults.
type Config struct {
	Policy        ApprovalPolicy
	Risk          RiskChecker
	Notifier      Notifier
	Observer      Observer
	Logger        *slog.Logger
	CommitRetries int
	Clock         func() time.Time
}

// Engine is the transaction state machine: the single point of truth for
// whether a transition is legal right now. Every mutation goes through the
// ledger store's atomic update, committing the new state together with its
// audit entry.
type Engine struct {
	store       ledger.Store
	approvals   *ApprovalService
	assignments *AssignmentService
	pickups     *PickupService
	risk        RiskChecker
	notifier    Notifier
	observer    Observer
	log         *slog.Logger
	retries     int
	now         func() time.Time
}

// NewEngine creates an engine over the given ledger store.
func NewEngine(store ledger.Store, cfg Config) *Engine {
	if cfg.Policy.RoleCeilings == nil {
		cfg.Policy = DefaultApprovalPolicy()
	}
	if cfg.Risk == nil {
		cfg.Risk = AllowAllRisk{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = defaultCommitRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		store:       store,
		approvals:   NewApprovalService(cfg.Policy),
		assignments: NewAssignmentService(),
		pickups:     NewPickupService(),
		risk:        cfg.Risk,
		notifier:    cfg.Notifier,
		observer:    cfg.Observer,
		log:         cfg.Logger,
		retries:     cfg.CommitRetries,
		now:         cfg.Clock,
	}
}

// Approvals exposes the approval service for policy queries.
func (e *Engine) Approvals() *ApprovalService { return e.approvals }

// CreateParams are the caller-supplied fields of a new transaction.
type CreateParams struct {
	Sender       ledger.Party
	Recipient    ledger.Party
	Bank         *ledger.BankDetails
	AmountSent   float64
	FromCurrency string
	ToCurrency   string
	ExchangeRate float64
	AdminFee     float64
	PayoutMethod ledger.PayoutMethod
	PickupCity   string
}

// CreateTransaction validates the parameters and persists a new PENDING
// transaction with its creation audit entry.
func (e *Engine) CreateTransaction(ctx context.Context, params CreateParams) (*ledger.Transaction, error) {
	now := e.now()
	tx := &ledger.Transaction{
		Reference:      newReference(),
		Sender:         params.Sender,
		Recipient:      params.Recipient,
		Bank:           params.Bank,
		AmountSent:     params.AmountSent,
		FromCurrency:   strings.ToUpper(params.FromCurrency),
		ToCurrency:     strings.ToUpper(params.ToCurrency),
		ExchangeRate:   params.ExchangeRate,
		AdminFee:       params.AdminFee,
		PayoutMethod:   params.PayoutMethod,
		PickupCity:     params.PickupCity,
		Status:         ledger.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// Fee is charged in the settlement currency.
	tx.AmountReceived = tx.AmountSent*tx.ExchangeRate - tx.AdminFee

	if err := tx.Validate(); err != nil {
		return nil, err
	}

	audit := &ledger.AuditEntry{
		FromStatus: "",
		ToStatus:   ledger.StatusPending,
		ActorID:    tx.Sender.Phone,
		Reason:     "transaction created",
		CreatedAt:  now,
	}
	if err := e.store.CreateTransaction(ctx, tx, audit); err != nil {
		return nil, &PersistenceError{Err: err}
	}

	e.log.Info("transaction created",
		"txID", tx.ID, "reference", tx.Reference,
		"amount", tx.AmountSent, "method", string(tx.PayoutMethod))
	return tx, nil
}

// GetTransaction loads a transaction by id.
func (e *Engine) GetTransaction(ctx context.Context, txID int64) (*ledger.Transaction, error) {
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return tx, nil
}

// MarkReceiptUploaded moves a PENDING transaction into UNDER_REVIEW once a
// receipt reference is present. The external risk signal is consulted
// first; a flagged transaction stays PENDING.
func (e *Engine) MarkReceiptUploaded(ctx context.Context, txID int64, receiptRef string) error {
	if strings.TrimSpace(receiptRef) == "" {
		return ErrReceiptRequired
	}
	return e.transition(ctx, "receipt_uploaded", txID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		tx := v.Transaction()
		next, err := nextStatus(tx.Status, EventReceiptUploaded)
		if err != nil {
			return nil, err
		}

		signal, err := e.risk.Assess(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("risk assessment: %w", err)
		}
		if signal.HighRisk {
			return nil, fmt.Errorf("%w: %s", ErrRiskHold, signal.Reason)
		}

		now := e.now()
		from := tx.Status
		tx.Status = next
		tx.ReceiptRef = receiptRef
		tx.UpdatedAt = now
		return &ledger.UnitOfWork{
			Transaction: tx,
			Audit: &ledger.AuditEntry{
				TransactionID: tx.ID,
				FromStatus:    from,
				ToStatus:      next,
				ActorID:       tx.Sender.Phone,
				Reason:        "receipt uploaded",
				CreatedAt:     now,
			},
		}, nil
	}, EventReceiptUploaded)
}

// Approve records one maker-checker vote. Below the dual-approval
// threshold a single approval completes; at or above it, two distinct
// approvers are required.
func (e *Engine) Approve(ctx context.Context, txID int64, approverID string, role ledger.Role) (ApprovalResult, error) {
	var result ApprovalResult
	err := e.transition(ctx, "approve", txID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		unit, res, err := e.approvals.stage(ctx, v, approverID, role, e.now())
		if err != nil {
			return nil, err
		}
		result = res
		return unit, nil
	}, EventApprove)
	if err != nil {
		return ApprovalResult{}, err
	}
	return result, nil
}

// Reject refuses a transaction. Both a category from the closed enum and
// a free-text reason are required; the check runs before any state is
// touched.
func (e *Engine) Reject(ctx context.Context, txID int64, actorID string, category ledger.RejectionCategory, reason, adminNotes string) error {
	if !category.Valid() || strings.TrimSpace(reason) == "" {
		return ErrRejectionDetail
	}
	return e.transition(ctx, "reject", txID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		tx := v.Transaction()
		next, err := nextStatus(tx.Status, EventReject)
		if err != nil {
			return nil, err
		}
		now := e.now()
		from := tx.Status
		tx.Status = next
		tx.RejectionCategory = category
		tx.RejectionReason = reason
		tx.AdminNotes = adminNotes
		tx.UpdatedAt = now
		return &ledger.UnitOfWork{
			Transaction: tx,
			Audit: &ledger.AuditEntry{
				TransactionID: tx.ID,
				FromStatus:    from,
				ToStatus:      next,
				ActorID:       actorID,
				Reason:        fmt.Sprintf("%s: %s", category, reason),
				CreatedAt:     now,
			},
		}, nil
	}, EventReject)
}

// ListEligibleAgents returns the agents in a city that can take a payout
// of the given amount, least-utilized first.
func (e *Engine) ListEligibleAgents(ctx context.Context, city string, amount float64) ([]*ledger.Agent, error) {
	agents, err := e.store.ListAgentsByCity(ctx, city)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return e.assignments.FindEligibleAgents(agents, amount), nil
}

// AssignAgent attaches a cash-pickup agent to an APPROVED transaction and
// returns the issued pickup code. Eligibility is re-validated at
// assignment time; the counter increments, the code, and the transition
// commit as one atomic unit.
func (e *Engine) AssignAgent(ctx context.Context, txID, agentID int64, actorID string) (string, error) {
	var code string
	err := e.transition(ctx, "assign_agent", txID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		unit, c, err := e.assignments.stageAssign(ctx, v, agentID, actorID, e.now())
		if err != nil {
			return nil, err
		}
		code = c
		return unit, nil
	}, EventAssignAgent)
	if err != nil {
		return "", err
	}
	return code, nil
}

// ReleaseAgent reverses an assignment, restoring the agent's counters and
// returning the transaction to APPROVED for reassignment or rejection.
func (e *Engine) ReleaseAgent(ctx context.Context, txID int64, actorID string) error {
	return e.transition(ctx, "release_agent", txID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		return e.assignments.stageRelease(ctx, v, actorID, e.now())
	}, EventReleaseAgent)
}

// VerifyPickup validates a presented pickup code and finalizes the payout.
// Safe to retry: a duplicate attempt after success fails AlreadyVerified
// without a second completion or counter decrement.
func (e *Engine) VerifyPickup(ctx context.Context, txID int64, presentedCode, actorID string) error {
	return e.transition(ctx, "verify_pickup", txID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		return e.pickups.stageVerify(ctx, v, presentedCode, actorID, e.now())
	}, EventVerifyPickup)
}

// CompleteNonCash completes an APPROVED transaction paid out through a
// non-cash channel. Cash pickups must go through agent assignment and
// code verification instead.
func (e *Engine) CompleteNonCash(ctx context.Context, txID int64, actorID string) error {
	return e.transition(ctx, "complete", txID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		tx := v.Transaction()
		next, err := nextStatus(tx.Status, EventComplete)
		if err != nil {
			return nil, err
		}
		if tx.PayoutMethod == ledger.CashPickup {
			return nil, &InvalidTransitionError{From: tx.Status, Event: EventComplete}
		}
		now := e.now()
		from := tx.Status
		tx.Status = next
		tx.UpdatedAt = now
		return &ledger.UnitOfWork{
			Transaction: tx,
			Audit: &ledger.AuditEntry{
				TransactionID: tx.ID,
				FromStatus:    from,
				ToStatus:      next,
				ActorID:       actorID,
				Reason:        "non-cash payout settled",
				CreatedAt:     now,
			},
		}, nil
	}, EventComplete)
}

// Cancel withdraws a PENDING transaction. Only the sender (matched by
// phone) or a recognized administrator role may cancel.
func (e *Engine) Cancel(ctx context.Context, txID int64, requesterID string, requesterRole ledger.Role) error {
	return e.transition(ctx, "cancel", txID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		tx := v.Transaction()
		next, err := nextStatus(tx.Status, EventCancel)
		if err != nil {
			return nil, err
		}
		if requesterID != tx.Sender.Phone && !requesterRole.Valid() {
			return nil, ErrCancelDenied
		}
		now := e.now()
		from := tx.Status
		tx.Status = next
		tx.UpdatedAt = now
		return &ledger.UnitOfWork{
			Transaction: tx,
			Audit: &ledger.AuditEntry{
				TransactionID: tx.ID,
				FromStatus:    from,
				ToStatus:      next,
				ActorID:       requesterID,
				Reason:        "cancelled by requester",
				CreatedAt:     now,
			},
		}, nil
	}, EventCancel)
}

// History returns the audit trail for a transaction, oldest first.
func (e *Engine) History(ctx context.Context, txID int64) ([]ledger.AuditEntry, error) {
	if _, err := e.store.GetTransaction(ctx, txID); err != nil {
		return nil, classifyStoreError(err)
	}
	entries, err := e.store.AuditHistory(ctx, txID)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return entries, nil
}

// transition runs one state-machine operation: the update function is
// retried on commit conflicts (revalidating each time), errors are
// classified into the engine taxonomy, the measurement is observed, and
// the notifier is told about a committed transition.
func (e *Engine) transition(ctx context.Context, op string, txID int64, fn ledger.UpdateFunc, event Event) error {
	start := e.now()
	var committed *ledger.AuditEntry

	wrapped := func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		committed = nil
		unit, err := fn(ctx, v)
		if err != nil {
			return nil, err
		}
		if unit != nil && unit.Audit != nil {
			committed = unit.Audit
		}
		return unit, nil
	}

	var err error
	for attempt := 0; attempt < e.retries; attempt++ {
		err = e.store.Update(ctx, txID, wrapped)
		if !errors.Is(err, ledger.ErrConflict) {
			break
		}
		e.log.Debug("commit conflict, revalidating", "op", op, "txID", txID, "attempt", attempt+1)
	}
	err = classifyStoreError(err)

	if e.observer != nil {
		e.observer.ObserveTransition(op, e.now().Sub(start), err)
	}
	if err != nil {
		e.log.Warn("transition refused", "op", op, "txID", txID, "error", err)
		return err
	}

	if committed != nil {
		e.log.Info("transition committed",
			"op", op, "txID", txID,
			"from", string(committed.FromStatus), "to", string(committed.ToStatus))
		e.dispatch(ctx, event, committed)
	}
	return nil
}

// dispatch fires the notification for a committed transition. Failures are
// logged and dropped; they never roll the transition back.
func (e *Engine) dispatch(ctx context.Context, event Event, audit *ledger.AuditEntry) {
	tx, err := e.store.GetTransaction(ctx, audit.TransactionID)
	reference := ""
	if err == nil {
		reference = tx.Reference
	}
	notification := TransitionEvent{
		TransactionID: audit.TransactionID,
		Reference:     reference,
		Event:         event,
		FromStatus:    audit.FromStatus,
		ToStatus:      audit.ToStatus,
		ActorID:       audit.ActorID,
		OccurredAt:    audit.CreatedAt,
	}
	if err := e.notifier.Dispatch(ctx, notification); err != nil {
		e.log.Warn("notification dispatch failed", "txID", audit.TransactionID, "event", string(event), "error", err)
	}
}

// classifyStoreError maps everything outside the engine taxonomy onto
// PersistenceFailure, leaving taxonomy errors untouched.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ledger.ErrTransactionNotFound,
		ledger.ErrAgentNotFound,
		ErrInvalidTransition,
		ErrApproverOverLimit,
		ErrSameApproverDenied,
		ErrUnknownRole,
		ErrAgentNoLongerEligible,
		ErrCodeMismatch,
		ErrAlreadyVerified,
		ErrReceiptRequired,
		ErrRejectionDetail,
		ErrRiskHold,
		ErrCancelDenied,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &PersistenceError{Err: err}
}

// newReference builds the human-readable transaction reference.
func newReference() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "TXN-" + id[:10]
}
