package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the workflow state of a transaction.
type Status string

const (
	// StatusPending marks a freshly created transaction.
	StatusPending Status = "PENDING"
	// StatusUnderReview marks a transaction awaiting approval.
	StatusUnderReview Status = "UNDER_REVIEW"
	// StatusApproved marks a transaction cleared for payout.
	StatusApproved Status = "APPROVED"
	// StatusReadyForPickup marks a cash-pickup transaction with an assigned agent.
	StatusReadyForPickup Status = "READY_FOR_PICKUP"
	// StatusCompleted marks a paid-out transaction.
	StatusCompleted Status = "COMPLETED"
	// StatusRejected marks a transaction refused during review.
	StatusRejected Status = "REJECTED"
	// StatusCancelled marks a transaction withdrawn before review.
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// PayoutMethod identifies how the recipient receives funds.
type PayoutMethod string

const (
	CashPickup   PayoutMethod = "CASH_PICKUP"
	BankTransfer PayoutMethod = "BANK_TRANSFER"
	UPI          PayoutMethod = "UPI"
	WireTransfer PayoutMethod = "WIRE_TRANSFER"
)

// Valid reports whether the payout method is one of the supported values.
func (m PayoutMethod) Valid() bool {
	switch m {
	case CashPickup, BankTransfer, UPI, WireTransfer:
		return true
	}
	return false
}

// RejectionCategory is the closed set of reasons a transaction may be rejected.
type RejectionCategory string

const (
	RejectIncorrectData        RejectionCategory = "INCORRECT_DATA"
	RejectKYCIncomplete        RejectionCategory = "KYC_INCOMPLETE"
	RejectFraudSuspected       RejectionCategory = "FRAUD_SUSPECTED"
	RejectLimitExceeded        RejectionCategory = "LIMIT_EXCEEDED"
	RejectInvalidReceipt       RejectionCategory = "INVALID_RECEIPT"
	RejectDuplicateTransaction RejectionCategory = "DUPLICATE_TRANSACTION"
	RejectOther                RejectionCategory = "OTHER"
)

// Valid reports whether the category is one of the closed enum values.
func (c RejectionCategory) Valid() bool {
	switch c {
	case RejectIncorrectData, RejectKYCIncomplete, RejectFraudSuspected,
		RejectLimitExceeded, RejectInvalidReceipt, RejectDuplicateTransaction, RejectOther:
		return true
	}
	return false
}

// Role is the closed set of actor roles recognized by the approval policy.
// An unrecognized role is rejected outright rather than falling back to a
// zero ceiling.
type Role string

const (
	RoleAdmin             Role = "ADMIN"
	RoleComplianceOfficer Role = "COMPLIANCE_OFFICER"
	RoleSuperAdmin        Role = "SUPER_ADMIN"
)

// Valid reports whether the role is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleComplianceOfficer, RoleSuperAdmin:
		return true
	}
	return false
}

// Party holds the identifying fields of a sender or recipient.
type Party struct {
	Name    string `json:"name" dynamodbav:"Name"`
	Phone   string `json:"phone" dynamodbav:"Phone"`
	Country string `json:"country" dynamodbav:"Country"`
}

// BankDetails carries the optional payout account fields for non-cash methods.
type BankDetails struct {
	BankName      string `json:"bankName" dynamodbav:"BankName"`
	AccountNumber string `json:"accountNumber" dynamodbav:"AccountNumber"`
	RoutingCode   string `json:"routingCode,omitempty" dynamodbav:"RoutingCode"`
}

// Transaction is one cross-border money transfer.
//
// A transaction is created PENDING and mutated only through Store.Update;
// terminal statuses are retained, never deleted.
type Transaction struct {
	ID        int64  `json:"id" dynamodbav:"ID"`
	Reference string `json:"reference" dynamodbav:"Reference"`

	Sender    Party        `json:"sender" dynamodbav:"Sender"`
	Recipient Party        `json:"recipient" dynamodbav:"Recipient"`
	Bank      *BankDetails `json:"bank,omitempty" dynamodbav:"Bank"`

	AmountSent     float64 `json:"amountSent" dynamodbav:"AmountSent"`
	FromCurrency   string  `json:"fromCurrency" dynamodbav:"FromCurrency"`
	ToCurrency     string  `json:"toCurrency" dynamodbav:"ToCurrency"`
	ExchangeRate   float64 `json:"exchangeRate" dynamodbav:"ExchangeRate"`
	AdminFee       float64 `json:"adminFee" dynamodbav:"AdminFee"`
	AmountReceived float64 `json:"amountReceived" dynamodbav:"AmountReceived"`

	PayoutMethod PayoutMethod `json:"payoutMethod" dynamodbav:"PayoutMethod"`
	PickupCity   string       `json:"pickupCity,omitempty" dynamodbav:"PickupCity"`

	Status           Status     `json:"status" dynamodbav:"Status"`
	ReceiptRef       string     `json:"receiptRef,omitempty" dynamodbav:"ReceiptRef"`
	AssignedAgentID  *int64     `json:"assignedAgentId,omitempty" dynamodbav:"AssignedAgentID"`
	PickupCode       string     `json:"-" dynamodbav:"PickupCode"`
	PickupVerifiedAt *time.Time `json:"pickupVerifiedAt,omitempty" dynamodbav:"PickupVerifiedAt"`

	RejectionCategory RejectionCategory `json:"rejectionCategory,omitempty" dynamodbav:"RejectionCategory"`
	RejectionReason   string            `json:"rejectionReason,omitempty" dynamodbav:"RejectionReason"`
	AdminNotes        string            `json:"adminNotes,omitempty" dynamodbav:"AdminNotes"`

	CreatedAt time.Time `json:"createdAt" dynamodbav:"CreatedAt"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"UpdatedAt"`

	// Version guards optimistic commits; bumped on every Store.Update.
	Version int64 `json:"-" dynamodbav:"Version"`
}

// Validate checks the creation-time invariants of a transaction.
func (t *Transaction) Validate() error {
	if t.AmountSent <= 0 {
		return fmt.Errorf("amountSent must be positive, got %v", t.AmountSent)
	}
	if t.ExchangeRate <= 0 {
		return fmt.Errorf("exchangeRate must be positive, got %v", t.ExchangeRate)
	}
	if t.AdminFee < 0 {
		return fmt.Errorf("adminFee must not be negative, got %v", t.AdminFee)
	}
	if !t.PayoutMethod.Valid() {
		return fmt.Errorf("unsupported payout method %q", t.PayoutMethod)
	}
	if t.PayoutMethod == CashPickup && strings.TrimSpace(t.PickupCity) == "" {
		return errors.New("pickupCity is required for cash pickup")
	}
	if strings.TrimSpace(t.Sender.Name) == "" || strings.TrimSpace(t.Recipient.Name) == "" {
		return errors.New("sender and recipient names are required")
	}
	if t.FromCurrency == "" || t.ToCurrency == "" {
		return errors.New("fromCurrency and toCurrency are required")
	}
	return nil
}

// Approval is one maker-checker vote on a transaction. Rows are immutable
// and unique per (transaction, approver).
type Approval struct {
	TransactionID int64     `json:"transactionId" dynamodbav:"TransactionID"`
	ApproverID    string    `json:"approverId" dynamodbav:"ApproverID"`
	Level         int       `json:"level" dynamodbav:"Level"`
	CreatedAt     time.Time `json:"createdAt" dynamodbav:"CreatedAt"`
}

// AgentStatus is the operational state of a cash-pickup agent.
type AgentStatus string

const (
	AgentActive    AgentStatus = "ACTIVE"
	AgentSuspended AgentStatus = "SUSPENDED"
	AgentOutOfCash AgentStatus = "OUT_OF_CASH"
	AgentOnHold    AgentStatus = "ON_HOLD"
)

// Agent is a cash-disbursement partner with daily and per-transaction limits.
type Agent struct {
	ID                 int64       `json:"id" dynamodbav:"ID"`
	Name               string      `json:"name" dynamodbav:"Name"`
	Phone              string      `json:"phone" dynamodbav:"Phone"`
	City               string      `json:"city" dynamodbav:"City"`
	Status             AgentStatus `json:"status" dynamodbav:"Status"`
	MaxDailyAmount     float64     `json:"maxDailyAmount" dynamodbav:"MaxDailyAmount"`
	MaxPerTransaction  float64     `json:"maxPerTransaction" dynamodbav:"MaxPerTransaction"`
	CurrentDailyAmount float64     `json:"currentDailyAmount" dynamodbav:"CurrentDailyAmount"`
	ActiveTransactions int         `json:"activeTransactions" dynamodbav:"ActiveTransactions"`

	// Version guards optimistic commits on the capacity counters.
	Version int64 `json:"-" dynamodbav:"Version"`
}

// CanAccept reports whether the agent may take on a payout of the given
// amount within its current limits. Status and city are checked separately.
func (a *Agent) CanAccept(amount float64) bool {
	if a.Status != AgentActive {
		return false
	}
	if amount > a.MaxPerTransaction {
		return false
	}
	return a.CurrentDailyAmount+amount <= a.MaxDailyAmount
}

// AuditEntry is one immutable record of a state transition. The audit trail
// is append-only and is the sole source of historical truth for a
// transaction's timeline.
type AuditEntry struct {
	TransactionID int64     `json:"transactionId" dynamodbav:"TransactionID"`
	FromStatus    Status    `json:"fromStatus" dynamodbav:"FromStatus"`
	ToStatus      Status    `json:"toStatus" dynamodbav:"ToStatus"`
	ActorID       string    `json:"actorId" dynamodbav:"ActorID"`
	Reason        string    `json:"reason,omitempty" dynamodbav:"Reason"`
	CreatedAt     time.Time `json:"createdAt" dynamodbav:"CreatedAt"`
}
