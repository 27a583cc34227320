package settlement

import "github.com/remitwire/settlement-engine/pkg/ledger"

// Event names a requested state-machine transition.
type Event string

const (
	EventReceiptUploaded Event = "RECEIPT_UPLOADED"
	EventApprove         Event = "APPROVE"
	EventReject          Event = "REJECT"
	EventAssignAgent     Event = "ASSIGN_AGENT"
	EventComplete        Event = "COMPLETE"
	EventVerifyPickup    Event = "VERIFY_PICKUP"
	EventReleaseAgent    Event = "RELEASE_AGENT"
	EventCancel          Event = "CANCEL"
	// EventCreate appears only in audit trails; it is never dispatched.
	EventCreate Event = "CREATE"
)

// transitions is the legal (state, event) -> state table. Any pair not
// present fails with InvalidTransitionError. READY_FOR_PICKUP exists only
// on the cash-pickup path; RELEASE_AGENT is the reassignment path back to
// APPROVED.
var transitions = map[ledger.Status]map[Event]ledger.Status{
	ledger.StatusPending: {
		EventReceiptUploaded: ledger.StatusUnderReview,
		EventReject:          ledger.StatusRejected,
		EventCancel:          ledger.StatusCancelled,
	},
	ledger.StatusUnderReview: {
		EventApprove: ledger.StatusApproved,
		EventReject:  ledger.StatusRejected,
	},
	ledger.StatusApproved: {
		EventAssignAgent: ledger.StatusReadyForPickup,
		EventComplete:    ledger.StatusCompleted,
		EventReject:      ledger.StatusRejected,
	},
	ledger.StatusReadyForPickup: {
		EventVerifyPickup: ledger.StatusCompleted,
		EventReleaseAgent: ledger.StatusApproved,
	},
}

// nextStatus resolves the target state for an event from the current
// state, or fails with InvalidTransitionError carrying both.
func nextStatus(current ledger.Status, event Event) (ledger.Status, error) {
	if targets, ok := transitions[current]; ok {
		if next, ok := targets[event]; ok {
			return next, nil
		}
	}
	return "", &InvalidTransitionError{From: current, Event: event}
}
