package settlement

import (
	"context"
	"time"

	"github.com/remitwire/settlement-engine/pkg/ledger"
)

// TransitionEvent describes one committed state transition. It is handed
// to the notifier after the commit; delivery failures never roll a
// transition back.
type TransitionEvent struct {
	TransactionID int64         `json:"transactionId"`
	Reference     string        `json:"reference"`
	Event         Event         `json:"event"`
	FromStatus    ledger.Status `json:"fromStatus"`
	ToStatus      ledger.Status `json:"toStatus"`
	ActorID       string        `json:"actorId"`
	OccurredAt    time.Time     `json:"occurredAt"`
}

// Notifier dispatches transition events to the external notification
// subsystem. Implementations should be fast; the engine calls Dispatch
// inline and only logs failures.
//
//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks -source=notify.go Notifier
type Notifier interface {
	Dispatch(ctx context.Context, event TransitionEvent) error
}

// NopNotifier drops all events.
type NopNotifier struct{}

// Dispatch implements Notifier.
func (NopNotifier) Dispatch(ctx context.Context, event TransitionEvent) error { return nil }
