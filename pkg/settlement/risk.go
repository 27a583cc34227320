package settlement

import (
	"context"

	"github.com/remitwire/settlement-engine/pkg/ledger"
)

// RiskSignal is the verdict the external KYC/fraud subsystem supplies for
// a transaction. The engine consumes the flag; it never computes scores.
type RiskSignal struct {
	HighRisk bool
	Reason   string
}

// RiskChecker supplies risk signals. It is consulted before a transaction
// enters UNDER_REVIEW; a high-risk verdict keeps it out of review.
type RiskChecker interface {
	Assess(ctx context.Context, tx *ledger.Transaction) (RiskSignal, error)
}

// AllowAllRisk is the default checker: no transaction is flagged.
type AllowAllRisk struct{}

// Assess implements RiskChecker.
func (AllowAllRisk) Assess(ctx context.Context, tx *ledger.Transaction) (RiskSignal, error) {
	return RiskSignal{}, nil
}

// StaticRiskChecker flags transactions above a fixed amount. Useful for
// local runs and tests; production wires the real fraud subsystem.
type StaticRiskChecker struct {
	FlagAbove float64
}

// Assess implements RiskChecker.
func (c StaticRiskChecker) Assess(ctx context.Context, tx *ledger.Transaction) (RiskSignal, error) {
	if c.FlagAbove > 0 && tx.AmountSent > c.FlagAbove {
		return RiskSignal{HighRisk: true, Reason: "amount above static risk threshold"}, nil
	}
	return RiskSignal{}, nil
}
