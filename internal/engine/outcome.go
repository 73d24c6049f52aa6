package engine

import (
	"encoding/json"

	"trend-portfolio-bot/internal/execution"
	"trend-portfolio-bot/internal/risk"
	"trend-portfolio-bot/internal/signal"
	"trend-portfolio-bot/internal/sizing"
)

// Signal outcomes, recorded verbatim in signal_audit
const (
	OutcomeProcessed      = "PROCESSED"
	OutcomeRejectedValid  = "REJECTED_VALIDATION"
	OutcomeRejectedRisk   = "REJECTED_RISK"
	OutcomeRejectedDup    = "REJECTED_DUPLICATE"
	OutcomeRejectedMarket = "REJECTED_MARKET"
	OutcomeRejectedManual = "REJECTED_MANUAL"
	OutcomeFailedOrder    = "FAILED_ORDER"
	OutcomePartialFill    = "PARTIAL_FILL"
)

// Outcome is the full result of processing one signal
type Outcome struct {
	Outcome     string               `json:"outcome"`
	Reason      string               `json:"reason,omitempty"`
	PositionID  string               `json:"position_id,omitempty"`
	Lots        int                  `json:"lots,omitempty"`
	Validation  *signal.Result       `json:"validation,omitempty"`
	Sizing      *sizing.Calculation  `json:"sizing,omitempty"`
	Gate        *risk.GateDecision   `json:"gate,omitempty"`
	Execution   *execution.Result    `json:"execution,omitempty"`
	ClosedCount int                  `json:"closed_count,omitempty"`
	RealizedPnL float64              `json:"realized_pnl,omitempty"`
}

// Rejected reports whether the outcome is any rejection
func (o *Outcome) Rejected() bool {
	switch o.Outcome {
	case OutcomeProcessed, OutcomePartialFill:
		return false
	}
	return true
}

func rejected(outcome, reason string) *Outcome {
	return &Outcome{Outcome: outcome, Reason: reason}
}

func marshalOrNil(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
