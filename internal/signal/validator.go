package signal

import (
	"fmt"
	"time"
)

// Rejection codes surfaced in audit records
const (
	CodeSignalStale         = "SIGNAL_STALE"
	CodeFutureTimestamp     = "FUTURE_TIMESTAMP"
	CodePriceDivergent      = "PRICE_DIVERGENT"
	CodeRiskIncreaseBlocked = "RISK_INCREASE_BLOCKED"
	CodeMissingBase         = "MISSING_BASE"
)

// ValidatorConfig is the fixed validator option set
type ValidatorConfig struct {
	MaxAge              time.Duration
	EntryDivergencePct  float64 // BASE_ENTRY threshold
	LayerDivergencePct  float64 // PYRAMID / EXIT threshold
	Use1RGate           bool
	ValidationEnabled   bool
	AllowFavorableAbove bool // favorable divergence beyond threshold warns, proceeds
}

// CheckResult is one named check with its measured values
type CheckResult struct {
	Check   string  `json:"check"`
	Passed  bool    `json:"passed"`
	Value   float64 `json:"value"`
	Limit   float64 `json:"limit"`
	Warning bool    `json:"warning,omitempty"`
	Detail  string  `json:"detail,omitempty"`
}

// Result is the full validation outcome for one signal
type Result struct {
	Valid         bool          `json:"valid"`
	RejectionCode string        `json:"rejection_code,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Checks        []CheckResult `json:"checks"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// Validator performs freshness, divergence, and pyramid-condition checks
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator creates a validator
func NewValidator(cfg ValidatorConfig) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateFreshness enforces 0 <= age <= max_age. Future timestamps are
// rejected outright; age exactly at the threshold still passes.
func (v *Validator) ValidateFreshness(s *Signal) *Result {
	age := s.ReceivedAt.Sub(s.Timestamp)

	check := CheckResult{
		Check: "freshness",
		Value: age.Seconds(),
		Limit: v.cfg.MaxAge.Seconds(),
	}

	if age < 0 {
		check.Detail = "signal timestamp is in the future"
		return reject(CodeFutureTimestamp,
			fmt.Sprintf("signal timestamp %s is ahead of receipt", s.Timestamp.Format(time.RFC3339)), check)
	}
	if age > v.cfg.MaxAge {
		check.Detail = fmt.Sprintf("age %.1fs exceeds max %.0fs", age.Seconds(), v.cfg.MaxAge.Seconds())
		return reject(CodeSignalStale,
			fmt.Sprintf("signal is %.1fs old, max age %.0fs", age.Seconds(), v.cfg.MaxAge.Seconds()), check)
	}

	check.Passed = true
	return &Result{Valid: true, Checks: []CheckResult{check}}
}

// ValidateDivergence compares signal price against live LTP. Direction
// matters for a long book: for entries, LTP above signal price means paying
// up (unfavorable); for exits, LTP below signal price means selling lower
// (unfavorable). Favorable divergence beyond the threshold warns but may
// proceed per config.
func (v *Validator) ValidateDivergence(s *Signal, ltp float64) *Result {
	if !v.cfg.ValidationEnabled || s.Internal {
		return &Result{Valid: true}
	}

	threshold := v.cfg.LayerDivergencePct
	if s.Kind == KindBaseEntry {
		threshold = v.cfg.EntryDivergencePct
	}

	divergencePct := (ltp - s.Price) / s.Price * 100

	unfavorable := divergencePct > 0 // entries: paying more than signalled
	if s.Kind == KindExit {
		unfavorable = divergencePct < 0 // exits: receiving less than signalled
	}

	magnitude := divergencePct
	if magnitude < 0 {
		magnitude = -magnitude
	}

	check := CheckResult{
		Check: "divergence",
		Value: divergencePct,
		Limit: threshold,
	}

	if magnitude <= threshold {
		check.Passed = true
		return &Result{Valid: true, Checks: []CheckResult{check}}
	}

	if unfavorable {
		check.Detail = fmt.Sprintf("unfavorable divergence %.2f%% exceeds %.2f%%", magnitude, threshold)
		return reject(CodePriceDivergent,
			fmt.Sprintf("price diverged %.2f%% against the signal (limit %.2f%%)", magnitude, threshold), check)
	}

	warning := fmt.Sprintf("favorable divergence %.2f%% beyond %.2f%% threshold", magnitude, threshold)
	if v.cfg.AllowFavorableAbove {
		check.Passed = true
		check.Warning = true
		check.Detail = warning
		return &Result{Valid: true, Checks: []CheckResult{check}, Warnings: []string{warning}}
	}
	check.Detail = warning
	return reject(CodePriceDivergent, warning, check)
}

// Validate1RGate enforces the pyramid precondition that price has moved at
// least one initial risk unit from the base entry.
func (v *Validator) Validate1RGate(s *Signal, baseEntry, baseInitialStop, currentPrice float64) *Result {
	if !v.cfg.Use1RGate || s.Kind != KindPyramid {
		return &Result{Valid: true}
	}

	oneR := baseEntry - baseInitialStop
	move := currentPrice - baseEntry

	check := CheckResult{
		Check: "1R_gate",
		Value: move,
		Limit: oneR,
	}

	if oneR <= 0 {
		check.Passed = true
		return &Result{Valid: true, Checks: []CheckResult{check}}
	}
	if move < oneR {
		check.Detail = fmt.Sprintf("moved %.2f of required %.2f (1R) from base entry", move, oneR)
		return reject(CodeRiskIncreaseBlocked,
			fmt.Sprintf("price has moved %.2f from base, 1R gate requires %.2f", move, oneR), check)
	}

	check.Passed = true
	return &Result{Valid: true, Checks: []CheckResult{check}}
}

func reject(code, reason string, checks ...CheckResult) *Result {
	return &Result{
		Valid:         false,
		RejectionCode: code,
		Reason:        reason,
		Checks:        checks,
	}
}

// Merge folds results together; the first rejection wins
func Merge(results ...*Result) *Result {
	merged := &Result{Valid: true}
	for _, r := range results {
		if r == nil {
			continue
		}
		merged.Checks = append(merged.Checks, r.Checks...)
		merged.Warnings = append(merged.Warnings, r.Warnings...)
		if merged.Valid && !r.Valid {
			merged.Valid = false
			merged.RejectionCode = r.RejectionCode
			merged.Reason = r.Reason
		}
	}
	return merged
}
