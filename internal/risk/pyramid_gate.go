package risk

import (
	"fmt"
)

// Canonical block tags. Every blocked decision leads its Reason with one of
// these so audit rows and alert rules can match on the tag without parsing
// the prose.
const (
	TagHardCap         = "PORTFOLIO_HARD_CAP"
	TagNoBase          = "INSTRUMENT_GATE_NO_BASE"
	TagMaxPyramids     = "INSTRUMENT_GATE_MAX_PYRAMIDS"
	TagATRSpacing      = "INSTRUMENT_GATE_ATR_SPACING"
	TagPortfolioRisk   = "PORTFOLIO_GATE_RISK_BLOCK"
	TagPortfolioVol    = "PORTFOLIO_GATE_VOL_BLOCK"
	TagPortfolioMargin = "PORTFOLIO_GATE_MARGIN_BLOCK"
	TagProfitCombined  = "PROFIT_GATE_COMBINED_PNL"
	TagProfitBaseRisk  = "PROFIT_GATE_BASE_RISK"
)

// GateConfig is the fixed pyramid/portfolio gate option set
type GateConfig struct {
	MaxPortfolioRiskPct float64 // hard cap, blocks all new entries
	RiskWarningPct      float64 // warn threshold
	RiskBlockPct        float64 // pyramid block threshold
	VolBlockPct         float64
	MarginBlockPct      float64
	ATRPyramidSpacing   float64 // required move in ATRs since last pyramid
}

// PortfolioSnapshot is the aggregate state the gates evaluate against
type PortfolioSnapshot struct {
	EquityHigh       float64
	TotalRiskAmount  float64
	TotalVolAmount   float64
	MarginUsed       float64
	CombinedUnrealPnL float64
}

// RiskPct returns portfolio risk as a percentage of the equity high-watermark
func (s PortfolioSnapshot) RiskPct() float64 {
	if s.EquityHigh <= 0 {
		return 0
	}
	return s.TotalRiskAmount / s.EquityHigh * 100
}

// VolPct returns portfolio volatility exposure as a percentage of equity
func (s PortfolioSnapshot) VolPct() float64 {
	if s.EquityHigh <= 0 {
		return 0
	}
	return s.TotalVolAmount / s.EquityHigh * 100
}

// MarginPct returns margin utilization as a percentage of equity
func (s PortfolioSnapshot) MarginPct() float64 {
	if s.EquityHigh <= 0 {
		return 0
	}
	return s.MarginUsed / s.EquityHigh * 100
}

// InstrumentSnapshot is the per-instrument state for the instrument gate
type InstrumentSnapshot struct {
	BaseOpen         bool
	OpenLayers       int
	MaxPyramids      int
	LastPyramidPrice float64
	CurrentPrice     float64
	ATR              float64
	UnrealizedPnL    float64
	BaseRiskAmount   float64 // lots * (entry - initial_stop) * point_value of the base layer
}

// GateDecision is the audit record for one gate evaluation
type GateDecision struct {
	Allowed  bool     `json:"allowed"`
	Blocked  string   `json:"blocked_by,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	RiskPct   float64 `json:"risk_pct"`
	VolPct    float64 `json:"vol_pct"`
	MarginPct float64 `json:"margin_pct"`
}

// Gate evaluates entry preconditions
type Gate struct {
	cfg GateConfig
}

// NewGate creates a gate
func NewGate(cfg GateConfig) *Gate {
	return &Gate{cfg: cfg}
}

// CheckHardCap is evaluated for every new entry, base or pyramid. Portfolio
// risk at or past the cap blocks regardless of any other state.
func (g *Gate) CheckHardCap(p PortfolioSnapshot) GateDecision {
	d := GateDecision{Allowed: true, RiskPct: p.RiskPct(), VolPct: p.VolPct(), MarginPct: p.MarginPct()}
	if d.RiskPct >= g.cfg.MaxPortfolioRiskPct {
		return blocked(d, "hard_cap", TagHardCap,
			fmt.Sprintf("portfolio risk %.2f%% at or above %.0f%% hard cap",
				d.RiskPct, g.cfg.MaxPortfolioRiskPct))
	}
	return d
}

// CheckPyramid runs the three predicate groups in order: instrument gate,
// portfolio gate, profit gate. The first failure blocks.
func (g *Gate) CheckPyramid(inst InstrumentSnapshot, p PortfolioSnapshot) GateDecision {
	d := g.CheckHardCap(p)
	if !d.Allowed {
		return d
	}

	// Instrument gate
	if !inst.BaseOpen {
		return blocked(d, "instrument", TagNoBase, "no open base position for this instrument")
	}
	if inst.OpenLayers >= inst.MaxPyramids+1 {
		return blocked(d, "instrument", TagMaxPyramids,
			fmt.Sprintf("max pyramids reached (%d layers open)", inst.OpenLayers))
	}
	if inst.LastPyramidPrice > 0 && inst.ATR > 0 {
		required := inst.ATR * g.cfg.ATRPyramidSpacing
		moved := inst.CurrentPrice - inst.LastPyramidPrice
		if moved < required {
			return blocked(d, "instrument", TagATRSpacing,
				fmt.Sprintf("price moved %.2f since last pyramid, spacing requires %.2f", moved, required))
		}
	}

	// Portfolio gate
	if d.RiskPct >= g.cfg.RiskBlockPct {
		return blocked(d, "portfolio", TagPortfolioRisk,
			fmt.Sprintf("portfolio risk %.2f%% at or above %.0f%% block threshold", d.RiskPct, g.cfg.RiskBlockPct))
	}
	if d.RiskPct >= g.cfg.RiskWarningPct {
		d.Warnings = append(d.Warnings,
			fmt.Sprintf("portfolio risk %.2f%% past %.0f%% warning threshold", d.RiskPct, g.cfg.RiskWarningPct))
	}
	if d.VolPct >= g.cfg.VolBlockPct {
		return blocked(d, "portfolio", TagPortfolioVol,
			fmt.Sprintf("portfolio volatility %.2f%% at or above %.0f%%", d.VolPct, g.cfg.VolBlockPct))
	}
	if d.MarginPct >= g.cfg.MarginBlockPct {
		return blocked(d, "portfolio", TagPortfolioMargin,
			fmt.Sprintf("margin utilization %.2f%% at or above %.0f%%", d.MarginPct, g.cfg.MarginBlockPct))
	}

	// Profit gate: only add to winners
	if p.CombinedUnrealPnL <= 0 {
		return blocked(d, "profit", TagProfitCombined,
			fmt.Sprintf("combined unrealized P&L %.0f not positive", p.CombinedUnrealPnL))
	}
	if inst.UnrealizedPnL <= inst.BaseRiskAmount {
		return blocked(d, "profit", TagProfitBaseRisk,
			fmt.Sprintf("instrument unrealized P&L %.0f has not cleared base risk %.0f",
				inst.UnrealizedPnL, inst.BaseRiskAmount))
	}

	return d
}

func blocked(d GateDecision, group, tag, reason string) GateDecision {
	d.Allowed = false
	d.Blocked = group
	d.Reason = tag + ": " + reason
	return d
}
