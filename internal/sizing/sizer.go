package sizing

import (
	"math"

	"trend-portfolio-bot/internal/instrument"
)

// Limiter tags name which constraint bound the final lot count
const (
	LimiterRisk       = "risk"
	LimiterVolatility = "volatility"
	LimiterMargin     = "margin"
	LimiterFloor      = "floor"
)

// Inputs carries everything the sizer needs for one decision
type Inputs struct {
	Instrument   *instrument.Instrument
	LayerIndex   int     // 1 = base entry, 2+ = pyramids
	EntryPrice   float64
	StopPrice    float64
	ATR          float64
	ER           float64 // efficiency ratio, 0 disables the adjustment
	EquityHigh   float64 // Tom Basso high-watermark equity
	MarginUsed   float64
	MaxMarginPct float64 // e.g. 60 -> at most 60% of equity in margin

	// PreviousLayerLots enforces the >=50%-of-previous-layer floor on
	// pyramids. Zero for base entries.
	PreviousLayerLots int
}

// Calculation is the complete audit record for one sizing decision
type Calculation struct {
	EquityHigh   float64 `json:"equity_high"`
	RiskPct      float64 `json:"risk_pct"`
	VolPct       float64 `json:"vol_pct"`
	RiskPerLot   float64 `json:"risk_per_lot"`
	VolPerLot    float64 `json:"vol_per_lot"`
	MarginPerLot float64 `json:"margin_per_lot"`
	MarginRoom   float64 `json:"margin_room"`

	LotR int `json:"lot_r"`
	LotV int `json:"lot_v"`
	LotM int `json:"lot_m"`

	ERFactor float64 `json:"er_factor,omitempty"`
	RawLots  int     `json:"raw_lots"`

	FloorLots   int    `json:"floor_lots,omitempty"`
	FloorBlocks bool   `json:"floor_blocks,omitempty"`
	FinalLots   int    `json:"final_lots"`
	Limiter     string `json:"limiter,omitempty"`
}

// Size computes lots under the three-constraint model: risk, volatility and
// margin each produce a candidate; the position takes the minimum. A
// non-positive result is not an error — the caller records a zero-lot
// PROCESSED outcome.
func Size(in Inputs) Calculation {
	inst := in.Instrument
	riskPct := inst.RiskPct(in.LayerIndex)
	volPct := inst.VolPct(in.LayerIndex)

	calc := Calculation{
		EquityHigh:   in.EquityHigh,
		RiskPct:      riskPct,
		VolPct:       volPct,
		MarginPerLot: inst.MarginPerLot,
	}

	calc.RiskPerLot = (in.EntryPrice - in.StopPrice) * inst.PointValue
	if calc.RiskPerLot > 0 {
		calc.LotR = int(math.Floor(in.EquityHigh * riskPct / 100 / calc.RiskPerLot))
	}

	calc.VolPerLot = in.ATR * inst.PointValue
	if calc.VolPerLot > 0 {
		calc.LotV = int(math.Floor(in.EquityHigh * volPct / 100 / calc.VolPerLot))
	}

	calc.MarginRoom = in.MaxMarginPct/100*in.EquityHigh - in.MarginUsed
	if inst.MarginPerLot > 0 && calc.MarginRoom > 0 {
		calc.LotM = int(math.Floor(calc.MarginRoom / inst.MarginPerLot))
	}

	lots := calc.LotR
	calc.Limiter = LimiterRisk
	if calc.LotV < lots {
		lots = calc.LotV
		calc.Limiter = LimiterVolatility
	}
	if calc.LotM < lots {
		lots = calc.LotM
		calc.Limiter = LimiterMargin
	}
	if lots < 0 {
		lots = 0
	}

	if in.ER > 0 && in.ER < 1 {
		calc.ERFactor = erFactor(in.ER)
		lots = int(math.Floor(float64(lots) * calc.ERFactor))
	}
	calc.RawLots = lots

	// Pyramids that cannot carry at least half the previous layer add more
	// noise than trend exposure
	if in.LayerIndex > 1 && in.PreviousLayerLots > 0 {
		calc.FloorLots = (in.PreviousLayerLots + 1) / 2
		if lots > 0 && lots < calc.FloorLots {
			calc.FloorBlocks = true
			calc.Limiter = LimiterFloor
			lots = 0
		}
	}

	calc.FinalLots = lots
	if lots == 0 && calc.Limiter == "" {
		calc.Limiter = LimiterRisk
	}
	return calc
}

// erFactor maps the efficiency ratio onto a sizing multiplier. Choppy
// markets (low ER) size down; a clean trend keeps full size.
func erFactor(er float64) float64 {
	switch {
	case er >= 0.6:
		return 1.0
	case er >= 0.4:
		return 0.75
	default:
		return 0.5
	}
}
