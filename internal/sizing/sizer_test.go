package sizing

import (
	"testing"

	"trend-portfolio-bot/internal/instrument"
)

func bankNifty(t *testing.T) *instrument.Instrument {
	t.Helper()
	inst, err := instrument.NewCatalog().Get("BANK_NIFTY")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return inst
}

func TestSizeRiskLimited(t *testing.T) {
	// equity_high 50L, risk 0.5%, 200-point stop distance, point value 30:
	// Lot_R = floor(25000 / 6000) = 4
	calc := Size(Inputs{
		Instrument:   bankNifty(t),
		LayerIndex:   1,
		EntryPrice:   52000,
		StopPrice:    51800,
		ATR:          350,
		EquityHigh:   5000000,
		MaxMarginPct: 60,
	})

	if calc.LotR != 4 {
		t.Errorf("LotR = %d, want 4", calc.LotR)
	}
	// Lot_V = floor(5000000*0.01 / (350*30)) = floor(50000/10500) = 4
	if calc.LotV != 4 {
		t.Errorf("LotV = %d, want 4", calc.LotV)
	}
	// Lot_M = floor(3000000 / 180000) = 16
	if calc.LotM != 16 {
		t.Errorf("LotM = %d, want 16", calc.LotM)
	}
	if calc.FinalLots != 4 || calc.Limiter != LimiterRisk {
		t.Errorf("final = %d (%s), want 4 (risk)", calc.FinalLots, calc.Limiter)
	}
}

func TestSizeMarginLimited(t *testing.T) {
	calc := Size(Inputs{
		Instrument:   bankNifty(t),
		LayerIndex:   1,
		EntryPrice:   52000,
		StopPrice:    51800,
		ATR:          100, // LotV = floor(50000/3000) = 16
		EquityHigh:   5000000,
		MarginUsed:   2900000, // room = 100000 -> LotM = 0
		MaxMarginPct: 60,
	})
	if calc.FinalLots != 0 || calc.Limiter != LimiterMargin {
		t.Errorf("final = %d (%s), want 0 (margin)", calc.FinalLots, calc.Limiter)
	}
}

func TestSizeZeroLotNeverNegative(t *testing.T) {
	calc := Size(Inputs{
		Instrument:   bankNifty(t),
		LayerIndex:   1,
		EntryPrice:   52000,
		StopPrice:    51800,
		ATR:          350,
		EquityHigh:   5000000,
		MarginUsed:   4000000, // past the cap: negative room
		MaxMarginPct: 60,
	})
	if calc.FinalLots != 0 {
		t.Errorf("final = %d, want 0", calc.FinalLots)
	}
}

func TestSizeOngoingRatesHalvePerLayer(t *testing.T) {
	base := Size(Inputs{
		Instrument: bankNifty(t), LayerIndex: 1,
		EntryPrice: 52000, StopPrice: 51800, ATR: 350,
		EquityHigh: 5000000, MaxMarginPct: 60,
	})
	layer3 := Size(Inputs{
		Instrument: bankNifty(t), LayerIndex: 3,
		EntryPrice: 52000, StopPrice: 51800, ATR: 350,
		EquityHigh: 5000000, MaxMarginPct: 60,
	})
	if base.RiskPct != 0.5 {
		t.Errorf("base risk pct = %v, want 0.5", base.RiskPct)
	}
	// layer 2 uses ongoing 0.35; layer 3 halves it
	if layer3.RiskPct != 0.175 {
		t.Errorf("layer 3 risk pct = %v, want 0.175", layer3.RiskPct)
	}
}

func TestSizeERAdjustment(t *testing.T) {
	in := Inputs{
		Instrument: bankNifty(t), LayerIndex: 1,
		EntryPrice: 52000, StopPrice: 51900, ATR: 100,
		EquityHigh: 5000000, MaxMarginPct: 60,
	}
	full := Size(in)

	in.ER = 0.3 // choppy: halve
	choppy := Size(in)
	if choppy.ERFactor != 0.5 {
		t.Errorf("ERFactor = %v, want 0.5", choppy.ERFactor)
	}
	if choppy.FinalLots != full.FinalLots/2 {
		t.Errorf("choppy lots = %d, want %d", choppy.FinalLots, full.FinalLots/2)
	}

	in.ER = 0.62 // clean trend: no reduction
	clean := Size(in)
	if clean.FinalLots != full.FinalLots {
		t.Errorf("clean-trend lots = %d, want %d", clean.FinalLots, full.FinalLots)
	}
}

func TestSizePyramidFloor(t *testing.T) {
	calc := Size(Inputs{
		Instrument: bankNifty(t), LayerIndex: 2,
		EntryPrice: 52000, StopPrice: 51800, ATR: 350,
		EquityHigh: 5000000, MaxMarginPct: 60,
		PreviousLayerLots: 6, // floor = 3; ongoing rates yield 2
	})
	if !calc.FloorBlocks || calc.FinalLots != 0 || calc.Limiter != LimiterFloor {
		t.Errorf("pyramid under the 50%% floor should zero out: %+v", calc)
	}
}
