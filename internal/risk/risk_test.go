package risk

import (
	"strings"
	"testing"
)

func gate() *Gate {
	return NewGate(GateConfig{
		MaxPortfolioRiskPct: 15,
		RiskWarningPct:      10,
		RiskBlockPct:        12,
		VolBlockPct:         4,
		MarginBlockPct:      50,
		ATRPyramidSpacing:   0.5,
	})
}

func healthyPortfolio() PortfolioSnapshot {
	return PortfolioSnapshot{
		EquityHigh:        5000000,
		TotalRiskAmount:   250000, // 5%
		TotalVolAmount:    100000, // 2%
		MarginUsed:        1500000, // 30%
		CombinedUnrealPnL: 120000,
	}
}

func healthyInstrument() InstrumentSnapshot {
	return InstrumentSnapshot{
		BaseOpen:         true,
		OpenLayers:       2,
		MaxPyramids:      5,
		LastPyramidPrice: 52000,
		CurrentPrice:     52400,
		ATR:              350,
		UnrealizedPnL:    50000,
		BaseRiskAmount:   24000,
	}
}

func TestHardCapBlocksEverything(t *testing.T) {
	p := healthyPortfolio()
	p.TotalRiskAmount = 750000 // exactly 15%
	d := gate().CheckHardCap(p)
	if d.Allowed || d.Blocked != "hard_cap" {
		t.Errorf("risk at 15%% must block: %+v", d)
	}

	p.TotalRiskAmount = 749999
	if d := gate().CheckHardCap(p); !d.Allowed {
		t.Errorf("risk below 15%% must pass: %+v", d)
	}
}

func TestPyramidInstrumentGate(t *testing.T) {
	g := gate()
	p := healthyPortfolio()

	noBase := healthyInstrument()
	noBase.BaseOpen = false
	if d := g.CheckPyramid(noBase, p); d.Allowed || d.Blocked != "instrument" {
		t.Errorf("missing base must block: %+v", d)
	}

	maxed := healthyInstrument()
	maxed.OpenLayers = 6
	if d := g.CheckPyramid(maxed, p); d.Allowed {
		t.Errorf("six open layers must block further pyramids: %+v", d)
	}

	tooClose := healthyInstrument()
	tooClose.CurrentPrice = 52100 // moved 100, spacing requires 175
	if d := g.CheckPyramid(tooClose, p); d.Allowed || !strings.Contains(d.Reason, "spacing") {
		t.Errorf("insufficient ATR spacing must block: %+v", d)
	}
}

func TestPyramidPortfolioGate(t *testing.T) {
	g := gate()

	riskBlocked := healthyPortfolio()
	riskBlocked.TotalRiskAmount = 600000 // 12%
	d := g.CheckPyramid(healthyInstrument(), riskBlocked)
	if d.Allowed || d.Blocked != "portfolio" {
		t.Errorf("risk at block threshold must block: %+v", d)
	}
	if !strings.HasPrefix(d.Reason, TagPortfolioRisk+":") {
		t.Errorf("reason = %q, must lead with the canonical tag", d.Reason)
	}

	warned := healthyPortfolio()
	warned.TotalRiskAmount = 550000 // 11%: past warning, below block
	d = g.CheckPyramid(healthyInstrument(), warned)
	if !d.Allowed || len(d.Warnings) == 0 {
		t.Errorf("risk in warning band should pass with warning: %+v", d)
	}

	volBlocked := healthyPortfolio()
	volBlocked.TotalVolAmount = 200000 // 4%
	if d := g.CheckPyramid(healthyInstrument(), volBlocked); d.Allowed || !strings.HasPrefix(d.Reason, TagPortfolioVol) {
		t.Errorf("vol at block threshold must block with its tag: %+v", d)
	}

	marginBlocked := healthyPortfolio()
	marginBlocked.MarginUsed = 2500000 // 50%
	if d := g.CheckPyramid(healthyInstrument(), marginBlocked); d.Allowed || !strings.HasPrefix(d.Reason, TagPortfolioMargin) {
		t.Errorf("margin at block threshold must block with its tag: %+v", d)
	}
}

func TestPyramidProfitGate(t *testing.T) {
	g := gate()

	losing := healthyPortfolio()
	losing.CombinedUnrealPnL = -5000
	if d := g.CheckPyramid(healthyInstrument(), losing); d.Allowed || d.Blocked != "profit" {
		t.Errorf("negative combined P&L must block: %+v", d)
	}

	thinProfit := healthyInstrument()
	thinProfit.UnrealizedPnL = 20000 // below base risk 24000
	if d := g.CheckPyramid(thinProfit, healthyPortfolio()); d.Allowed || d.Blocked != "profit" {
		t.Errorf("instrument P&L under base risk must block: %+v", d)
	}

	if d := g.CheckPyramid(healthyInstrument(), healthyPortfolio()); !d.Allowed {
		t.Errorf("healthy state should pass: %+v", d)
	}
}

func TestStopRatchet(t *testing.T) {
	// entry 52000, ATR 350, initial mult 1.0 -> stop 51650
	s := NewStopState(52000, 350, 1.0)
	if s.CurrentStop != 51650 {
		t.Fatalf("initial stop = %v, want 51650", s.CurrentStop)
	}

	// close drifts down: stop holds
	s, moved := s.Observe(51900, 350, 2.5)
	if moved || s.CurrentStop != 51650 {
		t.Errorf("lower close must not move the stop: %+v moved=%v", s, moved)
	}

	// strong close: 53000 - 2.5*350 = 52125
	s, moved = s.Observe(53000, 350, 2.5)
	if !moved || s.CurrentStop != 52125 {
		t.Errorf("stop should ratchet to 52125: %+v moved=%v", s, moved)
	}

	// pullback never lowers the stop
	s, moved = s.Observe(52200, 350, 2.5)
	if moved || s.CurrentStop != 52125 {
		t.Errorf("pullback must not lower the stop: %+v moved=%v", s, moved)
	}
	if s.HighestClose != 53000 {
		t.Errorf("highest close = %v, want 53000", s.HighestClose)
	}
}

func TestStopHitBoundary(t *testing.T) {
	s := NewStopState(52000, 350, 1.0)
	if !s.StopHit(51650) {
		t.Error("price exactly on the stop must trigger")
	}
	if s.StopHit(51650.05) {
		t.Error("price above the stop must not trigger")
	}
}
