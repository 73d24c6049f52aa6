package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"trend-portfolio-bot/internal/broker"
)

// fakeClock advances only when something sleeps
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(strategy string) Config {
	cfg := DefaultConfig()
	cfg.Strategy = strategy
	cfg.OrderTimeout = 10 * time.Second
	cfg.PollInterval = 100 * time.Millisecond
	return cfg
}

func syntheticLegs(qty int) []Leg {
	return []Leg{
		{Symbol: "BANKNIFTY26082752000PE", Exchange: "NFO", Action: broker.ActionSell, Quantity: qty},
		{Symbol: "BANKNIFTY26082752000CE", Exchange: "NFO", Action: broker.ActionBuy, Quantity: qty},
	}
}

func TestExecuteSyntheticBothLegsFill(t *testing.T) {
	mock := broker.NewMockBroker(5000000)
	mock.SetQuote("BANKNIFTY26082752000PE", 420)
	mock.SetQuote("BANKNIFTY26082752000CE", 510)

	ex := NewExecutor(testConfig(StrategyProgressive), mock, nil, newFakeClock())
	res := ex.Execute(context.Background(), Request{
		PositionID:  "BANK_NIFTY_Long_1",
		Legs:        syntheticLegs(120),
		SignalPrice: 52000,
		Product:     broker.ProductNRML,
	})

	if res.Status != ResultFilled {
		t.Fatalf("status = %s, want FILLED (%+v)", res.Status, res)
	}
	for _, leg := range res.Legs {
		if leg.FilledQuantity != 120 {
			t.Errorf("leg %s filled %d, want 120", leg.Symbol, leg.FilledQuantity)
		}
		if leg.OrderID == "" {
			t.Errorf("leg %s missing order id", leg.Symbol)
		}
	}
}

func TestExecuteLegRejectionFailsWhole(t *testing.T) {
	mock := broker.NewMockBroker(5000000)
	mock.SetQuote("BANKNIFTY26082752000PE", 420)
	mock.SetQuote("BANKNIFTY26082752000CE", 510)
	mock.RejectSymbol("BANKNIFTY26082752000CE")

	ex := NewExecutor(testConfig(StrategyProgressive), mock, nil, newFakeClock())
	res := ex.Execute(context.Background(), Request{
		PositionID:  "BANK_NIFTY_Long_1",
		Legs:        syntheticLegs(120),
		SignalPrice: 52000,
	})

	if res.Status != ResultFailed {
		t.Fatalf("status = %s, want FAILED_ORDER", res.Status)
	}
	if res.Reason == "" {
		t.Error("failed result should carry a reason")
	}
}

func TestExecutePartialFill(t *testing.T) {
	mock := broker.NewMockBroker(5000000)
	mock.SetQuote("GOLDM26SEP04FUT", 72500)
	mock.PartialFillSymbol("GOLDM26SEP04FUT", 100)

	cfg := testConfig(StrategyProgressive)
	cfg.FallbackToMarket = false
	ex := NewExecutor(cfg, mock, nil, newFakeClock())
	res := ex.Execute(context.Background(), Request{
		PositionID:  "GOLD_MINI_Long_1",
		Legs:        []Leg{{Symbol: "GOLDM26SEP04FUT", Exchange: "MCX", Action: broker.ActionBuy, Quantity: 300}},
		SignalPrice: 72500,
	})

	if res.Status != ResultPartialFill {
		t.Fatalf("status = %s, want PARTIAL_FILL (%+v)", res.Status, res)
	}
	if res.Legs[0].FilledQuantity != 100 {
		t.Errorf("filled = %d, want 100", res.Legs[0].FilledQuantity)
	}
}

func TestExecuteDelayedFillViaPolling(t *testing.T) {
	mock := broker.NewMockBroker(5000000)
	mock.SetQuote("GOLDM26SEP04FUT", 72500)
	mock.DelayFill("GOLDM26SEP04FUT", 3)

	ex := NewExecutor(testConfig(StrategyProgressive), mock, nil, newFakeClock())
	res := ex.Execute(context.Background(), Request{
		PositionID:  "GOLD_MINI_Long_1",
		Legs:        []Leg{{Symbol: "GOLDM26SEP04FUT", Exchange: "MCX", Action: broker.ActionBuy, Quantity: 100}},
		SignalPrice: 72500,
	})

	if res.Status != ResultFilled {
		t.Fatalf("status = %s, want FILLED after polling (%+v)", res.Status, res)
	}
}

func TestExecuteSimpleLimitSlippage(t *testing.T) {
	mock := broker.NewMockBroker(5000000)
	mock.SetQuote("COPPER26AUG31FUT", 860)

	ex := NewExecutor(testConfig(StrategySimpleLimit), mock, nil, newFakeClock())
	res := ex.Execute(context.Background(), Request{
		PositionID:  "COPPER_Long_1",
		Legs:        []Leg{{Symbol: "COPPER26AUG31FUT", Exchange: "MCX", Action: broker.ActionBuy, Quantity: 2500}},
		SignalPrice: 850,
	})

	if res.Status != ResultFilled {
		t.Fatalf("status = %s, want FILLED", res.Status)
	}
	leg := res.Legs[0]
	if leg.FillPrice == 0 {
		t.Fatal("fill price missing")
	}
	// filled ~860 against a 850 signal: a bit over 1% slippage
	if leg.SlippagePct < 1.0 || leg.SlippagePct > 1.5 {
		t.Errorf("slippage = %.2f%%, want ~1.2%%", leg.SlippagePct)
	}
}

func TestLimitPriceDirection(t *testing.T) {
	if p := limitPrice(100, broker.ActionBuy, 0.1); p != 100.1 {
		t.Errorf("buy limit = %v, want 100.1", p)
	}
	if p := limitPrice(100, broker.ActionSell, 0.1); p != 99.9 {
		t.Errorf("sell limit = %v, want 99.9", p)
	}
}
