package instrument

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextMonthlyNFOExpiry(t *testing.T) {
	tests := []struct {
		ref  time.Time
		want time.Time
	}{
		// Last Thursday of Aug 2026 is the 27th
		{date(2026, time.August, 24), date(2026, time.August, 27)},
		// Past the monthly expiry, roll to September (last Thursday = 24th)
		{date(2026, time.August, 28), date(2026, time.September, 24)},
		// On expiry day itself the current contract is still live
		{date(2026, time.August, 26), date(2026, time.August, 27)},
	}

	for _, tt := range tests {
		got := nextMonthlyNFOExpiry(tt.ref)
		if !got.Equal(tt.want) {
			t.Errorf("nextMonthlyNFOExpiry(%v) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestNextMCXExpiry(t *testing.T) {
	catalog := NewCatalog()
	r := NewResolver(catalog, 100, false)

	gold, _ := catalog.Get(GoldMini)
	// Gold Mini expires on the 5th; 2026-09-05 is a Saturday so the
	// contract expires Friday the 4th
	got := r.NextExpiry(gold, date(2026, time.August, 10))
	if !got.Equal(date(2026, time.September, 4)) {
		t.Errorf("gold mini expiry = %v, want 2026-09-04", got)
	}

	silver, _ := catalog.Get(SilverMini)
	// Silver Mini trades Feb/Apr/Jun/Aug/Nov only; from September the
	// next contract month is November (last business day 2026-11-30)
	got = r.NextExpiry(silver, date(2026, time.September, 1))
	if got.Month() != time.November {
		t.Errorf("silver mini expiry month = %v, want November", got.Month())
	}
	if !got.Equal(date(2026, time.November, 30)) {
		t.Errorf("silver mini expiry = %v, want 2026-11-30", got)
	}
}

func TestRolloverDue(t *testing.T) {
	expiry := date(2026, time.September, 4)

	if !RolloverDue(expiry, date(2026, time.August, 30), 8) {
		t.Error("expiry 5 days out with 8-day lookahead should be due")
	}
	if RolloverDue(expiry, date(2026, time.August, 20), 8) {
		t.Error("expiry 15 days out with 8-day lookahead should not be due")
	}
}

func TestSymbols(t *testing.T) {
	catalog := NewCatalog()
	r := NewResolver(catalog, 100, false)

	bn, _ := catalog.Get(BankNifty)
	sym := r.OptionSymbol(bn, date(2026, time.August, 27), 52000, OptionCall)
	if sym != "BANKNIFTY26082752000CE" {
		t.Errorf("option symbol = %s", sym)
	}

	gold, _ := catalog.Get(GoldMini)
	fsym := r.FutureSymbol(gold, date(2026, time.September, 4))
	if fsym != "GOLDM26SEP04FUT" {
		t.Errorf("future symbol = %s", fsym)
	}
}

func TestSyntheticLegs(t *testing.T) {
	catalog := NewCatalog()
	r := NewResolver(catalog, 100, true)

	bn, _ := catalog.Get(BankNifty)
	sellPE, buyCE, strike := r.SyntheticLegs(bn, date(2026, time.August, 27), 52437)
	if strike != 52000 {
		t.Errorf("strike = %v, want 52000", strike)
	}
	if sellPE != "BANKNIFTY26082752000PE" {
		t.Errorf("sell leg = %s", sellPE)
	}
	if buyCE != "BANKNIFTY26082752000CE" {
		t.Errorf("buy leg = %s", buyCE)
	}
}

func TestRoundStrike(t *testing.T) {
	r := NewResolver(NewCatalog(), 100, false)
	if got := r.RoundStrike(52037); got != 52000 {
		t.Errorf("RoundStrike(52037) = %v", got)
	}
	if got := r.RoundStrike(52051); got != 52100 {
		t.Errorf("RoundStrike(52051) = %v", got)
	}
}

func TestLayerRates(t *testing.T) {
	catalog := NewCatalog()
	bn, _ := catalog.Get(BankNifty)

	if got := bn.RiskPct(1); got != bn.InitialRiskPct {
		t.Errorf("base layer risk = %v", got)
	}
	if got := bn.RiskPct(2); got != bn.OngoingRiskPct {
		t.Errorf("layer 2 risk = %v, want ongoing rate", got)
	}
	if got := bn.RiskPct(3); got != bn.OngoingRiskPct/2 {
		t.Errorf("layer 3 risk = %v, want halved ongoing rate", got)
	}
	if got := bn.RiskPct(4); got != bn.OngoingRiskPct/4 {
		t.Errorf("layer 4 risk = %v, want quartered ongoing rate", got)
	}
}

func TestCatalogLookup(t *testing.T) {
	catalog := NewCatalog()
	if !catalog.Has(Copper) {
		t.Error("catalog missing COPPER")
	}
	if _, err := catalog.Get("NIFTY_50"); err == nil {
		t.Error("expected error for unknown instrument")
	}
	if len(catalog.All()) != 4 {
		t.Errorf("catalog size = %d, want 4", len(catalog.All()))
	}
}
