package signal

import (
	"context"
	"strings"
	"testing"
	"time"
)

type fakeCatalog struct{}

func (fakeCatalog) Has(name string) bool {
	switch name {
	case "BANK_NIFTY", "GOLD_MINI", "SILVER_MINI", "COPPER":
		return true
	}
	return false
}

var now = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

func validPayload() *Payload {
	return &Payload{
		Type:       "BASE_ENTRY",
		Instrument: "BANK_NIFTY",
		Position:   "Long_1",
		Price:      52000,
		Stop:       51800,
		ATR:        350,
		ER:         0.62,
		Timestamp:  now.Add(-5 * time.Second).Format(time.RFC3339),
	}
}

func TestParseValid(t *testing.T) {
	s, err := Parse(validPayload(), fakeCatalog{}, now)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if s.Kind != KindBaseEntry || s.Instrument != "BANK_NIFTY" || s.Layer != "Long_1" {
		t.Errorf("unexpected signal fields: %+v", s)
	}
	if s.Fingerprint == "" || len(s.Fingerprint) != 64 {
		t.Errorf("fingerprint = %q, want 64 hex chars", s.Fingerprint)
	}
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Payload)
		want   error
	}{
		{"unknown kind", func(p *Payload) { p.Type = "SCALP" }, ErrUnknownKind},
		{"unknown instrument", func(p *Payload) { p.Instrument = "NIFTY_50" }, ErrUnknownInstrument},
		{"zero price", func(p *Payload) { p.Price = 0 }, ErrInvalidPrice},
		{"negative price", func(p *Payload) { p.Price = -1 }, ErrInvalidPrice},
		{"missing timestamp", func(p *Payload) { p.Timestamp = "" }, ErrMissingTimestamp},
		{"garbage timestamp", func(p *Payload) { p.Timestamp = "yesterday" }, ErrMissingTimestamp},
		{"exit without reason", func(p *Payload) { p.Type = "EXIT"; p.Reason = "" }, ErrMissingReason},
		{"bad layer", func(p *Payload) { p.Position = "Short_1" }, ErrInvalidLayer},
		{"layer out of range", func(p *Payload) { p.Position = "Long_7" }, ErrInvalidLayer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			tt.mutate(p)
			_, err := Parse(p, fakeCatalog{}, now)
			if err == nil || !strings.Contains(err.Error(), tt.want.Error()) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFingerprintPriceBucket(t *testing.T) {
	ts := now
	a := ComputeFingerprint("BANK_NIFTY", KindBaseEntry, "Long_1", ts, 52000.05)
	b := ComputeFingerprint("BANK_NIFTY", KindBaseEntry, "Long_1", ts, 52000.20)
	if a != b {
		t.Error("prices in the same quarter-point bucket should share a fingerprint")
	}
	c := ComputeFingerprint("BANK_NIFTY", KindBaseEntry, "Long_1", ts, 52000.30)
	if a == c {
		t.Error("prices in different buckets should not share a fingerprint")
	}
	d := ComputeFingerprint("BANK_NIFTY", KindPyramid, "Long_1", ts, 52000.05)
	if a == d {
		t.Error("different kinds should not share a fingerprint")
	}
}

func TestLayerIndex(t *testing.T) {
	if got := LayerIndex("Long_3"); got != 3 {
		t.Errorf("LayerIndex(Long_3) = %d, want 3", got)
	}
	if got := LayerIndex(""); got != 0 {
		t.Errorf("LayerIndex(empty) = %d, want 0", got)
	}
	if got := LayerName(2); got != "Long_2" {
		t.Errorf("LayerName(2) = %q", got)
	}
}

func TestFreshnessBoundaries(t *testing.T) {
	v := NewValidator(ValidatorConfig{MaxAge: 30 * time.Second, ValidationEnabled: true})

	mk := func(age time.Duration) *Signal {
		return &Signal{Kind: KindBaseEntry, Timestamp: now.Add(-age), ReceivedAt: now}
	}

	if r := v.ValidateFreshness(mk(30 * time.Second)); !r.Valid {
		t.Errorf("age exactly at max_age should pass, got %+v", r)
	}
	if r := v.ValidateFreshness(mk(30*time.Second + time.Microsecond)); r.Valid || r.RejectionCode != CodeSignalStale {
		t.Errorf("age past max_age should reject with SIGNAL_STALE, got %+v", r)
	}
	if r := v.ValidateFreshness(mk(-time.Second)); r.Valid || r.RejectionCode != CodeFutureTimestamp {
		t.Errorf("future timestamp should reject, got %+v", r)
	}
}

func TestDivergenceDirectionAware(t *testing.T) {
	v := NewValidator(ValidatorConfig{
		MaxAge:              30 * time.Second,
		EntryDivergencePct:  2.0,
		LayerDivergencePct:  1.0,
		ValidationEnabled:   true,
		AllowFavorableAbove: true,
	})

	entry := &Signal{Kind: KindBaseEntry, Price: 52000}

	// Exactly at threshold passes
	if r := v.ValidateDivergence(entry, 52000*1.02); !r.Valid {
		t.Errorf("divergence exactly at 2%% should pass, got %+v", r)
	}
	// Unfavorable beyond threshold rejects (entry, LTP above signal)
	if r := v.ValidateDivergence(entry, 52000*1.021); r.Valid || r.RejectionCode != CodePriceDivergent {
		t.Errorf("unfavorable 2.1%% should reject, got %+v", r)
	}
	// Favorable beyond threshold warns but proceeds
	if r := v.ValidateDivergence(entry, 52000*0.975); !r.Valid || len(r.Warnings) == 0 {
		t.Errorf("favorable divergence should warn and pass, got %+v", r)
	}

	// Exit: LTP below signal price is unfavorable; tighter 1% threshold
	exit := &Signal{Kind: KindExit, Price: 52000}
	if r := v.ValidateDivergence(exit, 52000*0.985); r.Valid {
		t.Errorf("exit 1.5%% below signal should reject, got %+v", r)
	}
	if r := v.ValidateDivergence(exit, 52000*0.995); !r.Valid {
		t.Errorf("exit 0.5%% below signal should pass, got %+v", r)
	}

	// Internal signals skip divergence entirely
	internal := &Signal{Kind: KindExit, Price: 52000, Internal: true}
	if r := v.ValidateDivergence(internal, 40000); !r.Valid {
		t.Errorf("internal signals should skip divergence, got %+v", r)
	}
}

func TestValidate1RGate(t *testing.T) {
	v := NewValidator(ValidatorConfig{Use1RGate: true})
	pyr := &Signal{Kind: KindPyramid}

	// base entry 52000, stop 51800 -> 1R = 200
	if r := v.Validate1RGate(pyr, 52000, 51800, 52150); r.Valid {
		t.Errorf("move of 150 < 1R of 200 should reject, got %+v", r)
	}
	if r := v.Validate1RGate(pyr, 52000, 51800, 52200); !r.Valid {
		t.Errorf("move of exactly 1R should pass, got %+v", r)
	}
	// Gate only applies to pyramids
	base := &Signal{Kind: KindBaseEntry}
	if r := v.Validate1RGate(base, 52000, 51800, 52000); !r.Valid {
		t.Errorf("gate should not apply to base entries, got %+v", r)
	}
}

func TestMergeFirstRejectionWins(t *testing.T) {
	ok := &Result{Valid: true, Checks: []CheckResult{{Check: "a", Passed: true}}}
	bad1 := &Result{Valid: false, RejectionCode: CodeSignalStale, Reason: "stale"}
	bad2 := &Result{Valid: false, RejectionCode: CodePriceDivergent, Reason: "divergent"}

	m := Merge(ok, bad1, bad2)
	if m.Valid || m.RejectionCode != CodeSignalStale {
		t.Errorf("Merge should keep the first rejection, got %+v", m)
	}
	if len(m.Checks) != 1 {
		t.Errorf("Merge should concatenate checks, got %d", len(m.Checks))
	}
}

func TestDeduperLRU(t *testing.T) {
	d := NewDeduper(1024, 0, time.Hour, nil)
	ctx := context.Background()

	if d.Seen(ctx, "fp-1") {
		t.Error("first sighting should not be a duplicate")
	}
	if !d.Seen(ctx, "fp-1") {
		t.Error("second sighting should be a duplicate")
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d, want 1", d.Len())
	}
}

func TestDeduperEviction(t *testing.T) {
	d := NewDeduper(1024, 0, time.Hour, nil)
	ctx := context.Background()

	d.Seen(ctx, "fp-oldest")
	for i := 0; i < 1024; i++ {
		d.Seen(ctx, ComputeFingerprint("GOLD_MINI", KindPyramid, "Long_2", now.Add(time.Duration(i)*time.Second), 72000))
	}
	// Capacity exceeded: the oldest entry fell out and reads as unseen again
	if d.Seen(ctx, "fp-oldest") {
		t.Error("evicted fingerprint should no longer be remembered by the LRU")
	}
	if d.Len() != 1024 {
		t.Errorf("Len() = %d, want capacity 1024", d.Len())
	}
}

func TestDeduperCoalesce(t *testing.T) {
	d := NewDeduper(1024, 60*time.Second, time.Hour, nil)

	first := &Signal{Instrument: "COPPER", Kind: KindBaseEntry, Layer: "Long_1", Price: 850.5, ReceivedAt: now}
	if d.Coalesce(first) {
		t.Error("first signal should not coalesce")
	}
	// Same substance, microseconds later: coalesced
	again := &Signal{Instrument: "COPPER", Kind: KindBaseEntry, Layer: "Long_1", Price: 850.5, ReceivedAt: now.Add(30 * time.Second)}
	if !d.Coalesce(again) {
		t.Error("identical signal within 60s should coalesce")
	}
	// Past the window: treated as fresh
	later := &Signal{Instrument: "COPPER", Kind: KindBaseEntry, Layer: "Long_1", Price: 850.5, ReceivedAt: now.Add(2 * time.Minute)}
	if d.Coalesce(later) {
		t.Error("signal past the window should not coalesce")
	}
}
