package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trend-portfolio-bot/internal/database"
	"trend-portfolio-bot/internal/instrument"
	"trend-portfolio-bot/internal/market"
)

type fakeRollEngine struct {
	mu        sync.Mutex
	pending   []string
	rolled    []string
	failUntil map[string]int // position -> remaining failures
}

func (f *fakeRollEngine) MarkRolloverPending(ctx context.Context, pos *database.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, pos.PositionID)
	return nil
}

func (f *fakeRollEngine) RollPosition(ctx context.Context, positionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUntil == nil {
		f.failUntil = make(map[string]int)
	}
	if n := f.failUntil[positionID]; n > 0 {
		f.failUntil[positionID] = n - 1
		return errors.New("order rejected")
	}
	f.rolled = append(f.rolled, positionID)
	return nil
}

type fakeLister struct {
	positions []*database.Position
}

func (f *fakeLister) GetOpenPositions(ctx context.Context) ([]*database.Position, error) {
	return f.positions, nil
}

func testCalendar(t *testing.T) *market.Calendar {
	t.Helper()
	cal, err := market.NewCalendar(market.Config{
		NSEStart: "09:15", NSEEnd: "15:30",
		MCXStart: "09:00", MCXSummerClose: "23:00", MCXWinterClose: "23:30",
	})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	return cal
}

func istZone(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("ist: %v", err)
	}
	return loc
}

func expiryPtr(d time.Time) *time.Time { return &d }

func newScanner(t *testing.T, eng *fakeRollEngine, list *fakeLister) *RolloverScanner {
	return NewRolloverScanner(RolloverConfig{
		Enabled:       true,
		MaxRetries:    3,
		RetryInterval: time.Millisecond,
	}, eng, list, instrument.NewCatalog(), testCalendar(t), nil, nil)
}

func TestScanRollsDuePositions(t *testing.T) {
	// Monday mid-session, both exchanges open
	now := time.Date(2026, 8, 24, 11, 0, 0, 0, istZone(t))
	eng := &fakeRollEngine{}
	list := &fakeLister{positions: []*database.Position{
		{
			PositionID: "GOLD_MINI_Long_1", Instrument: "GOLD_MINI",
			Status: database.PositionOpen, RolloverStatus: database.RolloverNone,
			ContractExpiry: expiryPtr(now.AddDate(0, 0, 3)), // inside the 8-day window
		},
		{
			PositionID: "COPPER_Long_1", Instrument: "COPPER",
			Status: database.PositionOpen, RolloverStatus: database.RolloverNone,
			ContractExpiry: expiryPtr(now.AddDate(0, 0, 30)), // far out
		},
	}}

	reports, err := newScanner(t, eng, list).scanAt(context.Background(), now)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want only the due position", len(reports))
	}
	if reports[0].PositionID != "GOLD_MINI_Long_1" || reports[0].Status != "rolled" {
		t.Errorf("report = %+v", reports[0])
	}
	if len(eng.rolled) != 1 || eng.rolled[0] != "GOLD_MINI_Long_1" {
		t.Errorf("rolled = %v", eng.rolled)
	}
}

func TestScanDefersWhenMarketClosed(t *testing.T) {
	// Sunday: flag but do not execute
	now := time.Date(2026, 8, 23, 11, 0, 0, 0, istZone(t))
	eng := &fakeRollEngine{}
	list := &fakeLister{positions: []*database.Position{{
		PositionID: "GOLD_MINI_Long_1", Instrument: "GOLD_MINI",
		Status: database.PositionOpen, RolloverStatus: database.RolloverNone,
		ContractExpiry: expiryPtr(now.AddDate(0, 0, 3)),
	}}}

	reports, err := newScanner(t, eng, list).scanAt(context.Background(), now)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(reports) != 1 || reports[0].Status != "deferred" {
		t.Fatalf("reports = %+v, want deferred", reports)
	}
	if len(eng.pending) != 1 {
		t.Errorf("position should still be flagged pending")
	}
	if len(eng.rolled) != 0 {
		t.Errorf("nothing should roll on a closed exchange")
	}
}

func TestRollRetriesThenSucceeds(t *testing.T) {
	now := time.Date(2026, 8, 24, 11, 0, 0, 0, istZone(t))
	eng := &fakeRollEngine{failUntil: map[string]int{"GOLD_MINI_Long_1": 2}}
	list := &fakeLister{positions: []*database.Position{{
		PositionID: "GOLD_MINI_Long_1", Instrument: "GOLD_MINI",
		Status: database.PositionOpen, RolloverStatus: database.RolloverNone,
		ContractExpiry: expiryPtr(now.AddDate(0, 0, 3)),
	}}}

	reports, err := newScanner(t, eng, list).scanAt(context.Background(), now)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if reports[0].Status != "rolled" {
		t.Fatalf("report = %+v, want rolled on the third attempt", reports[0])
	}
}

func TestRollGivesUpAfterMaxRetries(t *testing.T) {
	now := time.Date(2026, 8, 24, 11, 0, 0, 0, istZone(t))
	eng := &fakeRollEngine{failUntil: map[string]int{"GOLD_MINI_Long_1": 10}}
	list := &fakeLister{positions: []*database.Position{{
		PositionID: "GOLD_MINI_Long_1", Instrument: "GOLD_MINI",
		Status: database.PositionOpen, RolloverStatus: database.RolloverNone,
		ContractExpiry: expiryPtr(now.AddDate(0, 0, 3)),
	}}}

	reports, err := newScanner(t, eng, list).scanAt(context.Background(), now)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if reports[0].Status != "failed" || reports[0].Error == "" {
		t.Fatalf("report = %+v, want failed with the broker error", reports[0])
	}
}

func TestScanSkipsInProgressRollovers(t *testing.T) {
	now := time.Date(2026, 8, 24, 11, 0, 0, 0, istZone(t))
	eng := &fakeRollEngine{}
	list := &fakeLister{positions: []*database.Position{{
		PositionID: "GOLD_MINI_Long_1", Instrument: "GOLD_MINI",
		Status: database.PositionOpen, RolloverStatus: database.RolloverInProgress,
		ContractExpiry: expiryPtr(now.AddDate(0, 0, 3)),
	}}}

	reports, err := newScanner(t, eng, list).scanAt(context.Background(), now)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(reports) != 0 {
		t.Errorf("in-progress rollovers must not be re-triggered: %+v", reports)
	}
}

func TestDailyScanFiresOncePerDay(t *testing.T) {
	s := newScanner(t, &fakeRollEngine{}, &fakeLister{})
	s.cfg.ScanHour = 14
	s.cfg.ScanMinute = 0

	before := time.Date(2026, 8, 24, 13, 59, 0, 0, istZone(t))
	if s.dailyScanDue(before) {
		t.Errorf("scan must not fire before the scheduled time")
	}
	at := time.Date(2026, 8, 24, 14, 1, 0, 0, istZone(t))
	if !s.dailyScanDue(at) {
		t.Errorf("scan should fire after the scheduled time")
	}
	if s.dailyScanDue(at.Add(time.Hour)) {
		t.Errorf("scan must not fire twice on the same day")
	}
	nextDay := time.Date(2026, 8, 25, 14, 1, 0, 0, istZone(t))
	if !s.dailyScanDue(nextDay) {
		t.Errorf("scan should fire again the next day")
	}
}

func TestEODWindowBoundaries(t *testing.T) {
	cal := testCalendar(t)
	loc := istZone(t)

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"mid-session", time.Date(2026, 8, 24, 11, 0, 0, 0, loc), false},
		{"window start", time.Date(2026, 8, 24, 15, 0, 0, 0, loc), true},
		{"last minute", time.Date(2026, 8, 24, 15, 29, 0, 0, loc), true},
		{"after close", time.Date(2026, 8, 24, 15, 31, 0, 0, loc), false},
		{"weekend", time.Date(2026, 8, 23, 15, 10, 0, 0, loc), false},
	}
	for _, tc := range cases {
		if got := InEODWindow(cal, market.ExchangeNFO, tc.at, 30); got != tc.want {
			t.Errorf("%s: InEODWindow = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestInternalEODSignal(t *testing.T) {
	now := time.Date(2026, 8, 24, 15, 10, 0, 0, istZone(t))
	s := internalEODSignal("BANK_NIFTY", now)
	if !s.Internal {
		t.Errorf("EOD signals must be internal")
	}
	if s.Kind != "EOD_MONITOR" || s.Instrument != "BANK_NIFTY" {
		t.Errorf("signal = %+v", s)
	}
	if s.Fingerprint == "" {
		t.Errorf("fingerprint missing")
	}
}

type fakeStopEngine struct {
	mu     sync.Mutex
	calls  []string
	closed int
	err    error
}

func (f *fakeStopEngine) MonitorStops(ctx context.Context, instrumentName string) (int, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, instrumentName)
	return f.closed, 0, f.err
}

func (f *fakeStopEngine) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newStopWatcher(t *testing.T, eng *fakeStopEngine) *StopWatcher {
	t.Helper()
	return NewStopWatcher(StopWatcherConfig{CheckInterval: time.Second},
		eng, instrument.NewCatalog(), testCalendar(t), nil, nil)
}

func TestStopScanCoversOpenMarkets(t *testing.T) {
	// Monday mid-session, both exchanges open
	now := time.Date(2026, 8, 24, 11, 0, 0, 0, istZone(t))
	eng := &fakeStopEngine{}
	w := newStopWatcher(t, eng)

	w.Scan(context.Background(), now)

	seen := make(map[string]bool)
	for _, name := range eng.called() {
		seen[name] = true
	}
	for _, want := range []string{"BANK_NIFTY", "GOLD_MINI"} {
		if !seen[want] {
			t.Errorf("%s not checked during open hours (checked: %v)", want, eng.called())
		}
	}
}

func TestStopScanSkipsClosedExchange(t *testing.T) {
	// Monday 16:00 IST: NFO closed at 15:30, MCX still trading
	now := time.Date(2026, 8, 24, 16, 0, 0, 0, istZone(t))
	eng := &fakeStopEngine{}
	w := newStopWatcher(t, eng)

	w.Scan(context.Background(), now)

	for _, name := range eng.called() {
		if name == "BANK_NIFTY" {
			t.Errorf("NFO instrument checked after its close")
		}
	}
	if len(eng.called()) == 0 {
		t.Errorf("MCX instruments should still be checked in the evening")
	}
}

func TestStopScanIdleOnWeekend(t *testing.T) {
	now := time.Date(2026, 8, 23, 11, 0, 0, 0, istZone(t))
	eng := &fakeStopEngine{}
	w := newStopWatcher(t, eng)

	w.Scan(context.Background(), now)

	if len(eng.called()) != 0 {
		t.Errorf("no stop checks on a weekend, got %v", eng.called())
	}
}

func TestStopWatcherStatus(t *testing.T) {
	now := time.Date(2026, 8, 24, 11, 0, 0, 0, istZone(t))
	eng := &fakeStopEngine{closed: 1}
	w := newStopWatcher(t, eng)
	w.Scan(context.Background(), now)

	status := w.Status(now)
	if status["check_interval"] != "1s" {
		t.Errorf("check_interval = %v", status["check_interval"])
	}
	instruments, ok := status["instruments"].(map[string]interface{})
	if !ok {
		t.Fatalf("instruments missing from status")
	}
	bn, ok := instruments["BANK_NIFTY"].(map[string]interface{})
	if !ok {
		t.Fatalf("BANK_NIFTY missing from status")
	}
	if bn["market_open"] != true || bn["last_result"] != "closed 1" {
		t.Errorf("BANK_NIFTY status = %v", bn)
	}
}

func TestCleanupDueOncePerDay(t *testing.T) {
	m := NewMaintenance(MaintenanceConfig{RetentionDays: 90, CleanupHourUTC: 21}, nil, nil, nil)

	early := time.Date(2026, 8, 24, 20, 59, 0, 0, time.UTC)
	if m.cleanupDue(early) {
		t.Errorf("cleanup must wait for its hour")
	}
	at := time.Date(2026, 8, 24, 21, 5, 0, 0, time.UTC)
	if !m.cleanupDue(at) {
		t.Errorf("cleanup should fire in its hour")
	}
	if m.cleanupDue(at.Add(10 * time.Minute)) {
		t.Errorf("cleanup must not fire twice in one day")
	}
	if !m.cleanupDue(at.AddDate(0, 0, 1)) {
		t.Errorf("cleanup should fire the next day")
	}
}
