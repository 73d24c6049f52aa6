package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trend-portfolio-bot/internal/database"
	"trend-portfolio-bot/internal/engine"
	"trend-portfolio-bot/internal/instrument"
	"trend-portfolio-bot/internal/market"
	"trend-portfolio-bot/internal/scheduler"
	"trend-portfolio-bot/internal/signal"

	"golang.org/x/crypto/bcrypt"
)

type fakeTrading struct {
	lastSignal *signal.Signal
	outcome    *engine.Outcome
	paused     bool
	closed     int
	closedPnL  float64
}

func (f *fakeTrading) ProcessSignal(ctx context.Context, s *signal.Signal) *engine.Outcome {
	f.lastSignal = s
	if f.outcome != nil {
		return f.outcome
	}
	return &engine.Outcome{Outcome: engine.OutcomeProcessed}
}

func (f *fakeTrading) Paused() bool { return f.paused }

func (f *fakeTrading) Pause(ctx context.Context, reason string) error {
	f.paused = true
	return nil
}

func (f *fakeTrading) Resume(ctx context.Context) error {
	f.paused = false
	return nil
}

func (f *fakeTrading) CloseAll(ctx context.Context, dryRun bool) (int, float64, error) {
	if !dryRun {
		f.closed++
	}
	return 2, f.closedPnL, nil
}

type fakeAPIStore struct {
	healthErr error
	open      []*database.Position
	audits    []*database.SignalAudit
	counts    map[string]int
	trades    []*database.StrategyTrade
	flows     []string
	ledgerSum float64
}

func (f *fakeAPIStore) HealthCheck(ctx context.Context) error { return f.healthErr }

func (f *fakeAPIStore) GetOpenPositions(ctx context.Context) ([]*database.Position, error) {
	return f.open, nil
}

func (f *fakeAPIStore) GetClosedPositions(ctx context.Context, limit int) ([]*database.Position, error) {
	return nil, nil
}

func (f *fakeAPIStore) GetPortfolioState(ctx context.Context) (*database.PortfolioState, error) {
	return &database.PortfolioState{InitialCapital: 5000000, ClosedEquity: 5000000}, nil
}

func (f *fakeAPIStore) ListSignalAudits(ctx context.Context, instrument, outcome string, limit int) ([]*database.SignalAudit, error) {
	return f.audits, nil
}

func (f *fakeAPIStore) AuditOutcomeCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	return f.counts, nil
}

func (f *fakeAPIStore) ListOrderExecutions(ctx context.Context, positionID string) ([]*database.OrderExecutionRecord, error) {
	return nil, nil
}

func (f *fakeAPIStore) ListInstances(ctx context.Context) ([]*database.InstanceMetadata, error) {
	return nil, nil
}

func (f *fakeAPIStore) ListStrategyTrades(ctx context.Context, instrument string, limit int) ([]*database.StrategyTrade, error) {
	if instrument == "" {
		return f.trades, nil
	}
	var out []*database.StrategyTrade
	for _, tr := range f.trades {
		if tr.Instrument == instrument {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeAPIStore) RecordCapitalFlow(ctx context.Context, txType string, amount float64, note string) (*database.PortfolioState, error) {
	f.flows = append(f.flows, txType)
	return &database.PortfolioState{}, nil
}

func (f *fakeAPIStore) LedgerSum(ctx context.Context) (float64, error) {
	return f.ledgerSum, nil
}

type fakeRollover struct {
	rolled []string
}

func (f *fakeRollover) ScanOnce(ctx context.Context) ([]scheduler.RollReport, error) {
	return nil, nil
}

func (f *fakeRollover) RollNow(ctx context.Context, positionID string) error {
	f.rolled = append(f.rolled, positionID)
	return nil
}

func (f *fakeRollover) Status() (time.Time, []scheduler.RollReport) {
	return time.Time{}, nil
}

type fakeEOD struct{}

func (fakeEOD) Status(now time.Time) map[string]interface{} {
	return map[string]interface{}{"enabled": true}
}

type fakeStops struct{}

func (fakeStops) Status(now time.Time) map[string]interface{} {
	return map[string]interface{}{"check_interval": "5s"}
}

type testServer struct {
	srv     *Server
	trading *fakeTrading
	store   *fakeAPIStore
	roll    *fakeRollover
	leader  bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cal, err := market.NewCalendar(market.Config{
		NSEStart: "09:15", NSEEnd: "15:30",
		MCXStart: "09:00", MCXSummerClose: "23:00", MCXWinterClose: "23:30",
	})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}

	ts := &testServer{
		trading: &fakeTrading{},
		store:   &fakeAPIStore{counts: map[string]int{"PROCESSED": 3}},
		roll:    &fakeRollover{},
		leader:  true,
	}
	ts.srv = NewServer(ServerConfig{
		Port:           0,
		SignalDeadline: 5 * time.Second,
		APIKey:         "test-emergency-key",
	}, ts.trading, ts.store, ts.roll, fakeEOD{}, fakeStops{},
		instrument.NewCatalog(), cal, nil,
		"inst_test", func() bool { return ts.leader }, nil, nil)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func webhookBody(instrument string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"type":       "BASE_ENTRY",
		"instrument": instrument,
		"position":   "Long_1",
		"price":      52000.0,
		"stop":       51800.0,
		"atr":        350.0,
		"er":         0.7,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
	return string(b)
}

func TestWebhookAcceptsValidSignal(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "POST", "/webhook", webhookBody("BANK_NIFTY"), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ts.trading.lastSignal == nil || ts.trading.lastSignal.Instrument != "BANK_NIFTY" {
		t.Fatalf("signal not forwarded to the engine")
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp["fingerprint"] == "" {
		t.Errorf("fingerprint missing from response")
	}
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "POST", "/webhook", `{"type": "BASE_ENTRY",`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestWebhookRejectsUnknownInstrument(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "POST", "/webhook", webhookBody("NIFTY_50"), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if ts.trading.lastSignal != nil {
		t.Errorf("unparseable signals must not reach the engine")
	}
}

func TestWebhookNonLeaderUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.leader = false
	w := ts.do(t, "POST", "/webhook", webhookBody("BANK_NIFTY"), nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	// The standby still runs the signal through the engine for the audit
	// trail; only the HTTP status signals the retry
	if ts.trading.lastSignal == nil {
		t.Fatalf("standby must still forward the signal to the engine")
	}
	var resp struct {
		IsLeader bool           `json:"is_leader"`
		Result   engine.Outcome `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp.IsLeader {
		t.Errorf("is_leader should be false on the standby")
	}
	if resp.Result.Outcome == "" {
		t.Errorf("engine outcome missing from the standby response")
	}
}

func TestBusinessRejectionStillHTTP200(t *testing.T) {
	ts := newTestServer(t)
	ts.trading.outcome = &engine.Outcome{
		Outcome: engine.OutcomeRejectedRisk,
		Reason:  "portfolio risk at hard cap",
	}
	w := ts.do(t, "POST", "/webhook", webhookBody("BANK_NIFTY"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, business rejections are 200", w.Code)
	}

	var resp struct {
		Result engine.Outcome `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp.Result.Outcome != engine.OutcomeRejectedRisk {
		t.Errorf("outcome = %s", resp.Result.Outcome)
	}
}

func TestEmergencyStopRequiresKey(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/emergency/stop", `{"reason":"drill"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", w.Code)
	}

	w = ts.do(t, "POST", "/api/emergency/stop", `{"reason":"drill"}`,
		map[string]string{"X-API-Key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", w.Code)
	}
	if ts.trading.paused {
		t.Fatalf("pause must not fire without a valid key")
	}

	w = ts.do(t, "POST", "/api/emergency/stop", `{"reason":"drill"}`,
		map[string]string{"X-API-Key": "test-emergency-key"})
	if w.Code != http.StatusOK {
		t.Fatalf("valid key: status = %d, body %s", w.Code, w.Body.String())
	}
	if !ts.trading.paused {
		t.Fatalf("engine should be paused")
	}
}

func TestEmergencyKeyBcryptHash(t *testing.T) {
	ts := newTestServer(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	ts.srv.config.APIKey = ""
	ts.srv.config.APIKeyHash = string(hash)

	w := ts.do(t, "POST", "/api/emergency/resume", "", map[string]string{"X-API-Key": "hashed-key"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	w = ts.do(t, "POST", "/api/emergency/resume", "", map[string]string{"X-API-Key": "not-it"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestCloseAllNeedsConfirmation(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"X-API-Key": "test-emergency-key"}

	w := ts.do(t, "POST", "/api/emergency/close-all", `{}`, auth)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unconfirmed live close: status = %d, want 400", w.Code)
	}
	if ts.trading.closed != 0 {
		t.Fatalf("nothing should close without confirmation")
	}

	w = ts.do(t, "POST", "/api/emergency/close-all", `{"dry_run":true}`, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("dry run: status = %d", w.Code)
	}
	if ts.trading.closed != 0 {
		t.Fatalf("dry run must not close positions")
	}

	w = ts.do(t, "POST", "/api/emergency/close-all", `{"confirm":"CLOSE_ALL"}`, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("confirmed: status = %d, body %s", w.Code, w.Body.String())
	}
	if ts.trading.closed != 1 {
		t.Fatalf("confirmed close-all should execute")
	}
}

func TestCapitalFlowValidation(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"X-API-Key": "test-emergency-key"}

	w := ts.do(t, "POST", "/api/emergency/capital", `{"type":"LOAN","amount":1000}`, auth)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad type: status = %d, want 400", w.Code)
	}

	w = ts.do(t, "POST", "/api/emergency/capital", `{"type":"DEPOSIT","amount":100000}`, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: status = %d, body %s", w.Code, w.Body.String())
	}
	if len(ts.store.flows) != 1 || ts.store.flows[0] != "DEPOSIT" {
		t.Fatalf("flows = %v", ts.store.flows)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/api/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp["instance_id"] != "inst_test" {
		t.Errorf("instance_id = %v", resp["instance_id"])
	}
	if resp["is_leader"] != true {
		t.Errorf("is_leader = %v", resp["is_leader"])
	}
}

func TestStatusLedgerReconciliation(t *testing.T) {
	ts := newTestServer(t)

	// No capital flows: closed equity equals initial capital, no drift
	w := ts.do(t, "GET", "/api/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Ledger struct {
			Sum        float64 `json:"sum"`
			Drift      float64 `json:"drift"`
			Consistent bool    `json:"consistent"`
		} `json:"ledger"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if !resp.Ledger.Consistent || resp.Ledger.Drift != 0 {
		t.Errorf("ledger = %+v, want consistent with zero drift", resp.Ledger)
	}

	// A ledger sum the equity never absorbed shows up as drift
	ts.store.ledgerSum = 500
	w = ts.do(t, "GET", "/api/status", "", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp.Ledger.Consistent {
		t.Errorf("unabsorbed ledger sum must flag inconsistency: %+v", resp.Ledger)
	}
	if resp.Ledger.Drift != -500 {
		t.Errorf("drift = %v, want -500", resp.Ledger.Drift)
	}
}

func TestStopsStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/api/stops/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp["check_interval"] != "5s" {
		t.Errorf("check_interval = %v", resp["check_interval"])
	}
}

func TestRolloverExecuteRequiresPositionID(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "POST", "/api/rollover/execute", `{}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	w = ts.do(t, "POST", "/api/rollover/execute", `{"position_id":"GOLD_MINI_Long_1"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(ts.roll.rolled) != 1 || ts.roll.rolled[0] != "GOLD_MINI_Long_1" {
		t.Fatalf("rolled = %v", ts.roll.rolled)
	}
}

func TestHolidaysEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "GET", "/api/holidays/nfo", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Holidays map[string]string `json:"holidays"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if _, ok := resp.Holidays["2026-01-26"]; !ok {
		t.Errorf("Republic Day missing from holiday list")
	}

	// NSE is accepted as an alias for the NFO segment
	w = ts.do(t, "GET", "/api/holidays/NSE", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("NSE alias: status = %d", w.Code)
	}

	w = ts.do(t, "GET", "/api/holidays/NYSE", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown exchange: status = %d, want 404", w.Code)
	}
}

func TestTradesEndpointFiltersByInstrument(t *testing.T) {
	ts := newTestServer(t)
	ts.store.trades = []*database.StrategyTrade{
		{PositionID: "p1", Instrument: "GOLD_MINI", Layer: "Long_1", Lots: 2},
		{PositionID: "p2", Instrument: "BANK_NIFTY", Layer: "Long_1", Lots: 1},
	}

	w := ts.do(t, "GET", "/api/trades?instrument=gold_mini", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Count  int                       `json:"count"`
		Trades []*database.StrategyTrade `json:"trades"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp.Count != 1 || resp.Trades[0].PositionID != "p1" {
		t.Fatalf("trades = %+v", resp.Trades)
	}
}

func TestConfigEndpointRedactedView(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.SetConfigView(map[string]interface{}{
		"portfolio": map[string]interface{}{"max_portfolio_risk_pct": 15.0},
	})

	w := ts.do(t, "GET", "/api/config", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp["portfolio"]["max_portfolio_risk_pct"] != 15.0 {
		t.Fatalf("config view = %v", resp)
	}
}

func TestHealthUnhealthyDatabase(t *testing.T) {
	ts := newTestServer(t)
	ts.store.healthErr = context.DeadlineExceeded

	w := ts.do(t, "GET", "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}
