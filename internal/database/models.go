package database

import (
	"encoding/json"
	"time"
)

// Position status domain
const (
	PositionOpen    = "open"
	PositionClosing = "closing"
	PositionClosed  = "closed"
	PositionPartial = "partial"
)

// Rollover status domain
const (
	RolloverNone       = "none"
	RolloverPending    = "pending"
	RolloverInProgress = "in_progress"
	RolloverRolled     = "rolled"
	RolloverFailed     = "failed"
)

// Capital transaction types
const (
	TxDeposit    = "DEPOSIT"
	TxWithdraw   = "WITHDRAW"
	TxTradingPnL = "TRADING_PNL"
)

// Position is one layer of an instrument's pyramid.
// PositionID is always "{instrument}_{layer}".
type Position struct {
	RowID          int64      `json:"-"`
	PositionID     string     `json:"position_id"`
	Instrument     string     `json:"instrument"`
	Layer          string     `json:"layer"`
	Status         string     `json:"status"`
	IsBasePosition bool       `json:"is_base_position"`
	EntryTime      time.Time  `json:"entry_time"`
	EntryPrice     float64    `json:"entry_price"`
	Lots           int        `json:"lots"`
	Quantity       int        `json:"quantity"`
	InitialStop    float64    `json:"initial_stop"`
	CurrentStop    float64    `json:"current_stop"`
	HighestClose   float64    `json:"highest_close"`
	ATRAtEntry     float64    `json:"atr_at_entry"`
	Limiter        string     `json:"limiter,omitempty"`
	UnrealizedPnL  float64    `json:"unrealized_pnl"`
	RealizedPnL    *float64   `json:"realized_pnl,omitempty"`
	StrategyID     *int64     `json:"strategy_id,omitempty"`
	RolloverStatus string     `json:"rollover_status"`
	RolloverCount  int        `json:"rollover_count"`
	OriginalExpiry *time.Time `json:"original_expiry,omitempty"`
	ContractExpiry *time.Time `json:"contract_expiry,omitempty"`
	ContractMonth  string     `json:"contract_month,omitempty"`

	// Single-leg futures
	Symbol        string `json:"symbol,omitempty"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`

	// Synthetic legs (Bank Nifty)
	LegPESymbol    string   `json:"leg_pe_symbol,omitempty"`
	LegPEOrderID   string   `json:"leg_pe_order_id,omitempty"`
	LegPEFillPrice *float64 `json:"leg_pe_fill_price,omitempty"`
	LegCESymbol    string   `json:"leg_ce_symbol,omitempty"`
	LegCEOrderID   string   `json:"leg_ce_order_id,omitempty"`
	LegCEFillPrice *float64 `json:"leg_ce_fill_price,omitempty"`

	ExitTime      *time.Time `json:"exit_time,omitempty"`
	ExitPrice     *float64   `json:"exit_price,omitempty"`
	ExitReason    string     `json:"exit_reason,omitempty"`
	ReconcileFlag bool       `json:"reconcile_flag"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PortfolioState is the single-row portfolio aggregate
type PortfolioState struct {
	InitialCapital  float64   `json:"initial_capital"`
	ClosedEquity    float64   `json:"closed_equity"`
	EquityHigh      float64   `json:"equity_high"`
	TotalRiskAmount float64   `json:"total_risk_amount"`
	TotalRiskPct    float64   `json:"total_risk_pct"`
	TotalVolAmount  float64   `json:"total_vol_amount"`
	MarginUsed      float64   `json:"margin_used"`
	TradingPaused   bool      `json:"trading_paused"`
	PauseReason     string    `json:"pause_reason,omitempty"`
	Version         int       `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PyramidingState tracks the last pyramid entry for an instrument
type PyramidingState struct {
	Instrument       string    `json:"instrument"`
	LastPyramidPrice float64   `json:"last_pyramid_price"`
	BasePositionID   string    `json:"base_position_id"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SignalLogEntry is a dedup row, one per accepted fingerprint
type SignalLogEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Instrument  string    `json:"instrument"`
	Kind        string    `json:"kind"`
	Layer       string    `json:"layer,omitempty"`
	SignalTime  time.Time `json:"signal_time"`
	Price       float64   `json:"price"`
	ReceivedAt  time.Time `json:"received_at"`
}

// SignalAudit is the full decision record for one processed signal
type SignalAudit struct {
	ID           int64           `json:"id"`
	Fingerprint  string          `json:"fingerprint"`
	Instrument   string          `json:"instrument"`
	Kind         string          `json:"kind"`
	Layer        string          `json:"layer,omitempty"`
	Outcome      string          `json:"outcome"`
	Reason       string          `json:"reason,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Validation   json.RawMessage `json:"validation,omitempty"`
	Sizing       json.RawMessage `json:"sizing,omitempty"`
	Risk         json.RawMessage `json:"risk,omitempty"`
	Execution    json.RawMessage `json:"execution,omitempty"`
	ProcessingMs int             `json:"processing_ms"`
	InstanceID   string          `json:"instance_id"`
	CreatedAt    time.Time       `json:"created_at"`
}

// OrderExecutionRecord is one leg-level order attempt result
type OrderExecutionRecord struct {
	ID             int64     `json:"id"`
	OrderID        string    `json:"order_id"`
	ParentOrderID  string    `json:"parent_order_id,omitempty"`
	PositionID     string    `json:"position_id,omitempty"`
	Symbol         string    `json:"symbol"`
	Exchange       string    `json:"exchange"`
	Action         string    `json:"action"`
	Quantity       int       `json:"quantity"`
	FilledQuantity int       `json:"filled_quantity"`
	LimitPrice     *float64  `json:"limit_price,omitempty"`
	FillPrice      *float64  `json:"fill_price,omitempty"`
	SlippagePct    *float64  `json:"slippage_pct,omitempty"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	DurationMs     int       `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// CapitalTransaction is one signed ledger entry
type CapitalTransaction struct {
	ID           int64     `json:"id"`
	TxType       string    `json:"tx_type"`
	Amount       float64   `json:"amount"`
	EquityBefore float64   `json:"equity_before"`
	EquityAfter  float64   `json:"equity_after"`
	PositionID   string    `json:"position_id,omitempty"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// InstanceMetadata is one engine instance's HA record
type InstanceMetadata struct {
	InstanceID          string     `json:"instance_id"`
	StartedAt           time.Time  `json:"started_at"`
	LastHeartbeat       time.Time  `json:"last_heartbeat"`
	LastSignalProcessed *time.Time `json:"last_signal_processed,omitempty"`
	IsLeader            bool       `json:"is_leader"`
	LeaderAcquiredAt    *time.Time `json:"leader_acquired_at,omitempty"`
	Status              string     `json:"status"`
}

// Strategy identifies a signal source
type Strategy struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// StrategyTrade is one completed round trip in strategy_trade_history
type StrategyTrade struct {
	ID           int64      `json:"id"`
	StrategyName string     `json:"strategy_name,omitempty"`
	PositionID   string     `json:"position_id"`
	Instrument   string     `json:"instrument"`
	Layer        string     `json:"layer"`
	Lots         int        `json:"lots"`
	EntryPrice   float64    `json:"entry_price"`
	ExitPrice    *float64   `json:"exit_price,omitempty"`
	RealizedPnL  *float64   `json:"realized_pnl,omitempty"`
	EntryTime    time.Time  `json:"entry_time"`
	ExitTime     *time.Time `json:"exit_time,omitempty"`
}
