package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Sentinel errors surfaced to the engine
var (
	ErrNotFound        = errors.New("row not found")
	ErrStateConflict   = errors.New("optimistic lock conflict")
	ErrDuplicateSignal = errors.New("duplicate signal fingerprint")
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// POSITIONS
// ============================================================================

const positionColumns = `id, position_id, instrument, layer, status, is_base_position,
	entry_time, entry_price, lots, quantity, initial_stop, current_stop,
	highest_close, atr_at_entry, limiter, unrealized_pnl, realized_pnl,
	strategy_id, rollover_status, rollover_count, original_expiry,
	contract_expiry, contract_month, symbol, broker_order_id,
	leg_pe_symbol, leg_pe_order_id, leg_pe_fill_price,
	leg_ce_symbol, leg_ce_order_id, leg_ce_fill_price,
	exit_time, exit_price, exit_reason, reconcile_flag,
	version, created_at, updated_at`

func scanPosition(row pgx.Row) (*Position, error) {
	p := &Position{}
	var limiter, contractMonth, symbol, brokerOrderID *string
	var legPESym, legPEOrd, legCESym, legCEOrd, exitReason *string
	err := row.Scan(
		&p.RowID, &p.PositionID, &p.Instrument, &p.Layer, &p.Status, &p.IsBasePosition,
		&p.EntryTime, &p.EntryPrice, &p.Lots, &p.Quantity, &p.InitialStop, &p.CurrentStop,
		&p.HighestClose, &p.ATRAtEntry, &limiter, &p.UnrealizedPnL, &p.RealizedPnL,
		&p.StrategyID, &p.RolloverStatus, &p.RolloverCount, &p.OriginalExpiry,
		&p.ContractExpiry, &contractMonth, &symbol, &brokerOrderID,
		&legPESym, &legPEOrd, &p.LegPEFillPrice,
		&legCESym, &legCEOrd, &p.LegCEFillPrice,
		&p.ExitTime, &p.ExitPrice, &exitReason, &p.ReconcileFlag,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Limiter = deref(limiter)
	p.ContractMonth = deref(contractMonth)
	p.Symbol = deref(symbol)
	p.BrokerOrderID = deref(brokerOrderID)
	p.LegPESymbol = deref(legPESym)
	p.LegPEOrderID = deref(legPEOrd)
	p.LegCESymbol = deref(legCESym)
	p.LegCEOrderID = deref(legCEOrd)
	p.ExitReason = deref(exitReason)
	return p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CreatePosition inserts a new position row
func (r *Repository) CreatePosition(ctx context.Context, p *Position) error {
	query := `
		INSERT INTO portfolio_positions (
			position_id, instrument, layer, status, is_base_position,
			entry_time, entry_price, lots, quantity, initial_stop, current_stop,
			highest_close, atr_at_entry, limiter, strategy_id,
			rollover_status, rollover_count, original_expiry, contract_expiry, contract_month,
			symbol, broker_order_id,
			leg_pe_symbol, leg_pe_order_id, leg_pe_fill_price,
			leg_ce_symbol, leg_ce_order_id, leg_ce_fill_price,
			reconcile_flag
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)
		RETURNING id, version, created_at, updated_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		p.PositionID, p.Instrument, p.Layer, p.Status, p.IsBasePosition,
		p.EntryTime, p.EntryPrice, p.Lots, p.Quantity, p.InitialStop, p.CurrentStop,
		p.HighestClose, p.ATRAtEntry, nullStr(p.Limiter), p.StrategyID,
		p.RolloverStatus, p.RolloverCount, p.OriginalExpiry, p.ContractExpiry, nullStr(p.ContractMonth),
		nullStr(p.Symbol), nullStr(p.BrokerOrderID),
		nullStr(p.LegPESymbol), nullStr(p.LegPEOrderID), p.LegPEFillPrice,
		nullStr(p.LegCESymbol), nullStr(p.LegCEOrderID), p.LegCEFillPrice,
		p.ReconcileFlag,
	).Scan(&p.RowID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetPosition retrieves the most recent position row for an id. Closed
// rows are retained, so the same {instrument}_{layer} id can recur across
// re-entries; callers get the latest generation.
func (r *Repository) GetPosition(ctx context.Context, positionID string) (*Position, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM portfolio_positions
		WHERE position_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, positionColumns)
	return scanPosition(r.db.Pool.QueryRow(ctx, query, positionID))
}

// GetOpenPosition retrieves the live position for (instrument, layer), if any
func (r *Repository) GetOpenPosition(ctx context.Context, instrument, layer string) (*Position, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM portfolio_positions
		WHERE instrument = $1 AND layer = $2 AND status IN ('open', 'closing', 'partial')
	`, positionColumns)
	return scanPosition(r.db.Pool.QueryRow(ctx, query, instrument, layer))
}

// GetOpenPositions retrieves all live positions
func (r *Repository) GetOpenPositions(ctx context.Context) ([]*Position, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM portfolio_positions
		WHERE status IN ('open', 'closing', 'partial')
		ORDER BY instrument, layer
	`, positionColumns)
	return r.queryPositions(ctx, query)
}

// GetOpenPositionsByInstrument retrieves live positions for one instrument
func (r *Repository) GetOpenPositionsByInstrument(ctx context.Context, instrument string) ([]*Position, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM portfolio_positions
		WHERE instrument = $1 AND status IN ('open', 'closing', 'partial')
		ORDER BY layer
	`, positionColumns)
	return r.queryPositions(ctx, query, instrument)
}

// GetClosedPositions retrieves closed positions, newest first
func (r *Repository) GetClosedPositions(ctx context.Context, limit int) ([]*Position, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM portfolio_positions
		WHERE status = 'closed'
		ORDER BY exit_time DESC
		LIMIT $1
	`, positionColumns)
	return r.queryPositions(ctx, query, limit)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdatePosition persists mutable position fields under optimistic locking.
// Returns ErrStateConflict when the stored version has moved on.
func (r *Repository) UpdatePosition(ctx context.Context, p *Position) error {
	query := `
		UPDATE portfolio_positions
		SET status = $2, current_stop = $3, highest_close = $4, unrealized_pnl = $5,
		    realized_pnl = $6, rollover_status = $7, rollover_count = $8,
		    original_expiry = $9, contract_expiry = $10, contract_month = $11,
		    symbol = $12, broker_order_id = $13,
		    leg_pe_order_id = $14, leg_pe_fill_price = $15,
		    leg_ce_order_id = $16, leg_ce_fill_price = $17,
		    exit_time = $18, exit_price = $19, exit_reason = $20,
		    reconcile_flag = $21, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $22
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		p.RowID, p.Status, p.CurrentStop, p.HighestClose, p.UnrealizedPnL,
		p.RealizedPnL, p.RolloverStatus, p.RolloverCount,
		p.OriginalExpiry, p.ContractExpiry, nullStr(p.ContractMonth),
		nullStr(p.Symbol), nullStr(p.BrokerOrderID),
		nullStr(p.LegPEOrderID), p.LegPEFillPrice,
		nullStr(p.LegCEOrderID), p.LegCEFillPrice,
		p.ExitTime, p.ExitPrice, nullStr(p.ExitReason),
		p.ReconcileFlag, p.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	p.Version++
	return nil
}

// TransitionStatus moves the live position between statuses, guarding
// against concurrent transitions (open -> closing prevents double exits).
func (r *Repository) TransitionStatus(ctx context.Context, positionID, from, to string) error {
	query := `
		UPDATE portfolio_positions
		SET status = $3, version = version + 1, updated_at = NOW()
		WHERE position_id = $1 AND status = $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, positionID, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// ============================================================================
// PORTFOLIO STATE
// ============================================================================

// EnsurePortfolioState seeds the single state row on first boot
func (r *Repository) EnsurePortfolioState(ctx context.Context, initialCapital float64) error {
	query := `
		INSERT INTO portfolio_state (id, initial_capital, closed_equity, equity_high)
		VALUES (1, $1, $1, $1)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query, initialCapital)
	return err
}

// GetPortfolioState retrieves the single portfolio state row
func (r *Repository) GetPortfolioState(ctx context.Context) (*PortfolioState, error) {
	query := `
		SELECT initial_capital, closed_equity, equity_high, total_risk_amount,
		       total_risk_pct, total_vol_amount, margin_used, trading_paused,
		       COALESCE(pause_reason, ''), version, updated_at
		FROM portfolio_state WHERE id = 1
	`
	s := &PortfolioState{}
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&s.InitialCapital, &s.ClosedEquity, &s.EquityHigh, &s.TotalRiskAmount,
		&s.TotalRiskPct, &s.TotalVolAmount, &s.MarginUsed, &s.TradingPaused,
		&s.PauseReason, &s.Version, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// UpdatePortfolioAggregates persists the derived risk/vol/margin aggregates
// under optimistic locking.
func (r *Repository) UpdatePortfolioAggregates(ctx context.Context, s *PortfolioState) error {
	query := `
		UPDATE portfolio_state
		SET total_risk_amount = $1, total_risk_pct = $2, total_vol_amount = $3,
		    margin_used = $4, version = version + 1, updated_at = NOW()
		WHERE id = 1 AND version = $5
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		s.TotalRiskAmount, s.TotalRiskPct, s.TotalVolAmount, s.MarginUsed, s.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	s.Version++
	return nil
}

// SetTradingPaused flips the emergency pause flag
func (r *Repository) SetTradingPaused(ctx context.Context, paused bool, reason string) error {
	query := `
		UPDATE portfolio_state
		SET trading_paused = $1, pause_reason = $2, version = version + 1, updated_at = NOW()
		WHERE id = 1
	`
	_, err := r.db.Pool.Exec(ctx, query, paused, nullStr(reason))
	return err
}

// ApplyTradingPnL appends a signed TRADING_PNL ledger entry and moves
// closed equity (and, on profit, the equity high-watermark) in one
// transaction. Returns the updated state.
func (r *Repository) ApplyTradingPnL(ctx context.Context, positionID string, pnl float64) (*PortfolioState, error) {
	return r.applyCapitalTx(ctx, TxTradingPnL, pnl, positionID, "realized P&L")
}

// RecordCapitalFlow appends a DEPOSIT or WITHDRAW ledger entry
func (r *Repository) RecordCapitalFlow(ctx context.Context, txType string, amount float64, note string) (*PortfolioState, error) {
	if txType == TxWithdraw && amount > 0 {
		amount = -amount
	}
	return r.applyCapitalTx(ctx, txType, amount, "", note)
}

func (r *Repository) applyCapitalTx(ctx context.Context, txType string, amount float64, positionID, note string) (*PortfolioState, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var before, high float64
	if err := tx.QueryRow(ctx,
		`SELECT closed_equity, equity_high FROM portfolio_state WHERE id = 1 FOR UPDATE`,
	).Scan(&before, &high); err != nil {
		return nil, err
	}

	after := before + amount
	if after > high {
		high = after
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO capital_transactions (tx_type, amount, equity_before, equity_after, position_id, note)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, txType, amount, before, after, nullStr(positionID), nullStr(note)); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE portfolio_state
		SET closed_equity = $1, equity_high = $2, version = version + 1, updated_at = NOW()
		WHERE id = 1
	`, after, high); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO equity_audit_log (closed_equity, equity_high, change_amount, source, position_id)
		VALUES ($1, $2, $3, $4, $5)
	`, after, high, amount, txType, nullStr(positionID)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return r.GetPortfolioState(ctx)
}

// LedgerSum returns the signed sum of all capital transactions
func (r *Repository) LedgerSum(ctx context.Context) (float64, error) {
	var sum float64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM capital_transactions`).Scan(&sum)
	return sum, err
}

// ============================================================================
// PYRAMIDING STATE
// ============================================================================

// UpsertPyramidingState records the latest pyramid entry for an instrument
func (r *Repository) UpsertPyramidingState(ctx context.Context, s *PyramidingState) error {
	query := `
		INSERT INTO pyramiding_state (instrument, last_pyramid_price, base_position_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (instrument) DO UPDATE
		SET last_pyramid_price = EXCLUDED.last_pyramid_price,
		    base_position_id = EXCLUDED.base_position_id,
		    updated_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query, s.Instrument, s.LastPyramidPrice, s.BasePositionID)
	return err
}

// GetPyramidingState retrieves pyramid tracking for an instrument
func (r *Repository) GetPyramidingState(ctx context.Context, instrument string) (*PyramidingState, error) {
	query := `
		SELECT instrument, last_pyramid_price, base_position_id, updated_at
		FROM pyramiding_state WHERE instrument = $1
	`
	s := &PyramidingState{}
	err := r.db.Pool.QueryRow(ctx, query, instrument).Scan(
		&s.Instrument, &s.LastPyramidPrice, &s.BasePositionID, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// ClearPyramidingState removes pyramid tracking when the base layer closes
func (r *Repository) ClearPyramidingState(ctx context.Context, instrument string) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM pyramiding_state WHERE instrument = $1`, instrument)
	return err
}

// ============================================================================
// STRATEGIES
// ============================================================================

// EnsureStrategy returns the id for a strategy name, creating it if new
func (r *Repository) EnsureStrategy(ctx context.Context, name, description string) (int64, error) {
	var id int64
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO trading_strategies (name, description)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, name, nullStr(description)).Scan(&id)
	return id, err
}

// RecordStrategyTrade appends a strategy_trade_history row
func (r *Repository) RecordStrategyTrade(ctx context.Context, strategyID *int64, p *Position) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO strategy_trade_history
			(strategy_id, position_id, instrument, layer, lots, entry_price, exit_price, realized_pnl, entry_time, exit_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, strategyID, p.PositionID, p.Instrument, p.Layer, p.Lots,
		p.EntryPrice, p.ExitPrice, p.RealizedPnL, p.EntryTime, p.ExitTime)
	return err
}

// ListStrategyTrades returns completed round trips, newest first,
// optionally filtered by instrument
func (r *Repository) ListStrategyTrades(ctx context.Context, instrument string, limit int) ([]*StrategyTrade, error) {
	query := `
		SELECT h.id, COALESCE(s.name, ''), h.position_id, h.instrument, h.layer,
		       h.lots, h.entry_price, h.exit_price, h.realized_pnl,
		       h.entry_time, h.exit_time
		FROM strategy_trade_history h
		LEFT JOIN trading_strategies s ON s.id = h.strategy_id`
	args := []interface{}{}
	if instrument != "" {
		query += ` WHERE h.instrument = $1`
		args = append(args, instrument)
	}
	query += fmt.Sprintf(` ORDER BY h.entry_time DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*StrategyTrade
	for rows.Next() {
		t := &StrategyTrade{}
		if err := rows.Scan(
			&t.ID, &t.StrategyName, &t.PositionID, &t.Instrument, &t.Layer,
			&t.Lots, &t.EntryPrice, &t.ExitPrice, &t.RealizedPnL,
			&t.EntryTime, &t.ExitTime,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CloseTime is a small helper for retention cutoffs
func CloseTime(days int) time.Time {
	return time.Now().AddDate(0, 0, -days)
}
