package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Portfolio positions: one row per (instrument, layer) lifetime
		`CREATE TABLE IF NOT EXISTS portfolio_positions (
			id BIGSERIAL PRIMARY KEY,
			position_id VARCHAR(50) NOT NULL,
			instrument VARCHAR(20) NOT NULL,
			layer VARCHAR(10) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'open'
				CHECK (status IN ('open', 'closing', 'closed', 'partial')),
			is_base_position BOOLEAN NOT NULL DEFAULT FALSE,
			entry_time TIMESTAMPTZ NOT NULL,
			entry_price DECIMAL(14, 2) NOT NULL,
			lots INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			initial_stop DECIMAL(14, 2) NOT NULL,
			current_stop DECIMAL(14, 2) NOT NULL,
			highest_close DECIMAL(14, 2) NOT NULL,
			atr_at_entry DECIMAL(14, 2) NOT NULL,
			limiter VARCHAR(10),
			unrealized_pnl DECIMAL(16, 2) NOT NULL DEFAULT 0,
			realized_pnl DECIMAL(16, 2),
			strategy_id BIGINT,
			rollover_status VARCHAR(15) NOT NULL DEFAULT 'none'
				CHECK (rollover_status IN ('none', 'pending', 'in_progress', 'rolled', 'failed')),
			rollover_count INTEGER NOT NULL DEFAULT 0,
			original_expiry DATE,
			contract_expiry DATE,
			contract_month VARCHAR(10),
			symbol VARCHAR(40),
			broker_order_id VARCHAR(40),
			leg_pe_symbol VARCHAR(40),
			leg_pe_order_id VARCHAR(40),
			leg_pe_fill_price DECIMAL(14, 2),
			leg_ce_symbol VARCHAR(40),
			leg_ce_order_id VARCHAR(40),
			leg_ce_fill_price DECIMAL(14, 2),
			exit_time TIMESTAMPTZ,
			exit_price DECIMAL(14, 2),
			exit_reason VARCHAR(50),
			reconcile_flag BOOLEAN NOT NULL DEFAULT FALSE,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_positions_open_layer
			ON portfolio_positions(instrument, layer)
			WHERE status IN ('open', 'closing', 'partial')`,
		`CREATE INDEX IF NOT EXISTS idx_positions_id ON portfolio_positions(position_id)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_instrument ON portfolio_positions(instrument)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON portfolio_positions(status)`,

		// Portfolio state: a single row guarded by a constant id
		`CREATE TABLE IF NOT EXISTS portfolio_state (
			id INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			initial_capital DECIMAL(16, 2) NOT NULL,
			closed_equity DECIMAL(16, 2) NOT NULL,
			equity_high DECIMAL(16, 2) NOT NULL,
			total_risk_amount DECIMAL(16, 2) NOT NULL DEFAULT 0,
			total_risk_pct DECIMAL(8, 4) NOT NULL DEFAULT 0,
			total_vol_amount DECIMAL(16, 2) NOT NULL DEFAULT 0,
			margin_used DECIMAL(16, 2) NOT NULL DEFAULT 0,
			trading_paused BOOLEAN NOT NULL DEFAULT FALSE,
			pause_reason TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Pyramiding state: per-instrument last-pyramid tracking
		`CREATE TABLE IF NOT EXISTS pyramiding_state (
			instrument VARCHAR(20) PRIMARY KEY,
			last_pyramid_price DECIMAL(14, 2) NOT NULL,
			base_position_id VARCHAR(50) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Signal log: the dedup table, one row per accepted fingerprint
		`CREATE TABLE IF NOT EXISTS signal_log (
			fingerprint VARCHAR(64) PRIMARY KEY,
			instrument VARCHAR(20) NOT NULL,
			kind VARCHAR(15) NOT NULL,
			layer VARCHAR(10),
			signal_time TIMESTAMPTZ NOT NULL,
			price DECIMAL(14, 2) NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_log_received ON signal_log(received_at)`,

		// Signal audit: full decision record per signal
		`CREATE TABLE IF NOT EXISTS signal_audit (
			id BIGSERIAL PRIMARY KEY,
			fingerprint VARCHAR(64) NOT NULL,
			instrument VARCHAR(20) NOT NULL,
			kind VARCHAR(15) NOT NULL,
			layer VARCHAR(10),
			outcome VARCHAR(25) NOT NULL,
			reason TEXT,
			payload JSONB,
			validation JSONB,
			sizing JSONB,
			risk JSONB,
			execution JSONB,
			processing_ms INTEGER,
			instance_id VARCHAR(40),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_audit_fingerprint ON signal_audit(fingerprint)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_audit_created ON signal_audit(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_audit_instrument ON signal_audit(instrument)`,

		// Order execution log, retained 90 days
		`CREATE TABLE IF NOT EXISTS order_execution_log (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(40) NOT NULL,
			parent_order_id VARCHAR(40),
			position_id VARCHAR(50),
			symbol VARCHAR(40) NOT NULL,
			exchange VARCHAR(10) NOT NULL,
			action VARCHAR(4) NOT NULL,
			quantity INTEGER NOT NULL,
			filled_quantity INTEGER NOT NULL DEFAULT 0,
			limit_price DECIMAL(14, 2),
			fill_price DECIMAL(14, 2),
			slippage_pct DECIMAL(8, 4),
			status VARCHAR(20) NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 1,
			duration_ms INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_exec_position ON order_execution_log(position_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_exec_created ON order_execution_log(created_at)`,

		// Capital transactions: signed ledger reconciling closed equity
		`CREATE TABLE IF NOT EXISTS capital_transactions (
			id BIGSERIAL PRIMARY KEY,
			tx_type VARCHAR(15) NOT NULL CHECK (tx_type IN ('DEPOSIT', 'WITHDRAW', 'TRADING_PNL')),
			amount DECIMAL(16, 2) NOT NULL,
			equity_before DECIMAL(16, 2) NOT NULL,
			equity_after DECIMAL(16, 2) NOT NULL,
			position_id VARCHAR(50),
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_capital_tx_created ON capital_transactions(created_at)`,

		// Equity audit log: one row per closed-equity mutation
		`CREATE TABLE IF NOT EXISTS equity_audit_log (
			id BIGSERIAL PRIMARY KEY,
			closed_equity DECIMAL(16, 2) NOT NULL,
			equity_high DECIMAL(16, 2) NOT NULL,
			change_amount DECIMAL(16, 2) NOT NULL,
			source VARCHAR(30) NOT NULL,
			position_id VARCHAR(50),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Instance metadata for HA
		`CREATE TABLE IF NOT EXISTS instance_metadata (
			instance_id VARCHAR(40) PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			last_signal_processed TIMESTAMPTZ,
			is_leader BOOLEAN NOT NULL DEFAULT FALSE,
			leader_acquired_at TIMESTAMPTZ,
			status VARCHAR(10) NOT NULL DEFAULT 'active'
				CHECK (status IN ('active', 'standby', 'crashed'))
		)`,

		`CREATE TABLE IF NOT EXISTS leadership_history (
			id BIGSERIAL PRIMARY KEY,
			instance_id VARCHAR(40) NOT NULL,
			event VARCHAR(15) NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Strategies and their trade history
		`CREATE TABLE IF NOT EXISTS trading_strategies (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			description TEXT,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS strategy_trade_history (
			id BIGSERIAL PRIMARY KEY,
			strategy_id BIGINT REFERENCES trading_strategies(id),
			position_id VARCHAR(50) NOT NULL,
			instrument VARCHAR(20) NOT NULL,
			layer VARCHAR(10) NOT NULL,
			lots INTEGER NOT NULL,
			entry_price DECIMAL(14, 2) NOT NULL,
			exit_price DECIMAL(14, 2),
			realized_pnl DECIMAL(16, 2),
			entry_time TIMESTAMPTZ NOT NULL,
			exit_time TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_history_position ON strategy_trade_history(position_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
