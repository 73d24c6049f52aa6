package engine

import (
	"context"
	"time"

	"trend-portfolio-bot/internal/database"
)

// PositionStore is the position persistence surface the engine needs.
// *database.Repository satisfies it; tests use an in-memory store.
type PositionStore interface {
	CreatePosition(ctx context.Context, p *database.Position) error
	GetPosition(ctx context.Context, positionID string) (*database.Position, error)
	GetOpenPosition(ctx context.Context, instrument, layer string) (*database.Position, error)
	GetOpenPositions(ctx context.Context) ([]*database.Position, error)
	GetOpenPositionsByInstrument(ctx context.Context, instrument string) ([]*database.Position, error)
	UpdatePosition(ctx context.Context, p *database.Position) error
	TransitionStatus(ctx context.Context, positionID, from, to string) error
}

// StateStore is the portfolio-state persistence surface
type StateStore interface {
	GetPortfolioState(ctx context.Context) (*database.PortfolioState, error)
	UpdatePortfolioAggregates(ctx context.Context, s *database.PortfolioState) error
	SetTradingPaused(ctx context.Context, paused bool, reason string) error
	ApplyTradingPnL(ctx context.Context, positionID string, pnl float64) (*database.PortfolioState, error)
	GetPyramidingState(ctx context.Context, instrument string) (*database.PyramidingState, error)
	UpsertPyramidingState(ctx context.Context, s *database.PyramidingState) error
	ClearPyramidingState(ctx context.Context, instrument string) error
}

// AuditStore is the audit persistence surface
type AuditStore interface {
	InsertSignalLog(ctx context.Context, e *database.SignalLogEntry) error
	RecentSignalExists(ctx context.Context, instrument, kind, layer string, price float64, window time.Duration) (bool, error)
	InsertSignalAudit(ctx context.Context, a *database.SignalAudit) error
	InsertOrderExecution(ctx context.Context, o *database.OrderExecutionRecord) error
	RecordStrategyTrade(ctx context.Context, strategyID *int64, p *database.Position) error
}

// Clock abstracts wall time for deterministic tests
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
