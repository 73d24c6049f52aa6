package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trend-portfolio-bot/internal/broker"
	"trend-portfolio-bot/internal/database"
	"trend-portfolio-bot/internal/events"
	"trend-portfolio-bot/internal/execution"
	"trend-portfolio-bot/internal/instrument"
	"trend-portfolio-bot/internal/logging"
	"trend-portfolio-bot/internal/market"
	"trend-portfolio-bot/internal/risk"
	"trend-portfolio-bot/internal/signal"
)

// Exit reasons for internally generated exits. Stop breaches carry
// STOP_LOSS whether the intra-session watcher or the EOD scan found them.
const (
	ReasonStopLoss = "STOP_LOSS"
	ReasonRollover = "ROLLOVER"
	ReasonCloseAll = "EMERGENCY_CLOSE_ALL"
)

// Config is the engine's fixed option set, assembled from the app config
type Config struct {
	MaxPortfolioRiskPct  float64
	MaxMarginUtilPct     float64
	StateConflictRetries int

	SignalDeadline    time.Duration
	EODDeadline       time.Duration
	EODWindowMinutes  int
	WorkerPoolSize    int

	// Signals identical in substance within this window collapse onto the
	// first delivery, checked against signal_log so the suppression holds
	// across restarts and instances. Zero disables the persistent check.
	CoalesceWindow time.Duration

	Product string // NRML for carry positions
}

// Notifier receives human-facing trade notifications. May be nil.
type Notifier interface {
	Notify(title, message string)
}

// Engine is the signal orchestrator: every trading decision flows through
// ProcessSignal, including the synthetic signals raised by schedulers.
type Engine struct {
	cfg       Config
	catalog   *instrument.Catalog
	resolver  *instrument.Resolver
	calendar  *market.Calendar
	deduper   *signal.Deduper
	validator *signal.Validator
	gate      *risk.Gate
	executor  *execution.Executor
	broker    broker.Broker

	positions PositionStore
	state     StateStore
	audit     AuditStore

	bus      *events.EventBus
	notifier Notifier
	logger   *logging.Logger
	clock    Clock

	instanceID string
	isLeader   func() bool
	strategyID *int64

	paused   bool
	pausedMu sync.RWMutex

	// Per (instrument, layer) serialization
	keyLocks   map[string]*sync.Mutex
	keyLocksMu sync.Mutex

	// Bounded order placement so a slow broker cannot stall intake
	workers chan struct{}
}

// Deps bundles the engine's collaborators
type Deps struct {
	Catalog   *instrument.Catalog
	Resolver  *instrument.Resolver
	Calendar  *market.Calendar
	Deduper   *signal.Deduper
	Validator *signal.Validator
	Gate      *risk.Gate
	Executor  *execution.Executor
	Broker    broker.Broker
	Positions PositionStore
	State     StateStore
	Audit     AuditStore
	Bus       *events.EventBus
	Notifier  Notifier
	Logger    *logging.Logger
	Clock     Clock

	InstanceID string
	IsLeader   func() bool

	// StrategyID stamps closed round trips into strategy_trade_history.
	// May be nil; the history rows then carry no strategy linkage.
	StrategyID *int64
}

// New creates the engine
func New(cfg Config, deps Deps) *Engine {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.StateConflictRetries <= 0 {
		cfg.StateConflictRetries = 3
	}
	if cfg.Product == "" {
		cfg.Product = broker.ProductNRML
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.IsLeader == nil {
		deps.IsLeader = func() bool { return true }
	}
	return &Engine{
		cfg:        cfg,
		catalog:    deps.Catalog,
		resolver:   deps.Resolver,
		calendar:   deps.Calendar,
		deduper:    deps.Deduper,
		validator:  deps.Validator,
		gate:       deps.Gate,
		executor:   deps.Executor,
		broker:     deps.Broker,
		positions:  deps.Positions,
		state:      deps.State,
		audit:      deps.Audit,
		bus:        deps.Bus,
		notifier:   deps.Notifier,
		logger:     deps.Logger.WithComponent("engine"),
		clock:      deps.Clock,
		instanceID: deps.InstanceID,
		isLeader:   deps.IsLeader,
		strategyID: deps.StrategyID,
		keyLocks:   make(map[string]*sync.Mutex),
		workers:    make(chan struct{}, cfg.WorkerPoolSize),
	}
}

// Paused reports the emergency pause flag
func (e *Engine) Paused() bool {
	e.pausedMu.RLock()
	defer e.pausedMu.RUnlock()
	return e.paused
}

// Pause halts all trading until Resume
func (e *Engine) Pause(ctx context.Context, reason string) error {
	e.pausedMu.Lock()
	e.paused = true
	e.pausedMu.Unlock()
	if err := e.state.SetTradingPaused(ctx, true, reason); err != nil {
		return err
	}
	e.logger.Warn("trading paused", "reason", reason)
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.EventTradingPaused, Data: map[string]interface{}{"reason": reason}})
	}
	if e.notifier != nil {
		e.notifier.Notify("Trading paused", reason)
	}
	return nil
}

// Resume lifts the emergency pause
func (e *Engine) Resume(ctx context.Context) error {
	e.pausedMu.Lock()
	e.paused = false
	e.pausedMu.Unlock()
	if err := e.state.SetTradingPaused(ctx, false, ""); err != nil {
		return err
	}
	e.logger.Info("trading resumed")
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.EventTradingResumed})
	}
	return nil
}

// RestorePauseState loads the persisted pause flag at startup
func (e *Engine) RestorePauseState(ctx context.Context) error {
	state, err := e.state.GetPortfolioState(ctx)
	if err != nil {
		return err
	}
	e.pausedMu.Lock()
	e.paused = state.TradingPaused
	e.pausedMu.Unlock()
	return nil
}

// ProcessSignal is the single entry point for every signal, external or
// internal. It always produces an audit row.
func (e *Engine) ProcessSignal(ctx context.Context, s *signal.Signal) *Outcome {
	start := e.clock.Now()

	inst, err := e.catalog.Get(s.Instrument)
	if err != nil {
		return e.finish(ctx, s, start, rejected(OutcomeRejectedValid, err.Error()))
	}

	deadline := e.cfg.SignalDeadline
	if e.inEODWindow(inst) {
		deadline = e.cfg.EODDeadline
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	outcome := e.process(ctx, s, inst)
	return e.finish(ctx, s, start, outcome)
}

func (e *Engine) process(ctx context.Context, s *signal.Signal, inst *instrument.Instrument) *Outcome {
	// 1. Emergency pause
	if e.Paused() {
		return rejected(OutcomeRejectedManual, "trading is paused")
	}

	// 2. Leadership: non-leaders only persist audit rows
	if !e.isLeader() {
		return rejected(OutcomeRejectedManual, "instance is not the leader")
	}

	// 3. Market hours. Internal signals (stop hits, rollover) already
	// passed a hours check upstream.
	now := e.clock.Now()
	if !s.Internal && !e.calendar.IsOpen(inst.Exchange, now) {
		return rejected(OutcomeRejectedMarket,
			fmt.Sprintf("%s market is closed at %s", inst.Exchange, now.Format("15:04 MST")))
	}

	// 4. Dedup: LRU + Redis first, signal_log PK as authority
	if !s.Internal {
		if e.deduper.Seen(ctx, s.Fingerprint) || e.deduper.Coalesce(s) {
			return rejected(OutcomeRejectedDup, "duplicate signal")
		}
		// The in-memory coalescer dies with the process; the signal log
		// catches redeliveries that land on a fresh or standby instance.
		if e.cfg.CoalesceWindow > 0 {
			exists, err := e.audit.RecentSignalExists(ctx, s.Instrument, s.Kind, s.Layer, s.Price, e.cfg.CoalesceWindow)
			if err != nil {
				e.logger.WithError(err).Warn("persistent coalesce check failed")
			} else if exists {
				return rejected(OutcomeRejectedDup, "duplicate signal (coalesced against signal log)")
			}
		}
		err := e.audit.InsertSignalLog(ctx, &database.SignalLogEntry{
			Fingerprint: s.Fingerprint,
			Instrument:  s.Instrument,
			Kind:        s.Kind,
			Layer:       s.Layer,
			SignalTime:  s.Timestamp,
			Price:       s.Price,
		})
		if err == database.ErrDuplicateSignal {
			return rejected(OutcomeRejectedDup, "duplicate signal (persisted fingerprint)")
		}
		if err != nil {
			e.logger.WithError(err).Error("signal log insert failed")
		}
	}

	// 5. Freshness
	if !s.Internal {
		if res := e.validator.ValidateFreshness(s); !res.Valid {
			return &Outcome{Outcome: OutcomeRejectedValid, Reason: res.Reason, Validation: res}
		}
	}

	// 6. Dispatch
	switch s.Kind {
	case signal.KindBaseEntry:
		return e.processEntry(ctx, s, inst, true)
	case signal.KindPyramid:
		return e.processEntry(ctx, s, inst, false)
	case signal.KindExit:
		return e.processExit(ctx, s, inst)
	case signal.KindEODMonitor:
		return e.processEODScan(ctx, inst)
	default:
		return rejected(OutcomeRejectedValid, "unknown signal kind "+s.Kind)
	}
}

// finish writes the audit row and publishes outcome events. Audit failures
// are logged, never propagated into the trading result.
func (e *Engine) finish(ctx context.Context, s *signal.Signal, start time.Time, o *Outcome) *Outcome {
	elapsed := e.clock.Now().Sub(start)

	audit := &database.SignalAudit{
		Fingerprint:  s.Fingerprint,
		Instrument:   s.Instrument,
		Kind:         s.Kind,
		Layer:        s.Layer,
		Outcome:      o.Outcome,
		Reason:       o.Reason,
		Payload:      marshalOrNil(s),
		Validation:   marshalOrNil(o.Validation),
		Sizing:       marshalOrNil(o.Sizing),
		Risk:         marshalOrNil(o.Gate),
		Execution:    marshalOrNil(o.Execution),
		ProcessingMs: int(elapsed.Milliseconds()),
		InstanceID:   e.instanceID,
	}
	if err := e.audit.InsertSignalAudit(context.WithoutCancel(ctx), audit); err != nil {
		e.logger.WithError(err).WithSignal(s.Fingerprint).Error("audit write failed")
	}

	if e.bus != nil {
		eventType := events.EventSignalProcessed
		switch o.Outcome {
		case OutcomeRejectedDup:
			eventType = events.EventSignalDuplicate
		case OutcomeProcessed, OutcomePartialFill:
			eventType = events.EventSignalProcessed
		default:
			eventType = events.EventSignalRejected
		}
		e.bus.PublishOutcome(eventType, s.Fingerprint, s.Instrument, s.Kind, o.Outcome, o.Reason)
	}

	e.logger.WithSignal(s.Fingerprint).Info("signal processed",
		"instrument", s.Instrument, "kind", s.Kind, "outcome", o.Outcome,
		"reason", o.Reason, "ms", elapsed.Milliseconds())
	return o
}

// inEODWindow reports whether the instrument's exchange is inside the EOD
// monitoring window before close.
func (e *Engine) inEODWindow(inst *instrument.Instrument) bool {
	if e.cfg.EODWindowMinutes <= 0 {
		return false
	}
	mins := e.calendar.MinutesToClose(inst.Exchange, e.clock.Now())
	return mins >= 0 && mins <= float64(e.cfg.EODWindowMinutes)
}

// lockKey serializes work per (instrument, layer)
func (e *Engine) lockKey(instrument, layer string) *sync.Mutex {
	key := instrument + ":" + layer
	e.keyLocksMu.Lock()
	defer e.keyLocksMu.Unlock()
	mu, ok := e.keyLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.keyLocks[key] = mu
	}
	return mu
}

// execute runs an order request through the bounded worker pool
func (e *Engine) execute(ctx context.Context, req execution.Request) *execution.Result {
	select {
	case e.workers <- struct{}{}:
		defer func() { <-e.workers }()
	case <-ctx.Done():
		return &execution.Result{Status: execution.ResultFailed, Reason: "deadline before order placement"}
	}
	return e.executor.Execute(ctx, req)
}

// withConflictRetry retries fn on optimistic-lock conflicts
func (e *Engine) withConflictRetry(fn func() error) error {
	var err error
	for i := 0; i < e.cfg.StateConflictRetries; i++ {
		err = fn()
		if err != database.ErrStateConflict {
			return err
		}
	}
	return fmt.Errorf("STATE_CONFLICT: %w", err)
}

// snapshot builds the gate's portfolio view from persisted aggregates
func (e *Engine) snapshot(ctx context.Context) (*database.PortfolioState, risk.PortfolioSnapshot, error) {
	state, err := e.state.GetPortfolioState(ctx)
	if err != nil {
		return nil, risk.PortfolioSnapshot{}, err
	}

	combined := 0.0
	open, err := e.positions.GetOpenPositions(ctx)
	if err == nil {
		for _, p := range open {
			combined += p.UnrealizedPnL
		}
	}

	return state, risk.PortfolioSnapshot{
		EquityHigh:        state.EquityHigh,
		TotalRiskAmount:   state.TotalRiskAmount,
		TotalVolAmount:    state.TotalVolAmount,
		MarginUsed:        state.MarginUsed,
		CombinedUnrealPnL: combined,
	}, nil
}

// liveLTP resolves the instrument's tradable price. Synthetic instruments
// derive it from the option legs: strike + CE − PE.
func (e *Engine) liveLTP(ctx context.Context, inst *instrument.Instrument, hint float64) (float64, error) {
	expiry := e.resolver.NextExpiry(inst, e.clock.Now())
	if !inst.Synthetic {
		symbol := e.resolver.FutureSymbol(inst, expiry)
		q, err := e.broker.GetQuote(ctx, symbol, inst.Exchange)
		if err != nil {
			return 0, err
		}
		return q.LTP, nil
	}

	sellPE, buyCE, strike := e.resolver.SyntheticLegs(inst, expiry, hint)
	pe, err := e.broker.GetQuote(ctx, sellPE, inst.Exchange)
	if err != nil {
		return 0, err
	}
	ce, err := e.broker.GetQuote(ctx, buyCE, inst.Exchange)
	if err != nil {
		return 0, err
	}
	return strike + ce.LTP - pe.LTP, nil
}

// quantity converts lots to order quantity
func quantity(inst *instrument.Instrument, lots int) int {
	return lots * inst.LotSize
}
