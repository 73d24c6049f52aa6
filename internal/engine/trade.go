package engine

import (
	"context"
	"fmt"
	"time"

	"trend-portfolio-bot/internal/broker"
	"trend-portfolio-bot/internal/database"
	"trend-portfolio-bot/internal/events"
	"trend-portfolio-bot/internal/execution"
	"trend-portfolio-bot/internal/instrument"
	"trend-portfolio-bot/internal/risk"
	"trend-portfolio-bot/internal/signal"
	"trend-portfolio-bot/internal/sizing"
)

// processEntry handles BASE_ENTRY and PYRAMID signals
func (e *Engine) processEntry(ctx context.Context, s *signal.Signal, inst *instrument.Instrument, isBase bool) *Outcome {
	layer := signal.LayerName(1)
	layerIndex := 1

	openLayers, err := e.positions.GetOpenPositionsByInstrument(ctx, s.Instrument)
	if err != nil {
		return rejected(OutcomeFailedOrder, "position lookup failed: "+err.Error())
	}

	if isBase {
		for _, p := range openLayers {
			if p.IsBasePosition {
				return rejected(OutcomeRejectedValid,
					fmt.Sprintf("base position %s already open", p.PositionID))
			}
		}
	} else {
		layerIndex = nextLayerIndex(openLayers)
		if layerIndex > inst.MaxPyramids+1 {
			return rejected(OutcomeRejectedRisk,
				fmt.Sprintf("all %d pyramid layers in use", inst.MaxPyramids))
		}
		layer = signal.LayerName(layerIndex)
	}

	mu := e.lockKey(s.Instrument, layer)
	mu.Lock()
	defer mu.Unlock()

	state, snap, err := e.snapshot(ctx)
	if err != nil {
		return rejected(OutcomeFailedOrder, "portfolio state unavailable: "+err.Error())
	}

	// Hard cap applies to every new entry
	capCheck := e.gate.CheckHardCap(snap)
	if !capCheck.Allowed {
		return &Outcome{Outcome: OutcomeRejectedRisk, Reason: capCheck.Reason, Gate: &capCheck}
	}

	ltp, err := e.liveLTP(ctx, inst, s.Price)
	if err != nil {
		return rejected(OutcomeFailedOrder, "quote unavailable: "+err.Error())
	}

	validation := e.validator.ValidateDivergence(s, ltp)
	if !validation.Valid {
		return &Outcome{Outcome: OutcomeRejectedValid, Reason: validation.Reason, Validation: validation}
	}

	prevLots := 0
	if !isBase {
		base := basePosition(openLayers)
		if base == nil {
			return &Outcome{Outcome: OutcomeRejectedValid, Reason: "no open base position",
				Validation: &signal.Result{Valid: false, RejectionCode: signal.CodeMissingBase}}
		}

		gateRes := e.validator.Validate1RGate(s, base.EntryPrice, base.InitialStop, ltp)
		if !gateRes.Valid {
			return &Outcome{Outcome: OutcomeRejectedValid, Reason: gateRes.Reason, Validation: gateRes}
		}

		instSnap := risk.InstrumentSnapshot{
			BaseOpen:       true,
			OpenLayers:     len(openLayers),
			MaxPyramids:    inst.MaxPyramids,
			CurrentPrice:   ltp,
			ATR:            s.ATR,
			BaseRiskAmount: float64(base.Lots) * (base.EntryPrice - base.InitialStop) * inst.PointValue,
		}
		for _, p := range openLayers {
			instSnap.UnrealizedPnL += p.UnrealizedPnL
		}
		if ps, err := e.state.GetPyramidingState(ctx, s.Instrument); err == nil {
			instSnap.LastPyramidPrice = ps.LastPyramidPrice
		}

		decision := e.gate.CheckPyramid(instSnap, snap)
		if !decision.Allowed {
			return &Outcome{Outcome: OutcomeRejectedRisk, Reason: decision.Reason, Gate: &decision}
		}
		capCheck = decision

		prevLots = previousLayerLots(openLayers, layerIndex)
	}

	stopPrice := s.Stop
	if stopPrice <= 0 {
		stopPrice = risk.InitialStop(s.Price, s.ATR, inst.InitialATRMult)
	}

	calc := sizing.Size(sizing.Inputs{
		Instrument:        inst,
		LayerIndex:        layerIndex,
		EntryPrice:        s.Price,
		StopPrice:         stopPrice,
		ATR:               s.ATR,
		ER:                s.ER,
		EquityHigh:        state.EquityHigh,
		MarginUsed:        state.MarginUsed,
		MaxMarginPct:      e.cfg.MaxMarginUtilPct,
		PreviousLayerLots: prevLots,
	})

	if calc.FinalLots <= 0 {
		// Accepted, nothing to do: zero-lot outcome
		return &Outcome{Outcome: OutcomeProcessed,
			Reason: "zero-lot sizing (" + calc.Limiter + " constraint)",
			Sizing: &calc, Gate: &capCheck}
	}

	positionID := fmt.Sprintf("%s_%s", s.Instrument, layer)
	expiry := e.resolver.NextExpiry(inst, e.clock.Now())
	legs, legMeta := e.entryLegs(inst, expiry, ltp, quantity(inst, calc.FinalLots))

	result := e.execute(ctx, execution.Request{
		PositionID:  positionID,
		Legs:        legs,
		SignalPrice: s.Price,
		Product:     e.cfg.Product,
	})
	e.recordExecution(ctx, positionID, inst, result)

	if result.Status == execution.ResultFailed {
		return &Outcome{Outcome: OutcomeFailedOrder, Reason: result.Reason,
			Sizing: &calc, Gate: &capCheck, Execution: result}
	}

	filledLots := filledLots(inst, result)
	if filledLots <= 0 {
		return &Outcome{Outcome: OutcomeFailedOrder, Reason: "no quantity filled",
			Sizing: &calc, Execution: result}
	}

	entryPrice := e.effectivePrice(legMeta, result)
	stops := risk.NewStopState(entryPrice, s.ATR, inst.InitialATRMult)

	pos := &database.Position{
		PositionID:     positionID,
		Instrument:     s.Instrument,
		Layer:          layer,
		Status:         database.PositionOpen,
		IsBasePosition: isBase,
		EntryTime:      e.clock.Now(),
		EntryPrice:     entryPrice,
		Lots:           filledLots,
		Quantity:       quantity(inst, filledLots),
		InitialStop:    stops.InitialStop,
		CurrentStop:    stops.CurrentStop,
		HighestClose:   stops.HighestClose,
		ATRAtEntry:     s.ATR,
		Limiter:        calc.Limiter,
		RolloverStatus: database.RolloverNone,
		ContractExpiry: &expiry,
		ContractMonth:  instrument.ContractMonth(expiry),
	}
	applyLegFills(pos, legMeta, result)

	outcomeStatus := OutcomeProcessed
	if result.Status == execution.ResultPartialFill {
		pos.Status = database.PositionPartial
		pos.ReconcileFlag = true
		outcomeStatus = OutcomePartialFill
	}

	if err := e.positions.CreatePosition(ctx, pos); err != nil {
		return &Outcome{Outcome: OutcomeFailedOrder,
			Reason: "position persist failed: " + err.Error(), Execution: result}
	}

	if err := e.state.UpsertPyramidingState(ctx, &database.PyramidingState{
		Instrument:       s.Instrument,
		LastPyramidPrice: entryPrice,
		BasePositionID:   fmt.Sprintf("%s_%s", s.Instrument, signal.LayerName(1)),
	}); err != nil {
		e.logger.WithError(err).Warn("pyramiding state update failed")
	}

	e.adjustAggregates(ctx, inst, pos, +1)

	if e.bus != nil {
		if isBase {
			e.bus.PublishPositionOpened(positionID, s.Instrument, layer, filledLots, entryPrice, stops.CurrentStop)
		} else {
			e.bus.Publish(events.Event{Type: events.EventPyramidAdded, Data: map[string]interface{}{
				"position_id": positionID, "lots": filledLots, "entry_price": entryPrice,
			}})
		}
	}
	if e.notifier != nil {
		e.notifier.Notify(fmt.Sprintf("%s %s", s.Kind, s.Instrument),
			fmt.Sprintf("%d lots @ %.2f, stop %.2f (%s-limited)",
				filledLots, entryPrice, stops.CurrentStop, calc.Limiter))
	}

	return &Outcome{
		Outcome:    outcomeStatus,
		PositionID: positionID,
		Lots:       filledLots,
		Validation: validation,
		Sizing:     &calc,
		Gate:       &capCheck,
		Execution:  result,
	}
}

// processExit closes one layer, or every open layer when the signal does
// not name one. Pyramid layers close before the base.
func (e *Engine) processExit(ctx context.Context, s *signal.Signal, inst *instrument.Instrument) *Outcome {
	// Divergence still gates external exits; a quote outage must not keep
	// us from reducing risk, so it only skips the check.
	if !s.Internal {
		if ltp, err := e.liveLTP(ctx, inst, s.Price); err == nil {
			if v := e.validator.ValidateDivergence(s, ltp); !v.Valid {
				return &Outcome{Outcome: OutcomeRejectedValid, Reason: v.Reason, Validation: v}
			}
		}
	}

	var targets []*database.Position
	if s.Layer != "" {
		pos, err := e.positions.GetOpenPosition(ctx, s.Instrument, s.Layer)
		if err == database.ErrNotFound {
			return rejected(OutcomeRejectedValid,
				fmt.Sprintf("no open position for %s %s", s.Instrument, s.Layer))
		}
		if err != nil {
			return rejected(OutcomeFailedOrder, "position lookup failed: "+err.Error())
		}
		targets = []*database.Position{pos}
	} else {
		open, err := e.positions.GetOpenPositionsByInstrument(ctx, s.Instrument)
		if err != nil {
			return rejected(OutcomeFailedOrder, "position lookup failed: "+err.Error())
		}
		if len(open) == 0 {
			return rejected(OutcomeRejectedValid, "no open positions for "+s.Instrument)
		}
		// Highest layer first
		for i := len(open) - 1; i >= 0; i-- {
			targets = append(targets, open[i])
		}
	}

	outcome := &Outcome{Outcome: OutcomeProcessed}
	var lastExec *execution.Result
	for _, pos := range targets {
		res, realized, err := e.closePosition(ctx, inst, pos, s.Reason, s.Price)
		lastExec = res
		if err != nil {
			e.logger.WithError(err).WithPosition(pos.PositionID).Error("exit failed")
			continue
		}
		outcome.ClosedCount++
		outcome.RealizedPnL += realized
	}
	outcome.Execution = lastExec

	if outcome.ClosedCount == 0 {
		outcome.Outcome = OutcomeFailedOrder
		outcome.Reason = "no positions closed"
		if lastExec != nil {
			outcome.Reason = lastExec.Reason
		}
	}
	return outcome
}

// closePosition transitions open -> closing, executes the reverse legs, and
// settles P&L. The closing status guards against a concurrent double exit.
func (e *Engine) closePosition(ctx context.Context, inst *instrument.Instrument, pos *database.Position, reason string, signalPrice float64) (*execution.Result, float64, error) {
	mu := e.lockKey(pos.Instrument, pos.Layer)
	mu.Lock()
	defer mu.Unlock()

	fromStatus := pos.Status
	if fromStatus != database.PositionOpen && fromStatus != database.PositionPartial {
		return nil, 0, fmt.Errorf("position %s is %s, not closable", pos.PositionID, pos.Status)
	}
	if err := e.positions.TransitionStatus(ctx, pos.PositionID, fromStatus, database.PositionClosing); err != nil {
		return nil, 0, fmt.Errorf("already closing: %w", err)
	}
	pos.Version++
	pos.Status = database.PositionClosing

	if signalPrice <= 0 {
		signalPrice = pos.EntryPrice
	}

	legs, legMeta := e.exitLegs(inst, pos)
	result := e.execute(ctx, execution.Request{
		PositionID:  pos.PositionID,
		Legs:        legs,
		SignalPrice: signalPrice,
		Product:     e.cfg.Product,
	})
	e.recordExecution(ctx, pos.PositionID, inst, result)

	if result.Status == execution.ResultFailed {
		// Reopen so a later exit can retry; operator sees the failed order
		if err := e.positions.TransitionStatus(ctx, pos.PositionID, database.PositionClosing, fromStatus); err == nil {
			pos.Version++
			pos.Status = fromStatus
		}
		return result, 0, fmt.Errorf("exit order failed: %s", result.Reason)
	}

	exitPrice := e.effectivePrice(legMeta, result)
	realized := (exitPrice - pos.EntryPrice) * float64(pos.Lots) * inst.PointValue
	now := e.clock.Now()

	pos.Status = database.PositionClosed
	pos.ExitTime = &now
	pos.ExitPrice = &exitPrice
	pos.ExitReason = reason
	pos.RealizedPnL = &realized
	if result.Status == execution.ResultPartialFill {
		pos.ReconcileFlag = true
	}

	if err := e.withConflictRetry(func() error {
		return e.positions.UpdatePosition(ctx, pos)
	}); err != nil {
		return result, 0, err
	}

	if _, err := e.state.ApplyTradingPnL(ctx, pos.PositionID, realized); err != nil {
		e.logger.WithError(err).WithPosition(pos.PositionID).Error("ledger write failed")
	}
	e.adjustAggregates(ctx, inst, pos, -1)

	if pos.IsBasePosition {
		if err := e.state.ClearPyramidingState(ctx, pos.Instrument); err != nil {
			e.logger.WithError(err).Warn("pyramiding state clear failed")
		}
	}

	if err := e.audit.RecordStrategyTrade(ctx, e.strategyID, pos); err != nil {
		e.logger.WithError(err).WithPosition(pos.PositionID).Warn("trade history write failed")
	}

	if e.bus != nil {
		e.bus.PublishPositionClosed(pos.PositionID, reason, exitPrice, realized)
	}
	if e.notifier != nil {
		e.notifier.Notify("EXIT "+pos.Instrument,
			fmt.Sprintf("%s closed %d lots @ %.2f, P&L %.0f (%s)",
				pos.Layer, pos.Lots, exitPrice, realized, reason))
	}
	return result, realized, nil
}

// processEODScan evaluates stop breaches for the instrument and closes
// breaching layers before the session ends.
func (e *Engine) processEODScan(ctx context.Context, inst *instrument.Instrument) *Outcome {
	if !inst.EODEnabled {
		return rejected(OutcomeRejectedValid, "EOD monitoring disabled for "+inst.Name)
	}
	closed, pnl, err := e.CheckStops(ctx, inst.Name, ReasonStopLoss)
	if err != nil {
		return rejected(OutcomeFailedOrder, err.Error())
	}
	return &Outcome{Outcome: OutcomeProcessed, ClosedCount: closed, RealizedPnL: pnl,
		Reason: fmt.Sprintf("EOD scan closed %d position(s)", closed)}
}

// CheckStops closes every open layer of the instrument whose stop is at or
// above the live price. Used by the EOD monitor and stop-watcher loops.
func (e *Engine) CheckStops(ctx context.Context, instrumentName, reason string) (int, float64, error) {
	inst, err := e.catalog.Get(instrumentName)
	if err != nil {
		return 0, 0, err
	}
	open, err := e.positions.GetOpenPositionsByInstrument(ctx, instrumentName)
	if err != nil {
		return 0, 0, err
	}
	if len(open) == 0 {
		return 0, 0, nil
	}

	ltp, err := e.liveLTP(ctx, inst, open[0].EntryPrice)
	if err != nil {
		return 0, 0, fmt.Errorf("quote unavailable: %w", err)
	}

	closed := 0
	totalPnL := 0.0
	for i := len(open) - 1; i >= 0; i-- {
		pos := open[i]
		st := risk.StopState{CurrentStop: pos.CurrentStop}
		if !st.StopHit(ltp) {
			continue
		}
		if e.bus != nil {
			e.bus.Publish(events.Event{Type: events.EventStopHit, Data: map[string]interface{}{
				"position_id": pos.PositionID, "stop": pos.CurrentStop, "ltp": ltp,
			}})
		}
		if _, realized, err := e.closePosition(ctx, inst, pos, reason, ltp); err == nil {
			closed++
			totalPnL += realized
		} else {
			e.logger.WithError(err).WithPosition(pos.PositionID).Error("stop exit failed")
		}
	}
	return closed, totalPnL, nil
}

// ObserveClose feeds one closing price into the stop ratchet of every open
// layer for the instrument.
func (e *Engine) ObserveClose(ctx context.Context, instrumentName string, closePrice float64) error {
	inst, err := e.catalog.Get(instrumentName)
	if err != nil {
		return err
	}
	open, err := e.positions.GetOpenPositionsByInstrument(ctx, instrumentName)
	if err != nil {
		return err
	}
	for _, pos := range open {
		st := risk.StopState{
			EntryPrice:   pos.EntryPrice,
			InitialStop:  pos.InitialStop,
			CurrentStop:  pos.CurrentStop,
			HighestClose: pos.HighestClose,
		}
		st, movedStop := st.Observe(closePrice, pos.ATRAtEntry, inst.TrailingATRMult)
		if !movedStop && st.HighestClose == pos.HighestClose {
			continue
		}
		oldStop := pos.CurrentStop
		pos.CurrentStop = st.CurrentStop
		pos.HighestClose = st.HighestClose
		pos.UnrealizedPnL = (closePrice - pos.EntryPrice) * float64(pos.Lots) * inst.PointValue

		if err := e.withConflictRetry(func() error {
			return e.positions.UpdatePosition(ctx, pos)
		}); err != nil {
			e.logger.WithError(err).WithPosition(pos.PositionID).Error("stop update failed")
			continue
		}
		if movedStop && e.bus != nil {
			e.bus.PublishStopUpdated(pos.PositionID, oldStop, st.CurrentStop, st.HighestClose)
		}
	}
	return nil
}

// MonitorStops quotes the instrument's live price, runs it through the stop
// ratchet, and closes any layer whose stop is breached. The stop watcher
// calls this per instrument while its exchange is open; the EOD scan covers
// the same ground in the pre-close window.
func (e *Engine) MonitorStops(ctx context.Context, instrumentName string) (int, float64, error) {
	inst, err := e.catalog.Get(instrumentName)
	if err != nil {
		return 0, 0, err
	}
	open, err := e.positions.GetOpenPositionsByInstrument(ctx, instrumentName)
	if err != nil {
		return 0, 0, err
	}
	if len(open) == 0 {
		return 0, 0, nil
	}

	ltp, err := e.liveLTP(ctx, inst, open[0].EntryPrice)
	if err != nil {
		return 0, 0, fmt.Errorf("quote unavailable: %w", err)
	}

	// Ratchet first: a fresh high can only raise stops, never put one at or
	// above the price that set it.
	if err := e.ObserveClose(ctx, instrumentName, ltp); err != nil {
		e.logger.WithError(err).Warn("stop ratchet update failed", "instrument", instrumentName)
	}
	return e.CheckStops(ctx, instrumentName, ReasonStopLoss)
}

// CloseAll exits every open position across all instruments. dryRun only
// reports what would close.
func (e *Engine) CloseAll(ctx context.Context, dryRun bool) (int, float64, error) {
	open, err := e.positions.GetOpenPositions(ctx)
	if err != nil {
		return 0, 0, err
	}
	if dryRun {
		return len(open), 0, nil
	}

	closed := 0
	totalPnL := 0.0
	for i := len(open) - 1; i >= 0; i-- {
		pos := open[i]
		inst, err := e.catalog.Get(pos.Instrument)
		if err != nil {
			continue
		}
		if _, realized, err := e.closePosition(ctx, inst, pos, ReasonCloseAll, 0); err == nil {
			closed++
			totalPnL += realized
		} else {
			e.logger.WithError(err).WithPosition(pos.PositionID).Error("close-all exit failed")
		}
	}
	return closed, totalPnL, nil
}

// ============================================================================
// Leg construction and fill accounting
// ============================================================================

// legMeta carries what effectivePrice needs to interpret fills
type legMeta struct {
	synthetic bool
	strike    float64
	peIndex   int
	ceIndex   int
	peSymbol  string
	ceSymbol  string
	symbol    string
}

func (e *Engine) entryLegs(inst *instrument.Instrument, expiry time.Time, spot float64, qty int) ([]execution.Leg, legMeta) {
	if inst.Synthetic {
		sellPE, buyCE, strike := e.resolver.SyntheticLegs(inst, expiry, spot)
		return []execution.Leg{
				{Symbol: sellPE, Exchange: inst.Exchange, Action: broker.ActionSell, Quantity: qty},
				{Symbol: buyCE, Exchange: inst.Exchange, Action: broker.ActionBuy, Quantity: qty},
			}, legMeta{
				synthetic: true, strike: strike,
				peIndex: 0, ceIndex: 1, peSymbol: sellPE, ceSymbol: buyCE,
			}
	}
	symbol := e.resolver.FutureSymbol(inst, expiry)
	return []execution.Leg{
		{Symbol: symbol, Exchange: inst.Exchange, Action: broker.ActionBuy, Quantity: qty},
	}, legMeta{symbol: symbol}
}

// exitLegs reverses the stored legs of a position
func (e *Engine) exitLegs(inst *instrument.Instrument, pos *database.Position) ([]execution.Leg, legMeta) {
	if inst.Synthetic && pos.LegPESymbol != "" {
		strike := strikeFromLegs(pos)
		return []execution.Leg{
				{Symbol: pos.LegPESymbol, Exchange: inst.Exchange, Action: broker.ActionBuy, Quantity: pos.Quantity},
				{Symbol: pos.LegCESymbol, Exchange: inst.Exchange, Action: broker.ActionSell, Quantity: pos.Quantity},
			}, legMeta{
				synthetic: true, strike: strike,
				peIndex: 0, ceIndex: 1, peSymbol: pos.LegPESymbol, ceSymbol: pos.LegCESymbol,
			}
	}
	return []execution.Leg{
		{Symbol: pos.Symbol, Exchange: inst.Exchange, Action: broker.ActionSell, Quantity: pos.Quantity},
	}, legMeta{symbol: pos.Symbol}
}

// effectivePrice computes the position-level fill price. Synthetic futures
// price is strike + CE - PE regardless of direction.
func (e *Engine) effectivePrice(meta legMeta, res *execution.Result) float64 {
	if !meta.synthetic {
		if len(res.Legs) > 0 {
			return res.Legs[0].FillPrice
		}
		return 0
	}
	if len(res.Legs) <= meta.ceIndex {
		return meta.strike
	}
	pe := res.Legs[meta.peIndex].FillPrice
	ce := res.Legs[meta.ceIndex].FillPrice
	return meta.strike + ce - pe
}

func applyLegFills(pos *database.Position, meta legMeta, res *execution.Result) {
	if meta.synthetic && len(res.Legs) > meta.ceIndex {
		peLeg := res.Legs[meta.peIndex]
		ceLeg := res.Legs[meta.ceIndex]
		pos.LegPESymbol = meta.peSymbol
		pos.LegPEOrderID = peLeg.OrderID
		peFill := peLeg.FillPrice
		pos.LegPEFillPrice = &peFill
		pos.LegCESymbol = meta.ceSymbol
		pos.LegCEOrderID = ceLeg.OrderID
		ceFill := ceLeg.FillPrice
		pos.LegCEFillPrice = &ceFill
		return
	}
	if len(res.Legs) > 0 {
		pos.Symbol = meta.symbol
		pos.BrokerOrderID = res.Legs[0].OrderID
	}
}

// filledLots converts the smallest leg fill back into whole lots
func filledLots(inst *instrument.Instrument, res *execution.Result) int {
	minFill := -1
	for _, leg := range res.Legs {
		if minFill < 0 || leg.FilledQuantity < minFill {
			minFill = leg.FilledQuantity
		}
	}
	if minFill <= 0 || inst.LotSize <= 0 {
		return 0
	}
	return minFill / inst.LotSize
}

func strikeFromLegs(pos *database.Position) float64 {
	// BANKNIFTY{yymmdd}{strike}{PE}: strike is the digits between date and type
	sym := pos.LegPESymbol
	if len(sym) < 12 {
		return 0
	}
	digits := sym[len("BANKNIFTY")+6 : len(sym)-2]
	var strike float64
	fmt.Sscanf(digits, "%f", &strike)
	return strike
}

func nextLayerIndex(open []*database.Position) int {
	max := 0
	for _, p := range open {
		if idx := signal.LayerIndex(p.Layer); idx > max {
			max = idx
		}
	}
	return max + 1
}

func basePosition(open []*database.Position) *database.Position {
	for _, p := range open {
		if p.IsBasePosition {
			return p
		}
	}
	return nil
}

func previousLayerLots(open []*database.Position, layerIndex int) int {
	want := signal.LayerName(layerIndex - 1)
	for _, p := range open {
		if p.Layer == want {
			return p.Lots
		}
	}
	return 0
}

// adjustAggregates moves the persisted portfolio aggregates when a
// position opens (+1) or closes (-1).
func (e *Engine) adjustAggregates(ctx context.Context, inst *instrument.Instrument, pos *database.Position, sign float64) {
	riskAmt := float64(pos.Lots) * (pos.EntryPrice - pos.InitialStop) * inst.PointValue
	volAmt := float64(pos.Lots) * pos.ATRAtEntry * inst.PointValue
	marginAmt := float64(pos.Lots) * inst.MarginPerLot

	err := e.withConflictRetry(func() error {
		state, err := e.state.GetPortfolioState(ctx)
		if err != nil {
			return err
		}
		state.TotalRiskAmount += sign * riskAmt
		state.TotalVolAmount += sign * volAmt
		state.MarginUsed += sign * marginAmt
		if state.TotalRiskAmount < 0 {
			state.TotalRiskAmount = 0
		}
		if state.TotalVolAmount < 0 {
			state.TotalVolAmount = 0
		}
		if state.MarginUsed < 0 {
			state.MarginUsed = 0
		}
		if state.EquityHigh > 0 {
			state.TotalRiskPct = state.TotalRiskAmount / state.EquityHigh * 100
		}
		return e.state.UpdatePortfolioAggregates(ctx, state)
	})
	if err != nil {
		e.logger.WithError(err).Error("aggregate update failed")
	}
}

// recordExecution persists per-leg order rows; failures only log
func (e *Engine) recordExecution(ctx context.Context, positionID string, inst *instrument.Instrument, res *execution.Result) {
	if res == nil {
		return
	}
	for _, leg := range res.Legs {
		var limitPrice, fillPrice, slippage *float64
		if leg.FillPrice > 0 {
			fp := leg.FillPrice
			fillPrice = &fp
			sl := leg.SlippagePct
			slippage = &sl
		}
		rec := &database.OrderExecutionRecord{
			OrderID:        leg.OrderID,
			PositionID:     positionID,
			Symbol:         leg.Symbol,
			Exchange:       inst.Exchange,
			Action:         leg.Action,
			Quantity:       leg.Quantity,
			FilledQuantity: leg.FilledQuantity,
			LimitPrice:     limitPrice,
			FillPrice:      fillPrice,
			SlippagePct:    slippage,
			Status:         leg.Status,
			Attempts:       leg.Attempts,
			DurationMs:     leg.DurationMs,
		}
		if rec.OrderID == "" {
			rec.OrderID = execution.NewOrderID()
		}
		if err := e.audit.InsertOrderExecution(context.WithoutCancel(ctx), rec); err != nil {
			e.logger.WithError(err).Error("order log write failed")
		}
	}
}
