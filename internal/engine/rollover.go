package engine

import (
	"context"
	"fmt"

	"trend-portfolio-bot/internal/database"
	"trend-portfolio-bot/internal/events"
	"trend-portfolio-bot/internal/execution"
	"trend-portfolio-bot/internal/instrument"
)

// MarkRolloverPending flags a position whose contract is inside the
// lookahead window. The scanner calls this; execution happens separately.
func (e *Engine) MarkRolloverPending(ctx context.Context, pos *database.Position) error {
	if pos.RolloverStatus != database.RolloverNone && pos.RolloverStatus != database.RolloverFailed {
		return nil
	}
	pos.RolloverStatus = database.RolloverPending
	return e.withConflictRetry(func() error {
		return e.positions.UpdatePosition(ctx, pos)
	})
}

// RollPosition closes the expiring contract and re-enters the same lots on
// the next contract month, bypassing sizing. The stop distance carries over
// so the ratchet is not reset by the roll.
func (e *Engine) RollPosition(ctx context.Context, positionID string) error {
	pos, err := e.positions.GetPosition(ctx, positionID)
	if err != nil {
		return fmt.Errorf("rollover lookup %s: %w", positionID, err)
	}
	if pos.Status != database.PositionOpen && pos.Status != database.PositionPartial {
		return fmt.Errorf("position %s is %s, cannot roll", positionID, pos.Status)
	}
	if pos.ContractExpiry == nil {
		return fmt.Errorf("position %s has no contract expiry", positionID)
	}

	inst, err := e.catalog.Get(pos.Instrument)
	if err != nil {
		return err
	}

	oldExpiry := *pos.ContractExpiry
	nextExpiry := e.resolver.ExpiryAfter(inst, oldExpiry)
	originalExpiry := oldExpiry
	if pos.OriginalExpiry != nil {
		originalExpiry = *pos.OriginalExpiry
	}
	lots := pos.Lots
	layer := pos.Layer
	isBase := pos.IsBasePosition
	stopDistance := pos.EntryPrice - pos.CurrentStop
	oldEntry := pos.EntryPrice
	rolloverCount := pos.RolloverCount

	pos.RolloverStatus = database.RolloverInProgress
	if err := e.withConflictRetry(func() error {
		return e.positions.UpdatePosition(ctx, pos)
	}); err != nil {
		return err
	}

	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.EventRolloverStarted, Data: map[string]interface{}{
			"position_id": positionID, "from": oldExpiry.Format("2006-01-02"),
			"to": nextExpiry.Format("2006-01-02"),
		}})
	}

	// Leg 1: close the expiring contract
	if _, _, err := e.closePosition(ctx, inst, pos, ReasonRollover, 0); err != nil {
		e.markRolloverFailed(ctx, pos, err)
		return fmt.Errorf("rollover close failed for %s: %w", positionID, err)
	}

	// Leg 2: re-enter the same lots on the next contract
	ltp, err := e.liveLTP(ctx, inst, oldEntry)
	if err != nil {
		return fmt.Errorf("rollover re-entry quote failed for %s: %w", positionID, err)
	}

	legs, legMeta := e.entryLegs(inst, nextExpiry, ltp, quantity(inst, lots))
	result := e.execute(ctx, execution.Request{
		PositionID:  positionID,
		Legs:        legs,
		SignalPrice: ltp,
		Product:     e.cfg.Product,
	})
	e.recordExecution(ctx, positionID, inst, result)

	if result.Status == execution.ResultFailed {
		if e.bus != nil {
			e.bus.Publish(events.Event{Type: events.EventRolloverFailed, Data: map[string]interface{}{
				"position_id": positionID, "reason": result.Reason,
			}})
		}
		return fmt.Errorf("rollover re-entry failed for %s: %s", positionID, result.Reason)
	}

	entryPrice := e.effectivePrice(legMeta, result)
	newStop := entryPrice - stopDistance

	newPos := &database.Position{
		PositionID:     positionID,
		Instrument:     pos.Instrument,
		Layer:          layer,
		Status:         database.PositionOpen,
		IsBasePosition: isBase,
		EntryTime:      e.clock.Now(),
		EntryPrice:     entryPrice,
		Lots:           lots,
		Quantity:       quantity(inst, lots),
		InitialStop:    newStop,
		CurrentStop:    newStop,
		HighestClose:   entryPrice,
		ATRAtEntry:     pos.ATRAtEntry,
		Limiter:        pos.Limiter,
		RolloverStatus: database.RolloverRolled,
		RolloverCount:  rolloverCount + 1,
		OriginalExpiry: &originalExpiry,
		ContractExpiry: &nextExpiry,
		ContractMonth:  instrument.ContractMonth(nextExpiry),
	}
	applyLegFills(newPos, legMeta, result)

	if result.Status == execution.ResultPartialFill {
		newPos.Status = database.PositionPartial
		newPos.ReconcileFlag = true
	}

	if err := e.positions.CreatePosition(ctx, newPos); err != nil {
		return fmt.Errorf("rollover position persist failed for %s: %w", positionID, err)
	}
	e.adjustAggregates(ctx, inst, newPos, +1)

	// Closing the base cleared pyramiding_state; re-seed it from the
	// re-entry fill so later pyramids still respect ATR spacing.
	if isBase {
		if err := e.state.UpsertPyramidingState(ctx, &database.PyramidingState{
			Instrument:       pos.Instrument,
			LastPyramidPrice: entryPrice,
			BasePositionID:   positionID,
		}); err != nil {
			e.logger.WithError(err).WithPosition(positionID).Warn("pyramiding state re-seed failed")
		}
	}

	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.EventRolloverComplete, Data: map[string]interface{}{
			"position_id": positionID, "rollover_count": newPos.RolloverCount,
			"entry_price": entryPrice, "expiry": nextExpiry.Format("2006-01-02"),
		}})
	}
	if e.notifier != nil {
		e.notifier.Notify("ROLLOVER "+pos.Instrument,
			fmt.Sprintf("%s rolled %d lots to %s @ %.2f", layer, lots,
				instrument.ContractMonth(nextExpiry), entryPrice))
	}

	e.logger.WithPosition(positionID).Info("rollover complete",
		"lots", lots, "from", oldExpiry.Format("2006-01-02"),
		"to", nextExpiry.Format("2006-01-02"), "count", newPos.RolloverCount)
	return nil
}

func (e *Engine) markRolloverFailed(ctx context.Context, pos *database.Position, cause error) {
	e.logger.WithError(cause).WithPosition(pos.PositionID).Error("rollover failed")
	current, err := e.positions.GetPosition(ctx, pos.PositionID)
	if err != nil {
		return
	}
	if current.Status == database.PositionClosed {
		return
	}
	current.RolloverStatus = database.RolloverFailed
	if err := e.withConflictRetry(func() error {
		return e.positions.UpdatePosition(ctx, current)
	}); err != nil {
		e.logger.WithError(err).WithPosition(pos.PositionID).Error("rollover status update failed")
	}
}
