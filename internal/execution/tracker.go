package execution

import (
	"github.com/rs/zerolog"

	"trend-portfolio-bot/internal/broker"
)

// Tracker logs order lifecycle events for post-trade analysis
type Tracker struct {
	logger zerolog.Logger
}

// NewTracker creates a tracker scoped to the execution component
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		logger: logger.With().Str("component", "OrderExecutor").Logger(),
	}
}

// TrackResult logs the terminal state of a request and all its legs
func (t *Tracker) TrackResult(req Request, res *Result) {
	event := t.logger.Info()
	if res.Status == ResultFailed {
		event = t.logger.Error()
	} else if res.Status == ResultPartialFill {
		event = t.logger.Warn()
	}

	event.
		Str("position_id", req.PositionID).
		Str("status", res.Status).
		Int("legs", len(res.Legs)).
		Int("duration_ms", res.DurationMs).
		Str("reason", res.Reason).
		Msg("order execution finished")

	for _, leg := range res.Legs {
		legEvent := t.logger.Info()
		if leg.Status == broker.StatusRejected {
			legEvent = t.logger.Error()
		}
		legEvent.
			Str("position_id", req.PositionID).
			Str("symbol", leg.Symbol).
			Str("action", leg.Action).
			Str("order_id", leg.OrderID).
			Int("quantity", leg.Quantity).
			Int("filled", leg.FilledQuantity).
			Float64("fill_price", leg.FillPrice).
			Float64("slippage_pct", leg.SlippagePct).
			Int("attempts", leg.Attempts).
			Int("duration_ms", leg.DurationMs).
			Str("status", leg.Status).
			Msg("leg result")
	}
}

// ModifyFailed logs a failed in-flight modification
func (t *Tracker) ModifyFailed(orderID string, err error) {
	t.logger.Warn().Str("order_id", orderID).Err(err).Msg("order modify failed")
}

// CancelFailed logs a failed sibling-leg cancel; these need reconciliation
func (t *Tracker) CancelFailed(orderID string, err error) {
	t.logger.Error().Str("order_id", orderID).Err(err).Msg("cancel of sibling leg failed")
}
