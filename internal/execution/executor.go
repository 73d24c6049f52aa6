package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"trend-portfolio-bot/internal/broker"
)

// Execution strategies
const (
	StrategySimpleLimit = "simple_limit"
	StrategyProgressive = "progressive"
)

// Aggregate execution statuses
const (
	ResultFilled      = "FILLED"
	ResultPartialFill = "PARTIAL_FILL"
	ResultFailed      = "FAILED_ORDER"
)

var errNoTimeLeft = errors.New("no time remaining for order placement")

// Config is the executor's fixed option set
type Config struct {
	Strategy         string
	MaxAttempts      int
	LimitBufferPct   float64 // limit price offset from LTP
	OrderTimeout     time.Duration
	PollInterval     time.Duration
	FallbackToMarket bool
	MarketFallbackAt time.Duration // remaining time below which we go MARKET
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyProgressive,
		MaxAttempts:      4,
		LimitBufferPct:   0.05,
		OrderTimeout:     30 * time.Second,
		PollInterval:     500 * time.Millisecond,
		FallbackToMarket: true,
		MarketFallbackAt: 5 * time.Second,
	}
}

// Leg is one order leg of a logical position
type Leg struct {
	Symbol   string
	Exchange string
	Action   string
	Quantity int
}

// Request is one logical order: a single leg for futures, two legs for a
// Bank Nifty synthetic (SELL PE + BUY CE).
type Request struct {
	PositionID  string
	Legs        []Leg
	SignalPrice float64
	Product     string
}

// LegResult is the terminal outcome of one leg
type LegResult struct {
	Symbol         string  `json:"symbol"`
	Exchange       string  `json:"exchange"`
	Action         string  `json:"action"`
	OrderID        string  `json:"order_id"`
	Quantity       int     `json:"quantity"`
	FilledQuantity int     `json:"filled_quantity"`
	FillPrice      float64 `json:"fill_price"`
	SlippagePct    float64 `json:"slippage_pct"`
	Attempts       int     `json:"attempts"`
	DurationMs     int     `json:"duration_ms"`
	Status         string  `json:"status"`
	Error          string  `json:"error,omitempty"`
}

// Result is the aggregate outcome of a Request
type Result struct {
	Status     string      `json:"status"`
	Legs       []LegResult `json:"legs"`
	Reason     string      `json:"reason,omitempty"`
	DurationMs int         `json:"duration_ms"`
}

// Filled reports whether every leg filled in full
func (r *Result) Filled() bool { return r.Status == ResultFilled }

// Clock abstracts time for deterministic tests
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Executor places and tracks orders through the broker port
type Executor struct {
	cfg     Config
	broker  broker.Broker
	tracker *Tracker
	clock   Clock
}

// NewExecutor creates an executor. clock may be nil for wall time.
func NewExecutor(cfg Config, b broker.Broker, tracker *Tracker, clock Clock) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Executor{cfg: cfg, broker: b, tracker: tracker, clock: clock}
}

// Execute runs all legs of a request. Legs run concurrently; if any leg
// fails, pending siblings are cancelled and the aggregate is FAILED_ORDER.
func (e *Executor) Execute(ctx context.Context, req Request) *Result {
	start := e.clock.Now()
	result := &Result{Legs: make([]LegResult, len(req.Legs))}

	var wg sync.WaitGroup
	for i := range req.Legs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result.Legs[i] = e.executeLeg(ctx, req, req.Legs[i])
		}(i)
	}
	wg.Wait()

	result.DurationMs = int(e.clock.Now().Sub(start).Milliseconds())

	filled, partial, failed := 0, 0, 0
	for _, leg := range result.Legs {
		switch {
		case leg.Status == broker.StatusComplete:
			filled++
		case leg.FilledQuantity > 0:
			partial++
		default:
			failed++
		}
	}

	switch {
	case failed == 0 && partial == 0:
		result.Status = ResultFilled
	case failed > 0 && filled == 0 && partial == 0:
		result.Status = ResultFailed
		result.Reason = firstError(result.Legs)
	case failed > 0:
		// One leg filled, the other failed: unwind what we can and report
		e.cancelPending(ctx, result.Legs)
		result.Status = ResultFailed
		result.Reason = "leg failure on multi-leg order: " + firstError(result.Legs)
	default:
		result.Status = ResultPartialFill
		result.Reason = "partial fill at deadline"
	}

	if e.tracker != nil {
		e.tracker.TrackResult(req, result)
	}
	return result
}

func firstError(legs []LegResult) string {
	for _, l := range legs {
		if l.Error != "" {
			return l.Error
		}
	}
	return "order did not fill"
}

func (e *Executor) cancelPending(ctx context.Context, legs []LegResult) {
	for _, l := range legs {
		if l.OrderID != "" && l.Status == broker.StatusOpen {
			if err := e.broker.CancelOrder(ctx, l.OrderID); err != nil && e.tracker != nil {
				e.tracker.CancelFailed(l.OrderID, err)
			}
		}
	}
}

func (e *Executor) executeLeg(ctx context.Context, req Request, leg Leg) LegResult {
	switch e.cfg.Strategy {
	case StrategySimpleLimit:
		return e.simpleLimit(ctx, req, leg)
	default:
		return e.progressive(ctx, req, leg)
	}
}

// simpleLimit places one limit order at LTP plus buffer and waits. On
// timeout the remaining quantity is re-sent as MARKET when configured.
func (e *Executor) simpleLimit(ctx context.Context, req Request, leg Leg) LegResult {
	start := e.clock.Now()
	res := LegResult{Symbol: leg.Symbol, Exchange: leg.Exchange, Action: leg.Action, Quantity: leg.Quantity}

	quote, err := e.broker.GetQuote(ctx, leg.Symbol, leg.Exchange)
	if err != nil {
		return legFailed(res, start, e.clock, err)
	}

	price := limitPrice(quote.LTP, leg.Action, e.cfg.LimitBufferPct)
	orderID, err := e.placeOrder(ctx, leg, broker.TypeLimit, price, req)
	if err != nil {
		return legFailed(res, start, e.clock, err)
	}
	res.OrderID = orderID
	res.Attempts = 1

	status := e.pollUntil(ctx, orderID, e.cfg.OrderTimeout)
	if status == nil || !status.Terminal() {
		if e.cfg.FallbackToMarket {
			status = e.marketFallback(ctx, req, leg, &res, status)
		} else if res.OrderID != "" {
			_ = e.broker.CancelOrder(ctx, res.OrderID)
		}
	}

	return e.finishLeg(res, status, req.SignalPrice, start)
}

// progressive chases the market: each attempt quotes fresh, places an
// aggressive limit, polls briefly, then re-prices. The last stretch of the
// deadline goes MARKET.
func (e *Executor) progressive(ctx context.Context, req Request, leg Leg) LegResult {
	start := e.clock.Now()
	deadline := start.Add(e.cfg.OrderTimeout)
	res := LegResult{Symbol: leg.Symbol, Exchange: leg.Exchange, Action: leg.Action, Quantity: leg.Quantity}

	var status *broker.OrderStatus
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			break
		}

		quote, err := e.broker.GetQuote(ctx, leg.Symbol, leg.Exchange)
		if err != nil {
			return legFailed(res, start, e.clock, err)
		}

		orderType := broker.TypeLimit
		price := aggressivePrice(quote, leg.Action, attempt, e.cfg.MaxAttempts)
		if e.cfg.FallbackToMarket && (remaining < e.cfg.MarketFallbackAt || attempt == e.cfg.MaxAttempts) {
			orderType = broker.TypeMarket
			price = 0
		}

		if res.OrderID == "" {
			orderID, err := e.placeOrder(ctx, leg, orderType, price, req)
			if err != nil {
				return legFailed(res, start, e.clock, err)
			}
			res.OrderID = orderID
		} else if orderType == broker.TypeMarket {
			res.Attempts = attempt
			status = e.marketFallback(ctx, req, leg, &res, status)
			if status != nil && status.Terminal() {
				break
			}
		} else if err := e.broker.ModifyOrder(ctx, res.OrderID, price, 0); err != nil {
			// Pending order may have just filled; let the poll decide
			if e.tracker != nil {
				e.tracker.ModifyFailed(res.OrderID, err)
			}
		}
		res.Attempts = attempt

		window := remaining / time.Duration(e.cfg.MaxAttempts-attempt+1)
		status = e.pollUntil(ctx, res.OrderID, window)
		if status != nil && status.Terminal() {
			break
		}
	}

	if status == nil || !status.Terminal() {
		if res.OrderID != "" {
			_ = e.broker.CancelOrder(ctx, res.OrderID)
			status, _ = e.broker.GetOrderStatus(ctx, res.OrderID)
		}
	}

	return e.finishLeg(res, status, req.SignalPrice, start)
}

func (e *Executor) placeOrder(ctx context.Context, leg Leg, orderType string, price float64, req Request) (string, error) {
	return e.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   leg.Symbol,
		Exchange: leg.Exchange,
		Action:   leg.Action,
		Quantity: leg.Quantity,
		Type:     orderType,
		Price:    price,
		Product:  req.Product,
		Tag:      shortTag(req.PositionID),
	})
}

// marketFallback cancels the stuck limit and re-sends the unfilled
// remainder as MARKET.
func (e *Executor) marketFallback(ctx context.Context, req Request, leg Leg, res *LegResult, prev *broker.OrderStatus) *broker.OrderStatus {
	_ = e.broker.CancelOrder(ctx, res.OrderID)
	current, _ := e.broker.GetOrderStatus(ctx, res.OrderID)

	filled := 0
	if current != nil {
		filled = current.FilledQuantity
	} else if prev != nil {
		filled = prev.FilledQuantity
	}
	remaining := leg.Quantity - filled
	if remaining <= 0 {
		return current
	}

	mktLeg := leg
	mktLeg.Quantity = remaining
	orderID, err := e.placeOrder(ctx, mktLeg, broker.TypeMarket, 0, req)
	if err != nil {
		return current
	}
	res.Attempts++
	mktStatus := e.pollUntil(ctx, orderID, e.cfg.OrderTimeout)
	if mktStatus == nil {
		return current
	}

	// Merge fills across the limit and market orders
	merged := *mktStatus
	merged.FilledQuantity += filled
	res.OrderID = orderID
	return &merged
}

// pollUntil polls order status until terminal or the window expires
func (e *Executor) pollUntil(ctx context.Context, orderID string, window time.Duration) *broker.OrderStatus {
	deadline := e.clock.Now().Add(window)
	var last *broker.OrderStatus
	for {
		status, err := e.broker.GetOrderStatus(ctx, orderID)
		if err == nil {
			last = status
			if status.Terminal() {
				return status
			}
		}
		if e.clock.Now().After(deadline) || ctx.Err() != nil {
			return last
		}
		e.clock.Sleep(ctx, e.cfg.PollInterval)
	}
}

func (e *Executor) finishLeg(res LegResult, status *broker.OrderStatus, signalPrice float64, start time.Time) LegResult {
	res.DurationMs = int(e.clock.Now().Sub(start).Milliseconds())
	if status == nil {
		res.Status = broker.StatusRejected
		if res.Error == "" {
			res.Error = errNoTimeLeft.Error()
		}
		return res
	}

	res.Status = status.Status
	res.FilledQuantity = status.FilledQuantity
	res.FillPrice = status.AveragePrice
	if status.Status == broker.StatusRejected && status.Reason != "" {
		res.Error = status.Reason
	}
	if res.FillPrice > 0 && signalPrice > 0 {
		res.SlippagePct = math.Abs(res.FillPrice-signalPrice) / signalPrice * 100
	}
	return res
}

func legFailed(res LegResult, start time.Time, clock Clock, err error) LegResult {
	res.Status = broker.StatusRejected
	res.Error = err.Error()
	res.DurationMs = int(clock.Now().Sub(start).Milliseconds())
	return res
}

// limitPrice offsets the LTP by the buffer in the aggressive direction
func limitPrice(ltp float64, action string, bufferPct float64) float64 {
	offset := ltp * bufferPct / 100
	if action == broker.ActionBuy {
		return round2(ltp + offset)
	}
	return round2(ltp - offset)
}

// aggressivePrice starts at the near touch and walks toward the far touch
// as attempts burn down.
func aggressivePrice(q *broker.Quote, action string, attempt, maxAttempts int) float64 {
	frac := float64(attempt) / float64(maxAttempts)
	if action == broker.ActionBuy {
		if q.Ask > 0 {
			return round2(q.LTP + (q.Ask-q.LTP)*frac)
		}
		return round2(q.LTP * (1 + 0.0005*frac))
	}
	if q.Bid > 0 {
		return round2(q.LTP - (q.LTP-q.Bid)*frac)
	}
	return round2(q.LTP * (1 - 0.0005*frac))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func shortTag(positionID string) string {
	if positionID == "" {
		return uuid.New().String()[:8]
	}
	if len(positionID) > 20 {
		return positionID[:20]
	}
	return positionID
}

// NewOrderID generates a client-side order correlation id
func NewOrderID() string {
	return fmt.Sprintf("ord_%s", uuid.New().String()[:12])
}
