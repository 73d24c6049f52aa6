package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockBroker is a deterministic in-memory broker for tests and dry-run
// mode. Quotes are seeded per symbol; orders fill at the limit price (or
// LTP for market orders) unless a scripted behavior says otherwise.
type MockBroker struct {
	mu     sync.Mutex
	quotes map[string]Quote
	orders map[string]*mockOrder

	margins Margins

	// Scripted behaviors keyed by symbol
	rejectSymbols  map[string]bool
	partialFills   map[string]int // symbol -> quantity that fills
	pendingSymbols map[string]int // symbol -> polls before fill
}

type mockOrder struct {
	req       OrderRequest
	status    OrderStatus
	pollsLeft int
}

// NewMockBroker creates a mock with the given starting margins
func NewMockBroker(available float64) *MockBroker {
	return &MockBroker{
		quotes:         make(map[string]Quote),
		orders:         make(map[string]*mockOrder),
		margins:        Margins{Available: available, Total: available},
		rejectSymbols:  make(map[string]bool),
		partialFills:   make(map[string]int),
		pendingSymbols: make(map[string]int),
	}
}

// SetQuote seeds or updates the quote for a symbol
func (m *MockBroker) SetQuote(symbol string, ltp float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spread := ltp * 0.0002
	m.quotes[symbol] = Quote{
		Symbol: symbol, LTP: ltp,
		Bid: ltp - spread, Ask: ltp + spread,
		Close: ltp,
	}
}

// RejectSymbol makes all orders for a symbol come back REJECTED
func (m *MockBroker) RejectSymbol(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectSymbols[symbol] = true
}

// PartialFillSymbol caps the fill quantity for a symbol
func (m *MockBroker) PartialFillSymbol(symbol string, fillQty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partialFills[symbol] = fillQty
}

// DelayFill keeps a symbol's orders OPEN for n status polls before filling
func (m *MockBroker) DelayFill(symbol string, polls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingSymbols[symbol] = polls
}

// PlaceOrder records the order and resolves it per the scripted behavior
func (m *MockBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	orderID := uuid.New().String()
	o := &mockOrder{req: req}
	o.status = OrderStatus{OrderID: orderID, UpdatedAt: time.Now()}

	if m.rejectSymbols[req.Symbol] {
		o.status.Status = StatusRejected
		o.status.Reason = "scripted rejection"
		m.orders[orderID] = o
		return orderID, nil
	}

	fillQty := req.Quantity
	if capQty, ok := m.partialFills[req.Symbol]; ok && capQty < fillQty {
		fillQty = capQty
	}

	if polls, ok := m.pendingSymbols[req.Symbol]; ok && polls > 0 {
		o.pollsLeft = polls
		o.status.Status = StatusOpen
		o.status.PendingQuantity = req.Quantity
	} else {
		m.fill(o, fillQty)
	}
	m.orders[orderID] = o
	return orderID, nil
}

func (m *MockBroker) fill(o *mockOrder, qty int) {
	price := o.req.Price
	if o.req.Type == TypeMarket || price == 0 {
		if q, ok := m.quotes[o.req.Symbol]; ok {
			price = q.LTP
		}
	}
	o.status.FilledQuantity = qty
	o.status.PendingQuantity = o.req.Quantity - qty
	o.status.AveragePrice = price
	if qty == o.req.Quantity {
		o.status.Status = StatusComplete
	} else {
		o.status.Status = StatusOpen
	}
	o.status.UpdatedAt = time.Now()
}

// ModifyOrder updates price/quantity on a pending order
func (m *MockBroker) ModifyOrder(ctx context.Context, orderID string, price float64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if o.status.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, o.status.Status)
	}
	if price > 0 {
		o.req.Price = price
	}
	if quantity > 0 {
		o.req.Quantity = quantity
	}
	return nil
}

// CancelOrder cancels a pending order; filled quantity is preserved
func (m *MockBroker) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if o.status.Status == StatusComplete {
		return fmt.Errorf("order %s already complete", orderID)
	}
	o.status.Status = StatusCancelled
	o.status.UpdatedAt = time.Now()
	return nil
}

// GetOrderStatus returns the order's current state, advancing scripted
// delayed fills by one poll.
func (m *MockBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if o.status.Status == StatusOpen && o.pollsLeft > 0 {
		o.pollsLeft--
		if o.pollsLeft == 0 {
			fillQty := o.req.Quantity
			if capQty, ok := m.partialFills[o.req.Symbol]; ok && capQty < fillQty {
				fillQty = capQty
			}
			m.fill(o, fillQty)
		}
	}
	status := o.status
	return &status, nil
}

// GetPositions aggregates completed orders into net positions
func (m *MockBroker) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	net := make(map[string]*BrokerPosition)
	for _, o := range m.orders {
		if o.status.FilledQuantity == 0 {
			continue
		}
		p, ok := net[o.req.Symbol]
		if !ok {
			p = &BrokerPosition{Symbol: o.req.Symbol, Exchange: o.req.Exchange}
			net[o.req.Symbol] = p
		}
		qty := o.status.FilledQuantity
		if o.req.Action == ActionSell {
			qty = -qty
		}
		p.Quantity += qty
		p.AvgPrice = o.status.AveragePrice
	}

	var positions []BrokerPosition
	for _, p := range net {
		positions = append(positions, *p)
	}
	return positions, nil
}

// GetMargins returns the configured margins
func (m *MockBroker) GetMargins(ctx context.Context) (*Margins, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	margins := m.margins
	return &margins, nil
}

// GetQuote returns the seeded quote for a symbol
func (m *MockBroker) GetQuote(ctx context.Context, symbol, exchange string) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	quote := q
	return &quote, nil
}
