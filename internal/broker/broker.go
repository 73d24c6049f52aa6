package broker

import (
	"context"
	"errors"
	"time"
)

// Order actions
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// Order types
const (
	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"
	TypeSL     = "SL"
	TypeSLM    = "SL-M"
)

// Product codes
const (
	ProductNRML = "NRML"
	ProductMIS  = "MIS"
	ProductCNC  = "CNC"
)

// Terminal and pending order statuses as reported by the broker
const (
	StatusOpen      = "OPEN"
	StatusComplete  = "COMPLETE"
	StatusCancelled = "CANCELLED"
	StatusRejected  = "REJECTED"
)

// Broker error kinds
var (
	ErrOrderRejected = errors.New("order rejected by broker")
	ErrOrderTimeout  = errors.New("broker request timed out")
	ErrNetwork       = errors.New("broker network failure")
	ErrUnknownOrder  = errors.New("unknown order id")
	ErrNoQuote       = errors.New("no quote available")
)

// OrderRequest is one leg submitted to the broker
type OrderRequest struct {
	Symbol   string
	Exchange string
	Action   string
	Quantity int
	Type     string
	Price    float64 // limit/trigger price, unused for MARKET
	Product  string
	Tag      string // client-side correlation id
}

// OrderStatus is the broker's view of a placed order
type OrderStatus struct {
	OrderID        string
	Status         string
	FilledQuantity int
	PendingQuantity int
	AveragePrice   float64
	Reason         string
	UpdatedAt      time.Time
}

// Terminal reports whether the status will not change further
func (s OrderStatus) Terminal() bool {
	return s.Status == StatusComplete || s.Status == StatusCancelled || s.Status == StatusRejected
}

// Quote is a market snapshot for one symbol
type Quote struct {
	Symbol string
	LTP    float64
	Bid    float64
	Ask    float64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	OI     int64
}

// BrokerPosition is one net position as reported by the broker
type BrokerPosition struct {
	Symbol   string
	Exchange string
	Quantity int
	AvgPrice float64
	PnL      float64
}

// Margins is the available/used funds snapshot
type Margins struct {
	Available float64
	Used      float64
	Total     float64
}

// Broker is the port the engine consumes. Any adapter that satisfies it is
// acceptable; the engine never sees exchange-specific detail beyond symbols.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	ModifyOrder(ctx context.Context, orderID string, price float64, quantity int) error
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	GetMargins(ctx context.Context) (*Margins, error)
	GetQuote(ctx context.Context, symbol, exchange string) (*Quote, error)
}

// Ensure both adapters implement the port
var _ Broker = (*KiteClient)(nil)
var _ Broker = (*MockBroker)(nil)
