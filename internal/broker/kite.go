package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// KiteClient is a REST adapter for a Kite-style broker API. All requests
// carry the token header; responses follow the {status, data} envelope.
type KiteClient struct {
	http    *resty.Client
	apiKey  string
	token   string
	variety string
}

// KiteConfig holds adapter configuration
type KiteConfig struct {
	BaseURL     string
	APIKey      string
	AccessToken string
	Timeout     time.Duration
}

// NewKiteClient creates a Kite-style adapter
func NewKiteClient(cfg KiteConfig) *KiteClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.kite.trade"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond).
		SetHeader("X-Kite-Version", "3").
		SetHeader("Authorization", fmt.Sprintf("token %s:%s", cfg.APIKey, cfg.AccessToken))

	return &KiteClient{
		http:    client,
		apiKey:  cfg.APIKey,
		token:   cfg.AccessToken,
		variety: "regular",
	}
}

type kiteEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
}

// PlaceOrder submits one leg and returns the broker order id
func (k *KiteClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	form := map[string]string{
		"tradingsymbol":    req.Symbol,
		"exchange":         req.Exchange,
		"transaction_type": req.Action,
		"quantity":         strconv.Itoa(req.Quantity),
		"order_type":       req.Type,
		"product":          req.Product,
		"validity":         "DAY",
	}
	if req.Type == TypeLimit || req.Type == TypeSL {
		form["price"] = strconv.FormatFloat(req.Price, 'f', 2, 64)
	}
	if req.Tag != "" {
		form["tag"] = req.Tag
	}

	var env kiteEnvelope
	resp, err := k.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&env).
		SetError(&env).
		Post("/orders/" + k.variety)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.IsError() || env.Status == "error" {
		return "", fmt.Errorf("%w: %s", ErrOrderRejected, env.Message)
	}
	return env.Data.OrderID, nil
}

// ModifyOrder re-prices or re-sizes a pending order
func (k *KiteClient) ModifyOrder(ctx context.Context, orderID string, price float64, quantity int) error {
	form := map[string]string{}
	if price > 0 {
		form["price"] = strconv.FormatFloat(price, 'f', 2, 64)
	}
	if quantity > 0 {
		form["quantity"] = strconv.Itoa(quantity)
	}

	var env kiteEnvelope
	resp, err := k.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&env).
		SetError(&env).
		Put(fmt.Sprintf("/orders/%s/%s", k.variety, orderID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.IsError() || env.Status == "error" {
		return fmt.Errorf("modify order %s: %s", orderID, env.Message)
	}
	return nil
}

// CancelOrder cancels a pending order
func (k *KiteClient) CancelOrder(ctx context.Context, orderID string) error {
	var env kiteEnvelope
	resp, err := k.http.R().
		SetContext(ctx).
		SetResult(&env).
		SetError(&env).
		Delete(fmt.Sprintf("/orders/%s/%s", k.variety, orderID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.IsError() || env.Status == "error" {
		return fmt.Errorf("cancel order %s: %s", orderID, env.Message)
	}
	return nil
}

type kiteOrderHistory struct {
	Status string `json:"status"`
	Data   []struct {
		OrderID         string  `json:"order_id"`
		Status          string  `json:"status"`
		FilledQuantity  int     `json:"filled_quantity"`
		PendingQuantity int     `json:"pending_quantity"`
		AveragePrice    float64 `json:"average_price"`
		StatusMessage   string  `json:"status_message"`
	} `json:"data"`
}

// GetOrderStatus returns the latest state from the order history
func (k *KiteClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var hist kiteOrderHistory
	resp, err := k.http.R().
		SetContext(ctx).
		SetResult(&hist).
		Get("/orders/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.IsError() || len(hist.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}

	last := hist.Data[len(hist.Data)-1]
	return &OrderStatus{
		OrderID:         last.OrderID,
		Status:          mapKiteStatus(last.Status),
		FilledQuantity:  last.FilledQuantity,
		PendingQuantity: last.PendingQuantity,
		AveragePrice:    last.AveragePrice,
		Reason:          last.StatusMessage,
		UpdatedAt:       time.Now(),
	}, nil
}

func mapKiteStatus(s string) string {
	switch s {
	case "COMPLETE":
		return StatusComplete
	case "CANCELLED", "CANCELLED AMO":
		return StatusCancelled
	case "REJECTED":
		return StatusRejected
	default:
		return StatusOpen
	}
}

type kitePositions struct {
	Data struct {
		Net []struct {
			TradingSymbol string  `json:"tradingsymbol"`
			Exchange      string  `json:"exchange"`
			Quantity      int     `json:"quantity"`
			AveragePrice  float64 `json:"average_price"`
			PnL           float64 `json:"pnl"`
		} `json:"net"`
	} `json:"data"`
}

// GetPositions returns the broker's net positions
func (k *KiteClient) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	var out kitePositions
	resp, err := k.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/portfolio/positions")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get positions: HTTP %d", resp.StatusCode())
	}

	positions := make([]BrokerPosition, 0, len(out.Data.Net))
	for _, p := range out.Data.Net {
		positions = append(positions, BrokerPosition{
			Symbol:   p.TradingSymbol,
			Exchange: p.Exchange,
			Quantity: p.Quantity,
			AvgPrice: p.AveragePrice,
			PnL:      p.PnL,
		})
	}
	return positions, nil
}

type kiteMargins struct {
	Data struct {
		Equity struct {
			Net       float64 `json:"net"`
			Available struct {
				LiveBalance float64 `json:"live_balance"`
			} `json:"available"`
			Utilised struct {
				Debits float64 `json:"debits"`
			} `json:"utilised"`
		} `json:"equity"`
	} `json:"data"`
}

// GetMargins returns available and used funds
func (k *KiteClient) GetMargins(ctx context.Context) (*Margins, error) {
	var out kiteMargins
	resp, err := k.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/user/margins")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get margins: HTTP %d", resp.StatusCode())
	}

	eq := out.Data.Equity
	return &Margins{
		Available: eq.Available.LiveBalance,
		Used:      eq.Utilised.Debits,
		Total:     eq.Net,
	}, nil
}

type kiteQuotes struct {
	Data map[string]struct {
		LastPrice float64 `json:"last_price"`
		OI        int64   `json:"oi"`
		OHLC      struct {
			Open  float64 `json:"open"`
			High  float64 `json:"high"`
			Low   float64 `json:"low"`
			Close float64 `json:"close"`
		} `json:"ohlc"`
		Depth struct {
			Buy []struct {
				Price float64 `json:"price"`
			} `json:"buy"`
			Sell []struct {
				Price float64 `json:"price"`
			} `json:"sell"`
		} `json:"depth"`
	} `json:"data"`
}

// GetQuote fetches the live quote for one symbol
func (k *KiteClient) GetQuote(ctx context.Context, symbol, exchange string) (*Quote, error) {
	key := exchange + ":" + symbol

	var out kiteQuotes
	resp, err := k.http.R().
		SetContext(ctx).
		SetQueryParam("i", key).
		SetResult(&out).
		Get("/quote")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get quote %s: HTTP %d", key, resp.StatusCode())
	}

	q, ok := out.Data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, key)
	}

	quote := &Quote{
		Symbol: symbol,
		LTP:    q.LastPrice,
		Open:   q.OHLC.Open,
		High:   q.OHLC.High,
		Low:    q.OHLC.Low,
		Close:  q.OHLC.Close,
		OI:     q.OI,
	}
	if len(q.Depth.Buy) > 0 {
		quote.Bid = q.Depth.Buy[0].Price
	}
	if len(q.Depth.Sell) > 0 {
		quote.Ask = q.Depth.Sell[0].Price
	}
	return quote, nil
}
