package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER - Kite-style trading API surface
//
// Everything downstream (gateway, monitor, scanner) talks to this interface so
// tests can swap in a scripted broker.
// ═══════════════════════════════════════════════════════════════════════════════

const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	StatusComplete = "COMPLETE"
	StatusRejected = "REJECTED"
	StatusOpen     = "OPEN"
)

// Order is the broker's view of an order, as returned by order lookups.
type Order struct {
	OrderID         string          `json:"order_id"`
	Symbol          string          `json:"tradingsymbol"`
	Status          string          `json:"status"`
	StatusMessage   string          `json:"status_message"`
	TransactionType string          `json:"transaction_type"`
	Quantity        int64           `json:"quantity"`
	FilledQuantity  int64           `json:"filled_quantity"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	OrderTimestamp  string          `json:"order_timestamp"`
}

// Quote is one symbol's snapshot from a batch quote call.
type Quote struct {
	LastPrice decimal.Decimal `json:"last_price"`
	OHLC      struct {
		Open  decimal.Decimal `json:"open"`
		High  decimal.Decimal `json:"high"`
		Low   decimal.Decimal `json:"low"`
		Close decimal.Decimal `json:"close"`
	} `json:"ohlc"`
}

// Holding is one demat holding row.
type Holding struct {
	Symbol       string          `json:"tradingsymbol"`
	Quantity     int64           `json:"quantity"`
	T1Quantity   int64           `json:"t1_quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	LastPrice    decimal.Decimal `json:"last_price"`
}

// TotalQuantity includes shares still in T+1 settlement.
func (h Holding) TotalQuantity() int64 {
	return h.Quantity + h.T1Quantity
}

// Position is one row of the day's net positions. Delivery buys sit here
// until settlement moves them into holdings, so a held quantity is only
// complete when holdings and net positions are combined.
type Position struct {
	Symbol   string `json:"tradingsymbol"`
	Exchange string `json:"exchange"`
	Product  string `json:"product"`
	Quantity int64  `json:"quantity"`
}

// Margins is the equity segment margin snapshot.
type Margins struct {
	LiveBalance decimal.Decimal
}

// Broker is the call surface the bot needs from the trading API.
type Broker interface {
	Margins(ctx context.Context) (Margins, error)
	Holdings(ctx context.Context) ([]Holding, error)
	Positions(ctx context.Context) ([]Position, error)
	Quote(ctx context.Context, symbols []string) (map[string]Quote, error)
	LTP(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	PlaceMarketOrder(ctx context.Context, symbol, side string, quantity int64) (string, error)
	Order(ctx context.Context, orderID string) (Order, error)
	Orders(ctx context.Context) ([]Order, error)
	Historical(ctx context.Context, token int, interval string, from, to time.Time) ([]types.Candle, error)
}

// APIError is a structured error from the broker's REST API.
type APIError struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("broker API %d (%s): %s", e.StatusCode, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("broker API %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether an error is a transient fault worth retrying.
// Business rejections and validation failures are final.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	// Transport-level failures (timeouts, resets) have no APIError
	return true
}
