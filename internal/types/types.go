package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// PositionState tracks where a monitored position is in its exit lifecycle.
type PositionState string

const (
	StateTracked         PositionState = "TRACKED"
	StateStopTriggered   PositionState = "STOP_TRIGGERED"
	StateTargetTriggered PositionState = "TARGET_TRIGGERED"
	StateExitSubmitted   PositionState = "EXIT_SUBMITTED"
	StateClosed          PositionState = "CLOSED"
	StateUnreconciled    PositionState = "UNRECONCILED"
)

// Position is one entry in the open-position cache, keyed by symbol.
// The gateway writes it on fill, the monitor owns it afterwards.
type Position struct {
	TradeID     string          `json:"trade_id"`
	Symbol      string          `json:"symbol"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Quantity    int64           `json:"quantity"`
	EntryTime   time.Time       `json:"entry_timestamp"`
	State       PositionState   `json:"state,omitempty"`
}

// Signal is a confirmed entry signal produced by the breakout checker
// and consumed (then cleared) by the gateway. EntryPrice is the price at
// detection time; the gateway re-quotes before sizing. The index fields
// record the state of the trend gate when the signal fired.
type Signal struct {
	Symbol      string          `json:"-"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ReclaimHigh decimal.Decimal `json:"reclaim_high"`
	ReclaimLow  decimal.Decimal `json:"reclaim_low"`
	Timestamp   time.Time       `json:"timestamp"`
	IndexClose  decimal.Decimal `json:"index_close"`
	IndexSMA    decimal.Decimal `json:"index_sma50"`
}

// ReclaimLevel is one watchlist entry produced by the VWAP reclaim scanner.
type ReclaimLevel struct {
	ReclaimHigh decimal.Decimal `json:"reclaim_high"`
	ReclaimLow  decimal.Decimal `json:"reclaim_low"`
	Timestamp   time.Time       `json:"timestamp"`
	VWAP        decimal.Decimal `json:"vwap"`
}

// Candle is one OHLCV bar from the broker's historical data API.
type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// TradeRecord for display (Telegram bot)
type TradeRecord struct {
	TradeID    string
	Symbol     string
	Status     string
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Quantity   int64
	RValue     decimal.Decimal
	PnL        decimal.Decimal
	ExitReason string
	Timestamp  time.Time
}

// PositionRecord for display (Telegram bot)
type PositionRecord struct {
	Symbol      string
	EntryPrice  decimal.Decimal
	StopLoss    decimal.Decimal
	TargetPrice decimal.Decimal
	Quantity    int64
	EnteredAt   time.Time
	State       PositionState
}
