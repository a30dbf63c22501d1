package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade status values as stored in the ledger.
const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// Cash flow types.
const (
	FlowDeposit    = "deposit"
	FlowWithdrawal = "withdrawal"
)

// EntryConditions captures the market context a signal fired under, kept on
// the trade row for post-hoc review.
type EntryConditions struct {
	IndexClose  decimal.Decimal `json:"index_close"`
	IndexSMA    decimal.Decimal `json:"index_sma50"`
	ReclaimHigh decimal.Decimal `json:"reclaim_high"`
	ReclaimLow  decimal.Decimal `json:"reclaim_low"`
	ReclaimTime time.Time       `json:"reclaim_time"`
}

// Trade is one row in a monthly ledger partition. Money fields round to two
// places on close; derived statistics live in the summaries.
type Trade struct {
	TradeID     string           `json:"trade_id"`
	Symbol      string           `json:"symbol"`
	Status      string           `json:"status"`
	EntryTime   time.Time        `json:"entry_time"`
	EntryPrice  decimal.Decimal  `json:"entry_price"`
	StopLoss    decimal.Decimal  `json:"stop_loss"`
	TargetPrice decimal.Decimal  `json:"target_price"`
	Quantity    int64            `json:"quantity"`
	Conditions  *EntryConditions `json:"entry_conditions,omitempty"`

	EquityBefore decimal.Decimal `json:"equity_before_trade"`
	EquityAfter  decimal.Decimal `json:"equity_after_trade"`

	ExitTime   *time.Time      `json:"exit_time,omitempty"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	ExitReason string          `json:"exit_reason,omitempty"`
	BarsHeld   int             `json:"bars_held"`

	PnLPerShare decimal.Decimal `json:"pnl_per_share"`
	PnLTotal    decimal.Decimal `json:"pnl_total"`
	RValue      decimal.Decimal `json:"r_value"`
	Charges     decimal.Decimal `json:"charges"`
	NetPnL      decimal.Decimal `json:"net_pnl"`
}

// RiskPerShare is the distance between entry and initial stop. One R.
func (t *Trade) RiskPerShare() decimal.Decimal {
	return t.EntryPrice.Sub(t.StopLoss)
}

// CashFlow is one external deposit or withdrawal, kept outside the monthly
// partitions so return calculations can strip capital moves from performance.
type CashFlow struct {
	Date      string          `json:"date"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note,omitempty"`
}

// NewTradeID builds the canonical trade ID: TR_YYYYMMDD_SYMBOL_HHMMSS.
func NewTradeID(symbol string, at time.Time) string {
	return fmt.Sprintf("TR_%s_%s_%s", at.Format("20060102"), symbol, at.Format("150405"))
}

// partitionDir returns the store-relative directory for the month containing t,
// e.g. ledger/2025/01_January.
func partitionDir(t time.Time) string {
	return fmt.Sprintf("ledger/%d/%02d_%s", t.Year(), int(t.Month()), t.Month().String())
}

func tradesPath(t time.Time) string {
	return partitionDir(t) + "/trades.json"
}

func summaryPath(t time.Time) string {
	return partitionDir(t) + "/summary.json"
}

func yearSummaryPath(year int) string {
	return fmt.Sprintf("ledger/%d/year_%d_summary.json", year, year)
}

// previousMonth returns a time inside the calendar month before t's.
func previousMonth(t time.Time) time.Time {
	firstOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return firstOfMonth.AddDate(0, 0, -1)
}

// Exchange session bounds, exchange-local time.
const (
	sessionOpenHour  = 9
	sessionOpenMin   = 15
	sessionCloseHour = 15
	sessionCloseMin  = 30
)

// CountBarsHeld counts completed hourly bars between entry and exit inside
// trading sessions. The session runs 09:15 to 15:30, so bar closes land on
// 10:15 through 15:15 with a final short bar closing at 15:30. Weekends are
// skipped; an exit inside the entry bar counts as zero.
func CountBarsHeld(entry, exit time.Time, loc *time.Location) int {
	if !exit.After(entry) {
		return 0
	}

	entry = entry.In(loc)
	exit = exit.In(loc)

	bars := 0
	day := time.Date(entry.Year(), entry.Month(), entry.Day(), 0, 0, 0, 0, loc)
	lastDay := time.Date(exit.Year(), exit.Month(), exit.Day(), 0, 0, 0, 0, loc)

	for !day.After(lastDay) {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			sessionOpen := day.Add(sessionOpenHour*time.Hour + sessionOpenMin*time.Minute)
			sessionClose := day.Add(sessionCloseHour*time.Hour + sessionCloseMin*time.Minute)

			for barClose := sessionOpen.Add(time.Hour); ; barClose = barClose.Add(time.Hour) {
				if barClose.After(sessionClose) {
					barClose = sessionClose
				}
				if barClose.After(entry) && !barClose.After(exit) {
					bars++
				}
				if !barClose.Before(sessionClose) {
					break
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}

	return bars
}
