package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closedTrade builds a closed row with a coherent equity chain.
func closedTrade(symbol string, entry, exit time.Time, r, netPnL, equityBefore float64) Trade {
	e := exit
	return Trade{
		TradeID:      NewTradeID(symbol, entry),
		Symbol:       symbol,
		Status:       StatusClosed,
		EntryTime:    entry,
		EntryPrice:   decimal.NewFromInt(100),
		StopLoss:     decimal.NewFromInt(95),
		Quantity:     10,
		EquityBefore: decimal.NewFromFloat(equityBefore),
		EquityAfter:  decimal.NewFromFloat(equityBefore + netPnL),
		ExitTime:     &e,
		ExitPrice:    decimal.NewFromInt(110),
		ExitReason:   "TARGET",
		BarsHeld:     2,
		PnLTotal:     decimal.NewFromFloat(netPnL),
		RValue:       decimal.NewFromFloat(r),
		NetPnL:       decimal.NewFromFloat(netPnL),
	}
}

func TestBuildMonthlySummary(t *testing.T) {
	base := time.Date(2025, 1, 10, 10, 16, 0, 0, kolkata)

	trades := []Trade{
		closedTrade("RELIANCE", base, base.Add(2*time.Hour), 2.0, 1000, 500000),
		closedTrade("TCS", base.Add(24*time.Hour), base.Add(26*time.Hour), -1.0, -500, 501000),
		{
			TradeID:      "TR_20250115_INFY_101600",
			Symbol:       "INFY",
			Status:       StatusOpen,
			EntryTime:    base.Add(48 * time.Hour),
			EntryPrice:   decimal.NewFromInt(1650),
			StopLoss:     decimal.NewFromInt(1630),
			Quantity:     25,
			EquityBefore: decimal.NewFromFloat(500500),
		},
	}
	flows := []CashFlow{
		{Date: "2025-01-05", Type: FlowDeposit, Amount: decimal.NewFromInt(100000)},
		{Date: "2025-01-20", Type: FlowWithdrawal, Amount: decimal.NewFromInt(20000)},
	}

	s := BuildMonthlySummary(base, trades, flows)

	assert.Equal(t, "2025-01", s.Month)
	assert.Equal(t, 2, s.TradesClosed)
	assert.Equal(t, 1, s.TradesOpen)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.InDelta(t, 50.0, s.WinRate, 1e-9)
	assert.InDelta(t, 1.0, s.TotalR, 1e-9)
	assert.InDelta(t, 0.5, s.Expectancy, 1e-9)
	assert.InDelta(t, 500.0, s.NetPnL, 1e-9)
	assert.InDelta(t, 2.0, s.AvgBarsHeld, 1e-9)

	require.NotNil(t, s.BestTrade)
	assert.Equal(t, "RELIANCE", s.BestTrade.Symbol)
	require.NotNil(t, s.WorstTrade)
	assert.Equal(t, "TCS", s.WorstTrade.Symbol)

	assert.InDelta(t, 500000, s.StartingEquity, 1e-9)
	assert.InDelta(t, 500500, s.EndingEquity, 1e-9)
	assert.InDelta(t, 100000, s.Deposits, 1e-9)
	assert.InDelta(t, 20000, s.Withdrawals, 1e-9)
	assert.InDelta(t, 0.1, s.RawReturnPct, 1e-9)

	// Adjusted: strip the net 80k of capital added
	assert.InDelta(t, (500500.0+20000-100000-500000)/500000*100, s.AdjustedReturnPct, 1e-9)
}

func TestBuildMonthlySummaryEmptyClosed(t *testing.T) {
	base := time.Date(2025, 3, 5, 10, 16, 0, 0, kolkata)
	trades := []Trade{
		{
			TradeID:      "TR_20250305_TCS_101600",
			Symbol:       "TCS",
			Status:       StatusOpen,
			EntryTime:    base,
			EquityBefore: decimal.NewFromInt(500000),
		},
	}

	s := BuildMonthlySummary(base, trades, nil)

	assert.Equal(t, 0, s.TradesClosed)
	assert.Equal(t, 1, s.TradesOpen)
	assert.Zero(t, s.WinRate)
	assert.Nil(t, s.BestTrade)
	assert.InDelta(t, 500000, s.StartingEquity, 1e-9)
}

func TestBuildMonthlySummaryIsPure(t *testing.T) {
	base := time.Date(2025, 1, 10, 10, 16, 0, 0, kolkata)
	trades := []Trade{closedTrade("RELIANCE", base, base.Add(time.Hour), 2.0, 1000, 500000)}

	a := BuildMonthlySummary(base, trades, nil)
	b := BuildMonthlySummary(base, trades, nil)

	a.Updated, b.Updated = time.Time{}, time.Time{}
	assert.Equal(t, a, b)
}

func TestBuildYearSummary(t *testing.T) {
	base := time.Date(2025, 1, 6, 10, 16, 0, 0, kolkata)

	// R sequence 2, -1, 3, -1, -1 with a coherent equity chain
	equity := 500000.0
	pnls := []float64{2000, -1000, 3000, -1000, -1000}
	rs := []float64{2, -1, 3, -1, -1}

	var trades []Trade
	at := base
	for i := range rs {
		// Spread across two months
		if i == 3 {
			at = time.Date(2025, 2, 3, 10, 16, 0, 0, kolkata)
		}
		trades = append(trades, closedTrade("RELIANCE", at, at.Add(2*time.Hour), rs[i], pnls[i], equity))
		equity += pnls[i]
		at = at.Add(48 * time.Hour)
	}

	s := BuildYearSummary(2025, trades)

	assert.Equal(t, 5, s.TradesClosed)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 3, s.Losses)
	assert.InDelta(t, 40.0, s.WinRate, 1e-9)
	assert.InDelta(t, 2.0, s.TotalR, 1e-9)
	assert.InDelta(t, 0.4, s.Expectancy, 1e-9)
	assert.InDelta(t, 2000.0, s.NetPnL, 1e-9)

	assert.InDelta(t, 2.5, s.AvgWinR, 1e-9)
	assert.InDelta(t, -1.0, s.AvgLossR, 1e-9)
	assert.InDelta(t, 2.5, s.PayoffRatio, 1e-9)
	assert.InDelta(t, 1.67, s.ProfitFactor, 1e-9)
	assert.InDelta(t, 0.67, s.GainPainRatio, 1e-9)

	assert.Equal(t, 1, s.MaxConsecWins)
	assert.Equal(t, 2, s.MaxConsecLosses)

	// Cumulative R walk: 2, 1, 4, 3, 2 peaks at 4, troughs at 2
	assert.InDelta(t, 2.0, s.MaxDrawdownR, 1e-9)
	assert.Equal(t, []float64{2, 1, 4, 3, 2}, s.RCurve)

	require.Len(t, s.EquityCurve, 5)
	assert.InDelta(t, 502000, s.EquityCurve[0].Equity, 1e-9)
	assert.InDelta(t, 502000, s.EquityCurve[4].Equity, 1e-9)

	// Kelly: 0.4 - 0.6/2.5 = 0.16
	assert.InDelta(t, 16.0, s.KellyPct, 1e-9)

	// Sortino has a zero-variance downside here
	assert.InDelta(t, 0.21, s.Sharpe, 1e-9)
	assert.Zero(t, s.Sortino)

	require.Len(t, s.Months, 2)
	jan := s.Months["01_January"]
	assert.Equal(t, 3, jan.TradesClosed)
	assert.InDelta(t, 4.0, jan.TotalR, 1e-9)
	feb := s.Months["02_February"]
	assert.Equal(t, 2, feb.TradesClosed)
	assert.InDelta(t, -2.0, feb.TotalR, 1e-9)

	require.NotNil(t, s.BestMonth)
	assert.Equal(t, "01_January", s.BestMonth.Month)
	require.NotNil(t, s.WorstMonth)
	assert.Equal(t, "02_February", s.WorstMonth.Month)
	assert.Equal(t, 1, s.WinMonths)

	assert.Equal(t, "2025-01-06", s.FirstTradeDate)
	assert.Equal(t, 2, s.WinDays)
}

func TestBuildYearSummaryEmpty(t *testing.T) {
	s := BuildYearSummary(2025, nil)
	assert.Equal(t, 0, s.TradesClosed)
	assert.Empty(t, s.RCurve)
	assert.Nil(t, s.BestDay)
}

func TestStreaks(t *testing.T) {
	base := time.Date(2025, 1, 6, 10, 16, 0, 0, kolkata)
	var trades []Trade
	for i, r := range []float64{1, 1, 1, -1, -1, 1} {
		at := base.Add(time.Duration(i) * 24 * time.Hour)
		trades = append(trades, closedTrade("X", at, at.Add(time.Hour), r, r*100, 500000))
	}

	wins, losses := streaks(closedByExit(trades))
	assert.Equal(t, 3, wins)
	assert.Equal(t, 2, losses)
}

func TestSampleStdev(t *testing.T) {
	assert.Zero(t, sampleStdev(nil))
	assert.Zero(t, sampleStdev([]float64{1}))
	assert.InDelta(t, 1.0, sampleStdev([]float64{1, 2, 3}), 1e-9)
}
