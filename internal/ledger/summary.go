package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SUMMARIES - Derived monthly and yearly performance rollups
//
// Pure functions of the partition rows. Money of record stays decimal in the
// trade rows; everything here is reporting, so float64 is fine.
// ═══════════════════════════════════════════════════════════════════════════════

// TradeRef points a summary at one notable trade.
type TradeRef struct {
	TradeID string  `json:"trade_id"`
	Symbol  string  `json:"symbol"`
	R       float64 `json:"r"`
	PnL     float64 `json:"pnl"`
}

type MonthlySummary struct {
	Month             string    `json:"month"`
	TradesClosed      int       `json:"trades_closed"`
	TradesOpen        int       `json:"trades_open"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	WinRate           float64   `json:"win_rate"`
	TotalR            float64   `json:"total_r"`
	Expectancy        float64   `json:"expectancy"`
	TotalPnL          float64   `json:"total_pnl"`
	TotalCharges      float64   `json:"total_charges"`
	NetPnL            float64   `json:"net_pnl"`
	AvgBarsHeld       float64   `json:"avg_bars_held"`
	BestTrade         *TradeRef `json:"best_trade,omitempty"`
	WorstTrade        *TradeRef `json:"worst_trade,omitempty"`
	MaxConsecWins     int       `json:"max_consecutive_wins"`
	MaxConsecLosses   int       `json:"max_consecutive_losses"`
	StartingEquity    float64   `json:"starting_equity"`
	EndingEquity      float64   `json:"ending_equity"`
	Deposits          float64   `json:"deposits"`
	Withdrawals       float64   `json:"withdrawals"`
	RawReturnPct      float64   `json:"raw_return_pct"`
	AdjustedReturnPct float64   `json:"adjusted_return_pct"`
	Updated           time.Time `json:"updated"`
}

// BuildMonthlySummary derives one month's rollup from its partition rows and
// that month's cash flows.
func BuildMonthlySummary(at time.Time, trades []Trade, flows []CashFlow) MonthlySummary {
	s := MonthlySummary{
		Month:   at.Format("2006-01"),
		Updated: time.Now(),
	}

	closed := closedByExit(trades)
	s.TradesClosed = len(closed)
	s.TradesOpen = len(trades) - len(closed)

	for _, f := range flows {
		switch f.Type {
		case FlowDeposit:
			s.Deposits += fdec(f.Amount)
		case FlowWithdrawal:
			s.Withdrawals += fdec(f.Amount)
		}
	}
	s.Deposits = round2(s.Deposits)
	s.Withdrawals = round2(s.Withdrawals)

	if len(trades) > 0 {
		byEntry := make([]Trade, len(trades))
		copy(byEntry, trades)
		sort.Slice(byEntry, func(i, j int) bool { return byEntry[i].EntryTime.Before(byEntry[j].EntryTime) })
		s.StartingEquity = round2(fdec(byEntry[0].EquityBefore))
	}

	if len(closed) == 0 {
		return s
	}

	var totalR, totalPnL, totalCharges, netPnL float64
	var totalBars int
	for _, tr := range closed {
		r := fdec(tr.RValue)
		totalR += r
		totalPnL += fdec(tr.PnLTotal)
		totalCharges += fdec(tr.Charges)
		netPnL += fdec(tr.NetPnL)
		totalBars += tr.BarsHeld

		if r > 0 {
			s.Wins++
		} else {
			s.Losses++
		}
	}

	s.TotalR = round2(totalR)
	s.TotalPnL = round2(totalPnL)
	s.TotalCharges = round2(totalCharges)
	s.NetPnL = round2(netPnL)
	s.WinRate = round2(float64(s.Wins) / float64(len(closed)) * 100)
	s.Expectancy = round2(totalR / float64(len(closed)))
	s.AvgBarsHeld = round2(float64(totalBars) / float64(len(closed)))
	s.BestTrade, s.WorstTrade = bestWorst(closed)
	s.MaxConsecWins, s.MaxConsecLosses = streaks(closed)

	s.EndingEquity = round2(fdec(closed[len(closed)-1].EquityAfter))
	if s.StartingEquity > 0 {
		s.RawReturnPct = round2((s.EndingEquity - s.StartingEquity) / s.StartingEquity * 100)
		adjustedEnding := s.EndingEquity + s.Withdrawals - s.Deposits
		s.AdjustedReturnPct = round2((adjustedEnding - s.StartingEquity) / s.StartingEquity * 100)
	}

	return s
}

// ═══════════════════════════════════════════════════════════════════════════════
// YEAR SUMMARY
// ═══════════════════════════════════════════════════════════════════════════════

type EquityPoint struct {
	Date   string  `json:"date"`
	Equity float64 `json:"equity"`
}

type DayStat struct {
	Date string  `json:"date"`
	PnL  float64 `json:"pnl"`
}

type MonthStat struct {
	Month  string  `json:"month"`
	NetPnL float64 `json:"net_pnl"`
}

type MonthBreakdown struct {
	TradesClosed int     `json:"trades_closed"`
	TotalR       float64 `json:"total_r"`
	NetPnL       float64 `json:"net_pnl"`
	WinRate      float64 `json:"win_rate"`
}

type YearSummary struct {
	Year            int     `json:"year"`
	TradesClosed    int     `json:"trades_closed"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	WinRate         float64 `json:"win_rate"`
	TotalR          float64 `json:"total_r"`
	Expectancy      float64 `json:"expectancy"`
	TotalPnL        float64 `json:"total_pnl"`
	TotalCharges    float64 `json:"total_charges"`
	NetPnL          float64 `json:"net_pnl"`
	AvgWinR         float64 `json:"avg_win_r"`
	AvgLossR        float64 `json:"avg_loss_r"`
	PayoffRatio     float64 `json:"payoff_ratio"`
	ProfitFactor    float64 `json:"profit_factor"`
	GainPainRatio   float64 `json:"gain_pain_ratio"`
	MaxConsecWins   int     `json:"max_consecutive_wins"`
	MaxConsecLosses int     `json:"max_consecutive_losses"`
	MaxDrawdownR    float64 `json:"max_drawdown_r"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct"`

	EquityCurve []EquityPoint `json:"equity_curve"`
	RCurve      []float64     `json:"r_curve"`

	BestDay    *DayStat   `json:"best_day,omitempty"`
	WorstDay   *DayStat   `json:"worst_day,omitempty"`
	WinDays    int        `json:"win_days"`
	BestMonth  *MonthStat `json:"best_month,omitempty"`
	WorstMonth *MonthStat `json:"worst_month,omitempty"`
	WinMonths  int        `json:"win_months"`

	FirstTradeDate string `json:"first_trade_date,omitempty"`
	LastTradeDate  string `json:"last_trade_date,omitempty"`

	CAGRPct          float64 `json:"cagr_pct"`
	Sharpe           float64 `json:"sharpe"`
	Sortino          float64 `json:"sortino"`
	Calmar           float64 `json:"calmar"`
	RecoveryFactor   float64 `json:"recovery_factor"`
	KellyPct         float64 `json:"kelly_pct"`
	ExpectedMonthlyR float64 `json:"expected_monthly_r"`
	Skew             float64 `json:"skew"`
	Kurtosis         float64 `json:"kurtosis"`

	Months  map[string]MonthBreakdown `json:"months"`
	Updated time.Time                 `json:"updated"`
}

// BuildYearSummary derives the year rollup from every trade row of that year.
func BuildYearSummary(year int, trades []Trade) YearSummary {
	s := YearSummary{
		Year:    year,
		Months:  make(map[string]MonthBreakdown),
		Updated: time.Now(),
	}

	closed := closedByExit(trades)
	s.TradesClosed = len(closed)
	if len(closed) == 0 {
		return s
	}

	rs := make([]float64, len(closed))
	var totalR, totalPnL, totalCharges, netPnL float64
	var grossWinR, grossLossR float64
	for i, tr := range closed {
		r := fdec(tr.RValue)
		rs[i] = r
		totalR += r
		totalPnL += fdec(tr.PnLTotal)
		totalCharges += fdec(tr.Charges)
		netPnL += fdec(tr.NetPnL)

		if r > 0 {
			s.Wins++
			grossWinR += r
		} else {
			s.Losses++
			grossLossR += r
		}
	}

	s.WinRate = round2(float64(s.Wins) / float64(len(closed)) * 100)
	s.TotalR = round2(totalR)
	s.Expectancy = round2(totalR / float64(len(closed)))
	s.TotalPnL = round2(totalPnL)
	s.TotalCharges = round2(totalCharges)
	s.NetPnL = round2(netPnL)

	if s.Wins > 0 {
		s.AvgWinR = round2(grossWinR / float64(s.Wins))
	}
	if s.Losses > 0 {
		s.AvgLossR = round2(grossLossR / float64(s.Losses))
	}
	if s.AvgLossR < 0 {
		s.PayoffRatio = round2(s.AvgWinR / -s.AvgLossR)
	}
	if grossLossR < 0 {
		s.ProfitFactor = round2(grossWinR / -grossLossR)
		s.GainPainRatio = round2(totalR / -grossLossR)
	}

	s.MaxConsecWins, s.MaxConsecLosses = streaks(closed)

	// Drawdowns: R-based from the trade sequence, money-based from equity
	var cum, peakR, maxDDR float64
	for _, r := range rs {
		cum += r
		if cum > peakR {
			peakR = cum
		}
		if dd := peakR - cum; dd > maxDDR {
			maxDDR = dd
		}
		s.RCurve = append(s.RCurve, round2(cum))
	}
	s.MaxDrawdownR = round2(maxDDR)

	var peakEq, maxDDPct, maxDDMoney float64
	for _, tr := range closed {
		eq := fdec(tr.EquityAfter)
		if eq <= 0 {
			continue
		}
		s.EquityCurve = append(s.EquityCurve, EquityPoint{
			Date:   tr.ExitTime.Format("2006-01-02"),
			Equity: round2(eq),
		})
		if eq > peakEq {
			peakEq = eq
		}
		if peakEq > 0 {
			if dd := (peakEq - eq) / peakEq * 100; dd > maxDDPct {
				maxDDPct = dd
			}
			if dd := peakEq - eq; dd > maxDDMoney {
				maxDDMoney = dd
			}
		}
	}
	s.MaxDrawdownPct = round2(maxDDPct)

	s.bestWorstDays(closed)
	s.monthBreakdown(closed)

	// Ratio suite over the R distribution
	meanR := totalR / float64(len(rs))
	if sd := sampleStdev(rs); sd > 0 {
		s.Sharpe = round2(meanR / sd)
	}
	var downside []float64
	for _, r := range rs {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if sd := sampleStdev(downside); sd > 0 {
		s.Sortino = round2(meanR / sd)
	}

	s.datesAndGrowth(trades, closed)

	if s.MaxDrawdownPct > 0 {
		s.Calmar = round2(s.CAGRPct / s.MaxDrawdownPct)
	}
	if maxDDMoney > 0 {
		s.RecoveryFactor = round2(netPnL / maxDDMoney)
	}

	winProb := float64(s.Wins) / float64(len(closed))
	if s.PayoffRatio > 0 {
		s.KellyPct = round2((winProb - (1-winProb)/s.PayoffRatio) * 100)
	}
	if months := len(s.Months); months > 0 {
		s.ExpectedMonthlyR = round2(totalR / float64(months))
	}

	s.Skew, s.Kurtosis = skewKurtosis(rs, meanR)

	return s
}

func (s *YearSummary) bestWorstDays(closed []Trade) {
	dayPnL := make(map[string]float64)
	for _, tr := range closed {
		dayPnL[tr.ExitTime.Format("2006-01-02")] += fdec(tr.NetPnL)
	}

	for date, pnl := range dayPnL {
		pnl = round2(pnl)
		if pnl > 0 {
			s.WinDays++
		}
		if s.BestDay == nil || pnl > s.BestDay.PnL {
			s.BestDay = &DayStat{Date: date, PnL: pnl}
		}
		if s.WorstDay == nil || pnl < s.WorstDay.PnL {
			s.WorstDay = &DayStat{Date: date, PnL: pnl}
		}
	}
}

func (s *YearSummary) monthBreakdown(closed []Trade) {
	type acc struct {
		trades int
		wins   int
		totalR float64
		netPnL float64
	}
	byMonth := make(map[string]*acc)
	for _, tr := range closed {
		key := fmt.Sprintf("%02d_%s", int(tr.ExitTime.Month()), tr.ExitTime.Month().String())
		a := byMonth[key]
		if a == nil {
			a = &acc{}
			byMonth[key] = a
		}
		a.trades++
		a.totalR += fdec(tr.RValue)
		a.netPnL += fdec(tr.NetPnL)
		if tr.RValue.IsPositive() {
			a.wins++
		}
	}

	for key, a := range byMonth {
		s.Months[key] = MonthBreakdown{
			TradesClosed: a.trades,
			TotalR:       round2(a.totalR),
			NetPnL:       round2(a.netPnL),
			WinRate:      round2(float64(a.wins) / float64(a.trades) * 100),
		}

		pnl := round2(a.netPnL)
		if pnl > 0 {
			s.WinMonths++
		}
		if s.BestMonth == nil || pnl > s.BestMonth.NetPnL {
			s.BestMonth = &MonthStat{Month: key, NetPnL: pnl}
		}
		if s.WorstMonth == nil || pnl < s.WorstMonth.NetPnL {
			s.WorstMonth = &MonthStat{Month: key, NetPnL: pnl}
		}
	}
}

func (s *YearSummary) datesAndGrowth(trades, closed []Trade) {
	byEntry := make([]Trade, len(trades))
	copy(byEntry, trades)
	sort.Slice(byEntry, func(i, j int) bool { return byEntry[i].EntryTime.Before(byEntry[j].EntryTime) })

	first := byEntry[0]
	last := closed[len(closed)-1]
	s.FirstTradeDate = first.EntryTime.Format("2006-01-02")
	s.LastTradeDate = last.ExitTime.Format("2006-01-02")

	starting := fdec(first.EquityBefore)
	ending := fdec(last.EquityAfter)
	days := last.ExitTime.Sub(first.EntryTime).Hours() / 24
	if starting > 0 && ending > 0 && days >= 1 {
		s.CAGRPct = round2((math.Pow(ending/starting, 365/days) - 1) * 100)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// closedByExit filters to closed trades ordered by exit time.
func closedByExit(trades []Trade) []Trade {
	var closed []Trade
	for _, tr := range trades {
		if tr.Status == StatusClosed && tr.ExitTime != nil {
			closed = append(closed, tr)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].ExitTime.Before(*closed[j].ExitTime) })
	return closed
}

func bestWorst(closed []Trade) (*TradeRef, *TradeRef) {
	if len(closed) == 0 {
		return nil, nil
	}

	best, worst := closed[0], closed[0]
	for _, tr := range closed[1:] {
		if tr.RValue.GreaterThan(best.RValue) {
			best = tr
		}
		if tr.RValue.LessThan(worst.RValue) {
			worst = tr
		}
	}

	ref := func(tr Trade) *TradeRef {
		return &TradeRef{
			TradeID: tr.TradeID,
			Symbol:  tr.Symbol,
			R:       round2(fdec(tr.RValue)),
			PnL:     round2(fdec(tr.NetPnL)),
		}
	}
	return ref(best), ref(worst)
}

// streaks returns the longest win and loss runs in exit order.
func streaks(closed []Trade) (int, int) {
	var maxWins, maxLosses, curWins, curLosses int
	for _, tr := range closed {
		if tr.RValue.IsPositive() {
			curWins++
			curLosses = 0
		} else {
			curLosses++
			curWins = 0
		}
		if curWins > maxWins {
			maxWins = curWins
		}
		if curLosses > maxLosses {
			maxLosses = curLosses
		}
	}
	return maxWins, maxLosses
}

func sampleStdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// skewKurtosis returns population skewness and excess kurtosis.
func skewKurtosis(xs []float64, mean float64) (float64, float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}

	var m2, m3, m4 float64
	for _, x := range xs {
		d := x - mean
		m2 += d * d
		m3 += d * d * d
		m4 += d * d * d * d
	}
	m2 /= n
	m3 /= n
	m4 /= n

	if m2 == 0 {
		return 0, 0
	}
	sd := math.Sqrt(m2)
	return round2(m3 / (sd * sd * sd)), round2(m4/(m2*m2) - 3)
}

func fdec(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
