package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE LEDGER - Append-only journal of every trade
//
// Trades live in monthly partitions (ledger/YYYY/MM_MonthName/trades.json).
// Every mutation rewrites the partition through the store's atomic commit path
// and regenerates that month's summary. The trade rows are the source of
// truth; summaries and the archive database are derived from them.
// ═══════════════════════════════════════════════════════════════════════════════

const cashFlowsPath = "ledger/cash_flows.json"

type Ledger struct {
	store  *store.Store
	loc    *time.Location
	mirror Mirror
	mu     sync.Mutex
}

// Mirror receives a month's rows and derived summary after every committed
// mutation, for secondary stores that keep a queryable copy of the journal.
// The journal never depends on the mirror succeeding.
type Mirror interface {
	MonthCommitted(trades []Trade, summary MonthlySummary)
}

// New creates a ledger over the given store. Partition boundaries follow loc.
func New(st *store.Store, loc *time.Location) *Ledger {
	return &Ledger{store: st, loc: loc}
}

// SetMirror attaches a secondary store that is fed on every mutation.
func (l *Ledger) SetMirror(m Mirror) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = m
}

// Open appends an OPEN trade to the partition of its entry time. A persistence
// failure is returned to the caller so the trade-opening flow aborts loudly.
func (l *Ledger) Open(trade Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	at := trade.EntryTime.In(l.loc)
	trades := l.readTrades(at)
	trades = append(trades, trade)

	if err := l.store.Write(tradesPath(at), trades); err != nil {
		return fmt.Errorf("persist trade %s: %w", trade.TradeID, err)
	}

	log.Info().
		Str("trade_id", trade.TradeID).
		Str("symbol", trade.Symbol).
		Str("entry", trade.EntryPrice.StringFixed(2)).
		Int64("qty", trade.Quantity).
		Msg("📥 Trade recorded")

	l.regenerateMonth(at)
	return nil
}

// Close finds an open trade by trade ID or symbol, first in the exit month's
// partition and then in the immediately preceding one, and closes it. An
// unmatched close is an anomaly, not an error: it logs and returns zero R so
// a reconciliation pass never brings the process down.
func (l *Ledger) Close(idOrSymbol string, exitTime time.Time, exitPrice decimal.Decimal, reason string, barsHeld int) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exitTime = exitTime.In(l.loc)

	for _, at := range []time.Time{exitTime, previousMonth(exitTime)} {
		trades := l.readTrades(at)
		for i := range trades {
			tr := &trades[i]
			if tr.Status != StatusOpen {
				continue
			}
			if tr.TradeID != idOrSymbol && tr.Symbol != idOrSymbol {
				continue
			}

			r := closeTrade(tr, exitTime, exitPrice, reason, barsHeld)

			if err := l.store.Write(tradesPath(at), trades); err != nil {
				return decimal.Zero, fmt.Errorf("persist close of %s: %w", tr.TradeID, err)
			}

			log.Info().
				Str("trade_id", tr.TradeID).
				Str("symbol", tr.Symbol).
				Str("exit", exitPrice.StringFixed(2)).
				Str("r", r.StringFixed(2)).
				Str("reason", reason).
				Msg("✅ Trade closed")

			l.regenerateMonth(at)
			if err := l.regenerateYear(at.Year()); err != nil {
				log.Error().Err(err).Int("year", at.Year()).Msg("❌ Failed to write year summary")
			}
			return r, nil
		}
	}

	log.Warn().
		Str("key", idOrSymbol).
		Time("exit_time", exitTime).
		Msg("🚨 Close requested for unknown or already-closed trade")

	return decimal.Zero, nil
}

func closeTrade(tr *Trade, exitTime time.Time, exitPrice decimal.Decimal, reason string, barsHeld int) decimal.Decimal {
	perShare := exitPrice.Sub(tr.EntryPrice).Round(2)
	pnl := perShare.Mul(decimal.NewFromInt(tr.Quantity)).Round(2)

	r := decimal.Zero
	if rps := tr.RiskPerShare(); rps.IsPositive() {
		r = exitPrice.Sub(tr.EntryPrice).Div(rps).Round(2)
	}

	tr.Status = StatusClosed
	tr.ExitTime = &exitTime
	tr.ExitPrice = exitPrice
	tr.ExitReason = reason
	tr.BarsHeld = barsHeld
	tr.PnLPerShare = perShare
	tr.PnLTotal = pnl
	tr.RValue = r
	tr.NetPnL = pnl.Sub(tr.Charges).Round(2)
	if tr.EquityBefore.IsPositive() {
		tr.EquityAfter = tr.EquityBefore.Add(tr.NetPnL)
	}

	return r
}

// UpdateCharges sets actual brokerage on a closed trade and reflows net PnL.
// Searches the given month and the one before it.
func (l *Ledger) UpdateCharges(tradeID string, charges decimal.Decimal, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	at = at.In(l.loc)

	for _, month := range []time.Time{at, previousMonth(at)} {
		trades := l.readTrades(month)
		for i := range trades {
			tr := &trades[i]
			if tr.TradeID != tradeID || tr.Status != StatusClosed {
				continue
			}

			tr.Charges = charges
			tr.NetPnL = tr.PnLTotal.Sub(charges).Round(2)
			if tr.EquityBefore.IsPositive() {
				tr.EquityAfter = tr.EquityBefore.Add(tr.NetPnL)
			}

			if err := l.store.Write(tradesPath(month), trades); err != nil {
				return fmt.Errorf("persist charges for %s: %w", tradeID, err)
			}

			log.Info().
				Str("trade_id", tradeID).
				Str("charges", charges.StringFixed(2)).
				Msg("💾 Charges updated")

			l.regenerateMonth(month)
			if err := l.regenerateYear(month.Year()); err != nil {
				log.Error().Err(err).Int("year", month.Year()).Msg("❌ Failed to write year summary")
			}
			return nil
		}
	}

	return fmt.Errorf("charges update: trade %s not found in current or previous month", tradeID)
}

// TradesWithoutCharges lists closed trades still carrying zero charges in the
// given month and the one before it.
func (l *Ledger) TradesWithoutCharges(at time.Time) []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	at = at.In(l.loc)

	var pending []Trade
	for _, month := range []time.Time{at, previousMonth(at)} {
		for _, tr := range l.readTrades(month) {
			if tr.Status == StatusClosed && tr.Charges.IsZero() {
				pending = append(pending, tr)
			}
		}
	}
	return pending
}

// AddCashFlow records an external deposit or withdrawal.
func (l *Ledger) AddCashFlow(flowType string, amount decimal.Decimal, note string, at time.Time) error {
	if flowType != FlowDeposit && flowType != FlowWithdrawal {
		return fmt.Errorf("cash flow type must be %q or %q, got %q", FlowDeposit, FlowWithdrawal, flowType)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("cash flow amount must be positive, got %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	at = at.In(l.loc)

	var flows []CashFlow
	l.store.Read(cashFlowsPath, &flows)
	flows = append(flows, CashFlow{
		Date:      at.Format("2006-01-02"),
		Timestamp: at,
		Type:      flowType,
		Amount:    amount,
		Note:      note,
	})

	if err := l.store.Write(cashFlowsPath, flows); err != nil {
		return fmt.Errorf("persist cash flow: %w", err)
	}

	log.Info().
		Str("type", flowType).
		Str("amount", amount.StringFixed(2)).
		Msg("💾 Cash flow recorded")

	l.regenerateMonth(at)
	return nil
}

// MonthTrades returns a copy of the partition for the month containing at.
func (l *Ledger) MonthTrades(at time.Time) []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readTrades(at.In(l.loc))
}

// MonthR sums the R realized by closed trades in the month containing at and
// returns how many trades contributed.
func (l *Ledger) MonthR(at time.Time) (decimal.Decimal, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sum := decimal.Zero
	count := 0
	for _, tr := range l.readTrades(at.In(l.loc)) {
		if tr.Status == StatusClosed {
			sum = sum.Add(tr.RValue)
			count++
		}
	}
	return sum, count
}

// OpenTrades returns open rows from the month containing at and the one
// before it, the same window Close searches.
func (l *Ledger) OpenTrades(at time.Time) []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	at = at.In(l.loc)

	var open []Trade
	for _, month := range []time.Time{at, previousMonth(at)} {
		for _, tr := range l.readTrades(month) {
			if tr.Status == StatusOpen {
				open = append(open, tr)
			}
		}
	}
	return open
}

// RecentTrades returns up to limit trades from the month containing at,
// newest entries first.
func (l *Ledger) RecentTrades(at time.Time, limit int) []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	trades := l.readTrades(at.In(l.loc))
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].EntryTime.After(trades[j].EntryTime)
	})
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades
}

// CashFlows returns all recorded cash flows.
func (l *Ledger) CashFlows() []CashFlow {
	l.mu.Lock()
	defer l.mu.Unlock()

	var flows []CashFlow
	l.store.Read(cashFlowsPath, &flows)
	return flows
}

// ═══════════════════════════════════════════════════════════════════════════════
// SUMMARY REGENERATION
// ═══════════════════════════════════════════════════════════════════════════════

// readTrades loads a month's partition; missing partitions are empty, and a
// corrupted partition comes back empty rather than crashing the caller.
func (l *Ledger) readTrades(at time.Time) []Trade {
	var trades []Trade
	l.store.Read(tradesPath(at), &trades)
	return trades
}

func (l *Ledger) readMonthFlows(at time.Time) []CashFlow {
	var flows []CashFlow
	l.store.Read(cashFlowsPath, &flows)

	var out []CashFlow
	for _, f := range flows {
		ts := f.Timestamp.In(l.loc)
		if ts.Year() == at.Year() && ts.Month() == at.Month() {
			out = append(out, f)
		}
	}
	return out
}

// regenerateMonth rebuilds a month's summary from its rows. The summary is a
// derived artifact: failure to write it is logged, never propagated, because
// the trade rows already committed.
func (l *Ledger) regenerateMonth(at time.Time) {
	trades := l.readTrades(at)
	flows := l.readMonthFlows(at)
	if len(trades) == 0 && len(flows) == 0 {
		return
	}

	summary := BuildMonthlySummary(at, trades, flows)
	if err := l.store.Write(summaryPath(at), summary); err != nil {
		log.Error().Err(err).Str("month", summary.Month).Msg("❌ Failed to write monthly summary")
	}

	if l.mirror != nil {
		l.mirror.MonthCommitted(trades, summary)
	}
}

// RegenerateYear rebuilds the year rollup from every partition of that year.
func (l *Ledger) RegenerateYear(year int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.regenerateYear(year)
}

func (l *Ledger) regenerateYear(year int) error {
	var trades []Trade
	for m := time.January; m <= time.December; m++ {
		at := time.Date(year, m, 1, 0, 0, 0, 0, l.loc)
		trades = append(trades, l.readTrades(at)...)
	}
	if len(trades) == 0 {
		return nil
	}

	summary := BuildYearSummary(year, trades)
	if err := l.store.Write(yearSummaryPath(year), summary); err != nil {
		return fmt.Errorf("write year summary %d: %w", year, err)
	}
	return nil
}

var monthDirPattern = regexp.MustCompile(`^\d{2}_[A-Z][a-z]+$`)

// RegenerateAll replays every partition on disk and rebuilds all monthly and
// yearly summaries. Pure derivation from the rows; safe to run repeatedly.
func (l *Ledger) RegenerateAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	root := filepath.Join(l.store.Dir(), "ledger")
	yearDirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan ledger: %w", err)
	}

	months := 0
	for _, yd := range yearDirs {
		if !yd.IsDir() {
			continue
		}
		year, err := strconv.Atoi(yd.Name())
		if err != nil {
			continue
		}

		monthDirs, err := os.ReadDir(filepath.Join(root, yd.Name()))
		if err != nil {
			continue
		}

		hadTrades := false
		for _, md := range monthDirs {
			if !md.IsDir() || !monthDirPattern.MatchString(md.Name()) {
				continue
			}
			monthNum, err := strconv.Atoi(md.Name()[:2])
			if err != nil || monthNum < 1 || monthNum > 12 {
				continue
			}

			at := time.Date(year, time.Month(monthNum), 1, 0, 0, 0, 0, l.loc)
			l.regenerateMonth(at)
			if len(l.readTrades(at)) > 0 {
				hadTrades = true
			}
			months++
		}

		if hadTrades {
			if err := l.regenerateYear(year); err != nil {
				return err
			}
		}
	}

	log.Info().Int("months", months).Msg("📊 Summaries regenerated")
	return nil
}
