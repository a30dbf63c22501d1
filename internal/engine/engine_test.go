package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/kitebot/internal/broker"
	"github.com/web3guy0/kitebot/internal/config"
	"github.com/web3guy0/kitebot/internal/gateway"
	"github.com/web3guy0/kitebot/internal/ledger"
	"github.com/web3guy0/kitebot/internal/monitor"
	"github.com/web3guy0/kitebot/internal/positions"
	"github.com/web3guy0/kitebot/internal/risk"
	"github.com/web3guy0/kitebot/internal/scanner"
	"github.com/web3guy0/kitebot/internal/store"
	"github.com/web3guy0/kitebot/internal/types"
	"github.com/web3guy0/kitebot/internal/universe"
)

var kolkata = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		panic(err)
	}
	return loc
}()

// fakeBroker scripts quotes, candles and order fills for whole-session steps.
type fakeBroker struct {
	margins  broker.Margins
	holdings []broker.Holding
	ltps     map[string]decimal.Decimal
	candles  map[int][]types.Candle
	histErr  map[int]error

	histCalls []int
	ltpCalls  int
	holdCalls int

	placed     []string
	nextID     int
	symbolByID map[string]string
	orderSeq   map[string][]broker.Order
	dayNet     map[string]int64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		margins:    broker.Margins{LiveBalance: decimal.NewFromInt(500000)},
		ltps:       map[string]decimal.Decimal{},
		candles:    map[int][]types.Candle{},
		histErr:    map[int]error{},
		symbolByID: map[string]string{},
		orderSeq:   map[string][]broker.Order{},
		dayNet:     map[string]int64{},
	}
}

func (f *fakeBroker) Margins(ctx context.Context) (broker.Margins, error) {
	return f.margins, nil
}

func (f *fakeBroker) Holdings(ctx context.Context) ([]broker.Holding, error) {
	f.holdCalls++
	return f.holdings, nil
}

// Positions reflects the day's fills, like the live broker would.
func (f *fakeBroker) Positions(ctx context.Context) ([]broker.Position, error) {
	out := make([]broker.Position, 0, len(f.dayNet))
	for sym, qty := range f.dayNet {
		out = append(out, broker.Position{Symbol: sym, Product: "CNC", Quantity: qty})
	}
	return out, nil
}

func (f *fakeBroker) Quote(ctx context.Context, symbols []string) (map[string]broker.Quote, error) {
	return nil, nil
}

func (f *fakeBroker) LTP(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	f.ltpCalls++
	out := make(map[string]decimal.Decimal)
	for _, s := range symbols {
		if p, ok := f.ltps[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func (f *fakeBroker) PlaceMarketOrder(ctx context.Context, symbol, side string, qty int64) (string, error) {
	f.nextID++
	id := fmt.Sprintf("ORD%d", f.nextID)
	f.symbolByID[id] = symbol
	f.placed = append(f.placed, fmt.Sprintf("%s %s %d", side, symbol, qty))
	if side == broker.SideBuy {
		f.dayNet[symbol] += qty
	} else {
		f.dayNet[symbol] -= qty
	}
	return id, nil
}

func (f *fakeBroker) Order(ctx context.Context, orderID string) (broker.Order, error) {
	symbol := f.symbolByID[orderID]
	seq := f.orderSeq[symbol]
	if len(seq) == 0 {
		return broker.Order{}, errors.New("no scripted order state")
	}
	o := seq[0]
	if len(seq) > 1 {
		f.orderSeq[symbol] = seq[1:]
	}
	o.OrderID = orderID
	o.Symbol = symbol
	return o, nil
}

func (f *fakeBroker) Orders(ctx context.Context) ([]broker.Order, error) {
	return nil, nil
}

func (f *fakeBroker) Historical(ctx context.Context, token int, interval string, from, to time.Time) ([]types.Candle, error) {
	f.histCalls = append(f.histCalls, token)
	if err := f.histErr[token]; err != nil {
		return nil, err
	}
	return f.candles[token], nil
}

type fakeNotifier struct {
	entries  []types.Position
	skips    []string
	alerts   []string
	statuses []string
}

func (n *fakeNotifier) NotifyEntry(pos types.Position) { n.entries = append(n.entries, pos) }
func (n *fakeNotifier) NotifyExit(symbol, reason string, exitPrice, r, pnl decimal.Decimal) {
}
func (n *fakeNotifier) NotifySkip(symbol, reason string) {
	n.skips = append(n.skips, symbol+": "+reason)
}
func (n *fakeNotifier) NotifyAlert(message string)  { n.alerts = append(n.alerts, message) }
func (n *fakeNotifier) NotifyStatus(message string) { n.statuses = append(n.statuses, message) }

func testConfig() *config.Config {
	return &config.Config{
		RiskFraction:        decimal.NewFromFloat(0.01),
		DrawdownCapR:        decimal.NewFromFloat(-5.0),
		TPMultiplier:        decimal.NewFromInt(3),
		VolumeSurgeMultiple: decimal.NewFromFloat(1.5),
		IndexToken:          256265,
		BaselinePeriod:      2,
		MonitorInterval:     time.Second,
		TickBudget:          10 * time.Second,
		StatusInterval:      10 * time.Minute,
		Timezone:            "Asia/Kolkata",
	}
}

func testUniverse(t *testing.T, tokens map[string]int) *universe.Universe {
	t.Helper()

	names := make([]string, 0, len(tokens))
	for s := range tokens {
		names = append(names, s)
	}
	sort.Strings(names)

	rows := make([]map[string]any, 0, len(names))
	for _, s := range names {
		rows = append(rows, map[string]any{
			"tradingsymbol":    s,
			"instrument_token": tokens[s],
			"exchange":         "NSE",
		})
	}
	data, err := json.Marshal(rows)
	require.NoError(t, err)

	dir := t.TempDir()
	symPath := filepath.Join(dir, "symbols.csv")
	insPath := filepath.Join(dir, "instruments.json")
	require.NoError(t, os.WriteFile(symPath, []byte(strings.Join(names, "\n")+"\n"), 0o644))
	require.NoError(t, os.WriteFile(insPath, data, 0o644))

	uni, err := universe.Load(symPath, insPath)
	require.NoError(t, err)
	return uni
}

type fixture struct {
	cfg   *config.Config
	fb    *fakeBroker
	st    *store.Store
	lg    *ledger.Ledger
	cache *positions.Cache
	notes *fakeNotifier
	eng   *Engine
	at    time.Time
}

func newFixture(t *testing.T, at time.Time, tokens map[string]int) *fixture {
	t.Helper()

	if tokens == nil {
		tokens = map[string]int{"RELIANCE": 738561}
	}
	cfg := testConfig()
	st := store.New(t.TempDir())
	fb := newFakeBroker()
	notes := &fakeNotifier{}
	lg := ledger.New(st, kolkata)
	rm := risk.NewManager(lg, cfg.DrawdownCapR)
	cache := positions.Load(st)
	uni := testUniverse(t, tokens)

	f := scanner.NewFilter(cfg, fb, st, notes)
	sc := scanner.NewScanner(cfg, fb, st, uni, f, notes)
	ch := scanner.NewChecker(cfg, fb, st, f, notes)
	gw := gateway.New(cfg, fb, lg, rm, cache, notes)
	mon := monitor.New(cfg, fb, gw, lg, rm, cache, notes)

	fx := &fixture{cfg: cfg, fb: fb, st: st, lg: lg, cache: cache, notes: notes, at: at}
	fx.eng = New(cfg, fb, f, sc, ch, gw, mon, lg, rm, cache, notes)
	fx.eng.now = func() time.Time { return fx.at }
	return fx
}

// The scanner components keep their own wall clocks, so the gate cache is
// seeded against real time to stay inside its TTL.
func seedGateOn(t *testing.T, st *store.Store) {
	t.Helper()
	require.NoError(t, st.Write("state/nifty_sma50_cache.json", map[string]any{
		"last_close": decimal.NewFromInt(110),
		"sma50":      decimal.NewFromInt(100),
		"timestamp":  time.Now().Add(-time.Minute),
	}))
}

func seedWatchlist(t *testing.T, st *store.Store, symbol string, high, low float64) {
	t.Helper()
	require.NoError(t, st.Write("state/reclaim_watchlist.json", map[string]types.ReclaimLevel{
		symbol: {
			ReclaimHigh: decimal.NewFromFloat(high),
			ReclaimLow:  decimal.NewFromFloat(low),
			Timestamp:   time.Now().Add(-time.Hour),
		},
	}))
}

// tradingDay is a Tuesday.
func tradingDay() time.Time {
	return time.Date(2025, 6, 10, 0, 0, 0, 0, kolkata)
}

func at(day time.Time, hour, min, sec int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, min, sec, 0, kolkata)
}

func TestMarkPastWindows(t *testing.T) {
	now := at(tradingDay(), 12, 30, 0)

	scans := markPast(scanTimes, now, kolkata)
	assert.Len(t, scans, 3, "10:16, 11:16 and 12:16 are past at 12:30")

	entries := markPast(entryTimes, now, kolkata)
	assert.Len(t, entries, 2, "11:14:58 and 12:14:58 are past at 12:30")
}

func TestStepFiresScanWindowOnce(t *testing.T) {
	fx := newFixture(t, at(tradingDay(), 10, 16, 0), nil)
	seedGateOn(t, fx.st)
	fx.fb.histErr[fx.cfg.IndexToken] = errors.New("api down")

	fx.eng.step()

	assert.True(t, fx.eng.scansDone[0])
	assert.Equal(t, 1, fx.eng.scansRun)
	assert.Equal(t, []int{fx.cfg.IndexToken, 738561}, fx.fb.histCalls, "refresh attempt, then the universe sweep")

	var watchlist map[string]types.ReclaimLevel
	require.True(t, fx.st.Read("state/reclaim_watchlist.json", &watchlist))
	assert.Empty(t, watchlist)
	require.NotEmpty(t, fx.notes.statuses)
	assert.Contains(t, fx.notes.statuses[0], "SCANNER COMPLETE")

	// Same window does not refire.
	fx.at = fx.at.Add(time.Second)
	fx.eng.step()
	assert.Equal(t, 1, fx.eng.scansRun)
	assert.Len(t, fx.fb.histCalls, 2)
}

func TestStepEntryWindowEndToEnd(t *testing.T) {
	fx := newFixture(t, at(tradingDay(), 11, 14, 58), nil)
	seedGateOn(t, fx.st)
	seedWatchlist(t, fx.st, "RELIANCE", 2950, 2850)
	fx.fb.ltps["RELIANCE"] = decimal.NewFromFloat(2951.5)
	fx.fb.orderSeq["RELIANCE"] = []broker.Order{{
		Status:         broker.StatusComplete,
		AveragePrice:   decimal.NewFromInt(2952),
		FilledQuantity: 49,
	}}

	fx.eng.step()

	// 500000 * 0.01 = 5000 risk, 101.5 per share against the reclaim low: 49 shares
	require.Equal(t, []string{"BUY RELIANCE 49"}, fx.fb.placed)

	pos, ok := fx.cache.Get("RELIANCE")
	require.True(t, ok)
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(2952)), "entry is the verified fill")

	require.Len(t, fx.lg.OpenTrades(fx.at), 1)
	assert.Equal(t, 1, fx.eng.tradesOpened)
	assert.True(t, fx.eng.entriesDone[0])

	var signals map[string]types.Signal
	require.True(t, fx.st.Read("state/entry_signals.json", &signals))
	assert.Empty(t, signals, "processed signals are cleared")
}

func TestStepPausedConsumesWindowWithoutTrading(t *testing.T) {
	fx := newFixture(t, at(tradingDay(), 11, 14, 58), nil)
	seedGateOn(t, fx.st)
	seedWatchlist(t, fx.st, "RELIANCE", 2950, 2850)
	fx.fb.ltps["RELIANCE"] = decimal.NewFromFloat(2951.5)

	fx.eng.Pause()
	fx.eng.step()

	assert.True(t, fx.eng.entriesDone[0])
	assert.Zero(t, fx.fb.ltpCalls)
	assert.Empty(t, fx.fb.placed)

	// Resuming later in the hour does not replay the consumed window.
	fx.eng.Resume()
	fx.at = fx.at.Add(time.Minute)
	fx.eng.step()
	assert.Zero(t, fx.fb.ltpCalls)
	assert.Empty(t, fx.fb.placed)
}

func TestStepWeekendIdles(t *testing.T) {
	saturday := time.Date(2025, 6, 14, 11, 16, 0, 0, kolkata)
	fx := newFixture(t, saturday, nil)
	seedGateOn(t, fx.st)

	fx.eng.step()

	assert.Empty(t, fx.fb.histCalls)
	assert.Zero(t, fx.fb.ltpCalls)
	assert.Empty(t, fx.notes.statuses)
}

func TestMarketCloseNotifiedOnce(t *testing.T) {
	fx := newFixture(t, at(tradingDay(), 15, 29, 59), nil)

	fx.eng.step()
	assert.Empty(t, fx.notes.statuses)

	fx.at = at(tradingDay(), 15, 30, 0)
	fx.eng.step()
	require.Len(t, fx.notes.statuses, 1)
	assert.Contains(t, fx.notes.statuses[0], "MARKET CLOSE")

	fx.at = fx.at.Add(time.Second)
	fx.eng.step()
	assert.Len(t, fx.notes.statuses, 1)
}

func TestRestartAfterCloseStaysQuiet(t *testing.T) {
	fx := newFixture(t, at(tradingDay(), 18, 0, 0), nil)

	fx.eng.step()

	assert.Empty(t, fx.notes.statuses, "no stale close notice on an evening restart")
}

func TestDayRolloverResetsWindows(t *testing.T) {
	fx := newFixture(t, at(tradingDay(), 14, 0, 0), nil)

	fx.eng.step()
	assert.NotEmpty(t, fx.eng.scansDone)

	fx.at = at(tradingDay().AddDate(0, 0, 1), 9, 0, 0)
	fx.eng.step()
	assert.Empty(t, fx.eng.scansDone)
	assert.Empty(t, fx.eng.entriesDone)
	assert.Equal(t, "10:16:00", fx.eng.nextWindow(fx.at))
}

func TestMonitorRunsOnItsInterval(t *testing.T) {
	fx := newFixture(t, at(tradingDay(), 11, 0, 0), nil)
	fx.cfg.MonitorInterval = time.Hour

	require.NoError(t, fx.cache.Put(types.Position{
		TradeID:     "T1",
		Symbol:      "RELIANCE",
		EntryPrice:  decimal.NewFromInt(100),
		StopLoss:    decimal.NewFromInt(95),
		TargetPrice: decimal.NewFromInt(115),
		Quantity:    10,
		EntryTime:   at(tradingDay(), 10, 0, 0),
		State:       types.StateTracked,
	}))
	fx.fb.holdings = []broker.Holding{{Symbol: "RELIANCE", Quantity: 10, LastPrice: decimal.NewFromInt(100)}}
	fx.fb.ltps["RELIANCE"] = decimal.NewFromInt(100)

	fx.eng.step()
	assert.Equal(t, 1, fx.fb.holdCalls)

	fx.at = fx.at.Add(time.Second)
	fx.eng.step()
	assert.Equal(t, 1, fx.fb.holdCalls, "interval not elapsed")

	fx.at = fx.at.Add(time.Hour)
	fx.eng.step()
	assert.Equal(t, 2, fx.fb.holdCalls)
}

func TestGetStatsFallsBackToJournal(t *testing.T) {
	fx := newFixture(t, at(tradingDay(), 12, 0, 0), nil)

	entry := at(tradingDay(), 11, 15, 0)
	require.NoError(t, fx.lg.Open(ledger.Trade{
		TradeID:      ledger.NewTradeID("TCS", entry),
		Symbol:       "TCS",
		Status:       ledger.StatusOpen,
		EntryTime:    entry,
		EntryPrice:   decimal.NewFromInt(100),
		StopLoss:     decimal.NewFromInt(95),
		TargetPrice:  decimal.NewFromInt(115),
		Quantity:     100,
		EquityBefore: decimal.NewFromInt(500000),
	}))
	_, err := fx.lg.Close(ledger.NewTradeID("TCS", entry), entry.Add(time.Hour), decimal.NewFromInt(95), "STOP", 1)
	require.NoError(t, err)

	trades, wins, losses, totalR, _ := fx.eng.GetStats()
	assert.Equal(t, 1, trades)
	assert.Zero(t, wins)
	assert.Equal(t, 1, losses)
	assert.True(t, totalR.Equal(decimal.NewFromInt(-1)), "got %s", totalR)

	rSum, capR, allowed := fx.eng.GetMonthRisk()
	assert.True(t, rSum.Equal(decimal.NewFromInt(-1)))
	assert.True(t, capR.Equal(decimal.NewFromFloat(-5.0)))
	assert.True(t, allowed)
}

func TestGetOpenPositionsSortedBySymbol(t *testing.T) {
	fx := newFixture(t, at(tradingDay(), 12, 0, 0), nil)

	for _, sym := range []string{"TCS", "INFY"} {
		require.NoError(t, fx.cache.Put(types.Position{
			TradeID:    "T-" + sym,
			Symbol:     sym,
			EntryPrice: decimal.NewFromInt(100),
			StopLoss:   decimal.NewFromInt(95),
			Quantity:   10,
			EntryTime:  at(tradingDay(), 11, 15, 0),
			State:      types.StateTracked,
		}))
	}

	recs := fx.eng.GetOpenPositions()
	require.Len(t, recs, 2)
	assert.Equal(t, "INFY", recs[0].Symbol)
	assert.Equal(t, "TCS", recs[1].Symbol)
}

func TestGetEquityPricesHoldings(t *testing.T) {
	fx := newFixture(t, at(tradingDay(), 12, 0, 0), nil)
	fx.fb.margins = broker.Margins{LiveBalance: decimal.NewFromInt(100000)}
	fx.fb.holdings = []broker.Holding{{
		Symbol:     "TCS",
		Quantity:   10,
		T1Quantity: 5,
		LastPrice:  decimal.NewFromInt(50),
	}}

	equity, err := fx.eng.GetEquity()
	require.NoError(t, err)
	assert.True(t, equity.Equal(decimal.NewFromInt(100750)), "got %s", equity)
}

func TestGetRecentTradesUsesExitTimeWhenClosed(t *testing.T) {
	fx := newFixture(t, at(tradingDay(), 12, 0, 0), nil)

	entry := at(tradingDay(), 11, 15, 0)
	id := ledger.NewTradeID("TCS", entry)
	require.NoError(t, fx.lg.Open(ledger.Trade{
		TradeID:      id,
		Symbol:       "TCS",
		Status:       ledger.StatusOpen,
		EntryTime:    entry,
		EntryPrice:   decimal.NewFromInt(100),
		StopLoss:     decimal.NewFromInt(95),
		TargetPrice:  decimal.NewFromInt(115),
		Quantity:     100,
		EquityBefore: decimal.NewFromInt(500000),
	}))
	exit := entry.Add(2 * time.Hour)
	_, err := fx.lg.Close(id, exit, decimal.NewFromInt(115), "TARGET", 2)
	require.NoError(t, err)

	recs := fx.eng.GetRecentTrades(5)
	require.Len(t, recs, 1)
	assert.Equal(t, "TCS", recs[0].Symbol)
	assert.True(t, recs[0].Timestamp.Equal(exit))
	assert.True(t, recs[0].RValue.Equal(decimal.NewFromInt(3)), "got %s", recs[0].RValue)
}
