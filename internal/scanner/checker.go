package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/kitebot/internal/bot"
	"github.com/web3guy0/kitebot/internal/broker"
	"github.com/web3guy0/kitebot/internal/config"
	"github.com/web3guy0/kitebot/internal/store"
	"github.com/web3guy0/kitebot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BREAKOUT CHECKER - Watchlist levels to entry signals
//
// Runs seconds before each hourly close. A watchlist stock trading above its
// reclaim high becomes an entry signal for the gateway; the reclaim low
// rides along as the initial stop. One quote call covers the whole list.
// ═══════════════════════════════════════════════════════════════════════════════

const signalsPath = "state/entry_signals.json"

type Checker struct {
	cfg      *config.Config
	broker   broker.Broker
	store    *store.Store
	filter   *Filter
	notifier bot.Notifier
	loc      *time.Location

	now func() time.Time
}

// NewChecker creates the breakout checker. A nil notifier silences it.
func NewChecker(cfg *config.Config, b broker.Broker, st *store.Store, f *Filter, n bot.Notifier) *Checker {
	if n == nil {
		n = bot.Nop{}
	}
	return &Checker{
		cfg:      cfg,
		broker:   b,
		store:    st,
		filter:   f,
		notifier: n,
		loc:      cfg.Location(),
		now:      time.Now,
	}
}

// Check compares live prices against watchlist reclaim highs and persists
// the resulting entry signals. The trend gate is consulted first; a closed
// gate means no signals regardless of price action. The signals file is
// rewritten every run, so a pass with no breakouts clears stale signals.
func (c *Checker) Check(ctx context.Context) ([]types.Signal, error) {
	signals := map[string]types.Signal{}

	if !c.filter.TradingEnabled(ctx) {
		log.Info().Msg("🚫 Trend gate off, no entries this hour")
		return nil, c.store.Write(signalsPath, signals)
	}

	var watchlist map[string]types.ReclaimLevel
	c.store.Read(watchlistPath, &watchlist)
	if len(watchlist) == 0 {
		log.Info().Msg("📭 Watchlist empty, nothing to check")
		return nil, c.store.Write(signalsPath, signals)
	}

	symbols := make([]string, 0, len(watchlist))
	for sym := range watchlist {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	ltps, err := c.broker.LTP(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("fetch watchlist quotes: %w", err)
	}

	indexClose, indexSMA, _ := c.filter.Snapshot()
	now := c.now().In(c.loc)
	out := make([]types.Signal, 0, len(symbols))

	for _, sym := range symbols {
		level := watchlist[sym]

		ltp, ok := ltps[sym]
		if !ok || !ltp.IsPositive() {
			log.Warn().Str("symbol", sym).Msg("⚠️ No quote for watchlist symbol")
			continue
		}

		if ltp.LessThanOrEqual(level.ReclaimHigh) {
			log.Debug().
				Str("symbol", sym).
				Str("ltp", ltp.StringFixed(2)).
				Str("reclaim_high", level.ReclaimHigh.StringFixed(2)).
				Msg("Below reclaim high, no entry")
			continue
		}

		sig := types.Signal{
			Symbol:      sym,
			EntryPrice:  ltp,
			ReclaimHigh: level.ReclaimHigh,
			ReclaimLow:  level.ReclaimLow,
			Timestamp:   now,
			IndexClose:  indexClose,
			IndexSMA:    indexSMA,
		}
		signals[sym] = sig
		out = append(out, sig)

		log.Info().
			Str("symbol", sym).
			Str("ltp", ltp.StringFixed(2)).
			Str("reclaim_high", level.ReclaimHigh.StringFixed(2)).
			Msg("🚀 Breakout confirmed, entry signal")
	}

	if err := c.store.Write(signalsPath, signals); err != nil {
		return nil, fmt.Errorf("persist entry signals: %w", err)
	}

	log.Info().Int("count", len(out)).Msg("📝 Entry signals saved")
	c.notifySignals(out)

	return out, nil
}

// ClearSignals empties the signals file once the gateway has consumed it,
// so a restart cannot replay entries that were already placed.
func (c *Checker) ClearSignals() error {
	return c.store.Write(signalsPath, map[string]types.Signal{})
}

func (c *Checker) notifySignals(signals []types.Signal) {
	if len(signals) == 0 {
		return
	}

	shown := signals
	if len(shown) > 5 {
		shown = shown[:5]
	}

	lines := []string{fmt.Sprintf("🚀 *ENTRY SIGNALS: %d*", len(signals)), ""}
	for _, sig := range shown {
		lines = append(lines, fmt.Sprintf("  • %s: ₹%s", sig.Symbol, sig.EntryPrice.StringFixed(2)))
	}
	if extra := len(signals) - len(shown); extra > 0 {
		lines = append(lines, fmt.Sprintf("  ... and %d more", extra))
	}
	lines = append(lines, "⏰ "+c.now().In(c.loc).Format("15:04:05"))

	c.notifier.NotifyStatus(strings.Join(lines, "\n"))
}
