// Package scanner generates entry candidates: an index trend gate, an
// hourly VWAP reclaim scan over the universe, and a breakout check that
// turns watchlist levels into entry signals for the gateway.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/bot"
	"github.com/web3guy0/kitebot/internal/broker"
	"github.com/web3guy0/kitebot/internal/config"
	"github.com/web3guy0/kitebot/internal/indicators"
	"github.com/web3guy0/kitebot/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INDEX TREND FILTER - Hourly SMA50 regime gate
//
// The last completed hourly candle of the index must close above the SMA of
// the 50 candles before it, or nothing gets scanned and nothing gets bought.
// The verdict is cached for an hour and refreshed alongside each scan, so
// the time-critical entry path never pays for an extra candle fetch.
// ═══════════════════════════════════════════════════════════════════════════════

const (
	filterCachePath = "state/nifty_sma50_cache.json"
	filterCacheTTL  = time.Hour

	intervalHourly = "60minute"
	historyDays    = 20
)

// filterCache is the persisted gate state.
type filterCache struct {
	LastClose decimal.Decimal `json:"last_close"`
	SMA50     decimal.Decimal `json:"sma50"`
	Timestamp time.Time       `json:"timestamp"`
}

func (c filterCache) enabled() bool {
	return c.LastClose.GreaterThan(c.SMA50)
}

// Filter is the index trend gate.
type Filter struct {
	cfg      *config.Config
	broker   broker.Broker
	store    *store.Store
	notifier bot.Notifier
	loc      *time.Location

	now func() time.Time
}

// NewFilter creates the trend gate. A nil notifier silences it.
func NewFilter(cfg *config.Config, b broker.Broker, st *store.Store, n bot.Notifier) *Filter {
	if n == nil {
		n = bot.Nop{}
	}
	return &Filter{
		cfg:      cfg,
		broker:   b,
		store:    st,
		notifier: n,
		loc:      cfg.Location(),
		now:      time.Now,
	}
}

// TradingEnabled reports whether the trend gate is open. A cached verdict
// younger than an hour is used as-is; otherwise the gate recomputes from
// fresh candles. Any failure to compute blocks trading.
func (f *Filter) TradingEnabled(ctx context.Context) bool {
	cache, ok := f.cached()
	if !ok {
		var err error
		cache, err = f.compute(ctx)
		if err != nil {
			log.Error().Err(err).Msg("❌ Index filter unavailable, blocking entries")
			return false
		}
		f.persist(cache)
	}

	log.Info().
		Str("status", gateStatus(cache)).
		Str("close", cache.LastClose.StringFixed(2)).
		Str("sma50", cache.SMA50.StringFixed(2)).
		Msg("📶 Index trend gate")

	return cache.enabled()
}

// Refresh recomputes the gate from fresh candles, persists it, and reports
// the state over the notifier. Runs hourly right before each scan so that
// every later gate check in the hour hits warm cache.
func (f *Filter) Refresh(ctx context.Context) error {
	cache, err := f.compute(ctx)
	if err != nil {
		log.Error().Err(err).Msg("❌ Index filter refresh failed")
		return err
	}
	if err := f.persist(cache); err != nil {
		return err
	}

	log.Info().
		Str("status", gateStatus(cache)).
		Str("close", cache.LastClose.StringFixed(2)).
		Str("sma50", cache.SMA50.StringFixed(2)).
		Msg("📶 Index trend gate refreshed")

	emoji := "🔴"
	if cache.enabled() {
		emoji = "🟢"
	}
	f.notifier.NotifyStatus(fmt.Sprintf(
		"%s *NIFTY FILTER: %s*\n\n📊 Close: ₹%s\n📈 SMA50: ₹%s\n⏰ %s",
		emoji, gateStatus(cache),
		cache.LastClose.StringFixed(2),
		cache.SMA50.StringFixed(2),
		f.now().In(f.loc).Format("15:04"),
	))

	return nil
}

// Snapshot returns the cached gate inputs without recomputing them.
func (f *Filter) Snapshot() (lastClose, sma decimal.Decimal, ok bool) {
	cache, ok := f.cached()
	if !ok {
		return decimal.Zero, decimal.Zero, false
	}
	return cache.LastClose, cache.SMA50, true
}

func (f *Filter) cached() (filterCache, bool) {
	var cache filterCache
	if !f.store.Read(filterCachePath, &cache) {
		return filterCache{}, false
	}
	if f.now().Sub(cache.Timestamp) >= filterCacheTTL {
		return filterCache{}, false
	}
	return cache, true
}

func (f *Filter) persist(cache filterCache) error {
	if err := f.store.Write(filterCachePath, cache); err != nil {
		log.Error().Err(err).Msg("❌ Failed to persist index filter cache")
		return err
	}
	return nil
}

// compute fetches index candles and evaluates the gate. The evaluated
// candle is the last completed one; the SMA baseline is the 50 candles
// immediately before it, evaluated candle excluded.
func (f *Filter) compute(ctx context.Context) (filterCache, error) {
	now := f.now().In(f.loc)
	from := now.AddDate(0, 0, -historyDays)

	candles, err := f.broker.Historical(ctx, f.cfg.IndexToken, intervalHourly, from, now)
	if err != nil {
		return filterCache{}, fmt.Errorf("fetch index candles: %w", err)
	}

	completed := indicators.Completed(candles, now, f.loc)
	period := f.cfg.BaselinePeriod
	if len(completed) < period+1 {
		return filterCache{}, fmt.Errorf("need %d completed index candles, have %d", period+1, len(completed))
	}

	evaluated := completed[len(completed)-1]
	sma := indicators.CloseSMA(completed[:len(completed)-1], period)

	return filterCache{
		LastClose: evaluated.Close,
		SMA50:     sma,
		Timestamp: now,
	}, nil
}

func gateStatus(cache filterCache) string {
	if cache.enabled() {
		return "ON"
	}
	return "OFF"
}
