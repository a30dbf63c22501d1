package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/bot"
	"github.com/web3guy0/kitebot/internal/broker"
	"github.com/web3guy0/kitebot/internal/config"
	"github.com/web3guy0/kitebot/internal/indicators"
	"github.com/web3guy0/kitebot/internal/store"
	"github.com/web3guy0/kitebot/internal/types"
	"github.com/web3guy0/kitebot/internal/universe"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VWAP RECLAIM SCANNER - Hourly watchlist builder
//
// One minute after each hourly close the scanner walks the universe looking
// for stocks whose last completed candle opened below the session VWAP and
// closed back above it on surging volume. Matches land on the watchlist
// with the candle's high as the breakout trigger and its low as the stop.
// ═══════════════════════════════════════════════════════════════════════════════

const (
	watchlistPath = "state/reclaim_watchlist.json"

	// Spacing between historical-data calls, per broker rate limits.
	fetchSpacing = 350 * time.Millisecond
)

type Scanner struct {
	cfg      *config.Config
	broker   broker.Broker
	store    *store.Store
	universe *universe.Universe
	filter   *Filter
	notifier bot.Notifier
	loc      *time.Location

	now   func() time.Time
	sleep func(time.Duration)
}

// NewScanner creates the watchlist scanner. A nil notifier silences it.
func NewScanner(cfg *config.Config, b broker.Broker, st *store.Store, u *universe.Universe, f *Filter, n bot.Notifier) *Scanner {
	if n == nil {
		n = bot.Nop{}
	}
	return &Scanner{
		cfg:      cfg,
		broker:   b,
		store:    st,
		universe: u,
		filter:   f,
		notifier: n,
		loc:      cfg.Location(),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Scan rebuilds the reclaim watchlist from the last completed hourly candle
// of every universe symbol. The previous watchlist is replaced wholesale;
// with the trend gate off that means an empty one, so stale levels can
// never trigger entries. One symbol failing skips that symbol only.
func (s *Scanner) Scan(ctx context.Context) (map[string]types.ReclaimLevel, error) {
	watchlist := map[string]types.ReclaimLevel{}

	if !s.filter.TradingEnabled(ctx) {
		log.Info().Msg("🚫 Trend gate off, skipping scan")
		if err := s.store.Write(watchlistPath, watchlist); err != nil {
			return nil, fmt.Errorf("persist watchlist: %w", err)
		}
		return watchlist, nil
	}

	now := s.now().In(s.loc)
	from := now.AddDate(0, 0, -historyDays)

	log.Info().
		Int("symbols", s.universe.Len()).
		Msg("🔍 Scanning for VWAP reclaims")

	for _, symbol := range s.universe.Symbols() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		token, ok := s.universe.Token(symbol)
		if !ok {
			continue
		}

		s.sleep(fetchSpacing)

		candles, err := s.broker.Historical(ctx, token, intervalHourly, from, now)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ Candle fetch failed, skipping symbol")
			continue
		}

		level, ok := s.evaluate(candles, now)
		if !ok {
			continue
		}
		watchlist[symbol] = level

		log.Info().
			Str("symbol", symbol).
			Str("reclaim_high", level.ReclaimHigh.StringFixed(2)).
			Str("reclaim_low", level.ReclaimLow.StringFixed(2)).
			Str("vwap", level.VWAP.StringFixed(2)).
			Msg("🎯 VWAP reclaim")
	}

	if err := s.store.Write(watchlistPath, watchlist); err != nil {
		return nil, fmt.Errorf("persist watchlist: %w", err)
	}

	log.Info().Int("count", len(watchlist)).Msg("📝 Watchlist saved")
	s.notifyScan(watchlist)

	return watchlist, nil
}

// evaluate runs the reclaim check on a symbol's last completed candle. The
// session VWAP runs from the first candle of the day through the evaluated
// candle; the volume baseline is the 50 candles before it, evaluated candle
// excluded.
func (s *Scanner) evaluate(candles []types.Candle, now time.Time) (types.ReclaimLevel, bool) {
	period := s.cfg.BaselinePeriod

	completed := indicators.Completed(candles, now, s.loc)
	if len(completed) < period+1 {
		return types.ReclaimLevel{}, false
	}

	sessionStart := indicators.SessionOpen(now, s.loc)
	firstToday := len(completed)
	for i, c := range completed {
		if !c.Timestamp.In(s.loc).Before(sessionStart) {
			firstToday = i
			break
		}
	}

	// A reclaim needs some session behind it: at least one full candle
	// before the one being evaluated.
	today := completed[firstToday:]
	if len(today) < 2 {
		return types.ReclaimLevel{}, false
	}

	evaluated := today[len(today)-1]

	vwap, ok := indicators.SessionVWAP(today)
	if !ok {
		return types.ReclaimLevel{}, false
	}

	evalIdx := len(completed) - 1
	volBaseline := indicators.VolumeSMA(completed[evalIdx-period : evalIdx])

	openBelow := evaluated.Open.LessThan(vwap)
	closedAbove := evaluated.Close.GreaterThan(vwap)
	volumeSurge := decimal.NewFromInt(evaluated.Volume).GreaterThan(s.cfg.VolumeSurgeMultiple.Mul(volBaseline))

	if !openBelow || !closedAbove || !volumeSurge {
		return types.ReclaimLevel{}, false
	}

	return types.ReclaimLevel{
		ReclaimHigh: evaluated.High,
		ReclaimLow:  evaluated.Low,
		Timestamp:   evaluated.Timestamp,
		VWAP:        vwap,
	}, true
}

func (s *Scanner) notifyScan(watchlist map[string]types.ReclaimLevel) {
	at := s.now().In(s.loc).Format("15:04")

	if len(watchlist) == 0 {
		s.notifier.NotifyStatus(fmt.Sprintf("🔍 *SCANNER COMPLETE*\n\n❌ No reclaims found\n⏰ %s", at))
		return
	}

	symbols := make([]string, 0, len(watchlist))
	for sym := range watchlist {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	shown := symbols
	if len(shown) > 5 {
		shown = shown[:5]
	}

	lines := []string{fmt.Sprintf("🎯 *RECLAIMS FOUND: %d*", len(watchlist)), ""}
	for _, sym := range shown {
		lines = append(lines, "  • "+sym)
	}
	if extra := len(symbols) - len(shown); extra > 0 {
		lines = append(lines, fmt.Sprintf("  ... and %d more", extra))
	}
	lines = append(lines, "⏰ "+at)

	s.notifier.NotifyStatus(strings.Join(lines, "\n"))
}
