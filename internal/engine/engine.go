// Package engine drives the trading day. A single loop wakes twice a
// second, fires the hourly scan and entry windows at their scheduled
// wall-clock times, runs the position monitor on its interval, and serves
// the numbers behind the Telegram commands.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/kitebot/internal/bot"
	"github.com/web3guy0/kitebot/internal/broker"
	"github.com/web3guy0/kitebot/internal/config"
	"github.com/web3guy0/kitebot/internal/database"
	"github.com/web3guy0/kitebot/internal/gateway"
	"github.com/web3guy0/kitebot/internal/ledger"
	"github.com/web3guy0/kitebot/internal/monitor"
	"github.com/web3guy0/kitebot/internal/positions"
	"github.com/web3guy0/kitebot/internal/risk"
	"github.com/web3guy0/kitebot/internal/scanner"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION ENGINE - Schedules the trading day
//
// Scans fire one minute after each hourly candle closes, so the candle is
// final when it is evaluated. Entry checks fire two seconds before the next
// close, so the quote used for the breakout test is effectively that
// candle's close. Pausing blocks scans and entries only; the monitor keeps
// protecting open positions.
// ═══════════════════════════════════════════════════════════════════════════════

// sessionTime is a wall-clock time of day in the exchange timezone.
type sessionTime struct {
	hour, min, sec int
}

// at anchors the time of day to the given date.
func (s sessionTime) at(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), s.hour, s.min, s.sec, 0, loc)
}

var (
	marketOpen  = sessionTime{9, 15, 0}
	marketClose = sessionTime{15, 30, 0}

	scanTimes = []sessionTime{
		{10, 16, 0},
		{11, 16, 0},
		{12, 16, 0},
		{13, 16, 0},
		{14, 16, 0},
		{15, 16, 0},
	}

	// The last window sits just before the session ends rather than before
	// an hourly close, a final chance for breakouts that held into the bell.
	entryTimes = []sessionTime{
		{11, 14, 58},
		{12, 14, 58},
		{13, 14, 58},
		{14, 14, 58},
		{15, 14, 58},
		{15, 29, 58},
	}
)

const loopTick = 500 * time.Millisecond

// Engine owns the daily schedule and the glue between the scanner pipeline,
// the order gateway and the monitor.
type Engine struct {
	cfg      *config.Config
	broker   broker.Broker
	filter   *scanner.Filter
	scanner  *scanner.Scanner
	checker  *scanner.Checker
	gateway  *gateway.Gateway
	monitor  *monitor.Monitor
	ledger   *ledger.Ledger
	risk     *risk.Manager
	cache    *positions.Cache
	notifier bot.Notifier
	archive  *database.Archive
	loc      *time.Location

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}

	mu      sync.Mutex
	running bool
	paused  bool

	// Schedule state, touched only by the run loop.
	day          string
	scansDone    map[int]bool
	entriesDone  map[int]bool
	closeWitness bool
	scansRun     int
	checksRun    int
	tradesOpened int
	lastTick     time.Time
	lastStatus   time.Time

	now func() time.Time
}

func New(cfg *config.Config, b broker.Broker, f *scanner.Filter, sc *scanner.Scanner, ch *scanner.Checker, gw *gateway.Gateway, mon *monitor.Monitor, lg *ledger.Ledger, rm *risk.Manager, cache *positions.Cache, n bot.Notifier) *Engine {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.Timezone).Msg("Invalid timezone")
	}
	if n == nil {
		n = bot.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		broker:   b,
		filter:   f,
		scanner:  sc,
		checker:  ch,
		gateway:  gw,
		monitor:  mon,
		ledger:   lg,
		risk:     rm,
		cache:    cache,
		notifier: n,
		loc:      loc,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// SetArchive attaches the SQL mirror backing the stats commands. Without it
// the engine answers from the journal's current month.
func (e *Engine) SetArchive(a *database.Archive) {
	e.archive = a
}

// Start launches the session loop.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.run()
	log.Info().Msg("⚙️ Session engine started")
}

// Stop cancels in-flight work and halts the loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	close(e.stopCh)
	log.Info().Msg("⚙️ Session engine stopped")
}

// Pause blocks new scans and entries. Open positions stay monitored.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	log.Info().Msg("⏸️ New entries paused")
}

// Resume re-enables scans and entries.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	log.Info().Msg("▶️ Trading resumed")
}

func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) run() {
	// The trend gate is warmed before the first window so a restart
	// mid-session does not scan against a cold cache.
	if err := e.filter.Refresh(e.ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Initial index filter refresh failed")
	}

	ticker := time.NewTicker(loopTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.step()
		case <-e.stopCh:
			return
		}
	}
}

// step is one pass of the session loop. It is also the unit the tests
// drive directly, with a controlled clock.
func (e *Engine) step() {
	now := e.now().In(e.loc)
	e.rollDay(now)

	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return
	}

	if !e.closeWitness && !now.Before(marketClose.at(now, e.loc)) {
		e.closeWitness = true
		e.marketCloseSummary(now)
	}

	if e.inSession(now) {
		e.fireDue(now)

		if now.Sub(e.lastTick) >= e.cfg.MonitorInterval {
			e.lastTick = now
			if err := e.monitor.Tick(e.ctx); err != nil {
				log.Error().Err(err).Msg("❌ Monitor tick failed")
			}
		}
	}

	if e.cfg.StatusInterval > 0 && now.Sub(e.lastStatus) >= e.cfg.StatusInterval {
		e.lastStatus = now
		e.logStatus(now)
	}
}

// rollDay resets schedule state when the date changes. Times already in the
// past are marked done, so a mid-session restart does not replay the
// morning's windows.
func (e *Engine) rollDay(now time.Time) {
	day := now.Format("2006-01-02")
	if day == e.day {
		return
	}
	e.day = day
	e.scansDone = markPast(scanTimes, now, e.loc)
	e.entriesDone = markPast(entryTimes, now, e.loc)
	e.closeWitness = !now.Before(marketClose.at(now, e.loc))
	e.scansRun = 0
	e.checksRun = 0
	e.tradesOpened = 0

	if skipped := len(e.scansDone) + len(e.entriesDone); skipped > 0 {
		log.Info().Int("windows", skipped).Msg("⏭️ Past schedule windows skipped")
	}
}

func markPast(times []sessionTime, now time.Time, loc *time.Location) map[int]bool {
	done := make(map[int]bool)
	for i, st := range times {
		if now.After(st.at(now, loc)) {
			done[i] = true
		}
	}
	return done
}

func (e *Engine) inSession(now time.Time) bool {
	return !now.Before(marketOpen.at(now, e.loc)) && now.Before(marketClose.at(now, e.loc))
}

// fireDue runs every scheduled window whose time has arrived. Windows are
// marked done even while paused, so resuming later in the hour does not
// replay them against stale quotes.
func (e *Engine) fireDue(now time.Time) {
	for i, st := range scanTimes {
		if e.scansDone[i] || now.Before(st.at(now, e.loc)) {
			continue
		}
		e.scansDone[i] = true
		if e.Paused() {
			log.Info().Str("window", st.at(now, e.loc).Format("15:04:05")).Msg("⏸️ Paused, skipping scan window")
			continue
		}
		e.runScan(now)
	}

	for i, st := range entryTimes {
		if e.entriesDone[i] || now.Before(st.at(now, e.loc)) {
			continue
		}
		e.entriesDone[i] = true
		if e.Paused() {
			log.Info().Str("window", st.at(now, e.loc).Format("15:04:05")).Msg("⏸️ Paused, skipping entry window")
			continue
		}
		e.runEntryCheck(now)
	}
}

func (e *Engine) runScan(now time.Time) {
	log.Info().Str("at", now.Format("15:04:05")).Msg("🔄 Scan window open")
	e.scansRun++

	// Refresh failures fall through to the gate's own fail-closed check.
	_ = e.filter.Refresh(e.ctx)

	if _, err := e.scanner.Scan(e.ctx); err != nil {
		log.Error().Err(err).Msg("❌ Scan failed")
	}
}

func (e *Engine) runEntryCheck(now time.Time) {
	log.Info().Str("at", now.Format("15:04:05")).Msg("🎬 Entry window open")
	e.checksRun++

	signals, err := e.checker.Check(e.ctx)
	if err != nil {
		log.Error().Err(err).Msg("❌ Entry check failed")
		return
	}
	if len(signals) == 0 {
		return
	}

	before := e.cache.Len()
	if err := e.gateway.ProcessSignals(e.ctx, signals, now); err != nil {
		log.Error().Err(err).Msg("❌ Signal processing aborted")
		return
	}
	e.tradesOpened += e.cache.Len() - before

	// Processed signals are cleared so a restart cannot replay them.
	if err := e.checker.ClearSignals(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Failed to clear processed signals")
	}
}

func (e *Engine) marketCloseSummary(now time.Time) {
	log.Info().
		Int("scans", e.scansRun).
		Int("entry_checks", e.checksRun).
		Int("trades", e.tradesOpened).
		Msg("🏁 Market closed")

	e.notifier.NotifyStatus(fmt.Sprintf(
		"🏁 *MARKET CLOSE*\n\n📅 %s\n🔍 Scans: %d\n📊 Entry checks: %d\n💰 Trades: %d\n⏰ %s",
		now.Format("2006-01-02"), e.scansRun, e.checksRun, e.tradesOpened, now.Format("15:04")))
}

func (e *Engine) logStatus(now time.Time) {
	log.Info().
		Int("open_positions", e.cache.Len()).
		Bool("paused", e.Paused()).
		Str("next_window", e.nextWindow(now)).
		Msg("💓 Session status")
}

// nextWindow names the next scheduled event today, for the status line.
func (e *Engine) nextWindow(now time.Time) string {
	var next time.Time
	pick := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for i, st := range scanTimes {
		if !e.scansDone[i] {
			pick(st.at(now, e.loc))
		}
	}
	for i, st := range entryTimes {
		if !e.entriesDone[i] {
			pick(st.at(now, e.loc))
		}
	}
	if next.IsZero() {
		return "tomorrow"
	}
	return next.Format("15:04:05")
}
