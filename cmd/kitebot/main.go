// Kitebot - VWAP Reclaim Swing Trading Bot for NSE
//
// Trades NIFTY 50 stocks through a Kite-style broker API:
// 1. Hourly scan flags stocks reclaiming session VWAP on a volume surge
// 2. An index trend gate (NIFTY close vs hourly SMA50) must be on
// 3. Entries fire on a breakout over the reclaim candle's high
// 4. Stop at the reclaim low, target at a fixed R multiple, 1% risk sizing
// 5. A monthly drawdown cap halts new entries, open positions stay protected
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/kitebot/internal/bot"
	"github.com/web3guy0/kitebot/internal/broker"
	"github.com/web3guy0/kitebot/internal/config"
	"github.com/web3guy0/kitebot/internal/database"
	"github.com/web3guy0/kitebot/internal/engine"
	"github.com/web3guy0/kitebot/internal/gateway"
	"github.com/web3guy0/kitebot/internal/ledger"
	"github.com/web3guy0/kitebot/internal/monitor"
	"github.com/web3guy0/kitebot/internal/positions"
	"github.com/web3guy0/kitebot/internal/risk"
	"github.com/web3guy0/kitebot/internal/scanner"
	"github.com/web3guy0/kitebot/internal/store"
	"github.com/web3guy0/kitebot/internal/universe"
)

const version = "1.2.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.Timezone).Msg("Invalid timezone")
	}

	log.Info().
		Str("version", version).
		Bool("dry_run", cfg.DryRun).
		Str("timezone", cfg.Timezone).
		Msg("🪁 Kitebot starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable state: journal first, then the queryable mirror on top
	st := store.New(cfg.DataDir)
	lg := ledger.New(st, loc)

	archive, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Trade archive unavailable, continuing without it")
		archive = nil
	} else {
		lg.SetMirror(archive)
	}

	if len(os.Args) > 1 && os.Args[1] == "--replay-summaries" {
		replaySummaries(lg, archive)
		return
	}

	rm := risk.NewManager(lg, cfg.DrawdownCapR)
	cache := positions.Load(st)

	uni, err := universe.Load(cfg.UniversePath, cfg.InstrumentsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load trading universe")
	}

	// ====== BROKER ======

	client := broker.NewClient(cfg)
	if _, err := client.Margins(ctx); err != nil {
		log.Fatal().Err(err).Msg("Broker session check failed, regenerate the access token")
	}
	log.Info().Msg("🔑 Broker session verified")

	// Notifications flow through a relay so the Telegram bot can be bound
	// after the engine it reports on exists.
	relay := bot.NewRelay()

	// ====== TRADING PIPELINE ======

	filter := scanner.NewFilter(cfg, client, st, relay)
	scan := scanner.NewScanner(cfg, client, st, uni, filter, relay)
	checker := scanner.NewChecker(cfg, client, st, filter, relay)
	gw := gateway.New(cfg, client, lg, rm, cache, relay)
	mon := monitor.New(cfg, client, gw, lg, rm, cache, relay)

	ticker := broker.NewTicker(cfg)
	ticker.Start()
	tokens := uni.Tokens()
	subs := make([]int, 0, len(tokens))
	for _, token := range tokens {
		subs = append(subs, token)
	}
	ticker.Subscribe(subs)
	mon.SetTicker(ticker, tokens)
	log.Info().Int("instruments", len(subs)).Msg("📡 Market data ticker started")

	eng := engine.New(cfg, client, filter, scan, checker, gw, mon, lg, rm, cache, relay)
	if archive != nil {
		eng.SetArchive(archive)
	}

	// ====== TELEGRAM BOT ======

	telegramBot, err := bot.New(cfg, eng)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Telegram disabled, running headless")
		telegramBot = nil
	} else {
		relay.Bind(telegramBot)
		telegramBot.SetControlCallbacks(eng.Pause, eng.Resume)
		telegramBot.Start()
	}

	eng.Start()

	// ====== STARTUP COMPLETE ======
	log.Info().Msg("✅ All systems online")
	if cfg.DryRun {
		log.Info().Msg("🧪 DRY RUN mode - orders are simulated")
	}
	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════╗")
	log.Info().Msg("║      VWAP RECLAIM SWING BOT ACTIVE       ║")
	log.Info().Msg("║                                          ║")
	log.Info().Msg("║  Scan: hourly VWAP reclaims, NIFTY 50    ║")
	log.Info().Msg("║  Gate: index close > hourly SMA50        ║")
	log.Info().Msg("║  Entry: breakout over reclaim high       ║")
	log.Info().Msgf("║  Risk: %s of equity, %sR monthly cap   ║", cfg.RiskFraction.String(), cfg.DrawdownCapR.String())
	log.Info().Msgf("║  Exit: stop at reclaim low, %sR target   ║", cfg.TPMultiplier.String())
	log.Info().Msg("╚══════════════════════════════════════════╝")
	log.Info().Msg("")
	log.Info().Msg("💡 Use /help for commands")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down...")

	if telegramBot != nil {
		telegramBot.Stop()
	}
	eng.Stop()
	ticker.Stop()

	log.Info().Msg("👋 Goodbye!")
}

// replaySummaries rebuilds every monthly summary and the SQL mirror from the
// journal, for recovery after a lost database file or a summary bug fix.
func replaySummaries(lg *ledger.Ledger, archive *database.Archive) {
	if archive != nil {
		if err := archive.Reset(); err != nil {
			log.Fatal().Err(err).Msg("Failed to clear archive")
		}
	}
	if err := lg.RegenerateAll(); err != nil {
		log.Fatal().Err(err).Msg("Replay failed")
	}
	log.Info().Msg("✅ Summaries and archive rebuilt from the journal")
}
