// Resets the trade archive database and verifies the mirror write path.
// The archive is a rebuildable copy of the JSON journal, so dropping it
// never loses a trade; rebuild afterwards with kitebot --replay-summaries.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/config"
	"github.com/web3guy0/kitebot/internal/database"
	"github.com/web3guy0/kitebot/internal/ledger"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("❌ Config error:", err)
		os.Exit(1)
	}

	fmt.Println("🔌 Connecting to archive database...")
	archive, err := database.New(cfg.DatabasePath)
	if err != nil {
		fmt.Printf("❌ Connection error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ Database connected, schema migrated!")

	stats, err := archive.GetStats()
	if err != nil {
		fmt.Printf("❌ Stats query error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\n📊 Current mirror contents:")
	fmt.Printf("  - closed trades: %d\n", stats.ClosedTrades)
	fmt.Printf("  - open trades:   %d\n", stats.OpenTrades)
	summaries, err := archive.MonthlySummaries(120)
	if err == nil {
		fmt.Printf("  - month rollups: %d\n", len(summaries))
	}

	fmt.Println("\n🧹 CLEARING MIRROR...")
	if err := archive.Reset(); err != nil {
		fmt.Printf("❌ Reset error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ Mirror cleared")

	fmt.Println("\n🧪 Testing mirror round trip...")
	month, trade := testTrade()
	archive.MonthCommitted([]ledger.Trade{trade}, month)

	rows, err := archive.RecentTrades(1)
	if err != nil {
		fmt.Printf("❌ Read-back error: %v\n", err)
		os.Exit(1)
	}
	if len(rows) != 1 || rows[0].TradeID != trade.TradeID {
		fmt.Println("❌ Test trade did not come back from the mirror")
		os.Exit(1)
	}
	fmt.Printf("✅ Round trip OK: %s | %s | qty %d | %s R\n",
		rows[0].TradeID, rows[0].Symbol, rows[0].Quantity, rows[0].RValue)

	fmt.Println("\n🧹 Cleaning test data...")
	if err := archive.Reset(); err != nil {
		fmt.Printf("⚠️ Cleanup error: %v\n", err)
	} else {
		fmt.Println("✅ Test data cleaned!")
	}

	fmt.Println("\n✅ ARCHIVE READY!")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("Rebuild it from the journal with:")
	fmt.Println("  kitebot --replay-summaries")
}

// testTrade builds one synthetic closed trade plus its month rollup for the
// round-trip check.
func testTrade() (ledger.MonthlySummary, ledger.Trade) {
	now := time.Now()
	exit := now.Add(2 * time.Hour)
	trade := ledger.Trade{
		TradeID:     fmt.Sprintf("TEST_%d", now.UnixNano()),
		Symbol:      "RELIANCE",
		Status:      ledger.StatusClosed,
		EntryTime:   now,
		EntryPrice:  decimal.NewFromInt(2900),
		StopLoss:    decimal.NewFromInt(2850),
		TargetPrice: decimal.NewFromInt(3050),
		Quantity:    10,
		ExitTime:    &exit,
		ExitPrice:   decimal.NewFromInt(3000),
		ExitReason:  "TARGET",
		PnLTotal:    decimal.NewFromInt(1000),
		RValue:      decimal.NewFromInt(2),
		NetPnL:      decimal.NewFromInt(980),
	}
	summary := ledger.MonthlySummary{
		Month:        now.Format("2006-01"),
		TradesClosed: 1,
		Wins:         1,
		TotalR:       2,
		NetPnL:       980,
	}
	return summary, trade
}
