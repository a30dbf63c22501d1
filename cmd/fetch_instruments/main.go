// Refreshes the NSE instrument token cache the bot resolves symbols from.
// Run it after the exchange adds or renames instruments, or whenever the
// universe check in the logs reports missing tokens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/kitebot/internal/broker"
	"github.com/web3guy0/kitebot/internal/config"
	"github.com/web3guy0/kitebot/internal/universe"
)

// cacheRow is the slim shape the universe loader reads.
type cacheRow struct {
	TradingSymbol   string `json:"tradingsymbol"`
	InstrumentToken int    `json:"instrument_token"`
	Exchange        string `json:"exchange"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}

	client := broker.NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Println("📡 Downloading NSE instrument dump...")
	instruments, err := client.Instruments(ctx)
	if err != nil {
		fmt.Println("Error fetching instruments:", err)
		os.Exit(1)
	}

	rows := make([]cacheRow, 0, len(instruments))
	for _, inst := range instruments {
		rows = append(rows, cacheRow{
			TradingSymbol:   inst.Symbol,
			InstrumentToken: inst.Token,
			Exchange:        inst.Exchange,
		})
	}

	if err := writeCache(cfg.InstrumentsPath, rows); err != nil {
		fmt.Println("Error writing cache:", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Wrote %s (%d instruments)\n", cfg.InstrumentsPath, len(rows))

	// Confirm every universe symbol now resolves to a token.
	uni, err := universe.Load(cfg.UniversePath, cfg.InstrumentsPath)
	if err != nil {
		fmt.Println("⚠️ Universe check skipped:", err)
		return
	}
	fmt.Printf("🔎 Universe check: %d symbols, %d with tokens\n", uni.Len(), len(uni.Tokens()))
}

func writeCache(path string, rows []cacheRow) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
