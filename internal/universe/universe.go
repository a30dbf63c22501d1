package universe

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Universe is the tradable symbol set plus instrument token lookup, loaded
// from the NIFTY 50 symbol list and the cached NSE instrument dump.
type Universe struct {
	symbols []string
	tokens  map[string]int
}

type instrumentRow struct {
	TradingSymbol   string `json:"tradingsymbol"`
	InstrumentToken int    `json:"instrument_token"`
	Exchange        string `json:"exchange"`
}

// Load reads the symbol list (one tradingsymbol per line) and the instruments
// cache (JSON array of tradingsymbol/instrument_token rows). Symbols without
// a token are kept; callers skip them per lookup.
func Load(symbolsPath, instrumentsPath string) (*Universe, error) {
	symbols, err := loadSymbols(symbolsPath)
	if err != nil {
		return nil, fmt.Errorf("load symbol list: %w", err)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("symbol list %s is empty", symbolsPath)
	}

	tokens, err := loadTokens(instrumentsPath)
	if err != nil {
		return nil, fmt.Errorf("load instruments: %w", err)
	}

	missing := 0
	for _, s := range symbols {
		if _, ok := tokens[s]; !ok {
			missing++
			log.Warn().Str("symbol", s).Msg("⚠️ No instrument token for symbol")
		}
	}

	log.Info().
		Int("symbols", len(symbols)).
		Int("instruments", len(tokens)).
		Int("missing_tokens", missing).
		Msg("📋 Universe loaded")

	return &Universe{symbols: symbols, tokens: tokens}, nil
}

func loadSymbols(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var symbols []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		symbols = append(symbols, line)
	}
	return symbols, sc.Err()
}

func loadTokens(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rows []instrumentRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}

	tokens := make(map[string]int, len(rows))
	for _, r := range rows {
		if r.TradingSymbol == "" || r.InstrumentToken == 0 {
			continue
		}
		tokens[r.TradingSymbol] = r.InstrumentToken
	}
	return tokens, nil
}

// Symbols returns the universe in file order.
func (u *Universe) Symbols() []string {
	out := make([]string, len(u.symbols))
	copy(out, u.symbols)
	return out
}

// Token returns the instrument token for a tradingsymbol.
func (u *Universe) Token(symbol string) (int, bool) {
	t, ok := u.tokens[symbol]
	return t, ok
}

// Tokens returns symbol to token pairs for every universe symbol that has
// one, for websocket subscriptions.
func (u *Universe) Tokens() map[string]int {
	out := make(map[string]int, len(u.symbols))
	for _, s := range u.symbols {
		if t, ok := u.tokens[s]; ok {
			out[s] = t
		}
	}
	return out
}

// Len is the number of symbols in the universe.
func (u *Universe) Len() int {
	return len(u.symbols)
}
