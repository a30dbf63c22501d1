package positions

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/kitebot/internal/store"
	"github.com/web3guy0/kitebot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION CACHE - Open positions keyed by symbol
//
// The gateway adds entries on fill, the reconciliation monitor mutates and
// removes them. Every mutation is persisted through the store before it
// returns, so a crash never loses a tracked position.
// ═══════════════════════════════════════════════════════════════════════════════

const cachePath = "state/open_positions.json"

type Cache struct {
	store *store.Store

	mu        sync.RWMutex
	positions map[string]types.Position
}

// Load builds the cache from disk. A missing or corrupted file starts empty.
func Load(st *store.Store) *Cache {
	c := &Cache{
		store:     st,
		positions: make(map[string]types.Position),
	}

	if st.Read(cachePath, &c.positions) && len(c.positions) > 0 {
		log.Info().Int("positions", len(c.positions)).Msg("📥 Restored open positions")
	}

	// Older snapshots predate the state field
	for sym, pos := range c.positions {
		if pos.State == "" {
			pos.State = types.StateTracked
			c.positions[sym] = pos
		}
	}

	return c
}

// Has reports whether a symbol is already tracked.
func (c *Cache) Has(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.positions[symbol]
	return ok
}

// Get returns the tracked position for a symbol.
func (c *Cache) Get(symbol string) (types.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok := c.positions[symbol]
	return pos, ok
}

// Len returns the number of tracked positions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.positions)
}

// Symbols returns tracked symbols in stable order.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	symbols := make([]string, 0, len(c.positions))
	for sym := range c.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

// All returns a copy of every tracked position, keyed by symbol.
func (c *Cache) All() map[string]types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]types.Position, len(c.positions))
	for sym, pos := range c.positions {
		out[sym] = pos
	}
	return out
}

// Put adds or replaces a position and persists before returning.
func (c *Cache) Put(pos types.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pos.State == "" {
		pos.State = types.StateTracked
	}
	c.positions[pos.Symbol] = pos
	return c.persist()
}

// Remove drops a symbol and persists before returning. Removing an untracked
// symbol is a no-op.
func (c *Cache) Remove(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.positions[symbol]; !ok {
		return nil
	}
	delete(c.positions, symbol)
	return c.persist()
}

// persist writes the map under the held lock.
func (c *Cache) persist() error {
	if err := c.store.Write(cachePath, c.positions); err != nil {
		return fmt.Errorf("persist position cache: %w", err)
	}
	return nil
}
