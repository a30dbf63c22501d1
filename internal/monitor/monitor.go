package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/bot"
	"github.com/web3guy0/kitebot/internal/broker"
	"github.com/web3guy0/kitebot/internal/config"
	"github.com/web3guy0/kitebot/internal/gateway"
	"github.com/web3guy0/kitebot/internal/ledger"
	"github.com/web3guy0/kitebot/internal/positions"
	"github.com/web3guy0/kitebot/internal/risk"
	"github.com/web3guy0/kitebot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION RECONCILIATION MONITOR - Cache vs broker ground truth
//
// Every tick:
//   📥 One holdings call + one batch price lookup for the cached symbols
//   🔍 Broker-reported quantity wins every disagreement
//   🛑 Stop checked before target, so a gap through both exits at the stop
//   💾 Every state transition hits disk before the tick returns
//
// The cache is a hint. The broker is the truth.
// ═══════════════════════════════════════════════════════════════════════════════

// Extra heartbeat on top of the verification waits before an exit is
// considered too expensive for the remaining tick budget.
const exitSlack = 2 * time.Second

// ExitGateway is the slice of the execution gateway the monitor needs.
type ExitGateway interface {
	PlaceExit(ctx context.Context, symbol string, qty int64, reason string) (gateway.ExitResult, error)
}

// Monitor walks the open-position cache against live broker state and runs
// the exit state machine for each symbol.
type Monitor struct {
	cfg      *config.Config
	broker   broker.Broker
	gateway  ExitGateway
	ledger   *ledger.Ledger
	risk     *risk.Manager
	cache    *positions.Cache
	notifier bot.Notifier
	loc      *time.Location

	ticker *broker.Ticker
	tokens map[string]int

	now func() time.Time
}

// New creates the reconciliation monitor.
func New(cfg *config.Config, b broker.Broker, gw ExitGateway, lg *ledger.Ledger, rm *risk.Manager, cache *positions.Cache, n bot.Notifier) *Monitor {
	if n == nil {
		n = bot.Nop{}
	}
	return &Monitor{
		cfg:      cfg,
		broker:   b,
		gateway:  gw,
		ledger:   lg,
		risk:     rm,
		cache:    cache,
		notifier: n,
		loc:      cfg.Location(),
		now:      time.Now,
	}
}

// SetTicker wires the websocket price feed as the preferred quote source.
// tokens maps tradingsymbol to instrument token.
func (m *Monitor) SetTicker(t *broker.Ticker, tokens map[string]int) {
	m.ticker = t
	m.tokens = tokens
}

// Tick runs one reconciliation pass. An empty cache costs nothing: no broker
// calls are made. Batch-level fetch failures abort the pass (nothing sane can
// be decided without them); per-symbol trouble never stops the other symbols.
func (m *Monitor) Tick(ctx context.Context) error {
	if m.cache.Len() == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.TickBudget)
	defer cancel()

	symbols := m.cache.Symbols()

	holdings, err := m.broker.Holdings(ctx)
	if err != nil {
		return fmt.Errorf("fetch holdings: %w", err)
	}
	dayPos, err := m.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}

	// Today's delivery buys are not in holdings until settlement; the net
	// day position carries them (and goes negative on a same-day sell), so
	// the sum is the authoritative held quantity on any day.
	held := make(map[string]int64, len(holdings))
	for _, h := range holdings {
		held[h.Symbol] = h.TotalQuantity()
	}
	for _, p := range dayPos {
		held[p.Symbol] += p.Quantity
	}

	prices, err := m.livePrices(ctx, symbols)
	if err != nil {
		return fmt.Errorf("fetch quotes: %w", err)
	}

	for _, symbol := range symbols {
		pos, ok := m.cache.Get(symbol)
		if !ok {
			continue
		}
		if err := m.reconcile(ctx, pos, held, prices); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("❌ Monitor error for symbol, continuing")
		}
	}

	return nil
}

// livePrices resolves quotes for the cached symbols, websocket ticks first
// and one batch REST call for whatever the ticker cannot answer.
func (m *Monitor) livePrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(symbols))

	var missing []string
	for _, symbol := range symbols {
		if m.ticker != nil && m.ticker.Connected() {
			if token, ok := m.tokens[symbol]; ok {
				if ltp, fresh := m.ticker.LTP(token); fresh {
					prices[symbol] = ltp
					continue
				}
			}
		}
		missing = append(missing, symbol)
	}

	if len(missing) == 0 {
		return prices, nil
	}

	rest, err := m.broker.LTP(ctx, missing)
	if err != nil {
		return nil, err
	}
	for symbol, ltp := range rest {
		prices[symbol] = ltp
	}

	return prices, nil
}

func (m *Monitor) reconcile(ctx context.Context, pos types.Position, held map[string]int64, prices map[string]decimal.Decimal) error {
	brokerQty := held[pos.Symbol]

	if brokerQty <= 0 {
		// Sold outside the bot or already processed. Not re-priced here.
		log.Warn().
			Str("symbol", pos.Symbol).
			Str("trade_id", pos.TradeID).
			Msg("⚠️ Position no longer held at broker, dropping from cache")
		m.notifier.NotifyAlert(fmt.Sprintf("%s is no longer held at the broker and was dropped from tracking. Ledger trade %s may need a manual close.", pos.Symbol, pos.TradeID))
		return m.cache.Remove(pos.Symbol)
	}

	if brokerQty != pos.Quantity {
		log.Warn().
			Str("symbol", pos.Symbol).
			Int64("cached", pos.Quantity).
			Int64("broker", brokerQty).
			Msg("⚠️ Quantity drift, correcting cache from broker")
		pos.Quantity = brokerQty
		if err := m.cache.Put(pos); err != nil {
			return err
		}
	}

	switch pos.State {
	case types.StateUnreconciled:
		// A human owns this one now.
		return nil
	case types.StateExitSubmitted:
		// An exit was submitted but its outcome was never recorded
		// (crash mid-exit). Another sell could double-sell.
		pos.State = types.StateUnreconciled
		if err := m.cache.Put(pos); err != nil {
			return err
		}
		log.Error().
			Str("symbol", pos.Symbol).
			Str("trade_id", pos.TradeID).
			Msg("🚨 Found submitted exit with unknown outcome, flagging for manual reconciliation")
		m.notifier.NotifyAlert(fmt.Sprintf("%s has an exit order with an unknown outcome. Check the broker before touching it.", pos.Symbol))
		return nil
	}

	price, ok := prices[pos.Symbol]
	if !ok || !price.IsPositive() {
		log.Warn().Str("symbol", pos.Symbol).Msg("⚠️ No live price this tick, skipping")
		return nil
	}

	if pos.State == types.StateTracked {
		// Stop first: a gap through both levels exits at the risk boundary.
		switch {
		case price.LessThanOrEqual(pos.StopLoss):
			pos.State = types.StateStopTriggered
			log.Info().
				Str("symbol", pos.Symbol).
				Str("price", price.StringFixed(2)).
				Str("stop", pos.StopLoss.StringFixed(2)).
				Msg("🛑 Stop breached")
		case price.GreaterThanOrEqual(pos.TargetPrice):
			pos.State = types.StateTargetTriggered
			log.Info().
				Str("symbol", pos.Symbol).
				Str("price", price.StringFixed(2)).
				Str("target", pos.TargetPrice.StringFixed(2)).
				Msg("🎯 Target reached")
		default:
			return nil
		}
		if err := m.cache.Put(pos); err != nil {
			return err
		}
	}

	reason := "STOP"
	if pos.State == types.StateTargetTriggered {
		reason = "TARGET"
	}

	if deadline, ok := ctx.Deadline(); ok {
		needed := m.cfg.VerifyWait + m.cfg.VerifyRecheckWait + exitSlack
		if time.Until(deadline) < needed {
			// Trigger state is already persisted. Next tick picks it up.
			log.Debug().Str("symbol", pos.Symbol).Msg("Tick budget exhausted, deferring exit to next tick")
			return nil
		}
	}

	return m.executeExit(ctx, pos, reason)
}

// executeExit runs the submitted exit to a terminal state: CLOSED through the
// ledger, or UNRECONCILED with an operator alert.
func (m *Monitor) executeExit(ctx context.Context, pos types.Position, reason string) error {
	pos.State = types.StateExitSubmitted
	if err := m.cache.Put(pos); err != nil {
		return err
	}

	res, err := m.gateway.PlaceExit(ctx, pos.Symbol, pos.Quantity, reason)
	if err != nil {
		m.flagUnreconciled(pos, fmt.Sprintf("Exit for %s failed: %v. Position needs manual reconciliation.", pos.Symbol, err))
		return nil
	}

	if !res.Price.IsPositive() {
		m.flagUnreconciled(pos, fmt.Sprintf("Exit for %s has no usable price (order %s). Position needs manual reconciliation.", pos.Symbol, res.OrderID))
		return nil
	}

	exitTime := m.now().In(m.loc)
	bars := ledger.CountBarsHeld(pos.EntryTime, exitTime, m.loc)

	r, err := m.ledger.Close(pos.TradeID, exitTime, res.Price, reason, bars)
	if err != nil {
		m.flagUnreconciled(pos, fmt.Sprintf("%s sold at %s but the ledger write failed: %v.", pos.Symbol, res.Price.StringFixed(2), err))
		return err
	}

	pnl := res.Price.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(pos.Quantity))
	m.notifier.NotifyExit(pos.Symbol, reason, res.Price, r, pnl)

	if !res.Verified {
		m.notifier.NotifyAlert(fmt.Sprintf("Exit price for %s is approximate (fill unverified, order %s). Ledger may need a correction.", pos.Symbol, res.OrderID))
	}

	if breached, rSum := m.risk.CheckAfterClose(exitTime); breached {
		m.notifier.NotifyAlert(fmt.Sprintf("Monthly drawdown cap breached at %s R. New entries are blocked until next month.", rSum.StringFixed(2)))
	}

	if err := m.cache.Remove(pos.Symbol); err != nil {
		return err
	}

	log.Info().
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Str("exit", res.Price.StringFixed(2)).
		Str("r", r.StringFixed(2)).
		Msg("✅ Position closed")

	return nil
}

func (m *Monitor) flagUnreconciled(pos types.Position, alert string) {
	pos.State = types.StateUnreconciled
	if err := m.cache.Put(pos); err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("❌ Failed to persist unreconciled state")
	}
	log.Error().Str("symbol", pos.Symbol).Str("trade_id", pos.TradeID).Msg("🚨 Position unreconciled")
	m.notifier.NotifyAlert(alert)
}
