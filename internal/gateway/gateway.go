package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/bot"
	"github.com/web3guy0/kitebot/internal/broker"
	"github.com/web3guy0/kitebot/internal/config"
	"github.com/web3guy0/kitebot/internal/ledger"
	"github.com/web3guy0/kitebot/internal/positions"
	"github.com/web3guy0/kitebot/internal/risk"
	"github.com/web3guy0/kitebot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER EXECUTION GATEWAY - Signal to filled position
//
// Flow:
//   📤 Market order submitted (cached symbols never resubmitted)
//   ⏱️ Short wait, then order status verification with one recheck
//   📥 Fill recorded in the ledger and position cache before the next symbol
//
// A broker that cannot confirm an order is treated as having filled it: the
// position is recorded optimistically so reconciliation can pick it up.
// ═══════════════════════════════════════════════════════════════════════════════

// EntryStatus classifies the outcome of an entry attempt.
type EntryStatus string

const (
	EntryFilled     EntryStatus = "FILLED"
	EntryRejected   EntryStatus = "REJECTED"
	EntryUnverified EntryStatus = "UNVERIFIED"
)

// EntryResult is the verified outcome of one entry order.
type EntryResult struct {
	Status    EntryStatus
	OrderID   string
	AvgPrice  decimal.Decimal
	FilledQty int64
	Message   string
}

// ExitResult is the outcome of one exit order. Verified is false when the
// price came from a fallback source instead of the order's own fill.
type ExitResult struct {
	OrderID  string
	Price    decimal.Decimal
	Verified bool
}

// Gateway turns entry signals into broker orders and ledger rows.
type Gateway struct {
	cfg      *config.Config
	broker   broker.Broker
	ledger   *ledger.Ledger
	risk     *risk.Manager
	cache    *positions.Cache
	notifier bot.Notifier
}

// New creates the execution gateway.
func New(cfg *config.Config, b broker.Broker, lg *ledger.Ledger, rm *risk.Manager, cache *positions.Cache, n bot.Notifier) *Gateway {
	if n == nil {
		n = bot.Nop{}
	}
	return &Gateway{
		cfg:      cfg,
		broker:   b,
		ledger:   lg,
		risk:     rm,
		cache:    cache,
		notifier: n,
	}
}

// Size computes the share quantity for a new position: the number of shares
// whose combined loss at the stop equals the configured fraction of equity,
// rounded down. Entry must be strictly above the stop.
func Size(entry, stop, equity, riskFraction decimal.Decimal) (int64, error) {
	riskPerShare := entry.Sub(stop)
	if !riskPerShare.IsPositive() {
		return 0, fmt.Errorf("entry %s not above stop %s", entry.StringFixed(2), stop.StringFixed(2))
	}

	riskAmount := equity.Mul(riskFraction)
	qty := riskAmount.Div(riskPerShare).IntPart()
	if qty <= 0 {
		return 0, fmt.Errorf("risk budget %s too small for %s risk per share", riskAmount.StringFixed(2), riskPerShare.StringFixed(2))
	}

	return qty, nil
}

// ProcessSignals sizes and executes entries for the given signals. One symbol
// failing never stops the rest; a position held at the broker but missing
// from the ledger does, because trading blind is worse than trading late.
func (g *Gateway) ProcessSignals(ctx context.Context, signals []types.Signal, at time.Time) error {
	if len(signals) == 0 {
		return nil
	}

	margins, err := g.broker.Margins(ctx)
	if err != nil {
		return fmt.Errorf("fetch margins: %w", err)
	}

	holdings, err := g.broker.Holdings(ctx)
	if err != nil {
		return fmt.Errorf("fetch holdings: %w", err)
	}

	equity := margins.LiveBalance
	for _, h := range holdings {
		equity = equity.Add(decimal.NewFromInt(h.TotalQuantity()).Mul(h.LastPrice))
	}

	// Cash actually deployable right now. Decreases as entries fill.
	availableMargin := margins.LiveBalance

	bySymbol := make(map[string]types.Signal, len(signals))
	symbols := make([]string, 0, len(signals))
	for _, sig := range signals {
		if _, dup := bySymbol[sig.Symbol]; dup {
			continue
		}
		bySymbol[sig.Symbol] = sig
		symbols = append(symbols, sig.Symbol)
	}
	sort.Strings(symbols)

	ltps, err := g.broker.LTP(ctx, symbols)
	if err != nil {
		return fmt.Errorf("fetch entry prices: %w", err)
	}

	log.Info().
		Int("signals", len(symbols)).
		Str("equity", equity.StringFixed(2)).
		Str("available", availableMargin.StringFixed(2)).
		Msg("⚡ Processing entry signals")

	for _, symbol := range symbols {
		sig := bySymbol[symbol]

		if g.cache.Has(symbol) {
			log.Info().Str("symbol", symbol).Msg("Position already open, skipping signal")
			continue
		}

		if allowed, rSum := g.risk.MayOpenNewTrade(at); !allowed {
			log.Warn().
				Str("symbol", symbol).
				Str("month_r", rSum.StringFixed(2)).
				Msg("🛡️ Entry blocked by monthly drawdown cap")
			g.notifier.NotifySkip(symbol, fmt.Sprintf("Monthly drawdown cap hit (%s R this month)", rSum.StringFixed(2)))
			continue
		}

		ltp, ok := ltps[symbol]
		if !ok || !ltp.IsPositive() {
			log.Warn().Str("symbol", symbol).Msg("⚠️ No live price for signal, skipping")
			g.notifier.NotifySkip(symbol, "No live price available")
			continue
		}

		stop := sig.ReclaimLow
		qty, err := Size(ltp, stop, equity, g.cfg.RiskFraction)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ Cannot size position, skipping")
			g.notifier.NotifySkip(symbol, "Cannot size position: "+err.Error())
			continue
		}

		cost := ltp.Mul(decimal.NewFromInt(qty))
		if cost.GreaterThan(availableMargin) {
			log.Warn().
				Str("symbol", symbol).
				Str("cost", cost.StringFixed(2)).
				Str("available", availableMargin.StringFixed(2)).
				Msg("⚠️ Insufficient margin for position, skipping")
			g.notifier.NotifySkip(symbol, fmt.Sprintf("Position cost %s exceeds available margin %s", cost.StringFixed(2), availableMargin.StringFixed(2)))
			continue
		}

		res, err := g.PlaceEntry(ctx, symbol, qty)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("❌ Entry order failed")
			continue
		}

		switch res.Status {
		case EntryRejected:
			log.Warn().
				Str("symbol", symbol).
				Str("reason", res.Message).
				Msg("❌ Entry order rejected")
			g.notifier.NotifySkip(symbol, "Order rejected: "+res.Message)
			continue

		case EntryUnverified:
			// Assume the fill happened. Reconciliation corrects the
			// quantity if it did not.
			log.Warn().
				Str("symbol", symbol).
				Str("order_id", res.OrderID).
				Msg("⚠️ Entry unverified, recording optimistically")
			if err := g.recordEntry(sig, ltp, qty, equity, at, types.StateTracked); err != nil {
				return err
			}
			availableMargin = availableMargin.Sub(cost)
			g.notifier.NotifyAlert(fmt.Sprintf("Entry for %s could not be verified (order %s). Recorded at last price, reconciliation will correct it.", symbol, res.OrderID))

		case EntryFilled:
			fill := res.AvgPrice
			if !fill.IsPositive() {
				fill = ltp
			}
			filledQty := res.FilledQty
			if filledQty <= 0 {
				filledQty = qty
			}
			if err := g.recordEntry(sig, fill, filledQty, equity, at, types.StateTracked); err != nil {
				return err
			}
			availableMargin = availableMargin.Sub(fill.Mul(decimal.NewFromInt(filledQty)))
			log.Info().
				Str("symbol", symbol).
				Str("fill", fill.StringFixed(2)).
				Int64("qty", filledQty).
				Msg("✅ Entry filled")
		}
	}

	return nil
}

// recordEntry writes the trade row and position cache entry for a new fill.
// The ledger row is the source of truth, so its failure aborts signal
// processing: a held position the ledger does not know about needs a human.
func (g *Gateway) recordEntry(sig types.Signal, fill decimal.Decimal, qty int64, equity decimal.Decimal, at time.Time, state types.PositionState) error {
	symbol := sig.Symbol
	stop := sig.ReclaimLow
	target := fill.Add(g.cfg.TPMultiplier.Mul(fill.Sub(stop)))

	tr := ledger.Trade{
		TradeID:     ledger.NewTradeID(symbol, at),
		Symbol:      symbol,
		Status:      ledger.StatusOpen,
		EntryTime:   at,
		EntryPrice:  fill,
		StopLoss:    stop,
		TargetPrice: target,
		Quantity:    qty,
		Conditions: &ledger.EntryConditions{
			IndexClose:  sig.IndexClose,
			IndexSMA:    sig.IndexSMA,
			ReclaimHigh: sig.ReclaimHigh,
			ReclaimLow:  sig.ReclaimLow,
			ReclaimTime: sig.Timestamp,
		},
		EquityBefore: equity,
	}

	if err := g.ledger.Open(tr); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("🚨 Position held but not recorded in ledger")
		g.notifier.NotifyAlert(fmt.Sprintf("CRITICAL: %s position is held at the broker but could not be recorded. Manual intervention required.", symbol))
		return fmt.Errorf("record entry for %s: %w", symbol, err)
	}

	pos := types.Position{
		TradeID:     tr.TradeID,
		Symbol:      symbol,
		EntryPrice:  fill,
		StopLoss:    stop,
		TargetPrice: target,
		Quantity:    qty,
		EntryTime:   at,
		State:       state,
	}
	if err := g.cache.Put(pos); err != nil {
		return fmt.Errorf("cache entry for %s: %w", symbol, err)
	}

	g.notifier.NotifyEntry(pos)
	return nil
}

// PlaceEntry submits a market buy and verifies its fate. The returned error
// is only for submission failures; verification trouble degrades the status
// instead.
func (g *Gateway) PlaceEntry(ctx context.Context, symbol string, qty int64) (EntryResult, error) {
	orderID, err := g.broker.PlaceMarketOrder(ctx, symbol, broker.SideBuy, qty)
	if err != nil {
		return EntryResult{}, fmt.Errorf("place entry order for %s: %w", symbol, err)
	}

	if err := wait(ctx, g.cfg.VerifyWait); err != nil {
		return EntryResult{Status: EntryUnverified, OrderID: orderID}, nil
	}

	order, err := g.broker.Order(ctx, orderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("⚠️ Entry verification failed")
		return EntryResult{Status: EntryUnverified, OrderID: orderID, Message: err.Error()}, nil
	}

	if res, final := classifyEntry(order, orderID); final {
		return res, nil
	}

	// Still pending. One more chance before we go optimistic.
	log.Info().Str("order_id", orderID).Str("status", order.Status).Msg("Entry still pending, rechecking")
	if err := wait(ctx, g.cfg.VerifyRecheckWait); err != nil {
		return EntryResult{Status: EntryUnverified, OrderID: orderID}, nil
	}

	order, err = g.broker.Order(ctx, orderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("⚠️ Entry recheck failed")
		return EntryResult{Status: EntryUnverified, OrderID: orderID, Message: err.Error()}, nil
	}

	if res, final := classifyEntry(order, orderID); final {
		return res, nil
	}

	return EntryResult{Status: EntryUnverified, OrderID: orderID, Message: "order still " + order.Status}, nil
}

func classifyEntry(order broker.Order, orderID string) (EntryResult, bool) {
	switch order.Status {
	case broker.StatusComplete:
		return EntryResult{
			Status:    EntryFilled,
			OrderID:   orderID,
			AvgPrice:  order.AveragePrice,
			FilledQty: order.FilledQuantity,
		}, true
	case broker.StatusRejected:
		return EntryResult{
			Status:  EntryRejected,
			OrderID: orderID,
			Message: order.StatusMessage,
		}, true
	}
	return EntryResult{}, false
}

// PlaceExit submits a market sell for an open position. A rejected exit is an
// error: the position is still on and the caller must escalate. When the fill
// cannot be verified the exit price falls back to the day's order book and
// then the last traded price, flagged unverified.
func (g *Gateway) PlaceExit(ctx context.Context, symbol string, qty int64, reason string) (ExitResult, error) {
	orderID, err := g.broker.PlaceMarketOrder(ctx, symbol, broker.SideSell, qty)
	if err != nil {
		return ExitResult{}, fmt.Errorf("place exit order for %s: %w", symbol, err)
	}

	log.Info().
		Str("symbol", symbol).
		Int64("qty", qty).
		Str("reason", reason).
		Str("order_id", orderID).
		Msg("📤 Exit order submitted")

	if err := wait(ctx, g.cfg.VerifyWait); err != nil {
		return g.exitFallback(ctx, symbol, orderID), nil
	}

	order, err := g.broker.Order(ctx, orderID)
	if err == nil && order.Status != broker.StatusComplete && order.Status != broker.StatusRejected {
		log.Info().Str("order_id", orderID).Str("status", order.Status).Msg("Exit still pending, rechecking")
		if werr := wait(ctx, g.cfg.VerifyRecheckWait); werr != nil {
			return g.exitFallback(ctx, symbol, orderID), nil
		}
		order, err = g.broker.Order(ctx, orderID)
	}

	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("⚠️ Exit verification failed, using fallback price")
		return g.exitFallback(ctx, symbol, orderID), nil
	}

	switch order.Status {
	case broker.StatusComplete:
		return ExitResult{OrderID: orderID, Price: order.AveragePrice, Verified: true}, nil
	case broker.StatusRejected:
		return ExitResult{OrderID: orderID}, fmt.Errorf("exit order for %s rejected: %s", symbol, order.StatusMessage)
	}

	return g.exitFallback(ctx, symbol, orderID), nil
}

// exitFallback finds the best available exit price when the order itself
// cannot be read: the order's average price from the full order book, then
// the symbol's last traded price.
func (g *Gateway) exitFallback(ctx context.Context, symbol, orderID string) ExitResult {
	if orders, err := g.broker.Orders(ctx); err == nil {
		for _, o := range orders {
			if o.OrderID == orderID && o.AveragePrice.IsPositive() {
				return ExitResult{OrderID: orderID, Price: o.AveragePrice, Verified: false}
			}
		}
	}

	if ltps, err := g.broker.LTP(ctx, []string{symbol}); err == nil {
		if ltp, ok := ltps[symbol]; ok && ltp.IsPositive() {
			return ExitResult{OrderID: orderID, Price: ltp, Verified: false}
		}
	}

	log.Error().Str("symbol", symbol).Str("order_id", orderID).Msg("🚨 No exit price available from any source")
	return ExitResult{OrderID: orderID, Verified: false}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
