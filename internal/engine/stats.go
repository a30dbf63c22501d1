package engine

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/bot"
	"github.com/web3guy0/kitebot/internal/database"
	"github.com/web3guy0/kitebot/internal/ledger"
	"github.com/web3guy0/kitebot/internal/types"
)

// The engine answers the Telegram bot's queries. Aggregates come from the
// SQL mirror when one is attached (all-time numbers); otherwise from the
// journal's current month.

var _ bot.StatsProvider = (*Engine)(nil)

const equityTimeout = 10 * time.Second

func (e *Engine) GetStats() (trades, wins, losses int, totalR, netPnL decimal.Decimal) {
	if e.archive != nil {
		s, err := e.archive.GetStats()
		if err == nil {
			return int(s.ClosedTrades), int(s.Wins), int(s.Losses), s.TotalR, s.NetPnL
		}
		log.Warn().Err(err).Msg("⚠️ Archive stats failed, answering from journal")
	}
	return e.statsFromJournal()
}

func (e *Engine) statsFromJournal() (int, int, int, decimal.Decimal, decimal.Decimal) {
	var trades, wins int
	totalR, netPnL := decimal.Zero, decimal.Zero
	for _, tr := range e.ledger.MonthTrades(e.now()) {
		if tr.Status != ledger.StatusClosed {
			continue
		}
		trades++
		if tr.RValue.IsPositive() {
			wins++
		}
		totalR = totalR.Add(tr.RValue)
		netPnL = netPnL.Add(tr.NetPnL)
	}
	return trades, wins, trades - wins, totalR, netPnL
}

// GetEquity prices the account live: free cash plus holdings at last price.
func (e *Engine) GetEquity() (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(e.ctx, equityTimeout)
	defer cancel()

	margins, err := e.broker.Margins(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	holdings, err := e.broker.Holdings(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	equity := margins.LiveBalance
	for _, h := range holdings {
		equity = equity.Add(h.LastPrice.Mul(decimal.NewFromInt(h.TotalQuantity())))
	}
	return equity, nil
}

func (e *Engine) GetRecentTrades(limit int) []types.TradeRecord {
	if e.archive != nil {
		rows, err := e.archive.RecentTrades(limit)
		if err == nil {
			out := make([]types.TradeRecord, 0, len(rows))
			for _, r := range rows {
				out = append(out, recordFromRow(r))
			}
			return out
		}
		log.Warn().Err(err).Msg("⚠️ Archive trade query failed, answering from journal")
	}

	trades := e.ledger.RecentTrades(e.now(), limit)
	out := make([]types.TradeRecord, 0, len(trades))
	for _, tr := range trades {
		out = append(out, recordFromTrade(tr))
	}
	return out
}

func (e *Engine) GetOpenPositions() []types.PositionRecord {
	all := e.cache.All()
	out := make([]types.PositionRecord, 0, len(all))
	for _, pos := range all {
		out = append(out, types.PositionRecord{
			Symbol:      pos.Symbol,
			EntryPrice:  pos.EntryPrice,
			StopLoss:    pos.StopLoss,
			TargetPrice: pos.TargetPrice,
			Quantity:    pos.Quantity,
			EnteredAt:   pos.EntryTime,
			State:       pos.State,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (e *Engine) GetMonthRisk() (rSum, capR decimal.Decimal, allowed bool) {
	now := e.now()
	rSum, _ = e.risk.CurrentPeriodR(now)
	allowed, _ = e.risk.MayOpenNewTrade(now)
	return rSum, e.cfg.DrawdownCapR, allowed
}

func recordFromRow(r database.TradeRow) types.TradeRecord {
	rec := types.TradeRecord{
		TradeID:    r.TradeID,
		Symbol:     r.Symbol,
		Status:     r.Status,
		EntryPrice: r.EntryPrice,
		ExitPrice:  r.ExitPrice,
		Quantity:   r.Quantity,
		RValue:     r.RValue,
		PnL:        r.NetPnL,
		ExitReason: r.ExitReason,
		Timestamp:  r.EntryTime,
	}
	if r.ExitTime != nil {
		rec.Timestamp = *r.ExitTime
	}
	return rec
}

func recordFromTrade(tr ledger.Trade) types.TradeRecord {
	rec := types.TradeRecord{
		TradeID:    tr.TradeID,
		Symbol:     tr.Symbol,
		Status:     tr.Status,
		EntryPrice: tr.EntryPrice,
		ExitPrice:  tr.ExitPrice,
		Quantity:   tr.Quantity,
		RValue:     tr.RValue,
		PnL:        tr.NetPnL,
		ExitReason: tr.ExitReason,
		Timestamp:  tr.EntryTime,
	}
	if tr.ExitTime != nil {
		rec.Timestamp = *tr.ExitTime
	}
	return rec
}
