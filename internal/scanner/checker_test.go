package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/kitebot/internal/types"
)

func newCheckFixture(t *testing.T, at time.Time) (*Checker, *fixture) {
	t.Helper()

	fx := newFixture(t, at)
	ch := NewChecker(fx.cfg, fx.broker, fx.store, fx.filter, fx.notes)
	ch.now = func() time.Time { return at }
	return ch, fx
}

func (fx *fixture) seedWatchlist(t *testing.T, levels map[string]types.ReclaimLevel) {
	t.Helper()
	require.NoError(t, fx.store.Write(watchlistPath, levels))
}

func reclaimLevel(high, low float64) types.ReclaimLevel {
	return types.ReclaimLevel{
		ReclaimHigh: decimal.NewFromFloat(high),
		ReclaimLow:  decimal.NewFromFloat(low),
		Timestamp:   tradingDay().Add(10*time.Hour + 15*time.Minute),
		VWAP:        decimal.NewFromFloat((high + low) / 2),
	}
}

func TestCheckBreakoutEmitsSignal(t *testing.T) {
	at := tradingDay().Add(12*time.Hour + 14*time.Minute + 58*time.Second)
	ch, fx := newCheckFixture(t, at)
	fx.seedGate(t, true)
	fx.seedWatchlist(t, map[string]types.ReclaimLevel{"RELIANCE": reclaimLevel(2950, 2890)})
	fx.broker.ltps["RELIANCE"] = decimal.NewFromFloat(2951.5)

	signals, err := ch.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, "RELIANCE", sig.Symbol)
	assert.True(t, sig.EntryPrice.Equal(decimal.NewFromFloat(2951.5)), "entry %s", sig.EntryPrice)
	assert.True(t, sig.ReclaimHigh.Equal(decimal.NewFromInt(2950)), "high %s", sig.ReclaimHigh)
	assert.True(t, sig.ReclaimLow.Equal(decimal.NewFromInt(2890)), "low %s", sig.ReclaimLow)
	assert.True(t, sig.IndexClose.Equal(decimal.NewFromInt(110)), "index close %s", sig.IndexClose)
	assert.True(t, sig.IndexSMA.Equal(decimal.NewFromInt(100)), "index sma %s", sig.IndexSMA)
	assert.True(t, sig.Timestamp.Equal(at))

	var persisted map[string]types.Signal
	require.True(t, fx.store.Read(signalsPath, &persisted))
	require.Contains(t, persisted, "RELIANCE")
	assert.True(t, persisted["RELIANCE"].EntryPrice.Equal(decimal.NewFromFloat(2951.5)))

	require.Len(t, fx.notes.statuses, 1)
	assert.Contains(t, fx.notes.statuses[0], "ENTRY SIGNALS: 1")
}

func TestCheckRequiresStrictBreakout(t *testing.T) {
	at := tradingDay().Add(12*time.Hour + 14*time.Minute + 58*time.Second)
	ch, fx := newCheckFixture(t, at)
	fx.seedGate(t, true)
	fx.seedWatchlist(t, map[string]types.ReclaimLevel{"RELIANCE": reclaimLevel(2950, 2890)})
	fx.broker.ltps["RELIANCE"] = decimal.NewFromInt(2950)

	signals, err := ch.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, signals)
	assert.Empty(t, fx.notes.statuses)

	var persisted map[string]types.Signal
	require.True(t, fx.store.Read(signalsPath, &persisted))
	assert.Empty(t, persisted)
}

func TestCheckGateOffWritesEmptySignals(t *testing.T) {
	at := tradingDay().Add(12*time.Hour + 14*time.Minute + 58*time.Second)
	ch, fx := newCheckFixture(t, at)
	fx.seedGate(t, false)
	fx.seedWatchlist(t, map[string]types.ReclaimLevel{"RELIANCE": reclaimLevel(2950, 2890)})
	fx.broker.ltps["RELIANCE"] = decimal.NewFromInt(3000)

	signals, err := ch.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, signals)
	assert.Zero(t, fx.broker.ltpCalls)

	var persisted map[string]types.Signal
	require.True(t, fx.store.Read(signalsPath, &persisted))
	assert.Empty(t, persisted)
}

func TestCheckEmptyWatchlistSkipsQuotes(t *testing.T) {
	at := tradingDay().Add(12*time.Hour + 14*time.Minute + 58*time.Second)
	ch, fx := newCheckFixture(t, at)
	fx.seedGate(t, true)

	signals, err := ch.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, signals)
	assert.Zero(t, fx.broker.ltpCalls)

	var persisted map[string]types.Signal
	require.True(t, fx.store.Read(signalsPath, &persisted))
	assert.Empty(t, persisted)
}

func TestCheckMissingQuoteSkipsSymbol(t *testing.T) {
	at := tradingDay().Add(12*time.Hour + 14*time.Minute + 58*time.Second)
	ch, fx := newCheckFixture(t, at)
	fx.seedGate(t, true)
	fx.seedWatchlist(t, map[string]types.ReclaimLevel{
		"AAA": reclaimLevel(100, 95),
		"BBB": reclaimLevel(200, 190),
	})
	fx.broker.ltps["BBB"] = decimal.NewFromInt(201)

	signals, err := ch.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "BBB", signals[0].Symbol)
}

func TestCheckQuoteFailureIsError(t *testing.T) {
	at := tradingDay().Add(12*time.Hour + 14*time.Minute + 58*time.Second)
	ch, fx := newCheckFixture(t, at)
	fx.seedGate(t, true)
	fx.seedWatchlist(t, map[string]types.ReclaimLevel{"RELIANCE": reclaimLevel(2950, 2890)})
	fx.broker.ltpErr = errors.New("gateway timeout")

	_, err := ch.Check(context.Background())
	require.Error(t, err)
}

func TestClearSignalsEmptiesFile(t *testing.T) {
	at := tradingDay().Add(12*time.Hour + 14*time.Minute + 58*time.Second)
	ch, fx := newCheckFixture(t, at)
	fx.seedGate(t, true)
	fx.seedWatchlist(t, map[string]types.ReclaimLevel{"RELIANCE": reclaimLevel(2950, 2890)})
	fx.broker.ltps["RELIANCE"] = decimal.NewFromInt(3000)

	signals, err := ch.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)

	require.NoError(t, ch.ClearSignals())

	var persisted map[string]types.Signal
	require.True(t, fx.store.Read(signalsPath, &persisted))
	assert.Empty(t, persisted)
}
