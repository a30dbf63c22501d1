// Package indicators holds the candle math the scanner and the trend
// filter share: session boundaries, completed-bar selection, moving
// averages and session VWAP.
package indicators

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/types"
)

// Exchange session bounds, exchange-local time. Hourly candles open on
// 09:15 through 15:15, so the last bar of the day is a short one.
const (
	sessionOpenHour  = 9
	sessionOpenMin   = 15
	sessionCloseHour = 15
	sessionCloseMin  = 30
)

// SessionOpen is the 09:15 session start on the given day.
func SessionOpen(day time.Time, loc *time.Location) time.Time {
	day = day.In(loc)
	return time.Date(day.Year(), day.Month(), day.Day(), sessionOpenHour, sessionOpenMin, 0, 0, loc)
}

// SessionClose is the 15:30 session end on the given day.
func SessionClose(day time.Time, loc *time.Location) time.Time {
	day = day.In(loc)
	return time.Date(day.Year(), day.Month(), day.Day(), sessionCloseHour, sessionCloseMin, 0, 0, loc)
}

// BarClose is when the hourly bar opening at ts finishes. Bars run a full
// hour except the 15:15 bar, which the session close cuts short.
func BarClose(ts time.Time, loc *time.Location) time.Time {
	ts = ts.In(loc)
	end := ts.Add(time.Hour)
	if sessionEnd := SessionClose(ts, loc); end.After(sessionEnd) {
		return sessionEnd
	}
	return end
}

// Completed drops any candle still forming at now. The broker's historical
// endpoint includes the running bar, so the tail of a fetch is usually one
// partial candle that must never be evaluated.
func Completed(candles []types.Candle, now time.Time, loc *time.Location) []types.Candle {
	out := make([]types.Candle, 0, len(candles))
	for _, c := range candles {
		if !BarClose(c.Timestamp, loc).After(now) {
			out = append(out, c)
		}
	}
	return out
}

// CloseSMA averages the closing prices of the last period candles.
func CloseSMA(candles []types.Candle, period int) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range candles[len(candles)-period:] {
		sum = sum.Add(c.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// VolumeSMA averages traded volume over the given candles.
func VolumeSMA(candles []types.Candle) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range candles {
		sum = sum.Add(decimal.NewFromInt(c.Volume))
	}
	return sum.Div(decimal.NewFromInt(int64(len(candles))))
}

// TypicalPrice is (high + low + close) / 3.
func TypicalPrice(c types.Candle) decimal.Decimal {
	return c.High.Add(c.Low).Add(c.Close).Div(decimal.NewFromInt(3))
}

// SessionVWAP is the volume-weighted average of typical price over the
// given candles. Returns false when nothing traded.
func SessionVWAP(candles []types.Candle) (decimal.Decimal, bool) {
	tpv := decimal.Zero
	vol := decimal.Zero
	for _, c := range candles {
		v := decimal.NewFromInt(c.Volume)
		tpv = tpv.Add(TypicalPrice(c).Mul(v))
		vol = vol.Add(v)
	}
	if vol.IsZero() {
		return decimal.Zero, false
	}
	return tpv.Div(vol), true
}
