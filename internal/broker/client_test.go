package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/kitebot/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		KiteBaseURL:     srv.URL,
		KiteAPIKey:      "key",
		KiteAccessToken: "tok",
		RetryAttempts:   3,
		RetryDelay:      time.Millisecond,
	}
	return NewClient(cfg)
}

func TestMarginsParsesEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/margins/equity", r.URL.Path)
		assert.Equal(t, "token key:tok", r.Header.Get("Authorization"))
		assert.Equal(t, "3", r.Header.Get("X-Kite-Version"))
		fmt.Fprint(w, `{"status":"success","data":{"available":{"live_balance":123456.78}}}`)
	})

	margins, err := client.Margins(context.Background())
	require.NoError(t, err)
	assert.True(t, margins.LiveBalance.Equal(decimal.NewFromFloat(123456.78)), "got %s", margins.LiveBalance)
}

func TestQuoteBatchesAndStripsExchange(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, []string{"NSE:RELIANCE", "NSE:TCS"}, r.URL.Query()["i"])
		fmt.Fprint(w, `{"status":"success","data":{
			"NSE:RELIANCE":{"last_price":2890.5,"ohlc":{"open":2880,"high":2895,"low":2875,"close":2885}},
			"NSE:TCS":{"last_price":4102.3,"ohlc":{"open":4100,"high":4120,"low":4090,"close":4095}}
		}}`)
	})

	quotes, err := client.Quote(context.Background(), []string{"RELIANCE", "TCS"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.True(t, quotes["RELIANCE"].LastPrice.Equal(decimal.NewFromFloat(2890.5)))
	assert.True(t, quotes["TCS"].OHLC.High.Equal(decimal.NewFromInt(4120)))
}

func TestLTPStripsExchangePrefix(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":{"NSE:INFY":{"last_price":1650.25}}}`)
	})

	prices, err := client.LTP(context.Background(), []string{"INFY"})
	require.NoError(t, err)
	assert.True(t, prices["INFY"].Equal(decimal.NewFromFloat(1650.25)))
}

func TestBusinessErrorNotRetried(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"status":"error","message":"Token expired","error_type":"TokenException"}`)
	})

	_, err := client.Holdings(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "TokenException", apiErr.ErrorType)
	assert.Equal(t, 1, calls)
}

func TestServerErrorRetried(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"status":"error","message":"Gateway timeout","error_type":"NetworkException"}`)
			return
		}
		fmt.Fprint(w, `{"status":"success","data":[]}`)
	})

	_, err := client.Holdings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestPlaceMarketOrderSendsForm(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/orders/regular", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "NSE", r.PostForm.Get("exchange"))
		assert.Equal(t, "RELIANCE", r.PostForm.Get("tradingsymbol"))
		assert.Equal(t, "BUY", r.PostForm.Get("transaction_type"))
		assert.Equal(t, "MARKET", r.PostForm.Get("order_type"))
		assert.Equal(t, "10", r.PostForm.Get("quantity"))
		assert.Equal(t, "CNC", r.PostForm.Get("product"))
		fmt.Fprint(w, `{"status":"success","data":{"order_id":"240815000000001"}}`)
	})

	orderID, err := client.PlaceMarketOrder(context.Background(), "RELIANCE", SideBuy, 10)
	require.NoError(t, err)
	assert.Equal(t, "240815000000001", orderID)
}

func TestOrderReturnsLatestHistoryEntry(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/240815000000001", r.URL.Path)
		fmt.Fprint(w, `{"status":"success","data":[
			{"order_id":"240815000000001","status":"OPEN","average_price":0},
			{"order_id":"240815000000001","status":"COMPLETE","average_price":101.5,"filled_quantity":10}
		]}`)
	})

	order, err := client.Order(context.Background(), "240815000000001")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, order.Status)
	assert.True(t, order.AveragePrice.Equal(decimal.NewFromFloat(101.5)))
	assert.Equal(t, int64(10), order.FilledQuantity)
}

func TestHistoricalParsesCandles(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instruments/historical/256265/60minute", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("from"))
		fmt.Fprint(w, `{"status":"success","data":{"candles":[
			["2025-01-15T10:15:00+0530",100,101.5,99.25,100.75,123456],
			["2025-01-15T11:15:00+0530",100.75,102,100.5,101.9,98765]
		]}}`)
	})

	from := time.Date(2025, 1, 15, 9, 15, 0, 0, time.UTC)
	candles, err := client.Historical(context.Background(), 256265, "60minute", from, from.Add(6*time.Hour))
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.True(t, candles[0].Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, candles[0].High.Equal(decimal.NewFromFloat(101.5)))
	assert.Equal(t, int64(123456), candles[0].Volume)
	assert.Equal(t, 10, candles[0].Timestamp.Hour())
	assert.True(t, candles[1].Close.Equal(decimal.NewFromFloat(101.9)))
}

func TestHistoricalSkipsMalformedCandle(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":{"candles":[
			["not-a-timestamp",1,2,3,4,5],
			["2025-01-15T11:15:00+0530",100.75,102,100.5,101.9,98765]
		]}}`)
	})

	candles, err := client.Historical(context.Background(), 256265, "60minute", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, candles, 1)
}

func TestDryRunOrderLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":{"NSE:RELIANCE":{"last_price":2890.5}}}`)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		KiteBaseURL:     srv.URL,
		KiteAPIKey:      "key",
		KiteAccessToken: "tok",
		DryRun:          true,
		RetryAttempts:   1,
		RetryDelay:      time.Millisecond,
	}
	client := NewClient(cfg)

	orderID, err := client.PlaceMarketOrder(context.Background(), "RELIANCE", SideBuy, 10)
	require.NoError(t, err)
	assert.Contains(t, orderID, "DRY_")

	order, err := client.Order(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, order.Status)
	assert.Equal(t, int64(10), order.FilledQuantity)
	assert.True(t, order.AveragePrice.Equal(decimal.NewFromFloat(2890.5)))

	orders, err := client.Orders(context.Background())
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}
