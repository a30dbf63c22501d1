package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/config"
	"github.com/web3guy0/kitebot/internal/retry"
	"github.com/web3guy0/kitebot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KITE REST CLIENT
//
// Thin client over the Kite Connect v3 HTTP API. Read calls go through the
// retry policy; order placement is submitted exactly once since a repeated
// market order is a duplicate position, not a retry.
// ═══════════════════════════════════════════════════════════════════════════════

const exchange = "NSE"

type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	dryRun      bool
	httpClient  *http.Client
	retry       retry.Policy

	mu        sync.Mutex
	dryOrders map[string]Order // simulated fills when dry-run
}

// NewClient creates a client from config
func NewClient(cfg *config.Config) *Client {
	pol := retry.Policy{
		Attempts:  cfg.RetryAttempts,
		Delay:     cfg.RetryDelay,
		Retryable: IsRetryable,
	}

	client := &Client{
		baseURL:     strings.TrimRight(cfg.KiteBaseURL, "/"),
		apiKey:      cfg.KiteAPIKey,
		accessToken: cfg.KiteAccessToken,
		dryRun:      cfg.DryRun,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		retry:       pol,
		dryOrders:   make(map[string]Order),
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	log.Info().Str("mode", mode).Str("base_url", client.baseURL).Msg("🚀 Broker client initialized")

	return client
}

var _ Broker = (*Client)(nil)

// Margins returns the equity segment's available live balance.
func (c *Client) Margins(ctx context.Context) (Margins, error) {
	var result struct {
		Available struct {
			LiveBalance decimal.Decimal `json:"live_balance"`
		} `json:"available"`
	}

	err := c.retry.Do(ctx, "margins", func() error {
		return c.get(ctx, "/user/margins/equity", nil, &result)
	})
	if err != nil {
		return Margins{}, err
	}

	return Margins{LiveBalance: result.Available.LiveBalance}, nil
}

// Holdings returns all demat holdings.
func (c *Client) Holdings(ctx context.Context) ([]Holding, error) {
	var holdings []Holding

	err := c.retry.Do(ctx, "holdings", func() error {
		holdings = holdings[:0]
		return c.get(ctx, "/portfolio/holdings", nil, &holdings)
	})
	if err != nil {
		return nil, err
	}

	return holdings, nil
}

// Positions fetches the day's net positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var data struct {
		Net []Position `json:"net"`
	}

	err := c.retry.Do(ctx, "positions", func() error {
		data.Net = data.Net[:0]
		return c.get(ctx, "/portfolio/positions", nil, &data)
	})
	if err != nil {
		return nil, err
	}

	return data.Net, nil
}

// Quote fetches full quotes for a batch of symbols in one call.
func (c *Client) Quote(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}

	raw := make(map[string]Quote)
	err := c.retry.Do(ctx, "quote", func() error {
		clear(raw)
		return c.get(ctx, "/quote", instrumentParams(symbols), &raw)
	})
	if err != nil {
		return nil, err
	}

	return stripExchange(raw), nil
}

// LTP fetches last traded prices for a batch of symbols in one call.
func (c *Client) LTP(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	raw := make(map[string]struct {
		LastPrice decimal.Decimal `json:"last_price"`
	})
	err := c.retry.Do(ctx, "ltp", func() error {
		clear(raw)
		return c.get(ctx, "/quote/ltp", instrumentParams(symbols), &raw)
	})
	if err != nil {
		return nil, err
	}

	prices := make(map[string]decimal.Decimal, len(raw))
	for key, v := range raw {
		prices[strings.TrimPrefix(key, exchange+":")] = v.LastPrice
	}
	return prices, nil
}

// PlaceMarketOrder submits a regular CNC market order and returns the order ID.
// Not retried: the caller verifies the outcome instead.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity int64) (string, error) {
	if c.dryRun {
		return c.placeDryOrder(ctx, symbol, side, quantity), nil
	}

	form := url.Values{
		"exchange":         {exchange},
		"tradingsymbol":    {symbol},
		"transaction_type": {side},
		"order_type":       {"MARKET"},
		"quantity":         {strconv.FormatInt(quantity, 10)},
		"product":          {"CNC"},
		"validity":         {"DAY"},
	}

	var result struct {
		OrderID string `json:"order_id"`
	}
	if err := c.postForm(ctx, "/orders/regular", form, &result); err != nil {
		return "", err
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("symbol", symbol).
		Str("side", side).
		Int64("qty", quantity).
		Msg("📤 Market order submitted")

	return result.OrderID, nil
}

// Order returns the latest state of one order.
func (c *Client) Order(ctx context.Context, orderID string) (Order, error) {
	if c.dryRun {
		return c.dryOrderState(ctx, orderID)
	}

	var history []Order
	err := c.retry.Do(ctx, "order", func() error {
		history = history[:0]
		return c.get(ctx, "/orders/"+orderID, nil, &history)
	})
	if err != nil {
		return Order{}, err
	}
	if len(history) == 0 {
		return Order{}, &APIError{StatusCode: 404, Message: "order not found: " + orderID}
	}

	// History is chronological; the last entry is the current state
	return history[len(history)-1], nil
}

// Orders returns the day's order book.
func (c *Client) Orders(ctx context.Context) ([]Order, error) {
	if c.dryRun {
		return c.dryOrderBook(), nil
	}

	var orders []Order
	err := c.retry.Do(ctx, "orders", func() error {
		orders = orders[:0]
		return c.get(ctx, "/orders", nil, &orders)
	})
	if err != nil {
		return nil, err
	}

	return orders, nil
}

// Historical fetches OHLCV candles for an instrument token.
func (c *Client) Historical(ctx context.Context, token int, interval string, from, to time.Time) ([]types.Candle, error) {
	params := url.Values{
		"from": {from.Format("2006-01-02 15:04:05")},
		"to":   {to.Format("2006-01-02 15:04:05")},
	}

	var result struct {
		Candles [][]interface{} `json:"candles"`
	}
	path := fmt.Sprintf("/instruments/historical/%d/%s", token, interval)
	err := c.retry.Do(ctx, "historical", func() error {
		result.Candles = nil
		return c.get(ctx, path, params, &result)
	})
	if err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(result.Candles))
	for _, row := range result.Candles {
		candle, err := parseCandle(row)
		if err != nil {
			log.Warn().Err(err).Int("token", token).Msg("⚠️ Skipping malformed candle")
			continue
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// DRY RUN
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) placeDryOrder(ctx context.Context, symbol, side string, quantity int64) string {
	orderID := fmt.Sprintf("DRY_%d", time.Now().UnixNano())

	// Fill at the live price so the rest of the flow behaves normally
	price := decimal.Zero
	if prices, err := c.LTP(ctx, []string{symbol}); err == nil {
		price = prices[symbol]
	}

	c.mu.Lock()
	c.dryOrders[orderID] = Order{
		OrderID:         orderID,
		Symbol:          symbol,
		Status:          StatusComplete,
		TransactionType: side,
		Quantity:        quantity,
		FilledQuantity:  quantity,
		AveragePrice:    price,
	}
	c.mu.Unlock()

	log.Info().
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Int64("qty", quantity).
		Str("price", price.StringFixed(2)).
		Msg("📝 DRY RUN: Order would be placed")

	return orderID
}

func (c *Client) dryOrderState(ctx context.Context, orderID string) (Order, error) {
	c.mu.Lock()
	order, ok := c.dryOrders[orderID]
	c.mu.Unlock()
	if !ok {
		return Order{}, &APIError{StatusCode: 404, Message: "order not found: " + orderID}
	}
	return order, nil
}

func (c *Client) dryOrderBook() []Order {
	c.mu.Lock()
	defer c.mu.Unlock()

	orders := make([]Order, 0, len(c.dryOrders))
	for _, o := range c.dryOrders {
		orders = append(orders, o)
	}
	return orders
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(ctx context.Context, path string, params url.Values, v interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	return c.doRequest(req, v)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.addHeaders(req)
	return c.doRequest(req, v)
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+c.apiKey+":"+c.accessToken)
}

func (c *Client) doRequest(req *http.Request, v interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envelope struct {
		Status    string          `json:"status"`
		Data      json.RawMessage `json:"data"`
		Message   string          `json:"message"`
		ErrorType string          `json:"error_type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		}
		return fmt.Errorf("parse response: %w", err)
	}

	if resp.StatusCode >= 400 || envelope.Status == "error" {
		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorType:  envelope.ErrorType,
			Message:    envelope.Message,
		}
	}

	if v == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, v); err != nil {
		return fmt.Errorf("parse response data: %w", err)
	}
	return nil
}

func instrumentParams(symbols []string) url.Values {
	params := url.Values{}
	for _, s := range symbols {
		params.Add("i", exchange+":"+s)
	}
	return params
}

func stripExchange(raw map[string]Quote) map[string]Quote {
	out := make(map[string]Quote, len(raw))
	for key, q := range raw {
		out[strings.TrimPrefix(key, exchange+":")] = q
	}
	return out
}

func parseCandle(row []interface{}) (types.Candle, error) {
	if len(row) < 6 {
		return types.Candle{}, fmt.Errorf("candle row has %d fields", len(row))
	}

	tsStr, ok := row[0].(string)
	if !ok {
		return types.Candle{}, fmt.Errorf("candle timestamp is %T", row[0])
	}
	ts, err := time.Parse("2006-01-02T15:04:05-0700", tsStr)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339, tsStr); err != nil {
			return types.Candle{}, fmt.Errorf("parse candle timestamp %q: %w", tsStr, err)
		}
	}

	nums := make([]decimal.Decimal, 5)
	for i := 1; i <= 5; i++ {
		f, ok := row[i].(float64)
		if !ok {
			return types.Candle{}, fmt.Errorf("candle field %d is %T", i, row[i])
		}
		nums[i-1] = decimal.NewFromFloat(f)
	}

	return types.Candle{
		Timestamp: ts,
		Open:      nums[0],
		High:      nums[1],
		Low:       nums[2],
		Close:     nums[3],
		Volume:    nums[4].IntPart(),
	}, nil
}
