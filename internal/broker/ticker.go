package broker

import (
	"encoding/binary"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TICKER - Websocket LTP stream
//
// Subscribes instrument tokens in LTP mode and keeps the latest price per
// token. Binary frames carry fixed 8-byte packets: int32 token, int32 price
// in paise. One-byte frames are heartbeats.
// ═══════════════════════════════════════════════════════════════════════════════

// Prices older than this are treated as missing so callers fall back to REST.
const tickMaxAge = 5 * time.Second

type tick struct {
	price decimal.Decimal
	at    time.Time
}

type Ticker struct {
	wsURL string

	conn    *websocket.Conn
	ticks   map[int]tick
	tokens  []int
	lastMsg time.Time

	mu      sync.RWMutex
	writeMu sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewTicker creates a ticker for the configured websocket endpoint.
func NewTicker(cfg *config.Config) *Ticker {
	q := url.Values{
		"api_key":      {cfg.KiteAPIKey},
		"access_token": {cfg.KiteAccessToken},
	}

	return &Ticker{
		wsURL:  cfg.KiteWSURL + "?" + q.Encode(),
		ticks:  make(map[int]tick),
		stopCh: make(chan struct{}),
	}
}

// Start connects and begins streaming
func (t *Ticker) Start() {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	go t.runWebSocket()
	go t.reconnectLoop()

	log.Info().Msg("📈 Ticker started")
}

// Stop closes the stream
func (t *Ticker) Stop() {
	t.mu.Lock()
	t.running = false
	conn := t.conn
	t.mu.Unlock()

	close(t.stopCh)
	if conn != nil {
		conn.Close()
	}
}

// Subscribe adds tokens to the LTP stream. Safe to call before Start;
// subscriptions survive reconnects.
func (t *Ticker) Subscribe(tokens []int) {
	if len(tokens) == 0 {
		return
	}

	t.mu.Lock()
	seen := make(map[int]bool, len(t.tokens))
	for _, tok := range t.tokens {
		seen[tok] = true
	}
	for _, tok := range tokens {
		if !seen[tok] {
			t.tokens = append(t.tokens, tok)
		}
	}
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		t.sendSubscribe(tokens)
	}
}

// LTP returns the last streamed price for a token. The second return is
// false when the token is unknown or the price has gone stale.
func (t *Ticker) LTP(token int) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tk, ok := t.ticks[token]
	if !ok || time.Since(tk.at) > tickMaxAge {
		return decimal.Zero, false
	}
	return tk.price, true
}

// Connected reports whether the stream is up and receiving.
func (t *Ticker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running && t.conn != nil && time.Since(t.lastMsg) < 30*time.Second
}

func (t *Ticker) runWebSocket() {
	for t.isRunning() {
		if err := t.connect(); err != nil {
			log.Error().Err(err).Msg("Ticker connection failed")
			time.Sleep(5 * time.Second)
			continue
		}

		t.resubscribe()
		t.readMessages()

		if t.isRunning() {
			log.Warn().Msg("Ticker disconnected, reconnecting...")
			time.Sleep(1 * time.Second)
		}
	}
}

func (t *Ticker) isRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

func (t *Ticker) connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.Dial(t.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.lastMsg = time.Now()
	t.mu.Unlock()

	log.Info().Msg("🔌 Ticker connected")
	return nil
}

func (t *Ticker) resubscribe() {
	t.mu.RLock()
	tokens := make([]int, len(t.tokens))
	copy(tokens, t.tokens)
	t.mu.RUnlock()

	if len(tokens) > 0 {
		t.sendSubscribe(tokens)
	}
}

func (t *Ticker) sendSubscribe(tokens []int) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return
	}

	if err := conn.WriteJSON(map[string]interface{}{"a": "subscribe", "v": tokens}); err != nil {
		log.Error().Err(err).Msg("Ticker subscribe failed")
		return
	}
	if err := conn.WriteJSON(map[string]interface{}{"a": "mode", "v": []interface{}{"ltp", tokens}}); err != nil {
		log.Error().Err(err).Msg("Ticker mode change failed")
		return
	}

	log.Debug().Ints("tokens", tokens).Msg("Ticker subscribed")
}

func (t *Ticker) readMessages() {
	for t.isRunning() {
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if t.isRunning() {
				log.Error().Err(err).Msg("Ticker read error")
			}
			return
		}

		t.mu.Lock()
		t.lastMsg = time.Now()
		t.mu.Unlock()

		if msgType == websocket.BinaryMessage {
			t.handleBinary(message)
		}
	}
}

// handleBinary parses one binary frame: int16 packet count, then per packet
// an int16 length prefix and the packet bytes. All integers big-endian.
func (t *Ticker) handleBinary(data []byte) {
	if len(data) < 2 {
		// Heartbeat
		return
	}

	count := int(binary.BigEndian.Uint16(data[0:2]))
	offset := 2

	now := time.Now()
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			return
		}
		plen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2

		if offset+plen > len(data) {
			return
		}
		packet := data[offset : offset+plen]
		offset += plen

		if len(packet) < 8 {
			continue
		}

		token := int(binary.BigEndian.Uint32(packet[0:4]))
		paise := int32(binary.BigEndian.Uint32(packet[4:8]))

		t.mu.Lock()
		t.ticks[token] = tick{price: decimal.New(int64(paise), -2), at: now}
		t.mu.Unlock()
	}
}

func (t *Ticker) reconnectLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.RLock()
			stale := time.Since(t.lastMsg) > time.Minute
			conn := t.conn
			running := t.running
			t.mu.RUnlock()

			if running && stale && conn != nil {
				log.Warn().Msg("No ticker data, forcing reconnect")
				conn.Close()
			}
		case <-t.stopCh:
			return
		}
	}
}
