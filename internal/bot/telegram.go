// Package bot provides Telegram bot functionality
//
// telegram.go - Telegram bot for trade alerts and control
// Reports ledger statistics and lets the operator pause or resume entries.
package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/config"
	"github.com/web3guy0/kitebot/internal/types"
)

// StatsProvider supplies the numbers behind the command surface. The engine
// implements it; tests swap in a stub.
type StatsProvider interface {
	GetStats() (trades, wins, losses int, totalR, netPnL decimal.Decimal)
	GetEquity() (decimal.Decimal, error)
	GetRecentTrades(limit int) []types.TradeRecord
	GetOpenPositions() []types.PositionRecord
	GetMonthRisk() (rSum, capR decimal.Decimal, allowed bool)
	Paused() bool
}

// Bot handles Telegram interactions for the trading system
type Bot struct {
	api    *tgbotapi.BotAPI
	cfg    *config.Config
	stats  StatsProvider
	stopCh chan struct{}

	mu       sync.RWMutex
	running  bool
	onPause  func()
	onResume func()
}

var _ Notifier = (*Bot)(nil)

// New creates the operator-facing Telegram bot
func New(cfg *config.Config, stats StatsProvider) (*Bot, error) {
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("telegram token not configured")
	}
	if cfg.TelegramChatID == 0 {
		return nil, fmt.Errorf("telegram chat ID not configured")
	}

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	return &Bot{
		api:    api,
		cfg:    cfg,
		stats:  stats,
		stopCh: make(chan struct{}),
	}, nil
}

// SetControlCallbacks wires /pause and /resume into the engine.
func (b *Bot) SetControlCallbacks(onPause, onResume func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPause = onPause
	b.onResume = onResume
}

// Start begins the bot's command listener
func (b *Bot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.listenForCommands()
	b.sendStartupMessage()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *Bot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go b.handleMessage(update.Message)
			}
			if update.CallbackQuery != nil {
				go b.handleCallback(update.CallbackQuery)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	// Single-operator bot. Ignore everyone but the configured chat.
	if chatID != b.cfg.TelegramChatID {
		log.Warn().Int64("chat_id", chatID).Msg("Ignoring message from unauthorized chat")
		return
	}

	log.Debug().
		Int64("chat_id", chatID).
		Str("text", msg.Text).
		Msg("Received message")

	if !msg.IsCommand() {
		return
	}

	switch msg.Command() {
	case "start":
		b.cmdStart(chatID)
	case "help":
		b.cmdHelp(chatID)
	case "status":
		b.cmdStatus(chatID)
	case "equity":
		b.cmdEquity(chatID)
	case "stats":
		b.cmdStats(chatID)
	case "trades":
		b.cmdTrades(chatID)
	case "positions":
		b.cmdPositions(chatID)
	case "risk":
		b.cmdRisk(chatID)
	case "pause":
		b.cmdPause(chatID)
	case "resume":
		b.cmdResume(chatID)
	case "ping":
		b.sendText(chatID, "🏓 Pong!")
	default:
		b.sendText(chatID, "❓ Unknown command. Use /help for available commands.")
	}
}

func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID
	if chatID != b.cfg.TelegramChatID {
		return
	}

	b.api.Request(tgbotapi.NewCallback(cb.ID, ""))

	switch cb.Data {
	case "refresh_stats":
		b.cmdStats(chatID)
	case "refresh_positions":
		b.cmdPositions(chatID)
	case "refresh_status":
		b.cmdStatus(chatID)
	case "show_risk":
		b.cmdRisk(chatID)
	case "pause":
		b.cmdPause(chatID)
	case "resume":
		b.cmdResume(chatID)
	}
}

// Commands

func (b *Bot) cmdStart(chatID int64) {
	text := `🚀 *Welcome to Kitebot!*

Your NSE swing trading bot

*What I do:*
• 📊 Scan NIFTY 50 for hourly VWAP reclaims
• 📥 Enter qualifying breakouts with sized risk
• 🛡️ Exit on stop or 3R target automatically
• 📱 Report every fill here

*Quick Start:*
1️⃣ Use /status to check the engine
2️⃣ Use /positions to see open trades
3️⃣ Use /stats for this month's numbers

*Commands:*
/help - All commands
/stats - Month statistics
/risk - Monthly drawdown gate

Let's trade! 💪`

	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdHelp(chatID int64) {
	text := `📚 *Kitebot Commands*

*📊 Reporting:*
/status - Engine & market status
/equity - Live account equity
/stats - This month's statistics
/trades - Last 10 trades
/positions - Open positions
/risk - Monthly drawdown gate

*🎛️ Control:*
/pause - Pause new entries
/resume - Resume new entries
/ping - Test connection

*How Entries Work:*
Every hour the bot looks for NIFTY 50 stocks
reclaiming session VWAP on a volume surge.
Qualifying symbols are bought next bar when
price clears the reclaim high, sized so one
stop costs a fixed fraction of equity.`

	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdStatus(chatID int64) {
	mode := "🔴 LIVE"
	if b.cfg.DryRun {
		mode = "📝 PAPER"
	}

	entries := "🟢 Enabled"
	if b.stats != nil && b.stats.Paused() {
		entries = "⏸️ Paused"
	}

	openCount := 0
	if b.stats != nil {
		openCount = len(b.stats.GetOpenPositions())
	}

	text := fmt.Sprintf(`📊 *Bot Status*

🤖 *Bot:* Online
📡 *Mode:* %s
🎯 *New Entries:* %s

*Positions:*
• Open: %d
• Monitor Interval: %s

*Risk Settings:*
• Risk/Trade: %s%%
• Monthly Cap: %sR`,
		mode,
		entries,
		openCount,
		b.cfg.MonitorInterval.String(),
		b.cfg.RiskFraction.Mul(decimal.NewFromInt(100)).StringFixed(1),
		b.cfg.DrawdownCapR.StringFixed(1),
	)

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", "refresh_status"),
			tgbotapi.NewInlineKeyboardButtonData("🛡️ Risk", "show_risk"),
		),
	)

	b.sendMarkdownWithKeyboard(chatID, text, keyboard)
}

func (b *Bot) cmdEquity(chatID int64) {
	if b.stats == nil {
		b.sendText(chatID, "❌ Equity not available.")
		return
	}

	equity, err := b.stats.GetEquity()
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Failed to fetch equity: %s", err.Error()))
		return
	}

	text := fmt.Sprintf(`💰 *Account Equity*

*Total:* ₹%s

_Cash + holdings at last traded price._`,
		formatAmount(equity),
	)

	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdStats(chatID int64) {
	if b.stats == nil {
		b.sendText(chatID, "❌ Stats not available.")
		return
	}

	trades, wins, losses, totalR, netPnL := b.stats.GetStats()

	winRate := 0.0
	if trades > 0 {
		winRate = float64(wins) / float64(trades) * 100
	}

	var pnlEmoji string
	switch {
	case netPnL.IsPositive():
		pnlEmoji = "🟢"
	case netPnL.IsNegative():
		pnlEmoji = "🔴"
	default:
		pnlEmoji = "⚪"
	}

	text := fmt.Sprintf(`📈 *Month Statistics*

*Performance:*
%s Net P&L: ₹%s
├ Total R: %s
├ Win Rate: %.1f%%
├ Closed Trades: %d
├ Wins: %d
└ Losses: %d`,
		pnlEmoji,
		formatAmount(netPnL),
		totalR.StringFixed(2),
		winRate,
		trades,
		wins,
		losses,
	)

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", "refresh_stats"),
		),
	)

	b.sendMarkdownWithKeyboard(chatID, text, keyboard)
}

func (b *Bot) cmdTrades(chatID int64) {
	if b.stats == nil {
		b.sendText(chatID, "❌ Trades not available.")
		return
	}

	trades := b.stats.GetRecentTrades(10)
	if len(trades) == 0 {
		b.sendText(chatID, "📊 No trades recorded yet.")
		return
	}

	text := fmt.Sprintf("📜 *Recent Trades* (%d)\n\n", len(trades))

	for _, t := range trades {
		emoji := "⏳"
		detail := "open"
		if t.Status == "CLOSED" {
			if t.RValue.IsNegative() {
				emoji = "🛑"
			} else {
				emoji = "💰"
			}
			detail = fmt.Sprintf("%sR | ₹%s", t.RValue.StringFixed(2), formatAmount(t.PnL))
		}

		text += fmt.Sprintf(`%s *%s*
├ Entry: ₹%s × %d
└ %s · %s

`,
			emoji,
			escapeMarkdown(t.Symbol),
			t.EntryPrice.StringFixed(2),
			t.Quantity,
			detail,
			t.Timestamp.Format("Jan 2 15:04"),
		)
	}

	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdPositions(chatID int64) {
	if b.stats == nil {
		b.sendText(chatID, "❌ Positions not available.")
		return
	}

	positions := b.stats.GetOpenPositions()
	if len(positions) == 0 {
		b.sendText(chatID, "📊 No open positions.")
		return
	}

	text := fmt.Sprintf("💼 *Open Positions* (%d)\n\n", len(positions))

	for i, p := range positions {
		if i >= 5 {
			text += fmt.Sprintf("\n_...and %d more_", len(positions)-5)
			break
		}

		held := time.Since(p.EnteredAt).Round(time.Minute)

		text += fmt.Sprintf(`🟢 *%s* (%s)
├ Entry: ₹%s × %d
├ Stop: ₹%s | Target: ₹%s
└ Held: %s

`,
			escapeMarkdown(p.Symbol),
			p.State,
			p.EntryPrice.StringFixed(2),
			p.Quantity,
			p.StopLoss.StringFixed(2),
			p.TargetPrice.StringFixed(2),
			held,
		)
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", "refresh_positions"),
		),
	)

	b.sendMarkdownWithKeyboard(chatID, text, keyboard)
}

func (b *Bot) cmdRisk(chatID int64) {
	if b.stats == nil {
		b.sendText(chatID, "❌ Risk not available.")
		return
	}

	rSum, capR, allowed := b.stats.GetMonthRisk()

	gate := "🟢 Entries allowed"
	if !allowed {
		gate = "🔴 Entries blocked until next month"
	}

	text := fmt.Sprintf(`🛡️ *Monthly Drawdown Gate*

*Month R:* %s
*Cap:* %sR

%s`,
		rSum.StringFixed(2),
		capR.StringFixed(1),
		gate,
	)

	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdPause(chatID int64) {
	b.mu.RLock()
	cb := b.onPause
	b.mu.RUnlock()

	if cb == nil {
		b.sendText(chatID, "❌ Control not wired.")
		return
	}

	cb()
	b.sendText(chatID, "⏸️ New entries PAUSED. Open positions stay managed. Use /resume to re-enable.")
	log.Info().Msg("⏸️ Entries paused via Telegram")
}

func (b *Bot) cmdResume(chatID int64) {
	b.mu.RLock()
	cb := b.onResume
	b.mu.RUnlock()

	if cb == nil {
		b.sendText(chatID, "❌ Control not wired.")
		return
	}

	cb()
	b.sendText(chatID, "▶️ New entries RESUMED.")
	log.Info().Msg("▶️ Entries resumed via Telegram")
}

// Alerts

// NotifyEntry announces a filled entry.
func (b *Bot) NotifyEntry(pos types.Position) {
	text := fmt.Sprintf(`🟢 *TRADE OPENED*

*%s*
├ Entry: ₹%s
├ Qty: %d
├ Stop: ₹%s
└ Target: ₹%s

_ID: %s_`,
		escapeMarkdown(pos.Symbol),
		pos.EntryPrice.StringFixed(2),
		pos.Quantity,
		pos.StopLoss.StringFixed(2),
		pos.TargetPrice.StringFixed(2),
		pos.TradeID,
	)

	b.sendMarkdown(b.cfg.TelegramChatID, text)
}

// NotifyExit announces a closed trade with its R multiple.
func (b *Bot) NotifyExit(symbol, reason string, exitPrice, r, pnl decimal.Decimal) {
	var emoji string
	switch reason {
	case "TARGET":
		emoji = "💰"
	case "STOP":
		emoji = "🛑"
	default:
		emoji = "📊"
	}

	var resultText string
	if pnl.IsNegative() {
		resultText = fmt.Sprintf("❌ LOSS: -₹%s", formatAmount(pnl.Abs()))
	} else {
		resultText = fmt.Sprintf("✅ WIN: +₹%s", formatAmount(pnl))
	}

	text := fmt.Sprintf(`%s *TRADE CLOSED — %s*

*%s*
├ Exit: ₹%s
├ R: %s
└ %s`,
		emoji,
		reason,
		escapeMarkdown(symbol),
		exitPrice.StringFixed(2),
		r.StringFixed(2),
		resultText,
	)

	b.sendMarkdown(b.cfg.TelegramChatID, text)
}

// NotifySkip reports a signal that was not converted into an entry.
func (b *Bot) NotifySkip(symbol, reason string) {
	text := fmt.Sprintf(`⚠️ *ENTRY SKIPPED*

*%s*
%s`,
		escapeMarkdown(symbol),
		escapeMarkdown(reason),
	)

	b.sendMarkdown(b.cfg.TelegramChatID, text)
}

// NotifyAlert sends a high-priority operator alert.
func (b *Bot) NotifyAlert(message string) {
	b.sendMarkdown(b.cfg.TelegramChatID, "🚨 *ALERT*\n\n"+escapeMarkdown(message))
}

// NotifyStatus sends a routine informational notice.
func (b *Bot) NotifyStatus(message string) {
	b.sendMarkdown(b.cfg.TelegramChatID, message)
}

func (b *Bot) sendStartupMessage() {
	mode := "LIVE"
	if b.cfg.DryRun {
		mode = "PAPER"
	}

	text := fmt.Sprintf(`🟢 *Kitebot Online*

VWAP reclaim system active in %s mode.
Use /status to check the engine.`, mode)

	b.sendMarkdown(b.cfg.TelegramChatID, text)
}

// Helpers

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := b.api.Send(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
	return err
}

func (b *Bot) sendMarkdown(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	_, err := b.api.Send(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
	return err
}

func (b *Bot) sendMarkdownWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = keyboard
	_, err := b.api.Send(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
	return err
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}

// formatAmount renders a rupee amount with Indian digit grouping
// (12,34,567.89).
func formatAmount(d decimal.Decimal) string {
	s := d.StringFixed(2)

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	dot := strings.Index(s, ".")
	intPart, frac := s[:dot], s[dot:]

	if len(intPart) > 3 {
		head := intPart[:len(intPart)-3]
		tail := intPart[len(intPart)-3:]
		var groups []string
		for len(head) > 2 {
			groups = append([]string{head[len(head)-2:]}, groups...)
			head = head[:len(head)-2]
		}
		if head != "" {
			groups = append([]string{head}, groups...)
		}
		intPart = strings.Join(groups, ",") + "," + tail
	}

	if neg {
		return "-" + intPart + frac
	}
	return intPart + frac
}
