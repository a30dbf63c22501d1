package bot

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/types"
)

// Notifier is the outbound alert surface. Telegram implements it for live
// runs; Nop keeps the trading path identical when no token is configured.
// Notifications are fire-and-forget: a delivery failure never touches the
// trading flow.
type Notifier interface {
	NotifyEntry(pos types.Position)
	NotifyExit(symbol, reason string, exitPrice, r, pnl decimal.Decimal)
	NotifySkip(symbol, reason string)
	NotifyAlert(message string)
	NotifyStatus(message string)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) NotifyEntry(types.Position) {}

func (Nop) NotifyExit(string, string, decimal.Decimal, decimal.Decimal, decimal.Decimal) {}

func (Nop) NotifySkip(string, string) {}

func (Nop) NotifyAlert(string) {}

func (Nop) NotifyStatus(string) {}

var _ Notifier = Nop{}

// Relay forwards notifications to a target bound after construction. The
// trading components and the Telegram bot reference each other (the bot
// reads stats from the engine, the components alert through the bot), so
// everything is wired against a Relay and the bot is bound once it exists.
type Relay struct {
	mu     sync.RWMutex
	target Notifier
}

// NewRelay returns a relay that discards notifications until Bind is called.
func NewRelay() *Relay {
	return &Relay{target: Nop{}}
}

// Bind points the relay at its final target.
func (r *Relay) Bind(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = n
}

func (r *Relay) current() Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

func (r *Relay) NotifyEntry(pos types.Position) { r.current().NotifyEntry(pos) }

func (r *Relay) NotifyExit(symbol, reason string, exitPrice, rValue, pnl decimal.Decimal) {
	r.current().NotifyExit(symbol, reason, exitPrice, rValue, pnl)
}

func (r *Relay) NotifySkip(symbol, reason string) { r.current().NotifySkip(symbol, reason) }

func (r *Relay) NotifyAlert(message string) { r.current().NotifyAlert(message) }

func (r *Relay) NotifyStatus(message string) { r.current().NotifyStatus(message) }

var _ Notifier = (*Relay)(nil)
