package risk

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/kitebot/internal/ledger"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK MANAGER - Monthly drawdown gate
//
// Derives realized R for the calendar month straight from the ledger
// partitions and blocks new entries once the configured cap is breached.
// The gate is advisory for entries only: open positions keep being managed
// and exits always go through.
// ═══════════════════════════════════════════════════════════════════════════════

type Manager struct {
	ledger *ledger.Ledger
	capR   decimal.Decimal // negative, e.g. -5.0
}

// NewManager creates the gate with a negative monthly R cap.
func NewManager(lg *ledger.Ledger, capR decimal.Decimal) *Manager {
	log.Info().Str("monthly_cap_r", capR.StringFixed(1)).Msg("🛡️ Risk manager initialized")
	return &Manager{ledger: lg, capR: capR}
}

// CurrentPeriodR returns the month's realized R and how many closed trades
// contributed. Recomputed from the partition on every call so a restart or an
// external edit to the ledger is picked up immediately.
func (m *Manager) CurrentPeriodR(at time.Time) (decimal.Decimal, int) {
	return m.ledger.MonthR(at)
}

// MayOpenNewTrade reports whether a new entry is allowed right now. Blocked
// exactly when the month's realized R has fallen to the cap or below.
func (m *Manager) MayOpenNewTrade(at time.Time) (bool, decimal.Decimal) {
	rSum, count := m.CurrentPeriodR(at)

	if rSum.LessThanOrEqual(m.capR) {
		log.Warn().
			Str("month_r", rSum.StringFixed(2)).
			Str("cap_r", m.capR.StringFixed(1)).
			Int("trades", count).
			Msg("🛡️ Monthly drawdown cap hit, new entries blocked")
		return false, rSum
	}

	return true, rSum
}

// CheckAfterClose re-evaluates the gate after a close and reports whether the
// cap is now breached, so the caller can alert once at the crossing.
func (m *Manager) CheckAfterClose(at time.Time) (breached bool, rSum decimal.Decimal) {
	rSum, count := m.CurrentPeriodR(at)

	if rSum.LessThanOrEqual(m.capR) {
		log.Warn().
			Str("month_r", rSum.StringFixed(2)).
			Str("cap_r", m.capR.StringFixed(1)).
			Int("trades", count).
			Msg("🚨 Monthly drawdown cap breached")
		return true, rSum
	}

	return false, rSum
}
