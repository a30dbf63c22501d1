// Package database keeps a queryable SQL mirror of the trade journal. The
// JSON ledger stays the source of truth; everything here is rebuildable
// from it, so a lost or corrupted database costs queries, not money.
package database

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/kitebot/internal/ledger"
)

type Archive struct {
	db *gorm.DB
}

// Models

// TradeRow mirrors one ledger trade.
type TradeRow struct {
	TradeID      string `gorm:"primaryKey"`
	Symbol       string `gorm:"index"`
	Status       string `gorm:"index"`
	EntryTime    time.Time
	EntryPrice   decimal.Decimal `gorm:"type:decimal(12,2)"`
	StopLoss     decimal.Decimal `gorm:"type:decimal(12,2)"`
	TargetPrice  decimal.Decimal `gorm:"type:decimal(12,2)"`
	Quantity     int64
	EquityBefore decimal.Decimal `gorm:"type:decimal(14,2)"`
	EquityAfter  decimal.Decimal `gorm:"type:decimal(14,2)"`
	ExitTime     *time.Time
	ExitPrice    decimal.Decimal `gorm:"type:decimal(12,2)"`
	ExitReason   string
	BarsHeld     int
	PnLTotal     decimal.Decimal `gorm:"type:decimal(14,2)"`
	RValue       decimal.Decimal `gorm:"type:decimal(10,4)"`
	Charges      decimal.Decimal `gorm:"type:decimal(12,2)"`
	NetPnL       decimal.Decimal `gorm:"type:decimal(14,2)"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MonthlySummaryRow mirrors one month's derived rollup.
type MonthlySummaryRow struct {
	Month        string `gorm:"primaryKey"`
	TradesClosed int
	TradesOpen   int
	Wins         int
	Losses       int
	WinRate      float64
	TotalR       float64
	Expectancy   float64
	NetPnL       float64
	UpdatedAt    time.Time
}

// Stats is the aggregate view the bot's commands read.
type Stats struct {
	ClosedTrades int64
	OpenTrades   int64
	Wins         int64
	Losses       int64
	TotalR       decimal.Decimal
	NetPnL       decimal.Decimal
}

func New(dbPath string) (*Archive, error) {
	var db *gorm.DB
	var err error

	// Check if this is a PostgreSQL connection string
	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		// SQLite fallback
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TradeRow{}, &MonthlySummaryRow{}); err != nil {
		return nil, err
	}

	return &Archive{db: db}, nil
}

// MonthCommitted upserts a month's rows and summary. Implements
// ledger.Mirror: failures are logged and swallowed, because the journal has
// already committed and the mirror can always be rebuilt.
func (a *Archive) MonthCommitted(trades []ledger.Trade, summary ledger.MonthlySummary) {
	for _, tr := range trades {
		if err := a.db.Save(rowFromTrade(tr)).Error; err != nil {
			log.Warn().Err(err).Str("trade_id", tr.TradeID).Msg("⚠️ Failed to mirror trade to database")
		}
	}

	row := MonthlySummaryRow{
		Month:        summary.Month,
		TradesClosed: summary.TradesClosed,
		TradesOpen:   summary.TradesOpen,
		Wins:         summary.Wins,
		Losses:       summary.Losses,
		WinRate:      summary.WinRate,
		TotalR:       summary.TotalR,
		Expectancy:   summary.Expectancy,
		NetPnL:       summary.NetPnL,
	}
	if err := a.db.Save(&row).Error; err != nil {
		log.Warn().Err(err).Str("month", summary.Month).Msg("⚠️ Failed to mirror summary to database")
	}
}

// Reset drops every mirrored row ahead of a full rebuild from the ledger.
func (a *Archive) Reset() error {
	if err := a.db.Where("1 = 1").Delete(&TradeRow{}).Error; err != nil {
		return err
	}
	return a.db.Where("1 = 1").Delete(&MonthlySummaryRow{}).Error
}

// Trade operations

func rowFromTrade(tr ledger.Trade) *TradeRow {
	return &TradeRow{
		TradeID:      tr.TradeID,
		Symbol:       tr.Symbol,
		Status:       tr.Status,
		EntryTime:    tr.EntryTime,
		EntryPrice:   tr.EntryPrice,
		StopLoss:     tr.StopLoss,
		TargetPrice:  tr.TargetPrice,
		Quantity:     tr.Quantity,
		EquityBefore: tr.EquityBefore,
		EquityAfter:  tr.EquityAfter,
		ExitTime:     tr.ExitTime,
		ExitPrice:    tr.ExitPrice,
		ExitReason:   tr.ExitReason,
		BarsHeld:     tr.BarsHeld,
		PnLTotal:     tr.PnLTotal,
		RValue:       tr.RValue,
		Charges:      tr.Charges,
		NetPnL:       tr.NetPnL,
	}
}

// RecentTrades returns the newest trades by entry time.
func (a *Archive) RecentTrades(limit int) ([]TradeRow, error) {
	var rows []TradeRow
	err := a.db.Order("entry_time DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// TradesBySymbol returns a symbol's trades, newest first.
func (a *Archive) TradesBySymbol(symbol string, limit int) ([]TradeRow, error) {
	var rows []TradeRow
	err := a.db.Where("symbol = ?", symbol).Order("entry_time DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Stats operations

// GetStats aggregates closed-trade performance across the whole mirror.
func (a *Archive) GetStats() (Stats, error) {
	var stats Stats

	if err := a.db.Model(&TradeRow{}).Where("status = ?", ledger.StatusClosed).Count(&stats.ClosedTrades).Error; err != nil {
		return stats, err
	}
	if err := a.db.Model(&TradeRow{}).Where("status = ?", ledger.StatusOpen).Count(&stats.OpenTrades).Error; err != nil {
		return stats, err
	}
	if err := a.db.Model(&TradeRow{}).Where("status = ? AND r_value > 0", ledger.StatusClosed).Count(&stats.Wins).Error; err != nil {
		return stats, err
	}
	stats.Losses = stats.ClosedTrades - stats.Wins

	var totals struct {
		TotalR decimal.Decimal
		NetPnL decimal.Decimal
	}
	err := a.db.Model(&TradeRow{}).
		Where("status = ?", ledger.StatusClosed).
		Select("COALESCE(SUM(r_value), 0) as total_r, COALESCE(SUM(net_pn_l), 0) as net_pn_l").
		Scan(&totals).Error
	if err != nil {
		return stats, err
	}
	stats.TotalR = totals.TotalR
	stats.NetPnL = totals.NetPnL

	return stats, nil
}

// MonthlySummaries returns mirrored month rollups, newest first.
func (a *Archive) MonthlySummaries(limit int) ([]MonthlySummaryRow, error) {
	var rows []MonthlySummaryRow
	err := a.db.Order("month DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
