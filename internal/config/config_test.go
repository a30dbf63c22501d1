package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KITE_API_KEY", "test_key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.DryRun)
	assert.Equal(t, "https://api.kite.trade", cfg.KiteBaseURL)
	assert.True(t, cfg.RiskFraction.Equal(decimal.NewFromFloat(0.01)))
	assert.True(t, cfg.DrawdownCapR.Equal(decimal.NewFromFloat(-5.0)))
	assert.True(t, cfg.TPMultiplier.Equal(decimal.NewFromFloat(3.0)))
	assert.Equal(t, 2*time.Second, cfg.VerifyWait)
	assert.Equal(t, 3*time.Second, cfg.VerifyRecheckWait)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, time.Second, cfg.MonitorInterval)
	assert.Equal(t, 256265, cfg.IndexToken)
	assert.Equal(t, "Asia/Kolkata", cfg.Timezone)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KITE_API_KEY", "test_key")
	t.Setenv("RISK_FRACTION", "0.02")
	t.Setenv("MONTHLY_DD_CAP_R", "-3")
	t.Setenv("MONITOR_INTERVAL", "5s")
	t.Setenv("DRY_RUN", "false")
	t.Setenv("TELEGRAM_CHAT_ID", "12345678")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.RiskFraction.Equal(decimal.NewFromFloat(0.02)))
	assert.True(t, cfg.DrawdownCapR.Equal(decimal.NewFromInt(-3)))
	assert.Equal(t, 5*time.Second, cfg.MonitorInterval)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, int64(12345678), cfg.TelegramChatID)
}

func TestLoadRejectsMissingAPIKey(t *testing.T) {
	t.Setenv("KITE_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsBadRanges(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			KiteAPIKey:          "k",
			KiteBaseURL:         "https://api.kite.trade",
			KiteWSURL:           "wss://ws.kite.trade",
			RiskFraction:        decimal.NewFromFloat(0.01),
			DrawdownCapR:        decimal.NewFromFloat(-5),
			TPMultiplier:        decimal.NewFromFloat(3),
			RetryAttempts:       3,
			MonitorInterval:     time.Second,
			TickBudget:          10 * time.Second,
			UniversePath:        "nifty50_symbols.csv",
			InstrumentsPath:     "instruments_nse.json",
			IndexToken:          256265,
			BaselinePeriod:      50,
			VolumeSurgeMultiple: decimal.NewFromFloat(1.5),
			Timezone:            "Asia/Kolkata",
			DataDir:             "data",
			DatabasePath:        "data/kitebot.db",
		}
		return cfg
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.RiskFraction = decimal.Zero
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.DrawdownCapR = decimal.NewFromInt(5)
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.TPMultiplier = decimal.NewFromInt(-1)
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Timezone = "Not/AZone"
	assert.Error(t, cfg.Validate())
}

func TestLoadRejectsBadChatID(t *testing.T) {
	t.Setenv("KITE_API_KEY", "test_key")
	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")

	_, err := Load()
	require.Error(t, err)
}

func TestLocation(t *testing.T) {
	cfg := &Config{Timezone: "Asia/Kolkata"}
	loc := cfg.Location()
	require.NotNil(t, loc)
	assert.Equal(t, "Asia/Kolkata", loc.String())
}
