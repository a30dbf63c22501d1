package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot. It is built once at startup
// and passed to each component; nothing reads the environment after Load.
type Config struct {
	// Telegram (optional - bot runs silent without it)
	TelegramToken  string
	TelegramChatID int64

	// Mode
	DryRun bool
	Debug  bool

	// Kite-style broker API
	KiteAPIKey      string `validate:"required"`
	KiteAccessToken string
	KiteBaseURL     string `validate:"required,url"`
	KiteWSURL       string `validate:"required"`

	// Risk model
	RiskFraction decimal.Decimal // fraction of equity risked per trade (0.01 = 1%)
	DrawdownCapR decimal.Decimal // monthly cap on cumulative R, negative (-5.0)
	TPMultiplier decimal.Decimal // target = entry + TPMultiplier * risk per share

	// Order verification
	VerifyWait        time.Duration `validate:"min=0"`
	VerifyRecheckWait time.Duration `validate:"min=0"`

	// Broker call retry policy
	RetryAttempts int           `validate:"min=1"`
	RetryDelay    time.Duration `validate:"min=0"`

	// Monitor cadence
	MonitorInterval time.Duration `validate:"gt=0"`
	TickBudget      time.Duration `validate:"gt=0"`

	// Scanner
	UniversePath        string `validate:"required"`
	InstrumentsPath     string `validate:"required"`
	IndexToken          int    `validate:"gt=0"`
	BaselinePeriod      int    `validate:"gt=0"`
	VolumeSurgeMultiple decimal.Decimal

	// Session times (exchange local time)
	Timezone       string `validate:"required"`
	StatusInterval time.Duration

	// Storage
	DataDir      string `validate:"required"`
	DatabasePath string `validate:"required"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Mode
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		// Broker
		KiteAPIKey:      os.Getenv("KITE_API_KEY"),
		KiteAccessToken: os.Getenv("KITE_ACCESS_TOKEN"),
		KiteBaseURL:     getEnv("KITE_BASE_URL", "https://api.kite.trade"),
		KiteWSURL:       getEnv("KITE_WS_URL", "wss://ws.kite.trade"),

		// Risk
		RiskFraction: getEnvDecimal("RISK_FRACTION", decimal.NewFromFloat(0.01)),
		DrawdownCapR: getEnvDecimal("MONTHLY_DD_CAP_R", decimal.NewFromFloat(-5.0)),
		TPMultiplier: getEnvDecimal("TP_MULTIPLIER", decimal.NewFromFloat(3.0)),

		// Verification
		VerifyWait:        getEnvDuration("VERIFY_WAIT", 2*time.Second),
		VerifyRecheckWait: getEnvDuration("VERIFY_RECHECK_WAIT", 3*time.Second),

		// Retries
		RetryAttempts: getEnvInt("RETRY_ATTEMPTS", 3),
		RetryDelay:    getEnvDuration("RETRY_DELAY", 500*time.Millisecond),

		// Monitor
		MonitorInterval: getEnvDuration("MONITOR_INTERVAL", 1*time.Second),
		TickBudget:      getEnvDuration("TICK_BUDGET", 10*time.Second),

		// Scanner
		UniversePath:        getEnv("UNIVERSE_PATH", "nifty50_symbols.csv"),
		InstrumentsPath:     getEnv("INSTRUMENTS_PATH", "instruments_nse.json"),
		IndexToken:          getEnvInt("INDEX_TOKEN", 256265), // NSE:NIFTY 50
		BaselinePeriod:      getEnvInt("BASELINE_PERIOD", 50),
		VolumeSurgeMultiple: getEnvDecimal("VOLUME_SURGE_MULTIPLE", decimal.NewFromFloat(1.5)),

		// Session
		Timezone:       getEnv("TIMEZONE", "Asia/Kolkata"),
		StatusInterval: getEnvDuration("STATUS_INTERVAL", 10*time.Minute),

		// Storage
		DataDir:      getEnv("DATA_DIR", "data"),
		DatabasePath: getEnv("DATABASE_PATH", "data/kitebot.db"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks tagged fields plus the decimal ranges the tag engine
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.RiskFraction.LessThanOrEqual(decimal.Zero) || c.RiskFraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("RISK_FRACTION must be in (0, 1), got %s", c.RiskFraction)
	}
	if c.DrawdownCapR.GreaterThanOrEqual(decimal.Zero) {
		return fmt.Errorf("MONTHLY_DD_CAP_R must be negative, got %s", c.DrawdownCapR)
	}
	if c.TPMultiplier.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("TP_MULTIPLIER must be positive, got %s", c.TPMultiplier)
	}
	if c.VolumeSurgeMultiple.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("VOLUME_SURGE_MULTIPLE must be positive, got %s", c.VolumeSurgeMultiple)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}

	return nil
}

// Location resolves the configured exchange timezone. Validate has already
// checked it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
