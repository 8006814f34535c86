package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the signal execution core.
type Config struct {
	Port string

	// BingX exchange
	BingXAPIKey    string
	BingXSecretKey string
	BingXTestnet   bool

	// Execution
	TradingEnabled  bool
	DefaultLeverage int
	FixedNotional   decimal.Decimal // USD notional used when a signal has no explicit quantity
	MinQuantity     decimal.Decimal // fallback quantity when entry price is unknown

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration

	// Reconciliation
	ReconcileInterval time.Duration

	// Exchange order stream
	EnableOrderStream bool

	// Database
	DBPath string

	// Signal sources
	SignalSourcesPath string

	// Auth
	JWTSecret        string
	OperatorEmail    string
	OperatorPassword string

	// Audit
	LogFile string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                    getEnv("PORT", "8080"),
		BingXAPIKey:             os.Getenv("BINGX_API_KEY"),
		BingXSecretKey:          os.Getenv("BINGX_SECRET_KEY"),
		BingXTestnet:            getEnv("BINGX_TESTNET", "false") == "true",
		TradingEnabled:          getEnv("TRADING_ENABLED", "false") == "true",
		DefaultLeverage:         getEnvInt("DEFAULT_LEVERAGE", 50),
		FixedNotional:           getEnvDecimal("FIXED_NOTIONAL_USD", decimal.NewFromInt(10)),
		MinQuantity:             getEnvDecimal("MIN_QUANTITY", decimal.RequireFromString("0.001")),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
		ReconcileInterval:       getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		EnableOrderStream:       getEnv("ENABLE_ORDER_STREAM", "false") == "true",
		DBPath:                  getEnv("DB_PATH", "./data/signals.db"),
		SignalSourcesPath:       getEnv("SIGNAL_SOURCES_PATH", "signal_sources.yaml"),
		JWTSecret:               getEnv("JWT_SECRET", "dev-secret"),
		OperatorEmail:           getEnv("OPERATOR_EMAIL", "operator@localhost"),
		OperatorPassword:        os.Getenv("OPERATOR_PASSWORD"),
		LogFile:                 os.Getenv("LOG_FILE"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}
