// Package config loads the runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polycopy/executor"
	"github.com/web3guy0/polycopy/sizing"
)

// Config is everything the process needs, already validated and clamped.
type Config struct {
	Leaders     []string
	ProxyWallet string
	PrivateKey  string

	ClobURL       string
	DataURL       string
	StreamURL     string
	ClobAPIKey    string
	ClobSecret    string
	ClobPass      string
	SignatureType int

	DatabasePath string

	FetchInterval     time.Duration
	ExecInterval      time.Duration
	ReconcileInterval time.Duration
	Batch             int
	LeaseTimeout      time.Duration

	Strategy sizing.Config
	Executor executor.Config

	DryRun     bool
	LiveStream bool

	TelegramToken  string
	TelegramChatID int64
}

// Load reads .env if present, then the environment. Missing optional values
// fall back to safe defaults; missing required ones are an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded .env")
	}

	cfg := &Config{
		Leaders:     getEnvList("USER_ADDRESSES"),
		ProxyWallet: os.Getenv("PROXY_WALLET"),
		PrivateKey:  os.Getenv("PRIVATE_KEY"),

		ClobURL:       os.Getenv("CLOB_URL"),
		DataURL:       os.Getenv("DATA_URL"),
		StreamURL:     os.Getenv("STREAM_URL"),
		ClobAPIKey:    os.Getenv("CLOB_API_KEY"),
		ClobSecret:    os.Getenv("CLOB_SECRET"),
		ClobPass:      os.Getenv("CLOB_PASS_PHRASE"),
		SignatureType: getEnvInt("SIGNATURE_TYPE", 0),

		DatabasePath: getEnv("DATABASE_PATH", "data/polycopy.db"),

		FetchInterval:     time.Duration(getEnvInt("FETCH_INTERVAL", 30)) * time.Second,
		ExecInterval:      time.Duration(getEnvInt("EXEC_INTERVAL_MS", 300)) * time.Millisecond,
		ReconcileInterval: time.Duration(getEnvInt("RECONCILE_INTERVAL_MINUTES", 5)) * time.Minute,
		Batch:             getEnvInt("BATCH", 10),
		LeaseTimeout:      time.Duration(getEnvInt("LEASE_TIMEOUT_MS", 30000)) * time.Millisecond,

		DryRun:     getEnvBool("DRY_RUN", false),
		LiveStream: getEnvBool("LIVE_STREAM", false),

		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: int64(getEnvInt("TELEGRAM_CHAT_ID", 0)),
	}

	strategy, err := sizing.Parse(os.Getenv("COPY_STRATEGY_CONFIG"))
	if err != nil {
		return nil, err
	}
	if max := getEnvDecimal("MAX_ORDER_SIZE", decimal.Zero); max.IsPositive() {
		strategy.MaxOrderSize = max
	}
	if min := getEnvDecimal("MIN_ORDER_SIZE_USD", decimal.Zero); min.IsPositive() {
		strategy.MinOrderSizeUsd = min
	}
	if min := getEnvDecimal("MIN_ORDER_SIZE_TOKENS", decimal.Zero); min.IsPositive() {
		strategy.MinOrderSizeTokens = min
	}
	cfg.Strategy = strategy

	execCfg := executor.DefaultConfig()
	execCfg.TooOldHours = getEnvInt("TOO_OLD_TIMESTAMP_HOURS", 24)
	execCfg.RetryLimit = getEnvInt("RETRY_LIMIT", 3)
	execCfg.MaxSlippageBps = int64(getEnvInt("MAX_SLIPPAGE_BPS", 500))
	execCfg.MinOrderSizeUsd = strategy.MinOrderSizeUsd
	execCfg.MinOrderSizeTokens = strategy.MinOrderSizeTokens
	execCfg.Viability = executor.ViabilityConfig{
		PriceLimit:             getEnvDecimal("VIABILITY_PRICE_LIMIT", decimal.NewFromFloat(0.90)),
		MinTimeBeforeEndMinute: getEnvInt("VIABILITY_MIN_TIME_BEFORE_END_MINUTES", 60),
		MaxSpreadBps:           getEnvDecimal("VIABILITY_MAX_SPREAD_BPS", decimal.NewFromInt(500)),
		MinDepthUsd:            getEnvDecimal("VIABILITY_MIN_DEPTH_USD", decimal.NewFromInt(10)),
	}
	execCfg.Edge = executor.EdgeConfig{
		MinPositionDeltaUsd:       getEnvDecimal("EDGE_MIN_POSITION_DELTA_USD", decimal.NewFromInt(1)),
		RequirePositionForSell:    getEnvBool("EDGE_REQUIRE_POSITION_FOR_SELL", true),
		MinTradePercentOfPosition: getEnvDecimal("EDGE_MIN_TRADE_PERCENT_OF_POSITION", decimal.NewFromInt(5)),
	}
	cfg.Executor = execCfg.Clamp()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Leaders) == 0 {
		return fmt.Errorf("USER_ADDRESSES is required")
	}
	if c.PrivateKey == "" && !c.DryRun {
		return fmt.Errorf("PRIVATE_KEY is required unless DRY_RUN=true")
	}
	if c.ProxyWallet == "" && c.PrivateKey == "" {
		return fmt.Errorf("PROXY_WALLET is required in dry-run mode")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer, using default")
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1" || v == "yes"
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid decimal, using default")
		return fallback
	}
	return d
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
