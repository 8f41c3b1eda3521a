package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any env vars that might affect the test
	for _, v := range []string{
		"STAGE", "TELEGRAM_BOT_TOKEN", "DISCORD_BOT_TOKEN",
		"MIN_TRADE_SIZE_USD", "USD_MULTIPLIER", "MIN_CONFIDENCE",
		"WALLET_CACHE_TTL", "MARKET_CACHE_TTL", "SEEN_TRADES_MAX_SIZE",
		"TRADE_POLL_INTERVAL", "LOG_LEVEL", "SPECIFIC_MARKETS",
		"POLYGON_RPC_URL", "FUNDING_LOOKBACK", "MIN_USER_TRADES_THRESHOLD",
	} {
		t.Setenv(v, "")
	}

	cfg := Load()

	if cfg.IsProd {
		t.Error("expected IsProd to be false by default")
	}
	if cfg.Telegram.BotToken != "" {
		t.Error("expected empty bot token by default")
	}
	if cfg.Detection.MinTradeUSD != 10000.0 {
		t.Errorf("unexpected min trade usd: %f", cfg.Detection.MinTradeUSD)
	}
	if cfg.Detection.MinConfidence != 30.0 {
		t.Errorf("unexpected min confidence: %f", cfg.Detection.MinConfidence)
	}
	if cfg.Detection.NewWalletWindow != 24*time.Hour {
		t.Errorf("unexpected new wallet window: %v", cfg.Detection.NewWalletWindow)
	}
	if cfg.Detection.WalletLookback != 72*time.Hour {
		t.Errorf("unexpected wallet lookback: %v", cfg.Detection.WalletLookback)
	}
	if cfg.Cache.WalletTTL != 30*time.Minute {
		t.Errorf("unexpected wallet cache TTL: %v", cfg.Cache.WalletTTL)
	}
	if cfg.Cache.MarketTTL != 60*time.Minute {
		t.Errorf("unexpected market cache TTL: %v", cfg.Cache.MarketTTL)
	}
	if cfg.Ledger.MaxSize != 10000 {
		t.Errorf("unexpected ledger max size: %d", cfg.Ledger.MaxSize)
	}
	if cfg.Resilience.RetryAttempts != 3 || cfg.Resilience.BreakerThreshold != 3 {
		t.Errorf("unexpected resilience defaults: %+v", cfg.Resilience)
	}
	if cfg.Resilience.BreakerCooldown != 30*time.Second {
		t.Errorf("unexpected breaker cooldown: %v", cfg.Resilience.BreakerCooldown)
	}
	if cfg.Markets.SpecificMarkets != nil {
		t.Errorf("expected nil SpecificMarkets by default, got %v", cfg.Markets.SpecificMarkets)
	}
	if cfg.Detection.FundingLookback != 24*time.Hour || cfg.Detection.MinUserTrades != 5 {
		t.Errorf("unexpected funding defaults: %v / %d", cfg.Detection.FundingLookback, cfg.Detection.MinUserTrades)
	}
	if cfg.Chain.RPCURL != "" {
		t.Error("expected funding lookups off by default")
	}
	if cfg.Chain.USDCAddress != polygonUSDCe || cfg.Chain.BlockTime != 2*time.Second {
		t.Errorf("unexpected chain defaults: %+v", cfg.Chain)
	}

	if res := cfg.Validate(); !res.Valid {
		t.Errorf("defaults should validate, got %+v", res.Errors)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("STAGE", "PROD")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-token")
	t.Setenv("TELEGRAM_PROD_CHAT_ID", "-100123")
	t.Setenv("DISCORD_BOT_TOKEN", "dc-token")
	t.Setenv("MIN_TRADE_SIZE_USD", "2500.5")
	t.Setenv("USD_MULTIPLIER", "1000")
	t.Setenv("WALLET_CACHE_TTL", "15m")
	t.Setenv("SEEN_TRADES_MAX_SIZE", "500")
	t.Setenv("USE_SUBGRAPH", "false")
	t.Setenv("SPECIFIC_MARKETS", "cond1, cond2,,cond3")
	t.Setenv("POLYMARKET_DATA_API_URL", "https://custom-data.com")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	if !cfg.IsProd {
		t.Error("expected IsProd to be true")
	}
	if cfg.Telegram.BotToken != "tg-token" || cfg.Telegram.ProdChatID != "-100123" {
		t.Errorf("unexpected telegram config: %+v", cfg.Telegram)
	}
	if cfg.Discord.BotToken != "dc-token" {
		t.Errorf("unexpected discord token: %s", cfg.Discord.BotToken)
	}
	if cfg.Detection.MinTradeUSD != 2500.5 {
		t.Errorf("unexpected min trade usd: %f", cfg.Detection.MinTradeUSD)
	}
	if cfg.Detection.USDMultiplier != 1000 {
		t.Errorf("unexpected multiplier: %f", cfg.Detection.USDMultiplier)
	}
	if cfg.Cache.WalletTTL != 15*time.Minute {
		t.Errorf("unexpected wallet cache TTL: %v", cfg.Cache.WalletTTL)
	}
	if cfg.Ledger.MaxSize != 500 {
		t.Errorf("unexpected ledger size: %d", cfg.Ledger.MaxSize)
	}
	if cfg.Sources.UseSubgraph {
		t.Error("expected subgraph source disabled")
	}
	if len(cfg.Markets.SpecificMarkets) != 3 || cfg.Markets.SpecificMarkets[1] != "cond2" {
		t.Errorf("unexpected specific markets: %v", cfg.Markets.SpecificMarkets)
	}
	if cfg.Polymarket.DataAPIURL != "https://custom-data.com" {
		t.Errorf("unexpected data API URL: %s", cfg.Polymarket.DataAPIURL)
	}
	if cfg.Logging.ZapLevel() != zapcore.DebugLevel {
		t.Errorf("unexpected log level: %v", cfg.Logging.ZapLevel())
	}
}

func TestLoadFile_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "polyinsider.yaml")
	yaml := `
detection:
  min_trade_usd: 50000
  min_confidence: 45
cache:
  wallet_ttl: 10m
markets:
  specific_markets: ["0xaaa", "0xbbb"]
  specific_markets_only: true
logging:
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("MIN_CONFIDENCE", "55")
	t.Setenv("MIN_TRADE_SIZE_USD", "")
	t.Setenv("WALLET_CACHE_TTL", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("SPECIFIC_MARKETS", "")
	t.Setenv("SPECIFIC_MARKETS_ONLY", "")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 50000.0, cfg.Detection.MinTradeUSD)
	assert.Equal(t, 55.0, cfg.Detection.MinConfidence, "env must win over file")
	assert.Equal(t, 10*time.Minute, cfg.Cache.WalletTTL)
	assert.Equal(t, 60*time.Minute, cfg.Cache.MarketTTL, "unset keys keep defaults")
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, cfg.Markets.SpecificMarkets)
	assert.True(t, cfg.Markets.SpecificMarketsOnly)
	assert.Equal(t, zapcore.WarnLevel, cfg.Logging.ZapLevel())
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero threshold", func(c *Config) { c.Detection.MinTradeUSD = 0 }, "detection.min_trade_usd"},
		{"negative multiplier", func(c *Config) { c.Detection.USDMultiplier = -1 }, "detection.usd_multiplier"},
		{"confidence above 100", func(c *Config) { c.Detection.MinConfidence = 101 }, "detection.min_confidence"},
		{"lookback shorter than window", func(c *Config) { c.Detection.WalletLookback = time.Hour }, "detection.wallet_lookback"},
		{"zero wallet ttl", func(c *Config) { c.Cache.WalletTTL = 0 }, "cache.wallet_ttl"},
		{"zero ledger", func(c *Config) { c.Ledger.MaxSize = 0 }, "ledger.max_size"},
		{"no sources", func(c *Config) {
			c.Sources.UseWebSocket, c.Sources.UsePolling, c.Sources.UseSubgraph = false, false, false
		}, "sources"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad port", func(c *Config) { c.HealthServer.Port = 70000 }, "health_server.port"},
		{"relative url", func(c *Config) { c.Polymarket.DataAPIURL = "/data" }, "polymarket.data_api_url"},
		{"malformed telegram token", func(c *Config) {
			c.Telegram.BotToken = "not-a-token"
			c.Telegram.ProdChatID = "1"
		}, "telegram.bot_token"},
		{"zero breaker threshold", func(c *Config) { c.Resilience.BreakerThreshold = 0 }, "resilience.breaker_threshold"},
		{"zero rate", func(c *Config) { c.Resilience.DataRatePerSecond = 0 }, "resilience.data_rate_per_second"},
		{"only specific without markets", func(c *Config) { c.Markets.SpecificMarketsOnly = true }, "markets.specific_markets"},
		{"negative user trades", func(c *Config) { c.Detection.MinUserTrades = -1 }, "detection.min_user_trades"},
		{"zero funding lookback", func(c *Config) { c.Detection.FundingLookback = 0 }, "detection.funding_lookback"},
		{"rpc url without host", func(c *Config) { c.Chain.RPCURL = "https://" }, "chain.rpc_url"},
		{"bad usdc address", func(c *Config) {
			c.Chain.RPCURL = "https://polygon-rpc.com"
			c.Chain.USDCAddress = "0x1234"
		}, "chain.usdc_address"},
		{"zero block range", func(c *Config) {
			c.Chain.RPCURL = "https://polygon-rpc.com"
			c.Chain.MaxBlockRange = 0
		}, "chain.max_block_range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)

			res := cfg.Validate()
			require.False(t, res.Valid)

			var fields []string
			for _, e := range res.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)

			var cve *ConfigValidationError
			require.True(t, errors.As(res.Err(), &cve))
			assert.Contains(t, cve.Error(), tt.field)
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	cfg := Defaults()
	cfg.Detection.MinTradeUSD = 50
	cfg.Sources.PollInterval = 5 * time.Second

	res := cfg.Validate()
	assert.True(t, res.Valid, "warnings must not invalidate: %+v", res.Errors)
	assert.NoError(t, res.Err())
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, "detection.min_trade_usd", res.Warnings[0].Field)
	assert.Equal(t, "sources.poll_interval", res.Warnings[1].Field)
}

func TestValidate_ChainSkippedWithoutRPC(t *testing.T) {
	cfg := Defaults()
	cfg.Chain.USDCAddress = "garbage"
	cfg.Chain.BlockTime = 0

	res := cfg.Validate()
	assert.True(t, res.Valid, "chain settings only matter with an RPC URL: %+v", res.Errors)
}

func TestValidate_LongFundingLookbackWarns(t *testing.T) {
	cfg := Defaults()
	cfg.Detection.FundingLookback = 30 * 24 * time.Hour

	res := cfg.Validate()
	assert.True(t, res.Valid)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "detection.funding_lookback", res.Warnings[0].Field)
}

func TestLogLevels(t *testing.T) {
	tests := map[string]zapcore.Level{
		"DEBUG":    zapcore.DebugLevel,
		"info":     zapcore.InfoLevel,
		"WARNING":  zapcore.WarnLevel,
		"error":    zapcore.ErrorLevel,
		"CRITICAL": zapcore.DPanicLevel,
		"bogus":    zapcore.InfoLevel,
	}
	for name, want := range tests {
		if got := (LoggingConfig{Level: name}).ZapLevel(); got != want {
			t.Errorf("ZapLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestEnvString(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")
	t.Setenv("TEST_WHITESPACE", "  trimmed  ")

	if v := envString("TEST_STRING", "default"); v != "hello" {
		t.Errorf("expected 'hello', got '%s'", v)
	}
	if v := envString("NONEXISTENT", "default"); v != "default" {
		t.Errorf("expected 'default', got '%s'", v)
	}
	if v := envString("TEST_WHITESPACE", "default"); v != "trimmed" {
		t.Errorf("expected 'trimmed', got '%s'", v)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INVALID_INT", "not-a-number")

	if v := envInt("TEST_INT", 0); v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
	if v := envInt("NONEXISTENT", 100); v != 100 {
		t.Errorf("expected 100, got %d", v)
	}
	if v := envInt("TEST_INVALID_INT", 50); v != 50 {
		t.Errorf("expected 50 for invalid int, got %d", v)
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "3.14159")
	t.Setenv("TEST_INVALID_FLOAT", "not-a-number")

	if v := envFloat("TEST_FLOAT", 0); v != 3.14159 {
		t.Errorf("expected 3.14159, got %f", v)
	}
	if v := envFloat("NONEXISTENT", 2.5); v != 2.5 {
		t.Errorf("expected 2.5, got %f", v)
	}
	if v := envFloat("TEST_INVALID_FLOAT", 1.5); v != 1.5 {
		t.Errorf("expected 1.5 for invalid float, got %f", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "5m30s")
	t.Setenv("TEST_INVALID_DURATION", "not-a-duration")

	expected := 5*time.Minute + 30*time.Second
	if v := envDuration("TEST_DURATION", 0); v != expected {
		t.Errorf("expected %v, got %v", expected, v)
	}
	if v := envDuration("NONEXISTENT", 10*time.Second); v != 10*time.Second {
		t.Errorf("expected 10s, got %v", v)
	}
	if v := envDuration("TEST_INVALID_DURATION", 1*time.Minute); v != 1*time.Minute {
		t.Errorf("expected 1m for invalid duration, got %v", v)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL_TRUE", "PROD")
	t.Setenv("TEST_BOOL_FALSE", "DEV")
	t.Setenv("TEST_BOOL_CASE", "prod")

	if !envBool("TEST_BOOL_TRUE", "PROD") {
		t.Error("expected true for PROD")
	}
	if envBool("TEST_BOOL_FALSE", "PROD") {
		t.Error("expected false for DEV")
	}
	if !envBool("TEST_BOOL_CASE", "PROD") {
		t.Error("expected true for case-insensitive match")
	}
	if envBool("NONEXISTENT", "PROD") {
		t.Error("expected false for nonexistent")
	}
}

func TestEnvBoolDefault(t *testing.T) {
	for _, tc := range []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"", false, false},
		{"yes", false, true},
		{"1", false, true},
		{"TRUE", false, true},
		{"no", true, false},
	} {
		t.Setenv("TEST_BOOL_DEFAULT", tc.val)
		if got := envBoolDefault("TEST_BOOL_DEFAULT", tc.def); got != tc.want {
			t.Errorf("envBoolDefault(%q, %v) = %v, want %v", tc.val, tc.def, got, tc.want)
		}
	}
}

func TestEnvStringSliceDefault(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected []string
	}{
		{"empty keeps default", "", []string{"default"}},
		{"single value", "abc", []string{"abc"}},
		{"with whitespace", "abc , def , ghi ", []string{"abc", "def", "ghi"}},
		{"empty elements filtered", "abc,,def,", []string{"abc", "def"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_STRING_SLICE", tt.envValue)
			assert.Equal(t, tt.expected, envStringSliceDefault("TEST_STRING_SLICE", []string{"default"}))
		})
	}
}
