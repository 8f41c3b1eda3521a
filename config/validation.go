package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult holds the result of config validation. Warnings flag
// values that are legal but likely a mistake; they never make a config invalid.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []ValidationError `json:"warnings,omitempty"`
}

// ConfigValidationError is returned when config validation fails.
type ConfigValidationError struct {
	Errors []ValidationError
}

func (e *ConfigValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "config validation failed"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		parts = append(parts, ve.Field+": "+ve.Message)
	}
	return "config validation failed: " + strings.Join(parts, "; ")
}

// Err returns a *ConfigValidationError when the result is invalid, nil otherwise.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ConfigValidationError{Errors: r.Errors}
}

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{35}$`)

var hexAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// logLevels maps accepted LOG_LEVEL spellings to zap levels.
var logLevels = map[string]zapcore.Level{
	"debug":    zapcore.DebugLevel,
	"info":     zapcore.InfoLevel,
	"warn":     zapcore.WarnLevel,
	"warning":  zapcore.WarnLevel,
	"error":    zapcore.ErrorLevel,
	"critical": zapcore.DPanicLevel,
}

// ZapLevel returns the zap level for the configured name, defaulting to info.
func (l LoggingConfig) ZapLevel() zapcore.Level {
	if lvl, ok := logLevels[strings.ToLower(strings.TrimSpace(l.Level))]; ok {
		return lvl
	}
	return zapcore.InfoLevel
}

// Validate checks the config for invalid values.
func (c *Config) Validate() ValidationResult {
	var errors, warnings []ValidationError

	e, w := validateDetection(&c.Detection)
	errors, warnings = append(errors, e...), append(warnings, w...)

	errors = append(errors, validateCache(&c.Cache)...)
	errors = append(errors, validateLedger(&c.Ledger)...)

	e, w = validateSources(&c.Sources)
	errors, warnings = append(errors, e...), append(warnings, w...)

	errors = append(errors, validateMarkets(&c.Markets)...)

	e, w = validateResilience(&c.Resilience)
	errors, warnings = append(errors, e...), append(warnings, w...)

	errors = append(errors, validatePolymarket(&c.Polymarket)...)
	errors = append(errors, validateChain(&c.Chain)...)
	errors = append(errors, validateTelegram(&c.Telegram)...)
	errors = append(errors, validateLogging(&c.Logging)...)
	errors = append(errors, validateHealthServer(&c.HealthServer)...)

	return ValidationResult{
		Valid:    len(errors) == 0,
		Errors:   errors,
		Warnings: warnings,
	}
}

func validateDetection(d *DetectionConfig) (errors, warnings []ValidationError) {
	switch {
	case d.MinTradeUSD <= 0:
		errors = append(errors, ValidationError{
			Field:   "detection.min_trade_usd",
			Message: "must be positive",
		})
	case d.MinTradeUSD < 100:
		warnings = append(warnings, ValidationError{
			Field:   "detection.min_trade_usd",
			Message: "is very low, may generate many false positives",
		})
	case d.MinTradeUSD > 100000:
		warnings = append(warnings, ValidationError{
			Field:   "detection.min_trade_usd",
			Message: "is very high, may miss suspicious trades",
		})
	}

	if d.USDMultiplier <= 0 {
		errors = append(errors, ValidationError{
			Field:   "detection.usd_multiplier",
			Message: "must be positive",
		})
	}

	if d.MinConfidence < 0 || d.MinConfidence > 100 {
		errors = append(errors, ValidationError{
			Field:   "detection.min_confidence",
			Message: "must be between 0 and 100",
		})
	}

	if d.NewWalletWindow < 1*time.Minute {
		errors = append(errors, ValidationError{
			Field:   "detection.new_wallet_window",
			Message: "must be at least 1 minute",
		})
	}

	if d.WalletLookback < d.NewWalletWindow {
		errors = append(errors, ValidationError{
			Field:   "detection.wallet_lookback",
			Message: "must be at least the new wallet window",
		})
	}

	if d.ActivityLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "detection.activity_limit",
			Message: "must be at least 1",
		})
	}

	if d.MinUserTrades < 0 {
		errors = append(errors, ValidationError{
			Field:   "detection.min_user_trades",
			Message: "must not be negative",
		})
	}

	switch {
	case d.FundingLookback < 1*time.Minute:
		errors = append(errors, ValidationError{
			Field:   "detection.funding_lookback",
			Message: "must be at least 1 minute",
		})
	case d.FundingLookback > 7*24*time.Hour:
		warnings = append(warnings, ValidationError{
			Field:   "detection.funding_lookback",
			Message: "is very long, funding lookups will scan many blocks",
		})
	}

	if d.SweepEnabled {
		if d.SweepInterval < 10*time.Second {
			errors = append(errors, ValidationError{
				Field:   "detection.sweep_interval",
				Message: "must be at least 10 seconds",
			})
		}
		if d.SweepWindow < 1*time.Minute {
			errors = append(errors, ValidationError{
				Field:   "detection.sweep_window",
				Message: "must be at least 1 minute",
			})
		}
		if d.SweepMinLargeTrade < 2 {
			errors = append(errors, ValidationError{
				Field:   "detection.sweep_min_large_trades",
				Message: "must be at least 2",
			})
		}
	}

	return errors, warnings
}

func validateCache(c *CacheConfig) []ValidationError {
	var errors []ValidationError

	if c.WalletTTL < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "cache.wallet_ttl",
			Message: "must be at least 1 second",
		})
	}

	if c.MarketTTL < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "cache.market_ttl",
			Message: "must be at least 1 second",
		})
	}

	if c.PruneInterval < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "cache.prune_interval",
			Message: "must be at least 1 second",
		})
	}

	return errors
}

func validateLedger(l *LedgerConfig) []ValidationError {
	if l.MaxSize < 1 {
		return []ValidationError{{
			Field:   "ledger.max_size",
			Message: "must be at least 1",
		}}
	}
	return nil
}

func validateSources(s *SourcesConfig) (errors, warnings []ValidationError) {
	if !s.UseWebSocket && !s.UsePolling && !s.UseSubgraph {
		errors = append(errors, ValidationError{
			Field:   "sources",
			Message: "at least one trade source must be enabled",
		})
	}

	if s.UsePolling {
		switch {
		case s.PollInterval < 1*time.Second:
			errors = append(errors, ValidationError{
				Field:   "sources.poll_interval",
				Message: "must be at least 1 second",
			})
		case s.PollInterval < 10*time.Second:
			warnings = append(warnings, ValidationError{
				Field:   "sources.poll_interval",
				Message: "is very low, may cause API rate limiting",
			})
		case s.PollInterval > 300*time.Second:
			warnings = append(warnings, ValidationError{
				Field:   "sources.poll_interval",
				Message: "is very high, may cause delays in detection",
			})
		}
		if s.PollLimit < 1 {
			errors = append(errors, ValidationError{
				Field:   "sources.poll_limit",
				Message: "must be at least 1",
			})
		}
	}

	if s.UseSubgraph {
		if s.SubgraphPollInterval < 1*time.Second {
			errors = append(errors, ValidationError{
				Field:   "sources.subgraph_poll_interval",
				Message: "must be at least 1 second",
			})
		}
		if s.SubgraphPageSize < 1 || s.SubgraphPageSize > 1000 {
			errors = append(errors, ValidationError{
				Field:   "sources.subgraph_page_size",
				Message: "must be between 1 and 1000",
			})
		}
	}

	if s.InitialLookback < 0 {
		errors = append(errors, ValidationError{
			Field:   "sources.initial_lookback",
			Message: "must be non-negative",
		})
	}

	if s.UseWebSocket && s.StaleStreamAfter < 10*time.Second {
		errors = append(errors, ValidationError{
			Field:   "sources.stale_stream_after",
			Message: "must be at least 10 seconds",
		})
	}

	return errors, warnings
}

func validateMarkets(m *MarketsConfig) []ValidationError {
	var errors []ValidationError

	if !m.SpecificMarketsOnly && m.TopMarketsCount < 1 {
		errors = append(errors, ValidationError{
			Field:   "markets.top_markets_count",
			Message: "must be at least 1",
		})
	}

	if m.SpecificMarketsOnly && len(m.SpecificMarkets) == 0 {
		errors = append(errors, ValidationError{
			Field:   "markets.specific_markets",
			Message: "required when specific_markets_only is set",
		})
	}

	if m.RefreshInterval < 10*time.Second {
		errors = append(errors, ValidationError{
			Field:   "markets.refresh_interval",
			Message: "must be at least 10 seconds",
		})
	}

	return errors
}

func validateResilience(r *ResilienceConfig) (errors, warnings []ValidationError) {
	switch {
	case r.HTTPTimeout <= 0:
		errors = append(errors, ValidationError{
			Field:   "resilience.http_timeout",
			Message: "must be positive",
		})
	case r.HTTPTimeout < 10*time.Second:
		warnings = append(warnings, ValidationError{
			Field:   "resilience.http_timeout",
			Message: "is very low, may cause connection failures",
		})
	case r.HTTPTimeout > 300*time.Second:
		warnings = append(warnings, ValidationError{
			Field:   "resilience.http_timeout",
			Message: "is very high, may cause slow error detection",
		})
	}

	if r.RetryAttempts < 1 || r.RetryAttempts > 10 {
		errors = append(errors, ValidationError{
			Field:   "resilience.retry_attempts",
			Message: "must be between 1 and 10",
		})
	}

	if r.RetryInitialDelay <= 0 {
		errors = append(errors, ValidationError{
			Field:   "resilience.retry_initial_delay",
			Message: "must be positive",
		})
	}

	if r.RetryMaxDelay < r.RetryInitialDelay {
		errors = append(errors, ValidationError{
			Field:   "resilience.retry_max_delay",
			Message: "must be at least retry_initial_delay",
		})
	}

	if r.BreakerThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "resilience.breaker_threshold",
			Message: "must be at least 1",
		})
	}

	if r.BreakerCooldown < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "resilience.breaker_cooldown",
			Message: "must be at least 1 second",
		})
	}

	for field, v := range map[string]float64{
		"resilience.gamma_rate_per_second":    r.GammaRatePerSecond,
		"resilience.data_rate_per_second":     r.DataRatePerSecond,
		"resilience.subgraph_rate_per_second": r.SubgraphRatePerSecond,
		"resilience.chain_rate_per_second":    r.ChainRatePerSecond,
	} {
		if v <= 0 {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: "must be positive",
			})
		}
	}

	return errors, warnings
}

func validatePolymarket(p *PolymarketConfig) []ValidationError {
	var errors []ValidationError

	for field, raw := range map[string]string{
		"polymarket.gamma_api_url": p.GammaAPIURL,
		"polymarket.data_api_url":  p.DataAPIURL,
		"polymarket.websocket_url": p.WebSocketURL,
		"polymarket.subgraph_url":  p.SubgraphURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("must be an absolute URL, got %q", raw),
			})
		}
	}

	return errors
}

func validateChain(c *ChainConfig) []ValidationError {
	if c.RPCURL == "" {
		return nil
	}

	var errors []ValidationError
	u, err := url.Parse(c.RPCURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss") {
		errors = append(errors, ValidationError{
			Field:   "chain.rpc_url",
			Message: "must be an http(s) or ws(s) URL",
		})
	}
	if !hexAddressPattern.MatchString(c.USDCAddress) {
		errors = append(errors, ValidationError{
			Field:   "chain.usdc_address",
			Message: fmt.Sprintf("must be a 0x-prefixed 20-byte hex address, got %q", c.USDCAddress),
		})
	}
	if c.BlockTime <= 0 {
		errors = append(errors, ValidationError{
			Field:   "chain.block_time",
			Message: "must be positive",
		})
	}
	if c.MaxBlockRange < 1 {
		errors = append(errors, ValidationError{
			Field:   "chain.max_block_range",
			Message: "must be at least 1",
		})
	}
	return errors
}

func validateTelegram(t *TelegramConfig) []ValidationError {
	if t.BotToken == "" {
		return nil
	}

	var errors []ValidationError
	if !telegramTokenPattern.MatchString(t.BotToken) {
		errors = append(errors, ValidationError{
			Field:   "telegram.bot_token",
			Message: "format is invalid (should be like '123456789:ABCdefGHIjklMNOpqrsTUVwxyz...')",
		})
	}
	if t.ProdChatID == "" && t.BetaChatID == "" {
		errors = append(errors, ValidationError{
			Field:   "telegram.chat_id",
			Message: "a chat ID is required when a bot token is set",
		})
	}
	return errors
}

func validateLogging(l *LoggingConfig) []ValidationError {
	if _, ok := logLevels[strings.ToLower(strings.TrimSpace(l.Level))]; !ok {
		return []ValidationError{{
			Field:   "logging.level",
			Message: "must be one of: debug, info, warn, warning, error, critical",
		}}
	}
	return nil
}

func validateHealthServer(hs *HealthServerConfig) []ValidationError {
	var errors []ValidationError

	if hs.Enabled && (hs.Port < 1 || hs.Port > 65535) {
		errors = append(errors, ValidationError{
			Field:   "health_server.port",
			Message: fmt.Sprintf("must be between 1 and 65535, got %d", hs.Port),
		})
	}

	return errors
}
