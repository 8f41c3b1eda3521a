package config

import (
	"fmt"
	"os"
	"polyinsider/internal/resilience"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// Environment
	IsProd bool `json:"is_prod" mapstructure:"-"`

	// Notification channels
	Discord  DiscordConfig  `json:"discord" mapstructure:"discord"`
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Rule thresholds and alert gating
	Detection DetectionConfig `json:"detection" mapstructure:"detection"`

	// Wallet and market caches
	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	// Seen-trade ledger
	Ledger LedgerConfig `json:"ledger" mapstructure:"ledger"`

	// Trade sources
	Sources SourcesConfig `json:"sources" mapstructure:"sources"`

	// Market watchlist
	Markets MarketsConfig `json:"markets" mapstructure:"markets"`

	// Retry, circuit breaker and rate limits
	Resilience ResilienceConfig `json:"resilience" mapstructure:"resilience"`

	// Polymarket endpoints
	Polymarket PolymarketConfig `json:"polymarket" mapstructure:"polymarket"`

	// Polygon RPC for funding lookups
	Chain ChainConfig `json:"chain" mapstructure:"chain"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Health server
	HealthServer HealthServerConfig `json:"health_server" mapstructure:"health_server"`
}

// DiscordConfig holds Discord-related configuration.
type DiscordConfig struct {
	BotToken      string `json:"-" mapstructure:"-"` // Excluded - env var only
	ProdChannelID string `json:"prod_channel_id" mapstructure:"prod_channel_id"`
	BetaChannelID string `json:"beta_channel_id" mapstructure:"beta_channel_id"`
}

// TelegramConfig holds Telegram-related configuration.
type TelegramConfig struct {
	BotToken   string `json:"-" mapstructure:"-"` // Excluded - env var only
	ProdChatID string `json:"prod_chat_id" mapstructure:"prod_chat_id"`
	BetaChatID string `json:"beta_chat_id" mapstructure:"beta_chat_id"`
}

// DetectionConfig holds rule thresholds and alert gating.
type DetectionConfig struct {
	MinTradeUSD     float64       `json:"min_trade_usd" mapstructure:"min_trade_usd"`
	USDMultiplier   float64       `json:"usd_multiplier" mapstructure:"usd_multiplier"` // size × price × this = USD notional
	MinConfidence   float64       `json:"min_confidence" mapstructure:"min_confidence"`
	NewWalletWindow time.Duration `json:"new_wallet_window" mapstructure:"new_wallet_window"`
	WalletLookback  time.Duration `json:"wallet_lookback" mapstructure:"wallet_lookback"`
	ActivityLimit   int           `json:"activity_limit" mapstructure:"activity_limit"`

	// Wallets with at least MinUserTrades markets traded overall are never new; 0 skips the lookup
	MinUserTrades   int           `json:"min_user_trades" mapstructure:"min_user_trades"`
	FundingLookback time.Duration `json:"funding_lookback" mapstructure:"funding_lookback"`

	// Multi-large-trade sweep
	SweepEnabled       bool          `json:"sweep_enabled" mapstructure:"sweep_enabled"`
	SweepInterval      time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
	SweepWindow        time.Duration `json:"sweep_window" mapstructure:"sweep_window"`
	SweepMinLargeTrade int           `json:"sweep_min_large_trades" mapstructure:"sweep_min_large_trades"`
}

// CacheConfig holds cache TTLs.
type CacheConfig struct {
	WalletTTL     time.Duration `json:"wallet_ttl" mapstructure:"wallet_ttl"`
	MarketTTL     time.Duration `json:"market_ttl" mapstructure:"market_ttl"`
	PruneInterval time.Duration `json:"prune_interval" mapstructure:"prune_interval"`
}

// LedgerConfig holds dedup ledger bounds.
type LedgerConfig struct {
	MaxSize int `json:"max_size" mapstructure:"max_size"`
}

// SourcesConfig selects and tunes the trade sources.
type SourcesConfig struct {
	UseWebSocket         bool          `json:"use_websocket" mapstructure:"use_websocket"`
	UsePolling           bool          `json:"use_polling" mapstructure:"use_polling"`
	UseSubgraph          bool          `json:"use_subgraph" mapstructure:"use_subgraph"`
	PollInterval         time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	PollLimit            int           `json:"poll_limit" mapstructure:"poll_limit"`
	SubgraphPollInterval time.Duration `json:"subgraph_poll_interval" mapstructure:"subgraph_poll_interval"`
	SubgraphPageSize     int           `json:"subgraph_page_size" mapstructure:"subgraph_page_size"`
	InitialLookback      time.Duration `json:"initial_lookback" mapstructure:"initial_lookback"`
	StaleStreamAfter     time.Duration `json:"stale_stream_after" mapstructure:"stale_stream_after"`
}

// MarketsConfig holds the watchlist configuration for the stream source.
type MarketsConfig struct {
	TopMarketsCount     int           `json:"top_markets_count" mapstructure:"top_markets_count"`
	RefreshInterval     time.Duration `json:"refresh_interval" mapstructure:"refresh_interval"`
	SpecificMarkets     []string      `json:"specific_markets" mapstructure:"specific_markets"` // Condition IDs to always monitor
	SpecificMarketsOnly bool          `json:"specific_markets_only" mapstructure:"specific_markets_only"`
}

// ResilienceConfig holds upstream call protection settings.
type ResilienceConfig struct {
	HTTPTimeout           time.Duration `json:"http_timeout" mapstructure:"http_timeout"`
	RetryAttempts         int           `json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInitialDelay     time.Duration `json:"retry_initial_delay" mapstructure:"retry_initial_delay"`
	RetryMaxDelay         time.Duration `json:"retry_max_delay" mapstructure:"retry_max_delay"`
	BreakerThreshold      int           `json:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown       time.Duration `json:"breaker_cooldown" mapstructure:"breaker_cooldown"`
	GammaRatePerSecond    float64       `json:"gamma_rate_per_second" mapstructure:"gamma_rate_per_second"`
	DataRatePerSecond     float64       `json:"data_rate_per_second" mapstructure:"data_rate_per_second"`
	SubgraphRatePerSecond float64       `json:"subgraph_rate_per_second" mapstructure:"subgraph_rate_per_second"`
	ChainRatePerSecond    float64       `json:"chain_rate_per_second" mapstructure:"chain_rate_per_second"`
}

// GuardPolicy builds the call protection policy for one endpoint class.
func (r ResilienceConfig) GuardPolicy(ratePerSecond float64) resilience.Policy {
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return resilience.Policy{
		Retry: resilience.RetryPolicy{
			Attempts:     r.RetryAttempts,
			InitialDelay: r.RetryInitialDelay,
			MaxDelay:     r.RetryMaxDelay,
			Factor:       resilience.DefaultBackoffFactor,
			Jitter:       true,
		},
		BreakerThreshold: r.BreakerThreshold,
		BreakerCooldown:  r.BreakerCooldown,
		RatePerSecond:    ratePerSecond,
		Burst:            burst,
	}
}

// PolymarketConfig holds Polymarket endpoint configuration.
type PolymarketConfig struct {
	GammaAPIURL  string `json:"gamma_api_url" mapstructure:"gamma_api_url"`
	DataAPIURL   string `json:"data_api_url" mapstructure:"data_api_url"`
	WebSocketURL string `json:"websocket_url" mapstructure:"websocket_url"`
	SubgraphURL  string `json:"subgraph_url" mapstructure:"subgraph_url"`
}

// ChainConfig holds the Polygon RPC used to look up wallet funding. An empty
// RPC URL turns funding lookups off.
type ChainConfig struct {
	RPCURL        string        `json:"-" mapstructure:"-"` // Excluded - env var only, usually carries an API key
	USDCAddress   string        `json:"usdc_address" mapstructure:"usdc_address"`
	BlockTime     time.Duration `json:"block_time" mapstructure:"block_time"`
	MaxBlockRange uint64        `json:"max_block_range" mapstructure:"max_block_range"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
}

// HealthServerConfig holds health check server configuration.
type HealthServerConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	Port    int  `json:"port" mapstructure:"port"`
}

// polygonUSDCe is bridged USDC on Polygon, the collateral Polymarket settles in.
const polygonUSDCe = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

const defaultSubgraphURL = "https://api.goldsky.com/api/public/project_cl6mb8i9h0003e201j6li0diw/subgraphs/orderbook-subgraph/0.0.1/gn"

// Defaults returns a config with hardcoded default values.
func Defaults() *Config {
	return &Config{
		Detection: DetectionConfig{
			MinTradeUSD:        10000.0,
			USDMultiplier:      1.0,
			MinConfidence:      30.0,
			NewWalletWindow:    24 * time.Hour,
			WalletLookback:     72 * time.Hour,
			ActivityLimit:      500,
			MinUserTrades:      5,
			FundingLookback:    24 * time.Hour,
			SweepEnabled:       true,
			SweepInterval:      5 * time.Minute,
			SweepWindow:        6 * time.Hour,
			SweepMinLargeTrade: 2,
		},
		Cache: CacheConfig{
			WalletTTL:     30 * time.Minute,
			MarketTTL:     60 * time.Minute,
			PruneInterval: 5 * time.Minute,
		},
		Ledger: LedgerConfig{
			MaxSize: 10000,
		},
		Sources: SourcesConfig{
			UseWebSocket:         true,
			UsePolling:           true,
			UseSubgraph:          true,
			PollInterval:         30 * time.Second,
			PollLimit:            500,
			SubgraphPollInterval: 60 * time.Second,
			SubgraphPageSize:     100,
			InitialLookback:      5 * time.Minute,
			StaleStreamAfter:     2 * time.Minute,
		},
		Markets: MarketsConfig{
			TopMarketsCount: 20,
			RefreshInterval: 5 * time.Minute,
		},
		Resilience: ResilienceConfig{
			HTTPTimeout:           30 * time.Second,
			RetryAttempts:         3,
			RetryInitialDelay:     1 * time.Second,
			RetryMaxDelay:         60 * time.Second,
			BreakerThreshold:      3,
			BreakerCooldown:       30 * time.Second,
			GammaRatePerSecond:    10,
			DataRatePerSecond:     5,
			SubgraphRatePerSecond: 5,
			ChainRatePerSecond:    5,
		},
		Polymarket: PolymarketConfig{
			GammaAPIURL:  "https://gamma-api.polymarket.com",
			DataAPIURL:   "https://data-api.polymarket.com",
			WebSocketURL: "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			SubgraphURL:  defaultSubgraphURL,
		},
		Chain: ChainConfig{
			USDCAddress:   polygonUSDCe,
			BlockTime:     2 * time.Second,
			MaxBlockRange: 3000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		HealthServer: HealthServerConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return applyEnv(Defaults())
}

// LoadFile overlays a YAML/JSON/TOML file on the defaults, then applies
// environment variables on top so the environment always wins.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config file: %w", err)
	}

	return applyEnv(cfg), nil
}

// applyEnv overrides base with any environment variables that are set.
func applyEnv(base *Config) *Config {
	c := *base

	c.IsProd = envBool("STAGE", "PROD")

	c.Discord = DiscordConfig{
		BotToken:      envString("DISCORD_BOT_TOKEN", ""),
		ProdChannelID: envString("DISCORD_PROD_CHANNEL_ID", base.Discord.ProdChannelID),
		BetaChannelID: envString("DISCORD_BETA_CHANNEL_ID", base.Discord.BetaChannelID),
	}

	c.Telegram = TelegramConfig{
		BotToken:   envString("TELEGRAM_BOT_TOKEN", ""),
		ProdChatID: envString("TELEGRAM_PROD_CHAT_ID", base.Telegram.ProdChatID),
		BetaChatID: envString("TELEGRAM_BETA_CHAT_ID", base.Telegram.BetaChatID),
	}

	d := base.Detection
	c.Detection = DetectionConfig{
		MinTradeUSD:        envFloat("MIN_TRADE_SIZE_USD", d.MinTradeUSD),
		USDMultiplier:      envFloat("USD_MULTIPLIER", d.USDMultiplier),
		MinConfidence:      envFloat("MIN_CONFIDENCE", d.MinConfidence),
		NewWalletWindow:    envDuration("NEW_WALLET_WINDOW", d.NewWalletWindow),
		WalletLookback:     envDuration("WALLET_LOOKBACK", d.WalletLookback),
		ActivityLimit:      envInt("WALLET_ACTIVITY_LIMIT", d.ActivityLimit),
		MinUserTrades:      envInt("MIN_USER_TRADES_THRESHOLD", d.MinUserTrades),
		FundingLookback:    envDuration("FUNDING_LOOKBACK", d.FundingLookback),
		SweepEnabled:       envBoolDefault("SWEEP_ENABLED", d.SweepEnabled),
		SweepInterval:      envDuration("SWEEP_INTERVAL", d.SweepInterval),
		SweepWindow:        envDuration("SWEEP_WINDOW", d.SweepWindow),
		SweepMinLargeTrade: envInt("SWEEP_MIN_LARGE_TRADES", d.SweepMinLargeTrade),
	}

	c.Cache = CacheConfig{
		WalletTTL:     envDuration("WALLET_CACHE_TTL", base.Cache.WalletTTL),
		MarketTTL:     envDuration("MARKET_CACHE_TTL", base.Cache.MarketTTL),
		PruneInterval: envDuration("CACHE_PRUNE_INTERVAL", base.Cache.PruneInterval),
	}

	c.Ledger = LedgerConfig{
		MaxSize: envInt("SEEN_TRADES_MAX_SIZE", base.Ledger.MaxSize),
	}

	s := base.Sources
	c.Sources = SourcesConfig{
		UseWebSocket:         envBoolDefault("USE_WEBSOCKET", s.UseWebSocket),
		UsePolling:           envBoolDefault("USE_POLLING", s.UsePolling),
		UseSubgraph:          envBoolDefault("USE_SUBGRAPH", s.UseSubgraph),
		PollInterval:         envDuration("TRADE_POLL_INTERVAL", s.PollInterval),
		PollLimit:            envInt("TRADE_POLL_LIMIT", s.PollLimit),
		SubgraphPollInterval: envDuration("SUBGRAPH_POLL_INTERVAL", s.SubgraphPollInterval),
		SubgraphPageSize:     envInt("SUBGRAPH_PAGE_SIZE", s.SubgraphPageSize),
		InitialLookback:      envDuration("INITIAL_LOOKBACK", s.InitialLookback),
		StaleStreamAfter:     envDuration("STALE_STREAM_AFTER", s.StaleStreamAfter),
	}

	c.Markets = MarketsConfig{
		TopMarketsCount:     envInt("TOP_MARKETS_COUNT", base.Markets.TopMarketsCount),
		RefreshInterval:     envDuration("MARKET_REFRESH_INTERVAL", base.Markets.RefreshInterval),
		SpecificMarkets:     envStringSliceDefault("SPECIFIC_MARKETS", base.Markets.SpecificMarkets),
		SpecificMarketsOnly: envBoolDefault("SPECIFIC_MARKETS_ONLY", base.Markets.SpecificMarketsOnly),
	}

	r := base.Resilience
	c.Resilience = ResilienceConfig{
		HTTPTimeout:           envDuration("HTTP_TIMEOUT", r.HTTPTimeout),
		RetryAttempts:         envInt("RETRY_ATTEMPTS", r.RetryAttempts),
		RetryInitialDelay:     envDuration("RETRY_INITIAL_DELAY", r.RetryInitialDelay),
		RetryMaxDelay:         envDuration("RETRY_MAX_DELAY", r.RetryMaxDelay),
		BreakerThreshold:      envInt("BREAKER_THRESHOLD", r.BreakerThreshold),
		BreakerCooldown:       envDuration("BREAKER_COOLDOWN", r.BreakerCooldown),
		GammaRatePerSecond:    envFloat("GAMMA_RATE_PER_SECOND", r.GammaRatePerSecond),
		DataRatePerSecond:     envFloat("DATA_RATE_PER_SECOND", r.DataRatePerSecond),
		SubgraphRatePerSecond: envFloat("SUBGRAPH_RATE_PER_SECOND", r.SubgraphRatePerSecond),
		ChainRatePerSecond:    envFloat("CHAIN_RATE_PER_SECOND", r.ChainRatePerSecond),
	}

	c.Polymarket = PolymarketConfig{
		GammaAPIURL:  envString("POLYMARKET_GAMMA_API_URL", base.Polymarket.GammaAPIURL),
		DataAPIURL:   envString("POLYMARKET_DATA_API_URL", base.Polymarket.DataAPIURL),
		WebSocketURL: envString("POLYMARKET_WS_URL", base.Polymarket.WebSocketURL),
		SubgraphURL:  envString("GOLDSKY_ORDERBOOK_URL", base.Polymarket.SubgraphURL),
	}

	c.Chain = ChainConfig{
		RPCURL:        envString("POLYGON_RPC_URL", ""),
		USDCAddress:   envString("POLYGON_USDC_ADDRESS", base.Chain.USDCAddress),
		BlockTime:     envDuration("POLYGON_BLOCK_TIME", base.Chain.BlockTime),
		MaxBlockRange: uint64(envInt("POLYGON_MAX_BLOCK_RANGE", int(base.Chain.MaxBlockRange))),
	}

	c.Logging = LoggingConfig{
		Level: envString("LOG_LEVEL", base.Logging.Level),
	}

	c.HealthServer = HealthServerConfig{
		Enabled: envBoolDefault("HEALTH_SERVER_ENABLED", base.HealthServer.Enabled),
		Port:    envInt("HEALTH_SERVER_PORT", base.HealthServer.Port),
	}

	return &c
}

// Helper functions for parsing environment variables

func envString(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key, trueValue string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), trueValue)
}

func envBoolDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1") || strings.EqualFold(v, "yes")
}

func envStringSliceDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
