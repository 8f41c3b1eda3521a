package app

import (
	"context"
	"net/http"
	clts "polyinsider/clients"
	"polyinsider/config"
	"polyinsider/internal/detector"
	"runtime"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Build info - populated from embedded VCS info at init time
var (
	BuildCommit = "dev"
	BuildTime   = "unknown"
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if setting.Value != "" {
					BuildCommit = setting.Value
				}
			case "vcs.time":
				BuildTime = setting.Value
			}
		}
	}
}

type Runner struct {
	clients        *clts.Clients
	cfg            *config.Config
	logger         *zap.Logger
	walletTracker  *WalletTracker
	marketResolver *MarketResolver
	ledger         *SeenLedger
	pipeline       *AlertPipeline
	tradeMonitor   *TradeMonitor
	healthServer   *http.Server
	startTime      time.Time
}

// ServiceStats holds comprehensive service statistics.
type ServiceStats struct {
	// Build info
	Build struct {
		Commit    string `json:"commit"`
		Time      string `json:"time,omitempty"`
		GoVersion string `json:"go_version"`
	} `json:"build"`

	// Service info
	StartTime string `json:"start_time"`
	Uptime    string `json:"uptime"`
	UptimeSec int64  `json:"uptime_seconds"`

	// WebSocket stats
	WebSocket struct {
		Enabled        bool   `json:"enabled"`
		Connected      bool   `json:"connected"`
		Connects       uint64 `json:"connects"`
		MessageCount   uint64 `json:"message_count"`
		LastMessageAt  string `json:"last_message_at,omitempty"`
		LastMessageAgo string `json:"last_message_ago,omitempty"`
	} `json:"websocket"`

	Pipeline PipelineStats `json:"pipeline"`
	Sources  MonitorStats  `json:"sources"`

	// Cache stats
	Caches struct {
		WalletCacheSize int `json:"wallet_cache_size"`
		MarketCacheSize int `json:"market_cache_size"`
		SeenTradesSize  int `json:"seen_trades_size"`
		LedgerClears    int `json:"ledger_clears"`
	} `json:"caches"`

	// Circuit breaker state per upstream endpoint class
	Breakers map[string]string `json:"breakers"`

	// Alert rate (alerts per hour)
	AlertRate float64 `json:"alert_rate"`

	// Notification status
	Notifications struct {
		DiscordEnabled  bool `json:"discord_enabled"`
		TelegramEnabled bool `json:"telegram_enabled"`
	} `json:"notifications"`

	// Runtime stats
	Runtime struct {
		Goroutines int    `json:"goroutines"`
		HeapAlloc  uint64 `json:"heap_alloc"` // bytes currently allocated on heap
		HeapInuse  uint64 `json:"heap_inuse"` // bytes in in-use spans
		NumGC      uint32 `json:"num_gc"`     // number of completed GC cycles
		GoVersion  string `json:"go_version"`
		NumCPU     int    `json:"num_cpu"`
	} `json:"runtime"`
}

// NewRunner wires the detection components from the clients and config.
func NewRunner(clients *clts.Clients, cfg *config.Config) *Runner {
	logger := clients.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	detection := detector.Config{
		MinTradeUSD:   cfg.Detection.MinTradeUSD,
		USDMultiplier: cfg.Detection.USDMultiplier,
	}

	walletTracker := NewWalletTracker(logger, clients.Polymarket, WalletTrackerConfig{
		CacheTTL:        cfg.Cache.WalletTTL,
		Lookback:        cfg.Detection.WalletLookback,
		NewWalletWindow: cfg.Detection.NewWalletWindow,
		ActivityLimit:   cfg.Detection.ActivityLimit,
		USDMultiplier:   cfg.Detection.USDMultiplier,

		MinLifetimeTraded: cfg.Detection.MinUserTrades,
		FundingLookback:   cfg.Detection.FundingLookback,
	}).WithEnrichment(walletEnrichment(clients, cfg))
	marketResolver := NewMarketResolver(logger, clients.Polymarket, cfg.Cache.MarketTTL)
	ledger := NewSeenLedger(cfg.Ledger.MaxSize)

	pipeline := NewAlertPipeline(logger, walletTracker, marketResolver, ledger, clients.Notifier, PipelineConfig{
		Detection:     detection,
		MinConfidence: cfg.Detection.MinConfidence,
	})

	tradeMonitor := NewTradeMonitor(
		logger,
		clients.Polymarket,
		clients.PolymarketEvents,
		clients.Subgraph,
		pipeline,
		tradeMonitorConfig(cfg),
	)

	return &Runner{
		clients:        clients,
		cfg:            cfg,
		logger:         logger,
		walletTracker:  walletTracker,
		marketResolver: marketResolver,
		ledger:         ledger,
		pipeline:       pipeline,
		tradeMonitor:   tradeMonitor,
	}
}

// walletEnrichment picks the lookups that are configured. Interface fields are
// only set from non-nil clients.
func walletEnrichment(clients *clts.Clients, cfg *config.Config) WalletEnrichment {
	var e WalletEnrichment
	if cfg.Detection.MinUserTrades > 0 && clients.Polymarket != nil {
		e.Traded = clients.Polymarket
	}
	if clients.Chain != nil {
		e.Funding = clients.Chain
	}
	return e
}

func tradeMonitorConfig(cfg *config.Config) TradeMonitorConfig {
	return TradeMonitorConfig{
		UseWebSocket:         cfg.Sources.UseWebSocket,
		UsePolling:           cfg.Sources.UsePolling,
		UseSubgraph:          cfg.Sources.UseSubgraph,
		PollInterval:         cfg.Sources.PollInterval,
		PollLimit:            cfg.Sources.PollLimit,
		SubgraphPollInterval: cfg.Sources.SubgraphPollInterval,
		SubgraphPageSize:     cfg.Sources.SubgraphPageSize,
		InitialLookback:      cfg.Sources.InitialLookback,
		StaleStreamAfter:     cfg.Sources.StaleStreamAfter,
		MinTradeUSD:          cfg.Detection.MinTradeUSD,
		USDMultiplier:        cfg.Detection.USDMultiplier,
		SweepEnabled:         cfg.Detection.SweepEnabled,
		SweepInterval:        cfg.Detection.SweepInterval,
		SweepWindow:          cfg.Detection.SweepWindow,
		SweepMinLargeTrade:   cfg.Detection.SweepMinLargeTrade,
		TopMarketsCount:      cfg.Markets.TopMarketsCount,
		RefreshInterval:      cfg.Markets.RefreshInterval,
		SpecificMarkets:      cfg.Markets.SpecificMarkets,
		SpecificMarketsOnly:  cfg.Markets.SpecificMarketsOnly,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	r.startTime = time.Now()
	logger := r.logger

	logger.Info("starting insider trade monitor",
		zap.Float64("minTradeUSD", r.cfg.Detection.MinTradeUSD),
		zap.Float64("minConfidence", r.cfg.Detection.MinConfidence),
		zap.Duration("walletCacheTTL", r.cfg.Cache.WalletTTL),
		zap.Duration("marketCacheTTL", r.cfg.Cache.MarketTTL),
		zap.Int("ledgerMaxSize", r.cfg.Ledger.MaxSize),
	)

	// The stream needs a watchlist; the refresher keeps retrying if this fails.
	if r.clients.PolymarketEvents != nil {
		if err := r.tradeMonitor.RefreshMarkets(ctx); err != nil {
			logger.Warn("initial market fetch failed", zap.Error(err))
		}
	}

	if r.cfg.HealthServer.Enabled {
		r.startHealthServer(r.cfg.HealthServer.Port)
		logger.Info("health server started", zap.Int("port", r.cfg.HealthServer.Port))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.tradeMonitor.Run(gctx) })
	g.Go(func() error { return r.runCachePruner(gctx) })

	err := g.Wait()
	logger.Info("runner shutting down")

	if r.clients.PolymarketEvents != nil {
		_ = r.clients.PolymarketEvents.Close()
	}
	if r.clients.Chain != nil {
		r.clients.Chain.Close()
	}
	if r.clients.Notifier != nil {
		if cerr := r.clients.Notifier.Close(); cerr != nil {
			logger.Warn("failed to close notifiers", zap.Error(cerr))
		}
	}

	if r.healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.healthServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	return err
}

// runCachePruner periodically drops expired wallet and market entries.
func (r *Runner) runCachePruner(ctx context.Context) error {
	interval := r.cfg.Cache.PruneInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pruneCaches()
		}
	}
}

func (r *Runner) pruneCaches() {
	wallets := r.walletTracker.PruneExpired()
	markets := r.marketResolver.PruneExpired()
	if wallets > 0 || markets > 0 {
		r.logger.Debug("pruned expired cache entries",
			zap.Int("wallets", wallets),
			zap.Int("markets", markets),
		)
	}
}

// GetStats returns comprehensive service statistics.
func (r *Runner) GetStats() ServiceStats {
	var stats ServiceStats

	// Build info
	stats.Build.Commit = BuildCommit
	stats.Build.Time = BuildTime
	stats.Build.GoVersion = runtime.Version()

	// Service info
	if !r.startTime.IsZero() {
		stats.StartTime = r.startTime.UTC().Format(time.RFC3339)
		uptime := time.Since(r.startTime)
		stats.Uptime = uptime.Round(time.Second).String()
		stats.UptimeSec = int64(uptime.Seconds())
	}

	// WebSocket stats
	stats.WebSocket.Enabled = r.clients.PolymarketEvents != nil
	if r.clients.PolymarketEvents != nil {
		wsStats := r.clients.PolymarketEvents.Stats()
		stats.WebSocket.Connected = wsStats.Connected
		stats.WebSocket.Connects = wsStats.Connects
		stats.WebSocket.MessageCount = wsStats.MessageCount
		if !wsStats.LastMessageAt.IsZero() {
			stats.WebSocket.LastMessageAt = wsStats.LastMessageAt.UTC().Format(time.RFC3339)
			stats.WebSocket.LastMessageAgo = time.Since(wsStats.LastMessageAt).Round(time.Second).String()
		}
	}

	stats.Pipeline = r.pipeline.Stats()
	stats.Sources = r.tradeMonitor.Stats()

	// Cache stats
	stats.Caches.WalletCacheSize = r.walletTracker.CacheSize()
	stats.Caches.MarketCacheSize = r.marketResolver.CacheSize()
	stats.Caches.SeenTradesSize = r.ledger.Len()
	stats.Caches.LedgerClears = r.ledger.Clears()

	stats.Breakers = make(map[string]string)
	for _, g := range r.clients.Guards() {
		stats.Breakers[g.Name()] = g.BreakerState().String()
	}

	if stats.UptimeSec > 0 {
		stats.AlertRate = float64(stats.Pipeline.Outcomes[OutcomeEmitted]) / (float64(stats.UptimeSec) / 3600)
	}

	stats.Notifications.DiscordEnabled = r.clients.Discord != nil
	stats.Notifications.TelegramEnabled = r.clients.Telegram != nil

	// Runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats.Runtime.Goroutines = runtime.NumGoroutine()
	stats.Runtime.HeapAlloc = memStats.HeapAlloc
	stats.Runtime.HeapInuse = memStats.HeapInuse
	stats.Runtime.NumGC = memStats.NumGC
	stats.Runtime.GoVersion = runtime.Version()
	stats.Runtime.NumCPU = runtime.NumCPU()

	return stats
}
