package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"polyinsider/clients/polymarketapi"
	"polyinsider/clients/polymarketevents"
	"polyinsider/clients/subgraph"
	"polyinsider/internal/detector"
	"polyinsider/internal/resilience"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TradeMonitorConfig holds configuration for the trade sources.
type TradeMonitorConfig struct {
	UseWebSocket bool
	UsePolling   bool
	UseSubgraph  bool

	PollInterval         time.Duration
	PollLimit            int
	SubgraphPollInterval time.Duration
	SubgraphPageSize     int
	InitialLookback      time.Duration
	StaleStreamAfter     time.Duration
	Workers              int

	// Large-trade floor applied at ingestion
	MinTradeUSD   float64
	USDMultiplier float64

	// Multi-large-trade sweep
	SweepEnabled       bool
	SweepInterval      time.Duration
	SweepWindow        time.Duration
	SweepMinLargeTrade int

	// Watchlist for the stream
	TopMarketsCount     int
	RefreshInterval     time.Duration
	SpecificMarkets     []string
	SpecificMarketsOnly bool
}

// DefaultTradeMonitorConfig returns sensible defaults.
func DefaultTradeMonitorConfig() TradeMonitorConfig {
	return TradeMonitorConfig{
		UseWebSocket:         true,
		UsePolling:           true,
		UseSubgraph:          true,
		PollInterval:         30 * time.Second,
		PollLimit:            500,
		SubgraphPollInterval: 60 * time.Second,
		SubgraphPageSize:     100,
		InitialLookback:      5 * time.Minute,
		StaleStreamAfter:     2 * time.Minute,
		Workers:              8,
		MinTradeUSD:          10000,
		USDMultiplier:        1,
		SweepEnabled:         true,
		SweepInterval:        5 * time.Minute,
		SweepWindow:          6 * time.Hour,
		SweepMinLargeTrade:   2,
		TopMarketsCount:      20,
		RefreshInterval:      5 * time.Minute,
	}
}

// maxSubgraphPages bounds catch-up work per subgraph poll.
const maxSubgraphPages = 5

var errStaleStream = errors.New("trade stream is stale")

// TradeMonitor runs the trade sources and feeds every trade to the pipeline.
type TradeMonitor struct {
	logger   *zap.Logger
	cfg      TradeMonitorConfig
	api      *polymarketapi.PolymarketApiClient
	events   *polymarketevents.PolymarketEventsClient
	subgraph *subgraph.Client
	pipeline *AlertPipeline

	reconnect resilience.RetryPolicy
	workers   errgroup.Group

	mu             sync.RWMutex
	markets        []polymarketapi.GammaMarket
	tokenIDs       []string
	marketsChanged chan struct{}

	// Owned by the stream goroutine.
	subscribed []string

	pollWatermark     watermark // unix seconds
	subgraphWatermark watermark

	wsConnected     atomic.Bool
	ingested        map[detector.Source]*atomic.Int64
	malformed       atomic.Int64
	belowFloor      atomic.Int64
	skippedNoWallet atomic.Int64

	eventMu    sync.Mutex
	eventTypes map[string]int
}

// NewTradeMonitor creates a new trade monitor. Sources whose client is nil stay off.
func NewTradeMonitor(
	logger *zap.Logger,
	api *polymarketapi.PolymarketApiClient,
	events *polymarketevents.PolymarketEventsClient,
	sg *subgraph.Client,
	pipeline *AlertPipeline,
	cfg TradeMonitorConfig,
) *TradeMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultTradeMonitorConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = def.PollLimit
	}
	if cfg.SubgraphPollInterval <= 0 {
		cfg.SubgraphPollInterval = def.SubgraphPollInterval
	}
	if cfg.SubgraphPageSize <= 0 {
		cfg.SubgraphPageSize = def.SubgraphPageSize
	}
	if cfg.StaleStreamAfter <= 0 {
		cfg.StaleStreamAfter = def.StaleStreamAfter
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.USDMultiplier <= 0 {
		cfg.USDMultiplier = def.USDMultiplier
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SweepWindow <= 0 {
		cfg.SweepWindow = def.SweepWindow
	}
	if cfg.SweepMinLargeTrade <= 0 {
		cfg.SweepMinLargeTrade = def.SweepMinLargeTrade
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}

	tm := &TradeMonitor{
		logger:         logger,
		cfg:            cfg,
		api:            api,
		events:         events,
		subgraph:       sg,
		pipeline:       pipeline,
		reconnect:      resilience.StreamPolicy.Retry,
		marketsChanged: make(chan struct{}, 1),
		ingested: map[detector.Source]*atomic.Int64{
			detector.SourceWebSocket: new(atomic.Int64),
			detector.SourcePoll:      new(atomic.Int64),
			detector.SourceSubgraph:  new(atomic.Int64),
		},
		eventTypes: make(map[string]int),
	}
	tm.workers.SetLimit(cfg.Workers)

	start := time.Now().Add(-cfg.InitialLookback).Unix()
	tm.pollWatermark.Store(start)
	tm.subgraphWatermark.Store(start)

	return tm
}

// Run starts every enabled source and blocks until ctx is done.
func (tm *TradeMonitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if tm.cfg.UseWebSocket && tm.events != nil {
		g.Go(func() error { return tm.runWebSocket(ctx) })
		g.Go(func() error { return tm.runMarketRefresher(ctx) })
	}
	if tm.cfg.UsePolling && tm.api != nil {
		g.Go(func() error { return tm.runPolling(ctx) })
	}
	if tm.cfg.UseSubgraph && tm.subgraph != nil {
		g.Go(func() error { return tm.runSubgraph(ctx) })
		if tm.cfg.SweepEnabled {
			g.Go(func() error { return tm.runSweep(ctx) })
		}
	}

	tm.logger.Info("trade monitor started",
		zap.Bool("websocket", tm.cfg.UseWebSocket && tm.events != nil),
		zap.Bool("polling", tm.cfg.UsePolling && tm.api != nil),
		zap.Bool("subgraph", tm.cfg.UseSubgraph && tm.subgraph != nil),
		zap.Float64("minTradeUSD", tm.cfg.MinTradeUSD),
		zap.Int("workers", tm.cfg.Workers),
	)

	err := g.Wait()
	_ = tm.workers.Wait()
	return err
}

// ---- ingestion ----

// ingest validates a trade, applies the large-trade floor and hands it to a worker.
func (tm *TradeMonitor) ingest(ctx context.Context, trade detector.Trade) {
	if err := trade.Validate(); err != nil {
		tm.malformed.Add(1)
		tm.logger.Debug("skipping malformed trade record",
			zap.String("source", string(trade.Source)),
			zap.String("tx", shortID(trade.TransactionHash)),
			zap.Error(err),
		)
		return
	}
	if trade.NotionalUSD(tm.cfg.USDMultiplier) < tm.cfg.MinTradeUSD {
		tm.belowFloor.Add(1)
		return
	}
	if c, ok := tm.ingested[trade.Source]; ok {
		c.Add(1)
	}

	tm.workers.Go(func() error {
		tm.pipeline.Process(ctx, trade)
		return nil
	})
}

func fromDataTrade(t polymarketapi.Trade) detector.Trade {
	return detector.Trade{
		ID:              t.ID,
		TransactionHash: t.TransactionHash,
		Taker:           t.ProxyWallet,
		Price:           t.Price,
		Size:            t.Size,
		Side:            detector.ParseSide(t.Side),
		MarketID:        t.ConditionID,
		TokenID:         t.Asset,
		Timestamp:       time.Unix(t.Timestamp, 0).UTC(),
		MarketQuestion:  t.Title,
		Source:          detector.SourcePoll,
	}
}

func fromTradeEvent(e *polymarketevents.TradeEvent) detector.Trade {
	ts := e.Time()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return detector.Trade{
		ID:              e.TradeID,
		TransactionHash: e.TransactionHash,
		Maker:           e.MakerAddress,
		Taker:           e.TakerAddress,
		Price:           e.GetPriceFloat(),
		Size:            e.GetSizeFloat(),
		Side:            detector.ParseSide(e.Side),
		MarketID:        e.Market,
		TokenID:         e.AssetID,
		Timestamp:       ts,
		Source:          detector.SourceWebSocket,
	}
}

func fromOrderFill(e subgraph.OrderFilledEvent) detector.Trade {
	return detector.Trade{
		ID:              e.ID,
		TransactionHash: e.TransactionHash,
		Maker:           e.Maker,
		Taker:           e.Taker,
		Price:           e.Price(),
		Size:            e.Shares(),
		Side:            detector.ParseSide(e.MakerSide()),
		TokenID:         e.TokenID(),
		Timestamp:       e.Time(),
		Source:          detector.SourceSubgraph,
		USDSize:         detector.USD(e.USDAmount()),
	}
}

// ---- WebSocket source ----

func (tm *TradeMonitor) runWebSocket(ctx context.Context) error {
	retry := tm.reconnect.NewBackOff()
	attempt := 0
	for {
		tokenIDs := tm.TokenIDs()
		if len(tokenIDs) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-tm.marketsChanged:
				continue
			}
		}

		tm.drainStreamErrors()
		if err := tm.events.ConnectMarket(ctx, tokenIDs); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.NextBackOff()
			attempt++
			tm.logger.Warn("failed to connect trade stream, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}

		attempt = 0
		retry.Reset()
		tm.subscribed = tokenIDs
		tm.wsConnected.Store(true)
		tm.logger.Info("trade stream connected", zap.Int("subscribedTokens", len(tokenIDs)))

		err := tm.consumeStream(ctx)
		tm.wsConnected.Store(false)
		_ = tm.events.Close()
		if ctx.Err() != nil {
			return nil
		}

		wait := tm.reconnect.Backoff(0)
		tm.logger.Warn("trade stream lost, reconnecting",
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// consumeStream processes frames until the stream fails, goes stale or ctx ends.
func (tm *TradeMonitor) consumeStream(ctx context.Context) error {
	connectedAt := time.Now()
	check := time.NewTicker(tm.cfg.StaleStreamAfter / 4)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-tm.events.Messages():
			tm.processWebSocketMessage(ctx, msg)
		case err := <-tm.events.Errors():
			return fmt.Errorf("stream read: %w", err)
		case <-tm.marketsChanged:
			tm.resubscribe()
		case <-check.C:
			last := tm.events.Stats().LastMessageAt
			if last.Before(connectedAt) {
				last = connectedAt
			}
			if time.Since(last) > tm.cfg.StaleStreamAfter {
				return errStaleStream
			}
		}
	}
}

func (tm *TradeMonitor) processWebSocketMessage(ctx context.Context, msg json.RawMessage) {
	event := polymarketevents.ParseTradeEvent(msg)
	if event == nil {
		tm.countEventType(polymarketevents.ParseEventType(msg))
		return
	}
	tm.countEventType(event.EventType)

	// last_trade_price events don't include wallet addresses
	if event.MakerAddress == "" && event.TakerAddress == "" {
		tm.skippedNoWallet.Add(1)
		return
	}

	tm.ingest(ctx, fromTradeEvent(event))
}

// resubscribe diffs the watchlist against the live subscription.
func (tm *TradeMonitor) resubscribe() {
	current := tm.TokenIDs()
	added := difference(current, tm.subscribed)
	removed := difference(tm.subscribed, current)

	if len(added) > 0 {
		if err := tm.events.SubscribeAssets(added); err != nil {
			tm.logger.Warn("failed to subscribe new tokens", zap.Int("count", len(added)), zap.Error(err))
			return
		}
	}
	if len(removed) > 0 {
		if err := tm.events.UnsubscribeAssets(removed); err != nil {
			tm.logger.Warn("failed to unsubscribe tokens", zap.Int("count", len(removed)), zap.Error(err))
		}
	}
	tm.subscribed = current
}

func (tm *TradeMonitor) drainStreamErrors() {
	for {
		select {
		case <-tm.events.Errors():
		default:
			return
		}
	}
}

func (tm *TradeMonitor) countEventType(t string) {
	tm.eventMu.Lock()
	tm.eventTypes[t]++
	tm.eventMu.Unlock()
}

// ---- REST poll source ----

func (tm *TradeMonitor) runPolling(ctx context.Context) error {
	ticker := time.NewTicker(tm.cfg.PollInterval)
	defer ticker.Stop()

	tm.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tm.poll(ctx)
		}
	}
}

// poll fetches recent trades and ingests those at or after the watermark
// that have not been taken yet.
func (tm *TradeMonitor) poll(ctx context.Context) {
	var markets []string
	if tm.cfg.SpecificMarketsOnly {
		markets = tm.ConditionIDs()
	}

	trades, err := tm.api.GetTrades(ctx, markets, tm.cfg.PollLimit)
	if err != nil {
		if ctx.Err() == nil {
			tm.logger.Warn("failed to poll trades", zap.Error(err))
		}
		return
	}

	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Timestamp < trades[j].Timestamp })

	fresh := 0
	for _, t := range trades {
		trade := fromDataTrade(t)
		if !tm.pollWatermark.Admit(t.Timestamp, trade.DedupKey()) {
			continue
		}
		fresh++
		tm.ingest(ctx, trade)
	}

	tm.logger.Debug("polled trades",
		zap.Int("fetched", len(trades)),
		zap.Int("fresh", fresh),
		zap.Int64("watermark", tm.pollWatermark.Load()),
	)
}

// ---- subgraph source ----

func (tm *TradeMonitor) runSubgraph(ctx context.Context) error {
	ticker := time.NewTicker(tm.cfg.SubgraphPollInterval)
	defer ticker.Stop()

	tm.pollSubgraph(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tm.pollSubgraph(ctx)
		}
	}
}

// pollSubgraph pages through large fills from the watermark second on. Fills
// already taken at the boundary second are dropped by the watermark; a full
// page that never leaves the boundary second is stepped over with skip.
func (tm *TradeMonitor) pollSubgraph(ctx context.Context) {
	skip := 0
	for page := 0; page < maxSubgraphPages; page++ {
		since := tm.subgraphWatermark.Load()
		fills, err := tm.subgraph.LargeTrades(ctx, subgraph.FillQuery{
			Since:  time.Unix(since, 0),
			MinUSD: tm.cfg.MinTradeUSD,
			First:  tm.cfg.SubgraphPageSize,
			Skip:   skip,
		})
		if err != nil {
			if ctx.Err() == nil {
				tm.logger.Warn("failed to poll subgraph", zap.Error(err))
			}
			return
		}

		for _, f := range fills {
			// Fills without a timestamp go through to be counted as malformed.
			if ts := f.Time(); !ts.IsZero() && !tm.subgraphWatermark.Admit(ts.Unix(), f.Key()) {
				continue
			}
			tm.ingest(ctx, fromOrderFill(f))
		}

		if len(fills) < tm.cfg.SubgraphPageSize {
			return
		}
		if tm.subgraphWatermark.Load() == since {
			skip += len(fills)
		} else {
			skip = 0
		}
	}
}

// ---- multi-large-trade sweep ----

func (tm *TradeMonitor) runSweep(ctx context.Context) error {
	ticker := time.NewTicker(tm.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tm.sweep(ctx)
		}
	}
}

// sweep groups the newest large fills in the window by wallet and evaluates
// wallets with several of them as a cluster.
func (tm *TradeMonitor) sweep(ctx context.Context) {
	fills, err := tm.subgraph.LargeTrades(ctx, subgraph.FillQuery{
		Since:       time.Now().Add(-tm.cfg.SweepWindow),
		MinUSD:      tm.cfg.MinTradeUSD,
		First:       subgraph.MaxPageSize,
		NewestFirst: true,
	})
	if err != nil {
		if ctx.Err() == nil {
			tm.logger.Warn("multi-trade sweep failed", zap.Error(err))
		}
		return
	}

	byWallet := make(map[string][]detector.Trade)
	seenTx := make(map[string]struct{})
	for _, f := range fills {
		t := fromOrderFill(f)
		if t.Validate() != nil {
			continue
		}
		key := t.Wallet() + ":" + strings.ToLower(t.TransactionHash)
		if _, dup := seenTx[key]; dup {
			continue
		}
		seenTx[key] = struct{}{}
		byWallet[t.Wallet()] = append(byWallet[t.Wallet()], t)
	}

	candidates := 0
	for wallet, trades := range byWallet {
		if len(trades) < tm.cfg.SweepMinLargeTrade {
			continue
		}
		candidates++
		wallet, trades := wallet, trades
		tm.workers.Go(func() error {
			tm.pipeline.ProcessCluster(ctx, wallet, trades, tm.cfg.SweepMinLargeTrade)
			return nil
		})
	}

	tm.logger.Debug("multi-trade sweep finished",
		zap.Int("fills", len(fills)),
		zap.Int("wallets", len(byWallet)),
		zap.Int("candidates", candidates),
	)
}

// ---- market watchlist ----

// RefreshMarkets reloads the stream watchlist: the configured markets plus the
// top markets by 24h volume.
func (tm *TradeMonitor) RefreshMarkets(ctx context.Context) error {
	if tm.api == nil {
		return fmt.Errorf("no market API configured")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var markets []polymarketapi.GammaMarket
	seen := make(map[string]bool)

	for _, conditionID := range tm.cfg.SpecificMarkets {
		market, err := tm.api.GetMarketByConditionID(fetchCtx, conditionID)
		if err != nil {
			tm.logger.Warn("failed to fetch specific market",
				zap.String("conditionID", shortID(conditionID)),
				zap.Error(err),
			)
			continue
		}
		if market.ConditionID != "" && len(market.GetTokenIDs()) > 0 && !seen[market.ConditionID] {
			markets = append(markets, *market)
			seen[market.ConditionID] = true
		}
	}

	if !tm.cfg.SpecificMarketsOnly {
		top, err := tm.api.GetTopMarketsByVolume(fetchCtx, tm.cfg.TopMarketsCount)
		if err != nil {
			return fmt.Errorf("get top markets: %w", err)
		}
		for _, m := range top {
			if m.ConditionID != "" && m.Active && !m.Closed && len(m.GetTokenIDs()) > 0 && !seen[m.ConditionID] {
				markets = append(markets, m)
				seen[m.ConditionID] = true
			}
		}
	}

	if len(markets) == 0 {
		return fmt.Errorf("no active markets found")
	}

	tm.SetMarkets(markets)
	tm.logger.Info("refreshed monitored markets",
		zap.Int("marketCount", len(markets)),
		zap.Int("tokenCount", len(tm.TokenIDs())),
	)
	return nil
}

// SetMarkets replaces the watchlist and signals the stream to resubscribe.
func (tm *TradeMonitor) SetMarkets(markets []polymarketapi.GammaMarket) {
	var tokenIDs []string
	for i := range markets {
		tokenIDs = append(tokenIDs, markets[i].GetTokenIDs()...)
	}

	tm.mu.Lock()
	tm.markets = markets
	tm.tokenIDs = tokenIDs
	tm.mu.Unlock()

	select {
	case tm.marketsChanged <- struct{}{}:
	default:
	}
}

func (tm *TradeMonitor) runMarketRefresher(ctx context.Context) error {
	ticker := time.NewTicker(tm.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := tm.RefreshMarkets(ctx); err != nil && ctx.Err() == nil {
				tm.logger.Warn("failed to refresh top markets", zap.Error(err))
			}
		}
	}
}

// TokenIDs returns the token IDs of the watched markets.
func (tm *TradeMonitor) TokenIDs() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return append([]string(nil), tm.tokenIDs...)
}

// ConditionIDs returns the condition IDs of the watched markets.
func (tm *TradeMonitor) ConditionIDs() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	ids := make([]string, 0, len(tm.markets))
	for _, m := range tm.markets {
		ids = append(ids, m.ConditionID)
	}
	return ids
}

// ---- stats ----

// MonitorStats is a snapshot of source activity.
type MonitorStats struct {
	WSConnected       bool             `json:"ws_connected"`
	Ingested          map[string]int64 `json:"ingested"`
	Malformed         int64            `json:"malformed"`
	BelowFloor        int64            `json:"below_floor"`
	SkippedNoWallet   int64            `json:"skipped_no_wallet"`
	EventTypes        map[string]int   `json:"event_types,omitempty"`
	MarketCount       int              `json:"market_count"`
	TokenCount        int              `json:"token_count"`
	MarketNames       []string         `json:"market_names,omitempty"`
	PollWatermark     string           `json:"poll_watermark"`
	SubgraphWatermark string           `json:"subgraph_watermark"`
}

// Stats returns a snapshot of the monitor counters.
func (tm *TradeMonitor) Stats() MonitorStats {
	stats := MonitorStats{
		WSConnected:       tm.wsConnected.Load(),
		Ingested:          make(map[string]int64, len(tm.ingested)),
		Malformed:         tm.malformed.Load(),
		BelowFloor:        tm.belowFloor.Load(),
		SkippedNoWallet:   tm.skippedNoWallet.Load(),
		EventTypes:        make(map[string]int),
		PollWatermark:     time.Unix(tm.pollWatermark.Load(), 0).UTC().Format(time.RFC3339),
		SubgraphWatermark: time.Unix(tm.subgraphWatermark.Load(), 0).UTC().Format(time.RFC3339),
	}
	for src, c := range tm.ingested {
		stats.Ingested[string(src)] = c.Load()
	}

	tm.eventMu.Lock()
	for k, v := range tm.eventTypes {
		stats.EventTypes[k] = v
	}
	tm.eventMu.Unlock()

	tm.mu.RLock()
	stats.MarketCount = len(tm.markets)
	stats.TokenCount = len(tm.tokenIDs)
	for _, m := range tm.markets {
		stats.MarketNames = append(stats.MarketNames, nz(m.Question, m.ConditionID))
	}
	tm.mu.RUnlock()

	return stats
}
