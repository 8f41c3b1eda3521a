package app

import (
	"context"
	"errors"
	"fmt"
	"polyinsider/clients/notifier"
	"polyinsider/internal/detector"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome is the terminal state of one trade evaluation.
type Outcome string

const (
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeNoProfile      Outcome = "no_profile"
	OutcomeNoPatterns     Outcome = "no_patterns"
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeEmitted        Outcome = "emitted"
	OutcomeFailed         Outcome = "failed"
)

var allOutcomes = []Outcome{
	OutcomeDuplicate,
	OutcomeInvalid,
	OutcomeNoProfile,
	OutcomeNoPatterns,
	OutcomeBelowThreshold,
	OutcomeEmitted,
	OutcomeFailed,
}

// Emitted reports whether the outcome produced an alert.
func (o Outcome) Emitted() bool {
	return o == OutcomeEmitted
}

const (
	recentAlertsSize     = 50
	defaultNotifyTimeout = 30 * time.Second
	profileURLBase       = "https://polymarket.com/profile/"
)

var errPanic = errors.New("panic during enrichment")

// WalletProfiler resolves a wallet's behavior profile.
type WalletProfiler interface {
	Profile(ctx context.Context, address string) (*detector.WalletProfile, error)
}

// MarketContexter resolves market context; it never fails.
type MarketContexter interface {
	Context(ctx context.Context, marketID string) detector.MarketContext
}

// Alert is an emitted insider alert.
type Alert struct {
	ID         string
	Trade      detector.Trade
	Wallet     string
	Confidence float64
	Tier       detector.RiskTier
	Reasons    []string
	Patterns   []detector.PatternMatch
	Profile    *detector.WalletProfile
	Market     detector.MarketContext
	CreatedAt  time.Time
}

// RecentAlertInfo is a compact alert summary for the stats endpoint.
type RecentAlertInfo struct {
	ID         string   `json:"id"`
	Wallet     string   `json:"wallet"`
	Market     string   `json:"market"`
	Notional   float64  `json:"notional"`
	Confidence float64  `json:"confidence"`
	Tier       string   `json:"tier"`
	Patterns   []string `json:"patterns"`
	Source     string   `json:"source"`
	CreatedAt  string   `json:"created_at"`
}

// PipelineStats holds outcome counters and the recent alert feed.
type PipelineStats struct {
	Processed    int64             `json:"processed"`
	Outcomes     map[Outcome]int64 `json:"outcomes"`
	RecentAlerts []RecentAlertInfo `json:"recent_alerts"`
	LastAlertAt  string            `json:"last_alert_at,omitempty"`
}

// PipelineConfig holds the alert gating settings.
type PipelineConfig struct {
	Detection     detector.Config
	MinConfidence float64
	NotifyTimeout time.Duration
}

// AlertPipeline evaluates trades end to end: dedup, enrichment, detection,
// scoring, gating and notification. It is safe for concurrent use.
type AlertPipeline struct {
	logger   *zap.Logger
	wallets  WalletProfiler
	markets  MarketContexter
	ledger   *SeenLedger
	detector *detector.Detector
	scorer   *detector.Scorer
	notifier notifier.Notifier

	minConfidence float64
	notifyTimeout time.Duration

	processed atomic.Int64
	counters  map[Outcome]*atomic.Int64

	recentMu    sync.Mutex
	recent      []Alert
	lastAlertAt time.Time
}

// NewAlertPipeline wires the pipeline. A nil notifier logs alerts only.
func NewAlertPipeline(
	logger *zap.Logger,
	wallets WalletProfiler,
	markets MarketContexter,
	ledger *SeenLedger,
	n notifier.Notifier,
	cfg PipelineConfig,
) *AlertPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ledger == nil {
		ledger = NewSeenLedger(DefaultLedgerSize)
	}
	if n == nil {
		n = notifier.NewMultiNotifier()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}

	counters := make(map[Outcome]*atomic.Int64, len(allOutcomes))
	for _, o := range allOutcomes {
		counters[o] = new(atomic.Int64)
	}

	return &AlertPipeline{
		logger:        logger,
		wallets:       wallets,
		markets:       markets,
		ledger:        ledger,
		detector:      detector.NewDetector(cfg.Detection),
		scorer:        detector.NewScorer(cfg.Detection),
		notifier:      n,
		minConfidence: cfg.MinConfidence,
		notifyTimeout: cfg.NotifyTimeout,
		counters:      counters,
	}
}

// Process evaluates one trade. Errors never escape: every failure maps to a
// terminal outcome.
func (p *AlertPipeline) Process(ctx context.Context, trade detector.Trade) Outcome {
	outcome := p.evaluate(ctx, trade)
	p.record(outcome)
	return outcome
}

func (p *AlertPipeline) evaluate(ctx context.Context, trade detector.Trade) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("recovered panic while evaluating trade",
				zap.Any("panic", r),
				zap.String("tx", shortID(trade.TransactionHash)),
				zap.Stack("stack"),
			)
			outcome = OutcomeFailed
		}
	}()

	if err := trade.Validate(); err != nil {
		p.logger.Debug("skipping malformed trade",
			zap.String("source", string(trade.Source)),
			zap.String("tx", shortID(trade.TransactionHash)),
			zap.Error(err),
		)
		return OutcomeInvalid
	}

	// Marked before enrichment so a failing trade is never reprocessed.
	if p.ledger.CheckAndMark(trade.DedupKey()) {
		return OutcomeDuplicate
	}

	wallet := trade.Wallet()
	profile, market, err := p.enrich(ctx, wallet, trade.MarketKey())
	if err != nil {
		if errors.Is(err, errPanic) {
			return OutcomeFailed
		}
		if ctx.Err() == nil {
			p.logger.Info("dropping trade without wallet profile",
				zap.String("wallet", shortID(wallet)),
				zap.String("tx", shortID(trade.TransactionHash)),
				zap.Error(err),
			)
		}
		return OutcomeNoProfile
	}
	if market.Question == "" {
		market.Question = trade.MarketQuestion
	}

	patterns := p.detector.Detect(trade, profile, market)
	if len(patterns) == 0 {
		return OutcomeNoPatterns
	}

	return p.gateAndEmit(ctx, trade, profile, market, patterns)
}

// ProcessCluster evaluates a group of large trades from one wallet for the
// multi-large-trade pattern. The newest trade anchors the alert.
func (p *AlertPipeline) ProcessCluster(ctx context.Context, wallet string, trades []detector.Trade, minCount int) Outcome {
	outcome := p.evaluateCluster(ctx, wallet, trades, minCount)
	p.record(outcome)
	return outcome
}

func (p *AlertPipeline) evaluateCluster(ctx context.Context, wallet string, trades []detector.Trade, minCount int) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("recovered panic while evaluating trade cluster",
				zap.Any("panic", r),
				zap.String("wallet", shortID(wallet)),
				zap.Stack("stack"),
			)
			outcome = OutcomeFailed
		}
	}()

	if wallet == "" || len(trades) == 0 {
		return OutcomeInvalid
	}

	sorted := make([]detector.Trade, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	anchor := sorted[len(sorted)-1]

	if p.ledger.CheckAndMark("multi:" + wallet + ":" + anchor.DedupKey()) {
		return OutcomeDuplicate
	}

	profile, market, err := p.enrich(ctx, wallet, anchor.MarketKey())
	if err != nil {
		if errors.Is(err, errPanic) {
			return OutcomeFailed
		}
		return OutcomeNoProfile
	}
	if market.Question == "" {
		market.Question = anchor.MarketQuestion
	}

	match, ok := p.detector.DetectMultiLargeTrades(sorted, profile, minCount)
	if !ok {
		return OutcomeNoPatterns
	}

	return p.gateAndEmit(ctx, anchor, profile, market, []detector.PatternMatch{match})
}

// enrich fetches the wallet profile and market context concurrently. A
// market failure degrades to an empty context; a wallet failure is returned.
func (p *AlertPipeline) enrich(ctx context.Context, wallet, marketID string) (*detector.WalletProfile, detector.MarketContext, error) {
	var (
		profile *detector.WalletProfile
		market  = detector.EmptyMarketContext(marketID)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(guarded(p.logger, func() error {
		var err error
		profile, err = p.wallets.Profile(gctx, wallet)
		return err
	}))
	g.Go(guarded(p.logger, func() error {
		if p.markets != nil && marketID != "" {
			market = p.markets.Context(gctx, marketID)
		}
		return nil
	}))

	if err := g.Wait(); err != nil {
		return nil, market, err
	}
	if profile == nil {
		return nil, market, fmt.Errorf("%s: %w", shortID(wallet), ErrNoActivity)
	}
	return profile, market, nil
}

// guarded converts a panic inside an errgroup goroutine into errPanic.
func guarded(logger *zap.Logger, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("recovered panic during enrichment", zap.Any("panic", r), zap.Stack("stack"))
				err = errPanic
			}
		}()
		return fn()
	}
}

func (p *AlertPipeline) gateAndEmit(
	ctx context.Context,
	trade detector.Trade,
	profile *detector.WalletProfile,
	market detector.MarketContext,
	patterns []detector.PatternMatch,
) Outcome {
	score, tier := p.scorer.Score(patterns, trade, profile)
	if score < p.minConfidence {
		p.logger.Debug("trade below confidence threshold",
			zap.String("wallet", shortID(trade.Wallet())),
			zap.Float64("confidence", score),
			zap.Float64("minConfidence", p.minConfidence),
		)
		return OutcomeBelowThreshold
	}

	reasons := make([]string, 0, len(patterns))
	for _, m := range patterns {
		reasons = append(reasons, m.Description)
	}

	alert := Alert{
		ID:         uuid.NewString(),
		Trade:      trade,
		Wallet:     trade.Wallet(),
		Confidence: score,
		Tier:       tier,
		Reasons:    reasons,
		Patterns:   patterns,
		Profile:    profile,
		Market:     market,
		CreatedAt:  time.Now().UTC(),
	}
	p.remember(alert)

	p.logger.Info("insider alert",
		zap.String("alertID", alert.ID),
		zap.String("wallet", shortID(alert.Wallet)),
		zap.String("market", shortID(market.MarketID)),
		zap.Float64("notional", trade.NotionalUSD(p.detector.Config().USDMultiplier)),
		zap.Float64("confidence", score),
		zap.String("tier", string(tier)),
		zap.Int("patterns", len(patterns)),
		zap.String("source", string(trade.Source)),
	)

	// Delivery failures are logged only; the trade is already marked seen.
	sendCtx, cancel := context.WithTimeout(ctx, p.notifyTimeout)
	defer cancel()
	if err := p.notifier.SendAlert(sendCtx, p.toNotification(alert)); err != nil {
		p.logger.Warn("failed to deliver alert",
			zap.String("alertID", alert.ID),
			zap.Error(err),
		)
	}

	return OutcomeEmitted
}

func (p *AlertPipeline) toNotification(a Alert) notifier.InsiderAlert {
	out := notifier.InsiderAlert{
		ID:              a.ID,
		Wallet:          a.Wallet,
		WalletURL:       profileURLBase + a.Wallet,
		TransactionHash: a.Trade.TransactionHash,
		Side:            string(a.Trade.Side),
		Shares:          a.Trade.Size,
		Price:           a.Trade.Price,
		Notional:        a.Trade.NotionalUSD(p.detector.Config().USDMultiplier),
		Source:          string(a.Trade.Source),
		MarketID:        a.Market.MarketID,
		MarketQuestion:  a.Market.Question,
		Liquidity:       a.Market.Liquidity,
		HoursToExpiry:   a.Market.HoursToExpiry,
		HasExpiry:       a.Market.HasExpiry,
		Confidence:      a.Confidence,
		Tier:            string(a.Tier),
		Timestamp:       a.CreatedAt,
	}
	if a.Profile != nil {
		out.WalletIsNew = a.Profile.IsNew
		out.ActivityCount = a.Profile.ActivityCount
		out.DistinctMarkets = a.Profile.DistinctMarkets
		out.TradingFrequency = a.Profile.TradingFrequency
		out.FirstSeen = a.Profile.FirstActivity
	}
	for _, m := range a.Patterns {
		out.Patterns = append(out.Patterns, notifier.Pattern{
			Type:        string(m.Type),
			Description: m.Description,
			Confidence:  m.Confidence,
			Severity:    string(m.Severity),
		})
	}
	return out
}

func (p *AlertPipeline) record(o Outcome) {
	p.processed.Add(1)
	if c, ok := p.counters[o]; ok {
		c.Add(1)
	}
}

func (p *AlertPipeline) remember(a Alert) {
	p.recentMu.Lock()
	defer p.recentMu.Unlock()
	p.recent = append(p.recent, a)
	if len(p.recent) > recentAlertsSize {
		p.recent = p.recent[len(p.recent)-recentAlertsSize:]
	}
	p.lastAlertAt = a.CreatedAt
}

// RecentAlerts returns up to the last 50 alerts, newest first.
func (p *AlertPipeline) RecentAlerts() []Alert {
	p.recentMu.Lock()
	defer p.recentMu.Unlock()
	out := make([]Alert, len(p.recent))
	for i, a := range p.recent {
		out[len(p.recent)-1-i] = a
	}
	return out
}

// Count returns how many evaluations ended with outcome o.
func (p *AlertPipeline) Count(o Outcome) int64 {
	if c, ok := p.counters[o]; ok {
		return c.Load()
	}
	return 0
}

// Stats returns a snapshot of the pipeline counters.
func (p *AlertPipeline) Stats() PipelineStats {
	stats := PipelineStats{
		Processed: p.processed.Load(),
		Outcomes:  make(map[Outcome]int64, len(p.counters)),
	}
	for o, c := range p.counters {
		stats.Outcomes[o] = c.Load()
	}

	multiplier := p.detector.Config().USDMultiplier
	for _, a := range p.RecentAlerts() {
		types := make([]string, 0, len(a.Patterns))
		for _, m := range a.Patterns {
			types = append(types, string(m.Type))
		}
		stats.RecentAlerts = append(stats.RecentAlerts, RecentAlertInfo{
			ID:         a.ID,
			Wallet:     a.Wallet,
			Market:     nz(a.Market.Question, a.Market.MarketID),
			Notional:   a.Trade.NotionalUSD(multiplier),
			Confidence: a.Confidence,
			Tier:       string(a.Tier),
			Patterns:   types,
			Source:     string(a.Trade.Source),
			CreatedAt:  a.CreatedAt.Format(time.RFC3339),
		})
	}

	p.recentMu.Lock()
	if !p.lastAlertAt.IsZero() {
		stats.LastAlertAt = p.lastAlertAt.Format(time.RFC3339)
	}
	p.recentMu.Unlock()

	return stats
}
