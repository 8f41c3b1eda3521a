package app

import (
	"context"
	"errors"
	"fmt"
	"polyinsider/clients/chain"
	"polyinsider/clients/polymarketapi"
	"polyinsider/internal/detector"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrNoActivity is returned when a wallet has no activity in the lookback window.
var ErrNoActivity = errors.New("no wallet activity")

// ActivitySource fetches raw wallet activity.
type ActivitySource interface {
	GetUserActivity(ctx context.Context, wallet string, start time.Time, limit int) ([]polymarketapi.Activity, error)
}

// TradedCounter reports how many markets a wallet has ever traded.
type TradedCounter interface {
	GetTradedCount(ctx context.Context, wallet string) (int, error)
}

// FundingSource lists USDC transfers into a wallet.
type FundingSource interface {
	IncomingTransfers(ctx context.Context, wallet string, since time.Time) ([]chain.Transfer, error)
}

// WalletEnrichment holds the optional lookups layered on the activity profile.
// Nil sources are skipped.
type WalletEnrichment struct {
	Traded  TradedCounter
	Funding FundingSource
}

// WalletTrackerConfig holds the wallet profiling settings.
type WalletTrackerConfig struct {
	CacheTTL        time.Duration
	Lookback        time.Duration
	NewWalletWindow time.Duration
	ActivityLimit   int
	USDMultiplier   float64

	// MinLifetimeTraded clears the new flag for wallets with at least this
	// many markets traded overall; 0 only records the count.
	MinLifetimeTraded int
	FundingLookback   time.Duration
}

// DefaultWalletTrackerConfig returns the default wallet profiling settings.
func DefaultWalletTrackerConfig() WalletTrackerConfig {
	return WalletTrackerConfig{
		CacheTTL:        30 * time.Minute,
		Lookback:        72 * time.Hour,
		NewWalletWindow: 24 * time.Hour,
		ActivityLimit:     500,
		USDMultiplier:     1,
		MinLifetimeTraded: 5,
		FundingLookback:   24 * time.Hour,
	}
}

// WalletTracker builds and caches wallet behavior profiles.
type WalletTracker struct {
	logger *zap.Logger
	source ActivitySource
	enrich WalletEnrichment
	cfg    WalletTrackerConfig
	now    func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*detector.WalletProfile
}

// NewWalletTracker creates a new wallet tracker. Zero config fields take defaults.
func NewWalletTracker(logger *zap.Logger, source ActivitySource, cfg WalletTrackerConfig) *WalletTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultWalletTrackerConfig()
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.NewWalletWindow <= 0 {
		cfg.NewWalletWindow = def.NewWalletWindow
	}
	if cfg.ActivityLimit <= 0 {
		cfg.ActivityLimit = def.ActivityLimit
	}
	if cfg.USDMultiplier <= 0 {
		cfg.USDMultiplier = def.USDMultiplier
	}
	if cfg.MinLifetimeTraded < 0 {
		cfg.MinLifetimeTraded = 0
	}
	if cfg.FundingLookback <= 0 {
		cfg.FundingLookback = def.FundingLookback
	}

	return &WalletTracker{
		logger: logger,
		source: source,
		cfg:    cfg,
		now:    time.Now,
		cache:  make(map[string]*detector.WalletProfile),
	}
}

// WithEnrichment sets the lifetime and funding lookups. Call before use.
func (wt *WalletTracker) WithEnrichment(e WalletEnrichment) *WalletTracker {
	wt.enrich = e
	return wt
}

// Profile returns the cached profile for a wallet, computing it if missing or
// expired. Expired entries are never returned.
func (wt *WalletTracker) Profile(ctx context.Context, address string) (*detector.WalletProfile, error) {
	key := strings.ToLower(strings.TrimSpace(address))
	if key == "" {
		return nil, fmt.Errorf("wallet address is empty")
	}

	if p, ok := wt.cached(key); ok {
		return p, nil
	}

	v, err, _ := wt.group.Do(key, func() (any, error) {
		// A concurrent caller may have filled the entry while we waited.
		if p, ok := wt.cached(key); ok {
			return p, nil
		}
		return wt.compute(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*detector.WalletProfile), nil
}

func (wt *WalletTracker) cached(key string) (*detector.WalletProfile, bool) {
	wt.mu.RLock()
	p, ok := wt.cache[key]
	wt.mu.RUnlock()

	if !ok || wt.now().Sub(p.ComputedAt) >= wt.cfg.CacheTTL {
		return nil, false
	}
	return p, true
}

func (wt *WalletTracker) compute(ctx context.Context, wallet string) (*detector.WalletProfile, error) {
	now := wt.now()
	raw, err := wt.source.GetUserActivity(ctx, wallet, now.Add(-wt.cfg.Lookback), wt.cfg.ActivityLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch activity for %s: %w", shortID(wallet), err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: %w", shortID(wallet), ErrNoActivity)
	}

	activities := make([]detector.Activity, 0, len(raw))
	for _, a := range raw {
		if a.Timestamp <= 0 {
			wt.logger.Debug("skipping activity without timestamp",
				zap.String("wallet", shortID(wallet)),
				zap.String("type", a.Type),
			)
			continue
		}
		activities = append(activities, toDetectorActivity(a))
	}
	if len(activities) == 0 {
		return nil, fmt.Errorf("%s: %w", shortID(wallet), ErrNoActivity)
	}

	profile := detector.BuildProfile(wallet, activities, now, wt.cfg.NewWalletWindow, wt.cfg.USDMultiplier)
	wt.applyEnrichment(ctx, profile, now)

	wt.mu.Lock()
	wt.cache[wallet] = profile
	wt.mu.Unlock()

	wt.logger.Debug("computed wallet profile",
		zap.String("wallet", shortID(wallet)),
		zap.Int("activityCount", profile.ActivityCount),
		zap.Int("distinctMarkets", profile.DistinctMarkets),
		zap.Float64("tradingFrequency", profile.TradingFrequency),
		zap.Bool("isNew", profile.IsNew),
		zap.Int("lifetimeTraded", profile.LifetimeTraded),
		zap.Float64("recentFunding", profile.RecentFunding),
	)
	return profile, nil
}

// applyEnrichment runs the optional lookups concurrently. A failed lookup
// leaves its fields unknown rather than failing the profile.
func (wt *WalletTracker) applyEnrichment(ctx context.Context, profile *detector.WalletProfile, now time.Time) {
	var (
		g        errgroup.Group
		traded   = -1
		funding  []detector.Funding
		since    = now.Add(-wt.cfg.FundingLookback)
		walletID = shortID(profile.Address)
	)

	if wt.enrich.Traded != nil {
		g.Go(func() error {
			n, err := wt.enrich.Traded.GetTradedCount(ctx, profile.Address)
			if err != nil {
				wt.logger.Warn("lifetime traded lookup failed",
					zap.String("wallet", walletID),
					zap.Error(err),
				)
				return nil
			}
			traded = n
			return nil
		})
	}

	if wt.enrich.Funding != nil {
		g.Go(func() error {
			transfers, err := wt.enrich.Funding.IncomingTransfers(ctx, profile.Address, since)
			if err != nil {
				wt.logger.Warn("funding lookup failed",
					zap.String("wallet", walletID),
					zap.Error(err),
				)
				return nil
			}
			funding = make([]detector.Funding, 0, len(transfers))
			for _, tr := range transfers {
				funding = append(funding, detector.Funding{
					Amount:    tr.Amount,
					Timestamp: tr.Time,
					From:      tr.From,
					TxHash:    tr.TxHash,
				})
			}
			return nil
		})
	}

	g.Wait()

	profile.ApplyLifetimeTraded(traded, wt.cfg.MinLifetimeTraded)
	profile.ApplyFunding(funding, since)
}

func toDetectorActivity(a polymarketapi.Activity) detector.Activity {
	return detector.Activity{
		Type:      strings.ToUpper(a.Type),
		Side:      detector.ParseSide(a.Side),
		Amount:    a.Size,
		Price:     a.Price,
		USDSize:   a.UsdcSize,
		Timestamp: time.Unix(a.Timestamp, 0),
		MarketID:  a.ConditionID,
	}
}

// CacheSize returns the number of cached profiles, expired ones included.
func (wt *WalletTracker) CacheSize() int {
	wt.mu.RLock()
	defer wt.mu.RUnlock()
	return len(wt.cache)
}

// Clear drops every cached profile.
func (wt *WalletTracker) Clear() {
	wt.mu.Lock()
	wt.cache = make(map[string]*detector.WalletProfile)
	wt.mu.Unlock()
}

// PruneExpired removes expired profiles and returns how many were dropped.
func (wt *WalletTracker) PruneExpired() int {
	now := wt.now()

	wt.mu.Lock()
	defer wt.mu.Unlock()

	pruned := 0
	for k, p := range wt.cache {
		if now.Sub(p.ComputedAt) >= wt.cfg.CacheTTL {
			delete(wt.cache, k)
			pruned++
		}
	}
	return pruned
}
