package app

import (
	"context"
	"errors"
	"polyinsider/clients/polymarketapi"
	"polyinsider/internal/detector"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MarketSource looks up market metadata by condition ID or token ID.
type MarketSource interface {
	GetMarketByConditionID(ctx context.Context, conditionID string) (*polymarketapi.GammaMarket, error)
	GetMarketByTokenID(ctx context.Context, tokenID string) (*polymarketapi.GammaMarket, error)
}

// MarketResolver resolves and caches market context. It never fails: lookup
// errors degrade to an empty context that is not cached.
type MarketResolver struct {
	logger *zap.Logger
	source MarketSource
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]detector.MarketContext
}

// NewMarketResolver creates a market resolver. A zero ttl defaults to 60m.
func NewMarketResolver(logger *zap.Logger, source MarketSource, ttl time.Duration) *MarketResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	return &MarketResolver{
		logger: logger,
		source: source,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]detector.MarketContext),
	}
}

// Context returns the market context for a condition ID (0x…) or token ID.
func (mr *MarketResolver) Context(ctx context.Context, marketID string) detector.MarketContext {
	key := strings.ToLower(strings.TrimSpace(marketID))
	if key == "" {
		return detector.EmptyMarketContext(marketID)
	}

	mr.mu.RLock()
	cached, ok := mr.cache[key]
	mr.mu.RUnlock()
	if ok && mr.now().Sub(cached.ResolvedAt) < mr.ttl {
		return cached
	}

	var (
		market *polymarketapi.GammaMarket
		err    error
	)
	if strings.HasPrefix(key, "0x") {
		market, err = mr.source.GetMarketByConditionID(ctx, marketID)
	} else {
		market, err = mr.source.GetMarketByTokenID(ctx, marketID)
	}
	if err != nil {
		if errors.Is(err, polymarketapi.ErrMarketNotFound) {
			mr.logger.Warn("market not found", zap.String("marketID", shortID(marketID)))
		} else if ctx.Err() == nil {
			mr.logger.Warn("failed to resolve market context",
				zap.String("marketID", shortID(marketID)),
				zap.Error(err),
			)
		}
		return detector.EmptyMarketContext(marketID)
	}

	endDate, _ := market.EndTime()
	id := nz(market.ConditionID, marketID)
	mc := detector.NewMarketContext(id, market.Question, market.LiquidityNum, market.VolumeNum, endDate, mr.now())

	mr.mu.Lock()
	mr.cache[key] = mc
	mr.mu.Unlock()

	return mc
}

// CacheSize returns the number of cached markets.
func (mr *MarketResolver) CacheSize() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.cache)
}

// PruneExpired removes expired market contexts.
func (mr *MarketResolver) PruneExpired() int {
	now := mr.now()

	mr.mu.Lock()
	defer mr.mu.Unlock()

	pruned := 0
	for k, mc := range mr.cache {
		if now.Sub(mc.ResolvedAt) >= mr.ttl {
			delete(mr.cache, k)
			pruned++
		}
	}
	return pruned
}
