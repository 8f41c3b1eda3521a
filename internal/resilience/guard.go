package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Policy configures a Guard. The zero value disables every layer.
type Policy struct {
	Retry            RetryPolicy
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RatePerSecond    float64
	Burst            int
}

// StreamPolicy paces reconnects to streaming upstreams.
var StreamPolicy = Policy{
	Retry:            DefaultRetryPolicy(),
	BreakerThreshold: 2,
	BreakerCooldown:  60 * time.Second,
}

// Guard wraps calls to one upstream endpoint class with rate limiting, a
// circuit breaker and bounded retry. A nil Guard calls straight through.
type Guard struct {
	name    string
	retry   RetryPolicy
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewGuard creates a Guard for the named endpoint class.
func NewGuard(name string, p Policy, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		name:    name,
		retry:   p.Retry,
		breaker: newBreaker(name, p.BreakerThreshold, p.BreakerCooldown, logger),
		limiter: NewLimiter(p.RatePerSecond, p.Burst),
		logger:  logger,
	}
}

// Name returns the endpoint class name.
func (g *Guard) Name() string {
	if g == nil {
		return ""
	}
	return g.name
}

// BreakerState exposes the breaker state for stats.
func (g *Guard) BreakerState() BreakerState {
	if g == nil || g.breaker == nil {
		return StateClosed
	}
	return fromGobreaker(g.breaker.State())
}

// Do runs fn under the guard. Each attempt waits for a rate token and then
// passes through the breaker. Permanent errors and cancellation do not count
// against the breaker.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}

	attempt := func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if g.breaker == nil {
			return fn(ctx)
		}

		_, err := g.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if isBreakerRejection(err) {
			return ErrCircuitOpen
		}
		return err
	}

	err := Retry(ctx, g.retry, attempt, func(n int, wait time.Duration, err error) {
		g.logger.Warn("upstream call failed, retrying",
			zap.String("endpoint", g.name),
			zap.Int("attempt", n),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if errors.Is(err, ErrCircuitOpen) {
		g.logger.Debug("upstream call rejected by open circuit", zap.String("endpoint", g.name))
	}
	return err
}
