package resilience

import "golang.org/x/time/rate"

// NewLimiter returns a token bucket allowing perSecond calls with the given
// burst. It returns nil (no limiting) when perSecond <= 0.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
