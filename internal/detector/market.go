package detector

import "time"

// ExpiringSoonHours is the horizon under which a market counts as expiring soon.
const ExpiringSoonHours = 168.0

// MarketContext is a derived summary of one market.
type MarketContext struct {
	MarketID       string
	Question       string
	Liquidity      float64
	Volume         float64
	EndDate        time.Time
	HasExpiry      bool
	HoursToExpiry  float64 // only meaningful when HasExpiry
	IsExpiringSoon bool
	ResolvedAt     time.Time
}

// NewMarketContext builds a context and derives the expiry fields from endDate.
// A zero endDate means the market has no known end.
func NewMarketContext(
	marketID, question string,
	liquidity, volume float64,
	endDate time.Time,
	now time.Time,
) MarketContext {
	mc := MarketContext{
		MarketID:   marketID,
		Question:   question,
		Liquidity:  liquidity,
		Volume:     volume,
		EndDate:    endDate,
		ResolvedAt: now,
	}
	if endDate.IsZero() {
		return mc
	}
	mc.HasExpiry = true
	mc.HoursToExpiry = endDate.Sub(now).Hours()
	mc.IsExpiringSoon = mc.HoursToExpiry > 0 && mc.HoursToExpiry <= ExpiringSoonHours
	return mc
}

// EmptyMarketContext is the degraded context used when resolution fails.
func EmptyMarketContext(marketID string) MarketContext {
	return MarketContext{MarketID: marketID}
}
