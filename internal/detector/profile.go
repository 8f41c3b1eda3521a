package detector

import (
	"strings"
	"time"
)

// Activity is one raw wallet activity record.
type Activity struct {
	Type      string // TRADE, SPLIT, MERGE, REDEEM, ... or BUY/SELL
	Side      Side
	Amount    float64
	Price     float64
	USDSize   float64 // zero when the source does not report it
	Timestamp time.Time
	MarketID  string
}

// IsTrade reports whether the activity is a BUY or SELL.
func (a Activity) IsTrade() bool {
	return a.Side == SideBuy || a.Side == SideSell
}

// Notional returns the USD value of the activity.
func (a Activity) Notional(multiplier float64) float64 {
	if a.USDSize > 0 {
		return a.USDSize
	}
	return a.Amount * a.Price * multiplier
}

// WalletProfile is a derived summary of one wallet's recent behavior.
type WalletProfile struct {
	Address          string
	ActivityCount    int
	FirstActivity    time.Time
	LastActivity     time.Time
	TradingFrequency float64 // activities per hour
	AverageTradeSize float64
	MaxTradeSize     float64
	DistinctMarkets  int
	BuyCount         int
	SellCount        int
	BuySellRatio     float64
	IsNew            bool
	ComputedAt       time.Time

	// LifetimeTraded is the number of markets ever traded, or -1 when unknown.
	LifetimeTraded int

	// Incoming USDC within the funding lookback.
	RecentFunding float64
	FundingCount  int
	LastFundingAt time.Time
}

// Funding is one incoming USDC transfer to a wallet.
type Funding struct {
	Amount    float64
	Timestamp time.Time
	From      string
	TxHash    string
}

// ApplyLifetimeTraded records the lifetime market count. A wallet with at
// least minTraded markets is not new regardless of its recent activity.
func (p *WalletProfile) ApplyLifetimeTraded(traded, minTraded int) {
	if traded < 0 {
		return
	}
	p.LifetimeTraded = traded
	if minTraded > 0 && traded >= minTraded {
		p.IsNew = false
	}
}

// ApplyFunding totals the transfers at or after since.
func (p *WalletProfile) ApplyFunding(funding []Funding, since time.Time) {
	p.RecentFunding = 0
	p.FundingCount = 0
	p.LastFundingAt = time.Time{}
	for _, f := range funding {
		if f.Amount <= 0 || f.Timestamp.Before(since) {
			continue
		}
		p.RecentFunding += f.Amount
		p.FundingCount++
		if f.Timestamp.After(p.LastFundingAt) {
			p.LastFundingAt = f.Timestamp
		}
	}
}

// PriorTrades is the wallet's trade history size: the lifetime count when
// known, otherwise the trades in the recent activity window.
func (p *WalletProfile) PriorTrades() int {
	if p.LifetimeTraded >= 0 {
		return p.LifetimeTraded
	}
	return p.BuyCount + p.SellCount
}

// HasTradeMix reports whether the buy/sell ratio is defined.
func (p *WalletProfile) HasTradeMix() bool {
	return p.BuyCount+p.SellCount > 0
}

// Frequencies used when all activity shares a single timestamp.
const (
	FrequencyHigh   = 1.0
	FrequencyMedium = 0.5
	FrequencyLow    = 0.0
)

// BuildProfile computes a WalletProfile from raw activity.
func BuildProfile(
	address string,
	activities []Activity,
	now time.Time,
	newWalletWindow time.Duration,
	multiplier float64,
) *WalletProfile {
	p := &WalletProfile{
		Address:        strings.ToLower(address),
		ComputedAt:     now,
		LifetimeTraded: -1,
	}
	if len(activities) == 0 {
		return p
	}

	p.ActivityCount = len(activities)
	markets := make(map[string]struct{})
	var total float64
	var trades int

	for i, a := range activities {
		if i == 0 || a.Timestamp.Before(p.FirstActivity) {
			p.FirstActivity = a.Timestamp
		}
		if i == 0 || a.Timestamp.After(p.LastActivity) {
			p.LastActivity = a.Timestamp
		}
		if a.MarketID != "" {
			markets[a.MarketID] = struct{}{}
		}

		if !a.IsTrade() {
			continue
		}
		n := a.Notional(multiplier)
		total += n
		trades++
		if n > p.MaxTradeSize {
			p.MaxTradeSize = n
		}
		if a.Side == SideBuy {
			p.BuyCount++
		} else {
			p.SellCount++
		}
	}

	p.DistinctMarkets = len(markets)
	if trades > 0 {
		p.AverageTradeSize = total / float64(trades)
		p.BuySellRatio = float64(p.BuyCount) / float64(trades)
	}

	spanHours := p.LastActivity.Sub(p.FirstActivity).Hours()
	if spanHours > 0 {
		p.TradingFrequency = float64(p.ActivityCount) / spanHours
	} else {
		switch {
		case p.ActivityCount >= 5:
			p.TradingFrequency = FrequencyHigh
		case p.ActivityCount >= 2:
			p.TradingFrequency = FrequencyMedium
		default:
			p.TradingFrequency = FrequencyLow
		}
	}

	p.IsNew = !p.FirstActivity.Before(now.Add(-newWalletWindow))
	return p
}
