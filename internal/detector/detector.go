package detector

import (
	"fmt"
	"math"
)

// PatternType tags a heuristic.
type PatternType string

const (
	PatternNewWalletLargeTrade    PatternType = "NEW_WALLET_LARGE_TRADE"
	PatternUnusuallyLargeTrade    PatternType = "UNUSUALLY_LARGE_TRADE"
	PatternExpiringMarketActivity PatternType = "EXPIRING_MARKET_ACTIVITY"
	PatternSuddenActivity         PatternType = "SUDDEN_ACTIVITY"
	PatternConcentratedTrading    PatternType = "CONCENTRATED_TRADING"
	PatternImbalancedTrading      PatternType = "IMBALANCED_TRADING"
	PatternMultiLargeTrades       PatternType = "MULTI_LARGE_TRADES"
	PatternFundingMatchedTrade    PatternType = "FUNDING_MATCHED_TRADE"
)

// Severity of a single pattern match.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// PatternMatch is one heuristic that fired for a trade.
type PatternMatch struct {
	Type        PatternType
	Description string
	Confidence  float64 // 0-100
	Severity    Severity
}

// Rule thresholds.
const (
	NewWalletTradeMultiple    = 2.0
	LargeTradeMultiplier      = 5.0
	HugeTradeMultiplier       = 10.0
	LowFrequencyPerHour       = 0.1
	ConcentratedMaxMarkets    = 2
	ConcentratedTradeMultiple = 1.5
	ImbalancedHighRatio       = 0.9
	ImbalancedLowRatio        = 0.1
	FundingMatchTolerance     = 0.1 // recent funding within 10% of the trade
	FundingMatchConfidence    = 70.0
	FundingFreshWalletBonus   = 20.0
	FundingFreshWalletTrades  = 1
)

// Config holds the tunables the rules depend on.
type Config struct {
	MinTradeUSD   float64
	USDMultiplier float64
}

// Detector evaluates the fixed battery of insider heuristics. It holds no state.
type Detector struct {
	cfg Config
}

// NewDetector creates a new Detector.
func NewDetector(cfg Config) *Detector {
	if cfg.USDMultiplier <= 0 {
		cfg.USDMultiplier = 1
	}
	return &Detector{cfg: cfg}
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// Detect returns every pattern that matches the trade. All rules are
// independent and may fire together.
func (d *Detector) Detect(trade Trade, wallet *WalletProfile, market MarketContext) []PatternMatch {
	if wallet == nil {
		wallet = &WalletProfile{}
	}

	var matches []PatternMatch
	usd := trade.NotionalUSD(d.cfg.USDMultiplier)
	threshold := d.cfg.MinTradeUSD

	// Check 1: new wallet with a large opening trade
	if wallet.IsNew && usd >= threshold*NewWalletTradeMultiple {
		matches = append(matches, PatternMatch{
			Type:        PatternNewWalletLargeTrade,
			Description: fmt.Sprintf("New wallet making large initial trade: $%s", formatUSD(usd)),
			Confidence:  60,
			Severity:    SeverityHigh,
		})
	}

	// Check 2: trade far above the wallet's own average
	if usd > 0 && wallet.AverageTradeSize > 0 {
		multiple := usd / wallet.AverageTradeSize
		if multiple >= LargeTradeMultiplier {
			severity := SeverityMedium
			if multiple >= HugeTradeMultiplier {
				severity = SeverityHigh
			}
			matches = append(matches, PatternMatch{
				Type:        PatternUnusuallyLargeTrade,
				Description: fmt.Sprintf("Trade is %.1fx larger than wallet's average", multiple),
				Confidence:  math.Min(40+(multiple-LargeTradeMultiplier)*10, 80),
				Severity:    severity,
			})
		}
	}

	// Check 3: size on a market that resolves within a week
	if market.IsExpiringSoon && usd >= threshold {
		matches = append(matches, PatternMatch{
			Type:        PatternExpiringMarketActivity,
			Description: fmt.Sprintf("Large trade on market expiring in %.1f hours", market.HoursToExpiry),
			Confidence:  50,
			Severity:    SeverityMedium,
		})
	}

	// Check 4: dormant wallet suddenly trading size
	if wallet.TradingFrequency < LowFrequencyPerHour && usd >= threshold {
		matches = append(matches, PatternMatch{
			Type:        PatternSuddenActivity,
			Description: fmt.Sprintf("Low-frequency wallet (freq: %.2f/hr) making large trade", wallet.TradingFrequency),
			Confidence:  45,
			Severity:    SeverityMedium,
		})
	}

	// Check 5: wallet focused on very few markets
	if wallet.DistinctMarkets <= ConcentratedMaxMarkets && usd >= threshold*ConcentratedTradeMultiple {
		matches = append(matches, PatternMatch{
			Type:        PatternConcentratedTrading,
			Description: fmt.Sprintf("Wallet focusing on %d market(s) with large trade", wallet.DistinctMarkets),
			Confidence:  35,
			Severity:    SeverityLow,
		})
	}

	// Check 6: one-directional flow
	if wallet.HasTradeMix() {
		ratio := wallet.BuySellRatio
		if ratio >= ImbalancedHighRatio || ratio <= ImbalancedLowRatio {
			direction := "selling"
			if ratio >= ImbalancedHighRatio {
				direction = "buying"
			}
			matches = append(matches, PatternMatch{
				Type:        PatternImbalancedTrading,
				Description: fmt.Sprintf("Wallet almost exclusively %s (ratio: %.2f)", direction, ratio),
				Confidence:  30,
				Severity:    SeverityLow,
			})
		}
	}

	// Check 7: trade sized to match money that just arrived
	if usd > 0 && wallet.RecentFunding > 0 && math.Abs(wallet.RecentFunding-usd) < usd*FundingMatchTolerance {
		confidence := FundingMatchConfidence
		if wallet.PriorTrades() <= FundingFreshWalletTrades {
			confidence += FundingFreshWalletBonus
		}
		matches = append(matches, PatternMatch{
			Type: PatternFundingMatchedTrade,
			Description: fmt.Sprintf("Trade of $%s matches $%s funded in %d transfer(s)",
				formatUSD(usd), formatUSD(wallet.RecentFunding), wallet.FundingCount),
			Confidence: confidence,
			Severity:   SeverityHigh,
		})
	}

	return matches
}

// formatUSD renders a dollar amount with thousands separators and two decimals.
func formatUSD(v float64) string {
	s := fmt.Sprintf("%.2f", math.Abs(v))
	intPart, frac := s[:len(s)-3], s[len(s)-3:]

	var out []byte
	for i, c := range []byte(intPart) {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	if v < 0 {
		return "-" + string(out) + frac
	}
	return string(out) + frac
}
