package detector

import "math"

// RiskTier is the discrete risk level of an alert.
type RiskTier string

const (
	TierLow      RiskTier = "LOW"
	TierMedium   RiskTier = "MEDIUM"
	TierHigh     RiskTier = "HIGH"
	TierCritical RiskTier = "CRITICAL"
)

// Rank orders tiers from LOW (0) to CRITICAL (3).
func (t RiskTier) Rank() int {
	switch t {
	case TierCritical:
		return 3
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	}
	return 0
}

// TierFor maps a confidence score to a tier.
func TierFor(score float64) RiskTier {
	switch {
	case score >= 80:
		return TierCritical
	case score >= 60:
		return TierHigh
	case score >= 40:
		return TierMedium
	}
	return TierLow
}

// Scorer aggregates pattern matches into a single confidence score.
type Scorer struct {
	cfg Config
}

// NewScorer creates a new Scorer.
func NewScorer(cfg Config) *Scorer {
	if cfg.USDMultiplier <= 0 {
		cfg.USDMultiplier = 1
	}
	return &Scorer{cfg: cfg}
}

// Score averages the base confidences and applies the size, new-wallet and
// multi-pattern boosts. The result is capped at 100 and rounded to one decimal.
func (s *Scorer) Score(patterns []PatternMatch, trade Trade, wallet *WalletProfile) (float64, RiskTier) {
	if len(patterns) == 0 {
		return 0, TierLow
	}

	var total float64
	for _, p := range patterns {
		total += p.Confidence
	}
	avg := total / float64(len(patterns))

	adjust := 0.0
	usd := trade.NotionalUSD(s.cfg.USDMultiplier)
	switch {
	case usd >= s.cfg.MinTradeUSD*5:
		adjust += 0.30
	case usd >= s.cfg.MinTradeUSD*2:
		adjust += 0.15
	}

	if wallet != nil && wallet.IsNew {
		adjust += 0.40
	}

	switch {
	case len(patterns) >= 3:
		adjust += 0.30
	case len(patterns) >= 2:
		adjust += 0.15
	}

	score := math.Min(avg*(1+adjust), 100)
	score = math.Round(score*10) / 10
	return score, TierFor(score)
}
