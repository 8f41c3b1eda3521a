package detector

import "fmt"

// MultiLargeTradeConfidence is the base confidence of a multi-large-trade match.
const MultiLargeTradeConfidence = 70

// DetectMultiLargeTrades flags a wallet that placed at least minCount large
// trades in one window while being new or rarely active. trades must all
// belong to the wallet.
func (d *Detector) DetectMultiLargeTrades(trades []Trade, wallet *WalletProfile, minCount int) (PatternMatch, bool) {
	if wallet == nil || minCount <= 0 {
		return PatternMatch{}, false
	}

	var count int
	var total float64
	markets := make(map[string]struct{})
	for _, t := range trades {
		usd := t.NotionalUSD(d.cfg.USDMultiplier)
		if usd < d.cfg.MinTradeUSD {
			continue
		}
		count++
		total += usd
		markets[t.MarketKey()] = struct{}{}
	}
	if count < minCount {
		return PatternMatch{}, false
	}
	if !wallet.IsNew && wallet.TradingFrequency >= LowFrequencyPerHour {
		return PatternMatch{}, false
	}

	return PatternMatch{
		Type: PatternMultiLargeTrades,
		Description: fmt.Sprintf("%d large trades totalling $%s across %d market(s)",
			count, formatUSD(total), len(markets)),
		Confidence: MultiLargeTradeConfidence,
		Severity:   SeverityHigh,
	}, true
}
