package detector

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedTrade is returned when a raw trade record is missing required fields.
var ErrMalformedTrade = errors.New("malformed trade")

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes a side string. Unknown values return an empty Side.
func ParseSide(s string) Side {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy
	case "SELL":
		return SideSell
	}
	return ""
}

// Source identifies which ingestion path produced a trade.
type Source string

const (
	SourceWebSocket Source = "websocket"
	SourcePoll      Source = "poll"
	SourceSubgraph  Source = "subgraph"
)

// Trade is one executed exchange. It is never mutated after construction.
type Trade struct {
	ID              string
	TransactionHash string
	Maker           string
	Taker           string
	Price           float64
	Size            float64
	Side            Side
	MarketID        string // condition ID when known
	TokenID         string
	Timestamp       time.Time
	MarketQuestion  string
	Source          Source

	// USDSize is set when the source reports the notional in USD directly.
	USDSize *float64
}

// Validate checks the fields every detection path depends on.
func (t Trade) Validate() error {
	if strings.TrimSpace(t.TransactionHash) == "" {
		return fmt.Errorf("%w: missing transaction hash", ErrMalformedTrade)
	}
	if t.Maker == "" && t.Taker == "" {
		return fmt.Errorf("%w: missing maker and taker", ErrMalformedTrade)
	}
	if t.Price <= 0 {
		return fmt.Errorf("%w: price must be positive, got %v", ErrMalformedTrade, t.Price)
	}
	if t.Size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %v", ErrMalformedTrade, t.Size)
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return fmt.Errorf("%w: unknown side %q", ErrMalformedTrade, t.Side)
	}
	return nil
}

// NotionalUSD returns the estimated USD value of the trade.
func (t Trade) NotionalUSD(multiplier float64) float64 {
	if t.USDSize != nil {
		return *t.USDSize
	}
	return t.Size * t.Price * multiplier
}

// Wallet returns the address under scrutiny: the maker, or the taker when no maker is known.
func (t Trade) Wallet() string {
	if t.Maker != "" {
		return strings.ToLower(t.Maker)
	}
	return strings.ToLower(t.Taker)
}

// MarketKey returns the identifier used to resolve market context.
func (t Trade) MarketKey() string {
	if t.MarketID != "" {
		return t.MarketID
	}
	return t.TokenID
}

// DedupKey combines the transaction hash with both legs so distinct fills that
// share a hash are not collapsed.
func (t Trade) DedupKey() string {
	return strings.ToLower(t.TransactionHash + ":" + t.Maker + ":" + t.Taker)
}

// USD returns a pointer to v, for sources that report notional directly.
func USD(v float64) *float64 {
	return &v
}
