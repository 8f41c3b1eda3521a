package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Risk tiers, mirrored from detection so channels need not import it.
const (
	TierLow      = "LOW"
	TierMedium   = "MEDIUM"
	TierHigh     = "HIGH"
	TierCritical = "CRITICAL"
)

// Pattern is one matched heuristic on an alert.
type Pattern struct {
	Type        string
	Description string
	Confidence  float64
	Severity    string // LOW, MEDIUM or HIGH
}

// InsiderAlert contains all the data a channel needs to render an alert.
type InsiderAlert struct {
	ID string

	// Wallet info
	Wallet    string
	WalletURL string

	// Trade info
	TransactionHash string
	Side            string // BUY or SELL
	Shares          float64
	Price           float64
	Notional        float64
	Source          string

	// Market info
	MarketID       string
	MarketQuestion string
	MarketURL      string
	Liquidity      float64
	HoursToExpiry  float64
	HasExpiry      bool

	// Wallet stats
	WalletIsNew      bool
	ActivityCount    int
	DistinctMarkets  int
	TradingFrequency float64
	FirstSeen        time.Time

	// Scoring
	Confidence float64
	Tier       string
	Patterns   []Pattern

	Timestamp time.Time
}

// Title is a one-line headline built from the strongest pattern.
func (a InsiderAlert) Title() string {
	if len(a.Patterns) == 0 {
		return "Suspicious Trade"
	}
	best := a.Patterns[0]
	for _, p := range a.Patterns[1:] {
		if p.Confidence > best.Confidence {
			best = p
		}
	}
	return fmt.Sprintf("%s Suspicious Trade: %s", a.Tier, best.Type)
}

// Notifier is the interface for sending insider alerts to a channel.
type Notifier interface {
	// SendAlert delivers one alert.
	SendAlert(ctx context.Context, alert InsiderAlert) error

	// Close cleans up any resources.
	Close() error
}

// MultiNotifier broadcasts alerts to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a new MultiNotifier with the given notifiers.
// Nil notifiers (disabled channels) are dropped.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	var active []Notifier
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &MultiNotifier{notifiers: active}
}

// SendAlert sends the alert to every notifier, even after a failure, and
// returns the joined errors.
func (m *MultiNotifier) SendAlert(ctx context.Context, alert InsiderAlert) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.SendAlert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all registered notifiers.
func (m *MultiNotifier) Close() error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of active notifiers.
func (m *MultiNotifier) Count() int {
	return len(m.notifiers)
}
