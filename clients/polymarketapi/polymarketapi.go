package polymarketapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"polyinsider/config"
	"polyinsider/internal/resilience"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrMarketNotFound is returned when gamma has no market for the requested ID.
var ErrMarketNotFound = errors.New("market not found")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status=%d body=%s", e.StatusCode, e.Body)
}

type PolymarketApiClient struct {
	logger       *zap.Logger
	httpClient   *http.Client
	gammaBaseURL string
	dataBaseURL  string

	gammaGuard *resilience.Guard
	dataGuard  *resilience.Guard
}

func NewPolymarketApiClient(logger *zap.Logger, cfg *config.Config) *PolymarketApiClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Resilience.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &PolymarketApiClient{
		logger: logger,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		gammaBaseURL: cfg.Polymarket.GammaAPIURL,
		dataBaseURL:  cfg.Polymarket.DataAPIURL,
		gammaGuard:   resilience.NewGuard("gamma", cfg.Resilience.GuardPolicy(cfg.Resilience.GammaRatePerSecond), logger),
		dataGuard:    resilience.NewGuard("data", cfg.Resilience.GuardPolicy(cfg.Resilience.DataRatePerSecond), logger),
	}
}

// Guards returns the per-endpoint guards for stats reporting.
func (c *PolymarketApiClient) Guards() []*resilience.Guard {
	return []*resilience.Guard{c.gammaGuard, c.dataGuard}
}

// ---- Gamma API types (minimal; add fields as you need) ----

type GammaMarket struct {
	ID           string          `json:"id"`
	Slug         string          `json:"slug"`
	Question     string          `json:"question"`
	ConditionID  string          `json:"conditionId"`
	ClobTokenIDs json.RawMessage `json:"clobTokenIds"`

	// Volume and liquidity
	Volume24hr   float64 `json:"volume24hr"`
	VolumeNum    float64 `json:"volumeNum"`
	LiquidityNum float64 `json:"liquidityNum"`

	// Resolution date, RFC3339 or a bare date
	EndDate string `json:"endDate"`

	// Status
	Active bool `json:"active"`
	Closed bool `json:"closed"`
}

// EndTime parses EndDate. ok is false when the market has no usable end date.
func (m *GammaMarket) EndTime() (t time.Time, ok bool) {
	s := strings.TrimSpace(m.EndDate)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// GetTokenIDs parses the ClobTokenIDs field and returns the token IDs.
// Handles both a direct array and a JSON string containing an array.
func (m *GammaMarket) GetTokenIDs() []string {
	if len(m.ClobTokenIDs) == 0 {
		return nil
	}

	var tokenIDs []string
	if err := json.Unmarshal(m.ClobTokenIDs, &tokenIDs); err == nil && len(tokenIDs) > 0 {
		// ["[\"token1\", \"token2\"]"] -> ["token1", "token2"]
		if len(tokenIDs) == 1 && strings.HasPrefix(tokenIDs[0], "[") {
			var nested []string
			if err := json.Unmarshal([]byte(tokenIDs[0]), &nested); err == nil && len(nested) > 0 {
				return nested
			}
		}
		return tokenIDs
	}

	var jsonStr string
	if err := json.Unmarshal(m.ClobTokenIDs, &jsonStr); err == nil && jsonStr != "" {
		var inner []string
		if err := json.Unmarshal([]byte(jsonStr), &inner); err == nil && len(inner) > 0 {
			return inner
		}
	}

	return nil
}

// GetMarketByConditionID fetches a specific market by its condition ID.
func (c *PolymarketApiClient) GetMarketByConditionID(
	ctx context.Context,
	conditionID string,
) (*GammaMarket, error) {
	conditionID = strings.TrimSpace(conditionID)
	if conditionID == "" {
		return nil, fmt.Errorf("conditionID is empty")
	}
	return c.getSingleMarket(ctx, "condition_ids", conditionID)
}

// GetMarketByTokenID fetches the market that owns a CLOB token ID.
func (c *PolymarketApiClient) GetMarketByTokenID(
	ctx context.Context,
	tokenID string,
) (*GammaMarket, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return nil, fmt.Errorf("tokenID is empty")
	}
	return c.getSingleMarket(ctx, "clob_token_ids", tokenID)
}

func (c *PolymarketApiClient) getSingleMarket(ctx context.Context, param, value string) (*GammaMarket, error) {
	u, err := url.Parse(c.gammaBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gammaBaseURL: %w", err)
	}
	u.Path = "/markets"

	q := u.Query()
	q.Set(param, value)
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	var markets []GammaMarket
	if err := c.doGet(ctx, c.gammaGuard, u.String(), &markets); err != nil {
		return nil, fmt.Errorf("get market by %s: %w", param, err)
	}

	if len(markets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, value)
	}

	return &markets[0], nil
}

// GetTopMarketsByVolume fetches the top active markets sorted by 24-hour trading volume.
func (c *PolymarketApiClient) GetTopMarketsByVolume(
	ctx context.Context,
	limit int,
) ([]GammaMarket, error) {
	if limit <= 0 {
		limit = 20
	}

	u, err := url.Parse(c.gammaBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gammaBaseURL: %w", err)
	}
	u.Path = "/markets"

	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "volume24hr")
	q.Set("ascending", "false")
	q.Set("active", "true")
	q.Set("closed", "false")
	u.RawQuery = q.Encode()

	var markets []GammaMarket
	if err := c.doGet(ctx, c.gammaGuard, u.String(), &markets); err != nil {
		return nil, fmt.Errorf("get top markets: %w", err)
	}
	return markets, nil
}

// ---- Data API types ----

// Trade represents a trade from the data API. ProxyWallet is the taker.
type Trade struct {
	ID              string  `json:"id"`
	ProxyWallet     string  `json:"proxyWallet"`
	Side            string  `json:"side"` // BUY or SELL
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Timestamp       int64   `json:"timestamp"`
	ConditionID     string  `json:"conditionId"`
	Asset           string  `json:"asset"`
	TransactionHash string  `json:"transactionHash"`

	// Market metadata
	Title   string `json:"title"`
	Slug    string `json:"slug"`
	Outcome string `json:"outcome"`
}

// Activity represents user activity from the data API.
type Activity struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Timestamp       int64   `json:"timestamp"`
	ConditionID     string  `json:"conditionId"`
	Type            string  `json:"type"` // TRADE, SPLIT, MERGE, REDEEM, REWARD, CONVERSION
	Size            float64 `json:"size"`
	UsdcSize        float64 `json:"usdcSize"`
	Price           float64 `json:"price"`
	Side            string  `json:"side"`
	TransactionHash string  `json:"transactionHash"`

	// Market metadata
	Title   string `json:"title"`
	Outcome string `json:"outcome"`
}

// GetTrades fetches recent trades, optionally restricted to market condition IDs.
func (c *PolymarketApiClient) GetTrades(
	ctx context.Context,
	markets []string,
	limit int,
) ([]Trade, error) {
	u, err := url.Parse(c.dataBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid dataBaseURL: %w", err)
	}
	u.Path = "/trades"

	q := u.Query()
	if len(markets) > 0 {
		q.Set("market", strings.Join(markets, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	var trades []Trade
	if err := c.doGet(ctx, c.dataGuard, u.String(), &trades); err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}

	return trades, nil
}

// GetUserActivity fetches activity for a wallet since start (zero start means no bound).
func (c *PolymarketApiClient) GetUserActivity(
	ctx context.Context,
	wallet string,
	start time.Time,
	limit int,
) ([]Activity, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("wallet is empty")
	}

	u, err := url.Parse(c.dataBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid dataBaseURL: %w", err)
	}
	u.Path = "/activity"

	q := u.Query()
	q.Set("user", wallet)
	if !start.IsZero() {
		q.Set("start", strconv.FormatInt(start.Unix(), 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	var activity []Activity
	if err := c.doGet(ctx, c.dataGuard, u.String(), &activity); err != nil {
		return nil, fmt.Errorf("get user activity: %w", err)
	}

	return activity, nil
}

// TradedCount is the data API's lifetime count of markets a wallet has traded.
type TradedCount struct {
	User   string `json:"user"`
	Traded int    `json:"traded"`
}

// GetTradedCount returns how many markets wallet has ever traded. A wallet
// the data API has never seen counts as zero.
func (c *PolymarketApiClient) GetTradedCount(ctx context.Context, wallet string) (int, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return 0, fmt.Errorf("wallet is empty")
	}

	u, err := url.Parse(c.dataBaseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid dataBaseURL: %w", err)
	}
	u.Path = "/traded"

	q := u.Query()
	q.Set("user", wallet)
	u.RawQuery = q.Encode()

	var count TradedCount
	if err := c.doGet(ctx, c.dataGuard, u.String(), &count); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("get traded count: %w", err)
	}

	return count.Traded, nil
}

// doGet performs a guarded GET request and decodes the JSON response. Client
// errors other than 429 are not retried.
func (c *PolymarketApiClient) doGet(ctx context.Context, guard *resilience.Guard, url string, dest any) error {
	return guard.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode/100 != 2 {
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			if resp.StatusCode/100 == 4 && resp.StatusCode != http.StatusTooManyRequests {
				return resilience.Permanent(statusErr)
			}
			return statusErr
		}

		if err := json.Unmarshal(body, dest); err != nil {
			return resilience.Permanent(fmt.Errorf("decode json: %w", err))
		}

		return nil
	})
}
