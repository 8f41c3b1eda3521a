package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"polyinsider/config"
	"polyinsider/internal/resilience"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// usdcAssetID marks the collateral leg of an order fill.
const usdcAssetID = "0"

// baseUnits converts USDC and outcome token amounts (6 decimals).
const baseUnits = 1e6

// MaxPageSize is the largest `first` the subgraph accepts.
const MaxPageSize = 1000

// Client queries the Goldsky-hosted Polymarket orderbook subgraph.
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	url        string
	guard      *resilience.Guard
}

// OrderFilledEvent is a fill from the orderbook subgraph. Amounts are base units.
type OrderFilledEvent struct {
	ID                string `json:"id"`
	TransactionHash   string `json:"transactionHash"`
	Timestamp         string `json:"timestamp"`
	OrderHash         string `json:"orderHash"`
	Maker             string `json:"maker"`
	Taker             string `json:"taker"`
	MakerAssetID      string `json:"makerAssetId"`
	TakerAssetID      string `json:"takerAssetId"`
	MakerAmountFilled string `json:"makerAmountFilled"`
	TakerAmountFilled string `json:"takerAmountFilled"`
	Fee               string `json:"fee"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data struct {
		OrderFilledEvents []OrderFilledEvent `json:"orderFilledEvents"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

const largeTradesQuery = `query LargeTrades($minTakerAmount: BigInt!, $since: BigInt!, $first: Int!, $skip: Int!, $direction: OrderDirection!) {
  orderFilledEvents(
    where: { takerAmountFilled_gte: $minTakerAmount, timestamp_gte: $since }
    orderBy: timestamp
    orderDirection: $direction
    first: $first
    skip: $skip
  ) {
    id
    transactionHash
    timestamp
    orderHash
    maker
    taker
    makerAssetId
    takerAssetId
    makerAmountFilled
    takerAmountFilled
    fee
  }
}`

// FillQuery selects large fills. Since is inclusive, so callers paging by
// timestamp see the boundary second again and must drop fills they already have.
type FillQuery struct {
	Since       time.Time
	MinUSD      float64
	First       int
	Skip        int
	NewestFirst bool
}

// NewClient creates a subgraph client guarded by the subgraph rate limit.
func NewClient(logger *zap.Logger, cfg *config.Config) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Resilience.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		logger:     logger,
		httpClient: &http.Client{Timeout: timeout},
		url:        cfg.Polymarket.SubgraphURL,
		guard:      resilience.NewGuard("subgraph", cfg.Resilience.GuardPolicy(cfg.Resilience.SubgraphRatePerSecond), logger),
	}
}

// Guard returns the endpoint guard for stats reporting.
func (c *Client) Guard() *resilience.Guard {
	return c.guard
}

// LargeTrades returns fills at or after q.Since whose taker leg is at least
// q.MinUSD, oldest first unless q.NewestFirst is set.
func (c *Client) LargeTrades(ctx context.Context, q FillQuery) ([]OrderFilledEvent, error) {
	if q.First <= 0 || q.First > MaxPageSize {
		q.First = MaxPageSize
	}
	if q.MinUSD < 0 {
		q.MinUSD = 0
	}
	if q.Skip < 0 {
		q.Skip = 0
	}
	direction := "asc"
	if q.NewestFirst {
		direction = "desc"
	}

	vars := map[string]any{
		"minTakerAmount": strconv.FormatInt(int64(q.MinUSD*baseUnits), 10),
		"since":          strconv.FormatInt(q.Since.Unix(), 10),
		"first":          q.First,
		"skip":           q.Skip,
		"direction":      direction,
	}

	events, err := c.execute(ctx, largeTradesQuery, vars)
	if err != nil {
		return nil, fmt.Errorf("large trades: %w", err)
	}

	c.logger.Debug("subgraph large trades fetched",
		zap.Int("count", len(events)),
		zap.Float64("minUSD", q.MinUSD),
		zap.Time("since", q.Since),
		zap.Int("skip", q.Skip),
		zap.String("direction", direction),
	)
	return events, nil
}

func (c *Client) execute(ctx context.Context, query string, vars map[string]any) ([]OrderFilledEvent, error) {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	var result graphQLResponse
	err = c.guard.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			statusErr := fmt.Errorf("subgraph returned status %d: %s", resp.StatusCode, string(raw))
			if resp.StatusCode/100 == 4 && resp.StatusCode != http.StatusTooManyRequests {
				return resilience.Permanent(statusErr)
			}
			return statusErr
		}

		result = graphQLResponse{}
		if err := json.Unmarshal(raw, &result); err != nil {
			return resilience.Permanent(fmt.Errorf("unmarshal response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("subgraph error: %s", result.Errors[0].Message)
	}

	return result.Data.OrderFilledEvents, nil
}

// Key identifies the fill, falling back to the transaction hash.
func (e *OrderFilledEvent) Key() string {
	if e.ID != "" {
		return strings.ToLower(e.ID)
	}
	return strings.ToLower(e.TransactionHash)
}

// MakerBuys reports whether the maker paid USDC, i.e. bought outcome tokens.
func (e *OrderFilledEvent) MakerBuys() bool {
	return e.MakerAssetID == usdcAssetID
}

// MakerSide is the maker's side: BUY when paying USDC, SELL otherwise.
func (e *OrderFilledEvent) MakerSide() string {
	if e.MakerBuys() {
		return "BUY"
	}
	return "SELL"
}

// TokenID returns the outcome token on the non-USDC leg.
func (e *OrderFilledEvent) TokenID() string {
	if e.MakerBuys() {
		return e.TakerAssetID
	}
	return e.MakerAssetID
}

// USDAmount returns the USDC leg in dollars.
func (e *OrderFilledEvent) USDAmount() float64 {
	if e.MakerBuys() {
		return parseBaseUnits(e.MakerAmountFilled)
	}
	return parseBaseUnits(e.TakerAmountFilled)
}

// Shares returns the outcome token leg in whole shares.
func (e *OrderFilledEvent) Shares() float64 {
	if e.MakerBuys() {
		return parseBaseUnits(e.TakerAmountFilled)
	}
	return parseBaseUnits(e.MakerAmountFilled)
}

// Price is USDC paid per outcome share, zero when the fill has no shares.
func (e *OrderFilledEvent) Price() float64 {
	shares := e.Shares()
	if shares <= 0 {
		return 0
	}
	return e.USDAmount() / shares
}

// Time parses the unix-seconds timestamp. Zero when missing.
func (e *OrderFilledEvent) Time() time.Time {
	ts, err := strconv.ParseInt(strings.TrimSpace(e.Timestamp), 10, 64)
	if err != nil || ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func parseBaseUnits(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v / baseUnits
}
