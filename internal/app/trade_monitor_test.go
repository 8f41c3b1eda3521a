package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"polyinsider/clients/polymarketapi"
	"polyinsider/clients/polymarketevents"
	"polyinsider/clients/subgraph"
	"polyinsider/config"
	"polyinsider/internal/detector"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testMonitorConfig() TradeMonitorConfig {
	cfg := DefaultTradeMonitorConfig()
	cfg.MinTradeUSD = 10000
	cfg.USDMultiplier = 1000
	return cfg
}

func dataAPIClient(url string) *polymarketapi.PolymarketApiClient {
	return polymarketapi.NewPolymarketApiClient(zap.NewNop(), &config.Config{
		Polymarket: config.PolymarketConfig{GammaAPIURL: url, DataAPIURL: url},
	})
}

func subgraphClient(url string) *subgraph.Client {
	return subgraph.NewClient(zap.NewNop(), &config.Config{
		Polymarket: config.PolymarketConfig{SubgraphURL: url},
	})
}

// fill builds a maker-buys order fill worth usd dollars at 0.5.
func fill(id, maker string, ts int64, usd float64) subgraph.OrderFilledEvent {
	return subgraph.OrderFilledEvent{
		ID:                id,
		TransactionHash:   "0xtx-" + id,
		Timestamp:         fmt.Sprint(ts),
		Maker:             maker,
		Taker:             "0xexchange",
		MakerAssetID:      "0",
		TakerAssetID:      "7123",
		MakerAmountFilled: fmt.Sprintf("%.0f", usd*1e6),
		TakerAmountFilled: fmt.Sprintf("%.0f", usd*2*1e6),
	}
}

func writeFills(w http.ResponseWriter, fills []subgraph.OrderFilledEvent) {
	var resp struct {
		Data struct {
			OrderFilledEvents []subgraph.OrderFilledEvent `json:"orderFilledEvents"`
		} `json:"data"`
	}
	resp.Data.OrderFilledEvents = fills
	json.NewEncoder(w).Encode(resp)
}

func TestNewTradeMonitor_Defaults(t *testing.T) {
	before := time.Now().Add(-5 * time.Minute).Unix()
	tm := NewTradeMonitor(nil, nil, nil, nil, nil, TradeMonitorConfig{InitialLookback: 5 * time.Minute})

	assert.NotNil(t, tm.logger)
	assert.Equal(t, 30*time.Second, tm.cfg.PollInterval)
	assert.Equal(t, 60*time.Second, tm.cfg.SubgraphPollInterval)
	assert.Equal(t, 8, tm.cfg.Workers)
	assert.Equal(t, 1.0, tm.cfg.USDMultiplier)
	assert.Equal(t, 2, tm.cfg.SweepMinLargeTrade)
	assert.GreaterOrEqual(t, tm.pollWatermark.Load(), before)
	assert.Equal(t, tm.pollWatermark.Load(), tm.subgraphWatermark.Load())
}

func TestIngest_FloorAndValidation(t *testing.T) {
	f := newPipelineFixture(newWalletProfile(), 1000, 30)
	tm := NewTradeMonitor(zap.NewNop(), nil, nil, nil, f.pipeline, testMonitorConfig())
	ctx := context.Background()

	malformed := largeTrade("0xbad")
	malformed.Price = 0
	tm.ingest(ctx, malformed)

	small := largeTrade("0xsmall")
	small.Size = 1 // $500 at 0.5 x 1000
	tm.ingest(ctx, small)

	tm.ingest(ctx, largeTrade("0xlarge"))
	require.NoError(t, tm.workers.Wait())

	stats := tm.Stats()
	assert.Equal(t, int64(1), stats.Malformed)
	assert.Equal(t, int64(1), stats.BelowFloor)
	assert.Equal(t, int64(1), stats.Ingested[string(detector.SourcePoll)])
	assert.Equal(t, int64(1), f.pipeline.Stats().Processed)
	assert.Len(t, f.notifier.Sent(), 1)
}

func TestPoll_AdvancesWatermark(t *testing.T) {
	watermark := time.Now().Add(-time.Hour).Unix()
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/trades", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("market"), "global poll must not filter markets")
		assert.Equal(t, "500", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode([]polymarketapi.Trade{
			{ProxyWallet: "0xB", Side: "BUY", Size: 1000, Price: 0.5, Timestamp: watermark + 20, ConditionID: "0xc", TransactionHash: "0xnew2"},
			{ProxyWallet: "0xA", Side: "BUY", Size: 1000, Price: 0.5, Timestamp: watermark - 10, ConditionID: "0xc", TransactionHash: "0xold"},
			{ProxyWallet: "0xD", Side: "BUY", Size: 1000, Price: 0.5, Timestamp: watermark, ConditionID: "0xc", TransactionHash: "0xedge"},
			{ProxyWallet: "0xC", Side: "BUY", Size: 1000, Price: 0.5, Timestamp: watermark + 10, ConditionID: "0xc", TransactionHash: "0xnew1"},
		})
	}))
	defer server.Close()

	f := newPipelineFixture(newWalletProfile(), 1000, 30)
	tm := NewTradeMonitor(zap.NewNop(), dataAPIClient(server.URL), nil, nil, f.pipeline, testMonitorConfig())
	tm.pollWatermark.Store(watermark)

	ctx := context.Background()
	tm.poll(ctx)
	require.NoError(t, tm.workers.Wait())

	// the trade at the watermark second is new and taken; the older one is not
	assert.Equal(t, watermark+20, tm.pollWatermark.Load())
	assert.Equal(t, int64(3), tm.Stats().Ingested[string(detector.SourcePoll)])

	// Same page again: everything is already taken
	tm.poll(ctx)
	require.NoError(t, tm.workers.Wait())
	assert.Equal(t, int64(3), tm.Stats().Ingested[string(detector.SourcePoll)])
	assert.Equal(t, int32(2), requests.Load())
	assert.Len(t, f.notifier.Sent(), 3)
}

func TestPoll_AdmitsLateTradeAtWatermarkSecond(t *testing.T) {
	second := time.Now().Add(-time.Minute).Unix()
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trades := []polymarketapi.Trade{
			{ProxyWallet: "0xA", Side: "BUY", Size: 1000, Price: 0.5, Timestamp: second, ConditionID: "0xc", TransactionHash: "0xfirst"},
		}
		if requests.Add(1) > 1 {
			trades = append(trades, polymarketapi.Trade{
				ProxyWallet: "0xB", Side: "BUY", Size: 1000, Price: 0.5, Timestamp: second, ConditionID: "0xc", TransactionHash: "0xlate",
			})
		}
		json.NewEncoder(w).Encode(trades)
	}))
	defer server.Close()

	tm := NewTradeMonitor(zap.NewNop(), dataAPIClient(server.URL), nil, nil, newPipelineFixture(newWalletProfile(), 1000, 30).pipeline, testMonitorConfig())
	tm.pollWatermark.Store(second - 5)

	tm.poll(context.Background())
	tm.poll(context.Background())
	require.NoError(t, tm.workers.Wait())

	assert.Equal(t, second, tm.pollWatermark.Load())
	assert.Equal(t, int64(2), tm.Stats().Ingested[string(detector.SourcePoll)])
}

func TestPoll_SpecificMarketsOnly(t *testing.T) {
	var gotMarket string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMarket = r.URL.Query().Get("market")
		json.NewEncoder(w).Encode([]polymarketapi.Trade{})
	}))
	defer server.Close()

	cfg := testMonitorConfig()
	cfg.SpecificMarketsOnly = true
	tm := NewTradeMonitor(zap.NewNop(), dataAPIClient(server.URL), nil, nil, nil, cfg)
	tm.SetMarkets([]polymarketapi.GammaMarket{{ConditionID: "0xa"}, {ConditionID: "0xb"}})

	tm.poll(context.Background())
	assert.Equal(t, "0xa,0xb", gotMarket)
}

func TestPoll_ErrorKeepsWatermark(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	tm := NewTradeMonitor(zap.NewNop(), dataAPIClient(server.URL), nil, nil, nil, testMonitorConfig())
	tm.pollWatermark.Store(42)
	tm.poll(context.Background())
	assert.Equal(t, int64(42), tm.pollWatermark.Load())
}

func TestPollSubgraph_PagesUntilShortPage(t *testing.T) {
	since := time.Now().Add(-time.Hour).Unix()
	var sinceSeen []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]any `json:"variables"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		sinceSeen = append(sinceSeen, fmt.Sprint(req.Variables["since"]))
		page := len(sinceSeen)
		mu.Unlock()

		switch page {
		case 1:
			writeFills(w, []subgraph.OrderFilledEvent{
				fill("f1", "0xm1", since+10, 20000),
				fill("f2", "0xm2", since+20, 20000),
			})
		default:
			writeFills(w, []subgraph.OrderFilledEvent{
				fill("f3", "0xm3", since+30, 20000),
			})
		}
	}))
	defer server.Close()

	f := newPipelineFixture(newWalletProfile(), 1, 30)
	cfg := testMonitorConfig()
	cfg.USDMultiplier = 1
	cfg.SubgraphPageSize = 2
	tm := NewTradeMonitor(zap.NewNop(), nil, nil, subgraphClient(server.URL), f.pipeline, cfg)
	tm.subgraphWatermark.Store(since)

	tm.pollSubgraph(context.Background())
	require.NoError(t, tm.workers.Wait())

	assert.Equal(t, []string{fmt.Sprint(since), fmt.Sprint(since + 20)}, sinceSeen)
	assert.Equal(t, since+30, tm.subgraphWatermark.Load())
	assert.Equal(t, int64(3), tm.Stats().Ingested[string(detector.SourceSubgraph)])
	assert.Equal(t, int64(3), f.pipeline.Stats().Processed)
}

func TestPollSubgraph_StopsAtPageLimit(t *testing.T) {
	var requests atomic.Int32
	var next atomic.Int64
	next.Store(time.Now().Add(-time.Hour).Unix())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		ts := next.Add(1)
		writeFills(w, []subgraph.OrderFilledEvent{fill(fmt.Sprint(ts), "0xm", ts, 20000)})
	}))
	defer server.Close()

	cfg := testMonitorConfig()
	cfg.SubgraphPageSize = 1
	f := newPipelineFixture(newWalletProfile(), 1, 30)
	tm := NewTradeMonitor(zap.NewNop(), nil, nil, subgraphClient(server.URL), f.pipeline, cfg)
	tm.subgraphWatermark.Store(next.Load())

	tm.pollSubgraph(context.Background())
	require.NoError(t, tm.workers.Wait())
	assert.Equal(t, int32(maxSubgraphPages), requests.Load())
	assert.Equal(t, int64(maxSubgraphPages), tm.Stats().Ingested[string(detector.SourceSubgraph)])
}

// fakeSubgraph serves fills the way the hosted subgraph does: timestamp_gte,
// ordered by timestamp then id, honouring first and skip.
type fakeSubgraph struct {
	mu    sync.Mutex
	fills []subgraph.OrderFilledEvent
	skips []int
}

func (fs *fakeSubgraph) add(f ...subgraph.OrderFilledEvent) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.fills = append(fs.fills, f...)
	sort.SliceStable(fs.fills, func(i, j int) bool {
		ti, tj := fs.fills[i].Time(), fs.fills[j].Time()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return fs.fills[i].ID < fs.fills[j].ID
	})
}

func (fs *fakeSubgraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	since, _ := strconv.ParseInt(fmt.Sprint(req.Variables["since"]), 10, 64)
	first := int(req.Variables["first"].(float64))
	skip := int(req.Variables["skip"].(float64))

	fs.mu.Lock()
	fs.skips = append(fs.skips, skip)
	var page []subgraph.OrderFilledEvent
	for _, f := range fs.fills {
		if f.Time().Unix() >= since {
			page = append(page, f)
		}
	}
	fs.mu.Unlock()

	if skip > len(page) {
		skip = len(page)
	}
	page = page[skip:]
	if len(page) > first {
		page = page[:first]
	}
	writeFills(w, page)
}

func TestPollSubgraph_SameSecondFillsSplitAcrossPages(t *testing.T) {
	second := time.Now().Add(-time.Minute).Unix()
	fs := &fakeSubgraph{}
	fs.add(
		fill("f0", "0xm0", second-5, 20000),
		fill("fa", "0xma", second, 20000),
		fill("fb", "0xmb", second, 20000),
		fill("fc", "0xmc", second, 20000),
	)
	server := httptest.NewServer(fs)
	defer server.Close()

	f := newPipelineFixture(newWalletProfile(), 1, 30)
	cfg := testMonitorConfig()
	cfg.USDMultiplier = 1
	cfg.SubgraphPageSize = 2
	tm := NewTradeMonitor(zap.NewNop(), nil, nil, subgraphClient(server.URL), f.pipeline, cfg)
	tm.subgraphWatermark.Store(second - 10)

	tm.pollSubgraph(context.Background())
	require.NoError(t, tm.workers.Wait())
	assert.Equal(t, int64(4), tm.Stats().Ingested[string(detector.SourceSubgraph)], "every fill at the boundary second is taken")
	assert.Equal(t, second, tm.subgraphWatermark.Load())

	// a fill indexed late at the boundary second is picked up, the rest are not repeated
	fs.add(fill("fd", "0xmd", second, 20000))
	tm.pollSubgraph(context.Background())
	require.NoError(t, tm.workers.Wait())
	assert.Equal(t, int64(5), tm.Stats().Ingested[string(detector.SourceSubgraph)])
	assert.Equal(t, int64(5), f.pipeline.Stats().Processed)
}

func TestPollSubgraph_SkipsPastFullBoundaryPage(t *testing.T) {
	second := time.Now().Add(-time.Minute).Unix()
	fs := &fakeSubgraph{}
	for i := 0; i < 5; i++ {
		fs.add(fill(fmt.Sprintf("f%d", i), fmt.Sprintf("0xm%d", i), second, 20000))
	}
	server := httptest.NewServer(fs)
	defer server.Close()

	cfg := testMonitorConfig()
	cfg.USDMultiplier = 1
	cfg.SubgraphPageSize = 2
	tm := NewTradeMonitor(zap.NewNop(), nil, nil, subgraphClient(server.URL), newPipelineFixture(newWalletProfile(), 1, 30).pipeline, cfg)
	tm.subgraphWatermark.Store(second)

	tm.pollSubgraph(context.Background())
	require.NoError(t, tm.workers.Wait())

	assert.Equal(t, []int{0, 2, 4}, fs.skips)
	assert.Equal(t, int64(5), tm.Stats().Ingested[string(detector.SourceSubgraph)])
}

func TestSweep_EvaluatesRepeatLargeTraders(t *testing.T) {
	now := time.Now().Unix()
	var gotFirst, gotDirection any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]any `json:"variables"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotFirst = req.Variables["first"]
		gotDirection = req.Variables["direction"]

		dupe := fill("a1", "0xRepeat", now-300, 15000)
		writeFills(w, []subgraph.OrderFilledEvent{
			fill("a1", "0xRepeat", now-300, 15000),
			dupe,
			fill("a2", "0xRepeat", now-100, 20000),
			fill("b1", "0xOnce", now-200, 50000),
		})
	}))
	defer server.Close()

	f := newPipelineFixture(newWalletProfile(), 1, 30)
	cfg := testMonitorConfig()
	cfg.USDMultiplier = 1
	tm := NewTradeMonitor(zap.NewNop(), nil, nil, subgraphClient(server.URL), f.pipeline, cfg)

	tm.sweep(context.Background())
	require.NoError(t, tm.workers.Wait())

	assert.Equal(t, float64(subgraph.MaxPageSize), gotFirst)
	assert.Equal(t, "desc", gotDirection, "the sweep reads the newest fills in the window")
	alerts := f.pipeline.RecentAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "0xrepeat", alerts[0].Wallet)
	require.Len(t, alerts[0].Patterns, 1)
	assert.Equal(t, detector.PatternMultiLargeTrades, alerts[0].Patterns[0].Type)
	assert.Equal(t, "2 large trades totalling $35,000.00 across 1 market(s)", alerts[0].Patterns[0].Description)
}

func TestProcessWebSocketMessage(t *testing.T) {
	f := newPipelineFixture(newWalletProfile(), 1000, 30)
	tm := NewTradeMonitor(zap.NewNop(), nil, nil, nil, f.pipeline, testMonitorConfig())
	ctx := context.Background()

	tm.processWebSocketMessage(ctx, json.RawMessage(`{"event_type":"book","asset_id":"7123"}`))
	tm.processWebSocketMessage(ctx, json.RawMessage(`{"event_type":"last_trade_price","asset_id":"7123","price":"0.5","size":"1000","side":"BUY"}`))
	tm.processWebSocketMessage(ctx, json.RawMessage(`{
		"event_type":"trade","id":"t1","asset_id":"7123","market":"0xcond",
		"price":"0.5","size":"1000","side":"BUY",
		"maker_address":"0xMaker","taker_address":"0xTaker",
		"timestamp":"1767225700000","transaction_hash":"0xwshash"
	}`))
	require.NoError(t, tm.workers.Wait())

	stats := tm.Stats()
	assert.Equal(t, 1, stats.EventTypes["book"])
	assert.Equal(t, 1, stats.EventTypes["last_trade_price"])
	assert.Equal(t, 1, stats.EventTypes["trade"])
	assert.Equal(t, int64(1), stats.SkippedNoWallet)
	assert.Equal(t, int64(1), stats.Ingested[string(detector.SourceWebSocket)])

	alerts := f.pipeline.RecentAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "0xmaker", alerts[0].Wallet, "maker is the wallet under scrutiny")
}

func TestConverters(t *testing.T) {
	dt := fromDataTrade(polymarketapi.Trade{
		ID: "d1", ProxyWallet: "0xTaker", Side: "sell", Size: 10, Price: 0.4,
		Timestamp: 1700000000, ConditionID: "0xc", Asset: "77", TransactionHash: "0xh", Title: "Q?",
	})
	assert.Equal(t, "", dt.Maker)
	assert.Equal(t, "0xtaker", dt.Wallet())
	assert.Equal(t, detector.SideSell, dt.Side)
	assert.Equal(t, "Q?", dt.MarketQuestion)
	assert.Equal(t, detector.SourcePoll, dt.Source)
	assert.NoError(t, dt.Validate())

	ft := fromOrderFill(fill("f1", "0xM", 1700000000, 25000))
	assert.Equal(t, "0xm", ft.Wallet())
	assert.Equal(t, detector.SideBuy, ft.Side)
	assert.Equal(t, "7123", ft.TokenID)
	assert.Equal(t, "7123", ft.MarketKey())
	assert.InDelta(t, 0.5, ft.Price, 1e-9)
	assert.Equal(t, 25000.0, ft.NotionalUSD(1000), "reported USD ignores the multiplier")
	assert.Equal(t, detector.SourceSubgraph, ft.Source)

	ev := fromTradeEvent(&polymarketevents.TradeEvent{
		EventType: "trade", AssetID: "77", Price: "0.25", Size: "40", Side: "BUY",
		TakerAddress: "0xT", TransactionHash: "0xh",
	})
	assert.Equal(t, "0xt", ev.Wallet())
	assert.False(t, ev.Timestamp.IsZero(), "missing timestamps default to now")
	assert.Equal(t, 10.0, ev.NotionalUSD(1))
}

func TestSetMarkets(t *testing.T) {
	tm := NewTradeMonitor(nil, nil, nil, nil, nil, TradeMonitorConfig{})
	tm.SetMarkets([]polymarketapi.GammaMarket{
		{ConditionID: "0xa", Question: "A?", ClobTokenIDs: json.RawMessage(`["1","2"]`)},
		{ConditionID: "0xb", ClobTokenIDs: json.RawMessage(`"[\"3\",\"4\"]"`)},
	})

	assert.Equal(t, []string{"1", "2", "3", "4"}, tm.TokenIDs())
	assert.Equal(t, []string{"0xa", "0xb"}, tm.ConditionIDs())

	select {
	case <-tm.marketsChanged:
	default:
		t.Error("expected watchlist change signal")
	}

	stats := tm.Stats()
	assert.Equal(t, 2, stats.MarketCount)
	assert.Equal(t, 4, stats.TokenCount)
	assert.Equal(t, []string{"A?", "0xb"}, stats.MarketNames)
}

func gammaServer(t *testing.T, topCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		if id := r.URL.Query().Get("condition_ids"); id != "" {
			json.NewEncoder(w).Encode([]polymarketapi.GammaMarket{{
				ConditionID: id, Active: true, ClobTokenIDs: json.RawMessage(`["s1","s2"]`),
			}})
			return
		}
		topCalls.Add(1)
		json.NewEncoder(w).Encode([]polymarketapi.GammaMarket{
			{ConditionID: "cond1", Active: true, ClobTokenIDs: json.RawMessage(`["t1a","t1b"]`)},
			{ConditionID: "", Active: true, ClobTokenIDs: json.RawMessage(`["x"]`)},
			{ConditionID: "cond3", Active: false, ClobTokenIDs: json.RawMessage(`["t3"]`)},
			{ConditionID: "cond4", Active: true, Closed: true, ClobTokenIDs: json.RawMessage(`["t4"]`)},
			{ConditionID: "cond5", Active: true},
			{ConditionID: "special", Active: true, ClobTokenIDs: json.RawMessage(`["dup"]`)},
		})
	}))
}

func TestRefreshMarkets(t *testing.T) {
	var topCalls atomic.Int32
	server := gammaServer(t, &topCalls)
	defer server.Close()

	cfg := testMonitorConfig()
	cfg.SpecificMarkets = []string{"special"}
	tm := NewTradeMonitor(zap.NewNop(), dataAPIClient(server.URL), nil, nil, nil, cfg)

	require.NoError(t, tm.RefreshMarkets(context.Background()))
	assert.Equal(t, []string{"special", "cond1"}, tm.ConditionIDs())
	assert.Equal(t, []string{"s1", "s2", "t1a", "t1b"}, tm.TokenIDs())
	assert.Equal(t, int32(1), topCalls.Load())
}

func TestRefreshMarkets_SpecificOnly(t *testing.T) {
	var topCalls atomic.Int32
	server := gammaServer(t, &topCalls)
	defer server.Close()

	cfg := testMonitorConfig()
	cfg.SpecificMarkets = []string{"special"}
	cfg.SpecificMarketsOnly = true
	tm := NewTradeMonitor(zap.NewNop(), dataAPIClient(server.URL), nil, nil, nil, cfg)

	require.NoError(t, tm.RefreshMarkets(context.Background()))
	assert.Equal(t, []string{"special"}, tm.ConditionIDs())
	assert.Equal(t, int32(0), topCalls.Load())
}

func TestRefreshMarkets_NoMarkets(t *testing.T) {
	tm := NewTradeMonitor(zap.NewNop(), nil, nil, nil, nil, testMonitorConfig())
	assert.Error(t, tm.RefreshMarkets(context.Background()))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]polymarketapi.GammaMarket{})
	}))
	defer server.Close()

	tm = NewTradeMonitor(zap.NewNop(), dataAPIClient(server.URL), nil, nil, nil, testMonitorConfig())
	assert.Error(t, tm.RefreshMarkets(context.Background()))
}

func TestRunWebSocket_StreamsAndResubscribes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ops := make(chan map[string]any, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		ops <- sub

		conn.WriteMessage(websocket.TextMessage, []byte(`{
			"event_type":"trade","id":"t1","asset_id":"1","market":"0xcond",
			"price":"0.5","size":"1000","side":"BUY",
			"maker_address":"0xMaker","taker_address":"0xTaker",
			"timestamp":"1767225700","transaction_hash":"0xstream"
		}`))

		for {
			var op map[string]any
			if err := conn.ReadJSON(&op); err != nil {
				return
			}
			ops <- op
		}
	}))
	defer server.Close()

	f := newPipelineFixture(newWalletProfile(), 1000, 30)
	cfg := testMonitorConfig()
	cfg.UsePolling = false
	cfg.UseSubgraph = false
	events := polymarketevents.NewPolymarketEventsClient(zap.NewNop(), "ws"+strings.TrimPrefix(server.URL, "http"))
	tm := NewTradeMonitor(zap.NewNop(), nil, events, nil, f.pipeline, cfg)
	tm.SetMarkets([]polymarketapi.GammaMarket{{ConditionID: "0xcond", ClobTokenIDs: json.RawMessage(`["1"]`)}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tm.Run(ctx) }()

	select {
	case sub := <-ops:
		assert.Equal(t, "market", sub["type"])
		assert.Equal(t, []any{"1"}, sub["assets_ids"])
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	require.Eventually(t, func() bool {
		return f.pipeline.Count(OutcomeEmitted) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, tm.Stats().WSConnected)

	tm.SetMarkets([]polymarketapi.GammaMarket{{ConditionID: "0xcond", ClobTokenIDs: json.RawMessage(`["1","2"]`)}})
	select {
	case op := <-ops:
		assert.Equal(t, "subscribe", op["operation"])
		assert.Equal(t, []any{"2"}, op["assets_ids"])
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe op received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.False(t, tm.Stats().WSConnected)
}

func TestRun_StopsOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]polymarketapi.Trade{})
	}))
	defer server.Close()

	cfg := testMonitorConfig()
	cfg.UseWebSocket = false
	cfg.UseSubgraph = false
	cfg.PollInterval = 10 * time.Millisecond
	tm := NewTradeMonitor(zap.NewNop(), dataAPIClient(server.URL), nil, nil, nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, tm.Run(ctx))
}
