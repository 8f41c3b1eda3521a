package polymarketevents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const DefaultMarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

type PolymarketEventsClient struct {
	logger *zap.Logger

	marketWSURL  string
	dialer       *websocket.Dialer
	pingInterval time.Duration

	connMu  sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	closeCh chan struct{}

	msgCh chan json.RawMessage
	errCh chan error

	msgCount        uint64
	lastMsgUnixNano int64
	connects        uint64
}

func NewPolymarketEventsClient(logger *zap.Logger, wsURL string) *PolymarketEventsClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(wsURL) == "" {
		wsURL = DefaultMarketWSURL
	}

	return &PolymarketEventsClient{
		logger:       logger,
		marketWSURL:  wsURL,
		dialer:       websocket.DefaultDialer,
		pingInterval: 10 * time.Second,

		msgCh: make(chan json.RawMessage, 1024),
		errCh: make(chan error, 64),
	}
}

// ConnectMarket dials the public market channel and subscribes to the provided
// asset IDs (token IDs). The connection is closed when ctx is done.
func (c *PolymarketEventsClient) ConnectMarket(
	ctx context.Context,
	assetIDs []string,
) error {
	c.connMu.Lock()
	alreadyConnected := c.conn != nil
	c.connMu.Unlock()
	if alreadyConnected {
		return fmt.Errorf("already connected")
	}

	conn, _, err := c.dialer.DialContext(ctx, c.marketWSURL, nil)
	if err != nil {
		return fmt.Errorf("dial market ws: %w", err)
	}

	c.logger.Info(
		"polymarket ws dialed",
		zap.String("url", c.marketWSURL),
		zap.Int("assets", len(assetIDs)),
	)

	conn.SetCloseHandler(func(code int, text string) error {
		c.logger.Warn(
			"polymarket ws close frame received",
			zap.Int("code", code),
			zap.String("reason", text),
		)
		return nil
	})

	done := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.closeCh = done
	c.connMu.Unlock()

	sub := map[string]any{
		"type":       "market",
		"assets_ids": assetIDs,
	}
	if err := c.writeJSON(sub); err != nil {
		_ = c.Close()
		return fmt.Errorf("send initial subscription: %w", err)
	}

	atomic.AddUint64(&c.connects, 1)
	c.logger.Info("polymarket ws subscription sent", zap.Int("assets", len(assetIDs)))

	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()

	return nil
}

func (c *PolymarketEventsClient) SubscribeAssets(assetIDs []string) error {
	return c.sendOp("subscribe", assetIDs)
}

func (c *PolymarketEventsClient) UnsubscribeAssets(assetIDs []string) error {
	return c.sendOp("unsubscribe", assetIDs)
}

func (c *PolymarketEventsClient) Messages() <-chan json.RawMessage {
	return c.msgCh
}

func (c *PolymarketEventsClient) Errors() <-chan error {
	return c.errCh
}

// Connected reports whether a connection is currently open.
func (c *PolymarketEventsClient) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

type WSStats struct {
	Connected     bool
	Connects      uint64
	MessageCount  uint64
	LastMessageAt time.Time
}

func (c *PolymarketEventsClient) Stats() WSStats {
	n := atomic.LoadUint64(&c.msgCount)
	ns := atomic.LoadInt64(&c.lastMsgUnixNano)

	var t time.Time
	if ns > 0 {
		t = time.Unix(0, ns)
	}

	return WSStats{
		Connected:     c.Connected(),
		Connects:      atomic.LoadUint64(&c.connects),
		MessageCount:  n,
		LastMessageAt: t,
	}
}

// TradeEvent is a trade frame from the market channel. last_trade_price frames
// carry no wallet or transaction fields.
type TradeEvent struct {
	EventType       string `json:"event_type"`
	AssetID         string `json:"asset_id"`
	Market          string `json:"market"`
	Price           string `json:"price"`
	Size            string `json:"size"`
	Side            string `json:"side"`
	MakerAddress    string `json:"maker_address"`
	TakerAddress    string `json:"taker_address"`
	Timestamp       string `json:"timestamp"`
	TransactionHash string `json:"transaction_hash"`
	FeeRateBps      string `json:"fee_rate_bps"`
	TradeID         string `json:"id"`
}

// ParseTradeEvent attempts to parse a JSON message as a TradeEvent.
// Returns nil if the message is not a trade event.
func ParseTradeEvent(data json.RawMessage) *TradeEvent {
	var event TradeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil
	}
	if event.EventType != "trade" && event.EventType != "last_trade_price" {
		return nil
	}
	return &event
}

// ParseEventType extracts just the event_type from a message for debugging.
func ParseEventType(data json.RawMessage) string {
	var m struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return "unknown"
	}
	if m.EventType == "" {
		return "empty"
	}
	return m.EventType
}

// GetPriceFloat returns the price as a float64, zero when unparseable.
func (e *TradeEvent) GetPriceFloat() float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(e.Price), 64)
	return v
}

// GetSizeFloat returns the size as a float64, zero when unparseable.
func (e *TradeEvent) GetSizeFloat() float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(e.Size), 64)
	return v
}

// Time returns the event time. The channel sends milliseconds; plain seconds
// are accepted too. Zero when missing.
func (e *TradeEvent) Time() time.Time {
	ts, err := strconv.ParseInt(strings.TrimSpace(e.Timestamp), 10, 64)
	if err != nil || ts <= 0 {
		return time.Time{}
	}
	if ts > 1e12 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}

func (c *PolymarketEventsClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closeCh != nil {
		close(c.closeCh)
		c.closeCh = nil
	}

	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}

	return err
}

func (c *PolymarketEventsClient) sendOp(operation string, assetIDs []string) error {
	msg := map[string]any{
		"operation":  operation,
		"assets_ids": assetIDs,
	}

	c.logger.Info("polymarket ws op", zap.String("operation", operation), zap.Int("assets", len(assetIDs)))
	return c.writeJSON(msg)
}

func (c *PolymarketEventsClient) writeJSON(v any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return conn.WriteJSON(v)
}

func (c *PolymarketEventsClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			c.writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			c.writeMu.Unlock()

		case <-done:
			return
		}
	}
}

func (c *PolymarketEventsClient) readLoop(conn *websocket.Conn, done <-chan struct{}) {
	c.logger.Debug("polymarket ws read loop started")

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				c.logger.Debug("polymarket ws read loop exiting: closed")
				return
			default:
			}
			c.logger.Warn("polymarket ws read loop exiting: read error", zap.Error(err))
			select {
			case c.errCh <- err:
			default:
			}
			c.closeIfCurrent(conn)
			return
		}

		// Server may reply with plain "PONG".
		if string(b) == "PONG" || string(b) == "PING" {
			continue
		}

		atomic.AddUint64(&c.msgCount, 1)
		atomic.StoreInt64(&c.lastMsgUnixNano, time.Now().UnixNano())

		c.emitFrame(b)
	}
}

// closeIfCurrent closes conn only if a reconnect has not already replaced it.
func (c *PolymarketEventsClient) closeIfCurrent(conn *websocket.Conn) {
	c.connMu.Lock()
	current := c.conn == conn
	c.connMu.Unlock()
	if current {
		_ = c.Close()
	}
}

// emitFrame forwards a single event or each element of a batch frame.
func (c *PolymarketEventsClient) emitFrame(b []byte) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			c.logger.Warn(
				"polymarket ws bad json array frame",
				zap.Error(err),
				zap.Int("bytes", len(b)),
			)
			return
		}

		for _, one := range arr {
			c.forward(one)
		}
		return
	}

	c.forward(json.RawMessage(append([]byte(nil), trimmed...)))
}

func (c *PolymarketEventsClient) forward(msg json.RawMessage) {
	select {
	case c.msgCh <- msg:
	default:
		c.logger.Warn("dropping ws message: msgCh full")
	}
}
