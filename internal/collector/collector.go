// Package collector maintains the persistent subscription to the exchange's
// WebSocket feed and relays everything downstream through the stream log.
//
// Connection lifecycle: acquire an OAuth token (sessions degrade to
// unauthenticated when credentials are absent or rejected), dial, subscribe
// to the two base channels (spot price index and the full option book
// summary), then pump messages. A subscription manager runs alongside the
// pump on authenticated sessions and keeps the top-N option tickers
// subscribed (manager.go). Any failure tears the connection down and the
// whole cycle restarts after a fixed backoff; the active-subscription set is
// rebuilt from scratch on every connect.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dealerflow/internal/config"
	"dealerflow/internal/deribit"
	"dealerflow/internal/stream"
	"dealerflow/pkg/types"
)

const (
	reconnectDelay    = 5 * time.Second  // backoff after any connection failure
	idleTimeout       = 5 * time.Second  // no inbound message before nudging the peer
	keepaliveInterval = 20 * time.Second // ws ping cadence
	writeTimeout      = 10 * time.Second
	heartbeatSeconds  = 15 // requested server-side heartbeat interval
)

// Collector is the subscription client. One instance owns one connection at
// a time; deployments run a single collector so the raw stream stays totally
// ordered.
type Collector struct {
	cfg      config.DeribitConfig
	currency string
	log      *stream.Log
	tokens   *deribit.TokenSource
	logger   *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes and replacement

	// latestSummaries is the most recent book-summary payload; the pump
	// writes it, the subscription manager reads it.
	summariesMu     sync.RWMutex
	latestSummaries []types.InstrumentSummary
	summaryWake     chan struct{} // signals the manager, capacity 1
}

// New creates a collector publishing onto log.
func New(cfg config.DeribitConfig, currency string, log *stream.Log, tokens *deribit.TokenSource, logger *slog.Logger) *Collector {
	return &Collector{
		cfg:         cfg,
		currency:    currency,
		log:         log,
		tokens:      tokens,
		logger:      logger.With("component", "collector"),
		summaryWake: make(chan struct{}, 1),
	}
}

// Run connects and pumps until ctx is cancelled, restarting the full state
// machine after reconnectDelay on any error.
func (c *Collector) Run(ctx context.Context) error {
	for {
		err := c.connectAndPump(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("connection lost, restarting", "error", err, "backoff", reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Collector) connectAndPump(ctx context.Context) error {
	// Auth failures degrade the session rather than blocking it; the next
	// connection attempt retries the token fetch.
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Warn("auth failed, continuing unauthenticated", "error", err)
		token = ""
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if err := c.subscribeBase(); err != nil {
		return fmt.Errorf("base subscribe: %w", err)
	}

	c.logger.Info("connected",
		"authenticated", token != "",
		"currency", c.currency,
	)

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.pingLoop(pumpCtx)
	if token != "" {
		go c.runSubscriptionManager(pumpCtx)
	}

	return c.pump(ctx, conn)
}

// subscribeBase requests the price index and full option book summary.
func (c *Collector) subscribeBase() error {
	return c.sendRPC("public/subscribe", deribit.SubscribeParams{
		Channels: []string{
			deribit.IndexChannel(c.currency),
			deribit.BookSummaryChannel(c.currency),
		},
	})
}

// pump routes inbound messages until the connection dies or ctx is
// cancelled. An idle stretch makes it ask the server for heartbeats so the
// peer's liveness checker stays satisfied.
func (c *Collector) pump(ctx context.Context, conn *websocket.Conn) error {
	msgCh := make(chan []byte)
	errCh := make(chan error, 1)

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				errCh <- fmt.Errorf("read: %w", err)
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.closeGracefully(conn)
			return ctx.Err()

		case err := <-errCh:
			return err

		case msg := <-msgCh:
			c.handleMessage(ctx, msg)

		case <-time.After(idleTimeout):
			if err := c.sendRPC("public/set_heartbeat", deribit.HeartbeatParams{Interval: heartbeatSeconds}); err != nil {
				return fmt.Errorf("set_heartbeat: %w", err)
			}
		}
	}
}

// handleMessage is the dispatch switch of the message pump.
func (c *Collector) handleMessage(ctx context.Context, msg []byte) {
	var frame deribit.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		c.logger.Warn("unparseable frame", "error", err)
		return
	}

	switch {
	case frame.Method == "subscription":
		if strings.HasPrefix(frame.Params.Channel, "book_summary") {
			c.handleSummary(ctx, frame.Params.Data)
			return
		}
		// Price index and tickers go to the raw stream verbatim.
		if err := c.log.Publish(ctx, types.StreamRaw, msg); err != nil {
			c.logger.Warn("raw publish failed", "error", err)
		}

	case frame.Method == "heartbeat":
		if frame.Params.Type == "test_request" {
			if err := c.sendRPC("public/test", nil); err != nil {
				c.logger.Warn("test reply failed", "error", err)
			}
		}

	case frame.Error != nil:
		// Subscription rejections are logged but never tear the
		// connection down.
		c.logger.Warn("rpc error", "id", frame.ID, "code", frame.Error.Code, "message", frame.Error.Message)

	case frame.ID != "":
		c.logger.Debug("rpc reply", "id", frame.ID)

	default:
		c.logger.Debug("unhandled frame", "method", frame.Method)
	}
}

// handleSummary updates the shared latest-summaries buffer, wakes the
// subscription manager, and ships the payload to the summaries stream.
func (c *Collector) handleSummary(ctx context.Context, data json.RawMessage) {
	var summaries []types.InstrumentSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		c.logger.Warn("unparseable book summary", "error", err)
		return
	}

	c.summariesMu.Lock()
	c.latestSummaries = summaries
	c.summariesMu.Unlock()

	select {
	case c.summaryWake <- struct{}{}:
	default:
	}

	envelope := types.SummaryEnvelope{
		TS:          float64(time.Now().UnixNano()) / 1e9,
		SummaryData: summaries,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		c.logger.Error("marshal summary envelope", "error", err)
		return
	}
	if err := c.log.Publish(ctx, types.StreamSummaries, payload); err != nil {
		c.logger.Warn("summaries publish failed", "error", err, "instruments", len(summaries))
	}
}

func (c *Collector) sendRPC(method string, params interface{}) error {
	req := deribit.Request{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(req)
}

func (c *Collector) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Collector) closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
		c.logger.Debug("close frame failed", "error", err)
	}
}
