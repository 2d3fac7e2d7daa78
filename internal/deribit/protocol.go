// Package deribit models the slice of the Deribit API this pipeline touches:
// JSON-RPC 2.0 framing over the WebSocket, the subscription payloads we
// consume (price index, option tickers, book summaries), the instrument-name
// grammar, and the OAuth2 client-credentials token flow over REST.
package deribit

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request is an outbound JSON-RPC 2.0 envelope.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// SubscribeParams carries the channel list for public/subscribe and
// public/unsubscribe. The exchange caps the array per request; see
// collector.MaxChannelsPerRequest.
type SubscribeParams struct {
	Channels []string `json:"channels"`
}

// HeartbeatParams configures the server-side liveness checker.
type HeartbeatParams struct {
	Interval int `json:"interval"`
}

// Frame is an inbound message: either a subscription notification
// (Method == "subscription"), a heartbeat probe, or an RPC reply carrying
// ID plus Result or Error.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  FrameParams     `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// FrameParams is the params object of a notification. For subscription
// payloads Channel and Data are set; for heartbeats Type distinguishes
// the server's test_request probe.
type FrameParams struct {
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Type    string          `json:"type,omitempty"`
}

// RPCError is a JSON-RPC error reply. Subscription rejections arrive here
// and are logged, not fatal.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TickerData is the payload of a ticker.<instrument>.100ms notification.
// Greeks may be partially or entirely absent; the processor fills the gaps
// from the Black-Scholes kernel.
type TickerData struct {
	InstrumentName  string  `json:"instrument_name"`
	Timestamp       int64   `json:"timestamp"` // ms since epoch
	MarkPrice       float64 `json:"mark_price"`
	MarkIV          float64 `json:"mark_iv"` // percent, e.g. 62.5
	UnderlyingPrice float64 `json:"underlying_price"`
	OpenInterest    float64 `json:"open_interest"`
	Greeks          *Greeks `json:"greeks,omitempty"`
}

// Greeks are the feed-supplied risk sensitivities. Pointers distinguish
// "absent" from zero so the processor only fills what is actually missing.
type Greeks struct {
	Gamma *float64 `json:"gamma,omitempty"`
	Vanna *float64 `json:"vanna,omitempty"`
	Charm *float64 `json:"charm,omitempty"`
	Volga *float64 `json:"volga,omitempty"`
}

// IndexData is the payload of a deribit_price_index notification.
// Some index channels report the value under index_price instead of price.
type IndexData struct {
	Price      float64 `json:"price"`
	IndexPrice float64 `json:"index_price"`
}

// Value returns the index level, preferring price over index_price.
func (d IndexData) Value() float64 {
	if d.Price > 0 {
		return d.Price
	}
	return d.IndexPrice
}

// Channel constructors for the three subscription families.

func IndexChannel(currency string) string {
	return fmt.Sprintf("deribit_price_index.%s_usd", strings.ToLower(currency))
}

func BookSummaryChannel(currency string) string {
	return fmt.Sprintf("book_summary.option.%s.all", strings.ToUpper(currency))
}

func TickerChannel(instrument string) string {
	return fmt.Sprintf("ticker.%s.100ms", instrument)
}
