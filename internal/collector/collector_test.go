package collector

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"

	"dealerflow/internal/config"
	"dealerflow/internal/deribit"
	"dealerflow/internal/stream"
	"dealerflow/pkg/types"
)

func testCollector(t *testing.T) (*Collector, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log := stream.New(db, logger)
	tokens := deribit.NewTokenSource("http://localhost", "", "", logger)

	cfg := config.DeribitConfig{MaxAuthInstruments: 2, RefreshInterval: 30 * time.Second}
	return New(cfg, "BTC", log, tokens, logger), mock
}

func TestHandleMessageForwardsTickerVerbatim(t *testing.T) {
	t.Parallel()
	c, mock := testCollector(t)

	raw := []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"ticker.BTC-24MAY25-60000-P.100ms","data":{"mark_price":0.05}}}`)
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: types.StreamRaw,
		Values: map[string]interface{}{"d": raw},
	}).SetVal("1-0")

	c.handleMessage(context.Background(), raw)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleMessageForwardsIndexVerbatim(t *testing.T) {
	t.Parallel()
	c, mock := testCollector(t)

	raw := []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"deribit_price_index.btc_usd","data":{"price":64000}}}`)
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: types.StreamRaw,
		Values: map[string]interface{}{"d": raw},
	}).SetVal("1-0")

	c.handleMessage(context.Background(), raw)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleMessageSummaryUpdatesBufferAndWakesManager(t *testing.T) {
	t.Parallel()
	c, _ := testCollector(t)

	summaries := []types.InstrumentSummary{
		{InstrumentName: "BTC-24MAY25-60000-P", OpenInterest: 500},
		{InstrumentName: "BTC-24MAY25-60000-C", OpenInterest: 1200},
	}
	data, _ := json.Marshal(summaries)
	raw, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "subscription",
		"params": map[string]any{
			"channel": "book_summary.option.BTC.all",
			"data":    json.RawMessage(data),
		},
	})

	// The summaries publish is best-effort; the unmocked XAdd fails and the
	// collector must carry on having updated its shared state.
	c.handleMessage(context.Background(), raw)

	c.summariesMu.RLock()
	got := len(c.latestSummaries)
	c.summariesMu.RUnlock()
	if got != 2 {
		t.Fatalf("latestSummaries has %d entries, want 2", got)
	}

	select {
	case <-c.summaryWake:
	default:
		t.Error("summary should have signalled the subscription manager")
	}
}

func TestHandleMessageIgnoresRPCErrorsAndReplies(t *testing.T) {
	t.Parallel()
	c, mock := testCollector(t)

	// Neither frame may touch the stream log.
	c.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":"42","error":{"code":10020,"message":"bad channel"}}`))
	c.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":"43","result":["ok"]}`))
	c.handleMessage(context.Background(), []byte(`not json at all`))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSyncSubscriptionsIdleWithoutSummaries(t *testing.T) {
	t.Parallel()
	c, mock := testCollector(t)

	// No summaries yet: the manager pass must not issue any RPCs (it would
	// fail loudly here since there is no connection).
	c.syncSubscriptions(context.Background(), map[string]bool{})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
