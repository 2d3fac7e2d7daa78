// Package warehouse ships the metrics and summaries streams into ClickHouse
// with batching and at-least-once delivery.
package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"dealerflow/internal/config"
	"dealerflow/pkg/types"
)

// Warehouse table names; part of the deployed surface.
const (
	TableMetrics   = "dealer_flow_metrics_v1"
	TableSummaries = "deribit_instrument_summaries_v1"
)

const metricsDDL = `
CREATE TABLE IF NOT EXISTS ` + TableMetrics + ` (
    ts              Float64,
    price           Float64,
    msg_rate        UInt32,
    NGI             Float64,
    VSS             Float64,
    CHL_24h         Float64,
    VOLG            Float64,
    flip_pct        Nullable(Float64),
    HPP             Float64,
    spot_change_pct Float64,
    scenario        String
)
ENGINE = MergeTree()
ORDER BY ts
`

const summariesDDL = `
CREATE TABLE IF NOT EXISTS ` + TableSummaries + ` (
    received_ts      Float64,
    instrument_name  String,
    underlying_price Float64,
    underlying_index String,
    quote_currency   String,
    open_interest    Float64,
    volume           Float64,
    volume_usd       Float64,
    bid_iv           Float64,
    ask_iv           Float64,
    mark_iv          Float64,
    interest_rate    Float64
)
ENGINE = MergeTree()
ORDER BY (instrument_name, received_ts)
`

// SummaryRow is one warehouse row fanned out of a summaries-stream entry:
// the instrument summary plus the envelope's receive timestamp.
type SummaryRow struct {
	ReceivedTS float64
	types.InstrumentSummary
}

// Store is the warehouse surface the stream writers insert through.
type Store interface {
	InsertMetrics(ctx context.Context, rows []types.MetricsRecord) error
	InsertSummaries(ctx context.Context, rows []SummaryRow) error
}

// Conn is the ClickHouse-backed Store.
type Conn struct {
	ch     driver.Conn
	logger *slog.Logger
}

// Open connects to ClickHouse and verifies reachability. An unreachable
// warehouse at startup is fatal for the writer service.
func Open(ctx context.Context, cfg config.ClickHouseConfig, logger *slog.Logger) (*Conn, error) {
	ch, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
		ReadTimeout: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := ch.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &Conn{ch: ch, logger: logger.With("component", "warehouse")}, nil
}

// EnsureTables creates both target tables if they do not exist.
func (c *Conn) EnsureTables(ctx context.Context) error {
	for _, ddl := range []string{metricsDDL, summariesDDL} {
		if err := c.ch.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

// InsertMetrics appends one batch of metric records.
func (c *Conn) InsertMetrics(ctx context.Context, rows []types.MetricsRecord) error {
	batch, err := c.ch.PrepareBatch(ctx, "INSERT INTO "+TableMetrics)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", TableMetrics, err)
	}
	for _, r := range rows {
		err := batch.Append(
			r.TS,
			r.Price,
			uint32(r.MsgRate),
			r.NGI,
			r.VSS,
			r.CHL24h,
			r.VOLG,
			r.FlipPct,
			r.HPP,
			r.SpotChangePc,
			string(r.Scenario),
		)
		if err != nil {
			return fmt.Errorf("append %s: %w", TableMetrics, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s: %w", TableMetrics, err)
	}
	return nil
}

// InsertSummaries appends one batch of instrument-summary rows.
func (c *Conn) InsertSummaries(ctx context.Context, rows []SummaryRow) error {
	batch, err := c.ch.PrepareBatch(ctx, "INSERT INTO "+TableSummaries)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", TableSummaries, err)
	}
	for _, r := range rows {
		err := batch.Append(
			r.ReceivedTS,
			r.InstrumentName,
			r.UnderlyingPrice,
			r.UnderlyingIndex,
			r.QuoteCurrency,
			r.OpenInterest,
			r.Volume,
			r.VolumeUSD,
			r.BidIV,
			r.AskIV,
			r.MarkIV,
			r.InterestRate,
		)
		if err != nil {
			return fmt.Errorf("append %s: %w", TableSummaries, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s: %w", TableSummaries, err)
	}
	return nil
}

// Close releases the connection.
func (c *Conn) Close() error {
	return c.ch.Close()
}
