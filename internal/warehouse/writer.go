// writer.go implements the per-stream batching consumers.
//
// Each stream (metrics, summaries) gets its own consumer loop in the shared
// ch_writer_group. Rows accumulate until the batch fills or ages out, then
// one insert plus one XACK covers every message that contributed rows. A
// failed insert keeps both the rows and the unacked ids for the next
// attempt, so delivery is at-least-once and duplicates are possible after a
// crash between insert and ack.
package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"dealerflow/internal/config"
	"dealerflow/internal/stream"
	"dealerflow/pkg/types"
)

const (
	Group    = "ch_writer_group"
	Consumer = "ch_writer_consumer_1"

	readBlock     = time.Second
	insertBackoff = 5 * time.Second
	flushTimeout  = 10 * time.Second
)

// batcher is one stream's accumulation state: parse an entry into rows,
// flush the rows to the warehouse.
type batcher interface {
	// add parses one payload into rows. A parse error means a malformed
	// entry: the caller acks and drops it.
	add(payload []byte) error
	flush(ctx context.Context) error
	rows() int
	reset()
}

// Writer runs the two stream consumers against one warehouse Store.
type Writer struct {
	log    *stream.Log
	store  Store
	cfg    config.WriterConfig
	logger *slog.Logger
}

// New creates a writer shipping from log into store.
func New(log *stream.Log, store Store, cfg config.WriterConfig, logger *slog.Logger) *Writer {
	return &Writer{
		log:    log,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "writer"),
	}
}

// Run consumes both streams until ctx is cancelled, then flushes in-flight
// batches best-effort.
func (w *Writer) Run(ctx context.Context) error {
	done := make(chan error, 2)
	go func() {
		done <- w.consume(ctx, types.StreamMetrics, &metricsBatch{store: w.store})
	}()
	go func() {
		done <- w.consume(ctx, types.StreamSummaries, &summariesBatch{store: w.store})
	}()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// consume is the per-stream loop.
func (w *Writer) consume(ctx context.Context, streamKey string, b batcher) error {
	logger := w.logger.With("stream", streamKey)

	if err := w.log.EnsureGroup(ctx, streamKey, Group, "0"); err != nil {
		return err
	}

	var pendingIDs []string
	lastFlush := time.Now()

	for {
		if ctx.Err() != nil {
			w.finalFlush(streamKey, b, pendingIDs, logger)
			return ctx.Err()
		}

		entries, err := w.log.ReadGroup(ctx, streamKey, Group, Consumer, int64(w.cfg.BatchSize), readBlock)
		if err != nil {
			if ctx.Err() != nil {
				w.finalFlush(streamKey, b, pendingIDs, logger)
				return ctx.Err()
			}
			logger.Warn("stream read failed, backing off", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(insertBackoff):
			}
			if err := w.log.EnsureGroup(ctx, streamKey, Group, "0"); err != nil {
				logger.Warn("group bootstrap failed", "error", err)
			}
			continue
		}

		var malformed []string
		for _, e := range entries {
			if err := b.add(e.Data); err != nil {
				logger.Warn("malformed payload dropped", "id", e.ID, "error", err)
				malformed = append(malformed, e.ID)
				continue
			}
			pendingIDs = append(pendingIDs, e.ID)
		}
		// Malformed entries are acked immediately so they never wedge the
		// stream head.
		if len(malformed) > 0 {
			if err := w.log.Ack(ctx, streamKey, Group, malformed...); err != nil {
				logger.Warn("malformed ack failed", "error", err)
			}
		}

		if b.rows() == 0 {
			continue
		}
		if b.rows() < w.cfg.BatchSize && time.Since(lastFlush) <= w.cfg.BatchMaxAge {
			continue
		}

		if err := b.flush(ctx); err != nil {
			// Keep rows and ids; the same batch retries next loop.
			logger.Error("warehouse insert failed, retrying batch", "rows", b.rows(), "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(insertBackoff):
			}
			continue
		}

		if err := w.log.Ack(ctx, streamKey, Group, pendingIDs...); err != nil {
			logger.Warn("ack failed after insert", "ids", len(pendingIDs), "error", err)
		}
		logger.Info("batch written", "rows", b.rows(), "messages", len(pendingIDs))
		b.reset()
		pendingIDs = nil
		lastFlush = time.Now()
	}
}

// finalFlush ships whatever is in flight during shutdown, on its own clock
// since the run context is already cancelled.
func (w *Writer) finalFlush(streamKey string, b batcher, ids []string, logger *slog.Logger) {
	if b.rows() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := b.flush(ctx); err != nil {
		logger.Error("final flush failed", "rows", b.rows(), "error", err)
		return
	}
	if err := w.log.Ack(ctx, streamKey, Group, ids...); err != nil {
		logger.Warn("final ack failed", "error", err)
	}
	logger.Info("final batch written", "rows", b.rows())
}

// metricsBatch accumulates metric records; one stream entry is one row.
type metricsBatch struct {
	store Store
	batch []types.MetricsRecord
}

func (m *metricsBatch) add(payload []byte) error {
	var rec types.MetricsRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("metrics payload: %w", err)
	}
	if rec.Scenario == "" {
		rec.Scenario = types.ScenarioUnknown
	}
	m.batch = append(m.batch, rec)
	return nil
}

func (m *metricsBatch) flush(ctx context.Context) error {
	return m.store.InsertMetrics(ctx, m.batch)
}

func (m *metricsBatch) rows() int { return len(m.batch) }
func (m *metricsBatch) reset()    { m.batch = nil }

// summariesBatch accumulates summary rows; one stream entry fans out into
// one row per instrument, all sharing the envelope's receive timestamp.
type summariesBatch struct {
	store Store
	batch []SummaryRow
}

func (s *summariesBatch) add(payload []byte) error {
	var env types.SummaryEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("summary envelope: %w", err)
	}
	for _, item := range env.SummaryData {
		s.batch = append(s.batch, SummaryRow{ReceivedTS: env.TS, InstrumentSummary: item})
	}
	return nil
}

func (s *summariesBatch) flush(ctx context.Context) error {
	return s.store.InsertSummaries(ctx, s.batch)
}

func (s *summariesBatch) rows() int { return len(s.batch) }
func (s *summariesBatch) reset()    { s.batch = nil }
