// Package processor consumes the raw feed stream, maintains the in-memory
// per-instrument risk map, and publishes the aggregate dealer-positioning
// record once per publish interval.
//
// The processor is the only consumer group on the raw stream and runs a
// single consumer, so it sees the collector's total order. Instrument
// entries are last-write-wins and never deleted; stale entries simply keep
// their last observed state.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"dealerflow/internal/deribit"
	"dealerflow/internal/flow"
	"dealerflow/internal/greeks"
	"dealerflow/internal/stream"
	"dealerflow/pkg/types"
)

const (
	Group    = "processor"
	Consumer = "p1"

	readCount       = 500
	readBlock       = 200 * time.Millisecond
	errorBackoff    = time.Second
	publishInterval = time.Second

	msgRateWindow = time.Second
	msgRateRing   = 1000

	yearSeconds = 365 * 86400
)

// entry is one instrument's state in the risk map. Sensitivities are raw
// (unsigned); dealer signing happens at publish time.
type entry struct {
	Gamma    float64
	Vanna    float64
	Charm    float64
	Volga    float64
	Notional float64
	Strike   float64
	Side     string // no feed populates this yet; dealer sign defaults to +1
}

// Processor owns the read-process-publish loop. All mutable state is touched
// only from Run's goroutine.
type Processor struct {
	log    *stream.Log
	logger *slog.Logger
	now    func() time.Time

	instruments  map[string]entry
	spot         float64
	lastPubPrice float64
	tickTimes    []time.Time
}

// New creates a processor reading from log.
func New(log *stream.Log, logger *slog.Logger) *Processor {
	return &Processor{
		log:         log,
		logger:      logger.With("component", "processor"),
		now:         time.Now,
		instruments: make(map[string]entry),
	}
}

// Run consumes until ctx is cancelled. Transient log errors back off and
// re-run the group bootstrap before resuming.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.log.EnsureGroup(ctx, types.StreamRaw, Group, "$"); err != nil {
		return err
	}

	lastPub := p.now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entries, err := p.log.ReadGroup(ctx, types.StreamRaw, Group, Consumer, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("stream read failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(errorBackoff):
			}
			if err := p.log.EnsureGroup(ctx, types.StreamRaw, Group, "$"); err != nil {
				p.logger.Warn("group bootstrap failed", "error", err)
			}
			continue
		}

		if len(entries) > 0 {
			ids := make([]string, len(entries))
			for i, e := range entries {
				p.process(e.Data, p.now())
				ids[i] = e.ID
			}
			// Malformed messages were logged inside process; they are
			// consumed all the same so the head never stalls.
			if err := p.log.Ack(ctx, types.StreamRaw, Group, ids...); err != nil {
				p.logger.Warn("raw ack failed", "error", err)
			}
		}

		if now := p.now(); now.Sub(lastPub) >= publishInterval {
			p.publish(ctx, now)
			lastPub = now
		}
	}
}

// rawFrame is the slice of the JSON-RPC envelope the processor cares about.
type rawFrame struct {
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

// process applies one raw entry to the in-memory state. Anything malformed
// is logged and dropped; the loop keeps going.
func (p *Processor) process(data []byte, now time.Time) {
	var frame rawFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		p.logger.Warn("unparseable raw entry", "error", err)
		return
	}
	if frame.Params.Channel == "" || !isJSONObject(frame.Params.Data) {
		return
	}

	switch {
	case strings.HasPrefix(frame.Params.Channel, "deribit_price_index"):
		var idx deribit.IndexData
		if err := json.Unmarshal(frame.Params.Data, &idx); err != nil {
			p.logger.Warn("unparseable index payload", "error", err)
			return
		}
		if v := idx.Value(); v > 0 {
			p.spot = v
		}

	case strings.HasPrefix(frame.Params.Channel, "ticker."):
		var tick deribit.TickerData
		if err := json.Unmarshal(frame.Params.Data, &tick); err != nil {
			p.logger.Warn("unparseable ticker payload", "error", err)
			return
		}
		if err := p.applyTicker(tick); err != nil {
			p.logger.Warn("ticker dropped", "instrument", tick.InstrumentName, "error", err)
			return
		}
	}

	p.recordTick(now)
}

// applyTicker derives the instrument's risk entry and writes it into the map.
func (p *Processor) applyTicker(tick deribit.TickerData) error {
	inst, err := deribit.ParseInstrument(tick.InstrumentName)
	if err != nil {
		return err
	}

	// Years to expiry relative to the message's own clock, floored at zero.
	T := inst.Expiry.Sub(time.UnixMilli(tick.Timestamp)).Seconds() / yearSeconds
	if T < 0 {
		T = 0
	}

	ref := p.spot
	if ref <= 0 {
		ref = tick.MarkPrice
	}
	notional := tick.OpenInterest * ref

	e := entry{
		Notional: notional,
		Strike:   inst.Strike,
	}

	var fg, fv, fc, fvol *float64
	if tick.Greeks != nil {
		fg, fv, fc, fvol = tick.Greeks.Gamma, tick.Greeks.Vanna, tick.Greeks.Charm, tick.Greeks.Volga
	}

	iv := tick.MarkIV / 100 // feed quotes IV in percent
	if greeks.Valid(iv, T, tick.UnderlyingPrice) {
		bs := greeks.Compute(tick.UnderlyingPrice, inst.Strike, T, 0, iv)
		// The recomputed gamma is authoritative; the other three only fill
		// gaps the feed left.
		e.Gamma = bs.Gamma
		e.Vanna = pick(fv, bs.Vanna)
		e.Charm = pick(fc, bs.Charm)
		e.Volga = pick(fvol, bs.Volga)
	} else {
		e.Gamma = pick(fg, 0)
		e.Vanna = pick(fv, 0)
		e.Charm = pick(fc, 0)
		e.Volga = pick(fvol, 0)
	}

	p.instruments[inst.Name] = e
	return nil
}

func pick(fromFeed *float64, fallback float64) float64 {
	if fromFeed != nil {
		return *fromFeed
	}
	return fallback
}

// recordTick appends a receive time to the msg-rate ring, capped at
// msgRateRing entries.
func (p *Processor) recordTick(now time.Time) {
	p.tickTimes = append(p.tickTimes, now)
	if len(p.tickTimes) > msgRateRing {
		p.tickTimes = p.tickTimes[len(p.tickTimes)-msgRateRing:]
	}
}

// msgRate counts ring entries inside the rate window, discarding the rest.
func (p *Processor) msgRate(now time.Time) int {
	cut := 0
	for cut < len(p.tickTimes) && now.Sub(p.tickTimes[cut]) > msgRateWindow {
		cut++
	}
	p.tickTimes = p.tickTimes[cut:]
	return len(p.tickTimes)
}

// snapshot derives the aggregate record for this publish tick, or reports
// false when there is nothing to publish (empty map or no spot yet). On
// success it advances lastPubPrice to the current spot.
func (p *Processor) snapshot(now time.Time) (types.MetricsRecord, bool) {
	rate := p.msgRate(now)
	if len(p.instruments) == 0 || p.spot <= 0 {
		return types.MetricsRecord{}, false
	}

	positions := make([]flow.Position, 0, len(p.instruments))
	var notionalSum float64
	for _, e := range p.instruments {
		positions = append(positions, flow.Position{
			Gamma:    e.Gamma,
			Vanna:    e.Vanna,
			Charm:    e.Charm,
			Volga:    e.Volga,
			Notional: e.Notional,
			Strike:   e.Strike,
			Side:     e.Side,
		})
		notionalSum += e.Notional
	}

	agg := flow.RollUp(positions)
	flip := flow.FlipPct(flow.GammaByStrike(positions), p.spot)

	var moveSign int
	var spotChangePct float64
	if p.lastPubPrice > 0 {
		switch {
		case p.spot > p.lastPubPrice:
			moveSign = 1
		case p.spot < p.lastPubPrice:
			moveSign = -1
		}
		spotChangePct = p.spot/p.lastPubPrice - 1
	}

	advUSD := 0.001 * notionalSum
	if advUSD < 1 {
		advUSD = 1
	}

	rec := types.MetricsRecord{
		TS:           float64(now.UnixNano()) / 1e9,
		Price:        p.spot,
		MsgRate:      rate,
		NGI:          agg.NGI,
		VSS:          agg.VSS,
		CHL24h:       agg.CHL24h,
		VOLG:         agg.VOLG,
		FlipPct:      flip,
		HPP:          flow.HPP(moveSign, agg),
		SpotChangePc: spotChangePct,
		Scenario:     flow.Classify(agg, advUSD, spotChangePct),
	}

	p.lastPubPrice = p.spot
	return rec, true
}

func (p *Processor) publish(ctx context.Context, now time.Time) {
	rec, ok := p.snapshot(now)
	if !ok {
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		p.logger.Error("marshal metrics record", "error", err)
		return
	}
	if err := p.log.Publish(ctx, types.StreamMetrics, payload); err != nil {
		p.logger.Warn("metrics publish failed", "error", err)
		return
	}

	p.logger.Debug("metrics published",
		"price", rec.Price,
		"msg_rate", rec.MsgRate,
		"scenario", rec.Scenario,
	)
}

func isJSONObject(data json.RawMessage) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
