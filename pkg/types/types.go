// Package types defines the records shared across the pipeline stages.
//
// This package is the common vocabulary for the services — the aggregate
// metrics record published by the processor, and the instrument summaries
// relayed from the exchange book-summary feed into the warehouse. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

// Stream keys on the Redis log. The collector appends, the processor and the
// warehouse writers consume; names are part of the deployed surface and must
// not change without migrating consumer groups.
const (
	StreamRaw       = "dealer_raw"
	StreamMetrics   = "dealer_metrics"
	StreamSummaries = "deribit_book_summaries_feed"
)

// Scenario is the classifier's categorical bucket for a publish cycle.
type Scenario string

const (
	ScenarioDealerSellMaterial   Scenario = "Dealer Sell Material"
	ScenarioDealerSellImmaterial Scenario = "Dealer Sell Immaterial"
	ScenarioDealerBuyMaterial    Scenario = "Dealer Buy Material"
	ScenarioDealerBuyImmaterial  Scenario = "Dealer Buy Immaterial"
	ScenarioGammaPin             Scenario = "Gamma Pin"
	ScenarioVannaSqueeze         Scenario = "Vanna Squeeze"
	ScenarioNeutral              Scenario = "Neutral"
	ScenarioUnknown              Scenario = "Unknown"
)

// MetricsRecord is the aggregate dealer-positioning vector published to the
// metrics stream once per publish tick and persisted to the warehouse.
//
// FlipPct is nil when the per-strike signed gamma series has no sign change.
type MetricsRecord struct {
	TS           float64  `json:"ts"`       // wall time of publish, fractional seconds
	Price        float64  `json:"price"`    // latest spot
	MsgRate      int      `json:"msg_rate"` // raw messages seen in the last 1.0s
	NGI          float64  `json:"NGI"`      // net gamma impact, $ per 1% spot move
	VSS          float64  `json:"VSS"`      // vanna squeeze size, $ per vol point
	CHL24h       float64  `json:"CHL_24h"`  // charm load, 24h delta decay in $
	VOLG         float64  `json:"VOLG"`     // volga exposure, $ per vol point
	FlipPct      *float64 `json:"flip_pct"` // strike/spot - 1 at first gamma sign change
	HPP          float64  `json:"HPP"`      // hedge-pressure projection
	SpotChangePc float64  `json:"spot_change_pct"`
	Scenario     Scenario `json:"scenario"`
}

// InstrumentSummary is one entry of the exchange's full option book summary,
// carried unchanged from the feed into the warehouse.
type InstrumentSummary struct {
	InstrumentName  string  `json:"instrument_name"`
	UnderlyingPrice float64 `json:"underlying_price"`
	UnderlyingIndex string  `json:"underlying_index"`
	QuoteCurrency   string  `json:"quote_currency"`
	OpenInterest    float64 `json:"open_interest"`
	Volume          float64 `json:"volume"`
	VolumeUSD       float64 `json:"volume_usd"`
	BidIV           float64 `json:"bid_iv"`
	AskIV           float64 `json:"ask_iv"`
	MarkIV          float64 `json:"mark_iv"`
	InterestRate    float64 `json:"interest_rate"`
}

// SummaryEnvelope is the payload of one summaries-stream entry: a receive
// timestamp plus every summary delivered in a single book-summary message.
// The warehouse writer fans one envelope out into len(SummaryData) rows.
type SummaryEnvelope struct {
	TS          float64             `json:"ts"`
	SummaryData []InstrumentSummary `json:"summary_data"`
}
