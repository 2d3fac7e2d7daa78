// Package flow holds the pure derivation steps between the processor's
// per-instrument risk map and the published metrics record: dealer-side
// signing, the dollar roll-up, the per-strike gamma profile and its flip
// point, the hedge-pressure projection, and the scenario classifier.
package flow

import (
	"math"
	"sort"
	"strings"

	"dealerflow/pkg/types"
)

// HPP mixing weights for the vanna and charm terms.
const (
	Alpha = 0.1
	Beta  = 0.1
)

// Position is one instrument's contribution to the aggregate: raw (unsigned)
// sensitivities, dollar notional, strike, and the side attribution driving
// the dealer sign. Side is empty in the current feed path.
type Position struct {
	Gamma    float64
	Vanna    float64
	Charm    float64
	Volga    float64
	Notional float64
	Strike   float64
	Side     string
}

// DealerSign maps a customer-side attribution to the dealer's sign.
// Customer shorts are dealer longs (+1); any other attribution is dealer
// short (-1); no attribution defaults to +1.
func DealerSign(side string) float64 {
	if side == "" {
		return 1
	}
	if strings.Contains(strings.ToLower(side), "short") {
		return 1
	}
	return -1
}

// Aggregate is the dollar roll-up of dealer-signed sensitivities.
type Aggregate struct {
	NGI    float64 // net gamma impact for a 1% spot move
	VSS    float64 // vanna squeeze size for a 1 vol-point move
	CHL24h float64 // charm load over 24 hours
	VOLG   float64 // volga exposure for a 1 vol-point move
}

// RollUp aggregates dealer-signed positions:
//
//	NGI     = Σ sign·gamma·notional·0.01
//	VSS     = Σ sign·vanna·notional·0.01
//	CHL_24h = Σ sign·charm·notional/365
//	VOLG    = Σ sign·volga·notional·0.01
//
// An empty slice rolls up to zeros.
func RollUp(positions []Position) Aggregate {
	var agg Aggregate
	for _, p := range positions {
		sign := DealerSign(p.Side)
		agg.NGI += sign * p.Gamma * p.Notional * 0.01
		agg.VSS += sign * p.Vanna * p.Notional * 0.01
		agg.CHL24h += sign * p.Charm * p.Notional / 365.0
		agg.VOLG += sign * p.Volga * p.Notional * 0.01
	}
	return agg
}

// GammaByStrike rebuilds the strike → dealer-signed gamma profile. The map is
// derived fresh each publish cycle rather than maintained incrementally, so a
// ticker update can never double-count a strike.
func GammaByStrike(positions []Position) map[float64]float64 {
	byStrike := make(map[float64]float64)
	for _, p := range positions {
		byStrike[p.Strike] += DealerSign(p.Side) * p.Gamma
	}
	return byStrike
}

// FlipPct locates the first sign change in the strike-ascending gamma profile.
// With the change at position i, the flip level is strikes[i+1] and the result
// is its distance from spot, strikes[i+1]/spot - 1. Returns nil when the
// profile has no sign change, is empty, spot is zero, or the change sits on
// the last strike so no flip level exists above it.
func FlipPct(byStrike map[float64]float64, spot float64) *float64 {
	if len(byStrike) < 2 || spot == 0 {
		return nil
	}

	strikes := make([]float64, 0, len(byStrike))
	for k := range byStrike {
		strikes = append(strikes, k)
	}
	sort.Float64s(strikes)

	prev := sign(byStrike[strikes[0]])
	for i := 1; i < len(strikes); i++ {
		cur := sign(byStrike[strikes[i]])
		if cur != prev {
			if i+1 >= len(strikes) {
				return nil
			}
			pct := strikes[i+1]/spot - 1
			return &pct
		}
		prev = cur
	}
	return nil
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// HPP is the hedge-pressure projection: the gamma impact aligned with the
// spot move direction plus smaller vanna and charm terms.
func HPP(spotMoveSign int, agg Aggregate) float64 {
	return float64(spotMoveSign)*agg.NGI + Alpha*agg.VSS + Beta*agg.CHL24h
}

// Classify buckets one publish cycle. Rules fire in order; the first match
// wins, so a near-zero NGI is a Gamma Pin even when VSS would qualify as a
// squeeze.
func Classify(agg Aggregate, advUSD, spotChangePct float64) types.Scenario {
	material := math.Abs(agg.NGI) > 0.1*advUSD

	switch {
	case spotChangePct > 0 && agg.NGI < 0:
		if material {
			return types.ScenarioDealerSellMaterial
		}
		return types.ScenarioDealerSellImmaterial
	case spotChangePct < 0 && agg.NGI > 0:
		if material {
			return types.ScenarioDealerBuyMaterial
		}
		return types.ScenarioDealerBuyImmaterial
	case math.Abs(agg.NGI) < 1e-6:
		return types.ScenarioGammaPin
	case math.Abs(agg.VSS) > 2*math.Abs(agg.NGI):
		return types.ScenarioVannaSqueeze
	default:
		return types.ScenarioNeutral
	}
}
