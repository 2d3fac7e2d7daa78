package flow

import (
	"math"
	"testing"

	"dealerflow/pkg/types"
)

func TestDealerSign(t *testing.T) {
	t.Parallel()

	cases := []struct {
		side string
		want float64
	}{
		{"", 1},
		{"call_short", 1},
		{"PUT_SHORT", 1},
		{"call_long", -1},
		{"put_long", -1},
	}
	for _, tc := range cases {
		if got := DealerSign(tc.side); got != tc.want {
			t.Errorf("DealerSign(%q) = %v, want %v", tc.side, got, tc.want)
		}
	}
}

func TestRollUpTwoInstruments(t *testing.T) {
	t.Parallel()

	positions := []Position{
		{Gamma: 2, Vanna: 5, Charm: -3, Volga: 6, Notional: 1e6},
		{Gamma: -1, Vanna: 4, Charm: 2, Volga: 3, Notional: 8e5},
	}

	agg := RollUp(positions)

	if math.Abs(agg.NGI-12000) > 1e-9 {
		t.Errorf("NGI = %v, want 12000", agg.NGI)
	}
	if math.Abs(agg.VSS-82000) > 1e-9 {
		t.Errorf("VSS = %v, want 82000", agg.VSS)
	}
	wantCHL := (-3*1e6 + 2*8e5) / 365.0
	if math.Abs(agg.CHL24h-wantCHL) > 1e-6 {
		t.Errorf("CHL_24h = %v, want %v", agg.CHL24h, wantCHL)
	}
	if math.Abs(agg.VOLG-84000) > 1e-9 {
		t.Errorf("VOLG = %v, want 84000", agg.VOLG)
	}
}

func TestRollUpEmpty(t *testing.T) {
	t.Parallel()

	agg := RollUp(nil)
	if agg != (Aggregate{}) {
		t.Errorf("empty roll-up = %+v, want zeros", agg)
	}
}

func TestRollUpEqualsSignedSum(t *testing.T) {
	t.Parallel()

	positions := []Position{
		{Gamma: 0.002, Notional: 3.2e6, Side: "call_long"},
		{Gamma: -0.001, Notional: 1.1e6, Side: "put_short"},
		{Gamma: 0.004, Notional: 6e5},
	}

	var want float64
	for _, p := range positions {
		want += DealerSign(p.Side) * p.Gamma * p.Notional * 0.01
	}
	if agg := RollUp(positions); math.Abs(agg.NGI-want) > 1e-12 {
		t.Errorf("NGI = %v, want %v", agg.NGI, want)
	}
}

func TestGammaByStrikeGroupsAndSigns(t *testing.T) {
	t.Parallel()

	positions := []Position{
		{Gamma: 1.5, Strike: 60000},
		{Gamma: 0.5, Strike: 60000},
		{Gamma: 2.0, Strike: 65000, Side: "call_long"}, // dealer short
	}

	byStrike := GammaByStrike(positions)
	if len(byStrike) != 2 {
		t.Fatalf("got %d strikes, want 2", len(byStrike))
	}
	if byStrike[60000] != 2.0 {
		t.Errorf("gamma at 60000 = %v, want 2.0", byStrike[60000])
	}
	if byStrike[65000] != -2.0 {
		t.Errorf("gamma at 65000 = %v, want -2.0", byStrike[65000])
	}
}

func TestFlipPctBasic(t *testing.T) {
	t.Parallel()

	byStrike := map[float64]float64{
		9000:  -2,
		9500:  -1,
		10000: 0.5,
		10500: 1.2,
	}

	got := FlipPct(byStrike, 10000)
	if got == nil {
		t.Fatal("expected a flip")
	}
	if math.Abs(*got-0.05) > 1e-12 {
		t.Errorf("flip_pct = %v, want 0.05", *got)
	}
}

func TestFlipPctNoSignChange(t *testing.T) {
	t.Parallel()

	byStrike := map[float64]float64{9000: 1, 9500: 2, 10000: 0.5}
	if got := FlipPct(byStrike, 9500); got != nil {
		t.Errorf("expected nil, got %v", *got)
	}
}

func TestFlipPctEmptyAndZeroSpot(t *testing.T) {
	t.Parallel()

	if got := FlipPct(map[float64]float64{}, 10000); got != nil {
		t.Errorf("empty profile should have no flip, got %v", *got)
	}
	byStrike := map[float64]float64{9000: -1, 10000: 1, 11000: 1}
	if got := FlipPct(byStrike, 0); got != nil {
		t.Errorf("zero spot should have no flip, got %v", *got)
	}
}

func TestHPP(t *testing.T) {
	t.Parallel()

	agg := Aggregate{NGI: 1000, VSS: 200, CHL24h: -50}

	if got := HPP(1, agg); math.Abs(got-(1000+20-5)) > 1e-12 {
		t.Errorf("HPP(+1) = %v", got)
	}
	if got := HPP(-1, agg); math.Abs(got-(-1000+20-5)) > 1e-12 {
		t.Errorf("HPP(-1) = %v", got)
	}
	if got := HPP(0, agg); math.Abs(got-15) > 1e-12 {
		t.Errorf("HPP(0) = %v", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		agg           Aggregate
		advUSD        float64
		spotChangePct float64
		want          types.Scenario
	}{
		{"dealer sell material", Aggregate{NGI: -2e5}, 1e6, 0.002, types.ScenarioDealerSellMaterial},
		{"dealer sell immaterial", Aggregate{NGI: -5e4}, 1e6, 0.002, types.ScenarioDealerSellImmaterial},
		{"dealer buy material", Aggregate{NGI: 2e5}, 1e6, -0.002, types.ScenarioDealerBuyMaterial},
		{"dealer buy immaterial", Aggregate{NGI: 5e4}, 1e6, -0.002, types.ScenarioDealerBuyImmaterial},
		{"gamma pin beats vanna squeeze", Aggregate{NGI: 1e-9, VSS: 100}, 1e6, 0, types.ScenarioGammaPin},
		{"vanna squeeze", Aggregate{NGI: 10, VSS: 100}, 1e6, 0, types.ScenarioVannaSqueeze},
		{"neutral", Aggregate{NGI: 10, VSS: 5}, 1e6, 0, types.ScenarioNeutral},
		{"rising with positive gamma is not a dealer rule", Aggregate{NGI: 10, VSS: 5}, 1e6, 0.01, types.ScenarioNeutral},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.agg, tc.advUSD, tc.spotChangePct); got != tc.want {
				t.Errorf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}
