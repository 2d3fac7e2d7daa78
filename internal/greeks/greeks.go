// Package greeks computes the Black-Scholes second-order risk sensitivities
// used by the processor: gamma, vanna, charm, and volga. The kernel is a
// pure function of spot, strike, time to expiry, rate, and implied vol.
package greeks

import "math"

var sqrt2Pi = math.Sqrt(2 * math.Pi)

// Set holds the four sensitivities for one contract.
// Gamma and volga are symmetric in call/put; so are vanna and charm under
// r=0, which is how the pipeline calls the kernel.
type Set struct {
	Gamma float64
	Vanna float64
	Charm float64
	Volga float64
}

// Valid reports whether the Black-Scholes inputs admit a meaningful result.
func Valid(sigma, T, S float64) bool {
	return sigma > 0 && T > 0 && S > 0
}

// Compute evaluates the kernel:
//
//	d1    = (ln(S/K) + (r + σ²/2)·T) / (σ·√T)
//	d2    = d1 − σ·√T
//	gamma = φ(d1) / (S·σ·√T)
//	vanna = −d2·φ(d1) / σ
//	charm = −φ(d1)·(2rT − d2·σ·√T) / (2T·σ·√T)
//	volga = vega·d1·d2 / σ,  vega = S·φ(d1)·√T
//
// Any non-finite output collapses to 0.
func Compute(S, K, T, r, sigma float64) Set {
	sqrtT := math.Sqrt(T)
	d1 := (math.Log(S/K) + (r+0.5*sigma*sigma)*T) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT

	pdfD1 := math.Exp(-0.5*d1*d1) / sqrt2Pi

	gamma := pdfD1 / (S * sigma * sqrtT)
	vanna := -d2 * pdfD1 / sigma
	charm := -pdfD1 * (2*r*T - d2*sigma*sqrtT) / (2 * T * sigma * sqrtT)
	vega := S * pdfD1 * sqrtT
	volga := vega * d1 * d2 / sigma

	return Set{
		Gamma: finite(gamma),
		Vanna: finite(vanna),
		Charm: finite(charm),
		Volga: finite(volga),
	}
}

func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
