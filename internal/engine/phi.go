// Package engine implements the memory retrieval, consolidation, and
// trajectory replay engine: blended lexical+semantic ranking, the
// decay/merge/prune lifecycle, and reward-ranked replay of past task
// trajectories.
package engine

import "math"

// Golden-ratio constants used as weighting and threshold defaults
// throughout the engine. They are configuration defaults, not hidden
// magic: every formula that uses one names it explicitly.
//
// Note that PhiInv + PhiInv2 == 1 exactly, which is why the lexical and
// vector weights of blended retrieval always sum to one.
var (
	// Phi is the golden ratio, (1+√5)/2 ≈ 1.618.
	Phi = (1 + math.Sqrt(5)) / 2

	// PhiInv is 1/φ ≈ 0.618. Vector weight, merge similarity threshold,
	// success reward, and the replay confidence cap.
	PhiInv = Phi - 1

	// PhiInv2 is 1/φ² ≈ 0.382. Lexical weight, importance decay rate,
	// partial reward, and the minimum replay reward.
	PhiInv2 = 2 - Phi

	// PhiInv3 is 1/φ³ ≈ 0.236. Minimum relevance and prune threshold.
	PhiInv3 = (2 - Phi) * (Phi - 1)
)

// clamp01 forces v into [0.0, 1.0].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
