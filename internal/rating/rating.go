// Package rating implements the Elo-variant MMR update and the percentile
// rank-tier assignment. Everything here is pure and deterministic.
package rating

import (
	"math"

	"github.com/evoladder/evoladder/internal/model"
)

const (
	// KFactor is the fixed Elo update magnitude.
	KFactor = 40
	// Divisor is the denominator inside the Elo logistic. Conventional
	// Elo uses 400; this ladder uses 500.
	Divisor = 500
)

// Expected returns the expected score for a player rated mmr against an
// opponent rated oppMMR, in [0, 1].
func Expected(mmr, oppMMR int) float64 {
	return 1 / (1 + math.Pow(10, float64(oppMMR-mmr)/Divisor))
}

// roundHalfAway rounds half away from zero to the nearest integer.
func roundHalfAway(x float64) int {
	return int(math.Round(x))
}

// WinDeltas returns the signed MMR deltas (winner, loser) for a decisive
// result. The deltas sum to zero.
func WinDeltas(winnerMMR, loserMMR int) (winnerDelta, loserDelta int) {
	e := Expected(winnerMMR, loserMMR)
	d := roundHalfAway(KFactor * (1 - e))
	return d, -d
}

// DrawDeltas returns the signed MMR deltas (a, b) for a draw. Each delta is
// computed from its own side's expected score; the two have equal absolute
// values and opposite signs.
func DrawDeltas(aMMR, bMMR int) (aDelta, bDelta int) {
	ea := Expected(aMMR, bMMR)
	eb := Expected(bMMR, aMMR)
	return roundHalfAway(KFactor * (0.5 - ea)), roundHalfAway(KFactor * (0.5 - eb))
}

// Apply adds delta to mmr, clamping at zero. MMR never goes negative.
func Apply(mmr, delta int) int {
	next := mmr + delta
	if next < 0 {
		return 0
	}
	return next
}

// Tier boundaries as cumulative percentile fractions, paired with
// model.Tiers: top 1% = S, 1-8% = A, 8-29% = B, 29-50% = C, 50-71% = D,
// 71-92% = E, 92-100% = F.
var tierBounds = []float64{0.01, 0.08, 0.29, 0.50, 0.71, 0.92, 1.00}

// TierForPosition returns the rank tier for the row at 0-based position pos
// in a descending-MMR ordering of total ranked rows. total <= 0 or an
// out-of-range pos yields U.
func TierForPosition(pos, total int) model.Tier {
	if total <= 0 || pos < 0 || pos >= total {
		return model.TierU
	}
	pct := float64(pos) / float64(total)
	for i, bound := range tierBounds {
		if pct < bound {
			return model.Tiers[i]
		}
	}
	return model.TierF
}
