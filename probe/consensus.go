package probe

import (
	"errors"
	"fmt"
	"math"
)

// ErrToleranceFailure is returned when no two measurements agree. No offset is written then.
var ErrToleranceFailure = errors.New("probe: measurements disagree beyond tolerance")

const consensusEpsilon = 1e-9

// Consensus compares measurements pairwise and returns the mean of the closest pair, as long as
// they differ less than tolerance. A single outlier, from debris or electrical noise, is then
// ignored.
func Consensus(measurements []float64, tolerance float64) (float64, error) {
	if len(measurements) < 2 {
		return 0, fmt.Errorf("probe: consensus needs at least 2 measurements, got %d", len(measurements))
	}
	best := math.Inf(1)
	var a, b float64
	for i := range measurements {
		for j := i + 1; j < len(measurements); j++ {
			diff := math.Abs(measurements[i] - measurements[j])
			// Pairs closer than consensusEpsilon tie, and the earliest pair wins.
			if diff < best-consensusEpsilon {
				best = diff
				a, b = measurements[i], measurements[j]
			}
		}
	}
	if best >= tolerance {
		return 0, fmt.Errorf("%w: closest measurements %v and %v differ %.4f, tolerance %.4f", ErrToleranceFailure, a, b, best, tolerance)
	}
	return (a + b) / 2, nil
}

// ClampTravel limits a relative move of distance from position, both in machine coordinates, so
// it ends within the axis travel: [-maxTravel+margin, -margin]. An unknown maxTravel, 0 or less,
// only bounds the move by the upper limit. The clamped distance is returned.
func ClampTravel(position, distance, maxTravel, margin float64) float64 {
	lower := math.Inf(-1)
	if maxTravel > 0 {
		lower = -maxTravel + margin
	}
	upper := -margin
	target := position + distance
	if distance > 0 && target > upper {
		target = max(upper, position)
	}
	if distance < 0 && target < lower {
		target = min(lower, position)
	}
	return target - position
}
