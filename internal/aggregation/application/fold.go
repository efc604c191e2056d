package application

import (
	"math"
	"sort"

	telemetry "powermeter-cloud/internal/telemetry/domain"
)

// Fold combines child values. Unreported (negative) values are skipped.
// Values are ordered before folding so every arrival order yields the same
// bits: ascending for a sum, descending for the subtractive pairwise
// absolute difference. The second result is false when nothing was reported.
func Fold(values []float64, subtractive bool) (float64, bool) {
	kept := make([]float64, 0, len(values))
	for _, v := range values {
		if telemetry.Reported(v) {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return telemetry.NotReported, false
	}
	if !subtractive {
		sort.Float64s(kept)
		total := 0.0
		for _, v := range kept {
			total += v
		}
		return total, true
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(kept)))
	acc := kept[0]
	for _, v := range kept[1:] {
		acc = math.Abs(acc - v)
	}
	return acc, true
}
