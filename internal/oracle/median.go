package oracle

import (
	"math"
	"sort"
)

// Median returns the midpoint statistic over values: the middle element for
// an odd count, the mean of the two middle elements for an even count. The
// input slice is not modified; the result is independent of input order.
func Median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// roundTo rounds v to the given number of fractional digits, half away
// from zero, so the float carried in an Assertion matches its canonical
// rendering digit for digit.
func roundTo(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}
