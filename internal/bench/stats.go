package bench

import (
	"math"
	"sort"
)

// Summary holds the distribution statistics reported per latency series.
type Summary struct {
	Mean   float64
	Median float64
	StdDev float64
	P95    float64
	P99    float64
}

// Summarize computes mean, median, std-dev and tail percentiles over
// samples. Empty input yields a zero Summary.
func Summarize(samples []float64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	var sqDiff float64
	for _, v := range sorted {
		d := v - mean
		sqDiff += d * d
	}
	std := math.Sqrt(sqDiff / float64(len(sorted)))

	return Summary{
		Mean:   mean,
		Median: percentile(sorted, 50),
		StdDev: std,
		P95:    percentile(sorted, 95),
		P99:    percentile(sorted, 99),
	}
}

// percentile uses nearest-rank on an already sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
