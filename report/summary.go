package report

import (
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/perfgo/raptor/model"
)

// Summary holds statistics over all points of a series, values in milliseconds
type Summary struct {
	Series string
	Count  int
	Mean   float64
	Median float64
	Min    float64
	Max    float64
	P95    float64
	StdDev float64
}

// Summarize computes statistics for every series, ordered by series key
func Summarize(series model.Series) []Summary {
	summaries := make([]Summary, 0, len(series))
	for _, key := range series.Keys() {
		values := lo.Map(series[key], func(p model.SeriesPoint, _ int) float64 {
			return p.Value
		})
		if len(values) == 0 {
			continue
		}
		summaries = append(summaries, summarize(key, values))
	}
	return summaries
}

func summarize(key string, values []float64) Summary {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	n := len(sorted)
	mean := lo.Sum(sorted) / float64(n)

	var variance float64
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)

	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	return Summary{
		Series: key,
		Count:  n,
		Mean:   mean,
		Median: median,
		Min:    sorted[0],
		Max:    sorted[n-1],
		P95:    percentile(sorted, 95),
		StdDev: math.Sqrt(variance),
	}
}

// percentile uses the nearest-rank method on sorted values
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
