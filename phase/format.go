package phase

import (
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/perfgo/raptor/model"
)

// SeriesKey returns the series key of an entry reported by suite
func SeriesKey(suite, context, name string) string {
	return fmt.Sprintf("Suites.%s.%s.%s", suite, context, name)
}

// formatEntries projects a run's entries into series points.
//
// The entry named startMark is the run's origin and is not reported itself. Marks are
// reported as milliseconds since the origin, measures as their duration. When no start
// mark was received, fallback is used as the origin.
func formatEntries(suite, startMark string, fallback time.Time, entries []model.PerformanceEntry, opts Options) model.Series {
	origin := fallback
	if start, ok := lo.Find(entries, func(e model.PerformanceEntry) bool {
		return e.Name == startMark
	}); ok {
		origin = start.Epoch
	}

	series := model.Series{}
	for _, entry := range lo.Filter(entries, func(e model.PerformanceEntry, _ int) bool {
		return e.Name != startMark
	}) {
		value := model.Milliseconds(entry.Duration)
		if entry.EntryType == model.EntryTypeMark {
			value = model.Milliseconds(entry.Epoch.Sub(origin))
		}

		series.Add(SeriesKey(suite, entry.Context, entry.Name), model.SeriesPoint{
			Name:  entry.Name,
			Time:  opts.Time,
			Epoch: entry.Epoch,
			Value: value,
			Tags:  lo.Assign(opts.Tags),
		})
	}
	return series
}
