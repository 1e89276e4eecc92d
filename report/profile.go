package report

// This file contains the conversion of reported series into a pprof profile, so
// results can be browsed with `go tool pprof` like any other profile.

import (
	"io"
	"strings"
	"time"

	"github.com/google/pprof/profile"

	"github.com/perfgo/raptor/model"
)

// ProfileFile is the name of the profile inside a history directory
const ProfileFile = "marks.pb.gz"

// profileBuilder builds a profile whose stacks are series keys
type profileBuilder struct {
	profile   *profile.Profile
	functions map[string]*profile.Function
	locations map[string]*profile.Location
}

// WriteProfile writes series as a gzipped pprof profile.
//
// Every series becomes one stack (Suites -> phase -> context -> name) with two sample
// values: the mean in microseconds and the number of points.
func WriteProfile(w io.Writer, series model.Series, at time.Time) error {
	b := &profileBuilder{
		profile: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: "mean", Unit: "microseconds"},
				{Type: "points", Unit: "count"},
			},
			TimeNanos:  at.UnixNano(),
			PeriodType: &profile.ValueType{Type: "runs", Unit: "count"},
			Period:     1,
		},
		functions: make(map[string]*profile.Function),
		locations: make(map[string]*profile.Location),
	}

	for _, s := range Summarize(series) {
		b.addSample(splitSeriesKey(s.Series), int64(s.Mean*1000), int64(s.Count))
	}

	if err := b.profile.CheckValid(); err != nil {
		return err
	}
	return b.profile.Write(w)
}

// splitSeriesKey splits "Suites.<phase>.<context>.<name>" into its frames, root first.
// Contexts may contain dots (app origins) so only the outer separators are used.
func splitSeriesKey(key string) []string {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) < 3 {
		return []string{key}
	}
	rest := parts[2]
	idx := strings.LastIndex(rest, ".")
	if idx < 0 {
		return []string{parts[0], parts[1], rest}
	}
	return []string{parts[0], parts[1], rest[:idx], rest[idx+1:]}
}

// addSample adds a sample for the stack given root first
func (b *profileBuilder) addSample(frames []string, mean, count int64) {
	stack := make([]*profile.Location, 0, len(frames))
	// pprof stacks are leaf first
	for i := len(frames) - 1; i >= 0; i-- {
		stack = append(stack, b.getOrCreateLocation(strings.Join(frames[:i+1], "."), frames[i]))
	}

	b.profile.Sample = append(b.profile.Sample, &profile.Sample{
		Location: stack,
		Value:    []int64{mean, count},
	})
}

// getOrCreateLocation gets or creates the location of a frame, keyed by its full path
func (b *profileBuilder) getOrCreateLocation(path, name string) *profile.Location {
	if loc, exists := b.locations[path]; exists {
		return loc
	}

	loc := &profile.Location{
		ID: uint64(len(b.profile.Location) + 1),
		Line: []profile.Line{
			{Function: b.getOrCreateFunction(path, name)},
		},
	}
	b.locations[path] = loc
	b.profile.Location = append(b.profile.Location, loc)
	return loc
}

// getOrCreateFunction gets or creates a function
func (b *profileBuilder) getOrCreateFunction(path, name string) *profile.Function {
	if fn, exists := b.functions[path]; exists {
		return fn
	}

	fn := &profile.Function{
		ID:         uint64(len(b.profile.Function) + 1),
		Name:       name,
		SystemName: path,
	}
	b.functions[path] = fn
	b.profile.Function = append(b.profile.Function, fn)
	return fn
}
