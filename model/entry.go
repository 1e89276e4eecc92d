package model

import (
	"sort"
	"time"
)

// EntryType identifies the kind of a performance entry
type EntryType string

const (
	EntryTypeMark    EntryType = "mark"
	EntryTypeMeasure EntryType = "measure"
)

// Valid reports whether t is one of the known entry types
func (t EntryType) Valid() bool {
	return t == EntryTypeMark || t == EntryTypeMeasure
}

// PerformanceEntry is a single timing record emitted by the device
type PerformanceEntry struct {
	// Name of the mark or measure (e.g. "osLogoEnd")
	Name string `json:"name"`
	// Context groups entries by emitter (e.g. "System", an app origin)
	Context string `json:"context"`
	// EntryType is either mark or measure
	EntryType EntryType `json:"entryType"`
	// StartTime relative to the emitter's time origin
	StartTime time.Duration `json:"startTime"`
	// Duration of a measure, zero for marks
	Duration time.Duration `json:"duration"`
	// Epoch is the wall clock time the entry was received on the host
	Epoch time.Time `json:"epoch"`
}

// SeriesPoint is one formatted measurement ready for reporting
type SeriesPoint struct {
	// Name of the originating entry
	Name string `json:"name"`
	// Time identifies the test batch the point belongs to
	Time time.Time `json:"time"`
	// Epoch of the originating entry
	Epoch time.Time `json:"epoch"`
	// Value in milliseconds
	Value float64 `json:"value"`
	// Tags are environment descriptors merged into the point
	Tags map[string]string `json:"tags,omitempty"`
}

// Series maps a series key ("Suites.<Phase>.<context>.<name>") to its points
type Series map[string][]SeriesPoint

// Add appends a point to the series stored under key
func (s Series) Add(key string, p SeriesPoint) {
	s[key] = append(s[key], p)
}

// Merge appends every point of other, preserving order per key
func (s Series) Merge(other Series) {
	for key, points := range other {
		s[key] = append(s[key], points...)
	}
}

// Keys returns the series keys in lexical order
func (s Series) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the total number of points across all keys
func (s Series) Len() int {
	n := 0
	for _, points := range s {
		n += len(points)
	}
	return n
}

// Milliseconds converts a duration to fractional milliseconds
func Milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
