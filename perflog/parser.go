package perflog

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/perfgo/raptor/model"
)

const (
	// Tag is the log tag performance entries are written under
	Tag = "PerformanceTiming"
	// entryPrefix precedes the pipe separated entry fields
	entryPrefix = "Performance Entry: "
)

// ParseLine extracts a performance entry from a single device log line.
//
// Format: <logcat prefix> PerformanceTiming<...>: Performance Entry: context|type|name|start|duration|epoch
// where start, duration and epoch are fractional milliseconds. Lines that are not
// performance entries, or are malformed, return false.
func ParseLine(line string) (model.PerformanceEntry, bool) {
	tagIdx := strings.Index(line, Tag)
	if tagIdx < 0 {
		return model.PerformanceEntry{}, false
	}
	rest := line[tagIdx+len(Tag):]

	idx := strings.Index(rest, entryPrefix)
	if idx < 0 {
		return model.PerformanceEntry{}, false
	}
	fields := strings.Split(strings.TrimSpace(rest[idx+len(entryPrefix):]), "|")
	if len(fields) != 6 {
		return model.PerformanceEntry{}, false
	}

	entryType := model.EntryType(fields[1])
	if !entryType.Valid() || fields[2] == "" {
		return model.PerformanceEntry{}, false
	}

	startTime, err := parseMillis(fields[3])
	if err != nil {
		return model.PerformanceEntry{}, false
	}
	duration, err := parseMillis(fields[4])
	if err != nil {
		return model.PerformanceEntry{}, false
	}
	epoch, err := strconv.ParseFloat(fields[5], 64)
	if err != nil || math.IsNaN(epoch) || math.IsInf(epoch, 0) {
		return model.PerformanceEntry{}, false
	}

	return model.PerformanceEntry{
		Context:   fields[0],
		EntryType: entryType,
		Name:      fields[2],
		StartTime: startTime,
		Duration:  duration,
		Epoch:     epochTime(epoch),
	}, true
}

// Parse reads a captured device log and returns all performance entries in order
func Parse(reader io.Reader) ([]model.PerformanceEntry, error) {
	var entries []model.PerformanceEntry

	scanner := bufio.NewScanner(reader)
	// logcat lines carrying long contexts can exceed the default token size
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if entry, ok := ParseLine(scanner.Text()); ok {
			entries = append(entries, entry)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading input: %w", err)
	}

	return entries, nil
}

// FormatMark renders the message written to the device log for a host side mark
func FormatMark(context, name string, at time.Time) string {
	return fmt.Sprintf("%s%s|%s|%s|0.000|0.000|%d.%03d",
		entryPrefix, context, model.EntryTypeMark, name, at.UnixMilli(), at.Nanosecond()/1000%1000)
}

// epochTime converts fractional unix milliseconds without losing whole millisecond precision
func epochTime(ms float64) time.Time {
	whole := math.Floor(ms)
	return time.UnixMilli(int64(whole)).Add(time.Duration((ms - whole) * float64(time.Millisecond)))
}

func parseMillis(s string) (time.Duration, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("invalid milliseconds: %s", s)
	}
	return time.Duration(v * float64(time.Millisecond)), nil
}
