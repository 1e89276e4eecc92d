package report

// This file contains the JSON lines sink writing points into the run's history directory.

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/raptorerrors"
)

// PointsFile is the name of the points file inside a history directory
const PointsFile = "points.jsonl"

type fileRecord struct {
	Series string            `json:"series"`
	Point  model.SeriesPoint `json:"point"`
}

// File appends one JSON record per point to a file and keeps everything it reported
type File struct {
	path string

	mu     sync.Mutex
	series model.Series
}

// NewFile creates a sink appending to path
func NewFile(path string) *File {
	return &File{
		path:   path,
		series: model.Series{},
	}
}

// Path returns the file written to
func (f *File) Path() string {
	return f.path
}

// Report implements Reporter
func (f *File) Report(ctx context.Context, series model.Series) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return &raptorerrors.ErrReporting{Sink: "file", Err: err}
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	for _, key := range series.Keys() {
		for _, point := range series[key] {
			if err := enc.Encode(fileRecord{Series: key, Point: point}); err != nil {
				return &raptorerrors.ErrReporting{Sink: "file", Err: err}
			}
		}
	}
	if err := w.Flush(); err != nil {
		return &raptorerrors.ErrReporting{Sink: "file", Err: err}
	}

	f.series.Merge(series)
	return nil
}

// Series returns a copy of everything reported so far
func (f *File) Series() model.Series {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := model.Series{}
	out.Merge(f.series)
	return out
}

// ReadFile loads the series stored in a points file
func ReadFile(path string) (model.Series, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	series := model.Series{}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var rec fileRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse %s:%d: %w", path, line, err)
		}
		series.Add(rec.Series, rec.Point)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading input: %w", err)
	}

	return series, nil
}
