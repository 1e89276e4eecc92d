package report

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/raptorerrors"
)

func testSeries(values ...float64) model.Series {
	batch := time.Date(2015, 1, 15, 10, 0, 0, 0, time.UTC)
	series := model.Series{}
	for i, v := range values {
		series.Add("Suites.Reboot.System.osLogoEnd", model.SeriesPoint{
			Name:  "osLogoEnd",
			Time:  batch,
			Epoch: batch.Add(time.Duration(i) * time.Minute),
			Value: v,
			Tags:  map[string]string{"device": "flame"},
		})
	}
	return series
}

func TestMulti(t *testing.T) {
	var calls []string
	ok := Func(func(context.Context, model.Series) error {
		calls = append(calls, "ok")
		return nil
	})
	failing := Func(func(context.Context, model.Series) error {
		calls = append(calls, "failing")
		return errors.New("sink down")
	})

	err := Multi{failing, ok, Discard{}}.Report(context.Background(), testSeries(1))
	require.ErrorContains(t, err, "sink down")
	require.Equal(t, []string{"failing", "ok"}, calls)

	require.NoError(t, Multi{ok}.Report(context.Background(), testSeries(1)))
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), PointsFile)
	f := NewFile(path)

	require.NoError(t, f.Report(context.Background(), testSeries(5230)))
	require.NoError(t, f.Report(context.Background(), testSeries(5100)))

	series, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"Suites.Reboot.System.osLogoEnd"}, series.Keys())

	points := series["Suites.Reboot.System.osLogoEnd"]
	require.Len(t, points, 2)
	require.Equal(t, 5230.0, points[0].Value)
	require.Equal(t, 5100.0, points[1].Value)
	require.Equal(t, "flame", points[0].Tags["device"])

	require.Equal(t, 2, f.Series().Len())
}

func TestFile_Error(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "missing", PointsFile))
	err := f.Report(context.Background(), testSeries(1))

	var errReporting *raptorerrors.ErrReporting
	require.ErrorAs(t, err, &errReporting)
	require.Equal(t, "file", errReporting.Sink)
}

func TestSummarize(t *testing.T) {
	summaries := Summarize(testSeries(10, 20, 30, 40))
	require.Len(t, summaries, 1)

	s := summaries[0]
	require.Equal(t, "Suites.Reboot.System.osLogoEnd", s.Series)
	require.Equal(t, 4, s.Count)
	require.Equal(t, 25.0, s.Mean)
	require.Equal(t, 25.0, s.Median)
	require.Equal(t, 10.0, s.Min)
	require.Equal(t, 40.0, s.Max)
	require.Equal(t, 40.0, s.P95)
	require.InDelta(t, 11.18, s.StdDev, 0.01)

	summaries = Summarize(testSeries(3, 1, 2))
	require.Equal(t, 2.0, summaries[0].Median)
}

func TestSplitSeriesKey(t *testing.T) {
	tests := []struct {
		key  string
		want []string
	}{
		{key: "Suites.Reboot.System.osLogoEnd", want: []string{"Suites", "Reboot", "System", "osLogoEnd"}},
		{key: "Suites.Marionette.clock.gaiamobile.org.fullyLoaded", want: []string{"Suites", "Marionette", "clock.gaiamobile.org", "fullyLoaded"}},
		{key: "Suites.Reboot.name", want: []string{"Suites", "Reboot", "name"}},
		{key: "flat", want: []string{"flat"}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			require.Equal(t, tt.want, splitSeriesKey(tt.key))
		})
	}
}

func TestWriteProfile(t *testing.T) {
	series := testSeries(1000, 3000)
	series.Add("Suites.Reboot.System.osLogoStart", model.SeriesPoint{Name: "osLogoStart", Value: 500})

	var buf bytes.Buffer
	require.NoError(t, WriteProfile(&buf, series, time.Now()))

	prof, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.NoError(t, prof.CheckValid())
	require.Len(t, prof.Sample, 2)
	// Suites, Reboot, System shared, two leaves
	require.Len(t, prof.Location, 5)

	var leaves []string
	for _, s := range prof.Sample {
		require.Len(t, s.Location, 4)
		leaves = append(leaves, s.Location[0].Line[0].Function.Name)
		if s.Location[0].Line[0].Function.Name == "osLogoEnd" {
			require.Equal(t, []int64{2000000, 2}, s.Value)
		}
	}
	require.ElementsMatch(t, []string{"osLogoEnd", "osLogoStart"}, leaves)
}

func TestPushgateway(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewPushgateway(srv.URL, "", map[string]string{"device": "flame"})
	require.NoError(t, p.Report(context.Background(), testSeries(5230)))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, http.MethodPost, method)
	require.True(t, strings.HasPrefix(path, "/metrics/job/raptor"), path)
	require.Contains(t, path, "/device/flame")
	require.NotEmpty(t, body)
}

func TestPushgateway_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewPushgateway(srv.URL, "raptor", nil).Report(context.Background(), testSeries(1))
	var errReporting *raptorerrors.ErrReporting
	require.ErrorAs(t, err, &errReporting)
	require.Equal(t, "pushgateway", errReporting.Sink)
	require.False(t, raptorerrors.IsRetryable(err))
}

func TestPushgateway_Canceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	started := time.Now()
	err := NewPushgateway(srv.URL, "raptor", nil).Report(ctx, testSeries(1))
	require.Less(t, time.Since(started), 5*time.Second)

	var errReporting *raptorerrors.ErrReporting
	require.ErrorAs(t, err, &errReporting)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
