package report

// This file contains the Prometheus Pushgateway sink.

import (
	"context"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/samber/lo"

	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/raptorerrors"
)

// DefaultJob is the Pushgateway job name used when none is configured
const DefaultJob = "raptor"

// Pushgateway pushes the last point of every series as a gauge
type Pushgateway struct {
	url      string
	job      string
	grouping map[string]string
	client   push.HTTPDoer
}

// NewPushgateway creates a sink pushing to the gateway at url. Grouping labels
// identify the batch, typically the environment descriptors.
func NewPushgateway(url, job string, grouping map[string]string) *Pushgateway {
	if job == "" {
		job = DefaultJob
	}
	return &Pushgateway{
		url:      url,
		job:      job,
		grouping: lo.Assign(grouping),
		client:   http.DefaultClient,
	}
}

// Report implements Reporter
func (p *Pushgateway) Report(ctx context.Context, series model.Series) error {
	if series.Len() == 0 {
		return nil
	}

	value := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "raptor_series_value_milliseconds",
		Help: "Last reported value of a performance series.",
	}, []string{"series", "name"})
	points := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "raptor_series_points",
		Help: "Number of points in the reported batch.",
	}, []string{"series"})

	for _, key := range series.Keys() {
		pts := series[key]
		last := pts[len(pts)-1]
		value.WithLabelValues(key, last.Name).Set(last.Value)
		points.WithLabelValues(key).Add(float64(len(pts)))
	}

	pusher := push.New(p.url, p.job).
		Client(p.client).
		Collector(value).
		Collector(points)

	keys := lo.Keys(p.grouping)
	sort.Strings(keys)
	for _, k := range keys {
		pusher = pusher.Grouping(k, p.grouping[k])
	}

	if err := pusher.AddContext(ctx); err != nil {
		return &raptorerrors.ErrReporting{Sink: "pushgateway", Err: err}
	}
	return nil
}
