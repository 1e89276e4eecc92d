package phase

import (
	"fmt"

	"github.com/perfgo/raptor/report"
)

// LogStats logs the attempt counters and a summary of every reported series.
// It may only be called once the phase completed or aborted.
func (p *RunPhase) LogStats() error {
	state := p.State()
	if state != StateCompleted && state != StateAborted {
		return fmt.Errorf("cannot log stats of phase in state %s", state)
	}

	stats := p.Stats()
	p.logger.Info().
		Int("runs", p.opts.Runs).
		Int("attempted", stats.Attempts).
		Int("succeeded", stats.Succeeded).
		Int("retried", stats.Retries).
		Dur("elapsed", stats.Elapsed).
		Str("state", state.String()).
		Msg("Phase statistics")

	for _, s := range report.Summarize(p.Series()) {
		p.logger.Info().
			Str("series", s.Series).
			Int("count", s.Count).
			Float64("mean", s.Mean).
			Float64("median", s.Median).
			Float64("min", s.Min).
			Float64("max", s.Max).
			Float64("p95", s.P95).
			Float64("stddev", s.StdDev).
			Msg("Series summary")
	}
	return nil
}
