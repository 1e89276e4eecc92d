// Package suite runs a phase for every target in sequence and accumulates the
// errors of all targets into one result.
package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/perfgo/raptor/config"
	"github.com/perfgo/raptor/device"
	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/phase"
	"github.com/perfgo/raptor/report"
)

var errNotFinished = errors.New("phase did not complete or abort")

// Config configures a suite
type Config struct {
	// Kind of phase run for every target
	Kind phase.Kind
	// Options shared by every target
	Options phase.Options
	// App and Apps override Targets, App taking precedence
	App  string
	Apps []string
	// Targets are the configured targets
	Targets []string
	// Provider acquires the device for every target
	Provider device.Provider
	// Reporter receives the points of every run
	Reporter report.Reporter
}

// ReadyFunc is called once a target's phase is ready. It is expected to run the phase.
type ReadyFunc func(ctx context.Context, p *phase.RunPhase) error

// DefaultReady runs all runs of the phase
func DefaultReady(ctx context.Context, p *phase.RunPhase) error {
	return p.Run(ctx)
}

// TargetResult is the outcome of one target
type TargetResult struct {
	// App is empty when the suite ran without targets
	App   string
	State phase.State
	Stats phase.Stats
	// Series holds every point reported for the target
	Series model.Series
	// Err is the error the target failed with
	Err error
	// HandlerErrors are listener failures. They did not fail a run but are part of the suite's errors.
	HandlerErrors []error
}

// Result is the outcome of a suite
type Result struct {
	Targets []TargetResult
	// Errors accumulated across all targets, nil if none failed
	Errors *multierror.Error
}

// Err returns the accumulated errors, nil if every target succeeded
func (r *Result) Err() error {
	return r.Errors.ErrorOrNil()
}

// ExitCode returns the process exit code for the result
func (r *Result) ExitCode() int {
	if r.Err() != nil {
		return 1
	}
	return 0
}

// Series merges the series of all targets
func (r *Result) Series() model.Series {
	out := model.Series{}
	for _, t := range r.Targets {
		out.Merge(t.Series)
	}
	return out
}

// PrintErrors writes the error summary, nothing when no target failed
func (r *Result) PrintErrors(w io.Writer) {
	if r.Err() == nil {
		return
	}

	color.New(color.Bold).Fprintln(w, "Error summary:")
	for _, err := range r.Errors.Errors {
		color.New(color.FgRed).Fprintf(w, "\n%s\n", err)
	}
}

// PrintSummary writes one line per target
func (r *Result) PrintSummary(w io.Writer) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	for _, t := range r.Targets {
		name := t.App
		if name == "" {
			name = "(device)"
		}
		line := fmt.Sprintf("%s: %d/%d runs succeeded, %d retries, %s",
			name, t.Stats.Succeeded, t.Stats.Attempts, t.Stats.Retries, t.Stats.Elapsed.Round(time.Millisecond))
		if t.Err != nil {
			red.Fprintf(w, "✗ %s\n", line)
			continue
		}
		green.Fprintf(w, "✓ %s\n", line)
	}
}

// Suite coordinates the phases of all targets
type Suite struct {
	logger  zerolog.Logger
	cfg     Config
	targets []string
}

// New creates a suite. The targets are resolved once, here.
func New(logger zerolog.Logger, cfg Config) *Suite {
	return &Suite{
		logger:  logger,
		cfg:     cfg,
		targets: config.ResolveTargets(cfg.App, cfg.Apps, cfg.Targets),
	}
}

// Targets returns the resolved targets, empty when running without targets
func (s *Suite) Targets() []string {
	return append([]string(nil), s.targets...)
}

// Run processes every target in order. A failing target never stops the next one.
func (s *Suite) Run(ctx context.Context, ready ReadyFunc) *Result {
	if ready == nil {
		ready = DefaultReady
	}

	targets := s.targets
	if len(targets) == 0 {
		targets = []string{""}
	}

	result := &Result{}
	var last *phase.RunPhase
	for _, app := range targets {
		if err := ctx.Err(); err != nil {
			result.Errors = multierror.Append(result.Errors, targetError(app, err))
			break
		}

		if last != nil {
			s.stopLog(last)
		}

		p, tr := s.runTarget(ctx, app, ready)
		if p != nil {
			last = p
		}
		if tr.Err != nil {
			result.Errors = multierror.Append(result.Errors, targetError(app, tr.Err))
		}
		for _, err := range tr.HandlerErrors {
			result.Errors = multierror.Append(result.Errors, targetError(app, err))
		}
		result.Targets = append(result.Targets, tr)
	}

	s.complete(last)
	return result
}

// runTarget runs the phase of one target and waits for its error or end
func (s *Suite) runTarget(ctx context.Context, app string, ready ReadyFunc) (*phase.RunPhase, TargetResult) {
	logger := s.logger
	if app != "" {
		logger = logger.With().Str("app", app).Logger()
	}
	tr := TargetResult{App: app}

	p, err := phase.New(s.cfg.Kind, s.cfg.Options.WithApp(app), phase.Deps{
		Logger:   s.logger,
		Provider: s.cfg.Provider,
		Reporter: s.cfg.Reporter,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Suite aborted due to error")
		tr.Err = err
		return nil, tr
	}

	var (
		isReady bool
		failed  error
		ended   bool
	)
	p.On(phase.LifecycleReady, func(phase.Lifecycle) { isReady = true })
	p.On(phase.LifecycleError, func(ev phase.Lifecycle) { failed = ev.Err })
	p.On(phase.LifecycleEnd, func(phase.Lifecycle) { ended = true })

	logger.Info().Str("phase", p.Name()).Msg("Starting phase")
	if err := p.Start(ctx); err == nil && isReady {
		if err := ready(ctx, p); err != nil && failed == nil {
			failed = err
		}
	}

	switch {
	case failed != nil:
		logger.Error().Err(failed).Msg("Suite aborted due to error")
		tr.Err = failed
	case !ended:
		tr.Err = errNotFinished
		logger.Error().Err(tr.Err).Msg("Suite aborted due to error")
	}

	if err := p.LogStats(); err != nil {
		logger.Debug().Err(err).Msg("No statistics")
	}

	tr.State = p.State()
	tr.Stats = p.Stats()
	tr.Series = p.Series()
	tr.HandlerErrors = p.HandlerErrors()
	return p, tr
}

// complete stops the last device log stream
func (s *Suite) complete(last *phase.RunPhase) {
	if last != nil {
		s.stopLog(last)
	}
	s.logger.Info().Msg("Testing complete")
}

func (s *Suite) stopLog(p *phase.RunPhase) {
	dev := p.Device()
	if dev == nil {
		return
	}
	if err := dev.Log().Stop(); err != nil {
		s.logger.Warn().Err(err).Str("serial", dev.Serial()).Msg("Failed to stop device log")
	}
}

func targetError(app string, err error) error {
	if app == "" {
		return err
	}
	return fmt.Errorf("%s: %w", app, err)
}
