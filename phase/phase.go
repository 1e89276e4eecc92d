// Package phase runs a performance test phase: a fixed number of timed runs against
// one device, each retried within a per-run budget, with every successful run's
// entries formatted and reported.
package phase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/perfgo/raptor/device"
	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/raptorerrors"
	"github.com/perfgo/raptor/report"
)

// Phase is the behavior of a concrete phase
type Phase interface {
	// Name is the title used in series keys and logs
	Name() string
	// Setup prepares the device and starts listening for the attempt
	Setup(ctx context.Context, run *Run) error
	// TestRun blocks until the run's end condition is observed. ctx carries the run timeout.
	TestRun(ctx context.Context, run *Run) error
	// Retry runs before an attempt is repeated
	Retry(ctx context.Context, run *Run) error
	// Format projects the run's entries into series points
	Format(run *Run, entries []model.PerformanceEntry) model.Series
}

var variants = map[Kind]func(*Options) (Phase, error){
	KindMarionette: newMarionette,
	KindReboot:     newReboot,
}

// Deps are the collaborators of a phase
type Deps struct {
	Logger   zerolog.Logger
	Provider device.Provider
	// Reporter receives every successful run's points, discarded when nil
	Reporter report.Reporter
}

// State of a phase
type State int

const (
	StateCreated State = iota
	StateAcquiringDevice
	StateReady
	StateRunning
	StateRetrying
	StateSucceeded
	StateFailed
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAcquiringDevice:
		return "acquiring device"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LifecycleKind identifies a lifecycle event of a phase
type LifecycleKind string

const (
	// LifecycleReady is emitted once the phase can run
	LifecycleReady LifecycleKind = "ready"
	// LifecycleError is emitted once when the phase aborts
	LifecycleError LifecycleKind = "error"
	// LifecycleEnd is emitted once all runs succeeded
	LifecycleEnd LifecycleKind = "end"
)

// Lifecycle is delivered to lifecycle listeners
type Lifecycle struct {
	Kind  LifecycleKind
	Phase *RunPhase
	// Err is the cause of an error event
	Err error
}

// Stats counts the attempts of a phase
type Stats struct {
	Attempts  int
	Succeeded int
	Retries   int
	Elapsed   time.Duration
}

// RunPhase drives the runs of a Phase
type RunPhase struct {
	logger   zerolog.Logger
	kind     Kind
	opts     Options
	phase    Phase
	provider device.Provider
	reporter report.Reporter

	mu            sync.Mutex
	state         State
	device        device.Device
	stats         Stats
	series        model.Series
	handlerErrors []error
	err           error
	listeners     map[LifecycleKind][]func(Lifecycle)
	entryHandlers []func(model.PerformanceEntry) error
}

// New creates a phase of the given kind. Invalid options are reported here, before anything runs.
func New(kind Kind, opts Options, deps Deps) (*RunPhase, error) {
	variant, ok := variants[kind]
	if !ok {
		return nil, &raptorerrors.ErrConfiguration{Name: "phase", Value: kind, Message: "unknown phase"}
	}
	if deps.Provider == nil {
		return nil, &raptorerrors.ErrConfiguration{Name: "device", Message: "no device provider"}
	}

	opts = opts.WithApp(opts.App)
	if opts.Time.IsZero() {
		opts.Time = time.Now()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	phase, err := variant(&opts)
	if err != nil {
		return nil, err
	}

	reporter := deps.Reporter
	if reporter == nil {
		reporter = report.Discard{}
	}

	logger := deps.Logger.With().Str("phase", phase.Name()).Logger()
	if opts.App != "" {
		logger = logger.With().Str("app", opts.App).Logger()
	}

	return &RunPhase{
		logger:    logger,
		kind:      kind,
		opts:      opts,
		phase:     phase,
		provider:  deps.Provider,
		reporter:  reporter,
		series:    model.Series{},
		listeners: make(map[LifecycleKind][]func(Lifecycle)),
	}, nil
}

// Kind returns the kind the phase was created with
func (p *RunPhase) Kind() Kind {
	return p.kind
}

// Name returns the title of the concrete phase
func (p *RunPhase) Name() string {
	return p.phase.Name()
}

// Options returns the validated options
func (p *RunPhase) Options() Options {
	return p.opts
}

// On registers fn for lifecycle events of kind. Listeners run on the goroutine driving the phase.
func (p *RunPhase) On(kind LifecycleKind, fn func(Lifecycle)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners[kind] = append(p.listeners[kind], fn)
}

// OnEntry registers fn for every performance entry received by later attempts.
// An error returned by fn is accumulated as a handler error, it never fails the run.
func (p *RunPhase) OnEntry(fn func(model.PerformanceEntry) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entryHandlers = append(p.entryHandlers, fn)
}

func (p *RunPhase) entryListeners() []func(model.PerformanceEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]func(model.PerformanceEntry) error(nil), p.entryHandlers...)
}

// Start acquires the device and starts its log stream, unless the phase acquires the
// device itself, then emits ready.
func (p *RunPhase) Start(ctx context.Context) error {
	if state := p.State(); state != StateCreated {
		return fmt.Errorf("cannot start phase in state %s", state)
	}

	p.setState(StateAcquiringDevice)
	if !p.opts.PreventDispatching {
		startCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		err := p.startLog(startCtx)
		cancel()
		if err != nil {
			p.abort(err)
			return err
		}
	}

	p.setState(StateReady)
	p.logger.Debug().Msg("Phase ready")
	p.emit(Lifecycle{Kind: LifecycleReady, Phase: p})
	return nil
}

// Run performs all runs in order. It returns the error the phase aborted with, after
// it was emitted to error listeners.
func (p *RunPhase) Run(ctx context.Context) error {
	if state := p.State(); state != StateReady {
		return fmt.Errorf("cannot run phase in state %s", state)
	}

	started := time.Now()
	defer func() {
		p.mu.Lock()
		p.stats.Elapsed = time.Since(started)
		p.mu.Unlock()
	}()

	for index := 1; index <= p.opts.Runs; index++ {
		if err := p.runIndex(ctx, index); err != nil {
			p.logger.Error().Err(err).Int("run", index).Msg("Run failed")
			p.abort(err)
			return err
		}
	}

	p.setState(StateCompleted)
	p.logger.Info().Int("runs", p.opts.Runs).Msg("Phase completed")
	p.emit(Lifecycle{Kind: LifecycleEnd, Phase: p})
	return nil
}

// startLog acquires the device and starts its log stream
func (p *RunPhase) startLog(ctx context.Context) error {
	dev, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	return dev.Log().Restart(ctx)
}

// runIndex attempts run index until it succeeds, fails with a non-retryable error or
// the retry budget is exhausted
func (p *RunPhase) runIndex(ctx context.Context, index int) error {
	var (
		attempt int
		failed  *Run
		lastErr error
	)

	err := retry.Do(
		func() error {
			attempt++
			if failed != nil {
				p.setState(StateRetrying)
				p.mu.Lock()
				p.stats.Retries++
				p.mu.Unlock()

				failed.Logger.Info().Err(lastErr).Msg("Retrying run")
				if lastErr = p.phase.Retry(ctx, failed); lastErr != nil {
					return lastErr
				}
			}

			run := p.newRun(index, attempt)
			if lastErr = p.attempt(ctx, run); lastErr != nil {
				p.setState(StateFailed)
				run.Logger.Warn().Err(lastErr).Msg("Run attempt failed")
				failed = run
			}
			return lastErr
		},
		retry.Attempts(uint(p.opts.Retries)+1),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(raptorerrors.IsRetryable),
	)
	if err != nil {
		return lastErr
	}
	return nil
}

func (p *RunPhase) newRun(index, attempt int) *Run {
	return &Run{
		Index:   index,
		Attempt: attempt,
		Logger:  p.logger.With().Int("run", index).Int("attempt", attempt).Logger(),
		Options: p.opts,
		Started: time.Now(),
		owner:   p,
	}
}

// attempt performs one attempt of a run. The run is torn down before its entries are
// formatted so late entries never reach the results.
func (p *RunPhase) attempt(ctx context.Context, run *Run) error {
	defer run.close()

	p.setState(StateRunning)
	p.mu.Lock()
	p.stats.Attempts++
	p.mu.Unlock()

	// device actions and the end condition each get their own timeout window
	run.Logger.Debug().Msg("Setting up run")
	setupCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	err := p.phase.Setup(setupCtx, run)
	cancel()
	if err != nil {
		return p.deadline(ctx, run, err)
	}

	testCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	err = p.phase.TestRun(testCtx, run)
	cancel()
	if err != nil {
		return p.deadline(ctx, run, err)
	}
	run.close()

	series := p.phase.Format(run, run.Entries())
	if err := p.reporter.Report(ctx, series); err != nil {
		var errReporting *raptorerrors.ErrReporting
		if !errors.As(err, &errReporting) {
			err = &raptorerrors.ErrReporting{Err: err}
		}
		return err
	}

	p.mu.Lock()
	p.stats.Succeeded++
	p.series.Merge(series)
	p.mu.Unlock()

	p.setState(StateSucceeded)
	run.Logger.Info().
		Int("points", series.Len()).
		Dur("took", time.Since(run.Started)).
		Msg("Run succeeded")
	return nil
}

// deadline maps an expired timeout window to ErrTimeout. Cancellation of ctx itself is returned as is.
func (p *RunPhase) deadline(ctx context.Context, run *Run, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &raptorerrors.ErrTimeout{Run: run.Index, Attempt: run.Attempt, Timeout: p.opts.Timeout}
	}
	return err
}

// acquire returns the device, acquiring it from the provider on first use
func (p *RunPhase) acquire(ctx context.Context) (device.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.device != nil {
		return p.device, nil
	}
	dev, err := p.provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	p.logger.Debug().Str("serial", dev.Serial()).Msg("Acquired device")
	p.device = dev
	return dev, nil
}

func (p *RunPhase) abort(err error) {
	p.mu.Lock()
	if p.state == StateAborted {
		p.mu.Unlock()
		return
	}
	p.state = StateAborted
	p.err = err
	p.mu.Unlock()

	p.emit(Lifecycle{Kind: LifecycleError, Phase: p, Err: err})
}

func (p *RunPhase) emit(event Lifecycle) {
	p.mu.Lock()
	listeners := append([]func(Lifecycle){}, p.listeners[event.Kind]...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

func (p *RunPhase) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *RunPhase) addHandlerError(err error) {
	p.logger.Warn().Err(err).Msg("Event listener failed")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlerErrors = append(p.handlerErrors, err)
}

// State returns the current state
func (p *RunPhase) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the error the phase aborted with
func (p *RunPhase) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Device returns the acquired device, nil if none was acquired yet
func (p *RunPhase) Device() device.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

// Stats returns the attempt counters
func (p *RunPhase) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Series returns every point reported so far
func (p *RunPhase) Series() model.Series {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := model.Series{}
	out.Merge(p.series)
	return out
}

// HandlerErrors returns the errors raised by event listeners. They never fail a run.
func (p *RunPhase) HandlerErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.handlerErrors...)
}
