package phase

// This file contains the per-attempt run context handed to a phase's override points.

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfgo/raptor/device"
	"github.com/perfgo/raptor/dispatcher"
	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/perflog"
	"github.com/perfgo/raptor/raptorerrors"
)

var errNotListening = errors.New("run is not listening to a device log")

// Run is one attempt of one run index
type Run struct {
	// Index of the run, starting at 1
	Index int
	// Attempt for this index, starting at 1
	Attempt int
	// Logger carries the phase, app, run and attempt fields
	Logger zerolog.Logger
	// Options of the owning phase
	Options Options
	// Started is the host time the attempt began
	Started time.Time
	// StartEpoch is the host time of the run's start mark
	StartEpoch time.Time

	owner *RunPhase

	mu         sync.Mutex
	entries    []model.PerformanceEntry
	dispatcher *dispatcher.Dispatcher
	closed     bool
}

// Device returns the phase's device, acquiring it on first use
func (r *Run) Device(ctx context.Context) (device.Device, error) {
	return r.owner.acquire(ctx)
}

// Listen creates the attempt's dispatcher reading src, with the performance entry
// parser registered, performance entries captured and the phase's entry listeners
// subscribed. A previous dispatcher is closed.
func (r *Run) Listen(src dispatcher.Source) *dispatcher.Dispatcher {
	d := dispatcher.New(r.Logger, src)
	d.RegisterParser(dispatcher.EntryParser(dispatcher.EventPerformanceEntry, perflog.ParseLine))
	d.Capture(dispatcher.EventPerformanceEntry)
	for _, fn := range r.owner.entryListeners() {
		d.On(dispatcher.EventPerformanceEntry, func(ev dispatcher.Event) error {
			return fn(ev.Entry)
		})
	}

	r.mu.Lock()
	prev := r.dispatcher
	r.dispatcher = d
	closed := r.closed
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	if closed {
		d.Close()
	}
	return d
}

// Dispatcher returns the attempt's dispatcher, nil before Listen
func (r *Run) Dispatcher() *dispatcher.Dispatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatcher
}

// Record appends an entry to the run's results. Entries recorded after the
// attempt was torn down are dropped.
func (r *Run) Record(entry model.PerformanceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.entries = append(r.entries, entry)
}

// Entries returns the recorded entries in arrival order
func (r *Run) Entries() []model.PerformanceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.PerformanceEntry(nil), r.entries...)
}

// close tears the attempt down: the dispatcher stops and drops its listeners
func (r *Run) close() {
	r.mu.Lock()
	d := r.dispatcher
	r.closed = true
	r.mu.Unlock()

	if d != nil {
		d.Close()
	}
}

// await starts the run's dispatcher and records every performance entry, stamped by
// stamp, until done reports the end condition, the source fails or ctx ends.
// The entry listener removes itself once done, so later entries are not recorded.
func (r *Run) await(ctx context.Context, stamp func(*model.PerformanceEntry), done func(model.PerformanceEntry) bool) error {
	d := r.Dispatcher()
	if d == nil {
		return errNotListening
	}

	finished := make(chan struct{})
	failed := make(chan error, 1)

	var (
		once sync.Once
		id   dispatcher.ListenerID
	)
	id = d.On(dispatcher.EventPerformanceEntry, func(ev dispatcher.Event) error {
		entry := ev.Entry
		stamp(&entry)
		r.Record(entry)
		r.Logger.Debug().
			Str("context", entry.Context).
			Str("name", entry.Name).
			Msg("Received performance entry")

		if done(entry) {
			d.RemoveListener(dispatcher.EventPerformanceEntry, id)
			once.Do(func() { close(finished) })
		}
		return nil
	})
	d.On(dispatcher.EventError, func(ev dispatcher.Event) error {
		var errHandler *raptorerrors.ErrHandler
		if errors.As(ev.Err, &errHandler) {
			r.owner.addHandlerError(ev.Err)
			return nil
		}
		select {
		case failed <- ev.Err:
		default:
		}
		return nil
	})

	d.Start(ctx)

	select {
	case <-finished:
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
