package phase

import (
	"context"
	"time"

	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/raptorerrors"
)

// MarionetteStartMark is the start mark written when none is configured
const MarionetteStartMark = "deviceMarionette"

// marionette waits for a configured end mark emitted while a UI automation drives the device
type marionette struct {
	startMark string
	endMark   string
}

func newMarionette(opts *Options) (Phase, error) {
	endMark := opts.Marks[MarkEnd]
	if endMark == "" {
		return nil, &raptorerrors.ErrConfiguration{
			Name:    "marks.end",
			Message: "can't determine when to flush logs",
		}
	}
	return &marionette{
		startMark: opts.Mark(MarkStart, MarionetteStartMark),
		endMark:   endMark,
	}, nil
}

func (m *marionette) Name() string {
	return "Marionette"
}

// Setup clears the device log, marks the start of the run and begins listening
func (m *marionette) Setup(ctx context.Context, run *Run) error {
	dev, err := run.Device(ctx)
	if err != nil {
		return err
	}

	log := dev.Log()
	at, err := log.Clear(ctx)
	if err != nil {
		return err
	}
	if run.StartEpoch, err = log.Mark(ctx, m.startMark, at); err != nil {
		return err
	}
	if err := log.Restart(ctx); err != nil {
		return err
	}

	run.Listen(log)
	return nil
}

// TestRun resolves once an entry named after the end mark arrives
func (m *marionette) TestRun(ctx context.Context, run *Run) error {
	return run.await(ctx,
		func(entry *model.PerformanceEntry) {
			if entry.Name == m.startMark {
				entry.Epoch = run.StartEpoch
				return
			}
			entry.Epoch = time.Now()
		},
		func(entry model.PerformanceEntry) bool {
			return entry.Name == m.endMark
		},
	)
}

// Retry does nothing, the next attempt runs under the same conditions
func (m *marionette) Retry(ctx context.Context, run *Run) error {
	return nil
}

func (m *marionette) Format(run *Run, entries []model.PerformanceEntry) model.Series {
	return formatEntries(m.Name(), m.startMark, run.StartEpoch, entries, run.Options)
}
