package phase

import (
	"context"
	"time"

	"github.com/perfgo/raptor/device"
	"github.com/perfgo/raptor/model"
)

const (
	// RebootMark is the synthetic entry marking the moment the reboot was issued
	RebootMark = "deviceReboot"
	// BootContext and BootEndMark identify the entry that ends a reboot run
	BootContext = "System"
	BootEndMark = "osLogoEnd"
)

// reboot measures boot time. Rebooting kills the log stream, so the dispatcher is
// only created after the device is back.
type reboot struct{}

func newReboot(opts *Options) (Phase, error) {
	opts.PreventDispatching = true
	return &reboot{}, nil
}

func (r *reboot) Name() string {
	return "Reboot"
}

// Setup clears the device log, reboots and begins listening to the fresh log stream.
// The run's origin is taken from the host clock since the device clock is unreliable
// across reboots.
func (r *reboot) Setup(ctx context.Context, run *Run) error {
	dev, err := run.Device(ctx)
	if err != nil {
		return err
	}

	log := dev.Log()
	if _, err := log.Clear(ctx); err != nil {
		return err
	}

	run.StartEpoch = time.Now()
	run.Record(model.PerformanceEntry{
		Name:      RebootMark,
		Context:   device.MarkContext,
		EntryType: model.EntryTypeMark,
		Epoch:     run.StartEpoch,
	})

	if err := dev.Reboot(ctx); err != nil {
		return err
	}
	if err := log.Restart(ctx); err != nil {
		return err
	}

	run.Listen(log)
	return nil
}

// TestRun resolves once the System context reports the end of the boot logo
func (r *reboot) TestRun(ctx context.Context, run *Run) error {
	return run.await(ctx,
		func(entry *model.PerformanceEntry) {
			if entry.Name == RebootMark {
				entry.Epoch = run.StartEpoch
				return
			}
			entry.Epoch = time.Now()
		},
		func(entry model.PerformanceEntry) bool {
			return entry.Context == BootContext && entry.Name == BootEndMark
		},
	)
}

// Retry does nothing, the next attempt reboots again
func (r *reboot) Retry(ctx context.Context, run *Run) error {
	return nil
}

func (r *reboot) Format(run *Run, entries []model.PerformanceEntry) model.Series {
	return formatEntries(r.Name(), RebootMark, run.StartEpoch, entries, run.Options)
}
