package suite

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/raptor/device"
	"github.com/perfgo/raptor/device/devicetest"
	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/phase"
	"github.com/perfgo/raptor/raptorerrors"
)

// providerFunc hands out a device per acquisition
type providerFunc func(ctx context.Context) (device.Device, error)

func (f providerFunc) Acquire(ctx context.Context) (device.Device, error) {
	return f(ctx)
}

type devices struct {
	mu   sync.Mutex
	list []*devicetest.Device
	next int
}

func (d *devices) provider() device.Provider {
	return providerFunc(func(ctx context.Context) (device.Device, error) {
		d.mu.Lock()
		dev := d.list[d.next]
		d.next++
		d.mu.Unlock()
		return dev.Acquire(ctx)
	})
}

func workingDevice(serial string) *devicetest.Device {
	dev := devicetest.New(serial)
	dev.OnRestart = func(n int, l *devicetest.Log) {
		if n > 1 {
			l.EmitEntry("app", "mark", "flush", 200, 0)
		}
	}
	return dev
}

func brokenDevice(serial string) *devicetest.Device {
	dev := devicetest.New(serial)
	dev.ClearErr = func(int) error {
		return errors.New("adb: device offline")
	}
	return dev
}

func options(runs int) phase.Options {
	opts := phase.DefaultOptions()
	opts.Runs = runs
	opts.Retries = 1
	opts.Timeout = time.Second
	opts.Marks[phase.MarkEnd] = "flush"
	return opts
}

func TestSuite_FailingTargetDoesNotStopNext(t *testing.T) {
	a := brokenDevice("a")
	b := workingDevice("b")
	devs := &devices{list: []*devicetest.Device{a, b}}

	s := New(zerolog.Nop(), Config{
		Kind:     phase.KindMarionette,
		Options:  options(2),
		Targets:  []string{"A", "B"},
		Provider: devs.provider(),
	})

	var order []string
	result := s.Run(context.Background(), func(ctx context.Context, p *phase.RunPhase) error {
		order = append(order, p.Options().App)
		return p.Run(ctx)
	})

	require.Equal(t, []string{"A", "B"}, order)
	require.Len(t, result.Targets, 2)

	require.Equal(t, phase.StateAborted, result.Targets[0].State)
	var errDevice *raptorerrors.ErrDeviceAction
	require.ErrorAs(t, result.Targets[0].Err, &errDevice)
	require.Equal(t, 2, a.Count("clear"))

	require.Equal(t, phase.StateCompleted, result.Targets[1].State)
	require.NoError(t, result.Targets[1].Err)
	require.Equal(t, 2, result.Targets[1].Stats.Succeeded)
	require.Equal(t, 2, result.Series().Len())

	require.Equal(t, 1, result.ExitCode())
	require.Len(t, result.Errors.Errors, 1)
	require.ErrorContains(t, result.Err(), "A: device action log clear failed")

	// the previous target's log is stopped before the next starts, the last at completion
	require.Equal(t, 1, a.Count("stop"))
	require.Equal(t, 1, b.Count("stop"))

	var buf bytes.Buffer
	result.PrintErrors(&buf)
	require.Contains(t, buf.String(), "Error summary:")
	require.Contains(t, buf.String(), "adb: device offline")

	buf.Reset()
	result.PrintSummary(&buf)
	require.Contains(t, buf.String(), "A: 0/2 runs succeeded")
	require.Contains(t, buf.String(), "B: 2/2 runs succeeded")
}

func TestSuite_ListenerErrorsSetExitCode(t *testing.T) {
	devs := &devices{list: []*devicetest.Device{workingDevice("a"), workingDevice("b")}}

	s := New(zerolog.Nop(), Config{
		Kind:     phase.KindMarionette,
		Options:  options(2),
		Targets:  []string{"A", "B"},
		Provider: devs.provider(),
	})

	result := s.Run(context.Background(), func(ctx context.Context, p *phase.RunPhase) error {
		if p.Options().App == "B" {
			p.OnEntry(func(entry model.PerformanceEntry) error {
				if entry.Name == "flush" {
					return errors.New("flush arrived without a start mark")
				}
				return nil
			})
		}
		return p.Run(ctx)
	})

	require.Len(t, result.Targets, 2)
	for _, tr := range result.Targets {
		require.Equal(t, phase.StateCompleted, tr.State)
		require.NoError(t, tr.Err)
		require.Equal(t, 2, tr.Stats.Succeeded)
	}
	require.Empty(t, result.Targets[0].HandlerErrors)
	require.Len(t, result.Targets[1].HandlerErrors, 2)

	require.Equal(t, 1, result.ExitCode())
	require.Len(t, result.Errors.Errors, 2)
	for _, err := range result.Errors.Errors {
		var errHandler *raptorerrors.ErrHandler
		require.ErrorAs(t, err, &errHandler)
		require.ErrorContains(t, err, "B: listener for performanceentry failed: flush arrived without a start mark")
	}

	var buf bytes.Buffer
	result.PrintErrors(&buf)
	require.Contains(t, buf.String(), "Error summary:")
	require.Contains(t, buf.String(), "flush arrived without a start mark")
}

func TestSuite_NoTargets(t *testing.T) {
	dev := workingDevice("emulator-5554")

	s := New(zerolog.Nop(), Config{
		Kind:     phase.KindMarionette,
		Options:  options(1),
		Provider: dev,
	})
	require.Empty(t, s.Targets())

	result := s.Run(context.Background(), nil)
	require.NoError(t, result.Err())
	require.Equal(t, 0, result.ExitCode())
	require.Len(t, result.Targets, 1)
	require.Empty(t, result.Targets[0].App)
	require.Equal(t, 1, dev.Count("stop"))

	var buf bytes.Buffer
	result.PrintErrors(&buf)
	require.Empty(t, buf.String())
}

func TestSuite_TargetPrecedence(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{name: "app", cfg: Config{App: "clock", Apps: []string{"a", "b"}, Targets: []string{"c"}}, want: []string{"clock"}},
		{name: "apps", cfg: Config{Apps: []string{"a", "b"}, Targets: []string{"c"}}, want: []string{"a", "b"}},
		{name: "configured", cfg: Config{Targets: []string{"c"}}, want: []string{"c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, New(zerolog.Nop(), tt.cfg).Targets())
		})
	}
}

func TestSuite_ConfigurationError(t *testing.T) {
	dev := devicetest.New("emulator-5554")
	opts := phase.DefaultOptions()

	s := New(zerolog.Nop(), Config{
		Kind:     phase.KindMarionette,
		Options:  opts,
		Targets:  []string{"A", "B"},
		Provider: dev,
	})

	result := s.Run(context.Background(), nil)
	require.Len(t, result.Errors.Errors, 2)
	for _, err := range result.Errors.Errors {
		var errConfig *raptorerrors.ErrConfiguration
		require.ErrorAs(t, err, &errConfig)
	}
	require.Empty(t, dev.Calls())
	require.Equal(t, 1, result.ExitCode())
}

func TestSuite_ReadyWithoutRun(t *testing.T) {
	dev := workingDevice("emulator-5554")
	s := New(zerolog.Nop(), Config{
		Kind:     phase.KindMarionette,
		Options:  options(1),
		Provider: dev,
	})

	result := s.Run(context.Background(), func(context.Context, *phase.RunPhase) error {
		return nil
	})
	require.ErrorIs(t, result.Err(), errNotFinished)
}

func TestSuite_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(zerolog.Nop(), Config{
		Kind:     phase.KindReboot,
		Options:  options(1),
		Targets:  []string{"A", "B"},
		Provider: devicetest.New("x"),
	})

	result := s.Run(ctx, nil)
	require.ErrorIs(t, result.Err(), context.Canceled)
	require.Empty(t, result.Targets)
}
