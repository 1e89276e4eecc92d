// Package devicetest provides a scriptable in-memory device for tests.
package devicetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/perfgo/raptor/device"
	"github.com/perfgo/raptor/perflog"
	"github.com/perfgo/raptor/raptorerrors"
)

// ErrRebooted is the stream error reported when the device reboots under a running log stream
var ErrRebooted = errors.New("device rebooted")

// Device records every action and lets tests script log output.
//
// The device log is modelled like logcat: Clear empties the buffer, Mark and Emit append
// to it, Restart opens a new stream that first replays the buffer.
type Device struct {
	// Hooks run after the n-th (1-based) successful action, outside of any lock
	OnClear   func(n int, l *Log)
	OnRestart func(n int, l *Log)
	OnReboot  func(n int, l *Log)

	// Failures, checked before the n-th action runs
	AcquireErr error
	ClearErr   func(n int) error
	RebootErr  func(n int) error

	// HangReboot makes the n-th reboot block until its context ends, like a device that never comes back
	HangReboot func(n int) bool

	mu     sync.Mutex
	serial string
	calls  []string
	counts map[string]int
	log    *Log
}

// New creates a device with the given serial
func New(serial string) *Device {
	d := &Device{
		serial: serial,
		counts: make(map[string]int),
	}
	d.log = &Log{d: d}
	return d
}

// Acquire implements device.Provider
func (d *Device) Acquire(ctx context.Context) (device.Device, error) {
	d.record("acquire")
	if d.AcquireErr != nil {
		return nil, &raptorerrors.ErrDeviceAction{Action: "acquire", Err: d.AcquireErr}
	}
	return d, nil
}

// Serial implements device.Device
func (d *Device) Serial() string {
	return d.serial
}

// Log implements device.Device
func (d *Device) Log() device.Log {
	return d.log
}

// FakeLog returns the scriptable log
func (d *Device) FakeLog() *Log {
	return d.log
}

// Reboot implements device.Device
func (d *Device) Reboot(ctx context.Context) error {
	n := d.record("reboot")
	if d.HangReboot != nil && d.HangReboot(n) {
		<-ctx.Done()
		return &raptorerrors.ErrDeviceAction{Action: "wait for device", Err: ctx.Err()}
	}
	if d.RebootErr != nil {
		if err := d.RebootErr(n); err != nil {
			return &raptorerrors.ErrDeviceAction{Action: "reboot", Err: err}
		}
	}

	d.log.reboot()
	if d.OnReboot != nil {
		d.OnReboot(n, d.log)
	}
	return nil
}

// Calls returns the actions performed so far, in order
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Count returns how often action was performed
func (d *Device) Count(action string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[action]
}

func (d *Device) record(action string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, action)
	d.counts[action]++
	return d.counts[action]
}

// Log is the fake device log
type Log struct {
	d *Device

	mu      sync.Mutex
	buffer  []string
	lines   chan string
	closed  bool
	err     error
	started bool
}

// Clear implements device.Log
func (l *Log) Clear(ctx context.Context) (time.Time, error) {
	n := l.d.record("clear")
	if l.d.ClearErr != nil {
		if err := l.d.ClearErr(n); err != nil {
			return time.Time{}, &raptorerrors.ErrDeviceAction{Action: "log clear", Err: err}
		}
	}

	l.mu.Lock()
	l.buffer = nil
	l.mu.Unlock()

	if l.d.OnClear != nil {
		l.d.OnClear(n, l)
	}
	return time.Now(), nil
}

// Mark implements device.Log
func (l *Log) Mark(ctx context.Context, name string, at time.Time) (time.Time, error) {
	l.d.record("mark:" + name)
	l.Emit("I/" + perflog.Tag + "(    1): " + perflog.FormatMark(device.MarkContext, name, at))
	return at, nil
}

// Restart implements device.Log
func (l *Log) Restart(ctx context.Context) error {
	n := l.d.record("restart")

	l.mu.Lock()
	l.closeLocked(nil)
	l.lines = make(chan string, 4096)
	l.closed = false
	l.err = nil
	l.started = true
	for _, line := range l.buffer {
		l.lines <- line
	}
	l.mu.Unlock()

	if l.d.OnRestart != nil {
		l.d.OnRestart(n, l)
	}
	return nil
}

// Stop implements device.Log
func (l *Log) Stop() error {
	l.d.record("stop")

	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked(nil)
	return nil
}

// Lines implements dispatcher.Source
func (l *Log) Lines() <-chan string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		ch := make(chan string)
		close(ch)
		return ch
	}
	return l.lines
}

// Err implements dispatcher.Source
func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Emit appends a raw line to the device log and the running stream
func (l *Log) Emit(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, line)
	if l.lines == nil || l.closed {
		return
	}
	select {
	case l.lines <- line:
	default:
		panic(fmt.Sprintf("devicetest: log stream full, dropping %q", line))
	}
}

// EmitEntry appends a performance entry line with the given fields
func (l *Log) EmitEntry(context, entryType, name string, startTime, duration float64) {
	l.Emit(fmt.Sprintf("I/%s(  123): Performance Entry: %s|%s|%s|%.3f|%.3f|%d.000",
		perflog.Tag, context, entryType, name, startTime, duration, time.Now().UnixMilli()))
}

// Fail ends the running stream with err
func (l *Log) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked(err)
}

func (l *Log) reboot() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = nil
	l.closeLocked(ErrRebooted)
}

func (l *Log) closeLocked(err error) {
	if l.lines == nil || l.closed {
		return
	}
	close(l.lines)
	l.closed = true
	l.err = err
}
