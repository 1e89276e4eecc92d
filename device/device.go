// Package device defines the operations a test run needs from the device under
// test and implements them on top of adb.
package device

import (
	"context"
	"time"

	"github.com/perfgo/raptor/dispatcher"
)

// Device is a handle on an acquired device
type Device interface {
	// Serial returns the adb serial of the device
	Serial() string
	// Log returns the device log stream
	Log() Log
	// Reboot restarts the device and returns once it is reachable again
	Reboot(ctx context.Context) error
}

// Log controls the device log stream. It is the raw line source for a dispatcher.
type Log interface {
	dispatcher.Source
	// Clear drops all buffered log lines and returns the host time it happened at
	Clear(ctx context.Context) (time.Time, error)
	// Restart (re)starts streaming the log. Lines() returns the new stream afterwards.
	Restart(ctx context.Context) error
	// Stop ends the stream without reporting an error
	Stop() error
	// Mark writes a performance mark named name at time at into the log
	Mark(ctx context.Context, name string, at time.Time) (time.Time, error)
}

// Provider acquires a device
type Provider interface {
	Acquire(ctx context.Context) (Device, error)
}
