// Package raptorerrors contains the error types returned while orchestrating test runs.
//
// Every type is a pointer-receiver struct so callers can recover the details with errors.As.
// Whether a failed run attempt may be retried is decided by IsRetryable.
// Errors accumulated across a suite are combined with github.com/hashicorp/go-multierror.
package raptorerrors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrConfiguration is returned synchronously when run options are missing or invalid.
type ErrConfiguration struct {
	Name    string // Option name, e.g., "runs" or "marks.end"
	Value   any    // Offending value, omitted from the message when nil
	Message string // Optional message included with the error message
}

func (err *ErrConfiguration) Error() (s string) {
	if err.Value != nil {
		s = fmt.Sprintf("invalid option %s=%v", err.Name, err.Value)
	} else {
		s = fmt.Sprintf("invalid option %s", err.Name)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrDeviceAction is returned when a command against the device fails.
type ErrDeviceAction struct {
	Action string // e.g., "reboot", "log clear"
	Err    error
}

func (err *ErrDeviceAction) Error() string {
	return fmt.Sprintf("device action %s failed: %s", err.Action, err.Err)
}

func (err *ErrDeviceAction) Unwrap() error {
	return err.Err
}

// ErrTimeout is returned when a run's end condition was not observed in time.
type ErrTimeout struct {
	Run     int
	Attempt int
	Timeout time.Duration
}

func (err *ErrTimeout) Error() string {
	return fmt.Sprintf("run %d (attempt %d) timed out after %s", err.Run, err.Attempt, err.Timeout)
}

// ErrDispatch is returned when the raw event source fails or disconnects.
type ErrDispatch struct {
	Err error
}

func (err *ErrDispatch) Error() string {
	return fmt.Sprintf("event source failed: %s", err.Err)
}

func (err *ErrDispatch) Unwrap() error {
	return err.Err
}

// ErrReporting is returned when a reporting sink rejects a batch of points.
type ErrReporting struct {
	Sink string
	Err  error
}

func (err *ErrReporting) Error() string {
	if err.Sink == "" {
		return fmt.Sprintf("reporting failed: %s", err.Err)
	}
	return fmt.Sprintf("reporting to %s failed: %s", err.Sink, err.Err)
}

func (err *ErrReporting) Unwrap() error {
	return err.Err
}

// ErrHandler wraps an error returned by (or a panic raised in) an event listener.
type ErrHandler struct {
	Event string
	Err   error
}

func (err *ErrHandler) Error() string {
	return fmt.Sprintf("listener for %s failed: %s", err.Event, err.Err)
}

func (err *ErrHandler) Unwrap() error {
	return err.Err
}

// IsRetryable reports whether a failed run attempt may be re-attempted.
// Device action failures and timeouts are retryable, everything else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var errTimeout *ErrTimeout
	if errors.As(err, &errTimeout) {
		return true
	}

	var errDispatch *ErrDispatch
	if errors.As(err, &errDispatch) {
		return false
	}

	var errDevice *ErrDeviceAction
	return errors.As(err, &errDevice)
}
