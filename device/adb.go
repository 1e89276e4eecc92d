package device

// This file contains the adb backed Device implementation.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"github.com/perfgo/raptor/raptorerrors"
)

// Commander builds adb invocations
type Commander interface {
	Command(ctx context.Context, args ...string) *exec.Cmd
}

// Local runs adb on this host
type Local struct {
	// Binary defaults to "adb" from PATH
	Binary string
}

// Command implements Commander
func (l Local) Command(ctx context.Context, args ...string) *exec.Cmd {
	binary := l.Binary
	if binary == "" {
		binary = "adb"
	}
	return exec.CommandContext(ctx, binary, args...)
}

// Shell runs a command line on another host, e.g. an ssh.Client
type Shell interface {
	Command(ctx context.Context, command string) *exec.Cmd
}

// Remote runs adb on the host the device is attached to
type Remote struct {
	Shell  Shell
	Binary string
}

// Command implements Commander
func (r Remote) Command(ctx context.Context, args ...string) *exec.Cmd {
	binary := r.Binary
	if binary == "" {
		binary = "adb"
	}
	return r.Shell.Command(ctx, shellescape.QuoteCommand(append([]string{binary}, args...)))
}

// ADB is a Device and Provider talking to a device through adb
type ADB struct {
	logger   zerolog.Logger
	cmd      Commander
	serial   string
	emulator bool
	log      *logcat
}

// Option configures an ADB device
type Option func(*ADB)

// WithSerial selects the device with the given adb serial
func WithSerial(serial string) Option {
	return func(a *ADB) {
		a.serial = serial
	}
}

// WithEmulator selects the running emulator when no serial is given
func WithEmulator(emulator bool) Option {
	return func(a *ADB) {
		a.emulator = emulator
	}
}

// NewADB creates an adb device handle. The device is only contacted by Acquire.
func NewADB(logger zerolog.Logger, cmd Commander, opts ...Option) *ADB {
	a := &ADB{
		logger: logger,
		cmd:    cmd,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = &logcat{adb: a}
	return a
}

// Acquire implements Provider. It checks that the selected device is attached and online.
func (a *ADB) Acquire(ctx context.Context) (Device, error) {
	out, err := a.output(ctx, "acquire", "devices")
	if err != nil {
		return nil, err
	}

	serial, err := selectDevice(parseDevices(out), a.serial, a.emulator)
	if err != nil {
		return nil, &raptorerrors.ErrDeviceAction{Action: "acquire", Err: err}
	}
	a.serial = serial

	a.logger.Debug().Str("serial", serial).Msg("Acquired device")
	return a, nil
}

// Serial implements Device
func (a *ADB) Serial() string {
	return a.serial
}

// Log implements Device
func (a *ADB) Log() Log {
	return a.log
}

// Reboot implements Device
func (a *ADB) Reboot(ctx context.Context) error {
	a.logger.Info().Str("serial", a.serial).Msg("Rebooting device")

	if _, err := a.output(ctx, "reboot", a.args("reboot")...); err != nil {
		return err
	}
	if _, err := a.output(ctx, "wait for device", a.args("wait-for-device")...); err != nil {
		return err
	}

	a.logger.Debug().Str("serial", a.serial).Msg("Device is back")
	return nil
}

// args prefixes adb arguments with the device selection flags
func (a *ADB) args(args ...string) []string {
	switch {
	case a.serial != "":
		return append([]string{"-s", a.serial}, args...)
	case a.emulator:
		return append([]string{"-e"}, args...)
	}
	return args
}

// output runs adb and returns stdout. Failures are device action errors.
func (a *ADB) output(ctx context.Context, action string, args ...string) (string, error) {
	cmd := a.cmd.Command(ctx, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug().
		Str("action", action).
		Strs("args", args).
		Msg("Running adb")

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return "", &raptorerrors.ErrDeviceAction{
			Action: action,
			Err:    fmt.Errorf("%w (stderr: %s)", err, strings.TrimSpace(stderr.String())),
		}
	}

	return stdout.String(), nil
}

type attachedDevice struct {
	serial string
	state  string
}

// parseDevices parses the output of `adb devices`
func parseDevices(out string) []attachedDevice {
	var devices []attachedDevice
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, attachedDevice{serial: fields[0], state: fields[1]})
	}
	return devices
}

func selectDevice(devices []attachedDevice, serial string, emulator bool) (string, error) {
	var candidates []attachedDevice
	for _, d := range devices {
		switch {
		case serial != "":
			if d.serial != serial {
				continue
			}
			if d.state != "device" {
				return "", fmt.Errorf("device %s is %s", serial, d.state)
			}
			return serial, nil
		case emulator:
			if !strings.HasPrefix(d.serial, "emulator-") {
				continue
			}
		}
		if d.state == "device" {
			candidates = append(candidates, d)
		}
	}

	if serial != "" {
		return "", fmt.Errorf("device %s not attached", serial)
	}
	switch len(candidates) {
	case 0:
		if emulator {
			return "", errors.New("no running emulator found")
		}
		return "", errors.New("no device attached")
	case 1:
		return candidates[0].serial, nil
	}
	return "", fmt.Errorf("%d devices attached, select one by serial", len(candidates))
}
