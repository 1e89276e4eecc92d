package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/raptor/history"
	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/report"
)

const bootedDevice = `#!/bin/sh
if [ "$1" = "-s" ]; then shift 2; fi
case "$1" in
devices)
	printf 'List of devices attached\nemulator-5554\tdevice\n'
	;;
logcat)
	if [ "$2" = "-c" ]; then exit 0; fi
	echo "01-15 10:23:45.123  1234  1234 I PerformanceTiming: Performance Entry: System|mark|osLogoEnd|5230.250|0.000|1421320000123.000"
	exec sleep 30
	;;
esac
exit 0
`

const noDevice = `#!/bin/sh
printf 'List of devices attached\n'
`

func fakeADB(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adb")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

type testApp struct {
	*App
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestApp() *testApp {
	app := New()
	ta := &testApp{App: app, stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	app.logger = zerolog.Nop()
	app.stdout = ta.stdout
	app.stderr = ta.stderr
	app.cli.ExitErrHandler = func(*cli.Context, error) {}
	return ta
}

func TestRunReboot(t *testing.T) {
	dir := t.TempDir()
	adb := fakeADB(t, bootedDevice)

	app := newTestApp()
	err := app.Run([]string{AppName, "--history-dir", dir,
		"run", "reboot",
		"--adb", adb,
		"--app", "clock",
		"--runs", "2",
		"--retries", "0",
		"--timeout", "10s",
	})
	require.NoError(t, err)
	assert.Contains(t, app.stdout.String(), "clock: 2/2 runs succeeded")

	entries, err := history.LoadEntries(zerolog.Nop(), dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	h := entries[0].History
	require.Equal(t, "reboot", h.Phase)
	require.Equal(t, 0, h.ExitCode)
	require.Equal(t, "emulator-5554", h.Target.Serial)
	require.Equal(t, 2, h.Options.Runs)
	require.Equal(t, 10*time.Second, h.Options.Timeout)
	require.Equal(t, []model.TargetRun{{App: "clock", Attempts: 2, Succeeded: 2}}, h.Targets)
	require.Len(t, h.Artifacts, 2)

	series, err := report.ReadFile(filepath.Join(entries[0].FullPath, report.PointsFile))
	require.NoError(t, err)
	require.Len(t, series["Suites.Reboot.System.osLogoEnd"], 2)
	require.FileExists(t, filepath.Join(entries[0].FullPath, report.ProfileFile))

	t.Run("list", func(t *testing.T) {
		app := newTestApp()
		require.NoError(t, app.Run([]string{AppName, "--history-dir", dir, "list", "--app", "clock"}))
		assert.Contains(t, app.stdout.String(), "History (1 total)")
		assert.Contains(t, app.stdout.String(), "clock: 2/2 succeeded, 0 retries")
		assert.Contains(t, app.stdout.String(), "Device: emulator-5554")

		app = newTestApp()
		require.NoError(t, app.Run([]string{AppName, "--history-dir", dir, "list", "--app", "music"}))
		assert.Contains(t, app.stdout.String(), "No history entries found for app: music")
	})

	t.Run("view", func(t *testing.T) {
		app := newTestApp()
		require.NoError(t, app.Run([]string{AppName, "--history-dir", dir, "view", h.ID[:6]}))
		assert.Contains(t, app.stdout.String(), "reboot suite: "+h.ID[:8])
		assert.Contains(t, app.stdout.String(), "Suites.Reboot.System.osLogoEnd")
		assert.Contains(t, app.stdout.String(), "n=2")
	})
}

func TestRunReboot_NoDevice(t *testing.T) {
	dir := t.TempDir()
	adb := fakeADB(t, noDevice)

	app := newTestApp()
	err := app.Run([]string{AppName, "--history-dir", dir,
		"run", "reboot",
		"--adb", adb,
		"--apps", "clock,music",
		"--retries", "0",
	})

	var exitErr cli.ExitCoder
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, app.stderr.String(), "clock: device action acquire failed")
	assert.Contains(t, app.stderr.String(), "music: device action acquire failed")

	entries, err := history.LoadEntries(zerolog.Nop(), dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].History.ExitCode)
	require.Len(t, entries[0].History.Targets, 2)
	require.Empty(t, entries[0].History.Artifacts)
}

func TestRunMarionette_MissingEndMark(t *testing.T) {
	app := newTestApp()
	err := app.Run([]string{AppName, "--history-dir", t.TempDir(),
		"run", "marionette",
		"--adb", fakeADB(t, noDevice),
		"--app", "clock",
	})

	var exitErr cli.ExitCoder
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, app.stderr.String(), "marks.end")
}

func TestParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logcat.txt")
	require.NoError(t, os.WriteFile(path, []byte(
		"01-15 10:23:45.000  1  1 I ActivityManager: Start proc\n"+
			"01-15 10:23:45.123  1234  1234 I PerformanceTiming: Performance Entry: System|mark|osLogoEnd|5230.250|0.000|1421320000123.000\n"+
			"I/PerformanceTiming(  211): Performance Entry: clock.gaiamobile.org|measure|fullyLoaded|0.000|812.500|1421320000999.000\n",
	), 0644))

	app := newTestApp()
	require.NoError(t, app.Run([]string{AppName, "parse", path}))

	out := app.stdout.String()
	assert.Contains(t, out, "System|osLogoEnd  start=5230.250ms\n")
	assert.Contains(t, out, "clock.gaiamobile.org|fullyLoaded  start=0.000ms duration=812.500ms\n")
	assert.Equal(t, 2, bytes.Count(app.stdout.Bytes(), []byte("\n")))
}
