package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/perfgo/raptor/config"
	"github.com/perfgo/raptor/phase"
)

const AppName = "raptor"

type App struct {
	logger zerolog.Logger
	cli    *cli.App

	// stdout receives command output, stderr the error summary
	stdout io.Writer
	stderr io.Writer
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	app := &App{
		logger: newLogger(os.Stderr, nil),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	app.cli = &cli.App{
		Name:  AppName,
		Usage: "Run performance test phases against an adb attached device",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Additionally write JSON logs to this file, rotated by size",
				EnvVars: []string{"RAPTOR_LOG_FILE"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file (default: .env if present)",
			},
			&cli.StringFlag{
				Name:    "history-dir",
				Usage:   "Directory executions are recorded in (default: .raptor at the repository root)",
				EnvVars: []string{"RAPTOR_HISTORY_DIR"},
			},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.Bool("verbose") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			if path := ctx.String("log-file"); path != "" {
				app.logger = newLogger(app.stderr, &lumberjack.Logger{
					Filename:   path,
					MaxSize:    100,
					MaxBackups: 3,
					MaxAge:     28,
				})
			}
			return config.LoadEnv(ctx.String("env-file"))
		},
	}

	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:  "run",
		Usage: "Run a performance test phase on the device",
		Subcommands: []*cli.Command{
			{
				Name:  string(phase.KindMarionette),
				Usage: "Collect performance entries until the end mark is logged",
				Description: `Clears the device log and writes a start mark before every run, then
collects performance entries until an entry named after the end mark
(--end-mark or marks.end in the config file) arrives.`,
				Action: app.runMarionette,
				Flags:  runFlags(),
			},
			{
				Name:  string(phase.KindReboot),
				Usage: "Measure boot time by rebooting the device for every run",
				Description: `Reboots the device for every run and collects performance entries until
the System context reports osLogoEnd. Marks are reported relative to the
moment the reboot was issued.`,
				Action: app.runReboot,
				Flags:  runFlags(),
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "list",
		Usage:  "List previous executions",
		Action: app.list,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "app",
				Aliases: []string{"a"},
				Usage:   "Only show executions that tested this app",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results (default: 20)",
				Value:   20,
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:            "view",
		Usage:           "View the results of an execution from history",
		ArgsUsage:       "[ID|INDEX] [-- pprof args]",
		Action:          app.view,
		SkipFlagParsing: true,
		Description: `View the results of an execution from history.

Arguments:
  0           View last execution (default)
  -1          View 2nd last execution
  -2          View 3rd last execution
  <hex-id>    View execution matching the hex ID prefix

Examples:
  raptor view                # Summarize last execution
  raptor view -1             # Summarize 2nd last execution
  raptor view abc123 -top    # Open the profile of abc123 in pprof

Without pprof arguments the series summary is printed, with arguments the
series profile (marks.pb.gz) is opened with go tool pprof.`,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "parse",
		Usage:     "Print the performance entries of a captured device log",
		ArgsUsage: "FILE",
		Action:    app.parse,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "Keep reading entries appended to the file until interrupted",
			},
			&cli.BoolFlag{
				Name:  "from-start",
				Usage: "With --follow, read the existing content first",
				Value: true,
			},
		},
	})
	return app
}

// newLogger logs human readable to console, and as JSON to file when given
func newLogger(console io.Writer, file io.Writer) zerolog.Logger {
	var w io.Writer = zerolog.ConsoleWriter{
		Out:        console,
		TimeFormat: time.RFC3339Nano,
	}
	if file != nil {
		w = zerolog.MultiLevelWriter(w, file)
	}
	return log.Output(w)
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && commit != "" {
		if len(commit) > 8 {
			commit = commit[:8]
		}
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Config file providing defaults for runs, timeout, retries, apps, marks, tags and pushgateway",
		},
		&cli.IntFlag{
			Name:    "runs",
			Usage:   "Number of successful runs per target",
			EnvVars: []string{"RUNS"},
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Time to wait for a run's end condition",
		},
		&cli.IntFlag{
			Name:  "retries",
			Usage: "Re-attempts allowed per run",
		},
		&cli.StringFlag{
			Name:    "app",
			Usage:   "Single target app, overrides --apps and configured apps",
			EnvVars: []string{"APP"},
		},
		&cli.StringFlag{
			Name:    "apps",
			Usage:   "Comma separated target apps, overrides configured apps",
			EnvVars: []string{"APPS"},
		},
		&cli.StringFlag{
			Name:  "start-mark",
			Usage: "Name of the mark written before every run",
		},
		&cli.StringFlag{
			Name:  "end-mark",
			Usage: "Name of the entry ending a run",
		},
		&cli.TimestampFlag{
			Name:   "time",
			Usage:  "Batch time copied into every point (default: now)",
			Layout: time.RFC3339,
		},
		&cli.BoolFlag{
			Name:    "emulator",
			Usage:   "Test the running emulator",
			EnvVars: []string{"RAPTOR_EMULATOR"},
		},
		&cli.StringFlag{
			Name:    "serial",
			Aliases: []string{"s"},
			Usage:   "adb serial of the device",
			EnvVars: []string{"ANDROID_SERIAL"},
		},
		&cli.StringFlag{
			Name:    "adb",
			Usage:   "adb binary",
			Value:   "adb",
			EnvVars: []string{"RAPTOR_ADB"},
		},
		&cli.StringFlag{
			Name:    "remote-host",
			Usage:   "SSH host the device is attached to",
			EnvVars: []string{"RAPTOR_REMOTE_HOST"},
		},
		&cli.StringFlag{
			Name:    "pushgateway",
			Usage:   "Prometheus Pushgateway URL to push series to",
			EnvVars: []string{"RAPTOR_PUSHGATEWAY"},
		},
	}
}
