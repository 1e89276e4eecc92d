package cli

// This file contains the run commands, driving a suite of phases against the device.

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/raptor/cli/ssh"
	"github.com/perfgo/raptor/config"
	"github.com/perfgo/raptor/device"
	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/phase"
	"github.com/perfgo/raptor/report"
	"github.com/perfgo/raptor/suite"
)

func (a *App) runMarionette(ctx *cli.Context) error {
	return a.runSuite(ctx, phase.KindMarionette)
}

func (a *App) runReboot(ctx *cli.Context) error {
	return a.runSuite(ctx, phase.KindReboot)
}

// runOptions resolves the phase options: flags that are set override the config
// file, which overrides the defaults.
func runOptions(ctx *cli.Context, file *config.File, descriptors map[string]string) phase.Options {
	opts := file.Options(descriptors)

	if ctx.IsSet("runs") {
		opts.Runs = ctx.Int("runs")
	}
	if ctx.IsSet("timeout") {
		opts.Timeout = ctx.Duration("timeout")
	}
	if ctx.IsSet("retries") {
		opts.Retries = ctx.Int("retries")
	}
	if name := ctx.String("start-mark"); name != "" {
		opts.Marks[phase.MarkStart] = name
	}
	if name := ctx.String("end-mark"); name != "" {
		opts.Marks[phase.MarkEnd] = name
	}
	if at := ctx.Timestamp("time"); at != nil {
		opts.Time = *at
	}
	opts.Emulator = ctx.Bool("emulator")
	return opts
}

func (a *App) runSuite(ctx *cli.Context, kind phase.Kind) error {
	startTime := time.Now()

	file, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	opts := runOptions(ctx, file, config.Descriptors(nil))
	if opts.Time.IsZero() {
		opts.Time = startTime
	}

	// Generate random 16-byte ID
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return fmt.Errorf("failed to generate execution ID: %w", err)
	}

	h := &model.History{
		ID:        hex.EncodeToString(idBytes),
		Phase:     string(kind),
		Timestamp: startTime,
		Args:      os.Args,
		Target: &model.Target{
			RemoteHost: ctx.String("remote-host"),
			Serial:     ctx.String("serial"),
			Emulator:   opts.Emulator,
		},
		Options: &model.RunOptions{
			Runs:    opts.Runs,
			Retries: opts.Retries,
			Timeout: opts.Timeout,
			Marks:   markNames(opts.Marks),
			Tags:    opts.Tags,
		},
	}
	if cwd, err := os.Getwd(); err == nil {
		h.WorkDir = cwd
	}
	if commit, branch, err := a.getGitInfo(); err == nil {
		h.Git = &model.Git{
			Commit: commit,
			Branch: branch,
		}
	}

	runDir, err := a.prepareHistoryDir(ctx, h)
	if err != nil {
		return fmt.Errorf("failed to prepare history directory: %w", err)
	}

	points := report.NewFile(pointsPath(runDir))
	reporters := report.Multi{points}
	if url := pushgatewayURL(ctx, file); url != "" {
		a.logger.Info().Str("url", url).Msg("Pushing series to Pushgateway")
		reporters = append(reporters, report.NewPushgateway(url, file.Pushgateway.Job, opts.Tags))
	}

	var commander device.Commander = device.Local{Binary: ctx.String("adb")}
	if host := ctx.String("remote-host"); host != "" {
		a.logger.Info().Str("host", host).Msg("Connecting to remote host")

		sshClient, err := ssh.New(a.logger, host)
		if err != nil {
			a.logger.Error().Err(err).Msg("Failed to setup SSH connection")
			return err
		}
		defer sshClient.Close()

		commander = device.Remote{Shell: sshClient, Binary: ctx.String("adb")}
	}

	var deviceOpts []device.Option
	if serial := ctx.String("serial"); serial != "" {
		deviceOpts = append(deviceOpts, device.WithSerial(serial))
	}
	deviceOpts = append(deviceOpts, device.WithEmulator(opts.Emulator))
	adb := device.NewADB(a.logger, commander, deviceOpts...)

	s := suite.New(a.logger, suite.Config{
		Kind:     kind,
		Options:  opts,
		App:      ctx.String("app"),
		Apps:     config.SplitList(ctx.String("apps")),
		Targets:  file.Apps,
		Provider: adb,
		Reporter: reporters,
	})

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info().
		Str("phase", string(kind)).
		Strs("targets", s.Targets()).
		Int("runs", opts.Runs).
		Int("retries", opts.Retries).
		Dur("timeout", opts.Timeout).
		Msg("Starting suite")

	result := s.Run(runCtx, suite.DefaultReady)

	h.Duration = time.Since(startTime)
	h.ExitCode = result.ExitCode()
	if adb.Serial() != "" {
		h.Target.Serial = adb.Serial()
	}
	for _, t := range result.Targets {
		tr := model.TargetRun{
			App:       t.App,
			Attempts:  t.Stats.Attempts,
			Succeeded: t.Stats.Succeeded,
			Retries:   t.Stats.Retries,
		}
		if t.Err != nil {
			tr.Error = t.Err.Error()
		}
		h.Targets = append(h.Targets, tr)
	}

	if err := a.recordHistory(h, runDir, points.Series()); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to record history")
	}

	result.PrintSummary(a.stdout)
	if err := result.Err(); err != nil {
		result.PrintErrors(a.stderr)
		return cli.Exit("", result.ExitCode())
	}
	return nil
}

func pushgatewayURL(ctx *cli.Context, file *config.File) string {
	if url := ctx.String("pushgateway"); url != "" {
		return url
	}
	return file.Pushgateway.URL
}

func markNames(marks map[phase.MarkKey]string) map[string]string {
	out := make(map[string]string, len(marks))
	for k, v := range marks {
		out[string(k)] = v
	}
	return out
}
