package cli

// This file contains the parse command printing the performance entries of a captured log.

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/raptor/dispatcher"
	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/perflog"
)

func (a *App) parse(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one log file argument")
	}
	path := ctx.Args().First()

	if ctx.Bool("follow") {
		return a.follow(ctx, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	entries, err := perflog.Parse(f)
	if err != nil {
		return fmt.Errorf("failed to parse log file: %w", err)
	}
	for _, entry := range entries {
		printPerformanceEntry(a.stdout, entry)
	}
	a.logger.Debug().Int("entries", len(entries)).Str("file", path).Msg("Parsed log file")
	return nil
}

// follow prints entries appended to path until interrupted or the file goes away
func (a *App) follow(ctx *cli.Context, path string) error {
	src, err := dispatcher.OpenFileSource(a.logger, path, ctx.Bool("from-start"))
	if err != nil {
		return err
	}
	defer src.Stop()

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := make(chan error, 1)
	d := dispatcher.New(a.logger, src)
	d.RegisterParser(dispatcher.EntryParser(dispatcher.EventPerformanceEntry, perflog.ParseLine))
	d.Capture(dispatcher.EventPerformanceEntry)
	d.On(dispatcher.EventPerformanceEntry, func(e dispatcher.Event) error {
		printPerformanceEntry(a.stdout, e.Entry)
		return nil
	})
	d.On(dispatcher.EventError, func(e dispatcher.Event) error {
		select {
		case failed <- e.Err:
		default:
		}
		return nil
	})
	d.Start(runCtx)
	defer d.Close()

	a.logger.Info().Str("file", path).Msg("Following log file")

	select {
	case <-runCtx.Done():
		return nil
	case err := <-failed:
		if errors.Is(err, dispatcher.ErrFileRemoved) {
			a.logger.Info().Str("file", path).Msg("Log file removed")
			return nil
		}
		return err
	}
}

func printPerformanceEntry(w io.Writer, e model.PerformanceEntry) {
	switch e.EntryType {
	case model.EntryTypeMeasure:
		fmt.Fprintf(w, "%s  %-7s  %s|%s  start=%.3fms duration=%.3fms\n",
			e.Epoch.Format("15:04:05.000"), e.EntryType, e.Context, e.Name,
			model.Milliseconds(e.StartTime), model.Milliseconds(e.Duration))
	default:
		fmt.Fprintf(w, "%s  %-7s  %s|%s  start=%.3fms\n",
			e.Epoch.Format("15:04:05.000"), e.EntryType, e.Context, e.Name,
			model.Milliseconds(e.StartTime))
	}
}
