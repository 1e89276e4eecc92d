package cli

// This file contains the list command for displaying previous executions.

import (
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/raptor/history"
	"github.com/perfgo/raptor/model"
)

func (a *App) list(ctx *cli.Context) error {
	filterApp := ctx.String("app")
	limit := ctx.Int("limit")

	root, err := historyRoot(ctx)
	if err != nil {
		return err
	}

	// Load all history entries, newest first
	historyEntries, err := history.LoadEntries(a.logger, root)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	filteredEntries := lo.Filter(historyEntries, func(entry history.Entry, _ int) bool {
		return filterApp == "" || lo.ContainsBy(entry.History.Targets, func(t model.TargetRun) bool {
			return t.App == filterApp
		})
	})

	if len(filteredEntries) == 0 {
		if filterApp != "" {
			fmt.Fprintf(a.stdout, "No history entries found for app: %s\n", filterApp)
		} else {
			fmt.Fprintln(a.stdout, "No history entries found")
		}
		return nil
	}

	// Apply limit
	displayRuns := filteredEntries
	if limit > 0 && limit < len(displayRuns) {
		displayRuns = displayRuns[:limit]
	}

	fmt.Fprintf(a.stdout, "\n=== History (%d total) ===\n\n", len(filteredEntries))

	for _, entry := range displayRuns {
		a.printEntry(entry)
	}

	fmt.Fprintf(a.stdout, "\nView results: %s view <ID>\n", AppName)

	return nil
}

func (a *App) printEntry(entry history.Entry) {
	h := entry.History
	w := a.stdout

	status := "✓"
	if h.ExitCode != 0 {
		status = "✗"
	}

	fmt.Fprintf(w, "%s  %s  [%s]  %s  exit=%d  id=%s\n",
		status,
		h.Timestamp.Format("2006-01-02 15:04:05"),
		h.Duration.Round(time.Millisecond),
		h.Phase,
		h.ExitCode,
		shortID(h.ID),
	)
	for _, t := range h.Targets {
		name := t.App
		if name == "" {
			name = "(no app)"
		}
		fmt.Fprintf(w, "   %s: %d/%d succeeded, %d retries", name, t.Succeeded, t.Attempts, t.Retries)
		if t.Error != "" {
			fmt.Fprintf(w, ", error: %s", t.Error)
		}
		fmt.Fprintln(w)
	}
	if h.Target != nil {
		device := h.Target.Serial
		if device == "" {
			device = "default"
		}
		if h.Target.Emulator {
			device += " (emulator)"
		}
		if h.Target.RemoteHost != "" {
			fmt.Fprintf(w, "   Device: %s on %s\n", device, h.Target.RemoteHost)
		} else {
			fmt.Fprintf(w, "   Device: %s\n", device)
		}
	}
	if h.Git != nil && h.Git.Commit != "" {
		fmt.Fprintf(w, "   Commit: %s", shortID(h.Git.Commit))
		if h.Git.Branch != "" {
			fmt.Fprintf(w, " (%s)", h.Git.Branch)
		}
		fmt.Fprintln(w)
	}
	for _, artifact := range h.Artifacts {
		fmt.Fprintf(w, "   %s: %s (%.1f KB)\n", artifact.Type, artifact.File, float64(artifact.Size)/1024)
	}
	fmt.Fprintf(w, "   %s\n\n", entry.FullPath)
}

// shortID returns the first 8 characters of a hex ID or commit
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
