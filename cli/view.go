package cli

// This file contains the view command for displaying suite results from history.

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/raptor/history"
	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/report"
)

func removeFirstDashDash(in []string) []string {
	if len(in) > 0 && in[0] == "--" {
		return in[1:]
	}
	return in
}

func parseViewArgs(in []string) (idArg string, pprofArgs []string) {
	if len(in) == 0 {
		return "0", nil
	}

	// If first arg is "--", use default "0" and rest are pprof args
	if in[0] == "--" {
		return "0", in[1:]
	}

	// A negative index is "-" followed by only digits, anything else starting
	// with "-" is a pprof flag
	if len(in[0]) > 1 && in[0][0] == '-' {
		if _, err := strconv.ParseInt(in[0], 10, 64); err != nil {
			return "0", in
		}
	}

	return in[0], removeFirstDashDash(in[1:])
}

func (a *App) view(ctx *cli.Context) error {
	arg, pprofArgs := parseViewArgs(ctx.Args().Slice())

	root, err := historyRoot(ctx)
	if err != nil {
		return err
	}

	historyEntries, err := history.LoadEntries(a.logger, root)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	entry, err := history.Find(historyEntries, arg)
	if err != nil {
		return err
	}

	if len(pprofArgs) > 0 {
		profile, ok := lo.Find(entry.History.Artifacts, func(art model.Artifact) bool {
			return art.Type == model.ArtifactTypePprofProfile
		})
		if !ok {
			return fmt.Errorf("execution %s has no series profile", shortID(entry.History.ID))
		}
		return a.displayProfile(entry.FullPath, &profile, pprofArgs)
	}

	return a.displayHistoryEntry(entry)
}

func (a *App) displayHistoryEntry(entry *history.Entry) error {
	h := entry.History
	w := a.stdout

	bold := color.New(color.Bold)
	bold.Fprintf(w, "=== %s suite: %s ===\n", h.Phase, shortID(h.ID))
	fmt.Fprintf(w, "Time: %s\n", h.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duration: %s\n", h.Duration)
	fmt.Fprintf(w, "Exit Code: %d\n", h.ExitCode)
	if h.WorkDir != "" {
		fmt.Fprintf(w, "Working Dir: %s\n", h.WorkDir)
	}
	if h.Git != nil && h.Git.Commit != "" {
		fmt.Fprintf(w, "Git Commit: %s", shortID(h.Git.Commit))
		if h.Git.Branch != "" {
			fmt.Fprintf(w, " (%s)", h.Git.Branch)
		}
		fmt.Fprintln(w)
	}
	if o := h.Options; o != nil {
		fmt.Fprintf(w, "Options: runs=%d retries=%d timeout=%s\n", o.Runs, o.Retries, o.Timeout)
		keys := lo.Keys(o.Tags)
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s=%s\n", k, o.Tags[k])
		}
	}
	for _, t := range h.Targets {
		name := t.App
		if name == "" {
			name = "(no app)"
		}
		fmt.Fprintf(w, "Target %s: %d/%d succeeded, %d retries\n", name, t.Succeeded, t.Attempts, t.Retries)
		if t.Error != "" {
			color.New(color.FgRed).Fprintf(w, "  %s\n", t.Error)
		}
	}
	fmt.Fprintln(w)

	points, ok := lo.Find(h.Artifacts, func(art model.Artifact) bool {
		return art.Type == model.ArtifactTypePoints
	})
	if !ok {
		fmt.Fprintln(w, "No points recorded")
		fmt.Fprintf(w, "History directory: %s\n", entry.FullPath)
		return nil
	}

	series, err := report.ReadFile(filepath.Join(entry.FullPath, points.File))
	if err != nil {
		return fmt.Errorf("failed to read points: %w", err)
	}

	bold.Fprintln(w, "Series (ms):")
	for _, s := range report.Summarize(series) {
		fmt.Fprintf(w, "  %s\n    n=%d mean=%.2f median=%.2f min=%.2f max=%.2f p95=%.2f stddev=%.2f\n",
			s.Series, s.Count, s.Mean, s.Median, s.Min, s.Max, s.P95, s.StdDev)
	}
	return nil
}

func (a *App) displayProfile(runDir string, artifact *model.Artifact, pprofArgs []string) error {
	profilePath := filepath.Join(runDir, artifact.File)
	fmt.Fprintf(a.stdout, "Profile: %s (%.1f KB)\n", profilePath, float64(artifact.Size)/1024)

	args := []string{"tool", "pprof"}
	args = append(args, pprofArgs...)
	args = append(args, profilePath)

	cmd := exec.Command("go", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = a.stdout
	cmd.Stderr = a.stderr
	cmd.Dir = runDir

	return cmd.Run()
}
