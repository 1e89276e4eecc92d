package cli

// This file contains execution recording functionality for saving
// suite metadata and artifacts to the history directory.

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/raptor/history"
	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/report"
)

// historyRoot returns the configured history directory or the default one
func historyRoot(ctx *cli.Context) (string, error) {
	if dir := ctx.String("history-dir"); dir != "" {
		return dir, nil
	}
	return history.Root()
}

// prepareHistoryDir creates the directory of this execution, so sinks can write
// into it while the suite runs
func (a *App) prepareHistoryDir(ctx *cli.Context, h *model.History) (string, error) {
	root, err := historyRoot(ctx)
	if err != nil {
		return "", err
	}

	runDir := history.RunDir(root, h)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	return runDir, nil
}

func pointsPath(runDir string) string {
	return filepath.Join(runDir, report.PointsFile)
}

// recordHistory writes the series profile, registers the artifacts present in runDir
// and writes the execution metadata
func (a *App) recordHistory(h *model.History, runDir string, series model.Series) error {
	if series.Len() > 0 {
		if err := writeProfile(filepath.Join(runDir, report.ProfileFile), series, h.Timestamp); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to write series profile")
		}
	}

	for _, artifact := range []struct {
		file string
		typ  model.ArtifactType
	}{
		{file: report.PointsFile, typ: model.ArtifactTypePoints},
		{file: report.ProfileFile, typ: model.ArtifactTypePprofProfile},
	} {
		info, err := os.Stat(filepath.Join(runDir, artifact.file))
		if err != nil {
			continue
		}
		h.Artifacts = append(h.Artifacts, model.Artifact{
			Type: artifact.typ,
			Size: uint64(info.Size()),
			File: artifact.file,
		})
	}

	if err := history.Write(runDir, h); err != nil {
		return err
	}

	a.logger.Info().Str("dir", runDir).Str("id", h.ID).Msg("Recorded execution")
	return nil
}

func writeProfile(path string, series model.Series, at time.Time) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WriteProfile(f, series, at); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
