package worker

import (
	"log/slog"
	"os"
	"path/filepath"

	"media-pipeline/internal/telemetry"
)

// removeWorkingDirectory deletes a job's scratch directory. Failures are logged only.
func removeWorkingDirectory(log *slog.Logger, path string) {
	if path == "" || filepath.Clean(path) == string(filepath.Separator) {
		log.Warn("refusing to remove working directory", "path", path)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		telemetry.CleanupFailures.Inc()
		log.Warn("working directory cleanup failed", "path", path, "err", err)
		return
	}
	log.Debug("working directory removed", "path", path)
}
