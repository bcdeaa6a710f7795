package runner

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

// tempArtifactPattern matches ephemeral engine-managed scratch directories
// left in the working directory.
var tempArtifactPattern = regexp.MustCompile(`(?i)^tmpclaude-[a-f0-9]+-cwd$`)

// CleanupTempArtifacts removes engine scratch directories under cwd. Runs
// on every run exit path; best-effort — scan and removal errors are
// swallowed so cleanup never masks the run's real outcome.
func CleanupTempArtifacts(cwd string) {
	if cwd == "" {
		return
	}

	entries, err := os.ReadDir(cwd)
	if err != nil {
		slog.Debug("temp artifact scan skipped", "cwd", cwd, "error", err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() || !tempArtifactPattern.MatchString(entry.Name()) {
			continue
		}
		full := filepath.Join(cwd, entry.Name())
		if err := os.RemoveAll(full); err != nil {
			slog.Debug("temp artifact removal failed", "path", full, "error", err)
			continue
		}
		slog.Debug("temp artifact removed", "path", full)
	}
}
