package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zdm/zdm/internal/logctx"
	"github.com/zdm/zdm/internal/storage/sqlite"
)

// SweepManifests removes sidecar manifests whose destination file no
// longer exists and whose last activity is older than keepDuration.
// A manifest with a live destination is in-progress transfer state and
// is always kept, whatever its age.
func SweepManifests(ctx context.Context, dir string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Error("Failed to read manifest directory", "dir", dir, "err", err)

		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sqlite.SidecarSuffix) {
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		sidecar := filepath.Join(dir, entry.Name())
		dest := strings.TrimSuffix(sidecar, sqlite.SidecarSuffix)

		if _, err := os.Stat(dest); err == nil {
			continue // destination still present, manifest may be resumed
		}

		info, err := entry.Info()
		if err != nil {
			logger.Error("Failed to stat manifest", "file", sidecar, "err", err)

			return err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete orphaned manifest", "file", sidecar, "err", err)

			return err
		}

		logger.Info("Deleted orphaned manifest", "file", sidecar)
	}

	return nil
}
