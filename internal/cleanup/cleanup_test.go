package cleanup_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zdm/zdm/internal/cleanup"
	"github.com/zdm/zdm/internal/storage/sqlite"
)

func writeFile(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestSweepManifests(t *testing.T) {
	dir := t.TempDir()

	// Orphaned and stale: destination gone, manifest old. Must go.
	stale := filepath.Join(dir, "gone.bin"+sqlite.SidecarSuffix)
	writeFile(t, stale, 48*time.Hour)

	// Orphaned but recent: destination gone, manifest fresh. Kept.
	fresh := filepath.Join(dir, "recent.bin"+sqlite.SidecarSuffix)
	writeFile(t, fresh, time.Hour)

	// In-progress: destination still on disk. Kept regardless of age.
	active := filepath.Join(dir, "active.bin")
	writeFile(t, active, 0)
	activeManifest := active + sqlite.SidecarSuffix
	writeFile(t, activeManifest, 48*time.Hour)

	// Unrelated file, never touched.
	other := filepath.Join(dir, "notes.txt")
	writeFile(t, other, 48*time.Hour)

	require.NoError(t, cleanup.SweepManifests(context.Background(), dir, 24*time.Hour))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale orphaned manifest should be removed")

	for _, kept := range []string{fresh, activeManifest, other} {
		_, err := os.Stat(kept)
		assert.NoError(t, err, "%s should be kept", kept)
	}
}

func TestSweepManifests_MissingDir(t *testing.T) {
	err := cleanup.SweepManifests(context.Background(), filepath.Join(t.TempDir(), "absent"), time.Hour)
	assert.Error(t, err)
}
