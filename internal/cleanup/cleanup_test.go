package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jose987654/sonarr-plugin/internal/transfer"
)

func addImported(t *testing.T, tracker *transfer.Tracker, title string) {
	t.Helper()

	_, err := tracker.Add(title, "9", 0)
	require.NoError(t, err)
	require.NoError(t, tracker.SetStatus(title, transfer.StatusDownloading))
	require.NoError(t, tracker.SetStatus(title, transfer.StatusCompleted))
	require.NoError(t, tracker.SetStatus(title, transfer.StatusImported))
}

func contentDir(t *testing.T, downloadDir, title string, age time.Duration) string {
	t.Helper()

	dir := filepath.Join(downloadDir, title)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "episode.mkv"), []byte("payload"), 0o644))

	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, stamp, stamp))

	return dir
}

func TestDeleteExpiredContent(t *testing.T) {
	tracker := transfer.NewTracker(false)
	downloadDir := t.TempDir()

	addImported(t, tracker, "OldShow")
	addImported(t, tracker, "FreshShow")

	oldDir := contentDir(t, downloadDir, "OldShow", 48*time.Hour)
	freshDir := contentDir(t, downloadDir, "FreshShow", time.Hour)

	require.NoError(t, DeleteExpiredContent(context.Background(), tracker, downloadDir, 24*time.Hour))

	_, err := os.Stat(oldDir)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(freshDir)
	assert.NoError(t, err)

	_, err = tracker.Get("OldShow")
	assert.ErrorIs(t, err, transfer.ErrNotFound)

	_, err = tracker.Get("FreshShow")
	assert.NoError(t, err)
}

func TestDeleteExpiredContentSkipsActiveTransfers(t *testing.T) {
	tracker := transfer.NewTracker(false)
	downloadDir := t.TempDir()

	_, err := tracker.Add("Downloading", "9", 0)
	require.NoError(t, err)
	require.NoError(t, tracker.SetStatus("Downloading", transfer.StatusDownloading))

	dir := contentDir(t, downloadDir, "Downloading", 48*time.Hour)

	require.NoError(t, DeleteExpiredContent(context.Background(), tracker, downloadDir, 24*time.Hour))

	_, err = os.Stat(dir)
	assert.NoError(t, err)

	_, err = tracker.Get("Downloading")
	assert.NoError(t, err)
}

func TestDeleteExpiredContentDropsStaleRecords(t *testing.T) {
	tracker := transfer.NewTracker(false)
	downloadDir := t.TempDir()

	// Imported, but the content was already removed out of band.
	addImported(t, tracker, "Vanished")

	require.NoError(t, DeleteExpiredContent(context.Background(), tracker, downloadDir, 24*time.Hour))

	_, err := tracker.Get("Vanished")
	assert.ErrorIs(t, err, transfer.ErrNotFound)
}
