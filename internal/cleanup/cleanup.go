package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/jose987654/sonarr-plugin/internal/logctx"
	"github.com/jose987654/sonarr-plugin/internal/transfer"
)

// DeleteExpiredContent removes the local content of transfers that were
// imported longer than keepDuration ago, then drops them from the
// registry. The imported instant is taken from the content directory's
// mod time, which the fetcher leaves at fetch completion.
func DeleteExpiredContent(ctx context.Context, tracker *transfer.Tracker, downloadDir string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	for _, tr := range tracker.Snapshot() {
		if tr.Status != transfer.StatusImported {
			continue
		}

		contentDir := filepath.Join(downloadDir, tr.Title)

		info, err := os.Stat(contentDir)
		if err != nil {
			if os.IsNotExist(err) {
				// Content removed out of band. Drop the stale record.
				tracker.Remove(tr.Title)

				continue
			}

			logger.ErrorContext(ctx, "failed to stat content dir", "dir", contentDir, "error", err)

			return err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.RemoveAll(contentDir); err != nil {
			logger.ErrorContext(ctx, "failed to delete expired content", "dir", contentDir, "error", err)

			return err
		}

		tracker.Remove(tr.Title)

		logger.InfoContext(ctx, "deleted expired content", "title", tr.Title, "dir", contentDir)
	}

	return nil
}
