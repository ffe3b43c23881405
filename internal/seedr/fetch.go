package seedr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/jose987654/sonarr-plugin/internal/logctx"
)

const (
	dirPerm = 0755

	// Log a progress line roughly every 100MB of payload.
	progressLogInterval = int64(100 * 1024 * 1024)
)

// LocalIOError marks disk-side fetch failures (disk full, permissions) so
// the orchestrator can distinguish them from cloud-store failures.
type LocalIOError struct {
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local io error at %s: %v", e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error {
	return e.Err
}

// Fetch streams the content behind downloadURL to destPath. The target is
// always truncated first (overwrite-on-retry; no partial-resume contract
// with the cloud store). On any failure, including context cancellation,
// the partial file is removed.
func (c *Client) Fetch(ctx context.Context, downloadURL, destPath string, size int64) error {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return transportError("fetch", err)
	}

	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.fetchHTTP.Do(req)
	if err != nil {
		return transportError("fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("fetch", resp.StatusCode, "")
	}

	if err := os.MkdirAll(filepath.Dir(destPath), dirPerm); err != nil {
		return &LocalIOError{Path: filepath.Dir(destPath), Err: err}
	}

	out, err := os.Create(destPath)
	if err != nil {
		return &LocalIOError{Path: destPath, Err: err}
	}

	logger.InfoContext(ctx, "fetching file", "dest", destPath, "size", humanize.Bytes(uint64(max64(size, 0))))

	pr := newProgressReader(resp.Body, size, progressLogInterval, func(written, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "fetch progress",
				"dest", destPath,
				"written", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)))
		} else {
			logger.DebugContext(ctx, "fetch progress", "dest", destPath, "written", humanize.Bytes(uint64(written)))
		}
	})

	if _, err := io.Copy(out, pr); err != nil {
		out.Close()
		os.Remove(destPath)

		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}

		return transportError("fetch", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(destPath)

		return &LocalIOError{Path: destPath, Err: err}
	}

	logger.InfoContext(ctx, "fetched file", "dest", destPath)

	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}

	return b
}

// progressReader wraps an io.Reader and invokes a callback at byte-count
// intervals.
type progressReader struct {
	reader   io.Reader
	total    int64
	interval int64
	onChunk  func(written, total int64)

	written   int64
	lastGauge int64
}

func newProgressReader(r io.Reader, total, interval int64, cb func(written, total int64)) *progressReader {
	return &progressReader{reader: r, total: total, interval: interval, onChunk: cb}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.written += int64(n)
		pr.lastGauge += int64(n)

		if pr.lastGauge >= pr.interval {
			pr.onChunk(pr.written, pr.total)
			pr.lastGauge = 0
		}
	}

	return n, err
}
