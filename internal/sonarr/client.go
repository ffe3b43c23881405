package sonarr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jose987654/sonarr-plugin/internal/logctx"
)

// Client talks to the Sonarr v3 API. An empty host disables the
// integration entirely: every call short-circuits to a no-op success, so
// torrent syncing works standalone.
type Client struct {
	client *http.Client
	host   string
	apiKey string
}

// Series is one entry of the Sonarr catalog.
type Series struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

func NewClient(host, apiKey string) *Client {
	return &Client{
		client: &http.Client{Timeout: 30 * time.Second},
		host:   strings.TrimRight(host, "/"),
		apiKey: apiKey,
	}
}

// Enabled reports whether a Sonarr host is configured.
func (c *Client) Enabled() bool {
	return c.host != ""
}

// GetSeries lists the Sonarr catalog so a transfer can optionally be
// associated with a series at creation time.
func (c *Client) GetSeries(ctx context.Context) ([]Series, error) {
	if !c.Enabled() {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/v3/series", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create series request: %w", err)
	}

	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("series request failed with status %d", resp.StatusCode)
	}

	var series []Series
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return nil, fmt.Errorf("failed to decode series response: %w", err)
	}

	return series, nil
}

// TriggerImportScan asks Sonarr to scan path for completed downloads.
// Failure here is non-fatal to the caller: the content already exists on
// disk regardless of the import outcome.
func (c *Client) TriggerImportScan(ctx context.Context, path string) error {
	logger := logctx.LoggerFromContext(ctx)

	if !c.Enabled() {
		logger.DebugContext(ctx, "sonarr host not configured, skipping import scan")

		return nil
	}

	body, err := json.Marshal(map[string]string{
		"name": "DownloadedEpisodesScan",
		"path": path,
	})
	if err != nil {
		return fmt.Errorf("failed to encode scan command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/v3/command", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create scan request: %w", err)
	}

	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to trigger import scan: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("import scan failed with status %d", resp.StatusCode)
	}

	logger.InfoContext(ctx, "triggered sonarr import scan", "path", path)

	return nil
}
