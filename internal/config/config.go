package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	SeedrBaseURL  string `envconfig:"SEEDR_BASE_URL" default:"https://www.seedr.cc"`
	SeedrClientID string `envconfig:"SEEDR_CLIENT_ID" default:"seedr_xbmc"`
	TokenPath     string `envconfig:"TOKEN_PATH" default:"credentials.json"`

	WatchDir    string `envconfig:"WATCH_DIR" required:"true"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`

	SonarrHost   string `envconfig:"SONARR_HOST"`
	SonarrAPIKey string `envconfig:"SONARR_API_KEY"`

	ScanInterval       time.Duration `envconfig:"SCAN_INTERVAL" default:"30s"`
	ReconcileInterval  time.Duration `envconfig:"RECONCILE_INTERVAL" default:"15s"`
	FetchRetryLimit    int           `envconfig:"FETCH_RETRY_LIMIT" default:"5"`
	TokenRefreshMargin time.Duration `envconfig:"TOKEN_REFRESH_MARGIN" default:"60s"`
	DevicePollInterval time.Duration `envconfig:"DEVICE_POLL_INTERVAL" default:"5s"`
	DevicePollTimeout  time.Duration `envconfig:"DEVICE_POLL_TIMEOUT" default:"5m"`
	MaxParallel        int           `envconfig:"MAX_PARALLEL" default:"5"`

	DuplicateTitleCaseInsensitive bool `envconfig:"DUPLICATE_TITLE_CASE_INSENSITIVE" default:"false"`

	KeepImportedFor time.Duration `envconfig:"KEEP_IMPORTED_FOR" default:"0"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string `envconfig:"DB_PATH" default:"seedrsync.db"`
	WatcherConfigPath string `envconfig:"WATCHER_CONFIG_PATH" default:"watcher.json"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WatcherConfig is the runtime watcher configuration the dashboard can
// change without restarting the process. It is persisted next to the
// database so the values survive restarts.
type WatcherConfig struct {
	TorrentDir  string `json:"torrent_dir"`
	DownloadDir string `json:"download_dir"`
	AutoStart   bool   `json:"auto_start"`
}

// LoadWatcherConfig reads the persisted watcher configuration. When the
// file does not exist it falls back to the environment defaults.
func LoadWatcherConfig(path string, fallback WatcherConfig) (WatcherConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fallback, nil
	}

	if err != nil {
		return fallback, fmt.Errorf("failed to read watcher config: %w", err)
	}

	var wc WatcherConfig
	if err := json.Unmarshal(data, &wc); err != nil {
		return fallback, fmt.Errorf("failed to parse watcher config: %w", err)
	}

	return wc, nil
}

// SaveWatcherConfig persists the watcher configuration atomically.
func SaveWatcherConfig(path string, wc WatcherConfig) error {
	data, err := json.MarshalIndent(wc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode watcher config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create watcher config dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write watcher config: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace watcher config: %w", err)
	}

	return nil
}
