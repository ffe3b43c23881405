package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/bencode"

	"github.com/jose987654/sonarr-plugin/internal/logctx"
	"github.com/jose987654/sonarr-plugin/internal/storage"
)

const (
	processedSubdir = "processed"
	errorSubdir     = "error"
)

// Kind discriminates the two descriptor file formats.
type Kind string

const (
	KindTorrent Kind = "torrent"
	KindMagnet  Kind = "magnet"
)

// Descriptor is one discovered torrent or magnet file, emitted exactly
// once per filesystem entry.
type Descriptor struct {
	Path         string
	Title        string
	Kind         Kind
	DiscoveredAt time.Time
}

// Dispatcher receives each stable, not-yet-processed descriptor.
type Dispatcher interface {
	Dispatch(ctx context.Context, desc Descriptor) error
}

// Status is a point-in-time view of the watcher for the dashboard.
type Status struct {
	Running     bool      `json:"running"`
	Dir         string    `json:"dir"`
	LastScan    time.Time `json:"last_scan"`
	Pending     int       `json:"pending"`
	Dispatched  int       `json:"dispatched"`
	ScanFailed  int       `json:"scan_failed"`
	NextScanDue time.Time `json:"next_scan_due"`
}

type fileState struct {
	size  int64
	mtime time.Time
}

// Recorder counts dispatch outcomes. Satisfied by telemetry.
type Recorder interface {
	RecordWatcherDispatch(outcome string)
}

// Watcher polls a directory for .torrent and .magnet files and dispatches
// each one at most once. A file is only dispatched once its size and mtime
// are unchanged between two consecutive scans, so a file still being
// written is never picked up half-way.
type Watcher struct {
	processed storage.ProcessedRepository
	dispatch  Dispatcher
	recorder  Recorder
	interval  time.Duration

	mu         sync.Mutex
	dir        string
	running    bool
	pending    map[string]fileState
	lastScan   time.Time
	dispatched int
	scanFailed int
}

// NewWatcher builds a watcher over dir. The watcher does not scan until
// Start is called (or Run is launched with running preset via Start).
func NewWatcher(dir string, processed storage.ProcessedRepository, dispatch Dispatcher, interval time.Duration, recorder Recorder) *Watcher {
	return &Watcher{
		processed: processed,
		dispatch:  dispatch,
		recorder:  recorder,
		interval:  interval,
		dir:       dir,
		pending:   map[string]fileState{},
	}
}

// Start enables scanning, optionally switching to a new directory. The
// stability map is reset when the directory changes.
func (w *Watcher) Start(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if dir != "" && dir != w.dir {
		w.dir = dir
		w.pending = map[string]fileState{}
	}

	w.running = true
}

// Stop disables scanning without tearing down the run loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.running = false
}

// Status reports the watcher state for the dashboard.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Status{
		Running:     w.running,
		Dir:         w.dir,
		LastScan:    w.lastScan,
		Pending:     len(w.pending),
		Dispatched:  w.dispatched,
		ScanFailed:  w.scanFailed,
		NextScanDue: w.lastScan.Add(w.interval),
	}
}

// Run drives the periodic scan until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "watcher stopped")

			return
		case <-ticker.C:
			if !w.enabled() {
				continue
			}

			w.scanOnce(ctx)
		}
	}
}

func (w *Watcher) enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.running
}

// scanOnce lists the watched directory and dispatches every stable,
// not-yet-processed descriptor file. Per-file failures are logged and do
// not halt the scan of the remaining files.
func (w *Watcher) scanOnce(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	w.mu.Lock()
	dir := w.dir
	w.lastScan = time.Now()
	w.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list watched directory", "dir", dir, "error", err)

		w.mu.Lock()
		w.scanFailed++
		w.mu.Unlock()

		return
	}

	seen := map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() || descriptorKind(entry.Name()) == "" {
			continue
		}

		name := entry.Name()
		seen[name] = true

		done, err := w.processed.IsProcessed(name)
		if err != nil {
			logger.ErrorContext(ctx, "processed-set lookup failed", "file", name, "error", err)

			continue
		}

		if done {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		state := fileState{size: info.Size(), mtime: info.ModTime()}

		w.mu.Lock()
		prev, known := w.pending[name]
		w.pending[name] = state
		w.mu.Unlock()

		// Dispatch only once the file is unchanged across two scans.
		if !known || prev != state {
			continue
		}

		path := filepath.Join(dir, name)
		if err := w.dispatchFile(ctx, path); err != nil {
			logger.ErrorContext(ctx, "descriptor dispatch failed", "file", name, "error", err)
		}

		w.mu.Lock()
		delete(w.pending, name)
		w.mu.Unlock()
	}

	// Drop stability entries for files that disappeared between scans.
	w.mu.Lock()
	for name := range w.pending {
		if !seen[name] {
			delete(w.pending, name)
		}
	}
	w.mu.Unlock()
}

// Scan lists discoverable files that have not been dispatched yet,
// without dispatching them.
func (w *Watcher) Scan(ctx context.Context) ([]Descriptor, error) {
	w.mu.Lock()
	dir := w.dir
	w.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list watched directory: %w", err)
	}

	var found []Descriptor

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		kind := descriptorKind(entry.Name())
		if kind == "" {
			continue
		}

		done, err := w.processed.IsProcessed(entry.Name())
		if err != nil {
			return nil, err
		}

		if done {
			continue
		}

		found = append(found, Descriptor{
			Path:         filepath.Join(dir, entry.Name()),
			Title:        titleOf(entry.Name()),
			Kind:         kind,
			DiscoveredAt: time.Now(),
		})
	}

	return found, nil
}

// UploadFile dispatches a single file immediately, bypassing the
// stability check. The path must live inside the watched directory.
func (w *Watcher) UploadFile(ctx context.Context, path string) error {
	if err := w.guardPath(path); err != nil {
		return err
	}

	name := filepath.Base(path)

	done, err := w.processed.IsProcessed(name)
	if err != nil {
		return err
	}

	if done {
		return fmt.Errorf("%s has already been processed", name)
	}

	return w.dispatchFile(ctx, path)
}

// DeleteFile removes a descriptor file from the watched directory without
// dispatching it.
func (w *Watcher) DeleteFile(path string) error {
	if err := w.guardPath(path); err != nil {
		return err
	}

	w.mu.Lock()
	delete(w.pending, filepath.Base(path))
	w.mu.Unlock()

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}

	return nil
}

// guardPath rejects paths outside the watched directory.
func (w *Watcher) guardPath(path string) error {
	w.mu.Lock()
	dir := w.dir
	w.mu.Unlock()

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	if filepath.Dir(abs) != absDir {
		return fmt.Errorf("%s is outside the watched directory", path)
	}

	return nil
}

// dispatchFile validates, dispatches and archives one descriptor file.
// The file always ends up in exactly one of processed/ or error/.
func (w *Watcher) dispatchFile(ctx context.Context, path string) error {
	logger := logctx.LoggerFromContext(ctx)
	name := filepath.Base(path)

	desc := Descriptor{
		Path:         path,
		Title:        titleOf(name),
		Kind:         descriptorKind(name),
		DiscoveredAt: time.Now(),
	}

	if desc.Kind == KindTorrent {
		if err := validateTorrent(path); err != nil {
			logger.WarnContext(ctx, "invalid torrent file", "file", name, "error", err)
			w.archive(ctx, path, errorSubdir, storage.OutcomeError)
			w.record("invalid")

			return fmt.Errorf("invalid torrent file %s: %w", name, err)
		}
	}

	if err := w.dispatch.Dispatch(ctx, desc); err != nil {
		w.archive(ctx, path, errorSubdir, storage.OutcomeError)
		w.record("error")

		return err
	}

	w.archive(ctx, path, processedSubdir, storage.OutcomeProcessed)
	w.record("processed")

	w.mu.Lock()
	w.dispatched++
	w.mu.Unlock()

	logger.InfoContext(ctx, "descriptor dispatched", "file", name, "title", desc.Title, "kind", desc.Kind)

	return nil
}

func (w *Watcher) record(outcome string) {
	if w.recorder != nil {
		w.recorder.RecordWatcherDispatch(outcome)
	}
}

// archive moves a file into the processed/ or error/ subdirectory and
// records it in the processed set so it is never dispatched again.
func (w *Watcher) archive(ctx context.Context, path, subdir, outcome string) {
	logger := logctx.LoggerFromContext(ctx)
	name := filepath.Base(path)

	dest, err := moveToSubdir(path, subdir)
	if err != nil {
		// Local IO failure: leave the file in place for inspection but
		// still mark it processed so it is not dispatched twice.
		logger.ErrorContext(ctx, "failed to archive descriptor", "file", name, "error", err)
	}

	if err := w.processed.MarkProcessed(storage.ProcessedFile{
		Filename:    name,
		ArchivedTo:  dest,
		Outcome:     outcome,
		ProcessedAt: time.Now(),
	}); err != nil {
		logger.ErrorContext(ctx, "failed to record processed file", "file", name, "error", err)
	}
}

// moveToSubdir renames path into a sibling subdirectory, suffixing the
// name on collision and falling back to copy+remove for cross-device
// moves.
func moveToSubdir(path, subdir string) (string, error) {
	dir := filepath.Dir(path)
	name := filepath.Base(path)

	destDir := filepath.Join(dir, subdir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", destDir, err)
	}

	dest := filepath.Join(destDir, name)

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 1; ; i++ {
		if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
			break
		}

		dest = filepath.Join(destDir, fmt.Sprintf("%s.%d%s", base, i, ext))
	}

	if err := os.Rename(path, dest); err == nil {
		return dest, nil
	}

	if err := copyFile(path, dest); err != nil {
		return "", err
	}

	if err := os.Remove(path); err != nil {
		return dest, fmt.Errorf("failed to remove original %s: %w", path, err)
	}

	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)

		return err
	}

	return out.Close()
}

// validateTorrent checks that the file is a bencoded dictionary carrying
// an info key, which every valid .torrent has.
func validateTorrent(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var root map[string]bencode.RawMessage
	if err := bencode.DecodeBytes(data, &root); err != nil {
		return fmt.Errorf("not a bencoded dictionary: %w", err)
	}

	if _, ok := root["info"]; !ok {
		return errors.New("missing info dictionary")
	}

	return nil
}

func descriptorKind(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".torrent":
		return KindTorrent
	case ".magnet":
		return KindMagnet
	default:
		return ""
	}
}

func titleOf(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
