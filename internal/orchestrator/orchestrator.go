package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jose987654/sonarr-plugin/internal/logctx"
	"github.com/jose987654/sonarr-plugin/internal/notifier"
	"github.com/jose987654/sonarr-plugin/internal/seedr"
	"github.com/jose987654/sonarr-plugin/internal/sonarr"
	"github.com/jose987654/sonarr-plugin/internal/telemetry"
	"github.com/jose987654/sonarr-plugin/internal/transfer"
	"github.com/jose987654/sonarr-plugin/internal/watcher"
)

// CloudClient is the cloud store surface the orchestrator drives.
type CloudClient interface {
	Authenticated() bool
	StartDeviceAuth(ctx context.Context) (*seedr.DeviceSession, error)
	PollDeviceAuth(ctx context.Context, session *seedr.DeviceSession) (seedr.PollState, error)
	Logout() error
	AccountInfo(ctx context.Context) (*seedr.Account, error)
	ListTasks(ctx context.Context) ([]transfer.CloudTask, error)
	SubmitMagnet(ctx context.Context, magnet string) (string, error)
	SubmitTorrent(ctx context.Context, raw []byte, filename string) (string, error)
	ListFiles(ctx context.Context, cloudID string) ([]seedr.RemoteFile, error)
	DownloadURL(ctx context.Context, fileID string) (string, error)
	Fetch(ctx context.Context, downloadURL, destPath string, size int64) error
	PauseTask(ctx context.Context, cloudID string) error
	ResumeTask(ctx context.Context, cloudID string) error
	DeleteTask(ctx context.Context, cloudID string) error
}

// LibraryClient is the optional library manager surface.
type LibraryClient interface {
	Enabled() bool
	GetSeries(ctx context.Context) ([]sonarr.Series, error)
	TriggerImportScan(ctx context.Context, path string) error
}

// Config carries the orchestrator tunables.
type Config struct {
	DownloadDir       string
	MaxParallel       int
	FetchRetryLimit   int
	ReconcileInterval time.Duration
	DevicePollTimeout time.Duration
}

// Orchestrator ties the watcher, the cloud store, the tracker and the
// library manager together. It owns the reconcile loop and all in-flight
// fetches; the registry lock is never held across a network call.
type Orchestrator struct {
	cfg     Config
	cloud   CloudClient
	library LibraryClient
	tracker *transfer.Tracker
	notify  notifier.Notifier
	tel     *telemetry.Telemetry

	mu      sync.Mutex
	baseCtx context.Context
	fetches map[string]context.CancelFunc

	authMu       sync.Mutex
	session      *seedr.DeviceSession
	pollDeadline time.Time
}

func New(cfg Config, cloud CloudClient, library LibraryClient, tracker *transfer.Tracker, notify notifier.Notifier, tel *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		cloud:   cloud,
		library: library,
		tracker: tracker,
		notify:  notify,
		tel:     tel,
		fetches: map[string]context.CancelFunc{},
	}
}

// Run drives the reconcile loop until ctx is cancelled. Fetch tasks are
// children of ctx, so cancelling it also stops every in-flight fetch.
func (o *Orchestrator) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "orchestrator stopped")

			return
		case <-ticker.C:
			o.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce pulls one full transfer snapshot from the cloud store and
// applies it to the registry, then starts fetches for anything that
// reached completed.
func (o *Orchestrator) reconcileOnce(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if !o.cloud.Authenticated() {
		return
	}

	var tasks []transfer.CloudTask

	err := o.tel.InstrumentCloudOperation(ctx, "list_tasks", func(ctx context.Context) error {
		var err error
		tasks, err = o.cloud.ListTasks(ctx)

		return err
	})
	if err != nil {
		if seedr.IsUnauthenticated(err) {
			logger.WarnContext(ctx, "cloud store session expired, login required")
		} else {
			logger.ErrorContext(ctx, "failed to list cloud transfers", "error", err)
		}

		return
	}

	completed := o.tracker.Reconcile(tasks)
	for _, title := range completed {
		logger.InfoContext(ctx, "transfer completed on cloud store", "title", title)
	}

	for _, tr := range o.tracker.Snapshot() {
		if tr.IsFetchable() {
			o.startFetch(tr.Title)
		}
	}
}

// startFetch launches the fetch task for a transfer unless one is already
// in flight.
func (o *Orchestrator) startFetch(title string) {
	o.mu.Lock()

	if o.baseCtx == nil {
		o.mu.Unlock()

		return
	}

	if _, running := o.fetches[title]; running {
		o.mu.Unlock()

		return
	}

	fctx, cancel := context.WithCancel(o.baseCtx)
	o.fetches[title] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			cancel()

			o.mu.Lock()
			delete(o.fetches, title)
			o.mu.Unlock()
		}()

		o.fetchTransfer(fctx, title)
	}()
}

// cancelFetch stops the in-flight fetch for a transfer, if any.
func (o *Orchestrator) cancelFetch(title string) {
	o.mu.Lock()
	cancel, ok := o.fetches[title]
	o.mu.Unlock()

	if ok {
		cancel()
	}
}

// fetchTransfer pulls every file of a completed transfer into
// downloadDir/<title>/ and advances the transfer to imported. On failure
// the transfer stays completed so the next reconcile cycle retries it,
// until the retry budget runs out.
func (o *Orchestrator) fetchTransfer(ctx context.Context, title string) {
	logger := logctx.LoggerFromContext(ctx).With("title", title)
	ctx = logctx.WithLogger(ctx, logger)

	tr, err := o.tracker.Get(title)
	if err != nil {
		return
	}

	err = o.tel.InstrumentFetch(ctx, func(ctx context.Context) error {
		return o.fetchFiles(ctx, tr)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by delete or shutdown. Partial files are already
			// cleaned up by the fetcher.
			return
		}

		o.handleFetchFailure(ctx, title, err)

		return
	}

	destDir := filepath.Join(o.cfg.DownloadDir, title)

	// Import notification failure is non-fatal: the content is already on
	// disk, so the transfer still advances to imported.
	if err := o.library.TriggerImportScan(ctx, destDir); err != nil {
		logger.WarnContext(ctx, "library import scan failed", "error", err)
	}

	if err := o.tracker.SetStatus(title, transfer.StatusImported); err != nil {
		logger.ErrorContext(ctx, "failed to mark transfer imported", "error", err)

		return
	}

	o.tel.RecordTransfer("import", "success")
	o.sendNotification(ctx, fmt.Sprintf("Imported %s", title))

	logger.InfoContext(ctx, "transfer imported", "dest", destDir)
}

// fetchFiles downloads all files of one transfer, bounded by MaxParallel.
func (o *Orchestrator) fetchFiles(ctx context.Context, tr transfer.Transfer) error {
	files, err := o.cloud.ListFiles(ctx, tr.CloudID)
	if err != nil {
		return fmt.Errorf("failed to list files: %w", err)
	}

	if len(files) == 0 {
		return errors.New("transfer has no files")
	}

	destDir := filepath.Join(o.cfg.DownloadDir, tr.Title)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return &seedr.LocalIOError{Path: destDir, Err: err}
	}

	wg, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, o.cfg.MaxParallel)

	for i := range files {
		file := files[i]
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }()

			url, err := o.cloud.DownloadURL(ctx, file.ID)
			if err != nil {
				return fmt.Errorf("failed to resolve download url for %s: %w", file.Name, err)
			}

			return o.cloud.Fetch(ctx, url, filepath.Join(destDir, file.Name), file.Size)
		})
	}

	return wg.Wait()
}

// handleFetchFailure applies the bounded-retry policy: the transfer stays
// completed until the retry budget is exhausted, then goes to error.
func (o *Orchestrator) handleFetchFailure(ctx context.Context, title string, cause error) {
	logger := logctx.LoggerFromContext(ctx)

	retries, err := o.tracker.IncrementRetry(title)
	if err != nil {
		return
	}

	if retries < o.cfg.FetchRetryLimit {
		logger.WarnContext(ctx, "fetch failed, will retry",
			"retries", retries, "limit", o.cfg.FetchRetryLimit, "error", cause)

		return
	}

	logger.ErrorContext(ctx, "fetch retry budget exhausted", "retries", retries, "error", cause)

	if err := o.tracker.MarkError(title, "fetch failed"); err != nil {
		logger.ErrorContext(ctx, "failed to mark transfer as error", "error", err)

		return
	}

	o.tel.RecordTransfer("fetch", "error")
	o.sendNotification(ctx, fmt.Sprintf("Fetch failed for %s after %d attempts", title, retries))
}

func (o *Orchestrator) sendNotification(ctx context.Context, content string) {
	if o.notify == nil {
		return
	}

	if err := o.notify.Notify(content); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "notification failed", "error", err)
	}
}

// Dispatch implements watcher.Dispatcher: it uploads one descriptor file
// to the cloud store and registers the resulting transfer.
func (o *Orchestrator) Dispatch(ctx context.Context, desc watcher.Descriptor) error {
	if o.tracker.Exists(desc.Title) {
		return transfer.ErrDuplicateTitle
	}

	data, err := os.ReadFile(desc.Path)
	if err != nil {
		return &seedr.LocalIOError{Path: desc.Path, Err: err}
	}

	var cloudID string

	err = o.tel.InstrumentCloudOperation(ctx, "submit", func(ctx context.Context) error {
		var err error

		switch desc.Kind {
		case watcher.KindMagnet:
			cloudID, err = o.cloud.SubmitMagnet(ctx, strings.TrimSpace(string(data)))
		default:
			cloudID, err = o.cloud.SubmitTorrent(ctx, data, filepath.Base(desc.Path))
		}

		return err
	})
	if err != nil {
		return fmt.Errorf("failed to submit %s: %w", desc.Title, err)
	}

	if _, err := o.tracker.Add(desc.Title, cloudID, 0); err != nil {
		return err
	}

	o.tel.RecordTransfer("submit", "success")

	return nil
}

// Add submits a magnet or torrent URL supplied through the dashboard.
func (o *Orchestrator) Add(ctx context.Context, title, downloadURL string, seriesID int64) (transfer.Transfer, error) {
	if title == "" || downloadURL == "" {
		return transfer.Transfer{}, errors.New("title and download_url are required")
	}

	if o.tracker.Exists(title) {
		return transfer.Transfer{}, transfer.ErrDuplicateTitle
	}

	var cloudID string

	err := o.tel.InstrumentCloudOperation(ctx, "submit", func(ctx context.Context) error {
		var err error
		cloudID, err = o.cloud.SubmitMagnet(ctx, downloadURL)

		return err
	})
	if err != nil {
		return transfer.Transfer{}, err
	}

	tr, err := o.tracker.Add(title, cloudID, seriesID)
	if err != nil {
		return transfer.Transfer{}, err
	}

	o.tel.RecordTransfer("submit", "success")

	return tr, nil
}

// Pause suspends a downloading transfer on the cloud store.
func (o *Orchestrator) Pause(ctx context.Context, title string) error {
	tr, err := o.tracker.Get(title)
	if err != nil {
		return err
	}

	if tr.Status != transfer.StatusDownloading {
		return fmt.Errorf("pause only valid while downloading, transfer %q is %s", title, tr.Status)
	}

	if err := o.cloud.PauseTask(ctx, tr.CloudID); err != nil {
		return err
	}

	return o.tracker.SetStatus(title, transfer.StatusPaused)
}

// Resume continues a paused transfer on the cloud store.
func (o *Orchestrator) Resume(ctx context.Context, title string) error {
	tr, err := o.tracker.Get(title)
	if err != nil {
		return err
	}

	if tr.Status != transfer.StatusPaused {
		return fmt.Errorf("resume only valid while paused, transfer %q is %s", title, tr.Status)
	}

	if err := o.cloud.ResumeTask(ctx, tr.CloudID); err != nil {
		return err
	}

	return o.tracker.SetStatus(title, transfer.StatusDownloading)
}

// Delete removes a transfer from the cloud store and the registry,
// cancelling any in-flight fetch. Irreversible.
func (o *Orchestrator) Delete(ctx context.Context, title string) error {
	tr, err := o.tracker.Get(title)
	if err != nil {
		return err
	}

	o.cancelFetch(title)

	if tr.CloudID != "" {
		err := o.cloud.DeleteTask(ctx, tr.CloudID)
		if err != nil && seedr.KindOf(err) != seedr.KindNotFound {
			return err
		}
	}

	o.tel.RecordTransfer("delete", "success")

	return o.tracker.Remove(title)
}

// ManualDownload starts the fetch for a completed transfer immediately
// instead of waiting for the next reconcile cycle.
func (o *Orchestrator) ManualDownload(title string) error {
	tr, err := o.tracker.Get(title)
	if err != nil {
		return err
	}

	if !tr.IsFetchable() {
		return fmt.Errorf("download only valid once completed, transfer %q is %s", title, tr.Status)
	}

	o.startFetch(title)

	return nil
}

// NotifyLibrary re-triggers the library import scan for a transfer whose
// content is already on disk.
func (o *Orchestrator) NotifyLibrary(ctx context.Context, title string) error {
	tr, err := o.tracker.Get(title)
	if err != nil {
		return err
	}

	if tr.Status != transfer.StatusCompleted && tr.Status != transfer.StatusImported {
		return fmt.Errorf("notify only valid once content is fetched, transfer %q is %s", title, tr.Status)
	}

	if err := o.library.TriggerImportScan(ctx, filepath.Join(o.cfg.DownloadDir, title)); err != nil {
		return err
	}

	if tr.Status == transfer.StatusCompleted {
		return o.tracker.SetStatus(title, transfer.StatusImported)
	}

	return nil
}

// Series lists the library manager's series catalog so the dashboard can
// associate a new transfer with one.
func (o *Orchestrator) Series(ctx context.Context) ([]sonarr.Series, error) {
	return o.library.GetSeries(ctx)
}

// RetryFailed puts an errored transfer back in the queue with a fresh
// retry budget.
func (o *Orchestrator) RetryFailed(title string) error {
	return o.tracker.Retry(title)
}

// Transfers returns the registry snapshot for the dashboard.
func (o *Orchestrator) Transfers() []transfer.Transfer {
	return o.tracker.Snapshot()
}

// Authenticated reports whether a usable credential is available.
func (o *Orchestrator) Authenticated() bool {
	return o.cloud.Authenticated()
}

// Account returns the cloud store account summary for the dashboard.
func (o *Orchestrator) Account(ctx context.Context) (*seedr.Account, error) {
	var acct *seedr.Account

	err := o.tel.InstrumentCloudOperation(ctx, "account_info", func(ctx context.Context) error {
		var err error
		acct, err = o.cloud.AccountInfo(ctx)

		return err
	})

	return acct, err
}

// StartLogin begins a device-auth session, reusing the current one while
// it is still alive. At most one session exists per process.
func (o *Orchestrator) StartLogin(ctx context.Context) (*seedr.DeviceSession, error) {
	o.authMu.Lock()
	defer o.authMu.Unlock()

	now := time.Now()
	if o.session != nil && now.Before(o.pollDeadline) && now.Before(o.session.ExpiresAt) {
		return o.session, nil
	}

	session, err := o.cloud.StartDeviceAuth(ctx)
	if err != nil {
		return nil, err
	}

	deadline := now.Add(o.cfg.DevicePollTimeout)
	if session.ExpiresAt.Before(deadline) {
		deadline = session.ExpiresAt
	}

	o.session = session
	o.pollDeadline = deadline

	return session, nil
}

// PollLogin performs one device-auth poll attempt. Past the poll deadline
// the session is discarded and expired is reported, so the dashboard
// stops polling.
func (o *Orchestrator) PollLogin(ctx context.Context) (seedr.PollState, error) {
	o.authMu.Lock()
	defer o.authMu.Unlock()

	if o.session == nil {
		return seedr.PollExpired, errors.New("no login session in progress")
	}

	if time.Now().After(o.pollDeadline) {
		o.session = nil

		return seedr.PollExpired, nil
	}

	state, err := o.cloud.PollDeviceAuth(ctx, o.session)
	if err != nil {
		o.session = nil

		return state, err
	}

	switch state {
	case seedr.PollAuthorized, seedr.PollExpired:
		o.session = nil
	}

	return state, nil
}

// Logout clears the stored credential and any login session in progress.
func (o *Orchestrator) Logout() error {
	o.authMu.Lock()
	o.session = nil
	o.authMu.Unlock()

	return o.cloud.Logout()
}
