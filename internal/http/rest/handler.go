package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jose987654/sonarr-plugin/internal/config"
	"github.com/jose987654/sonarr-plugin/internal/logctx"
	"github.com/jose987654/sonarr-plugin/internal/seedr"
	"github.com/jose987654/sonarr-plugin/internal/sonarr"
	"github.com/jose987654/sonarr-plugin/internal/storage"
	"github.com/jose987654/sonarr-plugin/internal/transfer"
	"github.com/jose987654/sonarr-plugin/internal/watcher"
)

const defaultLogLines = 100

// Syncer is the orchestrator surface the dashboard drives.
type Syncer interface {
	Authenticated() bool
	Account(ctx context.Context) (*seedr.Account, error)
	StartLogin(ctx context.Context) (*seedr.DeviceSession, error)
	PollLogin(ctx context.Context) (seedr.PollState, error)
	Logout() error
	Transfers() []transfer.Transfer
	Series(ctx context.Context) ([]sonarr.Series, error)
	Add(ctx context.Context, title, downloadURL string, seriesID int64) (transfer.Transfer, error)
	Pause(ctx context.Context, title string) error
	Resume(ctx context.Context, title string) error
	Delete(ctx context.Context, title string) error
	ManualDownload(title string) error
	NotifyLibrary(ctx context.Context, title string) error
	RetryFailed(title string) error
}

// Folder is the watcher surface the dashboard drives.
type Folder interface {
	Status() watcher.Status
	Start(dir string)
	Scan(ctx context.Context) ([]watcher.Descriptor, error)
	UploadFile(ctx context.Context, path string) error
	DeleteFile(path string) error
}

// Handler serves the dashboard API.
type Handler struct {
	syncer      Syncer
	folder      Folder
	activity    storage.ActivityRepository
	watcherCfg  string
	downloadDir string
}

func NewHandler(syncer Syncer, folder Folder, activity storage.ActivityRepository, watcherCfgPath, downloadDir string) *Handler {
	return &Handler{
		syncer:      syncer,
		folder:      folder,
		activity:    activity,
		watcherCfg:  watcherCfgPath,
		downloadDir: downloadDir,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.handleLogin)
		r.Get("/status", h.handleAuthStatus)
		r.Get("/poll", h.handleAuthPoll)
		r.Get("/account", h.handleAccount)
		r.Post("/logout", h.handleLogout)
	})

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.handleListDownloads)
		r.Post("/", h.handleAddDownload)
		r.Post("/{title}/pause", h.downloadAction(func(ctx context.Context, title string) error {
			return h.syncer.Pause(ctx, title)
		}))
		r.Post("/{title}/resume", h.downloadAction(func(ctx context.Context, title string) error {
			return h.syncer.Resume(ctx, title)
		}))
		r.Post("/{title}/download", h.downloadAction(func(_ context.Context, title string) error {
			return h.syncer.ManualDownload(title)
		}))
		r.Post("/{title}/notify-sonarr", h.downloadAction(func(ctx context.Context, title string) error {
			return h.syncer.NotifyLibrary(ctx, title)
		}))
		r.Post("/{title}/retry", h.downloadAction(func(_ context.Context, title string) error {
			return h.syncer.RetryFailed(title)
		}))
		r.Delete("/{title}", h.downloadAction(func(ctx context.Context, title string) error {
			return h.syncer.Delete(ctx, title)
		}))
	})

	r.Route("/watcher", func(r chi.Router) {
		r.Get("/status", h.handleWatcherStatus)
		r.Post("/start", h.handleWatcherStart)
		r.Get("/scan", h.handleWatcherScan)
		r.Post("/upload", h.handleWatcherUpload)
		r.Post("/delete-file", h.handleWatcherDeleteFile)
		r.Get("/logs", h.handleWatcherLogs)
	})

	r.Get("/series", h.handleListSeries)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	session, err := h.syncer.StartLogin(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"user_code":        session.UserCode,
		"verification_uri": session.VerificationURI,
	})
}

func (h *Handler) handleAuthStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": h.syncer.Authenticated()})
}

func (h *Handler) handleAuthPoll(w http.ResponseWriter, r *http.Request) {
	state, err := h.syncer.PollLogin(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	resp := map[string]any{"success": false, "state": state.String()}
	if state == seedr.PollAuthorized {
		resp["success"] = true
		resp["redirect"] = "/"
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.syncer.Account(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.syncer.Logout(); err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type transferSummary struct {
	Title    string  `json:"title"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Size     int64   `json:"size,omitempty"`
	Error    string  `json:"error,omitempty"`
}

func (h *Handler) handleListDownloads(w http.ResponseWriter, _ *http.Request) {
	transfers := h.syncer.Transfers()

	out := make([]transferSummary, 0, len(transfers))
	for _, tr := range transfers {
		out = append(out, transferSummary{
			Title:    tr.Title,
			Status:   string(tr.Status),
			Progress: tr.Progress,
			Size:     tr.Size,
			Error:    tr.ErrorMsg,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

type addDownloadRequest struct {
	Title       string `json:"title"`
	DownloadURL string `json:"download_url"`
	SeriesID    int64  `json:"series_id,omitempty"`
}

func (h *Handler) handleAddDownload(w http.ResponseWriter, r *http.Request) {
	var req addDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.Title == "" || req.DownloadURL == "" {
		http.Error(w, "title and download_url are required", http.StatusBadRequest)

		return
	}

	tr, err := h.syncer.Add(r.Context(), req.Title, req.DownloadURL, req.SeriesID)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, transferSummary{
		Title:    tr.Title,
		Status:   string(tr.Status),
		Progress: tr.Progress,
	})
}

func (h *Handler) handleListSeries(w http.ResponseWriter, r *http.Request) {
	series, err := h.syncer.Series(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	if series == nil {
		series = []sonarr.Series{}
	}

	writeJSON(w, http.StatusOK, series)
}

func (h *Handler) downloadAction(action func(ctx context.Context, title string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		title := chi.URLParam(r, "title")
		if title == "" {
			http.Error(w, "title is required", http.StatusBadRequest)

			return
		}

		if err := action(r.Context(), title); err != nil {
			writeError(w, r, err)

			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (h *Handler) handleWatcherStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.folder.Status())
}

func (h *Handler) handleWatcherStart(w http.ResponseWriter, r *http.Request) {
	torrentDir := r.URL.Query().Get("torrent_dir")
	downloadDir := r.URL.Query().Get("download_dir")

	h.folder.Start(torrentDir)

	if h.watcherCfg != "" {
		status := h.folder.Status()

		if downloadDir == "" {
			downloadDir = h.downloadDir
		}

		wc := config.WatcherConfig{TorrentDir: status.Dir, DownloadDir: downloadDir, AutoStart: true}
		if err := config.SaveWatcherConfig(h.watcherCfg, wc); err != nil {
			logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to persist watcher config", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, h.folder.Status())
}

func (h *Handler) handleWatcherScan(w http.ResponseWriter, r *http.Request) {
	found, err := h.folder.Scan(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	type scanEntry struct {
		Path  string `json:"path"`
		Title string `json:"title"`
		Kind  string `json:"kind"`
	}

	out := make([]scanEntry, 0, len(found))
	for _, desc := range found {
		out = append(out, scanEntry{Path: desc.Path, Title: desc.Title, Kind: string(desc.Kind)})
	}

	writeJSON(w, http.StatusOK, out)
}

type pathRequest struct {
	Path string `json:"path"`
}

func (h *Handler) handleWatcherUpload(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)

		return
	}

	if err := h.folder.UploadFile(r.Context(), req.Path); err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) handleWatcherDeleteFile(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)

		return
	}

	if err := h.folder.DeleteFile(req.Path); err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type logLine struct {
	At        string `json:"at"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

func (h *Handler) handleWatcherLogs(w http.ResponseWriter, r *http.Request) {
	lines := defaultLogLines

	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "lines must be a positive integer", http.StatusBadRequest)

			return
		}

		lines = n
	}

	entries, err := h.activity.Tail(lines)
	if err != nil {
		writeError(w, r, err)

		return
	}

	out := make([]logLine, 0, len(entries))
	for _, entry := range entries {
		out = append(out, logLine{
			At:        entry.At.Format("2006-01-02T15:04:05Z07:00"),
			Level:     entry.Level,
			Component: entry.Component,
			Message:   entry.Message,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes and puts the
// reason string in the body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, transfer.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, transfer.ErrDuplicateTitle):
		status = http.StatusConflict
	default:
		switch seedr.KindOf(err) {
		case seedr.KindUnauthenticated:
			status = http.StatusUnauthorized
		case seedr.KindNotFound:
			status = http.StatusNotFound
		case seedr.KindRateLimited:
			status = http.StatusTooManyRequests
		case seedr.KindTransient:
			status = http.StatusBadGateway
		}
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "error", err)
	}

	http.Error(w, err.Error(), status)
}
