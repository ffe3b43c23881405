package seedr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jose987654/sonarr-plugin/internal/auth"
	"github.com/jose987654/sonarr-plugin/internal/logctx"
	"github.com/jose987654/sonarr-plugin/internal/transfer"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	apiPrefix = "/api/v0.1/p"

	defaultTimeout      = 30 * time.Second
	maxTorrentSize      = 10 * 1024 * 1024 // cloud store rejects larger uploads anyway
	maxListRetries      = 3
	defaultExpiryIn     = time.Hour
	defaultPollInterval = 5 * time.Second
)

// deviceScopes is the full permission set the sync pipeline needs.
var deviceScopes = []string{
	"profile",
	"files.read", "files.write", "files.delete", "files.list",
	"tasks.read", "tasks.write",
}

// DeviceSession is one in-flight device-flow login attempt. It lives only
// in memory between StartDeviceAuth and the terminal poll result.
type DeviceSession struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        time.Duration
	ExpiresAt       time.Time
}

// PollState is the outcome of a single device-flow poll attempt.
type PollState int

const (
	PollPending PollState = iota
	PollSlowDown
	PollAuthorized
	PollExpired
)

func (s PollState) String() string {
	switch s {
	case PollPending:
		return "pending"
	case PollSlowDown:
		return "slow_down"
	case PollAuthorized:
		return "authorized"
	default:
		return "expired"
	}
}

// RemoteFile is one retrievable file of a completed transfer.
type RemoteFile struct {
	ID   string
	Name string
	Size int64
}

// Account is the cloud-store account summary shown on the dashboard.
type Account struct {
	Username  string `json:"username"`
	SpaceUsed int64  `json:"space_used"`
	SpaceMax  int64  `json:"space_max"`
}

// Client is a typed REST client for the Seedr cloud store. It owns token
// refresh: every authenticated call goes through a single-flight refresh
// check so concurrent callers never race the refresh-token grant.
type Client struct {
	baseURL string
	oauth   oauth2.Config
	http    *http.Client
	// fetchHTTP has no global timeout; long content downloads are bounded
	// by their request context instead.
	fetchHTTP *http.Client
	store     *auth.TokenStore
	// pollInterval is the device-flow poll cadence used when the auth
	// response does not dictate one.
	pollInterval time.Duration

	mu      sync.Mutex
	cred    *auth.Credential
	refresh singleflight.Group
}

func NewClient(baseURL, clientID string, store *auth.TokenStore, pollInterval time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")

	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &Client{
		baseURL: baseURL,
		oauth: oauth2.Config{
			ClientID: clientID,
			Scopes:   deviceScopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:      baseURL + apiPrefix + "/oauth/token",
				DeviceAuthURL: baseURL + apiPrefix + "/oauth/device/code",
			},
		},
		http:         &http.Client{Timeout: defaultTimeout},
		fetchHTTP:    &http.Client{},
		store:        store,
		pollInterval: pollInterval,
	}
}

// Authenticated reports whether a credential is available, valid or
// refreshable.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cred == nil {
		c.cred, _ = c.store.Load()
	}

	return c.cred != nil && (c.cred.RefreshToken != "" || c.store.Valid(c.cred))
}

// StartDeviceAuth initiates the OAuth2 device flow and returns the
// user-facing code/URL pair. No cloud-store state changes yet.
func (c *Client) StartDeviceAuth(ctx context.Context) (*DeviceSession, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	resp, err := c.oauth.DeviceAuth(ctx)
	if err != nil {
		return nil, c.classifyOAuthError("device_auth_start", err)
	}

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = c.pollInterval
	}

	uri := resp.VerificationURIComplete
	if uri == "" {
		uri = resp.VerificationURI
	}
	// The cloud store sometimes returns a relative verification path.
	if strings.HasPrefix(uri, "/") {
		uri = c.baseURL + uri
	}
	if uri == "" {
		uri = c.baseURL + apiPrefix + "/oauth/device/verify"
	}

	return &DeviceSession{
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: uri,
		Interval:        interval,
		ExpiresAt:       resp.Expiry,
	}, nil
}

// PollDeviceAuth performs exactly one poll of the device-flow token
// endpoint. The caller owns the polling loop, its interval and its
// timeout.
func (c *Client) PollDeviceAuth(ctx context.Context, session *DeviceSession) (PollState, error) {
	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {session.DeviceCode},
		"client_id":   {c.oauth.ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauth.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return PollPending, transportError("device_auth_poll", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return PollPending, transportError("device_auth_poll", err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		ErrorCode    string `json:"error"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return PollPending, schemaError("device_auth_poll", err)
	}

	switch body.ErrorCode {
	case "":
	case "authorization_pending":
		return PollPending, nil
	case "slow_down":
		return PollSlowDown, nil
	case "expired_token", "access_denied":
		return PollExpired, nil
	default:
		return PollPending, &APIError{
			Kind: KindPermanent, Operation: "device_auth_poll",
			StatusCode: resp.StatusCode, Message: body.ErrorCode,
		}
	}

	if body.AccessToken == "" {
		return PollPending, schemaError("device_auth_poll", errors.New("response carries neither token nor error code"))
	}

	expiresIn := time.Duration(body.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = defaultExpiryIn
	}

	cred := &auth.Credential{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().Add(expiresIn),
	}

	if err := c.setCredential(cred); err != nil {
		return PollPending, err
	}

	return PollAuthorized, nil
}

// Logout drops the cached credential and removes the persisted one.
func (c *Client) Logout() error {
	c.mu.Lock()
	c.cred = nil
	c.mu.Unlock()

	return c.store.Clear()
}

func (c *Client) setCredential(cred *auth.Credential) error {
	if err := c.store.Save(cred); err != nil {
		return &APIError{Kind: KindPermanent, Operation: "save_credential", Message: err.Error(), Err: err}
	}

	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()

	return nil
}

// ensureToken returns a usable access token, refreshing at most once
// across all concurrent callers.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.cred == nil {
		c.cred, _ = c.store.Load()
	}
	cred := c.cred
	c.mu.Unlock()

	if cred == nil {
		return "", &APIError{Kind: KindUnauthenticated, Operation: "ensure_token", Message: "not logged in"}
	}

	if c.store.Valid(cred) {
		return cred.AccessToken, nil
	}

	if cred.RefreshToken == "" {
		return "", &APIError{Kind: KindUnauthenticated, Operation: "ensure_token", Message: "access token expired and no refresh token available"}
	}

	v, err, _ := c.refresh.Do("refresh", func() (interface{}, error) {
		return c.refreshCredential(ctx, cred)
	})
	if err != nil {
		return "", err
	}

	return v.(*auth.Credential).AccessToken, nil
}

// refreshCredential exchanges the refresh token for a new access token and
// persists the result. A rejected refresh token means the whole session is
// gone and the user must restart the device flow.
func (c *Client) refreshCredential(ctx context.Context, cred *auth.Credential) (*auth.Credential, error) {
	logger := logctx.LoggerFromContext(ctx)

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, c.classifyOAuthError("refresh_token", err)
	}

	next := &auth.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if next.ExpiresAt.IsZero() {
		next.ExpiresAt = time.Now().Add(defaultExpiryIn)
	}

	if err := c.setCredential(next); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "refreshed cloud store access token", "expires_at", next.ExpiresAt)

	return next, nil
}

func (c *Client) classifyOAuthError(op string, err error) *APIError {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		kind := classifyStatus(rErr.Response.StatusCode)
		if rErr.ErrorCode == "invalid_grant" || rErr.Response.StatusCode == http.StatusBadRequest {
			kind = KindUnauthenticated
		}

		msg := rErr.ErrorCode
		if msg == "" {
			msg = rErr.ErrorDescription
		}

		return &APIError{Kind: kind, Operation: op, StatusCode: rErr.Response.StatusCode, Message: msg, Err: err}
	}

	return transportError(op, err)
}

// AccountInfo returns the account summary (username, space usage).
func (c *Client) AccountInfo(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.getJSON(ctx, "account_info", apiPrefix+"/user", &acct); err != nil {
		return nil, err
	}

	return &acct, nil
}

type taskWire struct {
	ID       json.Number `json:"id"`
	Name     string      `json:"name"`
	Title    string      `json:"title"`
	Status   string      `json:"status"`
	Progress float64     `json:"progress"`
	Size     int64       `json:"size"`
}

// ListTasks fetches the full transfer-list snapshot used for
// reconciliation. One network call per reconcile cycle, never one per
// transfer.
func (c *Client) ListTasks(ctx context.Context) ([]transfer.CloudTask, error) {
	var wire []taskWire
	if err := c.getJSON(ctx, "list_tasks", apiPrefix+"/tasks", &wire); err != nil {
		return nil, err
	}

	tasks := make([]transfer.CloudTask, 0, len(wire))

	for _, w := range wire {
		title := w.Name
		if title == "" {
			title = w.Title
		}

		// The feed reports progress as a 0-100 percentage.
		progress := w.Progress / 100
		if progress > 1 {
			progress = 1
		}
		if progress < 0 {
			progress = 0
		}

		tasks = append(tasks, transfer.CloudTask{
			ID:       w.ID.String(),
			Title:    title,
			Status:   w.Status,
			Progress: progress,
			Size:     w.Size,
		})
	}

	return tasks, nil
}

type submitWire struct {
	TaskID        json.Number `json:"task_id"`
	ID            json.Number `json:"id"`
	UserTorrentID json.Number `json:"user_torrent_id"`
	Error         string      `json:"error"`
	ReasonPhrase  string      `json:"reason_phrase"`
}

func (w *submitWire) taskID() string {
	for _, id := range []json.Number{w.TaskID, w.ID, w.UserTorrentID} {
		if id.String() != "" && id.String() != "0" {
			return id.String()
		}
	}

	return ""
}

// SubmitMagnet registers a magnet link as a new cloud-side transfer and
// returns its cloud id. Not idempotent: the caller guards against
// duplicate submission by title.
func (c *Client) SubmitMagnet(ctx context.Context, magnet string) (string, error) {
	payload := map[string]string{"magnet": magnet}
	if !strings.HasPrefix(magnet, "magnet:") {
		payload = map[string]string{"url": magnet}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", schemaError("submit_magnet", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, apiPrefix+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")

	return c.doSubmit(ctx, "submit_magnet", req)
}

// SubmitTorrent uploads raw .torrent bytes and returns the new cloud id.
func (c *Client) SubmitTorrent(ctx context.Context, raw []byte, filename string) (string, error) {
	if len(raw) > maxTorrentSize {
		return "", &APIError{
			Kind: KindPermanent, Operation: "submit_torrent",
			Message: fmt.Sprintf("torrent file %s is %d bytes, over the %d byte limit", filename, len(raw), maxTorrentSize),
		}
	}

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("torrent", filename)
	if err != nil {
		return "", schemaError("submit_torrent", err)
	}

	if _, err := part.Write(raw); err != nil {
		return "", schemaError("submit_torrent", err)
	}

	if err := mw.Close(); err != nil {
		return "", schemaError("submit_torrent", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, apiPrefix+"/tasks", &buf)
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.doSubmit(ctx, "submit_torrent", req)
}

func (c *Client) doSubmit(ctx context.Context, op string, req *http.Request) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	resp, err := c.doAuthenticated(ctx, op, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var wire submitWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", schemaError(op, err)
	}

	if wire.Error != "" {
		return "", &APIError{Kind: KindPermanent, Operation: op, StatusCode: resp.StatusCode, Message: wire.Error}
	}

	id := wire.taskID()
	if id == "" {
		return "", schemaError(op, errors.New("response carries no task id"))
	}

	logger.InfoContext(ctx, "transfer submitted to cloud store", "cloud_id", id)

	return id, nil
}

type folderWire struct {
	Folders []struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
	} `json:"folders"`
	Files []struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
		Size int64       `json:"size"`
	} `json:"files"`
}

// ListFiles enumerates the retrievable files of a completed transfer,
// recursing into folders. File names are slash-joined relative paths.
func (c *Client) ListFiles(ctx context.Context, cloudID string) ([]RemoteFile, error) {
	var contents []struct {
		ID     json.Number `json:"id"`
		Name   string      `json:"name"`
		Size   int64       `json:"size"`
		Type   string      `json:"type"`
		Folder bool        `json:"is_folder"`
	}

	if err := c.getJSON(ctx, "list_files", apiPrefix+"/tasks/"+url.PathEscape(cloudID)+"/contents", &contents); err != nil {
		return nil, err
	}

	var files []RemoteFile

	for _, item := range contents {
		if item.Type == "folder" || item.Folder {
			nested, err := c.folderFiles(ctx, item.ID.String(), item.Name)
			if err != nil {
				return nil, err
			}

			files = append(files, nested...)

			continue
		}

		files = append(files, RemoteFile{ID: item.ID.String(), Name: item.Name, Size: item.Size})
	}

	return files, nil
}

func (c *Client) folderFiles(ctx context.Context, folderID, base string) ([]RemoteFile, error) {
	var wire folderWire
	if err := c.getJSON(ctx, "list_folder", apiPrefix+"/folder/"+url.PathEscape(folderID), &wire); err != nil {
		return nil, err
	}

	var files []RemoteFile

	for _, f := range wire.Files {
		files = append(files, RemoteFile{ID: f.ID.String(), Name: base + "/" + f.Name, Size: f.Size})
	}

	for _, sub := range wire.Folders {
		nested, err := c.folderFiles(ctx, sub.ID.String(), base+"/"+sub.Name)
		if err != nil {
			return nil, err
		}

		files = append(files, nested...)
	}

	return files, nil
}

// DownloadURL resolves the short-lived content URL for a file.
func (c *Client) DownloadURL(ctx context.Context, fileID string) (string, error) {
	var wire struct {
		URL string `json:"url"`
	}

	if err := c.getJSON(ctx, "download_url", apiPrefix+"/file/"+url.PathEscape(fileID), &wire); err != nil {
		return "", err
	}

	if wire.URL == "" {
		return "", schemaError("download_url", errors.New("response carries no url"))
	}

	return wire.URL, nil
}

// PauseTask pauses an active cloud-side transfer.
func (c *Client) PauseTask(ctx context.Context, cloudID string) error {
	return c.postAction(ctx, "pause_task", apiPrefix+"/tasks/"+url.PathEscape(cloudID)+"/pause")
}

// ResumeTask resumes a paused cloud-side transfer.
func (c *Client) ResumeTask(ctx context.Context, cloudID string) error {
	return c.postAction(ctx, "resume_task", apiPrefix+"/tasks/"+url.PathEscape(cloudID)+"/resume")
}

// DeleteTask removes a cloud-side transfer. Irreversible on the cloud side.
func (c *Client) DeleteTask(ctx context.Context, cloudID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, apiPrefix+"/tasks/"+url.PathEscape(cloudID), nil)
	if err != nil {
		return err
	}

	resp, err := c.doAuthenticated(ctx, "delete_task", req)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

func (c *Client) postAction(ctx context.Context, op, path string) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.doAuthenticated(ctx, op, req)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, transportError("build_request", err)
	}

	req.Header.Set("Accept", "application/json")

	return req, nil
}

// doAuthenticated attaches a fresh bearer token and runs the request,
// translating every failure into the uniform error taxonomy.
func (c *Client) doAuthenticated(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body)
		resp.Body.Close()

		return nil, statusError(op, resp.StatusCode, msg)
	}

	return resp, nil
}

// getJSON runs an authenticated GET with bounded transient retries and
// decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, op, path string, out interface{}) error {
	operation := func() (struct{}, error) {
		req, err := c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		resp, err := c.doAuthenticated(ctx, op, req)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Retryable() {
				return struct{}{}, err
			}

			return struct{}{}, backoff.Permanent(err)
		}
		defer resp.Body.Close()

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, backoff.Permanent(schemaError(op, err))
		}

		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxListRetries),
	)

	return err
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil {
		return ""
	}

	var wire struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Reason  string `json:"reason_phrase"`
	}

	if json.Unmarshal(data, &wire) == nil {
		for _, msg := range []string{wire.Reason, wire.Message, wire.Error} {
			if msg != "" {
				return msg
			}
		}
	}

	return strings.TrimSpace(string(data))
}
