package transfer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound       = fmt.Errorf("transfer not found")
	ErrDuplicateTitle = fmt.Errorf("transfer with this title already exists")
)

// CloudTask is one entry of a cloud-store transfer list snapshot.
type CloudTask struct {
	ID       string
	Title    string
	Status   string
	Progress float64
	Size     int64
}

// Tracker is the in-memory registry of known transfers, keyed by title.
// All mutations happen under a single mutex; reads hand out copies, never
// pointers into the registry.
type Tracker struct {
	mu              sync.Mutex
	byTitle         map[string]*Transfer
	caseInsensitive bool
	now             func() time.Time
}

func NewTracker(caseInsensitive bool) *Tracker {
	return &Tracker{
		byTitle:         make(map[string]*Transfer),
		caseInsensitive: caseInsensitive,
		now:             time.Now,
	}
}

func (tr *Tracker) key(title string) string {
	if tr.caseInsensitive {
		return strings.ToLower(title)
	}

	return title
}

// Add registers a new transfer in queued state. Duplicate titles are
// rejected before any upload happens, which is the caller's guard against
// double submission (the cloud store is not idempotent).
func (tr *Tracker) Add(title, cloudID string, seriesID int64) (Transfer, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if _, ok := tr.byTitle[tr.key(title)]; ok {
		return Transfer{}, ErrDuplicateTitle
	}

	t := &Transfer{
		Title:      title,
		CloudID:    cloudID,
		SeriesID:   seriesID,
		Status:     StatusQueued,
		UploadedAt: tr.now(),
	}
	tr.byTitle[tr.key(title)] = t

	return *t, nil
}

// Exists reports whether a transfer with the given title is registered.
func (tr *Tracker) Exists(title string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	_, ok := tr.byTitle[tr.key(title)]

	return ok
}

// Get returns a copy of the transfer with the given title.
func (tr *Tracker) Get(title string) (Transfer, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.byTitle[tr.key(title)]
	if !ok {
		return Transfer{}, ErrNotFound
	}

	return *t, nil
}

// Snapshot returns copies of all transfers, ordered by upload time.
func (tr *Tracker) Snapshot() []Transfer {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	out := make([]Transfer, 0, len(tr.byTitle))
	for _, t := range tr.byTitle {
		out = append(out, *t)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].Title < out[j].Title
		}

		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})

	return out
}

// SetStatus moves a transfer along the forward lifecycle graph. Transitions
// outside the graph are rejected; deletion and retry have their own entry
// points.
func (tr *Tracker) SetStatus(title string, to Status) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.byTitle[tr.key(title)]
	if !ok {
		return ErrNotFound
	}

	return tr.transition(t, to)
}

func (tr *Tracker) transition(t *Transfer, to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for %q", t.Status, to, t.Title)
	}

	t.Status = to
	if to != StatusError {
		t.ErrorMsg = ""
	}

	return nil
}

// MarkError forces a transfer into error state with a human-readable reason.
// Valid from any non-terminal state.
func (tr *Tracker) MarkError(title, reason string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.byTitle[tr.key(title)]
	if !ok {
		return ErrNotFound
	}

	if t.Status == StatusImported || t.Status == StatusDeleted {
		return fmt.Errorf("cannot mark %s transfer %q as error", t.Status, t.Title)
	}

	t.Status = StatusError
	t.ErrorMsg = reason

	return nil
}

// Retry moves an errored transfer back to queued and resets its retry
// budget. The only backward transition in the lifecycle.
func (tr *Tracker) Retry(title string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.byTitle[tr.key(title)]
	if !ok {
		return ErrNotFound
	}

	if t.Status != StatusError {
		return fmt.Errorf("retry only valid from error state, transfer %q is %s", t.Title, t.Status)
	}

	t.Status = StatusQueued
	t.ErrorMsg = ""
	t.RetryCount = 0

	return nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (tr *Tracker) IncrementRetry(title string) (int, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.byTitle[tr.key(title)]
	if !ok {
		return 0, ErrNotFound
	}

	t.RetryCount++

	return t.RetryCount, nil
}

// Remove deletes a transfer from the registry. Terminal, by explicit user
// action or after successful post-import cleanup only.
func (tr *Tracker) Remove(title string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	key := tr.key(title)
	if _, ok := tr.byTitle[key]; !ok {
		return ErrNotFound
	}

	delete(tr.byTitle, key)

	return nil
}

// Reconcile applies one full cloud-store snapshot to the registry and
// returns the titles that became completed in this pass. Cloud state is
// authoritative for queued/downloading/paused/completed; local fetch and
// import state is never regressed. Tracked transfers whose cloud id is
// missing from the snapshot were deleted out of band and are marked as
// errors.
func (tr *Tracker) Reconcile(tasks []CloudTask) (completed []string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	byID := make(map[string]CloudTask, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	for _, t := range tr.byTitle {
		if !t.IsActive() {
			continue
		}

		task, ok := byID[t.CloudID]
		if !ok {
			t.Status = StatusError
			t.ErrorMsg = "transfer no longer exists on cloud store"

			continue
		}

		if task.Size > 0 {
			t.Size = task.Size
		}

		next := StatusFromCloud(task.Status)
		if next == StatusError {
			t.Status = StatusError
			t.ErrorMsg = "cloud store reported failure"

			continue
		}

		if t.Status == StatusDownloading && next == StatusDownloading {
			// Progress is monotonic while downloading; the cloud store
			// occasionally reports stale values between polls.
			if task.Progress > t.Progress {
				t.Progress = task.Progress
			}
		} else if tr.transition(t, next) == nil {
			t.Progress = task.Progress
		}

		if t.Status == StatusCompleted {
			t.Progress = 1
			completed = append(completed, t.Title)
		}
	}

	sort.Strings(completed)

	return completed
}
