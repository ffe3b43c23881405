package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerAddRejectsDuplicateTitle(t *testing.T) {
	tr := NewTracker(false)

	_, err := tr.Add("ShowX.S01E01", "1", 0)
	require.NoError(t, err)

	_, err = tr.Add("ShowX.S01E01", "2", 0)
	assert.ErrorIs(t, err, ErrDuplicateTitle)

	// Different case is a different title when matching exactly.
	_, err = tr.Add("showx.s01e01", "3", 0)
	assert.NoError(t, err)
}

func TestTrackerAddCaseInsensitive(t *testing.T) {
	tr := NewTracker(true)

	_, err := tr.Add("ShowX.S01E01", "1", 0)
	require.NoError(t, err)

	_, err = tr.Add("showx.s01e01", "2", 0)
	assert.ErrorIs(t, err, ErrDuplicateTitle)

	got, err := tr.Get("SHOWX.S01E01")
	require.NoError(t, err)
	assert.Equal(t, "ShowX.S01E01", got.Title)
}

func TestTrackerGetUnknown(t *testing.T) {
	tr := NewTracker(false)

	_, err := tr.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrackerLifecycleTransitions(t *testing.T) {
	tr := NewTracker(false)
	_, err := tr.Add("a", "1", 0)
	require.NoError(t, err)

	require.NoError(t, tr.SetStatus("a", StatusDownloading))
	require.NoError(t, tr.SetStatus("a", StatusPaused))
	require.NoError(t, tr.SetStatus("a", StatusDownloading))
	require.NoError(t, tr.SetStatus("a", StatusCompleted))
	require.NoError(t, tr.SetStatus("a", StatusImported))

	// Imported is terminal along the forward graph.
	assert.Error(t, tr.SetStatus("a", StatusDownloading))
	assert.Error(t, tr.SetStatus("a", StatusQueued))
}

func TestTrackerRejectsBackwardTransition(t *testing.T) {
	tr := NewTracker(false)
	_, err := tr.Add("a", "1", 0)
	require.NoError(t, err)

	require.NoError(t, tr.SetStatus("a", StatusDownloading))
	assert.Error(t, tr.SetStatus("a", StatusQueued))
}

func TestTrackerRetryOnlyFromError(t *testing.T) {
	tr := NewTracker(false)
	_, err := tr.Add("a", "1", 0)
	require.NoError(t, err)

	assert.Error(t, tr.Retry("a"))

	require.NoError(t, tr.MarkError("a", "boom"))

	_, err = tr.IncrementRetry("a")
	require.NoError(t, err)

	require.NoError(t, tr.Retry("a"))

	got, err := tr.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Empty(t, got.ErrorMsg)
	assert.Zero(t, got.RetryCount)
}

func TestTrackerMarkErrorRejectsTerminalStates(t *testing.T) {
	tr := NewTracker(false)
	_, err := tr.Add("a", "1", 0)
	require.NoError(t, err)

	require.NoError(t, tr.SetStatus("a", StatusCompleted))
	require.NoError(t, tr.SetStatus("a", StatusImported))

	assert.Error(t, tr.MarkError("a", "too late"))
}

func TestTrackerSnapshotOrderedByUploadTime(t *testing.T) {
	tr := NewTracker(false)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base.Add(2 * time.Minute), base, base.Add(time.Minute)}
	titles := []string{"c", "a", "b"}

	for i, title := range titles {
		at := times[i]
		tr.now = func() time.Time { return at }

		_, err := tr.Add(title, title, 0)
		require.NoError(t, err)
	}

	snap := tr.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].Title)
	assert.Equal(t, "b", snap[1].Title)
	assert.Equal(t, "c", snap[2].Title)
}

func TestReconcileDrivesLifecycleForward(t *testing.T) {
	tr := NewTracker(false)
	_, err := tr.Add("a", "1", 0)
	require.NoError(t, err)

	completed := tr.Reconcile([]CloudTask{{ID: "1", Status: "downloading", Progress: 0.3}})
	assert.Empty(t, completed)

	got, _ := tr.Get("a")
	assert.Equal(t, StatusDownloading, got.Status)
	assert.InDelta(t, 0.3, got.Progress, 1e-9)

	completed = tr.Reconcile([]CloudTask{{ID: "1", Status: "completed", Progress: 1, Size: 42}})
	assert.Equal(t, []string{"a"}, completed)

	got, _ = tr.Get("a")
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, float64(1), got.Progress)
	assert.Equal(t, int64(42), got.Size)
}

func TestReconcileProgressIsMonotonicWhileDownloading(t *testing.T) {
	tr := NewTracker(false)
	_, err := tr.Add("a", "1", 0)
	require.NoError(t, err)

	tr.Reconcile([]CloudTask{{ID: "1", Status: "downloading", Progress: 0.6}})
	tr.Reconcile([]CloudTask{{ID: "1", Status: "downloading", Progress: 0.4}})

	got, _ := tr.Get("a")
	assert.InDelta(t, 0.6, got.Progress, 1e-9)

	tr.Reconcile([]CloudTask{{ID: "1", Status: "downloading", Progress: 0.8}})

	got, _ = tr.Get("a")
	assert.InDelta(t, 0.8, got.Progress, 1e-9)
}

func TestReconcileMarksMissingCloudIDsAsError(t *testing.T) {
	tr := NewTracker(false)
	_, err := tr.Add("a", "1", 0)
	require.NoError(t, err)
	_, err = tr.Add("b", "2", 0)
	require.NoError(t, err)

	tr.Reconcile([]CloudTask{{ID: "2", Status: "downloading", Progress: 0.1}})

	got, _ := tr.Get("a")
	assert.Equal(t, StatusError, got.Status)
	assert.NotEmpty(t, got.ErrorMsg)

	got, _ = tr.Get("b")
	assert.Equal(t, StatusDownloading, got.Status)
}

func TestReconcileCloudFailure(t *testing.T) {
	tr := NewTracker(false)
	_, err := tr.Add("a", "1", 0)
	require.NoError(t, err)

	tr.Reconcile([]CloudTask{{ID: "1", Status: "failed"}})

	got, _ := tr.Get("a")
	assert.Equal(t, StatusError, got.Status)
}

func TestReconcileDoesNotRegressLocalState(t *testing.T) {
	tr := NewTracker(false)
	_, err := tr.Add("a", "1", 0)
	require.NoError(t, err)

	tr.Reconcile([]CloudTask{{ID: "1", Status: "completed", Progress: 1}})
	require.NoError(t, tr.SetStatus("a", StatusImported))

	// The cloud keeps reporting completed; the imported transfer must not
	// reappear in the completed list or change state.
	completed := tr.Reconcile([]CloudTask{{ID: "1", Status: "completed", Progress: 1}})
	assert.Empty(t, completed)

	got, _ := tr.Get("a")
	assert.Equal(t, StatusImported, got.Status)
}

func TestTrackerRemove(t *testing.T) {
	tr := NewTracker(false)
	_, err := tr.Add("a", "1", 0)
	require.NoError(t, err)

	require.NoError(t, tr.Remove("a"))
	assert.ErrorIs(t, tr.Remove("a"), ErrNotFound)
	assert.False(t, tr.Exists("a"))
}

func TestStatusFromCloud(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"queued", StatusQueued},
		{"pending", StatusQueued},
		{"Downloading", StatusDownloading},
		{"running", StatusDownloading},
		{"paused", StatusPaused},
		{"COMPLETED", StatusCompleted},
		{"finished", StatusCompleted},
		{"failed", StatusError},
		{"some-new-state", StatusQueued},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFromCloud(tt.in))
		})
	}
}
