package transfer

import (
	"strings"
	"time"
)

// Status is the local lifecycle state of a transfer.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusImported    Status = "imported"
	StatusError       Status = "error"
	StatusDeleted     Status = "deleted"
)

// Transfer is the local record of one torrent's journey from submission
// to import. It is owned by the Tracker; callers only ever see copies.
type Transfer struct {
	Title      string
	CloudID    string
	SeriesID   int64
	Status     Status
	Progress   float64
	Size       int64
	UploadedAt time.Time
	ErrorMsg   string
	RetryCount int
}

func (t *Transfer) IsActive() bool {
	switch t.Status {
	case StatusQueued, StatusDownloading, StatusPaused:
		return true
	}

	return false
}

// IsFetchable reports whether the cloud side has finished and the content
// still needs to be pulled down.
func (t *Transfer) IsFetchable() bool {
	return t.Status == StatusCompleted
}

// forward is the lifecycle graph. Transitions not listed here are only
// reachable through the explicit Retry and Delete operations.
var forward = map[Status][]Status{
	StatusQueued:      {StatusDownloading, StatusCompleted, StatusError},
	StatusDownloading: {StatusCompleted, StatusPaused, StatusError},
	StatusPaused:      {StatusDownloading, StatusError},
	StatusCompleted:   {StatusImported, StatusError},
	StatusImported:    {},
	StatusError:       {},
	StatusDeleted:     {},
}

// CanTransition reports whether status may move from one state to the next
// along the forward lifecycle graph.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}

	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}

	return false
}

// StatusFromCloud maps a cloud-store task status string onto the local
// lifecycle. Unknown strings map to queued so a new cloud-side state never
// stalls reconciliation.
func StatusFromCloud(s string) Status {
	switch strings.ToLower(s) {
	case "queued", "pending", "waiting":
		return StatusQueued
	case "downloading", "running", "active":
		return StatusDownloading
	case "paused":
		return StatusPaused
	case "completed", "finished", "done":
		return StatusCompleted
	case "error", "failed":
		return StatusError
	default:
		return StatusQueued
	}
}
