package storage

import "time"

// Outcome records where a dispatched descriptor file ended up.
const (
	OutcomeProcessed = "processed"
	OutcomeError     = "error"
)

// ProcessedFile is one append-only dispatch record. It backs the watcher's
// at-most-once guarantee across process restarts: a filename present here
// is never dispatched again.
type ProcessedFile struct {
	Filename    string
	ArchivedTo  string
	Outcome     string
	ProcessedAt time.Time
}

// ActivityEntry is one line of the activity feed shown by the dashboard
// log viewer.
type ActivityEntry struct {
	ID        int64
	At        time.Time
	Level     string
	Component string
	Message   string
}

// ProcessedRepository persists the watcher's dispatch history.
type ProcessedRepository interface {
	IsProcessed(filename string) (bool, error)
	MarkProcessed(rec ProcessedFile) error
}

// ActivityRepository is the append-only activity log.
type ActivityRepository interface {
	Append(entry ActivityEntry) error
	Tail(n int) ([]ActivityEntry, error)
}
