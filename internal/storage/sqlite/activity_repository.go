package sqlite

import (
	"database/sql"
	"time"

	"github.com/jose987654/sonarr-plugin/internal/storage"
)

type ActivityRepository struct {
	db *sql.DB
}

func NewActivityRepository(db *sql.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

func (r *ActivityRepository) Append(entry storage.ActivityEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := r.db.Exec(
		`INSERT INTO activity_log (at, level, component, message) VALUES (?, ?, ?, ?)`,
		at.Format(time.RFC3339), entry.Level, entry.Component, entry.Message,
	)

	return err
}

// Tail returns the most recent n entries in chronological order.
func (r *ActivityRepository) Tail(n int) ([]storage.ActivityEntry, error) {
	rows, err := r.db.Query(`
		SELECT id, at, level, component, message FROM (
			SELECT id, at, level, component, message
			FROM activity_log ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []storage.ActivityEntry

	for rows.Next() {
		var entry storage.ActivityEntry

		var at string

		if err := rows.Scan(&entry.ID, &at, &entry.Level, &entry.Component, &entry.Message); err != nil {
			return nil, err
		}

		entry.At, _ = time.Parse(time.RFC3339, at)

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
