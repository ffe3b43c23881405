package sqlite

import (
	"database/sql"
	"time"

	"github.com/jose987654/sonarr-plugin/internal/storage"
)

type ProcessedRepository struct {
	db *sql.DB
}

func NewProcessedRepository(db *sql.DB) *ProcessedRepository {
	return &ProcessedRepository{db: db}
}

func (r *ProcessedRepository) IsProcessed(filename string) (bool, error) {
	var one int

	err := r.db.QueryRow(`SELECT 1 FROM processed_files WHERE filename = ?`, filename).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// MarkProcessed records a dispatch outcome. The filename uniqueness
// constraint makes double-marking a no-op rather than an error.
func (r *ProcessedRepository) MarkProcessed(rec storage.ProcessedFile) error {
	at := rec.ProcessedAt
	if at.IsZero() {
		at = time.Now()
	}

	_, err := r.db.Exec(`
		INSERT INTO processed_files (filename, archived_to, outcome, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(filename) DO NOTHING
	`, rec.Filename, rec.ArchivedTo, rec.Outcome, at.Format(time.RFC3339))

	return err
}
