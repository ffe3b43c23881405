package sqlite

import (
	"context"
	"database/sql"

	"github.com/jose987654/sonarr-plugin/internal/storage"
	"github.com/jose987654/sonarr-plugin/internal/telemetry"
)

// InstrumentedProcessedRepository wraps ProcessedRepository with telemetry.
type InstrumentedProcessedRepository struct {
	repo      *ProcessedRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedProcessedRepository creates a new instrumented processed-file repository.
func NewInstrumentedProcessedRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedProcessedRepository {
	return &InstrumentedProcessedRepository{
		repo:      NewProcessedRepository(db),
		telemetry: tel,
	}
}

// IsProcessed reports whether the filename was already dispatched, with telemetry.
func (r *InstrumentedProcessedRepository) IsProcessed(filename string) (bool, error) {
	var result bool

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "is_processed", func(ctx context.Context) error {
		result, err = r.repo.IsProcessed(filename)

		return err
	})

	if instrumentedErr != nil {
		return false, instrumentedErr
	}

	return result, nil
}

// MarkProcessed records a dispatch outcome, with telemetry.
func (r *InstrumentedProcessedRepository) MarkProcessed(rec storage.ProcessedFile) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "mark_processed", func(ctx context.Context) error {
		return r.repo.MarkProcessed(rec)
	})
}

// InstrumentedActivityRepository wraps ActivityRepository with telemetry.
type InstrumentedActivityRepository struct {
	repo      *ActivityRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedActivityRepository creates a new instrumented activity log repository.
func NewInstrumentedActivityRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedActivityRepository {
	return &InstrumentedActivityRepository{
		repo:      NewActivityRepository(db),
		telemetry: tel,
	}
}

// Append writes one activity entry, with telemetry.
func (r *InstrumentedActivityRepository) Append(entry storage.ActivityEntry) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "append_activity", func(ctx context.Context) error {
		return r.repo.Append(entry)
	})
}

// Tail returns the most recent n entries in chronological order, with telemetry.
func (r *InstrumentedActivityRepository) Tail(n int) ([]storage.ActivityEntry, error) {
	var result []storage.ActivityEntry

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "tail_activity", func(ctx context.Context) error {
		result, err = r.repo.Tail(n)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
