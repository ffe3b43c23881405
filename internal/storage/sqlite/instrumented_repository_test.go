package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jose987654/sonarr-plugin/internal/storage"
	"github.com/jose987654/sonarr-plugin/internal/telemetry"
)

func TestInstrumentedProcessedRepository(t *testing.T) {
	repo := NewInstrumentedProcessedRepository(newTestDB(t), &telemetry.Telemetry{})

	done, err := repo.IsProcessed("a.torrent")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, repo.MarkProcessed(storage.ProcessedFile{
		Filename:    "a.torrent",
		ArchivedTo:  "/watch/processed/a.torrent",
		Outcome:     storage.OutcomeProcessed,
		ProcessedAt: time.Now(),
	}))

	done, err = repo.IsProcessed("a.torrent")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestInstrumentedActivityRepository(t *testing.T) {
	repo := NewInstrumentedActivityRepository(newTestDB(t), &telemetry.Telemetry{})

	require.NoError(t, repo.Append(storage.ActivityEntry{
		Level:     "WARN",
		Component: "orchestrator",
		Message:   "fetch failed",
	}))

	entries, err := repo.Tail(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fetch failed", entries[0].Message)
}

// The wrappers satisfy the repository interfaces the rest of the system
// consumes.
var (
	_ storage.ProcessedRepository = (*InstrumentedProcessedRepository)(nil)
	_ storage.ActivityRepository  = (*InstrumentedActivityRepository)(nil)
)
