package runstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastScheduled(t *testing.T) {
	store := NewMemoryStore()

	_, ok := LastScheduled(store, "ingest")
	assert.False(t, ok)

	base := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(finishedRun("ingest", base)))
	require.NoError(t, store.Save(finishedRun("ingest", base.Add(24*time.Hour))))

	manual := finishedRun("ingest", base.Add(72*time.Hour))
	manual.RunID = "manual__2021-01-04T00:00:00Z"
	manual.Kind = "manual"
	require.NoError(t, store.Save(manual))

	last, ok := LastScheduled(store, "ingest")
	require.True(t, ok)
	assert.True(t, last.Equal(base.Add(24*time.Hour)))
}

func TestUnfinished(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(finishedRun("ingest", base)))
	for _, offset := range []time.Duration{48 * time.Hour, 24 * time.Hour} {
		rec := finishedRun("ingest", base.Add(offset))
		rec.EndedAt = nil
		rec.State = "running"
		require.NoError(t, store.Save(rec))
	}

	got := Unfinished(store, "ingest")
	require.Len(t, got, 2)
	assert.True(t, got[0].LogicalTime.Before(got[1].LogicalTime), "oldest first")
}
