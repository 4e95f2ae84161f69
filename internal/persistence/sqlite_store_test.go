package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectpulse/projectpulse/internal/deadletter"
	"github.com/projectpulse/projectpulse/internal/ingest"
	"github.com/projectpulse/projectpulse/internal/jobs"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsert_CreateThenUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := ingest.CanonicalRecord{
		DedupKey:    "ext-1",
		Name:        "pulse",
		Source:      "github",
		Language:    "Go",
		TechStack:   []string{"cli", "go"},
		HealthScore: 80,
		Complexity:  3,
		Status:      ingest.StatusActive,
		Stars:       100,
	}

	first, err := store.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, first.Created)

	rec.Stars = 150
	rec.HealthScore = 85
	second, err := store.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)

	count, err := store.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpsert_DistinctKeysCreateDistinctRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.Upsert(ctx, ingest.CanonicalRecord{DedupKey: "ext-1", Name: "a", Status: ingest.StatusActive})
	require.NoError(t, err)
	b, err := store.Upsert(ctx, ingest.CanonicalRecord{DedupKey: "alpha|f.csv", Name: "a", Status: ingest.StatusActive})
	require.NoError(t, err)

	assert.True(t, a.Created)
	assert.True(t, b.Created)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestJobStore_Roundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &jobs.Job{
		ID:        "job-1",
		Type:      jobs.TypeBulkImport,
		Source:    "upload.csv",
		Payload:   jobs.Payload{FilePath: "/tmp/x.csv", FileName: "upload.csv"},
		Status:    jobs.StatusQueued,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.UpsertJob(ctx, job))

	job.Status = jobs.StatusPartial
	job.Stats = jobs.Stats{Total: 3, Succeeded: 2, Failed: 1,
		Errors: []jobs.ItemError{{Item: "row 4", Kind: "validation", Message: "no name"}}}
	job.StartedAt = job.CreatedAt.Add(time.Second)
	job.CompletedAt = job.CreatedAt.Add(2 * time.Second)
	require.NoError(t, store.UpsertJob(ctx, job))

	loaded, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, jobs.StatusPartial, got.Status)
	assert.Equal(t, "upload.csv", got.Payload.FileName)
	assert.Equal(t, 2, got.Stats.Succeeded)
	require.Len(t, got.Stats.Errors, 1)
	assert.Equal(t, "row 4", got.Stats.Errors[0].Item)
	assert.False(t, got.StartedAt.IsZero())

	require.NoError(t, store.DeleteJob(ctx, "job-1"))
	loaded, err = store.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestDeadLetters_RecordListFilterRetry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	raw := ingest.RawRecord{Source: "upload.csv", RowNumber: 3, Name: "broken"}
	entry, err := store.Record(ctx, "job-1", raw, ingest.KindValidation, "row failed schema validation")
	require.NoError(t, err)
	_, err = store.Record(ctx, "job-2", ingest.RawRecord{DedupKey: "ext-9", Source: "github"}, ingest.KindTransient, "timeout")
	require.NoError(t, err)

	all, err := store.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byJob, err := store.List(ctx, deadletter.Filter{JobID: "job-1"})
	require.NoError(t, err)
	require.Len(t, byJob, 1)
	assert.Equal(t, "broken", byJob[0].RawRecord.Name)
	assert.Equal(t, 3, byJob[0].RawRecord.RowNumber)
	assert.Equal(t, ingest.KindValidation, byJob[0].FailureKind)

	byKind, err := store.List(ctx, deadletter.Filter{Kind: "transient"})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "job-2", byKind[0].JobID)

	require.NoError(t, store.MarkRetried(ctx, entry.ID, "job-3"))
	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-3", got.RetriedJobID)
}

func TestDeadLetters_MissingEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "nope")
	require.ErrorIs(t, err, deadletter.ErrNotFound)

	err = store.MarkRetried(ctx, "nope", "job-1")
	require.ErrorIs(t, err, deadletter.ErrNotFound)
}

func TestImportLog_MostRecentFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, jobID := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, store.RecordImportLog(ctx, ingest.ImportSummary{
			JobID:       jobID,
			Type:        string(jobs.TypeBulkImport),
			Source:      "upload.csv",
			Status:      string(jobs.StatusCompleted),
			Total:       i + 1,
			Succeeded:   i + 1,
			CompletedAt: time.Now().UTC(),
		}))
	}

	summaries, err := store.ListImportLog(ctx, 2)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "job-3", summaries[0].JobID)
	assert.Equal(t, "job-2", summaries[1].JobID)
}

func TestMigrations_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = first.Upsert(context.Background(), ingest.CanonicalRecord{DedupKey: "k", Name: "k", Status: ingest.StatusActive})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()

	count, err := second.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
