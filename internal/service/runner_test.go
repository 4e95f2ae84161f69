package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectpulse/projectpulse/internal/config"
	"github.com/projectpulse/projectpulse/internal/deadletter"
	"github.com/projectpulse/projectpulse/internal/ingest"
	"github.com/projectpulse/projectpulse/internal/jobs"
)

// memUpserter is an in-memory ingest.Upserter with injectable per-key
// failures.
type memUpserter struct {
	mu      sync.Mutex
	records map[string]ingest.CanonicalRecord
	nextID  int64
	// failures maps a dedup key to a queue of errors returned before the
	// upsert succeeds.
	failures map[string][]error
}

func newMemUpserter() *memUpserter {
	return &memUpserter{
		records:  make(map[string]ingest.CanonicalRecord),
		failures: make(map[string][]error),
	}
}

func (m *memUpserter) Upsert(_ context.Context, rec ingest.CanonicalRecord) (ingest.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if queue := m.failures[rec.DedupKey]; len(queue) > 0 {
		err := queue[0]
		m.failures[rec.DedupKey] = queue[1:]
		return ingest.UpsertResult{}, err
	}

	_, existed := m.records[rec.DedupKey]
	m.records[rec.DedupKey] = rec
	if existed {
		return ingest.UpsertResult{ID: 1, Created: false}, nil
	}
	m.nextID++
	return ingest.UpsertResult{ID: m.nextID, Created: true}, nil
}

func (m *memUpserter) get(key string) (ingest.CanonicalRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	return rec, ok
}

func (m *memUpserter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// fakePager serves preloaded pages and then an optional terminating
// error.
type fakePager struct {
	pages    [][]ingest.RawRecord
	finalErr error
	page     int
}

func (p *fakePager) Next(context.Context) ([]ingest.RawRecord, bool, error) {
	if p.page < len(p.pages) {
		records := p.pages[p.page]
		p.page++
		return records, true, nil
	}
	if p.finalErr != nil {
		return nil, false, p.finalErr
	}
	return nil, false, nil
}

func (p *fakePager) Cursor() string { return "" }

type testHarness struct {
	svc      *Service
	upserter *memUpserter
	dlq      *deadletter.MemoryStore
}

func newTestService(t *testing.T, newPager PagerFactory) *testHarness {
	t.Helper()

	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{WorkerCount: 1},
		Bulk:      config.BulkConfig{BatchSize: 2, PreviewRows: 3},
		Score:     config.DefaultScoreConfig(),
		Storage:   config.StorageConfig{UploadDir: t.TempDir()},
	}
	upserter := newMemUpserter()
	dlq := deadletter.NewMemoryStore()
	scheduler := jobs.NewScheduler(1, nil, nil, nil)

	svc, err := New(cfg, Deps{
		Scheduler:  scheduler,
		Upserter:   upserter,
		DeadLetter: dlq,
		NewPager:   newPager,
	})
	require.NoError(t, err)
	svc.retry = ingest.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond}

	svc.Start()
	t.Cleanup(svc.Stop)
	return &testHarness{svc: svc, upserter: upserter, dlq: dlq}
}

func waitForTerminal(t *testing.T, svc *Service, id string) *jobs.Job {
	t.Helper()
	var got *jobs.Job
	require.Eventually(t, func() bool {
		job, ok := svc.Job(id)
		if ok && job.Status.Terminal() {
			got = job
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestBulkImport_InvalidRowDeadLettersAndJobIsPartial(t *testing.T) {
	h := newTestService(t, nil)

	csv := strings.Join([]string{
		"name,language,stars",
		"alpha,Go,10",
		",Python,5",
		"gamma,Rust,3",
	}, "\n")

	job, err := h.svc.SubmitBulkFile(strings.NewReader(csv), "projects.csv", "")
	require.NoError(t, err)

	done := waitForTerminal(t, h.svc, job.ID)
	assert.Equal(t, jobs.StatusPartial, done.Status)
	assert.Equal(t, 3, done.Stats.Total)
	assert.Equal(t, 2, done.Stats.Succeeded)
	assert.Equal(t, 1, done.Stats.Failed)
	require.Len(t, done.Stats.Errors, 1)
	assert.Equal(t, "row 3", done.Stats.Errors[0].Item)

	assert.Equal(t, 2, h.upserter.count())
	_, ok := h.upserter.get("alpha|projects.csv")
	assert.True(t, ok)

	entries, err := h.dlq.List(context.Background(), deadletter.Filter{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "validation", entries[0].Kind)
	assert.Equal(t, 3, entries[0].RawRecord.RowNumber)
}

func TestBulkImport_CleanFileCompletes(t *testing.T) {
	h := newTestService(t, nil)

	csv := "name,language\nalpha,Go\nbeta,Python\ngamma,Rust\n"
	job, err := h.svc.SubmitBulkFile(strings.NewReader(csv), "projects.csv", "")
	require.NoError(t, err)

	done := waitForTerminal(t, h.svc, job.ID)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, 3, done.Stats.Succeeded)
	assert.Equal(t, 0, done.Stats.Failed)
}

func TestBulkImport_DuplicatesSkippedInFileAndAcrossImports(t *testing.T) {
	h := newTestService(t, nil)

	csv := "name\nalpha\nAlpha\nbeta\n"
	first, err := h.svc.SubmitBulkFile(strings.NewReader(csv), "projects.csv", "")
	require.NoError(t, err)

	done := waitForTerminal(t, h.svc, first.ID)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	// "Alpha" collides with "alpha" on the case-folded key.
	assert.Equal(t, 2, done.Stats.Succeeded)
	assert.Equal(t, 1, done.Stats.SkippedDuplicate)

	// Re-importing the same file nets zero new records.
	second, err := h.svc.SubmitBulkFile(strings.NewReader(csv), "projects.csv", "")
	require.NoError(t, err)
	done = waitForTerminal(t, h.svc, second.ID)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, 0, done.Stats.Succeeded)
	assert.Equal(t, 3, done.Stats.SkippedDuplicate)
	assert.Equal(t, 2, h.upserter.count())
}

func TestBulkImport_UnreadableStagedFileFails(t *testing.T) {
	h := newTestService(t, nil)

	job, created := h.svc.scheduler.Submit(jobs.SubmitRequest{
		Type:    jobs.TypeBulkImport,
		Source:  "projects.csv",
		Payload: jobs.Payload{FilePath: "/nonexistent/staged.csv", FileName: "projects.csv"},
	})
	require.True(t, created)

	done := waitForTerminal(t, h.svc, job.ID)
	assert.Equal(t, jobs.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "unreadable")
}

func TestExternalSync_WalksPagesAndUpdatesCountAsSucceeded(t *testing.T) {
	pushed := time.Now().Add(-time.Hour)
	pager := &fakePager{pages: [][]ingest.RawRecord{
		{
			{DedupKey: "ext-1", Source: "github", Name: "alpha", PushedAt: pushed},
			{DedupKey: "ext-2", Source: "github", Name: "beta", PushedAt: pushed},
		},
		{
			{DedupKey: "ext-1", Source: "github", Name: "alpha", Stars: 5, PushedAt: pushed},
		},
	}}
	h := newTestService(t, func(string, string, time.Time) (PageIterator, error) {
		return pager, nil
	})

	job, created, err := h.svc.SubmitSync("github", "", time.Time{})
	require.NoError(t, err)
	require.True(t, created)

	done := waitForTerminal(t, h.svc, job.ID)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, 3, done.Stats.Total)
	// The repeat of ext-1 is an update, which a sync counts as success.
	assert.Equal(t, 3, done.Stats.Succeeded)
	assert.Equal(t, 0, done.Stats.SkippedDuplicate)

	rec, ok := h.upserter.get("ext-1")
	require.True(t, ok)
	assert.Equal(t, 5, rec.Stars)
}

func TestExternalSync_RateLimitAfterProgressIsPartial(t *testing.T) {
	pager := &fakePager{
		pages: [][]ingest.RawRecord{
			{{DedupKey: "ext-1", Source: "github", Name: "alpha"}},
		},
		finalErr: ingest.NewError(ingest.KindRateLimit, "quota reset beyond wait ceiling"),
	}
	h := newTestService(t, func(string, string, time.Time) (PageIterator, error) {
		return pager, nil
	})

	job, _, err := h.svc.SubmitSync("github", "", time.Time{})
	require.NoError(t, err)

	done := waitForTerminal(t, h.svc, job.ID)
	assert.Equal(t, jobs.StatusPartial, done.Status)
	assert.Equal(t, 1, done.Stats.Succeeded)
	assert.Contains(t, done.Error, "quota reset")
}

func TestExternalSync_TransientUpsertFailureIsRetried(t *testing.T) {
	pager := &fakePager{pages: [][]ingest.RawRecord{
		{{DedupKey: "ext-1", Source: "github", Name: "alpha"}},
	}}
	h := newTestService(t, func(string, string, time.Time) (PageIterator, error) {
		return pager, nil
	})
	h.upserter.failures["ext-1"] = []error{
		ingest.NewError(ingest.KindTransient, "db busy"),
		ingest.NewError(ingest.KindTransient, "db busy"),
	}

	job, _, err := h.svc.SubmitSync("github", "", time.Time{})
	require.NoError(t, err)

	done := waitForTerminal(t, h.svc, job.ID)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, 1, done.Stats.Succeeded)
	assert.Equal(t, 1, h.upserter.count())
}

func TestExternalSync_ExhaustedRetriesDeadLetterTheItem(t *testing.T) {
	pager := &fakePager{pages: [][]ingest.RawRecord{
		{
			{DedupKey: "ext-1", Source: "github", Name: "alpha"},
			{DedupKey: "ext-2", Source: "github", Name: "beta"},
		},
	}}
	h := newTestService(t, func(string, string, time.Time) (PageIterator, error) {
		return pager, nil
	})
	h.upserter.failures["ext-1"] = []error{
		ingest.NewError(ingest.KindTransient, "db busy"),
		ingest.NewError(ingest.KindTransient, "db busy"),
		ingest.NewError(ingest.KindTransient, "db busy"),
	}

	job, _, err := h.svc.SubmitSync("github", "", time.Time{})
	require.NoError(t, err)

	done := waitForTerminal(t, h.svc, job.ID)
	assert.Equal(t, jobs.StatusPartial, done.Status)
	assert.Equal(t, 1, done.Stats.Succeeded)
	assert.Equal(t, 1, done.Stats.Failed)

	entries, listErr := h.dlq.List(context.Background(), deadletter.Filter{JobID: job.ID})
	require.NoError(t, listErr)
	require.Len(t, entries, 1)
	assert.Equal(t, "ext-1", entries[0].RawRecord.DedupKey)
}

func TestExternalSync_BadPagerFactoryFailsTheJob(t *testing.T) {
	h := newTestService(t, func(string, string, time.Time) (PageIterator, error) {
		return nil, ingest.NewError(ingest.KindFatal, "githost API URL is not configured")
	})

	job, _, err := h.svc.SubmitSync("github", "", time.Time{})
	require.NoError(t, err)

	done := waitForTerminal(t, h.svc, job.ID)
	assert.Equal(t, jobs.StatusFailed, done.Status)
}

func TestRetryDeadLetter_RerunsOneItem(t *testing.T) {
	h := newTestService(t, nil)

	entry, err := h.dlq.Record(context.Background(), "job-1",
		ingest.RawRecord{DedupKey: "ext-9", Source: "github", Name: "phoenix"},
		ingest.KindTransient, "db busy")
	require.NoError(t, err)

	retryJob, err := h.svc.RetryDeadLetter(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.TypeExternalSync, retryJob.Type)

	done := waitForTerminal(t, h.svc, retryJob.ID)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, 1, done.Stats.Succeeded)

	_, ok := h.upserter.get("ext-9")
	assert.True(t, ok)

	got, err := h.dlq.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, retryJob.ID, got.RetriedJobID)
}

func TestRetryDeadLetter_UnknownEntry(t *testing.T) {
	h := newTestService(t, nil)

	_, err := h.svc.RetryDeadLetter(context.Background(), "nope")
	require.ErrorIs(t, err, deadletter.ErrNotFound)
}

func TestSubmitBulkFile_RejectsUnsupportedExtension(t *testing.T) {
	h := newTestService(t, nil)

	_, err := h.svc.SubmitBulkFile(strings.NewReader("x"), "projects.pdf", "")
	require.Error(t, err)
	assert.True(t, ingest.IsKind(err, ingest.KindFatal))
}

func TestPreview_DoesNotWrite(t *testing.T) {
	h := newTestService(t, nil)

	preview, err := h.svc.Preview(strings.NewReader("name\nalpha\n\nbeta\n"), "projects.csv", "")
	require.NoError(t, err)
	assert.NotEmpty(t, preview.Rows)
	assert.Equal(t, 0, h.upserter.count())
}
