package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/projectpulse/projectpulse/internal/bulk"
	"github.com/projectpulse/projectpulse/internal/config"
	"github.com/projectpulse/projectpulse/internal/deadletter"
	"github.com/projectpulse/projectpulse/internal/githost"
	"github.com/projectpulse/projectpulse/internal/ingest"
	"github.com/projectpulse/projectpulse/internal/jobs"
	"github.com/projectpulse/projectpulse/internal/normalize"
	"github.com/projectpulse/projectpulse/pkg/file"
	"github.com/projectpulse/projectpulse/pkg/log"
)

// PageIterator abstracts the API client's pager so tests can drive the
// sync path without a live server.
type PageIterator interface {
	Next(ctx context.Context) ([]ingest.RawRecord, bool, error)
	Cursor() string
}

// PagerFactory opens a page iterator over one source, starting at an
// opaque cursor.
type PagerFactory func(source, cursor string, since time.Time) (PageIterator, error)

// ImportLogLister exposes the durable import history.
type ImportLogLister interface {
	ListImportLog(ctx context.Context, limit int) ([]ingest.ImportSummary, error)
}

// Service wires the ingestion pipeline together: it stages uploads,
// submits jobs to the scheduler, executes them on the worker pool, and
// surfaces job, dead-letter, and import-history queries for the API.
type Service struct {
	cfg        *config.Config
	scheduler  *jobs.Scheduler
	normalizer *normalize.Normalizer
	parser     *bulk.Parser
	upserter   ingest.Upserter
	dlq        deadletter.Store
	imports    ImportLogLister
	newPager   PagerFactory
	retry      ingest.RetryPolicy
}

// Deps carries the service's collaborators. NewPager may be nil, in
// which case a githost client is constructed per sync source.
type Deps struct {
	Scheduler  *jobs.Scheduler
	Upserter   ingest.Upserter
	DeadLetter deadletter.Store
	Imports    ImportLogLister
	NewPager   PagerFactory
}

func New(cfg *config.Config, deps Deps) (*Service, error) {
	schema, err := bulk.ProjectSchema()
	if err != nil {
		return nil, fmt.Errorf("compile bulk schema: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		scheduler:  deps.Scheduler,
		normalizer: normalize.New(cfg.Score),
		parser:     bulk.NewParser(schema),
		upserter:   deps.Upserter,
		dlq:        deps.DeadLetter,
		imports:    deps.Imports,
		newPager:   deps.NewPager,
		retry:      ingest.DefaultRetryPolicy(),
	}
	if s.newPager == nil {
		s.newPager = s.githostPager
	}
	return s, nil
}

// Start launches the scheduler's worker pool with this service as the
// executor. Staged uploads older than a week are swept first; a
// rehydrated job whose file was swept fails with an unreadable-upload
// error instead of lingering forever.
func (s *Service) Start() {
	if n, err := file.Sweep(s.cfg.Storage.UploadDir, 7*24*time.Hour); err != nil {
		log.Warn("Upload staging sweep failed: %v", err)
	} else if n > 0 {
		log.Info("Swept %d stale staged uploads", n)
	}
	s.scheduler.Start(s.execute)
}

func (s *Service) Stop() {
	s.scheduler.Stop()
}

// githostPager constructs a fresh API client per source, so quota state
// is owned per source and never shared.
func (s *Service) githostPager(source, cursor string, since time.Time) (PageIterator, error) {
	client, err := githost.NewClient(s.cfg.GitHost)
	if err != nil {
		return nil, err
	}
	return client.Pages(source, cursor, since)
}

// SubmitSync admits an external_sync job for source. If the same source
// already has a sync queued or processing, that job is returned instead
// of a duplicate.
func (s *Service) SubmitSync(source, cursor string, since time.Time) (*jobs.Job, bool, error) {
	if source == "" {
		return nil, false, ingest.NewError(ingest.KindValidation, "sync source is required")
	}
	job, created := s.scheduler.Submit(jobs.SubmitRequest{
		Type:    jobs.TypeExternalSync,
		Source:  source,
		Payload: jobs.Payload{Cursor: cursor, Since: since},
	})
	return job, created, nil
}

// SubmitBulkFile stages the upload and admits a bulk_import job. The
// format is checked here so an unsupported file is rejected before a
// worker is occupied.
func (s *Service) SubmitBulkFile(r io.Reader, filename, source string) (*jobs.Job, error) {
	if _, err := bulk.DetectFormat(filename); err != nil {
		return nil, err
	}
	if source == "" {
		source = filename
	}

	path, err := s.stageUpload(r, filename)
	if err != nil {
		return nil, err
	}

	job, _ := s.scheduler.Submit(jobs.SubmitRequest{
		Type:    jobs.TypeBulkImport,
		Source:  source,
		Payload: jobs.Payload{FilePath: path, FileName: filename},
	})
	return job, nil
}

func (s *Service) stageUpload(r io.Reader, filename string) (string, error) {
	dir := s.cfg.Storage.UploadDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+filepath.Ext(filename))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("stage upload: %w", err)
	}
	return path, nil
}

// Preview parses the first rows of a bulk file without writing anything.
func (s *Service) Preview(r io.Reader, filename, source string) (*bulk.PreviewResult, error) {
	format, err := bulk.DetectFormat(filename)
	if err != nil {
		return nil, err
	}
	if source == "" {
		source = filename
	}
	return s.parser.Preview(r, format, source, s.cfg.Bulk.PreviewRows)
}

// Job returns a snapshot of a live or retained job.
func (s *Service) Job(id string) (*jobs.Job, bool) {
	return s.scheduler.Get(id)
}

// Cancel requests cooperative cancellation of a job.
func (s *Service) Cancel(id string) bool {
	return s.scheduler.Cancel(id)
}

// History lists jobs most-recent-first.
func (s *Service) History(limit, offset int) []*jobs.Job {
	return s.scheduler.List(limit, offset)
}

// ImportHistory lists durable import summaries, which survive job
// snapshot pruning.
func (s *Service) ImportHistory(ctx context.Context, limit int) ([]ingest.ImportSummary, error) {
	if s.imports == nil {
		return []ingest.ImportSummary{}, nil
	}
	return s.imports.ListImportLog(ctx, limit)
}

// DeadLetters lists dead-letter entries, optionally filtered.
func (s *Service) DeadLetters(ctx context.Context, jobID, kind string) ([]deadletter.Entry, error) {
	return s.dlq.List(ctx, deadletter.Filter{JobID: jobID, Kind: kind})
}

// RetryDeadLetter spawns a new single-item job re-running the original
// ingestion path for the entry's record, and tags the entry with the new
// job id. The entry itself is never mutated beyond that tag.
func (s *Service) RetryDeadLetter(ctx context.Context, entryID string) (*jobs.Job, error) {
	entry, err := s.dlq.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	jobType := jobs.TypeExternalSync
	if entry.RawRecord.RowNumber > 0 {
		jobType = jobs.TypeBulkImport
	}
	job, _ := s.scheduler.Submit(jobs.SubmitRequest{
		Type:    jobType,
		Source:  entry.RawRecord.Source,
		Payload: jobs.Payload{RetryEntryID: entry.ID},
	})

	if err := s.dlq.MarkRetried(ctx, entry.ID, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}
