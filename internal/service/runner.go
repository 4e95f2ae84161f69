package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/projectpulse/projectpulse/internal/bulk"
	"github.com/projectpulse/projectpulse/internal/ingest"
	"github.com/projectpulse/projectpulse/internal/jobs"
	"github.com/projectpulse/projectpulse/pkg/log"
)

// execute is the scheduler's executor: it runs one job to completion on
// the calling worker. Per-item failures are absorbed into stats and the
// dead-letter store; only errors that terminate the job are returned.
func (s *Service) execute(ctx context.Context, job jobs.Job, progress jobs.ProgressFunc) error {
	log.Info("Job %s (%s) started for source %q", job.ID, job.Type, job.Source)

	var err error
	switch {
	case job.Payload.RetryEntryID != "":
		err = s.runRetry(ctx, job, progress)
	case job.Type == jobs.TypeBulkImport:
		err = s.runBulkImport(ctx, job, progress)
	case job.Type == jobs.TypeExternalSync:
		err = s.runExternalSync(ctx, job, progress)
	default:
		err = ingest.NewError(ingest.KindFatal, fmt.Sprintf("unknown job type %q", job.Type))
	}

	if err != nil {
		log.Warn("Job %s stopped: %v", job.ID, err)
	} else {
		log.Info("Job %s finished", job.ID)
	}
	return err
}

// runBulkImport streams the staged file through the validator, batching
// valid rows toward the write path. Row-level problems dead-letter the
// row and processing continues; only an unreadable or malformed file
// terminates the job.
func (s *Service) runBulkImport(ctx context.Context, job jobs.Job, progress jobs.ProgressFunc) error {
	f, err := os.Open(job.Payload.FilePath)
	if err != nil {
		return ingest.WrapError(err, ingest.KindFatal, "staged upload is unreadable")
	}
	defer f.Close()
	defer os.Remove(job.Payload.FilePath)

	format, err := bulk.DetectFormat(job.Payload.FileName)
	if err != nil {
		return err
	}
	iter, err := s.parser.Parse(f, format, job.Source)
	if err != nil {
		return err
	}
	defer iter.Close()

	deduper := bulk.NewDeduper()
	batcher := bulk.NewBatcher(s.cfg.Bulk.BatchSize)

	for {
		// Cancellation is observed between rows, never mid-write.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		row, ok, err := iter.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		if row.Err != nil {
			s.recordFailure(ctx, job.ID, ingest.RawRecord{
				Source:    job.Source,
				RowNumber: row.Number,
			}, row.Err, progress)
			continue
		}

		if deduper.Seen(row.Record.DedupKey) {
			progress(func(st *jobs.Stats) {
				st.Total++
				st.SkippedDuplicate++
			})
			continue
		}

		if batch := batcher.Add(row.Record); batch != nil {
			if err := s.writeBatch(ctx, job.ID, batch, true, progress); err != nil {
				return err
			}
		}
	}

	return s.writeBatch(ctx, job.ID, batcher.Flush(), true, progress)
}

// runExternalSync walks the source's pages in order, pushing every
// record through the normalize-and-upsert path. Rate-limit exhaustion
// and fatal API errors terminate the fetch; the scheduler grades the job
// partial or failed depending on what was already committed.
func (s *Service) runExternalSync(ctx context.Context, job jobs.Job, progress jobs.ProgressFunc) error {
	pager, err := s.newPager(job.Source, job.Payload.Cursor, job.Payload.Since)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		records, ok, err := pager.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if err := s.writeBatch(ctx, job.ID, records, false, progress); err != nil {
			return err
		}
	}
}

// runRetry re-runs the original ingestion path for one dead-lettered
// record.
func (s *Service) runRetry(ctx context.Context, job jobs.Job, progress jobs.ProgressFunc) error {
	entry, err := s.dlq.Get(ctx, job.Payload.RetryEntryID)
	if err != nil {
		return ingest.WrapError(err, ingest.KindFatal, "dead-letter entry not found")
	}
	return s.writeBatch(ctx, job.ID, []ingest.RawRecord{entry.RawRecord}, entry.RawRecord.RowNumber > 0, progress)
}

// writeBatch normalizes and upserts a batch. Upserts are retried under
// the shared retry policy; a record that exhausts its retries is
// dead-lettered and the batch continues, so one bad item never sinks its
// batch. When countUpdates is true (bulk imports) an update counts as a
// duplicate skip rather than a success, which is how re-imports of the
// same file net out to zero new records.
func (s *Service) writeBatch(ctx context.Context, jobID string, batch []ingest.RawRecord, countUpdates bool, progress jobs.ProgressFunc) error {
	for _, raw := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rec, err := s.normalizer.Normalize(raw)
		if err != nil {
			s.recordFailure(ctx, jobID, raw, err, progress)
			continue
		}

		var res ingest.UpsertResult
		err = s.retry.Do(ctx, func() error {
			var upsertErr error
			res, upsertErr = s.upserter.Upsert(ctx, rec)
			return upsertErr
		})
		if err != nil {
			s.recordFailure(ctx, jobID, raw, err, progress)
			continue
		}

		progress(func(st *jobs.Stats) {
			st.Total++
			if countUpdates && !res.Created {
				st.SkippedDuplicate++
			} else {
				st.Succeeded++
			}
		})
	}
	return nil
}

// recordFailure does the bookkeeping for one failed item: stats, the
// capped error list, and exactly one dead-letter entry. Duplicates never
// reach here; they are counted, not failed.
func (s *Service) recordFailure(ctx context.Context, jobID string, raw ingest.RawRecord, cause error, progress jobs.ProgressFunc) {
	kind := ingest.KindOf(cause)
	item := raw.DedupKey
	if item == "" && raw.RowNumber > 0 {
		item = fmt.Sprintf("row %d", raw.RowNumber)
	}
	var ie *ingest.Error
	if errors.As(cause, &ie) && ie.Item != "" {
		item = ie.Item
	}

	progress(func(st *jobs.Stats) {
		st.Total++
		st.Failed++
		st.AppendError(item, kind.String(), cause.Error())
	})

	if _, err := s.dlq.Record(ctx, jobID, raw, kind, cause.Error()); err != nil {
		log.Error("Failed to dead-letter item %s of job %s: %v", item, jobID, err)
	}
}
