package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/projectpulse/projectpulse/internal/deadletter"
	"github.com/projectpulse/projectpulse/internal/ingest"
	"github.com/projectpulse/projectpulse/internal/jobs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore backs every persistent collaborator of the pipeline: the
// scheduler's job store, the canonical record store (the upsert
// contract), the dead-letter log, and the durable import log.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration
// filename ("001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// --- jobs.Store ---

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, type, source, payload_json, status, stats_json, error, created_at, started_at, completed_at
		 FROM jobs
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		var item jobs.Job
		var jobType, status, payloadJSON, statsJSON string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&jobType,
			&item.Source,
			&payloadJSON,
			&status,
			&statsJSON,
			&item.Error,
			&item.CreatedAt,
			&startedAt,
			&completedAt,
		); err != nil {
			return nil, err
		}
		item.Type = jobs.Type(jobType)
		item.Status = jobs.Status(status)
		if err := json.Unmarshal([]byte(payloadJSON), &item.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of job %s: %w", item.ID, err)
		}
		if err := json.Unmarshal([]byte(statsJSON), &item.Stats); err != nil {
			return nil, fmt.Errorf("decode stats of job %s: %w", item.ID, err)
		}
		if startedAt.Valid {
			item.StartedAt = startedAt.Time
		}
		if completedAt.Valid {
			item.CompletedAt = completedAt.Time
		}
		ret = append(ret, &item)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	statsJSON, err := json.Marshal(job.Stats)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			id, type, source, payload_json, status, stats_json, error, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			stats_json=excluded.stats_json,
			error=excluded.error,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at`,
		job.ID,
		string(job.Type),
		job.Source,
		string(payloadJSON),
		string(job.Status),
		string(statsJSON),
		job.Error,
		job.CreatedAt,
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	return err
}

// --- ingest.Upserter ---

// Upsert writes a canonical record, keyed by dedup key. A record seen
// before is updated in place and reported as Created=false, which is how
// callers count duplicates against the store.
func (s *SQLiteStore) Upsert(ctx context.Context, rec ingest.CanonicalRecord) (ingest.UpsertResult, error) {
	techStackJSON, err := json.Marshal(rec.TechStack)
	if err != nil {
		return ingest.UpsertResult{}, err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ingest.UpsertResult{}, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM records WHERE dedup_key = ?`, rec.DedupKey).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO records (
				dedup_key, name, source, description, language, tech_stack_json,
				health_score, complexity, status, stars, forks, open_issues,
				homepage, last_activity_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.DedupKey, rec.Name, rec.Source, rec.Description, rec.Language, string(techStackJSON),
			rec.HealthScore, rec.Complexity, rec.Status, rec.Stars, rec.Forks, rec.OpenIssues,
			rec.Homepage, nullableTime(rec.LastActivityAt), now, now,
		)
		if err != nil {
			return ingest.UpsertResult{}, err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return ingest.UpsertResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return ingest.UpsertResult{}, err
		}
		return ingest.UpsertResult{ID: id, Created: true}, nil

	case err != nil:
		return ingest.UpsertResult{}, err

	default:
		_, err := tx.ExecContext(ctx,
			`UPDATE records SET
				name=?, source=?, description=?, language=?, tech_stack_json=?,
				health_score=?, complexity=?, status=?, stars=?, forks=?, open_issues=?,
				homepage=?, last_activity_at=?, updated_at=?
			 WHERE id=?`,
			rec.Name, rec.Source, rec.Description, rec.Language, string(techStackJSON),
			rec.HealthScore, rec.Complexity, rec.Status, rec.Stars, rec.Forks, rec.OpenIssues,
			rec.Homepage, nullableTime(rec.LastActivityAt), now,
			id,
		)
		if err != nil {
			return ingest.UpsertResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return ingest.UpsertResult{}, err
		}
		return ingest.UpsertResult{ID: id, Created: false}, nil
	}
}

// CountRecords reports the number of canonical records, used by tests
// and the health endpoint.
func (s *SQLiteStore) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// --- deadletter.Store ---

func (s *SQLiteStore) Record(ctx context.Context, jobID string, raw ingest.RawRecord, kind ingest.Kind, message string) (deadletter.Entry, error) {
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return deadletter.Entry{}, err
	}
	entry := deadletter.Entry{
		ID:          uuid.NewString(),
		JobID:       jobID,
		RawRecord:   raw,
		FailureKind: kind,
		Kind:        kind.String(),
		Message:     message,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, job_id, raw_json, kind, message, retried_job_id, created_at)
		 VALUES (?, ?, ?, ?, ?, '', ?)`,
		entry.ID, entry.JobID, string(rawJSON), entry.Kind, entry.Message, entry.CreatedAt,
	)
	if err != nil {
		return deadletter.Entry{}, err
	}
	return entry, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter deadletter.Filter) ([]deadletter.Entry, error) {
	query := `SELECT id, job_id, raw_json, kind, message, retried_job_id, created_at
		 FROM dead_letters`
	conds := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if filter.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]deadletter.Entry, 0)
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, entry)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (deadletter.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, raw_json, kind, message, retried_job_id, created_at
		 FROM dead_letters WHERE id = ?`, id)
	entry, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return deadletter.Entry{}, fmt.Errorf("%s: %w", id, deadletter.ErrNotFound)
	}
	return entry, err
}

func (s *SQLiteStore) MarkRetried(ctx context.Context, id string, retriedJobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET retried_job_id = ? WHERE id = ?`, retriedJobID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", id, deadletter.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (deadletter.Entry, error) {
	var entry deadletter.Entry
	var rawJSON string
	if err := row.Scan(&entry.ID, &entry.JobID, &rawJSON, &entry.Kind, &entry.Message, &entry.RetriedJobID, &entry.CreatedAt); err != nil {
		return deadletter.Entry{}, err
	}
	if err := json.Unmarshal([]byte(rawJSON), &entry.RawRecord); err != nil {
		return deadletter.Entry{}, fmt.Errorf("decode dead-letter %s payload: %w", entry.ID, err)
	}
	entry.FailureKind = ingest.ParseKind(entry.Kind)
	return entry, nil
}

// --- ingest.ImportLogger ---

func (s *SQLiteStore) RecordImportLog(ctx context.Context, summary ingest.ImportSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_log (
			job_id, type, source, status, total, succeeded, failed, skipped_duplicate, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.JobID, summary.Type, summary.Source, summary.Status,
		summary.Total, summary.Succeeded, summary.Failed, summary.SkippedDuplicate,
		nullableTime(summary.StartedAt), nullableTime(summary.CompletedAt),
	)
	return err
}

// ListImportLog returns the most recent import summaries.
func (s *SQLiteStore) ListImportLog(ctx context.Context, limit int) ([]ingest.ImportSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, type, source, status, total, succeeded, failed, skipped_duplicate, started_at, completed_at
		 FROM import_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]ingest.ImportSummary, 0)
	for rows.Next() {
		var item ingest.ImportSummary
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(
			&item.JobID, &item.Type, &item.Source, &item.Status,
			&item.Total, &item.Succeeded, &item.Failed, &item.SkippedDuplicate,
			&startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			item.StartedAt = startedAt.Time
		}
		if completedAt.Valid {
			item.CompletedAt = completedAt.Time
		}
		ret = append(ret, item)
	}
	return ret, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
