package ingest

import (
	"context"
	"time"
)

// RawRecord is the typed intermediate shape every source is mapped into
// before normalization. External API entities and bulk file rows both
// arrive here; missing fields are zero values and the validator decides
// whether that is acceptable, so nothing untyped leaks downstream.
type RawRecord struct {
	// DedupKey identifies the record across ingestions: the stable
	// external id for API records, "name|source" for file rows.
	DedupKey string `json:"dedup_key"`
	// Source is the owning source identifier (API org or upload name).
	Source string `json:"source"`
	// RowNumber is the 1-based row in the originating file, 0 for API
	// records.
	RowNumber int `json:"row_number,omitempty"`

	Name        string    `json:"name"`
	Description string    `json:"description"`
	Language    string    `json:"language"`
	Topics      []string  `json:"topics,omitempty"`
	Stars       int       `json:"stars"`
	Forks       int       `json:"forks"`
	OpenIssues  int       `json:"open_issues"`
	SizeKB      int       `json:"size_kb"`
	Homepage    string    `json:"homepage,omitempty"`
	Archived    bool      `json:"archived"`
	Private     bool      `json:"private"`
	PushedAt    time.Time `json:"pushed_at"`
}

// CanonicalRecord is the normalized representation written to the store
// of record. For a given DedupKey at most one canonical record exists;
// re-ingestion updates it in place.
type CanonicalRecord struct {
	DedupKey       string    `json:"dedup_key"`
	Name           string    `json:"name"`
	Source         string    `json:"source"`
	Description    string    `json:"description"`
	Language       string    `json:"language"`
	TechStack      []string  `json:"tech_stack"`
	HealthScore    int       `json:"health_score"`
	Complexity     int       `json:"complexity"`
	Status         string    `json:"status"`
	Stars          int       `json:"stars"`
	Forks          int       `json:"forks"`
	OpenIssues     int       `json:"open_issues"`
	Homepage       string    `json:"homepage,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Project lifecycle statuses produced by the normalizer.
const (
	StatusActive  = "active"
	StatusShipped = "shipped"
	StatusDormant = "dormant"
)

// UpsertResult reports whether an upsert created a new canonical record
// or updated an existing one. The Created flag is how duplicate
// detection against the store works.
type UpsertResult struct {
	ID      int64
	Created bool
}

// Upserter is the contract the pipeline consumes from storage. It must
// be idempotent per DedupKey: a second upsert with the same key mutates
// the existing record and reports Created=false.
type Upserter interface {
	Upsert(ctx context.Context, rec CanonicalRecord) (UpsertResult, error)
}

// ImportSummary is the durable record of a finished job, persisted via
// the ImportLogger collaborator. It outlives the in-memory job snapshot.
type ImportSummary struct {
	JobID            string    `json:"job_id"`
	Type             string    `json:"type"`
	Source           string    `json:"source"`
	Status           string    `json:"status"`
	Total            int       `json:"total"`
	Succeeded        int       `json:"succeeded"`
	Failed           int       `json:"failed"`
	SkippedDuplicate int       `json:"skipped_duplicate"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
}

// ImportLogger persists job summaries. Callers treat it as
// fire-and-forget: a logging failure never fails the job.
type ImportLogger interface {
	RecordImportLog(ctx context.Context, summary ImportSummary) error
}
