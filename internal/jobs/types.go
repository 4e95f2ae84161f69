package jobs

import "time"

// Type of an ingestion job.
type Type string

const (
	TypeBulkImport   Type = "bulk_import"
	TypeExternalSync Type = "external_sync"
)

// Status of a job. Transitions are monotonic:
// queued → processing → {completed | partial | failed | cancelled}.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. A terminal job is
// immutable and owned by the tracker.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// maxStatsErrors caps the error list carried in the live snapshot. The
// dead-letter store retains every instance regardless.
const maxStatsErrors = 64

// ItemError attributes one per-item failure to its unit of work.
type ItemError struct {
	Item    string `json:"item"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Stats aggregates a job's per-item accounting.
type Stats struct {
	Total            int         `json:"total"`
	Succeeded        int         `json:"succeeded"`
	Failed           int         `json:"failed"`
	SkippedDuplicate int         `json:"skipped_duplicate"`
	Errors           []ItemError `json:"errors,omitempty"`
}

// AppendError records an item error, capping the in-memory list.
func (s *Stats) AppendError(item, kind, message string) {
	if len(s.Errors) >= maxStatsErrors {
		return
	}
	s.Errors = append(s.Errors, ItemError{Item: item, Kind: kind, Message: message})
}

// Payload carries the job-type-specific input.
type Payload struct {
	// Bulk import: path of the staged upload and its original name.
	FilePath string `json:"file_path,omitempty"`
	FileName string `json:"file_name,omitempty"`

	// External sync: resume cursor and optional incremental watermark.
	Cursor string    `json:"cursor,omitempty"`
	Since  time.Time `json:"since,omitzero"`

	// Dead-letter retry: the entry being re-ingested.
	RetryEntryID string `json:"retry_entry_id,omitempty"`
}

// Job is one unit of scheduled work. It is mutated only by its owning
// worker through the scheduler and becomes immutable once terminal.
type Job struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Source      string    `json:"source"`
	Payload     Payload   `json:"payload"`
	Status      Status    `json:"status"`
	Stats       Stats     `json:"stats"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// SubmitRequest is the scheduler's admission input.
type SubmitRequest struct {
	Type    Type
	Source  string
	Payload Payload
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	if job.Stats.Errors != nil {
		tmp.Stats.Errors = append([]ItemError(nil), job.Stats.Errors...)
	}
	return &tmp
}
