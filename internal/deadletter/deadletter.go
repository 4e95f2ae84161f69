package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/projectpulse/projectpulse/internal/ingest"
)

// ErrNotFound reports a lookup of an entry id that does not exist.
var ErrNotFound = errors.New("dead-letter entry not found")

// Entry is one permanently failed ingestion item, retained for
// inspection and manual retry. Entries are append-only: a retry tags the
// entry with the new job id but never mutates or removes it.
type Entry struct {
	ID           string           `json:"id"`
	JobID        string           `json:"job_id"`
	RawRecord    ingest.RawRecord `json:"raw_record"`
	FailureKind  ingest.Kind      `json:"-"`
	Kind         string           `json:"kind"`
	Message      string           `json:"message"`
	CreatedAt    time.Time        `json:"created_at"`
	RetriedJobID string           `json:"retried_job_id,omitempty"`
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	JobID string
	Kind  string
}

func (f Filter) matches(e Entry) bool {
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return true
}

// Store is the dead-letter log. Implementations must support concurrent
// appends from multiple workers without losing writes.
type Store interface {
	Record(ctx context.Context, jobID string, raw ingest.RawRecord, kind ingest.Kind, message string) (Entry, error)
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	MarkRetried(ctx context.Context, id string, retriedJobID string) error
}
