package jobs

import "context"

// Store persists job states so the scheduler can recover across
// restarts. Jobs found processing at load time were orphaned by a crash
// and are re-queued.
type Store interface {
	LoadJobs(ctx context.Context) ([]*Job, error)
	UpsertJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, jobID string) error
}
