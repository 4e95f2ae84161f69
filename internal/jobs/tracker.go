package jobs

import (
	"sort"
	"time"
)

// Tracker retains snapshots of terminal jobs for polling clients. Memory
// is bounded two ways: snapshots older than the retention window are
// pruned, and the total count is capped with the oldest evicted first.
// Durable summaries persisted via the import log are unaffected.
//
// The tracker is only written by the scheduler, which already serializes
// terminal transitions, so a plain mutex suffices.
type Tracker struct {
	retention time.Duration
	maxJobs   int
	now       func() time.Time

	snapshots map[string]*Job
}

func NewTracker(retention time.Duration, maxJobs int) *Tracker {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if maxJobs <= 0 {
		maxJobs = 1000
	}
	return &Tracker{
		retention: retention,
		maxJobs:   maxJobs,
		now:       time.Now,
		snapshots: make(map[string]*Job),
	}
}

// put stores a terminal job snapshot and returns the ids pruned to make
// room, so the caller can drop them from the persistent job store.
// Callers hold the scheduler lock.
func (t *Tracker) put(job *Job) []string {
	t.snapshots[job.ID] = job
	return t.prune()
}

func (t *Tracker) get(id string) (*Job, bool) {
	job, ok := t.snapshots[id]
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

func (t *Tracker) list() []*Job {
	out := make([]*Job, 0, len(t.snapshots))
	for _, job := range t.snapshots {
		out = append(out, cloneJob(job))
	}
	return out
}

// prune drops snapshots past the retention window, then enforces the
// count cap oldest-first.
func (t *Tracker) prune() []string {
	pruned := make([]string, 0)
	cutoff := t.now().Add(-t.retention)
	for id, job := range t.snapshots {
		if job.CompletedAt.Before(cutoff) {
			delete(t.snapshots, id)
			pruned = append(pruned, id)
		}
	}

	if len(t.snapshots) <= t.maxJobs {
		return pruned
	}

	remaining := make([]*Job, 0, len(t.snapshots))
	for _, job := range t.snapshots {
		remaining = append(remaining, job)
	}
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].CompletedAt.Before(remaining[j].CompletedAt)
	})
	for _, job := range remaining[:len(t.snapshots)-t.maxJobs] {
		delete(t.snapshots, job.ID)
		pruned = append(pruned, job.ID)
	}
	return pruned
}
