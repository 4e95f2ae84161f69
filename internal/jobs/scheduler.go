package jobs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/projectpulse/projectpulse/internal/ingest"
	"github.com/projectpulse/projectpulse/pkg/log"
)

// ProgressFunc lets the executor update the job's stats after every unit
// of work. Mutations are applied under the scheduler's lock, so polling
// clients always observe a consistent snapshot.
type ProgressFunc func(mutate func(*Stats))

// Executor runs one job to completion. Per-item failures belong in the
// stats and the dead-letter store; the returned error is reserved for
// failures that terminate the job (fatal setup errors, rate-limit
// ceiling, cancellation). The context is cancelled when the job is
// cancelled; executors check it between units of work.
type Executor func(ctx context.Context, job Job, progress ProgressFunc) error

// Scheduler owns the worker pool and the job registry. Jobs beyond
// worker capacity wait in FIFO admission order. All job mutation happens
// under the scheduler's lock; workers never touch a Job directly.
type Scheduler struct {
	workerCount int
	store       Store
	importLog   ingest.ImportLogger
	tracker     *Tracker

	mu         sync.Mutex
	jobs       map[string]*Job               // queued + processing
	cancels    map[string]context.CancelFunc // processing jobs
	activeSync map[string]string             // source → job id, duplicate-sync guard
	idCounter  uint64
	started    bool

	pendingIDs chan string
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	exec       Executor
}

func NewScheduler(workerCount int, store Store, tracker *Tracker, importLog ingest.ImportLogger) *Scheduler {
	if workerCount <= 0 {
		workerCount = 3
	}
	if tracker == nil {
		tracker = NewTracker(0, 0)
	}
	s := &Scheduler{
		workerCount: workerCount,
		store:       store,
		importLog:   importLog,
		tracker:     tracker,
		jobs:        make(map[string]*Job),
		cancels:     make(map[string]context.CancelFunc),
		activeSync:  make(map[string]string),
		pendingIDs:  make(chan string, 1024),
		stopCh:      make(chan struct{}),
	}
	s.hydrateFromStore(context.Background())
	return s
}

// Submit admits a job. For external_sync, a source with a sync already
// queued or processing is not admitted twice: the existing job is
// returned with created=false.
func (s *Scheduler) Submit(req SubmitRequest) (*Job, bool) {
	now := time.Now()

	s.mu.Lock()
	// Dead-letter retries are single-item jobs and never hold the
	// duplicate-sync guard.
	if req.Type == TypeExternalSync && req.Payload.RetryEntryID == "" {
		if id, ok := s.activeSync[req.Source]; ok {
			if existing, exists := s.jobs[id]; exists {
				snapshot := cloneJob(existing)
				s.mu.Unlock()
				return snapshot, false
			}
			delete(s.activeSync, req.Source)
		}
	}

	s.idCounter++
	job := &Job{
		ID:        fmt.Sprintf("job-%d", s.idCounter),
		Type:      req.Type,
		Source:    req.Source,
		Payload:   req.Payload,
		Status:    StatusQueued,
		CreatedAt: now,
	}
	s.jobs[job.ID] = job
	if req.Type == TypeExternalSync && req.Source != "" && req.Payload.RetryEntryID == "" {
		s.activeSync[req.Source] = job.ID
	}
	started := s.started
	snapshot := cloneJob(job)
	s.mu.Unlock()

	s.persistJob(snapshot)
	if started {
		s.enqueuePendingID(job.ID)
	}
	return snapshot, true
}

// Get returns a snapshot of a live or retained job.
func (s *Scheduler) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[id]; ok {
		return cloneJob(job), true
	}
	return s.tracker.get(id)
}

// List returns jobs most-recent-first, live and retained, windowed by
// limit and offset.
func (s *Scheduler) List(limit, offset int) []*Job {
	s.mu.Lock()
	all := s.tracker.list()
	for _, job := range s.jobs {
		all = append(all, cloneJob(job))
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []*Job{}
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Cancel requests cooperative cancellation. A queued job is finalized
// immediately; a processing job has its context cancelled and the worker
// observes the flag between units of work. Records already written stay
// written.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	switch job.Status {
	case StatusQueued:
		snapshot, pruned := s.finalizeLocked(job, StatusCancelled, "cancelled before start")
		s.mu.Unlock()
		s.afterFinalize(snapshot, pruned)
		return true
	case StatusProcessing:
		cancel := s.cancels[id]
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	default:
		s.mu.Unlock()
		return false
	}
}

// Start launches the worker pool. Jobs queued before Start (including
// hydrated ones) are enqueued in creation order.
func (s *Scheduler) Start(exec Executor) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.exec = exec

	pending := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Status == StatusQueued {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	s.mu.Unlock()

	for _, job := range pending {
		s.enqueuePendingID(job.ID)
	}

	for range s.workerCount {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop waits for in-flight jobs to finish their current unit and stops
// the pool.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		for _, cancel := range s.cancels {
			cancel()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case id := <-s.pendingIDs:
			job, ctx, ok := s.markProcessing(id)
			if !ok {
				continue
			}
			err := s.exec(ctx, *job, s.progressFunc(id))
			s.finalize(id, err, ctx.Err() != nil)
		}
	}
}

func (s *Scheduler) enqueuePendingID(id string) {
	select {
	case s.pendingIDs <- id:
	default:
		go func() { s.pendingIDs <- id }()
	}
}

func (s *Scheduler) markProcessing(id string) (*Job, context.Context, bool) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status != StatusQueued {
		s.mu.Unlock()
		return nil, nil, false
	}
	job.Status = StatusProcessing
	job.StartedAt = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[id] = cancel
	snapshot := cloneJob(job)
	s.mu.Unlock()

	s.persistJob(snapshot)
	return snapshot, ctx, true
}

// progressFunc binds stat updates for one job. Updates after the job
// reached a terminal state are dropped; terminal jobs are immutable.
func (s *Scheduler) progressFunc(id string) ProgressFunc {
	return func(mutate func(*Stats)) {
		s.mu.Lock()
		defer s.mu.Unlock()
		job, ok := s.jobs[id]
		if !ok || job.Status != StatusProcessing {
			return
		}
		mutate(&job.Stats)
	}
}

// finalize decides the terminal status from the executor's outcome and
// hands the job to the tracker.
func (s *Scheduler) finalize(id string, execErr error, cancelled bool) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		s.mu.Unlock()
		return
	}

	status := StatusCompleted
	message := ""
	switch {
	case cancelled:
		status = StatusCancelled
		message = "cancelled"
	case execErr != nil:
		message = execErr.Error()
		// A job that committed records before hitting a terminating
		// error ran partially; one that wrote nothing failed.
		if job.Stats.Succeeded > 0 && !ingest.IsKind(execErr, ingest.KindFatal) {
			status = StatusPartial
		} else {
			status = StatusFailed
		}
	case job.Stats.Failed > 0:
		status = StatusPartial
	}

	snapshot, pruned := s.finalizeLocked(job, status, message)
	s.mu.Unlock()
	s.afterFinalize(snapshot, pruned)
}

// finalizeLocked completes the transition: stamps the job, releases the
// duplicate-sync guard and the cancel handle, and moves the snapshot
// into the tracker. Callers hold the lock and run afterFinalize once it
// is released.
func (s *Scheduler) finalizeLocked(job *Job, status Status, message string) (*Job, []string) {
	job.Status = status
	job.Error = message
	job.CompletedAt = time.Now()

	if job.Type == TypeExternalSync && job.Source != "" {
		if id, ok := s.activeSync[job.Source]; ok && id == job.ID {
			delete(s.activeSync, job.Source)
		}
	}
	if cancel, ok := s.cancels[job.ID]; ok {
		cancel()
		delete(s.cancels, job.ID)
	}

	delete(s.jobs, job.ID)
	snapshot := cloneJob(job)
	pruned := s.tracker.put(snapshot)
	return snapshot, pruned
}

func (s *Scheduler) afterFinalize(snapshot *Job, pruned []string) {
	s.persistJob(snapshot)
	s.deleteJobsFromStore(pruned)
	s.recordImportLog(snapshot)
}

// recordImportLog persists the durable summary. Fire-and-forget: a
// failure here never changes the job's outcome.
func (s *Scheduler) recordImportLog(job *Job) {
	if s.importLog == nil {
		return
	}
	summary := ingest.ImportSummary{
		JobID:            job.ID,
		Type:             string(job.Type),
		Source:           job.Source,
		Status:           string(job.Status),
		Total:            job.Stats.Total,
		Succeeded:        job.Stats.Succeeded,
		Failed:           job.Stats.Failed,
		SkippedDuplicate: job.Stats.SkippedDuplicate,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
	}
	if err := s.importLog.RecordImportLog(context.Background(), summary); err != nil {
		log.Error("Failed to record import log for job %s: %v", job.ID, err)
	}
}

func (s *Scheduler) persistJob(job *Job) {
	if s.store == nil || job == nil {
		return
	}
	if err := s.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func (s *Scheduler) deleteJobsFromStore(ids []string) {
	if s.store == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := s.store.DeleteJob(context.Background(), id); err != nil {
			log.Error("Failed to delete pruned job %s from store: %v", id, err)
		}
	}
}

// hydrateFromStore reloads persisted jobs on startup. Jobs orphaned in
// processing by a crash are re-queued; terminal jobs land in the
// tracker.
func (s *Scheduler) hydrateFromStore(ctx context.Context) {
	if s.store == nil {
		return
	}
	loaded, err := s.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}

	toPersist := make([]*Job, 0)
	s.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusProcessing {
			job.Status = StatusQueued
			job.StartedAt = time.Time{}
			toPersist = append(toPersist, cloneJob(job))
		}
		if job.Status.Terminal() {
			s.tracker.put(job)
		} else {
			s.jobs[job.ID] = job
			if job.Type == TypeExternalSync && job.Source != "" {
				s.activeSync[job.Source] = job.ID
			}
		}
		s.updateIDCounterLocked(job.ID)
	}
	s.mu.Unlock()

	for _, job := range toPersist {
		s.persistJob(job)
	}
}

func (s *Scheduler) updateIDCounterLocked(jobID string) {
	if !strings.HasPrefix(jobID, "job-") {
		return
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(jobID, "job-"), 10, 64)
	if err != nil {
		return
	}
	if n > s.idCounter {
		s.idCounter = n
	}
}
