package service

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/projectpulse/projectpulse/pkg/icron"
	"github.com/projectpulse/projectpulse/pkg/log"
)

var scheduledSyncGroup singleflight.Group

// Schedule registers the periodic external sync on the given cron
// runner. A firing submits one sync job per configured source; firings
// that overlap a still-running round are collapsed by singleflight. With
// no SYNC_CRON configured this is a no-op.
func (s *Service) Schedule(ctx context.Context, c *cron.Cron) error {
	expr := s.cfg.Scheduler.SyncCron
	if expr == "" {
		log.Info("Periodic sync disabled: no cron expression configured")
		return nil
	}
	sources := splitSources(s.cfg.Scheduler.SyncSources)
	if len(sources) == 0 {
		log.Warn("Periodic sync disabled: SYNC_CRON is set but SYNC_SOURCES is empty")
		return nil
	}

	runFunc := func() {
		_, _, _ = scheduledSyncGroup.Do("sync", func() (any, error) {
			since := s.incrementalSince(expr)
			for _, source := range sources {
				job, created, err := s.SubmitSync(source, "", since)
				if err != nil {
					log.Error("Scheduled sync for %s not submitted: %v", source, err)
					continue
				}
				if !created {
					log.Info("Scheduled sync for %s skipped: job %s already active", source, job.ID)
					continue
				}
				log.Info("Scheduled sync for %s submitted as %s", source, job.ID)
			}
			return nil, nil
		})
	}
	_, err := c.AddFunc(expr, runFunc)
	return err
}

// incrementalSince picks the lower bound for a scheduled sync: the
// previous cron firing, so each round only pulls what changed since the
// last one. Rounds more than a week apart, and schedules whose previous
// firing cannot be resolved, fall back to a full sync.
func (s *Service) incrementalSince(expr string) time.Time {
	last, err := icron.Previous(expr, time.Now())
	if err != nil {
		log.Warn("Falling back to full sync: %v", err)
		return time.Time{}
	}
	if last.IsZero() || time.Since(last) > 7*24*time.Hour {
		return time.Time{}
	}
	return last
}

func splitSources(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
