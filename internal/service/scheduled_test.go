package service

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSources(t *testing.T) {
	assert.Nil(t, splitSources(""))
	assert.Equal(t, []string{"github"}, splitSources("github"))
	assert.Equal(t, []string{"github", "gitlab"}, splitSources(" github , gitlab ,"))
}

func TestSchedule_NoopWithoutCronExpression(t *testing.T) {
	h := newTestService(t, nil)

	c := cron.New()
	require.NoError(t, h.svc.Schedule(context.Background(), c))
	assert.Empty(t, c.Entries())
}

func TestSchedule_RegistersEntryAndRejectsBadExpression(t *testing.T) {
	h := newTestService(t, nil)
	h.svc.cfg.Scheduler.SyncCron = "@hourly"
	h.svc.cfg.Scheduler.SyncSources = "github,gitlab"

	c := cron.New()
	require.NoError(t, h.svc.Schedule(context.Background(), c))
	assert.Len(t, c.Entries(), 1)

	h.svc.cfg.Scheduler.SyncCron = "not a schedule"
	require.Error(t, h.svc.Schedule(context.Background(), cron.New()))
}

func TestIncrementalSince_UsesPreviousFiring(t *testing.T) {
	h := newTestService(t, nil)

	since := h.svc.incrementalSince("@hourly")
	require.False(t, since.IsZero())
	assert.WithinDuration(t, time.Now(), since, time.Hour+time.Minute)

	// An unparseable expression falls back to a full sync.
	assert.True(t, h.svc.incrementalSince("garbage").IsZero())
}
