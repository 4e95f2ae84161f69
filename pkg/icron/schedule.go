package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// maxStepsPerWindow bounds the forward walk inside one lookback window
// so pathological expressions cannot spin.
const maxStepsPerWindow = 10000

// lookbackWindows are tried smallest-first; dense schedules resolve in
// the first window, sparse ones in a later one.
var lookbackWindows = []time.Duration{
	time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
	366 * 24 * time.Hour,
}

// Previous returns the most recent firing of cronExpr at or before ref.
// Expressions with an optional seconds field and descriptors such as
// @hourly are accepted. A schedule that has not fired within the past
// year yields a zero time.
func Previous(cronExpr string, ref time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour |
		cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	for _, window := range lookbackWindows {
		var prev time.Time
		t := schedule.Next(ref.Add(-window))
		for steps := 0; steps < maxStepsPerWindow; steps++ {
			if t.IsZero() || t.After(ref) {
				break
			}
			prev = t
			t = schedule.Next(t)
		}
		if !prev.IsZero() {
			return prev, nil
		}
	}
	return time.Time{}, nil
}
