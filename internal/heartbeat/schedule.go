package heartbeat

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors like @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun computes when d should run next. lastRun is zero if it never ran.
// A zero result means the definition will not run again.
func NextRun(d *Definition, lastRun, now time.Time) (time.Time, error) {
	switch d.Kind() {
	case ScheduleCron:
		sched, err := cronParser.Parse(d.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", d.Cron, err)
		}
		return sched.Next(now), nil

	case ScheduleInterval:
		every := time.Duration(d.Interval) * time.Second
		if lastRun.IsZero() {
			return now.Add(every), nil
		}
		return lastRun.Add(every), nil

	default:
		at := time.Unix(d.At, 0)
		if !lastRun.IsZero() && !lastRun.Before(at) {
			return time.Time{}, nil
		}
		// A fixed time already in the past fires once, immediately.
		if at.Before(now) {
			return now, nil
		}
		return at, nil
	}
}
