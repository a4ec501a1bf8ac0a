// Package schedule polls active workflows for due schedule-trigger nodes
// and enqueues executions.
package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ApproximateCronInterval maps a 5-field cron expression to a coarse
// interval used when deciding whether a schedule is due:
//
//	* * * * *      every minute
//	*/N * * * *    every N minutes
//	M * * * *      hourly (fixed minute)
//	M H * * *      daily (fixed minute and hour)
//	anything else  hourly fallback
func ApproximateCronInterval(expr string) time.Duration {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return time.Hour
	}
	minute, hour := fields[0], fields[1]

	if minute == "*" {
		return time.Minute
	}
	if n, ok := strings.CutPrefix(minute, "*/"); ok {
		if step, err := strconv.Atoi(n); err == nil && step > 0 {
			return time.Duration(step) * time.Minute
		}
		return time.Hour
	}
	if _, err := strconv.Atoi(minute); err != nil {
		return time.Hour
	}
	if hour == "*" {
		return time.Hour
	}
	if _, err := strconv.Atoi(hour); err == nil {
		return 24 * time.Hour
	}
	return time.Hour
}

// nextCronRun returns the exact next fire time after from, when the
// expression parses. The bool reports whether exact computation applies.
func nextCronRun(expr string, from time.Time) (time.Time, bool) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, false
	}
	return sched.Next(from), true
}
