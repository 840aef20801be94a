package agent

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FallbackInterval is used when a schedule expression cannot be parsed.
const FallbackInterval = 6 * time.Hour

// CalculateNextRun returns the next time an agent with the given schedule
// should run, relative to now.
//
//   - "M */N * * *" runs every N hours counted from now.
//   - "M H * * *" with concrete values runs daily at H:M (today if still
//     ahead, otherwise tomorrow).
//   - Any other standard 5-field expression uses its next cron fire time.
//   - Anything unparseable falls back to now + 6h.
func CalculateNextRun(expr string, now time.Time) time.Time {
	fields := strings.Fields(expr)
	if len(fields) == 5 && fields[2] == "*" && fields[3] == "*" && fields[4] == "*" {
		if n, ok := everyNHours(fields[1]); ok {
			return now.Add(time.Duration(n) * time.Hour)
		}
		minute, mErr := strconv.Atoi(fields[0])
		hour, hErr := strconv.Atoi(fields[1])
		if mErr == nil && hErr == nil && minute >= 0 && minute < 60 && hour >= 0 && hour < 24 {
			target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
			if !target.After(now) {
				target = target.AddDate(0, 0, 1)
			}
			return target
		}
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return now.Add(FallbackInterval)
	}
	next := sched.Next(now)
	if next.IsZero() {
		return now.Add(FallbackInterval)
	}
	return next
}

// everyNHours parses the "*/N" hour step form.
func everyNHours(field string) (int, bool) {
	step, ok := strings.CutPrefix(field, "*/")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(step)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
