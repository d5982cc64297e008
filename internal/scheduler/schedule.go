// Package scheduler implements the poll-loop task scheduler: a
// schedule-string grammar (every/daily-at/once/cron), catch-up firing for
// daily-equivalent crons, and a dispatcher that hands fired tasks off to
// the agent invoker or the chat-prompt path.
package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
)

// Kind is the schedule grammar variant a parsed schedule belongs to.
type Kind string

const (
	KindEvery   Kind = "every"
	KindDailyAt Kind = "daily_at"
	KindOnce    Kind = "once"
	KindCron    Kind = "cron"
)

// Schedule is a parsed schedule string, ready to be evaluated against a
// last-run timestamp on every poll tick.
type Schedule struct {
	Kind Kind
	Raw  string

	// KindEvery
	EveryN    int
	EveryUnit time.Duration

	// KindDailyAt
	DailyHour int
	DailyMin  int

	// KindOnce
	OnceAt time.Time

	// KindCron
	CronExpr string
}

var (
	everyRe   = regexp.MustCompile(`(?i)^every\s+(\d+)\s+(minute|hour|day)s?$`)
	dailyAtRe = regexp.MustCompile(`(?i)^daily\s+at\s+(\d{1,2}):(\d{2})\s*(am|pm)?$`)
	onceAtRe  = regexp.MustCompile(`(?i)^once\s+at\s+(.+)$`)
)

// Parse parses one of the four accepted schedule grammars.
// A parsing/unknown-format error is returned for the caller to record on
// the task's last_error field — the task itself is never disabled by a
// parse failure.
func Parse(raw string) (Schedule, error) {
	expr := strings.TrimSpace(raw)

	if m := everyRe.FindStringSubmatch(expr); m != nil {
		n, _ := strconv.Atoi(m[1])
		var unit time.Duration
		switch strings.ToLower(m[2]) {
		case "minute":
			unit = time.Minute
		case "hour":
			unit = time.Hour
		case "day":
			unit = 24 * time.Hour
		}
		if n <= 0 {
			return Schedule{}, apperr.Invalid("scheduler.Parse", "every N must be positive: "+raw)
		}
		return Schedule{Kind: KindEvery, Raw: raw, EveryN: n, EveryUnit: unit}, nil
	}

	if m := dailyAtRe.FindStringSubmatch(expr); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		ampm := strings.ToLower(m[3])
		switch ampm {
		case "am":
			if hour == 12 {
				hour = 0
			}
		case "pm":
			if hour != 12 {
				hour += 12
			}
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return Schedule{}, apperr.Invalid("scheduler.Parse", "daily at out of range: "+raw)
		}
		return Schedule{Kind: KindDailyAt, Raw: raw, DailyHour: hour, DailyMin: minute}, nil
	}

	if m := onceAtRe.FindStringSubmatch(expr); m != nil {
		target, err := time.Parse(time.RFC3339, strings.TrimSpace(m[1]))
		if err != nil {
			return Schedule{}, apperr.Invalid("scheduler.Parse", "once at: invalid ISO-8601 timestamp: "+raw)
		}
		return Schedule{Kind: KindOnce, Raw: raw, OnceAt: target}, nil
	}

	if gronx.IsValid(expr) {
		return Schedule{Kind: KindCron, Raw: raw, CronExpr: expr}, nil
	}

	return Schedule{}, apperr.Invalid("scheduler.Parse", "unrecognized schedule grammar: "+raw)
}

// MondayZeroToCronDow converts an ISO weekday index (Monday=0..Sunday=6,
// the server's internal day-of-week convention) to the cron field
// convention (Sunday=0..Saturday=6) used by 5-field cron expressions
// ("weekday is Sun=0 as in cron, server weekday is
// translated from Mon=0").
func MondayZeroToCronDow(isoMondayZero int) int {
	return (isoMondayZero + 1) % 7
}

// ShouldFire decides whether s should fire at now, given the task's
// last_run (zero value if it has never run). catchUp reports whether this
// firing is a daily-equivalent-cron catch-up rather than an on-time match.
func (s Schedule) ShouldFire(now, lastRun time.Time) (fire bool, catchUp bool, err error) {
	switch s.Kind {
	case KindEvery:
		if lastRun.IsZero() {
			return true, false, nil
		}
		return now.Sub(lastRun) >= time.Duration(s.EveryN)*s.EveryUnit, false, nil

	case KindDailyAt:
		scheduled := time.Date(now.Year(), now.Month(), now.Day(), s.DailyHour, s.DailyMin, 0, 0, now.Location())
		if now.Before(scheduled) {
			return false, false, nil
		}
		if !lastRun.IsZero() && !lastRun.Before(scheduled) {
			return false, false, nil // already fired at or after today's scheduled moment
		}
		return true, false, nil

	case KindOnce:
		if now.Before(s.OnceAt) {
			return false, false, nil
		}
		return true, false, nil

	case KindCron:
		due, err := gronx.IsDue(s.CronExpr, now)
		if err != nil {
			return false, false, apperr.Wrap(apperr.KindInvalid, "Schedule.ShouldFire", "cron eval", err)
		}
		if due {
			return true, false, nil
		}
		if fields, ok := dailyEquivalentFields(s.CronExpr); ok {
			scheduled := time.Date(now.Year(), now.Month(), now.Day(), fields.hour, fields.minute, 0, 0, now.Location())
			if now.Before(scheduled) {
				return false, false, nil
			}
			if !lastRun.IsZero() && !lastRun.Before(scheduled) {
				return false, false, nil
			}
			if now.Sub(scheduled) < 6*time.Hour {
				return true, true, nil
			}
		}
		return false, false, nil

	default:
		return false, false, fmt.Errorf("scheduler: unhandled schedule kind %q", s.Kind)
	}
}

type dailyFields struct {
	minute int
	hour   int
}

// dailyEquivalentFields reports whether expr is a "daily-equivalent" cron:
// literal minute and hour fields, wildcard day-of-month and month, any
// day-of-week.
func dailyEquivalentFields(expr string) (dailyFields, bool) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return dailyFields{}, false
	}
	minute, ok := literalField(parts[0])
	if !ok {
		return dailyFields{}, false
	}
	hour, ok := literalField(parts[1])
	if !ok {
		return dailyFields{}, false
	}
	if parts[2] != "*" || parts[3] != "*" {
		return dailyFields{}, false
	}
	return dailyFields{minute: minute, hour: hour}, true
}

func literalField(field string) (int, bool) {
	n, err := strconv.Atoi(field)
	if err != nil {
		return 0, false
	}
	return n, true
}
