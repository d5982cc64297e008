package retrieval

import (
	"strconv"
	"time"
)

// RecencyLabel renders t relative to now as a human-friendly phrase instead
// of a raw ISO timestamp: "Just now", "Earlier this
// morning", "Yesterday evening", "Last week", "In December", "In November
// 2025".
func RecencyLabel(t, now time.Time) string {
	t = t.Local()
	now = now.Local()
	d := now.Sub(t)

	switch {
	case d < 0:
		d = 0
	}

	if d < 10*time.Minute {
		return "Just now"
	}

	sameDay := t.Year() == now.Year() && t.YearDay() == now.YearDay()
	if sameDay {
		return "Earlier this " + partOfDay(t)
	}

	yesterday := now.AddDate(0, 0, -1)
	if t.Year() == yesterday.Year() && t.YearDay() == yesterday.YearDay() {
		return "Yesterday " + partOfDay(t)
	}

	if d < 7*24*time.Hour {
		return "Last week"
	}

	if t.After(now.AddDate(-1, 0, 0)) {
		return "In " + t.Month().String()
	}

	return "In " + t.Month().String() + " " + strconv.Itoa(t.Year())
}

func partOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h < 12:
		return "morning"
	case h < 17:
		return "afternoon"
	default:
		return "evening"
	}
}
