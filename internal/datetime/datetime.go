// Package datetime formats times for user-facing assistant output.
package datetime

import (
	"fmt"
	"time"
)

// OrdinalSuffix returns the English ordinal suffix for a day number.
// Numbers ending in 11, 12, 13 always use "th".
func OrdinalSuffix(day int) string {
	lastTwo := day % 100
	if lastTwo >= 11 && lastTwo <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}

// ResolveTimezone validates an IANA timezone name, falling back to the
// host zone when empty or unknown.
func ResolveTimezone(tz string) *time.Location {
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

// FormatUserTime renders a time the way the assistant speaks it, e.g.
// "Friday, January 24th, 2025 at 2:30 PM".
func FormatUserTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	hour := local.Hour() % 12
	if hour == 0 {
		hour = 12
	}
	period := "AM"
	if local.Hour() >= 12 {
		period = "PM"
	}
	return fmt.Sprintf("%s, %s %d%s, %d at %d:%02d %s",
		local.Weekday(), local.Month(), local.Day(), OrdinalSuffix(local.Day()),
		local.Year(), hour, local.Minute(), period)
}

// FormatRelative renders the distance between two times as rounded
// human text: "just now", "5 minutes ago", "in 2 hours".
func FormatRelative(t, now time.Time) string {
	diff := now.Sub(t)
	past := diff >= 0
	if !past {
		diff = -diff
	}

	var phrase string
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		phrase = plural(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		phrase = plural(int(diff.Hours()), "hour")
	default:
		phrase = plural(int(diff.Hours()/24), "day")
	}
	if past {
		return phrase + " ago"
	}
	return "in " + phrase
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
