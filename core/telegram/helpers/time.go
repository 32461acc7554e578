package helpers

import (
	"strconv"
	"strings"
	"time"
)

// ParseFlexibleDate reads a date typed by a user, in the local timezone.
// Year-first dates use dashes (2024-07-31, optionally followed by HH:MM);
// day-first dates use dots or slashes (31.07.2024, 31/7/2024). Mixed or
// ambiguous forms such as 31-07-2024 or 2024/07/31 are rejected.
func ParseFlexibleDate(input string) (time.Time, bool) {
	datePart, clock, _ := strings.Cut(strings.TrimSpace(input), " ")
	var y, m, d string
	switch {
	case strings.Count(datePart, "-") == 2:
		parts := strings.Split(datePart, "-")
		y, m, d = parts[0], parts[1], parts[2]
	case strings.Count(datePart, ".") == 2:
		parts := strings.Split(datePart, ".")
		d, m, y = parts[0], parts[1], parts[2]
	case strings.Count(datePart, "/") == 2:
		parts := strings.Split(datePart, "/")
		d, m, y = parts[0], parts[1], parts[2]
	default:
		return time.Time{}, false
	}
	if len(y) != 4 || len(m) > 2 || len(d) > 2 {
		return time.Time{}, false
	}
	year, errY := strconv.Atoi(y)
	month, errM := strconv.Atoi(m)
	day, errD := strconv.Atoi(d)
	if errY != nil || errM != nil || errD != nil {
		return time.Time{}, false
	}
	hour, minute, ok := parseClock(strings.TrimSpace(clock))
	if !ok {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.Local)
	// time.Date normalizes overflow; a changed day means the input was invalid.
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func parseClock(s string) (int, int, bool) {
	if s == "" {
		return 0, 0, true
	}
	h, m, found := strings.Cut(s, ":")
	if !found || len(m) != 2 {
		return 0, 0, false
	}
	hour, errH := strconv.Atoi(h)
	minute, errM := strconv.Atoi(m)
	if errH != nil || errM != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}
