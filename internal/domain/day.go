package domain

import "time"

// Days are calendar dates, represented as midnight UTC so they compare and
// subtract cleanly regardless of the user's wall-clock zone.

// DayOf converts an absolute instant to the calendar day it falls on in loc.
func DayOf(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a vendor "YYYY-MM-DD" day label.
func ParseDay(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

// FormatDay renders a day as "YYYY-MM-DD".
func FormatDay(day time.Time) string {
	return day.Format("2006-01-02")
}

// SameDay reports whether two day values name the same calendar date.
func SameDay(a, b time.Time) bool {
	return a.Equal(b)
}

// WeekStart returns the Monday of the week containing day.
func WeekStart(day time.Time) time.Time {
	offset := int(day.Weekday()) - int(time.Monday)
	if offset < 0 {
		offset += 7
	}
	return day.AddDate(0, 0, -offset)
}

// Today returns the current calendar day in loc.
func Today(loc *time.Location) time.Time {
	return DayOf(time.Now(), loc)
}
