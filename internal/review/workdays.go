// Package review implements the multi-department dependency review
// workflow: assignment of departments to a submitted procedure, the
// per-department resolution state machine, director escalation, and the
// statutory deadline arithmetic.
package review

import "time"

// AddBusinessDays returns the instant n business days (Monday through
// Friday) after start. The walk is one calendar day at a time; Saturdays
// and Sundays never advance the counter. No timezone conversion is
// performed, callers pass a normalized instant.
func AddBusinessDays(start time.Time, n int) time.Time {
	current := start
	counted := 0
	for counted < n {
		current = current.AddDate(0, 0, 1)
		switch current.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		default:
			counted++
		}
	}
	return current
}

// IsBusinessDay reports whether t falls on a Monday through Friday.
func IsBusinessDay(t time.Time) bool {
	weekday := t.Weekday()
	return weekday != time.Saturday && weekday != time.Sunday
}
