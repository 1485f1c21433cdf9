// Package kst converts UTC instants to Korea Standard Time calendar fields.
//
// The offset is a fixed +9h with no timezone database lookup, so results do
// not depend on the host's zoneinfo.
package kst

import (
	"fmt"
	"strings"
	"time"
)

// Offset is the fixed distance between UTC and KST.
const Offset = 9 * time.Hour

var weekdays = [7]string{"일", "월", "화", "수", "목", "금", "토"}

// Date holds the KST calendar fields of an instant.
type Date struct {
	Year    int
	Month   int
	Day     int
	Weekday int // 0 = Sunday
}

// In shifts t into KST. Read calendar fields from the result with UTC
// accessors; its Location is UTC.
func In(t time.Time) time.Time {
	return t.UTC().Add(Offset)
}

// DateOf returns the KST calendar date of t.
func DateOf(t time.Time) Date {
	k := In(t)
	return Date{
		Year:    k.Year(),
		Month:   int(k.Month()),
		Day:     k.Day(),
		Weekday: int(k.Weekday()),
	}
}

// WeekdayName returns the single-character Korean weekday for 0..6.
func WeekdayName(weekday int) string {
	if weekday < 0 || weekday > 6 {
		return ""
	}
	return weekdays[weekday]
}

// Label renders the date as "2025. 1. 15 (수)".
func (d Date) Label() string {
	return fmt.Sprintf("%d. %d. %d (%s)", d.Year, d.Month, d.Day, WeekdayName(d.Weekday))
}

// DateLabel is the grouping key used by the dashboard.
func DateLabel(t time.Time) string {
	return DateOf(t).Label()
}

// ClockLabel returns "HH:MM" in KST.
func ClockLabel(t time.Time) string {
	return In(t).Format("15:04")
}

// DayKey returns "2006-01-02" in KST, for anchors and file names.
func DayKey(t time.Time) string {
	return In(t).Format("2006-01-02")
}

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Parse reads the timestamp formats emitted by the stores. Values without a
// zone are taken as UTC.
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
