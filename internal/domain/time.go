package domain

import (
	"fmt"
	"strings"
	"time"
)

// millisUTC is the canonical on-disk timestamp layout: ISO-8601 UTC with
// millisecond precision and a trailing Z.
const millisUTC = "2006-01-02T15:04:05.000Z"

// FormatMillisUTC renders t in the canonical DTPOSTED layout.
func FormatMillisUTC(t time.Time) string {
	return t.UTC().Format(millisUTC)
}

// FormatUTC renders t as ISO-8601 UTC with second precision.
func FormatUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// DateUTC renders the UTC calendar date of t as YYYY-MM-DD.
func DateUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CompactDateUTC renders the UTC calendar date of t as YYYYMMDD, the form
// used in opening balance group ids.
func CompactDateUTC(t time.Time) string {
	return t.UTC().Format("20060102")
}

// MidnightUTC returns 00:00:00 UTC on the calendar day of t.
func MidnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatLocal renders t in the named IANA zone for display. Scheduling
// arithmetic never uses local time; an unknown zone falls back to UTC.
func FormatLocal(t time.Time, zone string) string {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}

// timestampLayouts are tried in order by ParseTimestamp. Layouts without a
// zone treat the input as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses broker and file timestamps. It accepts trailing Z,
// explicit ±HH:MM offsets, and naive strings (interpreted as UTC). The
// result is always in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrValidation)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrValidation, s)
}
