// Package timex parses and formats the timestamp shapes the ingested
// providers emit. Values may carry a trailing Z, an explicit offset, or
// no offset at all; offset-less values are interpreted in a caller
// supplied location.
package timex

import (
	"errors"
	"strings"
	"time"
)

// ErrUnparseable is returned when no known layout matches.
var ErrUnparseable = errors.New("unparseable timestamp")

// Layouts with an offset are tried first so that "Z" and "+07:00" forms
// never get reinterpreted in the fallback location.
var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse accepts ISO-8601 timestamps with or without an offset. Offset-less
// values are interpreted in loc (UTC when nil).
func Parse(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrUnparseable
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrUnparseable
}

// FormatISO renders t as RFC 3339 with an explicit offset designator.
func FormatISO(t time.Time) string {
	return t.Format(time.RFC3339)
}

// DaysDate renders the calendar bucket (YYYY-MM-DD) for t in loc.
func DaysDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
