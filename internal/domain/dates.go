package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DateLayout is the date-only wire format used across the sync.
	DateLayout = "2006-01-02"
)

// dateTimeLayouts covers the accepted date-time grammars:
// YYYY-MM-DD followed by T or space, HH:mm with optional seconds, fractional
// seconds and zone designator.
var dateTimeLayouts = []string{
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.000Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04Z07:00",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseDate parses a raw task date token. Returns the parsed time, whether
// the token carried a time-of-day component, and an error for malformed
// input. Date-only tokens parse as local midnight; zone-less date-times
// parse in local time.
func ParseDate(raw string) (t time.Time, hasTime bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, fmt.Errorf("empty date")
	}

	if t, err := time.ParseInLocation(DateLayout, raw, time.Local); err == nil {
		return t, false, nil
	}

	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, true, nil
		}
	}

	return time.Time{}, false, fmt.Errorf("unrecognized date %q", raw)
}

// IsValidDate reports whether raw parses under the task date grammar.
func IsValidDate(raw string) bool {
	_, _, err := ParseDate(raw)
	return err == nil
}

// TimeOfDay extracts the HH:MM portion of a date-time token, or "" for
// date-only tokens.
func TimeOfDay(raw string) string {
	t, hasTime, err := ParseDate(raw)
	if err != nil || !hasTime {
		return ""
	}
	return t.Format("15:04")
}
