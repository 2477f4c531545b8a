package gcal

import (
	"sort"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
)

// DiffConfig gates the optional comparison fields. Including the description
// trades spurious updates for spurious no-ops when link or metadata settings
// change.
type DiffConfig struct {
	CompareDescription bool
}

// NeedsUpdate reports whether the desired payload differs from the existing
// event under the normalized comparison rules.
func NeedsUpdate(existing, desired *calendar.Event, cfg DiffConfig) bool {
	if existing == nil || desired == nil {
		return true
	}

	if existing.Summary != desired.Summary {
		return true
	}
	if cfg.CompareDescription && existing.Description != desired.Description {
		return true
	}
	if normalizeStatus(existing.Status) != normalizeStatus(desired.Status) {
		return true
	}
	if !sameEventTime(existing.Start, desired.Start) || !sameEventTime(existing.End, desired.End) {
		return true
	}
	if !sameRecurrence(existing.Recurrence, desired.Recurrence) {
		return true
	}
	if TaskIDOf(existing) != TaskIDOf(desired) {
		return true
	}
	if privateProp(existing, PropSyncMarker) != privateProp(desired, PropSyncMarker) {
		return true
	}

	return false
}

// normalizeStatus maps an absent status to confirmed.
func normalizeStatus(s string) string {
	if s == "" {
		return StatusConfirmed
	}
	return s
}

// sameEventTime compares two event boundaries: date fields as strings,
// dateTime fields as instants so offset spelling differences don't force
// updates, plus the explicit time zone.
func sameEventTime(a, b *calendar.EventDateTime) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Date != b.Date {
		return false
	}
	if a.TimeZone != b.TimeZone {
		return false
	}

	if a.DateTime == "" || b.DateTime == "" {
		return a.DateTime == b.DateTime
	}

	at, aerr := time.Parse(time.RFC3339, a.DateTime)
	bt, berr := time.Parse(time.RFC3339, b.DateTime)
	if aerr != nil || berr != nil {
		return a.DateTime == b.DateTime
	}
	return at.Equal(bt)
}

// sameRecurrence compares recurrence rule sets as multisets after stripping
// the RRULE: prefix and trimming.
func sameRecurrence(a, b []string) bool {
	na, nb := normalizeRules(a), normalizeRules(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

func normalizeRules(rules []string) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		r = strings.TrimSpace(r)
		r = strings.TrimPrefix(r, "RRULE:")
		if r != "" {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

func privateProp(event *calendar.Event, key string) string {
	if event == nil || event.ExtendedProperties == nil {
		return ""
	}
	return event.ExtendedProperties.Private[key]
}
