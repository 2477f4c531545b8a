package parser

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rezkam/calsync/internal/domain"
)

// Recurrence normalization: free text or raw iCalendar in, a canonical
// "DTSTART:...\nRRULE:FREQ=..." string out. A rule without an inferable FREQ
// normalizes to the empty string and the task carries no recurrence.

const (
	dtstartLayout = "20060102T150405"
	untilLayout   = "20060102T150405"
)

var (
	everyNRe   = regexp.MustCompile(`(?i)\bevery\s+(?:(\d+)\s+)?(day|week|month|year)s?\b`)
	bareFreqRe = regexp.MustCompile(`(?i)\b(daily|weekly|monthly|yearly|annually)\b`)
	monthDayRe = regexp.MustCompile(`(?i)\bon\s+the\s+(\d{1,2})(?:st|nd|rd|th)\b`)
	countRe    = regexp.MustCompile(`(?i)\bfor\s+(\d+)\s+(?:occurrences?|times?)\b`)
	untilRe    = regexp.MustCompile(`(?i)\buntil\s+(\d{4}-\d{2}-\d{2})\b`)
	weekdayRe  = regexp.MustCompile(`(?i)\b(monday|mon|tuesday|tue|wednesday|wed|thursday|thu|friday|fri|saturday|sat|sunday|sun|weekday|weekend)s?\b`)
)

var freqWords = map[string]string{
	"day": "DAILY", "daily": "DAILY",
	"week": "WEEKLY", "weekly": "WEEKLY",
	"month": "MONTHLY", "monthly": "MONTHLY",
	"year": "YEARLY", "yearly": "YEARLY", "annually": "YEARLY",
}

var weekdayCodes = map[string]string{
	"monday": "MO", "mon": "MO",
	"tuesday": "TU", "tue": "TU",
	"wednesday": "WE", "wed": "WE",
	"thursday": "TH", "thu": "TH",
	"friday": "FR", "fri": "FR",
	"saturday": "SA", "sat": "SA",
	"sunday": "SU", "sun": "SU",
}

// NormalizeRecurrence turns recurrence text into a canonical rule string.
// Raw iCalendar input (leading RRULE: or FREQ=) is parsed and re-serialized;
// anything else goes through the natural-language rules. hint seeds DTSTART
// when the input carries none; date-only hints anchor at local midnight.
func NormalizeRecurrence(text, hint string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	upper := strings.ToUpper(text)
	if strings.HasPrefix(upper, "RRULE:") || strings.HasPrefix(upper, "FREQ=") || strings.HasPrefix(upper, "DTSTART") {
		return normalizeICal(text, hint)
	}

	return parseNaturalRule(text, hint)
}

// normalizeICal re-serializes a raw iCalendar recurrence, injecting a
// DTSTART when the input has none.
func normalizeICal(text, hint string) string {
	var dtstart string
	params := map[string]string{}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "DTSTART"):
			if i := strings.IndexAny(line, ":="); i >= 0 {
				dtstart = strings.TrimSpace(line[i+1:])
			}
		case strings.HasPrefix(upper, "RRULE:"):
			parseRuleParams(line[len("RRULE:"):], params)
		case strings.HasPrefix(upper, "FREQ="):
			parseRuleParams(line, params)
		}
	}

	if params["FREQ"] == "" {
		return ""
	}
	if dtstart == "" {
		dtstart = hintDTStart(hint)
	}

	return serializeRule(dtstart, params)
}

func parseRuleParams(s string, params map[string]string) {
	for _, kv := range strings.Split(s, ";") {
		if i := strings.Index(kv, "="); i > 0 {
			key := strings.ToUpper(strings.TrimSpace(kv[:i]))
			params[key] = strings.ToUpper(strings.TrimSpace(kv[i+1:]))
		}
	}
}

// parseNaturalRule applies the natural-language grammar.
func parseNaturalRule(text, hint string) string {
	params := map[string]string{}

	if m := everyNRe.FindStringSubmatch(text); m != nil {
		params["FREQ"] = freqWords[strings.ToLower(m[2])]
		params["INTERVAL"] = "1"
		if m[1] != "" {
			params["INTERVAL"] = strconv.Itoa(mustAtoi(m[1]))
		}
	}

	if params["FREQ"] == "" {
		if m := bareFreqRe.FindStringSubmatch(text); m != nil {
			params["FREQ"] = freqWords[strings.ToLower(m[1])]
			params["INTERVAL"] = "1"
		}
	}

	var byday []string
	seen := map[string]bool{}
	for _, m := range weekdayRe.FindAllStringSubmatch(text, -1) {
		var codes []string
		switch strings.ToLower(m[1]) {
		case "weekday":
			codes = []string{"MO", "TU", "WE", "TH", "FR"}
		case "weekend":
			codes = []string{"SA", "SU"}
		default:
			codes = []string{weekdayCodes[strings.ToLower(m[1])]}
		}
		for _, c := range codes {
			if !seen[c] {
				seen[c] = true
				byday = append(byday, c)
			}
		}
	}
	if len(byday) > 0 {
		// Weekday names imply a weekly rule when nothing else set one.
		if params["FREQ"] == "" {
			params["FREQ"] = "WEEKLY"
			params["INTERVAL"] = "1"
		}
		if params["FREQ"] == "WEEKLY" {
			params["BYDAY"] = strings.Join(byday, ",")
		}
	}

	if params["FREQ"] == "MONTHLY" {
		if m := monthDayRe.FindStringSubmatch(text); m != nil {
			if d := mustAtoi(m[1]); d >= 1 && d <= 31 {
				params["BYMONTHDAY"] = strconv.Itoa(d)
			}
		}
	}

	if m := countRe.FindStringSubmatch(text); m != nil {
		params["COUNT"] = strconv.Itoa(mustAtoi(m[1]))
	}

	if m := untilRe.FindStringSubmatch(text); m != nil {
		if day, _, err := domain.ParseDate(m[1]); err == nil {
			endOfDay := day.Add(24*time.Hour - time.Second)
			params["UNTIL"] = endOfDay.Format(untilLayout)
		}
	}

	if params["FREQ"] == "" {
		return ""
	}

	return serializeRule(hintDTStart(hint), params)
}

// hintDTStart resolves the DTSTART value for a hint date, defaulting to
// today's local midnight.
func hintDTStart(hint string) string {
	if hint != "" {
		if t, hasTime, err := domain.ParseDate(hint); err == nil {
			if !hasTime {
				t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local)
			}
			return t.Format(dtstartLayout)
		}
	}
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local).Format(dtstartLayout)
}

// serializeRule emits the canonical two-line form with a fixed param order.
func serializeRule(dtstart string, params map[string]string) string {
	order := []string{"FREQ", "INTERVAL", "BYDAY", "BYMONTHDAY", "BYMONTH", "BYSETPOS", "COUNT", "UNTIL", "WKST"}

	var parts []string
	emitted := map[string]bool{}
	for _, key := range order {
		if v, ok := params[key]; ok && v != "" {
			parts = append(parts, key+"="+v)
			emitted[key] = true
		}
	}
	// Preserve unknown params deterministically after the known set.
	var extra []string
	for key, v := range params {
		if !emitted[key] && v != "" {
			extra = append(extra, key+"="+v)
		}
	}
	sort.Strings(extra)
	parts = append(parts, extra...)

	return fmt.Sprintf("DTSTART:%s\nRRULE:%s", dtstart, strings.Join(parts, ";"))
}

// RRULELine returns the RRULE: line of a normalized rule, which is what the
// calendar payload carries (the event start supplies DTSTART).
func RRULELine(rule string) string {
	for _, line := range strings.Split(rule, "\n") {
		if strings.HasPrefix(strings.ToUpper(line), "RRULE:") {
			return line
		}
	}
	return ""
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
