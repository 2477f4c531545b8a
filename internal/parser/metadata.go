package parser

import (
	"regexp"
	"strings"

	"github.com/rezkam/calsync/internal/domain"
)

// Metadata token grammar. Each kind accepts an emoji marker or a textual
// marker, followed by a best-effort value region. Malformed values are
// stripped from the line and dropped without failing the task.

const (
	datePattern     = `\d{4}-\d{2}-\d{2}`
	dateTimePattern = datePattern + `(?:[T ]\d{1,2}:\d{2}(?::\d{2}(?:\.\d{1,3})?)?(?:Z|[+-]\d{2}:\d{2})?)?`
)

var (
	dueRe       = regexp.MustCompile(`(?:📅|\bdue:)\s*(` + dateTimePattern + `)?`)
	startRe     = regexp.MustCompile(`(?:🛫|\bstart:)\s*(` + dateTimePattern + `)?`)
	scheduledRe = regexp.MustCompile(`(?:⏳|\bscheduled:)\s*(` + dateTimePattern + `)?`)
	createdRe   = regexp.MustCompile(`(?:➕|\bcreated:)\s*(` + datePattern + `)?`)
	doneRe      = regexp.MustCompile(`(?:✅|\bdone:)\s*(` + datePattern + `)?`)

	priorityRe = regexp.MustCompile(`🔺|⏫|🔼|🔽|⏬`)

	recurrenceMarkerRe = regexp.MustCompile(`🔁|\brepeat:|\brecur:`)
	// recurrenceStopRe bounds the free-text recurrence value: the next
	// metadata marker, a tag, or a block anchor ends it.
	recurrenceStopRe = regexp.MustCompile(`📅|🛫|⏳|➕|✅|🔺|⏫|🔼|🔽|⏬|🔁|#|\^|\b(?:due|start|scheduled|created|done|repeat|recur):`)

	timeWindowRe  = regexp.MustCompile(`\b(\d{1,2}:\d{2})\s*(?:-|–|—|~|〜|～|\bto\b)\s*(\d{1,2}:\d{2})\b`)
	blockAnchorRe = regexp.MustCompile(`\s\^([A-Za-z0-9-]+)\s*$`)
	tagRe         = regexp.MustCompile(`#([^\s#]+)`)
)

var priorityGlyphs = map[string]domain.TaskPriority{
	"🔺": domain.PriorityHighest,
	"⏫": domain.PriorityHigh,
	"🔼": domain.PriorityMedium,
	"🔽": domain.PriorityLow,
	"⏬": domain.PriorityLowest,
}

// extractDated pulls one dated metadata kind out of content. All matches are
// removed; the value of the last occurrence wins. Invalid values are dropped.
func extractDated(content string, re *regexp.Regexp, dst *string) string {
	matches := re.FindAllStringSubmatch(content, -1)
	if matches == nil {
		return content
	}

	for _, m := range matches {
		if m[1] != "" && domain.IsValidDate(m[1]) {
			*dst = m[1]
		}
	}

	return re.ReplaceAllString(content, " ")
}

func extractDates(content string, task *domain.Task) string {
	content = extractDated(content, dueRe, &task.DueDate)
	content = extractDated(content, startRe, &task.StartDate)
	content = extractDated(content, scheduledRe, &task.ScheduledDate)
	content = extractDated(content, createdRe, &task.CreatedDate)
	content = extractDated(content, doneRe, &task.CompletionDate)
	return content
}

func extractPriority(content string, task *domain.Task) string {
	matches := priorityRe.FindAllString(content, -1)
	if matches == nil {
		return content
	}

	task.Priority = priorityGlyphs[matches[len(matches)-1]]
	return priorityRe.ReplaceAllString(content, " ")
}

// extractRecurrence consumes recurrence markers and their free-text values.
// The value runs to the next metadata marker, tag or anchor. A time window
// embedded in the recurrence text is claimed for the task before the rule
// text is normalized into an RRULE.
func extractRecurrence(content string, task *domain.Task) string {
	var ruleText string
	var out strings.Builder
	rest := content

	for {
		loc := recurrenceMarkerRe.FindStringIndex(rest)
		if loc == nil {
			out.WriteString(rest)
			break
		}

		out.WriteString(rest[:loc[0]])
		out.WriteString(" ")
		after := rest[loc[1]:]

		end := len(after)
		if stop := recurrenceStopRe.FindStringIndex(after); stop != nil {
			end = stop[0]
		}

		if text := strings.TrimSpace(after[:end]); text != "" {
			ruleText = text
		}
		rest = after[end:]
	}

	if ruleText == "" {
		return out.String()
	}

	ruleText = claimTimeWindow(ruleText, task)
	task.RecurrenceRule = NormalizeRecurrence(ruleText, dtstartHint(task))

	return out.String()
}

// claimTimeWindow moves an HH:MM-HH:MM pair out of text into the task.
func claimTimeWindow(text string, task *domain.Task) string {
	matches := timeWindowRe.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		if validClockTime(m[1]) && (validClockTime(m[2]) || m[2] == "24:00") {
			task.TimeWindowStart = padClockTime(m[1])
			task.TimeWindowEnd = padClockTime(m[2])
		}
	}
	if matches == nil {
		return text
	}
	return strings.TrimSpace(timeWindowRe.ReplaceAllString(text, " "))
}

func extractTimeWindow(content string, task *domain.Task) string {
	if task.TimeWindowStart != "" {
		// Already claimed from the recurrence text; strip any stragglers.
		return timeWindowRe.ReplaceAllString(content, " ")
	}
	return claimTimeWindow(content, task)
}

func extractBlockAnchor(content string, task *domain.Task) string {
	m := blockAnchorRe.FindStringSubmatch(content)
	if m == nil {
		return content
	}
	task.BlockAnchor = m[1]
	return blockAnchorRe.ReplaceAllString(content, "")
}

func extractTags(content string, task *domain.Task) string {
	seen := make(map[string]bool)
	for _, m := range tagRe.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			task.Tags = append(task.Tags, m[1])
		}
	}
	return tagRe.ReplaceAllString(content, " ")
}

// dtstartHint picks the date that seeds DTSTART when the rule text carries
// none: start, then due, then scheduled.
func dtstartHint(task *domain.Task) string {
	switch {
	case task.StartDate != "":
		return task.StartDate
	case task.DueDate != "":
		return task.DueDate
	default:
		return task.ScheduledDate
	}
}

func validClockTime(s string) bool {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return false
	}
	h, m := atoi(parts[0]), atoi(parts[1])
	return h >= 0 && h <= 23 && m >= 0 && m <= 59
}

func padClockTime(s string) string {
	if len(s) == 4 {
		return "0" + s
	}
	return s
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}
