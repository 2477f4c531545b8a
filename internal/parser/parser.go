package parser

import (
	"regexp"
	"strings"

	"github.com/rezkam/calsync/internal/domain"
)

// checkboxRe matches a markdown checklist line. The single captured glyph
// decides completion: anything other than a space means done.
var checkboxRe = regexp.MustCompile(`^\s*-\s*\[(.)\]\s*(.*)$`)

// fillerRe removes literal all-day markers left over after token stripping.
var fillerRe = regexp.MustCompile(`(?i)\ball[- ]day\b|終日|全日`)

var whitespaceRe = regexp.MustCompile(`\s+`)

// ParseLine parses one line of text into a Task. The second return value is
// false when the line is not a checklist item. Lines inside fenced code
// regions are the caller's responsibility to exclude.
func ParseLine(line, sourcePath string, sourceLine int) (domain.Task, bool) {
	m := checkboxRe.FindStringSubmatch(line)
	if m == nil {
		return domain.Task{}, false
	}

	task := domain.Task{
		IsCompleted: m[1] != " " && m[1] != "",
		Priority:    domain.PriorityNone,
		SourcePath:  sourcePath,
		SourceLine:  sourceLine,
	}

	content := m[2]
	content = extractBlockAnchor(content, &task)
	content = extractDates(content, &task)
	content = extractPriority(content, &task)
	content = extractRecurrence(content, &task)
	content = extractTimeWindow(content, &task)
	content = extractTags(content, &task)

	content = fillerRe.ReplaceAllString(content, " ")
	task.Summary = strings.TrimSpace(whitespaceRe.ReplaceAllString(content, " "))

	applyDateDefaults(&task)
	task.ID = DeriveTaskID(task)

	return task, true
}

// applyDateDefaults fills derived date fields after extraction: a due date
// without a start date implies start=due, and a timed start without an
// explicit window opens a window from that time to end of day.
func applyDateDefaults(task *domain.Task) {
	if task.DueDate != "" && task.StartDate == "" {
		task.StartDate = task.DueDate
	}

	if task.TimeWindowStart == "" {
		if tod := domain.TimeOfDay(task.StartDate); tod != "" {
			task.TimeWindowStart = tod
			task.TimeWindowEnd = "24:00"
		}
	}
}
