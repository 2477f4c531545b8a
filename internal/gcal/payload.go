package gcal

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/rezkam/calsync/internal/domain"
	"github.com/rezkam/calsync/internal/parser"
)

// Extended-property keys marking an event as owned by this sync. Events
// without PropSyncMarker="true" are never touched.
const (
	PropSyncMarker = "isGcalSync"
	PropTaskID     = "obsidianTaskId"
)

const (
	fallbackSummary = "Untitled Task"

	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// MapperConfig controls payload composition.
type MapperConfig struct {
	// VaultName feeds the obsidian:// deep link in the description.
	VaultName string

	// DefaultDurationMinutes repairs timed events whose end is not after
	// their start.
	DefaultDurationMinutes int

	// Description metadata toggles.
	IncludePriority   bool
	IncludeTags       bool
	IncludeCreated    bool
	IncludeScheduled  bool
	IncludeCompletion bool
}

// Mapper composes remote event payloads from tasks.
type Mapper struct {
	cfg MapperConfig
}

// NewMapper creates a Mapper. A non-positive default duration falls back to
// 60 minutes.
func NewMapper(cfg MapperConfig) *Mapper {
	if cfg.DefaultDurationMinutes <= 0 {
		cfg.DefaultDurationMinutes = 60
	}
	return &Mapper{cfg: cfg}
}

// EventPayload builds the full event body for a task. Tasks missing either
// date are not expected here; callers skip them at planning time.
func (m *Mapper) EventPayload(task domain.Task) *calendar.Event {
	event := &calendar.Event{
		Summary: task.Summary,
		Status:  StatusConfirmed,
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				PropSyncMarker: "true",
				PropTaskID:     task.ID,
			},
		},
	}
	if event.Summary == "" {
		event.Summary = fallbackSummary
	}
	if task.IsCompleted {
		event.Status = StatusCancelled
	}

	annotation := m.applyEventTimes(event, task)
	event.Description = m.describe(task, annotation)

	if task.RecurrenceRule != "" && event.Start != nil {
		if line := parser.RRULELine(task.RecurrenceRule); line != "" {
			event.Recurrence = []string{line}
		}
	}

	return event
}

// applyEventTimes computes start/end per the time semantics: timed when both
// dates carry a time component, all-day otherwise, with end-before-start
// repair. Returns a description annotation when the dates were unusable.
func (m *Mapper) applyEventTimes(event *calendar.Event, task domain.Task) string {
	start, startHasTime, startErr := domain.ParseDate(task.StartDate)
	due, dueHasTime, dueErr := domain.ParseDate(task.DueDate)

	if startErr != nil || dueErr != nil {
		// Fall back to an all-day event today rather than dropping the task.
		today := time.Now()
		event.Start = &calendar.EventDateTime{Date: today.Format(domain.DateLayout)}
		event.End = &calendar.EventDateTime{Date: today.AddDate(0, 0, 1).Format(domain.DateLayout)}
		return fmt.Sprintf("Original dates could not be parsed (start=%q, due=%q).", task.StartDate, task.DueDate)
	}

	if startHasTime && dueHasTime {
		end := due
		if !end.After(start) {
			end = start.Add(time.Duration(m.cfg.DefaultDurationMinutes) * time.Minute)
		}
		event.Start = &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)}
		event.End = &calendar.EventDateTime{DateTime: end.Format(time.RFC3339)}
		return ""
	}

	// All-day: exclusive end is the day after the due date.
	startDay := start.Format(domain.DateLayout)
	endDay := due.AddDate(0, 0, 1)
	if !endDay.After(start) {
		endDay = start.AddDate(0, 0, 1)
	}
	event.Start = &calendar.EventDateTime{Date: startDay}
	event.End = &calendar.EventDateTime{Date: endDay.Format(domain.DateLayout)}
	return ""
}

// describe builds the description: a deep link back to the source line plus
// an optional settings-gated metadata block.
func (m *Mapper) describe(task domain.Task, annotation string) string {
	var b strings.Builder

	link := fmt.Sprintf("obsidian://open?vault=%s&file=%s",
		url.QueryEscape(m.cfg.VaultName), url.QueryEscape(task.SourcePath))
	if task.BlockAnchor != "" {
		link += url.QueryEscape("#^" + task.BlockAnchor)
	}
	b.WriteString(link)

	var meta []string
	if m.cfg.IncludePriority && task.Priority != "" && task.Priority != domain.PriorityNone {
		meta = append(meta, "Priority: "+string(task.Priority))
	}
	if m.cfg.IncludeTags && len(task.Tags) > 0 {
		meta = append(meta, "Tags: #"+strings.Join(task.Tags, " #"))
	}
	if m.cfg.IncludeCreated && task.CreatedDate != "" {
		meta = append(meta, "Created: "+task.CreatedDate)
	}
	if m.cfg.IncludeScheduled && task.ScheduledDate != "" {
		meta = append(meta, "Scheduled: "+task.ScheduledDate)
	}
	if m.cfg.IncludeCompletion && task.CompletionDate != "" {
		meta = append(meta, "Completed: "+task.CompletionDate)
	}
	if len(meta) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(meta, "\n"))
	}

	if annotation != "" {
		b.WriteString("\n\n")
		b.WriteString(annotation)
	}

	return b.String()
}

// TaskIDOf extracts the owning task ID from an event, or "".
func TaskIDOf(event *calendar.Event) string {
	if event == nil || event.ExtendedProperties == nil {
		return ""
	}
	return event.ExtendedProperties.Private[PropTaskID]
}

// IsPluginOwned reports whether this sync created the event. The API filter
// already scopes list results, but every mutation path re-checks.
func IsPluginOwned(event *calendar.Event) bool {
	if event == nil || event.ExtendedProperties == nil {
		return false
	}
	return event.ExtendedProperties.Private[PropSyncMarker] == "true"
}
