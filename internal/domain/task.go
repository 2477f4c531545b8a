package domain

// TaskPriority is the priority extracted from a checklist line.
type TaskPriority string

const (
	PriorityHighest TaskPriority = "highest"
	PriorityHigh    TaskPriority = "high"
	PriorityMedium  TaskPriority = "medium"
	PriorityLow     TaskPriority = "low"
	PriorityLowest  TaskPriority = "lowest"
	PriorityNone    TaskPriority = "none"
)

// Task is a single parsed checklist item. Tasks are value objects created on
// parse and discarded at the end of a sync run; the only state that survives
// a run is the ID → remote event mapping.
type Task struct {
	// ID is stable across reparses: derived from the block anchor when one
	// exists, otherwise from (path, summary, startDate, dueDate, timeWindow).
	ID string

	Summary     string
	IsCompleted bool

	// Date fields hold the raw token values, either YYYY-MM-DD or a
	// date-time with T/space separator. Validation happens at mapping time.
	DueDate       string
	StartDate     string
	ScheduledDate string

	CreatedDate    string
	CompletionDate string

	Priority TaskPriority

	// RecurrenceRule is a normalized iCalendar RRULE string (FREQ-bearing),
	// empty when the line carries no recurrence or none could be inferred.
	RecurrenceRule string

	// TimeWindowStart/End are HH:MM; end may be the sentinel "24:00".
	TimeWindowStart string
	TimeWindowEnd   string

	Tags        []string
	BlockAnchor string

	SourcePath string
	SourceLine int
}

// HasDates reports whether the task carries both dates required to place it
// on the calendar.
func (t Task) HasDates() bool {
	return t.StartDate != "" && t.DueDate != ""
}
