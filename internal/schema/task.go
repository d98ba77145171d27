package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid is wrapped by every validation failure so callers can tell a
// rejected edit from a storage or network error.
var ErrInvalid = errors.New("invalid")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Status is the lifecycle state of a task or occurrence.
type Status string

const (
	StatusTodo     Status = "todo"
	StatusDoing    Status = "doing"
	StatusDone     Status = "done"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusDoing, StatusDone, StatusCanceled:
		return true
	}
	return false
}

// MaxTitleLength bounds task, list and rule titles.
const MaxTitleLength = 500

// Task is a standalone thing to do. Recurring occurrences are never stored
// as Tasks; they are materialized from a Rule.
type Task struct {
	ID         string  `json:"id"`
	OwnerID    string  `json:"owner_id"`
	ListID     *string `json:"list_id"`
	AssigneeID *string `json:"assignee_id,omitempty"`

	Title  string `json:"title"`
	Notes  string `json:"notes,omitempty"`
	Status Status `json:"status"`

	DueDate      *Date      `json:"due_date,omitempty"`
	PlannedStart *time.Time `json:"planned_start,omitempty"`
	PlannedEnd   *time.Time `json:"planned_end,omitempty"`

	EstimateMinutes *int `json:"estimate_minutes,omitempty"`
	ActualMinutes   *int `json:"actual_minutes,omitempty"`
	Priority        int  `json:"priority"`
	SortIndex       int  `json:"sort_index"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks a task before it is persisted.
func (t *Task) Validate() error {
	if t.ID == "" {
		return invalidf("task id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return invalidf("task title is required")
	}
	if len(t.Title) > MaxTitleLength {
		return invalidf("task title must be %d characters or less (got %d)", MaxTitleLength, len(t.Title))
	}
	if !t.Status.Valid() {
		return invalidf("unknown task status %q", t.Status)
	}
	if t.PlannedStart != nil && t.PlannedEnd != nil && !t.PlannedEnd.After(*t.PlannedStart) {
		return invalidf("planned end %s must be after planned start %s",
			t.PlannedEnd.Format(time.RFC3339), t.PlannedStart.Format(time.RFC3339))
	}
	if err := validMinutes("estimate", t.EstimateMinutes); err != nil {
		return err
	}
	return validMinutes("actual", t.ActualMinutes)
}

// SetDefaults fills fields a caller may leave empty.
func (t *Task) SetDefaults(now time.Time) {
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
}

// Day returns the calendar date a task is grouped under, preferring the due
// date over the planned start.
func (t *Task) Day(loc *time.Location) (Date, bool) {
	if t.DueDate != nil {
		return *t.DueDate, true
	}
	if t.PlannedStart != nil {
		return DateOf(t.PlannedStart.In(loc)), true
	}
	return Date{}, false
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	c.ListID = clonePtr(t.ListID)
	c.AssigneeID = clonePtr(t.AssigneeID)
	c.DueDate = clonePtr(t.DueDate)
	c.PlannedStart = clonePtr(t.PlannedStart)
	c.PlannedEnd = clonePtr(t.PlannedEnd)
	c.EstimateMinutes = clonePtr(t.EstimateMinutes)
	c.ActualMinutes = clonePtr(t.ActualMinutes)
	return &c
}

// List groups tasks. The system list (Inbox) cannot be deleted.
type List struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SortIndex int       `json:"sort_index"`
	System    bool      `json:"system"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InboxName is the name of the default system list.
const InboxName = "Inbox"

// Validate checks a list before it is persisted.
func (l *List) Validate() error {
	if l.ID == "" {
		return invalidf("list id is required")
	}
	if strings.TrimSpace(l.Name) == "" {
		return invalidf("list name is required")
	}
	if len(l.Name) > MaxTitleLength {
		return invalidf("list name must be %d characters or less (got %d)", MaxTitleLength, len(l.Name))
	}
	return nil
}

// Subtask is a checklist item owned by a task.
type Subtask struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	SortIndex int       `json:"sort_index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks a subtask before it is persisted.
func (s *Subtask) Validate() error {
	if s.ID == "" {
		return invalidf("subtask id is required")
	}
	if s.TaskID == "" {
		return invalidf("subtask %s has no parent task", s.ID)
	}
	if strings.TrimSpace(s.Title) == "" {
		return invalidf("subtask title is required")
	}
	return nil
}

func validMinutes(name string, m *int) error {
	if m != nil && *m < 0 {
		return invalidf("%s minutes must not be negative (got %d)", name, *m)
	}
	return nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
