package domain

import (
	"strings"
	"time"
)

// Status is the workflow state of a task. The wire form matches what the
// store holds, including the space in "In Progress".
type Status string

const (
	StatusTodo       Status = "Todo"
	StatusInProgress Status = "In Progress"
	StatusDone       Status = "Done"
)

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Reason: "must be one of Todo, In Progress, Done"}
	}
	return s, nil
}

// Task is a single todo item owned by one user. ID and CreatedAt never
// change after the first persist.
type Task struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// Validate checks the invariants a task must hold whenever it is persisted.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return &ValidationError{Field: "title", Reason: "Title is required"}
	}
	if !t.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "must be one of Todo, In Progress, Done"}
	}
	return nil
}

// TaskUpdate carries a partial row merge. Nil fields are left untouched.
// ClearDueDate removes the due date; it wins over DueDate when both are set.
type TaskUpdate struct {
	Title        *string
	Description  *string
	Status       *Status
	DueDate      *time.Time
	ClearDueDate bool
}

// Empty reports whether the update would change nothing.
func (u TaskUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.Status == nil &&
		u.DueDate == nil && !u.ClearDueDate
}
