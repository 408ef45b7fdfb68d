package domain

import (
	"fmt"
	"time"
)

// MaxAttachmentSize is the upper bound for an attachment payload. Larger
// payloads are rejected before any remote call.
const MaxAttachmentSize = 5 << 20 // 5 MiB

// ValidateAttachment applies the size gate to an attachment payload.
func ValidateAttachment(data []byte) error {
	if len(data) > MaxAttachmentSize {
		return &ValidationError{Field: "attachment", Reason: "Image size exceeds 5MB limit"}
	}
	return nil
}

// AttachmentAction is the user's declared intent for a task's attachment
// during a full edit.
type AttachmentAction int

const (
	AttachmentKeep AttachmentAction = iota
	AttachmentReplace
	AttachmentRemove
)

// AttachmentChange pairs an action with its payload. Data is only set for
// AttachmentReplace.
type AttachmentChange struct {
	Action AttachmentAction
	Data   []byte
}

// CreateTask creates a new task, optionally with an attachment.
type CreateTask struct {
	Title       string
	Description string
	Status      Status // defaults to StatusTodo when empty
	DueDate     *time.Time
	Attachment  []byte
}

// EditTask rewrites every editable field of an existing task and applies an
// attachment change.
type EditTask struct {
	ID          string
	Title       string
	Description string
	Status      Status
	DueDate     *time.Time
	Attachment  AttachmentChange
}

// ChangeStatus moves a task to another status and touches nothing else.
type ChangeStatus struct {
	ID     string
	Status Status
}

// DeleteTask removes a task and, best effort, its attachment.
type DeleteTask struct {
	ID string
}

// OutcomeKind classifies the single user-facing result of a logical action.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeWarning             // primary write committed, a follow-up step failed
	OutcomeFailure             // primary write failed
	OutcomeInvalid             // rejected before any remote call
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeWarning:
		return "warning"
	case OutcomeFailure:
		return "failure"
	case OutcomeInvalid:
		return "invalid"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the terminal result of one coordinator invocation. Every
// invocation yields exactly one.
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

func Succeeded(msg string) Outcome { return Outcome{Kind: OutcomeSuccess, Message: msg} }
func Warned(msg string) Outcome    { return Outcome{Kind: OutcomeWarning, Message: msg} }
func Invalid(err error) Outcome    { return Outcome{Kind: OutcomeInvalid, Message: err.Error()} }

func Failed(format string, a ...any) Outcome {
	return Outcome{Kind: OutcomeFailure, Message: fmt.Sprintf(format, a...)}
}

// Ok reports whether the primary entity write was committed.
func (o Outcome) Ok() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeWarning
}
