package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// Gateway is the full remote surface a coordinator drives: task rows plus
// attachment storage.
type Gateway interface {
	InsertTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, owner, id string) (domain.Task, error)
	UpdateTask(ctx context.Context, owner, id string, upd domain.TaskUpdate) error
	DeleteTask(ctx context.Context, owner, id string) error
	ListTasks(ctx context.Context, owner string) ([]domain.Task, error)
	AttachmentStore
}

// OrphanQueue records attachments left behind by a failed removal.
type OrphanQueue interface {
	EnqueueOrphan(ctx context.Context, taskID string) error
}

// Coordinator turns one logical user action into an ordered sequence of
// remote calls and merges the step outcomes into a single result. Steps run
// strictly in order; nothing is retried; every invocation yields exactly one
// outcome.
type Coordinator struct {
	owner   string
	gw      Gateway
	rec     *Reconciler
	orphans OrphanQueue
	logger  *log.Logger
}

// NewCoordinator creates a coordinator acting for one owner. orphans may be
// nil.
func NewCoordinator(owner string, gw Gateway, rec *Reconciler, orphans OrphanQueue, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Coordinator{owner: owner, gw: gw, rec: rec, orphans: orphans, logger: logger}
}

// Create inserts a new task and, when given, uploads its attachment. The
// upload is non-fatal: the task survives an upload failure with a warning.
func (c *Coordinator) Create(ctx context.Context, in domain.CreateTask) (domain.Task, domain.Outcome) {
	status := in.Status
	if status == "" {
		status = domain.StatusTodo
	}
	task := domain.Task{
		ID:          uuid.NewString(),
		Owner:       c.owner,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
		DueDate:     in.DueDate,
	}
	if err := task.Validate(); err != nil {
		return domain.Task{}, domain.Invalid(err)
	}
	if err := domain.ValidateAttachment(in.Attachment); err != nil {
		return domain.Task{}, domain.Invalid(err)
	}

	if err := c.gw.InsertTask(ctx, task); err != nil {
		c.logger.WithField("task", task.ID).Errorf("insert task: %v", err)
		return domain.Task{}, domain.Failed("Failed to create todo: %v", err)
	}

	if len(in.Attachment) > 0 {
		if err := c.gw.UploadAttachment(ctx, task.ID, in.Attachment); err != nil {
			c.logger.WithField("task", task.ID).Warnf("upload attachment: %v", err)
			return task, domain.Warned("Your todo was created, but we couldn't upload the image.")
		}
	}
	return task, domain.Succeeded("Todo created")
}

// Edit rewrites the task's fields and then reconciles the attachment per the
// declared intent. A row failure aborts before any attachment step runs.
func (c *Coordinator) Edit(ctx context.Context, in domain.EditTask) domain.Outcome {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Invalid(&domain.ValidationError{Field: "title", Reason: "Title is required"})
	}
	if !in.Status.Valid() {
		return domain.Invalid(&domain.ValidationError{Field: "status", Reason: "must be one of Todo, In Progress, Done"})
	}
	if in.Attachment.Action == domain.AttachmentReplace {
		if err := domain.ValidateAttachment(in.Attachment.Data); err != nil {
			return domain.Invalid(err)
		}
	}

	upd := domain.TaskUpdate{
		Title:       &title,
		Description: &in.Description,
		Status:      &in.Status,
	}
	if in.DueDate != nil {
		upd.DueDate = in.DueDate
	} else {
		upd.ClearDueDate = true
	}
	if err := c.gw.UpdateTask(ctx, c.owner, in.ID, upd); err != nil {
		c.logger.WithField("task", in.ID).Errorf("update task: %v", err)
		return domain.Failed("Failed to update todo: %v", err)
	}

	return c.rec.Apply(ctx, in.ID, in.Attachment)
}

// ChangeStatus updates only the status field.
func (c *Coordinator) ChangeStatus(ctx context.Context, in domain.ChangeStatus) domain.Outcome {
	if !in.Status.Valid() {
		return domain.Invalid(&domain.ValidationError{Field: "status", Reason: "must be one of Todo, In Progress, Done"})
	}
	status := in.Status
	if err := c.gw.UpdateTask(ctx, c.owner, in.ID, domain.TaskUpdate{Status: &status}); err != nil {
		c.logger.WithField("task", in.ID).Errorf("update status: %v", err)
		return domain.Failed("Failed to update status: %v", err)
	}
	return domain.Succeeded("Todo status changed to " + string(in.Status))
}

// Delete removes the attachment best effort, then the row. An attachment
// failure never blocks the delete; the orphan is queued for the janitor. A
// row failure is the only thing that fails the action.
//
// The owner-scoped load comes first: attachment blobs are keyed by task id
// alone, so the removal must not run until the task is proven to belong to
// this owner.
func (c *Coordinator) Delete(ctx context.Context, in domain.DeleteTask) domain.Outcome {
	if _, err := c.gw.GetTask(ctx, c.owner, in.ID); err != nil {
		c.logger.WithField("task", in.ID).Errorf("load task for delete: %v", err)
		return domain.Failed("Failed to delete todo: %v", err)
	}

	if err := c.gw.RemoveAttachment(ctx, in.ID); err != nil {
		c.logger.WithField("task", in.ID).Warnf("remove attachment during delete: %v", err)
		if c.orphans != nil {
			if qerr := c.orphans.EnqueueOrphan(ctx, in.ID); qerr != nil {
				c.logger.WithField("task", in.ID).Warnf("enqueue orphan: %v", qerr)
			}
		}
	}

	if err := c.gw.DeleteTask(ctx, c.owner, in.ID); err != nil {
		c.logger.WithField("task", in.ID).Errorf("delete task: %v", err)
		return domain.Failed("Failed to delete todo: %v", err)
	}
	c.rec.Forget(in.ID)
	return domain.Succeeded("The todo has been permanently removed")
}
