package session

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
	"taskboard-api/storage"
)

// AttachmentState is the rendering state of a task's image.
type AttachmentState int

const (
	AttachmentLoading AttachmentState = iota
	AttachmentPresent
	AttachmentAbsent
)

func (s AttachmentState) String() string {
	switch s {
	case AttachmentLoading:
		return "loading"
	case AttachmentPresent:
		return "present"
	case AttachmentAbsent:
		return "absent"
	}
	return "unknown"
}

// MarshalJSON renders the state by name; clients branch on the string.
func (s AttachmentState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// AttachmentView is what a task card renders for its image slot.
type AttachmentView struct {
	State AttachmentState `json:"state"`
	URL   string          `json:"url,omitempty"`
}

// AttachmentStore is the storage surface the reconciler drives.
type AttachmentStore interface {
	UploadAttachment(ctx context.Context, id string, data []byte) error
	RemoveAttachment(ctx context.Context, id string) error
	AttachmentExists(ctx context.Context, id string) (bool, error)
	SignAttachmentURL(ctx context.Context, id string, ttl time.Duration) (string, error)
}

// URLCache holds previously signed URLs. Implementations must treat every
// failure as a miss.
type URLCache interface {
	Get(ctx context.Context, taskID string) (string, bool)
	Put(ctx context.Context, taskID, url string)
	Evict(ctx context.Context, taskID string)
}

const signTTL = time.Hour

// Reconciler resolves attachment URLs lazily per task and coordinates the
// multi-step storage mutations of an edit. Attachments are a soft feature:
// resolution failures degrade to Absent and are never surfaced as errors.
type Reconciler struct {
	store  AttachmentStore
	cache  URLCache
	logger *log.Logger

	mu    sync.Mutex
	views map[string]AttachmentView
}

// NewReconciler creates a reconciler. cache may be nil.
func NewReconciler(store AttachmentStore, cache URLCache, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reconciler{store: store, cache: cache, logger: logger, views: map[string]AttachmentView{}}
}

// View returns the last resolved state for a task, Loading when the task has
// never been resolved.
func (r *Reconciler) View(taskID string) AttachmentView {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.views[taskID]; ok {
		return v
	}
	return AttachmentView{State: AttachmentLoading}
}

// Resolve probes for the task's attachment and, when present, obtains a
// signed URL valid for an hour. Any failure along the way yields Absent.
func (r *Reconciler) Resolve(ctx context.Context, taskID string) AttachmentView {
	if r.cache != nil {
		if url, ok := r.cache.Get(ctx, taskID); ok {
			return r.remember(taskID, AttachmentView{State: AttachmentPresent, URL: url})
		}
	}

	exists, err := r.store.AttachmentExists(ctx, taskID)
	if err != nil {
		r.logger.WithField("task", taskID).Warnf("attachment probe: %v", err)
		return r.remember(taskID, AttachmentView{State: AttachmentAbsent})
	}
	if !exists {
		return r.remember(taskID, AttachmentView{State: AttachmentAbsent})
	}

	url, err := r.store.SignAttachmentURL(ctx, taskID, signTTL)
	if err != nil {
		if !storage.IsNotFound(err) {
			r.logger.WithField("task", taskID).Warnf("sign attachment url: %v", err)
		}
		return r.remember(taskID, AttachmentView{State: AttachmentAbsent})
	}

	if r.cache != nil {
		r.cache.Put(ctx, taskID, url)
	}
	return r.remember(taskID, AttachmentView{State: AttachmentPresent, URL: url})
}

// Forget drops a task's resolved state, e.g. after the task was deleted.
func (r *Reconciler) Forget(taskID string) {
	r.mu.Lock()
	delete(r.views, taskID)
	r.mu.Unlock()
}

// Apply performs the storage side of an edit's attachment change. The row is
// already committed when Apply runs, so step failures degrade the outcome to
// a warning instead of failing the edit. The returned outcome reflects only
// this reconciliation.
func (r *Reconciler) Apply(ctx context.Context, taskID string, change domain.AttachmentChange) domain.Outcome {
	switch change.Action {
	case domain.AttachmentKeep:
		return domain.Succeeded("Your changes have been saved.")

	case domain.AttachmentReplace:
		// Best-effort removal first so the overwrite starts clean.
		if err := r.store.RemoveAttachment(ctx, taskID); err != nil {
			r.logger.WithField("task", taskID).Warnf("pre-upload remove: %v", err)
		}
		if err := r.store.UploadAttachment(ctx, taskID, change.Data); err != nil {
			r.logger.WithField("task", taskID).Warnf("upload attachment: %v", err)
			return domain.Warned("Your todo was updated, but we couldn't upload the new image.")
		}
		r.invalidate(ctx, taskID)
		return domain.Succeeded("Your todo and image were updated successfully.")

	case domain.AttachmentRemove:
		if err := r.store.RemoveAttachment(ctx, taskID); err != nil {
			r.logger.WithField("task", taskID).Warnf("remove attachment: %v", err)
			return domain.Warned("Your todo was updated, but we couldn't remove the image.")
		}
		r.invalidate(ctx, taskID)
		return domain.Succeeded("Your todo was updated and image was removed.")
	}
	return domain.Succeeded("Your changes have been saved.")
}

func (r *Reconciler) remember(taskID string, v AttachmentView) AttachmentView {
	r.mu.Lock()
	r.views[taskID] = v
	r.mu.Unlock()
	return v
}

func (r *Reconciler) invalidate(ctx context.Context, taskID string) {
	if r.cache != nil {
		r.cache.Evict(ctx, taskID)
	}
	r.Forget(taskID)
}
