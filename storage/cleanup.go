package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// cleanupQueue is the slice of the queue client the janitor needs; tests
// substitute a fake.
type cleanupQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// attachmentRemover is the storage surface the janitor drives.
type attachmentRemover interface {
	RemoveAttachment(ctx context.Context, id string) error
}

type orphanMessage struct {
	TaskID string `json:"taskId"`
}

// Janitor sweeps attachments whose row is already gone but whose blob
// removal failed during the user's delete. The sweep is invisible to users
// and never affects a mutation's outcome.
type Janitor struct {
	queue    cleanupQueue
	store    attachmentRemover
	dedupe   *redis.Client
	ttl      time.Duration
	interval time.Duration
	logger   *log.Logger
}

// NewJanitor creates a janitor over the cleanup queue. The dedupe client may
// be nil, in which case duplicate enqueues are allowed.
func NewJanitor(queue cleanupQueue, store attachmentRemover, dedupe *redis.Client, logger *log.Logger) *Janitor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Janitor{
		queue:    queue,
		store:    store,
		dedupe:   dedupe,
		ttl:      24 * time.Hour,
		interval: time.Second,
		logger:   logger,
	}
}

// EnqueueOrphan records a task id whose attachment may have been left
// behind. Enqueues are deduplicated per task id while a sweep is pending.
func (j *Janitor) EnqueueOrphan(ctx context.Context, taskID string) error {
	if j.dedupe != nil {
		added, err := j.dedupe.SetNX(ctx, orphanKey(taskID), 1, j.ttl).Result()
		if err == nil && !added {
			return nil
		}
	}
	data, err := json.Marshal(orphanMessage{TaskID: taskID})
	if err != nil {
		return err
	}
	if _, err := j.queue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return classify("enqueue orphan", err)
	}
	return nil
}

// Run drains the cleanup queue until ctx is cancelled. Failed removals are
// left on the queue and reappear after the visibility timeout.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		processed, err := j.sweepOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			j.logger.Warnf("janitor: %v", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(j.interval):
		}
	}
}

func (j *Janitor) sweepOne(ctx context.Context) (bool, error) {
	resp, err := j.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return false, classify("dequeue orphan", err)
	}
	if len(resp.Messages) == 0 {
		return false, nil
	}
	msg := resp.Messages[0]
	if msg.MessageText == nil || msg.MessageID == nil || msg.PopReceipt == nil {
		return false, nil
	}

	var orphan orphanMessage
	if err := json.Unmarshal([]byte(*msg.MessageText), &orphan); err != nil || orphan.TaskID == "" {
		// Poison message; drop it.
		_, _ = j.queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil)
		return true, nil
	}

	if err := j.store.RemoveAttachment(ctx, orphan.TaskID); err != nil {
		return true, classify("sweep orphan "+orphan.TaskID, err)
	}
	if _, err := j.queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
		return true, classify("delete orphan message", err)
	}
	if j.dedupe != nil {
		_ = j.dedupe.Del(ctx, orphanKey(orphan.TaskID)).Err()
	}
	j.logger.WithField("task", orphan.TaskID).Info("janitor removed orphaned attachment")
	return true, nil
}

func orphanKey(taskID string) string {
	return "orphan:" + taskID
}
