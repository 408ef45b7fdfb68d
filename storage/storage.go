package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// Storage is the typed gateway over the task table, the attachment blob
// container and the orphan cleanup queue.
type Storage struct {
	taskTable    *aztables.Client
	attachments  *container.Client
	cleanupQueue *azqueue.QueueClient

	feed *ChangeFeed
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, attachmentsContainer, cleanupQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	tt := svc.NewClient(tasksTable)

	cc, err := container.NewClientFromConnectionString(connStr, attachmentsContainer, nil)
	if err != nil {
		return nil, err
	}

	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, cleanupQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: tt, attachments: cc, cleanupQueue: cq}, nil
}

// AttachFeed makes the gateway publish a change event after every committed
// row mutation, the way the backing platform would.
func (s *Storage) AttachFeed(f *ChangeFeed) { s.feed = f }

// CleanupQueue exposes the orphan queue client for the janitor.
func (s *Storage) CleanupQueue() *azqueue.QueueClient { return s.cleanupQueue }

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Status      string `json:"Status"`
	CreatedAt   string `json:"CreatedAt"`
	DueDate     string `json:"DueDate"`
}

func encodeTask(t domain.Task) ([]byte, error) {
	ent := taskEntity{
		Entity:      aztables.Entity{PartitionKey: t.Owner, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.DueDate != nil {
		ent.DueDate = t.DueDate.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(ent)
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		Owner:       ent.PartitionKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      domain.Status(ent.Status),
	}
	if ent.CreatedAt != "" {
		created, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
		if err != nil {
			return domain.Task{}, err
		}
		t.CreatedAt = created
	}
	if ent.DueDate != "" {
		due, err := time.Parse(time.RFC3339Nano, ent.DueDate)
		if err != nil {
			return domain.Task{}, err
		}
		t.DueDate = &due
	}
	return t, nil
}

// InsertTask persists a new task row.
func (s *Storage) InsertTask(ctx context.Context, t domain.Task) error {
	payload, err := encodeTask(t)
	if err != nil {
		return classify("insert task", err)
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return classify("insert task", err)
	}
	s.publish(ctx, EventTaskCreated, t.Owner, t.ID)
	return nil
}

// UpdateTask merges the non-nil fields of upd into an existing row.
func (s *Storage) UpdateTask(ctx context.Context, owner, id string, upd domain.TaskUpdate) error {
	if upd.Empty() {
		return nil
	}
	fields := map[string]any{
		"PartitionKey": owner,
		"RowKey":       id,
	}
	if upd.Title != nil {
		fields["Title"] = *upd.Title
	}
	if upd.Description != nil {
		fields["Description"] = *upd.Description
	}
	if upd.Status != nil {
		fields["Status"] = string(*upd.Status)
	}
	if upd.ClearDueDate {
		fields["DueDate"] = ""
	} else if upd.DueDate != nil {
		fields["DueDate"] = upd.DueDate.UTC().Format(time.RFC3339Nano)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return classify("update task", err)
	}
	etag := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeMerge,
	})
	if err != nil {
		return classify("update task", err)
	}
	s.publish(ctx, EventTaskUpdated, owner, id)
	return nil
}

// DeleteTask removes a task row.
func (s *Storage) DeleteTask(ctx context.Context, owner, id string) error {
	if _, err := s.taskTable.DeleteEntity(ctx, owner, id, nil); err != nil {
		return classify("delete task", err)
	}
	s.publish(ctx, EventTaskDeleted, owner, id)
	return nil
}

// GetTask loads one task row. The owner is part of the key, so a foreign id
// comes back as not-found.
func (s *Storage) GetTask(ctx context.Context, owner, id string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, owner, id, nil)
	if err != nil {
		return domain.Task{}, classify("get task", err)
	}
	t, err := decodeTask(resp.Value)
	if err != nil {
		return domain.Task{}, classify("get task", err)
	}
	return t, nil
}

// ListTasks retrieves all tasks for the owner, newest first.
func (s *Storage) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + owner + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("list tasks", err)
		}
		for _, e := range resp.Entities {
			t, err := decodeTask(e)
			if err != nil {
				return nil, classify("list tasks", err)
			}
			tasks = append(tasks, t)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// UploadAttachment stores the attachment for a task, replacing any prior
// content under the same id.
func (s *Storage) UploadAttachment(ctx context.Context, id string, data []byte) error {
	bb := s.attachments.NewBlockBlobClient(id)
	if _, err := bb.UploadBuffer(ctx, data, nil); err != nil {
		return classify("upload attachment", err)
	}
	return nil
}

// RemoveAttachment deletes a task's attachment. A missing attachment is not
// an error.
func (s *Storage) RemoveAttachment(ctx context.Context, id string) error {
	bc := s.attachments.NewBlobClient(id)
	if _, err := bc.Delete(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return classify("remove attachment", err)
	}
	return nil
}

// AttachmentExists probes for a task's attachment.
func (s *Storage) AttachmentExists(ctx context.Context, id string) (bool, error) {
	bc := s.attachments.NewBlobClient(id)
	if _, err := bc.GetProperties(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, classify("probe attachment", err)
	}
	return true, nil
}

// SignAttachmentURL returns a read-only signed URL for a task's attachment.
// It fails with a not-found classification when no attachment exists, which
// callers treat as a normal absent state.
func (s *Storage) SignAttachmentURL(ctx context.Context, id string, ttl time.Duration) (string, error) {
	bc := s.attachments.NewBlobClient(id)
	if _, err := bc.GetProperties(ctx, nil); err != nil {
		return "", classify("sign attachment url", err)
	}
	url, err := bc.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().UTC().Add(ttl), &blob.GetSASURLOptions{})
	if err != nil {
		return "", classify("sign attachment url", err)
	}
	return url, nil
}

func (s *Storage) publish(ctx context.Context, typ EventType, owner, id string) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, ChangeEvent{Type: typ, Owner: owner, TaskID: id}); err != nil {
		log.WithFields(log.Fields{"event": typ, "task": id}).Warnf("publish change event: %v", err)
	}
}
