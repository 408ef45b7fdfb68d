package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"taskboard-api/domain"
	"taskboard-api/storage"
)

// fakeGateway is an in-memory Gateway recording every remote call.
type fakeGateway struct {
	mu          sync.Mutex
	tasks       map[string]domain.Task
	attachments map[string][]byte
	calls       []string
	lastUpdate  domain.TaskUpdate

	insertErr error
	getErr    error
	updateErr error
	deleteErr error
	listErr   error
	uploadErr error
	removeErr error
	probeErr  error
	signErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		tasks:       map[string]domain.Task{},
		attachments: map[string][]byte{},
	}
}

func (g *fakeGateway) record(op string) {
	g.calls = append(g.calls, op)
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) callLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *fakeGateway) InsertTask(ctx context.Context, t domain.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("insert")
	if g.insertErr != nil {
		return g.insertErr
	}
	g.tasks[t.ID] = t
	return nil
}

func (g *fakeGateway) GetTask(ctx context.Context, owner, id string) (domain.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("get")
	if g.getErr != nil {
		return domain.Task{}, g.getErr
	}
	t, ok := g.tasks[id]
	if !ok || t.Owner != owner {
		return domain.Task{}, &storage.Error{Kind: storage.KindNotFound, Op: "get task", Err: errors.New("no such row")}
	}
	return t, nil
}

func (g *fakeGateway) UpdateTask(ctx context.Context, owner, id string, upd domain.TaskUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("update")
	g.lastUpdate = upd
	if g.updateErr != nil {
		return g.updateErr
	}
	t, ok := g.tasks[id]
	if !ok || t.Owner != owner {
		return &storage.Error{Kind: storage.KindNotFound, Op: "update task", Err: errors.New("no such row")}
	}
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.ClearDueDate {
		t.DueDate = nil
	} else if upd.DueDate != nil {
		t.DueDate = upd.DueDate
	}
	g.tasks[id] = t
	return nil
}

func (g *fakeGateway) DeleteTask(ctx context.Context, owner, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("delete")
	if g.deleteErr != nil {
		return g.deleteErr
	}
	t, ok := g.tasks[id]
	if !ok || t.Owner != owner {
		return &storage.Error{Kind: storage.KindNotFound, Op: "delete task", Err: errors.New("no such row")}
	}
	delete(g.tasks, id)
	return nil
}

func (g *fakeGateway) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("list")
	if g.listErr != nil {
		return nil, g.listErr
	}
	out := []domain.Task{}
	for _, t := range g.tasks {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (g *fakeGateway) UploadAttachment(ctx context.Context, id string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("upload")
	if g.uploadErr != nil {
		return g.uploadErr
	}
	g.attachments[id] = append([]byte(nil), data...)
	return nil
}

func (g *fakeGateway) RemoveAttachment(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("remove")
	if g.removeErr != nil {
		return g.removeErr
	}
	delete(g.attachments, id) // absence is not an error
	return nil
}

func (g *fakeGateway) AttachmentExists(ctx context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("probe")
	if g.probeErr != nil {
		return false, g.probeErr
	}
	_, ok := g.attachments[id]
	return ok, nil
}

func (g *fakeGateway) SignAttachmentURL(ctx context.Context, id string, ttl time.Duration) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("sign")
	if g.signErr != nil {
		return "", g.signErr
	}
	if _, ok := g.attachments[id]; !ok {
		return "", &storage.Error{Kind: storage.KindNotFound, Op: "sign attachment url", Err: errors.New("no attachment")}
	}
	return "https://blob.test/" + id + "?sig=fake", nil
}

// fakeFeed is a FeedSource delivering manually emitted events.
type fakeFeed struct {
	mu   sync.Mutex
	subs []chan storage.ChangeEvent
}

func (f *fakeFeed) Subscribe(ctx context.Context) (<-chan storage.ChangeEvent, func(), error) {
	ch := make(chan storage.ChangeEvent, 16)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	release := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, sub := range f.subs {
			if sub == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, release, nil
}

func (f *fakeFeed) emit(ev storage.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- ev
	}
}

// fakeCache is an in-memory URLCache.
type fakeCache struct {
	mu   sync.Mutex
	urls map[string]string
	hits int
}

func newFakeCache() *fakeCache { return &fakeCache{urls: map[string]string{}} }

func (c *fakeCache) Get(ctx context.Context, taskID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url, ok := c.urls[taskID]
	if ok {
		c.hits++
	}
	return url, ok
}

func (c *fakeCache) Put(ctx context.Context, taskID, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls[taskID] = url
}

func (c *fakeCache) Evict(ctx context.Context, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.urls, taskID)
}

// fakeOrphans records orphan enqueues.
type fakeOrphans struct {
	mu  sync.Mutex
	ids []string
}

func (o *fakeOrphans) EnqueueOrphan(ctx context.Context, taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, taskID)
	return nil
}
