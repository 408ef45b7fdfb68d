package session

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
	"taskboard-api/storage"
)

func TestSessionLoadsSnapshotOnStart(t *testing.T) {
	gw := newFakeGateway()
	gw.tasks["t1"] = domain.Task{ID: "t1", Owner: "user-1", Title: "existing", Status: domain.StatusTodo}
	m := NewManager(context.Background(), gw, nil, nil, nil, log.New())
	defer m.Close()

	sess, release, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	v := sess.View()
	if v.State != ViewList || v.Total != 1 {
		t.Fatalf("session should start with the persisted snapshot, got %+v", v)
	}
}

func TestSessionCreateReachesViewThroughFeed(t *testing.T) {
	gw := newFakeGateway()
	feed := &fakeFeed{}
	m := NewManager(context.Background(), gw, feed, nil, nil, log.New())
	defer m.Close()

	sess, release, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if sess.FeedState() != FeedActive {
		t.Fatalf("feed should be active, got %s", sess.FeedState())
	}

	task, out := sess.Create(context.Background(), domain.CreateTask{Title: "Buy milk"})
	if !out.Ok() {
		t.Fatalf("create: %s", out.Message)
	}
	// The coordinator does not touch the view; the feed event does.
	feed.emit(storage.ChangeEvent{Type: storage.EventTaskCreated, Owner: "user-1", TaskID: task.ID})
	waitFor(t, func() bool { return sess.View().Total == 1 })
}

func TestSessionOptimisticDelete(t *testing.T) {
	gw := newFakeGateway()
	gw.tasks["t1"] = domain.Task{ID: "t1", Owner: "user-1", Title: "doomed", Status: domain.StatusTodo}
	m := NewManager(context.Background(), gw, nil, nil, nil, log.New())
	defer m.Close()

	sess, release, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	gw.deleteErr = context.DeadlineExceeded
	out := sess.Delete(context.Background(), domain.DeleteTask{ID: "t1"})
	if out.Kind != domain.OutcomeFailure {
		t.Fatalf("expected failure, got %s", out.Kind)
	}
	// The row left the view before the remote delete ran, and a failed
	// delete does not put it back. Only the next snapshot can.
	if sess.View().Total != 0 {
		t.Fatal("optimistic delete must apply regardless of the remote result")
	}

	gw.deleteErr = nil
	sess.Refresh(context.Background())
	if sess.View().Total != 1 {
		t.Fatal("refresh should resurrect the still-persisted row")
	}
}

func TestSessionWatchDeliversCurrentAndSubsequentViews(t *testing.T) {
	gw := newFakeGateway()
	gw.tasks["t1"] = domain.Task{ID: "t1", Owner: "user-1", Title: "first", Status: domain.StatusTodo}
	m := NewManager(context.Background(), gw, nil, nil, nil, log.New())
	defer m.Close()

	sess, release, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ch, stop := sess.Watch()
	defer stop()

	select {
	case v := <-ch:
		if v.Total != 1 {
			t.Fatalf("initial view should carry the snapshot, got %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial view delivered")
	}

	if err := sess.SetFilter(string(domain.StatusDone)); err != nil {
		t.Fatalf("set filter: %v", err)
	}
	select {
	case v := <-ch:
		if v.State != ViewNoMatch {
			t.Fatalf("filter change should push a no-match view, got %s", v.State)
		}
	case <-time.After(time.Second):
		t.Fatal("no view delivered after filter change")
	}
}

func TestSessionWatchDropsStaleViews(t *testing.T) {
	gw := newFakeGateway()
	m := NewManager(context.Background(), gw, nil, nil, nil, log.New())
	defer m.Close()

	sess, release, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ch, stop := sess.Watch()
	defer stop()

	// Never consume the initial view; pile changes on top.
	_ = sess.SetFilter(string(domain.StatusDone))
	_ = sess.SetFilter(FilterAll)

	v := <-ch
	if v.Filter != FilterAll {
		t.Fatalf("a slow watcher must see the latest view, got filter %q", v.Filter)
	}
}

func TestWatchConcurrentWithCloseDoesNotPanic(t *testing.T) {
	gw := newFakeGateway()
	for i := 0; i < 50; i++ {
		m := NewManager(context.Background(), gw, nil, nil, nil, log.New())
		sess, release, err := m.Acquire("user-1")
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 20; j++ {
				ch, stop := sess.Watch()
				// Drain whatever arrived so releases stay cheap.
				select {
				case <-ch:
				default:
				}
				stop()
			}
		}()
		m.Close()
		<-done
		release()
	}
}

func TestWatchOnClosedSession(t *testing.T) {
	gw := newFakeGateway()
	m := NewManager(context.Background(), gw, nil, nil, nil, log.New())
	sess, release, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()

	ch, stop := sess.Watch()
	defer stop()
	if _, open := <-ch; open {
		t.Fatal("watch on a closed session must hand back a closed channel")
	}
}

func TestManagerRefcountsSessions(t *testing.T) {
	gw := newFakeGateway()
	feed := &fakeFeed{}
	m := NewManager(context.Background(), gw, feed, nil, nil, log.New())
	defer m.Close()

	s1, r1, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s2, r2, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s1 != s2 {
		t.Fatal("same owner must share one session")
	}

	r1()
	if s1.FeedState() != FeedActive {
		t.Fatal("session must survive while a holder remains")
	}
	r2()
	if s1.FeedState() != FeedUnsubscribed {
		t.Fatal("last release must close the session")
	}

	// A fresh acquire builds a new session.
	s3, r3, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer r3()
	if s3 == s1 {
		t.Fatal("closed sessions must not be handed out again")
	}
}

func TestManagerReleaseIsIdempotent(t *testing.T) {
	gw := newFakeGateway()
	m := NewManager(context.Background(), gw, nil, nil, nil, log.New())
	defer m.Close()

	_, r1, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s2, r2, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	r1()
	r1() // double release must not steal the remaining holder's ref

	if _, err := s2.gw.ListTasks(context.Background(), "user-1"); err != nil {
		t.Fatalf("list: %v", err)
	}
	r2()
}

func TestManagerAcquireFailsWhenSnapshotFails(t *testing.T) {
	gw := newFakeGateway()
	gw.listErr = context.DeadlineExceeded
	m := NewManager(context.Background(), gw, nil, nil, nil, log.New())
	defer m.Close()

	if _, _, err := m.Acquire("user-1"); err == nil {
		t.Fatal("acquire must fail when the initial snapshot cannot load")
	}

	gw.listErr = nil
	_, release, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
	release()
}

func TestResolveAttachmentDeniedForForeignTask(t *testing.T) {
	gw := newFakeGateway()
	gw.tasks["v1"] = domain.Task{ID: "v1", Owner: "victim", Title: "theirs", Status: domain.StatusTodo}
	gw.attachments["v1"] = []byte("their image")
	m := NewManager(context.Background(), gw, nil, nil, nil, log.New())
	defer m.Close()

	sess, release, err := m.Acquire("attacker")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	v := sess.ResolveAttachment(context.Background(), "v1")
	if v.State != AttachmentAbsent || v.URL != "" {
		t.Fatalf("foreign task must resolve to absent with no url, got %+v", v)
	}
	for _, op := range gw.callLog() {
		if op == "sign" || op == "probe" {
			t.Fatalf("no blob access may happen for a foreign task, saw %q", op)
		}
	}
}

func TestResolveAttachmentForOwnTask(t *testing.T) {
	gw := newFakeGateway()
	gw.tasks["t1"] = domain.Task{ID: "t1", Owner: "user-1", Title: "mine", Status: domain.StatusTodo}
	gw.attachments["t1"] = []byte("img")
	m := NewManager(context.Background(), gw, nil, nil, nil, log.New())
	defer m.Close()

	sess, release, err := m.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	v := sess.ResolveAttachment(context.Background(), "t1")
	if v.State != AttachmentPresent || v.URL == "" {
		t.Fatalf("own task should resolve to present, got %+v", v)
	}
}

func TestSessionIsolatesOwners(t *testing.T) {
	gw := newFakeGateway()
	gw.tasks["a1"] = domain.Task{ID: "a1", Owner: "alice", Title: "hers", Status: domain.StatusTodo}
	gw.tasks["b1"] = domain.Task{ID: "b1", Owner: "bob", Title: "his", Status: domain.StatusTodo}
	feed := &fakeFeed{}
	m := NewManager(context.Background(), gw, feed, nil, nil, log.New())
	defer m.Close()

	alice, ra, err := m.Acquire("alice")
	if err != nil {
		t.Fatalf("acquire alice: %v", err)
	}
	defer ra()
	bob, rb, err := m.Acquire("bob")
	if err != nil {
		t.Fatalf("acquire bob: %v", err)
	}
	defer rb()

	if alice.View().Tasks[0].ID != "a1" || bob.View().Tasks[0].ID != "b1" {
		t.Fatal("each session must only see its owner's tasks")
	}

	// Bob's change must not disturb Alice's view.
	out := bob.Delete(context.Background(), domain.DeleteTask{ID: "b1"})
	if !out.Ok() {
		t.Fatalf("delete: %s", out.Message)
	}
	feed.emit(storage.ChangeEvent{Type: storage.EventTaskDeleted, Owner: "bob", TaskID: "b1"})
	waitFor(t, func() bool { return bob.View().Total == 0 })
	if alice.View().Total != 1 {
		t.Fatal("foreign events must not touch another owner's view")
	}
}
