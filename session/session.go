package session

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// Session owns one viewer's live task state: the in-memory collection, the
// change-feed subscription, the attachment reconciler and the mutation
// coordinator. It is constructed on view entry and closed on view exit;
// there is no ambient state outside of it.
type Session struct {
	owner  string
	gw     Gateway
	state  *TaskListState
	rec    *Reconciler
	coord  *Coordinator
	sub    *Subscriber
	logger *log.Logger

	mu       sync.Mutex
	watchers map[chan View]struct{}
	closed   bool
}

func newSession(owner string, gw Gateway, feed FeedSource, cache URLCache, orphans OrphanQueue, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Session{
		owner:    owner,
		gw:       gw,
		state:    NewTaskListState(),
		logger:   logger,
		watchers: map[chan View]struct{}{},
	}
	s.rec = NewReconciler(gw, cache, logger)
	s.coord = NewCoordinator(owner, gw, s.rec, orphans, logger)
	if feed != nil {
		s.sub = NewSubscriber(feed, owner, s.Refresh, logger)
	}
	return s
}

// start loads the initial snapshot and activates the live subscription. A
// subscription failure leaves the session usable without live updates.
func (s *Session) start(ctx context.Context) error {
	tasks, err := s.gw.ListTasks(ctx, s.owner)
	if err != nil {
		return err
	}
	s.state.ApplySnapshot(tasks)
	if s.sub != nil {
		if err := s.sub.Start(ctx); err != nil {
			s.logger.WithField("owner", s.owner).Warnf("change feed unavailable: %v", err)
		}
	}
	return nil
}

// Owner returns the viewer this session belongs to.
func (s *Session) Owner() string { return s.owner }

// Refresh refetches the full task list and replaces the local snapshot.
// Errors are logged and the previous snapshot is kept.
func (s *Session) Refresh(ctx context.Context) {
	tasks, err := s.gw.ListTasks(ctx, s.owner)
	if err != nil {
		s.logger.WithField("owner", s.owner).Warnf("refresh tasks: %v", err)
		return
	}
	s.state.ApplySnapshot(tasks)
	s.broadcast()
}

// View returns the current filtered view.
func (s *Session) View() View { return s.state.View() }

// ViewWith returns a view under the given filter without changing the
// session's active filter.
func (s *Session) ViewWith(filter string) (View, error) {
	return s.state.ViewWith(filter)
}

// SetFilter switches the derived view and notifies watchers. The session is
// shared by every connection of the same owner, so the new filter applies to
// all of them, including live streams.
func (s *Session) SetFilter(filter string) error {
	if err := s.state.SetFilter(filter); err != nil {
		return err
	}
	s.broadcast()
	return nil
}

// ResolveAttachment lazily resolves the attachment view for one task. Blobs
// are keyed by task id alone, so ownership is checked here before any probe
// or signing: a task outside this owner's collection resolves to Absent.
func (s *Session) ResolveAttachment(ctx context.Context, taskID string) AttachmentView {
	if !s.state.Contains(taskID) {
		if _, err := s.gw.GetTask(ctx, s.owner, taskID); err != nil {
			return AttachmentView{State: AttachmentAbsent}
		}
	}
	return s.rec.Resolve(ctx, taskID)
}

// FeedState exposes the subscription lifecycle state.
func (s *Session) FeedState() FeedState {
	if s.sub == nil {
		return FeedUnsubscribed
	}
	return s.sub.State()
}

// Create runs the create action. The new task reaches the view through the
// change feed refresh.
func (s *Session) Create(ctx context.Context, in domain.CreateTask) (domain.Task, domain.Outcome) {
	return s.coord.Create(ctx, in)
}

// Edit runs the full-edit action.
func (s *Session) Edit(ctx context.Context, in domain.EditTask) domain.Outcome {
	return s.coord.Edit(ctx, in)
}

// ChangeStatus runs the status-only action.
func (s *Session) ChangeStatus(ctx context.Context, in domain.ChangeStatus) domain.Outcome {
	return s.coord.ChangeStatus(ctx, in)
}

// Delete removes the task from the local view immediately, then runs the
// delete action. A stale refresh may transiently resurrect the row; that is
// the documented last-snapshot-wins behavior.
func (s *Session) Delete(ctx context.Context, in domain.DeleteTask) domain.Outcome {
	s.state.ApplyLocalDelete(in.ID)
	s.broadcast()
	return s.coord.Delete(ctx, in)
}

// Watch registers a live view consumer. The channel receives the current
// view immediately and then the latest view after every change. The release
// func must be called when done.
func (s *Session) Watch() (<-chan View, func()) {
	ch := make(chan View, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.watchers[ch] = struct{}{}
	// Seed the buffered channel while still holding the lock, so a
	// concurrent close cannot close ch between registration and the send.
	ch <- s.state.View()
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, release
}

// broadcast pushes the latest view to every watcher, dropping the stale one
// if a watcher has not consumed it yet.
func (s *Session) broadcast() {
	view := s.state.View()
	s.mu.Lock()
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- view:
		default:
		}
	}
	s.mu.Unlock()
}

// close releases the subscription and all watchers. Pending resolution work
// is abandoned; in-flight mutations complete with their results discarded.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	watchers := s.watchers
	s.watchers = map[chan View]struct{}{}
	s.mu.Unlock()

	if s.sub != nil {
		s.sub.Close()
	}
	for ch := range watchers {
		close(ch)
	}
}
