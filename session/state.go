package session

import (
	"sync"

	"taskboard-api/domain"
)

// FilterAll selects every task regardless of status.
const FilterAll = "all"

// ViewState distinguishes the three renderable shapes of the task list.
type ViewState int

const (
	// ViewEmpty means no tasks exist at all.
	ViewEmpty ViewState = iota
	// ViewNoMatch means tasks exist but none match the active filter.
	ViewNoMatch
	// ViewList means the filtered view has at least one task.
	ViewList
)

func (s ViewState) String() string {
	switch s {
	case ViewEmpty:
		return "empty"
	case ViewNoMatch:
		return "no-match"
	case ViewList:
		return "list"
	}
	return "unknown"
}

// MarshalJSON renders the state by name; clients branch on the string.
func (s ViewState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// View is a stable snapshot of the filtered task list.
type View struct {
	State  ViewState     `json:"state"`
	Filter string        `json:"filter"`
	Total  int           `json:"total"`
	Tasks  []domain.Task `json:"tasks"`
}

// TaskListState is the authoritative in-memory collection of one viewer's
// tasks. Snapshots replace the collection wholesale; the last applied
// snapshot wins, so an optimistic delete can be transiently undone by a
// stale refresh. That gap is deliberate and covered by tests.
type TaskListState struct {
	mu     sync.Mutex
	tasks  []domain.Task
	filter string
}

// NewTaskListState returns a state showing everything.
func NewTaskListState() *TaskListState {
	return &TaskListState{filter: FilterAll}
}

// ApplySnapshot replaces the full collection. Order is taken as delivered
// by the gateway (descending creation time).
func (s *TaskListState) ApplySnapshot(tasks []domain.Task) {
	copied := make([]domain.Task, len(tasks))
	copy(copied, tasks)
	s.mu.Lock()
	s.tasks = copied
	s.mu.Unlock()
}

// ApplyLocalDelete removes a task immediately, without waiting for remote
// confirmation.
func (s *TaskListState) ApplyLocalDelete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tasks {
		if t.ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return
		}
	}
}

// SetFilter switches the derived view to FilterAll or one status.
func (s *TaskListState) SetFilter(filter string) error {
	if filter != FilterAll {
		if _, err := domain.ParseStatus(filter); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
	return nil
}

// Contains reports whether the task is in the current snapshot.
func (s *TaskListState) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

// Filter returns the active filter.
func (s *TaskListState) Filter() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// View computes the derived view for the active filter.
func (s *TaskListState) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(s.filter)
}

// ViewWith computes a view under the given filter without touching the
// active one, so one-shot reads cannot retarget a live stream.
func (s *TaskListState) ViewWith(filter string) (View, error) {
	if filter != FilterAll {
		if _, err := domain.ParseStatus(filter); err != nil {
			return View{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(filter), nil
}

func (s *TaskListState) viewLocked(filter string) View {
	v := View{Filter: filter, Total: len(s.tasks)}
	if len(s.tasks) == 0 {
		v.State = ViewEmpty
		v.Tasks = []domain.Task{}
		return v
	}

	if filter == FilterAll {
		v.Tasks = make([]domain.Task, len(s.tasks))
		copy(v.Tasks, s.tasks)
		v.State = ViewList
		return v
	}

	v.Tasks = []domain.Task{}
	for _, t := range s.tasks {
		if string(t.Status) == filter {
			v.Tasks = append(v.Tasks, t)
		}
	}
	if len(v.Tasks) == 0 {
		v.State = ViewNoMatch
	} else {
		v.State = ViewList
	}
	return v
}
