package session

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskboard-api/storage"
)

// FeedState tracks the subscription lifecycle.
type FeedState int32

const (
	FeedUnsubscribed FeedState = iota
	FeedSubscribing
	FeedActive
)

func (s FeedState) String() string {
	switch s {
	case FeedUnsubscribed:
		return "unsubscribed"
	case FeedSubscribing:
		return "subscribing"
	case FeedActive:
		return "active"
	}
	return "unknown"
}

// FeedSource is the change-feed transport a subscriber listens on.
type FeedSource interface {
	Subscribe(ctx context.Context) (<-chan storage.ChangeEvent, func(), error)
}

// Subscriber converts remote mutation notifications into full-refresh
// triggers for one viewer. It never applies event payloads directly; every
// event, whatever its origin, results in a refetch.
type Subscriber struct {
	source  FeedSource
	owner   string
	refresh func(ctx context.Context)
	logger  *log.Logger

	mu      sync.Mutex
	state   FeedState
	cancel  context.CancelFunc
	release func()
	done    chan struct{}
}

// NewSubscriber creates a subscriber for the given owner. refresh is invoked
// once per matching event.
func NewSubscriber(source FeedSource, owner string, refresh func(ctx context.Context), logger *log.Logger) *Subscriber {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Subscriber{source: source, owner: owner, refresh: refresh, logger: logger}
}

// State returns the current lifecycle state.
func (s *Subscriber) State() FeedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves Unsubscribed -> Subscribing -> Active. Once active, events for
// this owner trigger refreshes until Close.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != FeedUnsubscribed {
		s.mu.Unlock()
		return nil
	}
	s.state = FeedSubscribing
	subCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	ch, release, err := s.source.Subscribe(subCtx)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.state = FeedUnsubscribed
		s.cancel = nil
		s.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.state = FeedActive
	s.release = release
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-subCtx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Owner != s.owner {
					continue
				}
				s.refresh(subCtx)
			}
		}
	}()
	return nil
}

// Close tears the subscription down immediately. Buffered events are
// discarded, not drained.
func (s *Subscriber) Close() {
	s.mu.Lock()
	cancel := s.cancel
	release := s.release
	done := s.done
	s.state = FeedUnsubscribed
	s.cancel = nil
	s.release = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if release != nil {
		release()
	}
	if done != nil {
		<-done
	}
}
