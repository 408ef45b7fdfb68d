package session

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Manager hands out reference-counted sessions per authenticated viewer. A
// viewer's session is created on first acquire and torn down when the last
// holder releases it.
type Manager struct {
	baseCtx context.Context
	gw      Gateway
	feed    FeedSource
	cache   URLCache
	orphans OrphanQueue
	logger  *log.Logger

	mu       sync.Mutex
	sessions map[string]*managedSession
	closed   bool
}

type managedSession struct {
	session *Session
	refs    int
}

// NewManager creates a manager. baseCtx bounds the lifetime of every
// session's subscription; feed, cache and orphans may be nil.
func NewManager(baseCtx context.Context, gw Gateway, feed FeedSource, cache URLCache, orphans OrphanQueue, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{
		baseCtx:  baseCtx,
		gw:       gw,
		feed:     feed,
		cache:    cache,
		orphans:  orphans,
		logger:   logger,
		sessions: map[string]*managedSession{},
	}
}

// Acquire returns the owner's session, creating and starting it on first
// use. The release func must be called exactly once; the session closes when
// the last holder releases.
func (m *Manager) Acquire(owner string) (*Session, func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, context.Canceled
	}
	ms, ok := m.sessions[owner]
	if ok {
		ms.refs++
		m.mu.Unlock()
		return ms.session, m.releaseFunc(owner), nil
	}

	sess := newSession(owner, m.gw, m.feed, m.cache, m.orphans, m.logger)
	ms = &managedSession{session: sess, refs: 1}
	m.sessions[owner] = ms
	m.mu.Unlock()

	if err := sess.start(m.baseCtx); err != nil {
		m.mu.Lock()
		delete(m.sessions, owner)
		m.mu.Unlock()
		sess.close()
		return nil, nil, err
	}
	return sess, m.releaseFunc(owner), nil
}

func (m *Manager) releaseFunc(owner string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			ms, ok := m.sessions[owner]
			if !ok {
				m.mu.Unlock()
				return
			}
			ms.refs--
			if ms.refs > 0 {
				m.mu.Unlock()
				return
			}
			delete(m.sessions, owner)
			m.mu.Unlock()
			ms.session.close()
		})
	}
}

// Close tears down every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = map[string]*managedSession{}
	m.mu.Unlock()

	for _, ms := range sessions {
		ms.session.close()
	}
}
