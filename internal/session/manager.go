package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrBusy     = errors.New("session busy")
)

type entry struct {
	Session
	// lease has capacity one; holding a value in it means a turn is in flight.
	lease chan struct{}
	// pins counts lease holders and waiters. Pinned entries are never expired.
	pins int
}

// Manager tracks conversation sessions, serialises turns per session id and
// expires idle sessions.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	policy            BusyPolicy
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration, policy BusyPolicy) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	if policy == "" {
		policy = BusyQueue
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		policy:            policy,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// SetExpireHook registers a callback run for every session the janitor or
// End removes.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Policy() BusyPolicy { return m.policy }

// Acquire takes the per-session turn lease, creating the session on first
// touch. With BusyReject a held lease fails fast with ErrBusy; with BusyQueue
// the call waits until the lease frees or ctx ends. The returned release
// func is safe to call more than once.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (func(), error) {
	m.mu.Lock()
	e := m.getOrCreateLocked(sessionID)
	e.pins++
	m.mu.Unlock()

	unpin := func() {
		m.mu.Lock()
		e.pins--
		e.LastActivityAt = m.now()
		m.mu.Unlock()
	}

	if m.policy == BusyReject {
		select {
		case e.lease <- struct{}{}:
		default:
			unpin()
			return nil, ErrBusy
		}
	} else {
		select {
		case e.lease <- struct{}{}:
		case <-ctx.Done():
			unpin()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.lease
			unpin()
		})
	}, nil
}

// Busy reports whether a turn currently holds the session lease.
func (m *Manager) Busy(sessionID string) bool {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	return ok && len(e.lease) > 0
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(&e.Session), nil
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.ActiveTurnID = turnID
	e.TurnCount++
	e.LastActivityAt = m.now()
	return nil
}

func (m *Manager) FinishTurn(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.ActiveTurnID = ""
	e.LastActivityAt = m.now()
	return nil
}

// End removes the session and runs the expire hook. A session with a turn in
// flight keeps its lease entry so later turns still queue behind it.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	ended := clone(&e.Session)
	ended.Status = StatusEnded
	ended.ActiveTurnID = ""
	ended.LastActivityAt = m.now()
	if e.pins == 0 {
		delete(m.sessions, sessionID)
	} else {
		e.TurnCount = 0
		e.StartedAt = ended.LastActivityAt
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		hook(ended)
	}
	return ended, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.pins > 0 {
			continue
		}
		if now.Sub(e.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		e.Status = StatusEnded
		e.LastActivityAt = now
		expired = append(expired, clone(&e.Session))
		delete(m.sessions, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) getOrCreateLocked(sessionID string) *entry {
	if e, ok := m.sessions[sessionID]; ok {
		return e
	}
	now := m.now()
	e := &entry{
		Session: Session{
			ID:             sessionID,
			Status:         StatusActive,
			StartedAt:      now,
			LastActivityAt: now,
		},
		lease: make(chan struct{}, 1),
	}
	m.sessions[sessionID] = e
	return e
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
