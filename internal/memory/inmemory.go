package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// InMemoryStore is an in-process store for local/dev use. Sessions are held in
// an expirable LRU so idle conversations fall out once maxSessions or ttl is hit.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions *expirable.LRU[string, []Turn]
}

// NewInMemoryStore creates a store. maxSessions <= 0 means unbounded and
// ttl <= 0 disables time based expiry.
func NewInMemoryStore(maxSessions int, ttl time.Duration) *InMemoryStore {
	if maxSessions < 0 {
		maxSessions = 0
	}
	return &InMemoryStore{
		sessions: expirable.NewLRU[string, []Turn](maxSessions, nil, ttl),
	}
}

func (s *InMemoryStore) Append(_ context.Context, sessionID string, turn Turn) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateTurn(turn); err != nil {
		return err
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	turns, _ := s.sessions.Get(sessionID)
	next := make([]Turn, len(turns), len(turns)+1)
	copy(next, turns)
	s.sessions.Add(sessionID, append(next, turn))
	return nil
}

func (s *InMemoryStore) History(_ context.Context, sessionID string) ([]Turn, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, ok := s.sessions.Get(sessionID)
	if !ok {
		s.sessions.Add(sessionID, []Turn{})
		return []Turn{}, nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *InMemoryStore) LastAssistantTurn(ctx context.Context, sessionID string) (Turn, bool, error) {
	turns, err := s.History(ctx, sessionID)
	if err != nil {
		return Turn{}, false, err
	}
	t, ok := lastAssistant(turns)
	return t, ok, nil
}

func (s *InMemoryStore) Evict(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions.Remove(sessionID)
	return nil
}

// Len reports the number of tracked sessions.
func (s *InMemoryStore) Len() int {
	return s.sessions.Len()
}

func (s *InMemoryStore) Close() error { return nil }
