package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "carevoice:memory:"

// RedisConfig configures RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL is refreshed on every write. Zero keeps sessions until evicted.
	TTL time.Duration
}

// RedisStore keeps each session as a JSON list so several API replicas can
// share conversation history.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

func (s *RedisStore) turnsKey(sessionID string) string {
	return redisKeyPrefix + "turns:" + sessionID
}

func (s *RedisStore) markerKey(sessionID string) string {
	return redisKeyPrefix + "session:" + sessionID
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, turn Turn) error {
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

	data, err := sonic.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.markerKey(sessionID), "1", s.ttl)
	pipe.RPush(ctx, s.turnsKey(sessionID), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.turnsKey(sessionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, sessionID string) ([]Turn, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := s.client.SetNX(ctx, s.markerKey(sessionID), "1", s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	raw, err := s.client.LRange(ctx, s.turnsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := sonic.UnmarshalString(item, &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *RedisStore) LastAssistantTurn(ctx context.Context, sessionID string) (Turn, bool, error) {
	turns, err := s.History(ctx, sessionID)
	if err != nil {
		return Turn{}, false, err
	}
	t, ok := lastAssistant(turns)
	return t, ok, nil
}

func (s *RedisStore) Evict(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.turnsKey(sessionID), s.markerKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("evict session: %w", err)
	}
	return nil
}

// Exists reports whether a session record is present.
func (s *RedisStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.markerKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
