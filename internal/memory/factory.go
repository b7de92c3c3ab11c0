package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend     string
	DatabaseURL string
	Redis       RedisConfig
	TTL         time.Duration
	MaxSessions int
}

// NewStore builds the configured backend. An empty backend picks postgres when
// DatabaseURL is set and in-memory otherwise.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" {
		backend = "memory"
		if strings.TrimSpace(opts.DatabaseURL) != "" {
			backend = "postgres"
		}
	}

	switch backend {
	case "memory":
		return NewInMemoryStore(opts.MaxSessions, opts.TTL), nil
	case "postgres":
		if strings.TrimSpace(opts.DatabaseURL) == "" {
			return nil, fmt.Errorf("memory backend postgres requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, opts.DatabaseURL)
	case "redis":
		cfg := opts.Redis
		if cfg.TTL == 0 {
			cfg.TTL = opts.TTL
		}
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("memory backend redis requires REDIS_ADDR")
		}
		return NewRedisStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", opts.Backend)
	}
}
