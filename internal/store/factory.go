package store

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and configures the durable backend.
type Config struct {
	Backend     string
	DatabaseURL string
	RedisURL    string
}

// NewStore creates the configured backend. In auto mode postgres wins over redis,
// and in-memory is used when neither is configured.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "auto":
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			return NewPostgresStore(ctx, cfg.DatabaseURL)
		}
		if strings.TrimSpace(cfg.RedisURL) != "" {
			return NewRedisStore(ctx, cfg.RedisURL)
		}
		return NewInMemoryStore(), nil
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "redis":
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return nil, fmt.Errorf("REDIS_URL is required for the redis store")
		}
		return NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}
