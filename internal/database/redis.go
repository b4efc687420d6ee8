package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/medisync/identity/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects the ephemeral keyed store used for rate-limit
// counters, QR pending-login records, and pub/sub push.
func NewRedisClient(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}

	logger.Info("redis connection established", slog.String("addr", cfg.Addr))
	return client, nil
}
