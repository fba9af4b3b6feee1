package ratelimit

import (
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
)

// RedisClient wraps the optional Redis connection. Client is nil when no
// address is configured, and consumers degrade gracefully.
type RedisClient struct {
	Client *redis.Client
}

func NewRedisClient(cfg config.Config) *RedisClient {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return &RedisClient{}
	}
	return &RedisClient{
		Client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: strings.TrimSpace(cfg.RedisPassword),
			DB:       cfg.RedisDB,
		}),
	}
}

func NewSweepLocker(client *RedisClient) *Locker {
	if client == nil {
		return nil
	}
	return NewLocker(client.Client)
}

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewDrawLimiter),
	fx.Provide(NewSweepLocker),
)
