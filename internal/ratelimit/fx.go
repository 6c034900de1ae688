package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tontine/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLocker),
	fx.Provide(NewIntakeLimiter),
)

// NewRedisClient builds the shared redis client. Redis is optional; every
// consumer degrades (limiter off, sweep unlocked, rate cache in-process)
// when the client is nil.
func NewRedisClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
