package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tontine/internal/config"
)

const (
	keyIntakeGroup   = "tontine:intake:group:%s"
	keyIntakeDevice  = "tontine:intake:device:%s"
	keySessionDevice = "tontine:sessions:device:%s"
)

// IntakeLimiter throttles the public write surface: contribution intake per
// group and per device, and session creation per device. Limits apply only
// when redis is configured; the engine's own idempotency keys make a burst
// of duplicates harmless, so the limiter is protection, not correctness.
type IntakeLimiter struct {
	enabled bool
	bucket  *TokenBucket

	groupRate    float64
	groupBurst   int
	deviceRate   float64
	deviceBurst  int
	sessionRate  float64
	sessionBurst int
}

func NewIntakeLimiter(cfg config.Config, client *redis.Client) *IntakeLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil {
		return nil
	}

	return &IntakeLimiter{
		enabled:      true,
		bucket:       NewTokenBucket(client),
		groupRate:    limitCfg.IntakeGroupRate,
		groupBurst:   limitCfg.IntakeGroupBurst,
		deviceRate:   limitCfg.IntakeDeviceRate,
		deviceBurst:  limitCfg.IntakeDeviceBurst,
		sessionRate:  limitCfg.SessionDeviceRate,
		sessionBurst: limitCfg.SessionDeviceBurst,
	}
}

func (l *IntakeLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *IntakeLimiter) AllowGroup(ctx context.Context, groupID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyIntakeGroup, strings.TrimSpace(groupID)), l.groupRate, l.groupBurst)
}

func (l *IntakeLimiter) AllowDevice(ctx context.Context, deviceID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyIntakeDevice, strings.TrimSpace(deviceID)), l.deviceRate, l.deviceBurst)
}

// AllowSession throttles session creation, which is the closest thing this
// surface has to a login endpoint.
func (l *IntakeLimiter) AllowSession(ctx context.Context, deviceID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keySessionDevice, strings.TrimSpace(deviceID)), l.sessionRate, l.sessionBurst)
}
