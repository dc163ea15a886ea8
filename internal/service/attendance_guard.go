package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	redisclient "github.com/rollcall/ble-attendance/internal/redis"
)

// AttendanceGuard rejects repeat submissions from one member for one session
// inside a short window, ahead of the database uniqueness constraint.
type AttendanceGuard interface {
	// Acquire returns false when the member already submitted within window.
	Acquire(ctx context.Context, sessionID, memberID string, window time.Duration) (bool, error)
	Release(ctx context.Context, sessionID, memberID string) error
}

type RedisAttendanceGuard struct {
	client *redis.Client
}

func NewRedisAttendanceGuard(client *redis.Client) *RedisAttendanceGuard {
	return &RedisAttendanceGuard{client: client}
}

func (g *RedisAttendanceGuard) Acquire(ctx context.Context, sessionID, memberID string, window time.Duration) (bool, error) {
	key := redisclient.AttendanceGuardKey(sessionID, memberID)
	return g.client.SetNX(ctx, key, time.Now().Unix(), window).Result()
}

func (g *RedisAttendanceGuard) Release(ctx context.Context, sessionID, memberID string) error {
	return g.client.Del(ctx, redisclient.AttendanceGuardKey(sessionID, memberID)).Err()
}
