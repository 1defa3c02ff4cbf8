package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	errx "github.com/watssabi-collector/server/internal/core/error"
	logx "github.com/watssabi-collector/server/pkg/logger"
)

// Locker serializes event handling per conversation identity. Events for
// different identities proceed in parallel; two events for the same identity
// never interleave.
type Locker interface {
	// Acquire blocks until the identity's lock is held or ctx expires. The
	// returned release function must be called after the session write.
	Acquire(ctx context.Context, conversationID string) (release func(context.Context), err error)
}

// releaseScript deletes the lock key only when the stored token matches, so
// a holder whose lock already expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb       redis.Cmdable
	ttl       time.Duration
	pollEvery time.Duration
}

func NewRedisLocker(rdb redis.Cmdable, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl, pollEvery: 50 * time.Millisecond}
}

func (l *RedisLocker) lockKey(conversationID string) string {
	return fmt.Sprintf("lock:%s", conversationID)
}

func (l *RedisLocker) Acquire(ctx context.Context, conversationID string) (func(context.Context), error) {
	key := l.lockKey(conversationID)
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			logx.Error().Err(err).Str("key", key).Msg("failed to acquire conversation lock")
			return nil, errx.WrapRedis(err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, errx.Persistence(fmt.Errorf("acquire lock %s: %w", key, ctx.Err()))
		case <-time.After(l.pollEvery):
		}
	}

	release := func(rctx context.Context) {
		if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil && err != redis.Nil {
			logx.Warn().Err(err).Str("key", key).Msg("failed to release conversation lock")
		}
	}
	return release, nil
}

var _ Locker = (*RedisLocker)(nil)
