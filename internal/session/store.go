package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errx "github.com/watssabi-collector/server/internal/core/error"
	logx "github.com/watssabi-collector/server/pkg/logger"
)

// Store is the durable session tier keyed by conversation identity.
type Store interface {
	// Get loads the live session for the identity. Absence carries the
	// errx.ErrNotFound kind.
	Get(ctx context.Context, conversationID string) (*Session, error)

	// Put persists the session and refreshes its TTL.
	Put(ctx context.Context, s *Session) error

	// Delete removes the session after finalisation.
	Delete(ctx context.Context, conversationID string) error
}

type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (r *RedisStore) sessionKey(conversationID string) string {
	return fmt.Sprintf("session:%s", conversationID)
}

func (r *RedisStore) Get(ctx context.Context, conversationID string) (*Session, error) {
	key := r.sessionKey(conversationID)

	raw, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logx.Error().Err(err).Str("key", key).Msg("failed to load session from redis")
		}
		return nil, errx.WrapRedis(err)
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		logx.Error().Err(err).Str("conversationID", conversationID).Msg("failed to unmarshal session")
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Put(ctx context.Context, s *Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		logx.Error().Err(err).Str("conversationID", s.ConversationID).Msg("failed to marshal session")
		return fmt.Errorf("marshal session: %w", err)
	}
	key := r.sessionKey(s.ConversationID)

	// SET with TTL in one call so the expiry is refreshed on every touch.
	if err := r.rdb.Set(ctx, key, b, r.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to write session to redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, conversationID string) error {
	key := r.sessionKey(conversationID)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete session from redis")
		return errx.WrapRedis(err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
