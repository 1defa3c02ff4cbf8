package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/watssabi-collector/server/internal/core/error"
)

func setupStore(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisStore(client, ttl)
}

func TestStorePutGetRoundTrip(t *testing.T) {
	_, store := setupStore(t, time.Hour)
	ctx := context.Background()

	s := New("whatsapp:+15550001", "")
	s.SetField("full_name", "Ada")
	s.AppendTurn(RoleUser, "hello", 10)
	s.Apply("e1", 8)
	s.LastReply = "What is your name?"

	require.NoError(t, store.Put(ctx, s))

	got, err := store.Get(ctx, "whatsapp:+15550001")
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, got.State)
	assert.Equal(t, "e1", got.LastEventID)
	assert.Equal(t, "What is your name?", got.LastReply)
	require.Len(t, got.Fields, 1)
	assert.Equal(t, "Ada", got.Fields[0].Value)
	require.Len(t, got.Turns, 1)
}

func TestStoreGetAbsentCarriesNotFoundKind(t *testing.T) {
	_, store := setupStore(t, time.Hour)

	_, err := store.Get(context.Background(), "whatsapp:+nobody")
	require.Error(t, err)
	assert.True(t, errx.IsNotFound(err))
}

func TestStoreDelete(t *testing.T) {
	_, store := setupStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, New("whatsapp:+15550001", "")))
	require.NoError(t, store.Delete(ctx, "whatsapp:+15550001"))

	_, err := store.Get(ctx, "whatsapp:+15550001")
	assert.True(t, errx.IsNotFound(err))
}

// An untouched session past its TTL becomes absent with no side effect:
// the passive abandonment transition.
func TestStoreTTLAbandonment(t *testing.T) {
	mr, store := setupStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, New("whatsapp:+15550001", "")))
	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "whatsapp:+15550001")
	assert.True(t, errx.IsNotFound(err))
}

func TestStorePutRefreshesTTLOnTouch(t *testing.T) {
	mr, store := setupStore(t, time.Minute)
	ctx := context.Background()

	s := New("whatsapp:+15550001", "")
	require.NoError(t, store.Put(ctx, s))
	mr.FastForward(45 * time.Second)

	// Touch within the TTL and make sure the deadline moved.
	require.NoError(t, store.Put(ctx, s))
	mr.FastForward(45 * time.Second)

	_, err := store.Get(ctx, "whatsapp:+15550001")
	require.NoError(t, err)
}
