package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/anonyconnect/internal/apperr"
)

// newTestStore connects to a local Redis (DB 15). It skips when Redis is
// unreachable.
func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	s := NewRedisStore(client)
	t.Cleanup(func() {
		_ = s.Delete(ctx, "test_user")
		client.Close()
	})
	_ = s.Delete(ctx, "test_user")
	return s
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.Save(ctx, &Session{
		ID:          "test_user",
		DisplayName: "anon",
		Interests:   []string{"music", "go"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	got, err := s.Get(ctx, "test_user")
	require.NoError(t, err)
	assert.Equal(t, "anon", got.DisplayName)
	assert.Equal(t, []string{"music", "go"}, got.Interests)
	assert.False(t, got.Online)
	assert.True(t, now.Equal(got.CreatedAt))

	ttl, err := s.client.TTL(ctx, KeyPrefix+"test_user").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisStoreFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &Session{ID: "test_user", DisplayName: "anon"}))

	require.NoError(t, s.SetOnline(ctx, "test_user", true))
	require.NoError(t, s.SetSearching(ctx, "test_user", true))
	got, err := s.Get(ctx, "test_user")
	require.NoError(t, err)
	assert.True(t, got.Online)
	assert.True(t, got.Searching)

	// Going offline clears searching.
	require.NoError(t, s.SetOnline(ctx, "test_user", false))
	got, err = s.Get(ctx, "test_user")
	require.NoError(t, err)
	assert.False(t, got.Online)
	assert.False(t, got.Searching)
}

func TestRedisStoreUnknownUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "test_missing")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	err = s.SetOnline(ctx, "test_missing", true)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	// Flag updates never create a profile.
	exists, err := s.client.Exists(ctx, KeyPrefix+"test_missing").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
