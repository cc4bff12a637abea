package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/anonyconnect/internal/apperr"
)

const (
	// KeyPrefix is the Redis key prefix for user profile hashes.
	KeyPrefix = "user:"

	// TTL is how long an untouched profile survives.
	TTL = 24 * time.Hour
)

// record is the Redis hash layout of a Session.
type record struct {
	ID          string `redis:"id"`
	DisplayName string `redis:"display_name"`
	Interests   string `redis:"interests"` // comma-separated
	Online      bool   `redis:"online"`
	Searching   bool   `redis:"searching"`
	CreatedAt   int64  `redis:"created_at"` // unix millis
	UpdatedAt   int64  `redis:"updated_at"` // unix millis
}

// RedisStore keeps sessions in Redis hashes.
type RedisStore struct {
	client    *redis.Client
	setFlag   *redis.Script
	setOnline *redis.Script
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:    client,
		setFlag:   redis.NewScript(setFlagLua),
		setOnline: redis.NewScript(setOnlineLua),
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Get(ctx context.Context, userID string) (*Session, error) {
	var rec record
	if err := s.client.HGetAll(ctx, KeyPrefix+userID).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", userID, err)
	}
	if rec.ID == "" {
		return nil, apperr.Newf(apperr.CodeNotFound, "user %s not found", userID)
	}

	var interests []string
	if rec.Interests != "" {
		interests = strings.Split(rec.Interests, ",")
	}
	return &Session{
		ID:          rec.ID,
		DisplayName: rec.DisplayName,
		Interests:   interests,
		Online:      rec.Online,
		Searching:   rec.Searching,
		CreatedAt:   time.UnixMilli(rec.CreatedAt),
		UpdatedAt:   time.UnixMilli(rec.UpdatedAt),
	}, nil
}

func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	key := KeyPrefix + sess.ID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":           sess.ID,
		"display_name": sess.DisplayName,
		"interests":    strings.Join(sess.Interests, ","),
		"online":       sess.Online,
		"searching":    sess.Searching,
		"created_at":   sess.CreatedAt.UnixMilli(),
		"updated_at":   sess.UpdatedAt.UnixMilli(),
	})
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: save %s: %w", sess.ID, err)
	}
	return nil
}

func (s *RedisStore) SetOnline(ctx context.Context, userID string, online bool) error {
	n, err := s.setOnline.Run(ctx, s.client, []string{KeyPrefix + userID},
		boolArg(online), time.Now().UnixMilli(), int(TTL.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("session: set online %s: %w", userID, err)
	}
	if n == 0 {
		return apperr.Newf(apperr.CodeNotFound, "user %s not found", userID)
	}
	return nil
}

func (s *RedisStore) SetSearching(ctx context.Context, userID string, searching bool) error {
	n, err := s.setFlag.Run(ctx, s.client, []string{KeyPrefix + userID},
		"searching", boolArg(searching), time.Now().UnixMilli(), int(TTL.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("session: set searching %s: %w", userID, err)
	}
	if n == 0 {
		return apperr.Newf(apperr.CodeNotFound, "user %s not found", userID)
	}
	return nil
}

// Delete removes a profile.
func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, KeyPrefix+userID).Err()
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// setFlagLua updates one field of an existing profile and refreshes its TTL.
// Returns 0 when the profile does not exist so a stray update never creates
// a partial hash.
const setFlagLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], 'updated_at', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`

// setOnlineLua is setFlagLua for the online flag; going offline also clears
// the searching flag.
const setOnlineLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'online', ARGV[1], 'updated_at', ARGV[2])
if ARGV[1] == '0' then
    redis.call('HSET', KEYS[1], 'searching', '0')
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`
