package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "neustream:session:"
	streamKeyPrefix  = "neustream:session:key:"
	userSetPrefix    = "neustream:session:user:"

	redisOpTimeout = 3 * time.Second
)

// unbindKeyScript deletes a stream-key binding only while it still points at
// the session being dropped. A newer session may have rebound the key; its
// binding must survive the old session's revocation.
var unbindKeyScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig describes a Redis-backed session store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
}

// RedisStore persists sessions in Redis so multiple ingest nodes share one
// pre-authorization view. Expiry is delegated to Redis TTLs; Sweep is a no-op.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client, now: time.Now}, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Create stores the session document, binds each stream key to the session
// ID, and adds the ID to the user's session set, all under the session TTL.
func (s *RedisStore) Create(userID string, keys map[string]KeyGrant, ttl time.Duration) (Session, error) {
	if userID == "" {
		return Session{}, ErrInvalidUser
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := s.now()
	sess := Session{
		ID:        newSessionID(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Keys:      cloneGrants(keys),
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return Session{}, fmt.Errorf("encode session: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+sess.ID, payload, ttl)
	for key := range sess.Keys {
		pipe.Set(ctx, streamKeyPrefix+key, sess.ID, ttl)
	}
	pipe.SAdd(ctx, userSetPrefix+userID, sess.ID)
	pipe.Expire(ctx, userSetPrefix+userID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

// Get returns the session with the given ID if present and unexpired.
func (s *RedisStore) Get(id string) (Session, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return s.fetch(ctx, id)
}

// GetByStreamKey resolves the live session covering the given stream key.
func (s *RedisStore) GetByStreamKey(streamKey string) (Session, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	id, err := s.client.Get(ctx, streamKeyPrefix+streamKey).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("resolve stream key: %w", err)
	}
	return s.fetch(ctx, id)
}

// ListByUser returns the user's live sessions.
func (s *RedisStore) ListByUser(userID string) ([]Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	ids, err := s.client.SMembers(ctx, userSetPrefix+userID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []Session
	var stale []any
	for _, id := range ids {
		sess, ok, err := s.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			stale = append(stale, id)
			continue
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, userSetPrefix+userID, stale...).Err()
	}
	return out, nil
}

// Revoke removes a single session and its key bindings.
func (s *RedisStore) Revoke(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	sess, ok, err := s.fetch(ctx, id)
	if err != nil || !ok {
		return err
	}
	return s.drop(ctx, sess)
}

// RevokeUser removes every live session belonging to the user.
func (s *RedisStore) RevokeUser(userID string) (int, error) {
	sessions, err := s.ListByUser(userID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	count := 0
	for _, sess := range sessions {
		if err := s.drop(ctx, sess); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Sweep is a no-op: Redis TTLs expire sessions and their indexes directly.
func (s *RedisStore) Sweep(time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) fetch(ctx context.Context, id string) (Session, bool, error) {
	payload, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	if !sess.Valid(s.now()) {
		return Session{}, false, nil
	}
	return sess, true, nil
}

func (s *RedisStore) drop(ctx context.Context, sess Session) error {
	for key := range sess.Keys {
		if err := unbindKeyScript.Run(ctx, s.client, []string{streamKeyPrefix + key}, sess.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("unbind stream key: %w", err)
		}
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+sess.ID)
	pipe.SRem(ctx, userSetPrefix+sess.UserID, sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}
