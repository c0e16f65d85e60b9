package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultKeyPrefix   = "trip:session:"
	maxUpdateRetries   = 5
	defaultRedisTTL    = time.Hour
	redisExpiryGrace   = 24 * time.Hour
	redisScanBatchSize = 100
)

// keyTTL outlives the idle timeout by a grace period, so an idle session is
// still loaded and reported as expired before Redis evicts it.
func keyTTL(idle time.Duration) time.Duration {
	if idle <= 0 {
		idle = defaultRedisTTL
	}
	return idle + redisExpiryGrace
}

// RedisStore keeps each session as one JSON document whose TTL is refreshed
// on every write.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore connects to redisURL and checks the connection. idle is the
// session timeout; keys live a grace period longer.
func NewRedisStore(ctx context.Context, redisURL string, idle time.Duration) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required for the redis session store")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := keyTTL(idle)
	log.Info().Str("addr", opts.Addr).Dur("ttl", ttl).Msg("🔗 Connected to Redis session store")
	return &RedisStore{client: client, ttl: ttl, prefix: defaultKeyPrefix}, nil
}

// WithPrefix returns a store that namespaces its keys under prefix.
func (r *RedisStore) WithPrefix(prefix string) *RedisStore {
	c := *r
	c.prefix = prefix
	return &c
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	return r.load(ctx, r.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) load(ctx context.Context, c getter, id string) (*Session, error) {
	data, err := c.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var s Session
	if err := sonic.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	data, err := sonic.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(s.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	data, err := sonic.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Update runs fn inside an optimistic WATCH transaction and retries when a
// concurrent writer touched the key.
func (r *RedisStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	key := r.key(id)
	var updated *Session

	txf := func(tx *redis.Tx) error {
		s, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		data, err := sonic.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		if err == nil {
			updated = s
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Str("session_id", id).Int("retry", i+1).Msg("Session update conflicted, retrying")
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("session %s: update conflicted %d times", id, maxUpdateRetries)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]*Session, error) {
	var out []*Session
	iter := r.client.Scan(ctx, 0, r.prefix+"*", redisScanBatchSize).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(r.prefix):]
		s, err := r.Load(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return out, nil
}

// TTL reports the remaining lifetime of a stored session.
func (r *RedisStore) TTL(ctx context.Context, id string) (time.Duration, error) {
	return r.client.TTL(ctx, r.key(id)).Result()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
