package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client *redis.Client
	cfg    storeConfig
}

var _ DurableStore = (*redisStore)(nil)

// NewRedisStore returns a DurableStore backed by Redis. Records are plain
// string values with native expiry set from the entry's expiresAt. The caller
// owns the redis.Client lifecycle; Close only clears the keyspace when
// WithClearOnClose is given.
func NewRedisStore(client *redis.Client, opts ...StoreOption) DurableStore {
	return &redisStore{client: client, cfg: applyStoreOptions(opts)}
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *redisStore) prefixKey(key string) string {
	if s.cfg.prefix == "" {
		return key
	}
	return s.cfg.prefix + ":" + key
}

func (s *redisStore) pattern() string {
	if s.cfg.prefix == "" {
		return "*"
	}
	return s.cfg.prefix + ":*"
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	data, err := s.client.Get(qctx, s.prefixKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "cache: redis get")
	}
	return data, true, nil
}

func (s *redisStore) Put(ctx context.Context, key string, data []byte, expiresAt time.Time) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	// Expiry is also enforced lazily by the service; native expiry only reclaims space.
	ttl := time.Until(expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return errors.Wrap(s.client.Set(qctx, s.prefixKey(key), data, ttl).Err(), "cache: redis put")
}

func (s *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := s.client.Del(qctx, s.prefixKey(key)).Result()
	if err != nil {
		return false, errors.Wrap(err, "cache: redis delete")
	}
	return n > 0, nil
}

func (s *redisStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.pattern(), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, errors.Wrap(iter.Err(), "cache: redis scan")
}

func (s *redisStore) Clear(ctx context.Context) (int, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	keys, err := s.scanKeys(qctx)
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	n, err := s.client.Del(qctx, keys...).Result()
	if err != nil {
		return 0, errors.Wrap(err, "cache: redis clear")
	}
	return int(n), nil
}

func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	keys, err := s.scanKeys(qctx)
	if err != nil {
		return nil, err
	}
	if s.cfg.prefix != "" {
		for i, k := range keys {
			keys[i] = strings.TrimPrefix(k, s.cfg.prefix+":")
		}
	}
	return keys, nil
}

func (s *redisStore) Close() error {
	if s.cfg.clearOnClose {
		_, err := s.Clear(context.Background())
		return err
	}
	return nil
}
