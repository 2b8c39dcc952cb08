package cache

import (
	"context"
	"time"
)

// GetAs retrieves a typed value. Live values are type-asserted directly;
// serialized or encoded values are decoded into T. A value that cannot be
// converted to T is a miss.
func GetAs[T any](ctx context.Context, s *Service, key string, t Tier, opts ...GetOption) (T, bool) {
	var zero T
	e, store, ok := s.lookup(ctx, key, t)
	if !ok {
		return zero, false
	}
	var out T
	if typed, ok := e.Payload.(T); ok && !e.Encoded && e.format == formatValue {
		out = typed
	} else if err := e.decodeInto(&out); err != nil {
		s.stats.codecFailures.Add(1)
		s.stats.misses.Add(1)
		s.logger.Warn("decode of %s/%s into %T failed, treating as miss: %s", tierName(t), key, zero, err)
		return zero, false
	}
	s.stats.hits.Add(1)
	s.checkRefresh(ctx, store, tierName(t), e, out, opts)
	return out, true
}

// SetAs is the typed counterpart of Service.Set.
func SetAs[T any](ctx context.Context, s *Service, key string, value T, ttl time.Duration, t Tier, opts ...SetOption) error {
	return s.Set(ctx, key, value, ttl, t, opts...)
}
