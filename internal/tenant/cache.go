package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/allegro/bigcache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vnmchuo/inference-dispatch/internal/telemetry"
)

// NewLocalCache builds the in-process tier of the tenant cache.
func NewLocalCache(ttl time.Duration) (*bigcache.BigCache, error) {
	return bigcache.NewBigCache(bigcache.Config{
		// number of shards (must be a power of 2)
		Shards:      16,
		LifeWindow:  ttl,
		CleanWindow: time.Minute,
		// value in MB
		HardMaxCacheSize: 32,
		MaxEntrySize:     512,
	})
}

// CachedStore is a read-through Store: in-process cache, then Redis, then the
// backing store. Misses are never cached, so a newly provisioned tenant is
// visible on its first request.
type CachedStore struct {
	next   Store
	local  *bigcache.BigCache
	redis  redis.Cmdable
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedStore wraps next. local may be nil to skip the in-process tier.
func NewCachedStore(next Store, local *bigcache.BigCache, rdb redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *CachedStore {
	return &CachedStore{
		next:   next,
		local:  local,
		redis:  rdb,
		ttl:    ttl,
		logger: logger.With().Str("name", "tenant_cache").Logger(),
	}
}

func cacheKey(key Key) string {
	return "tenant:" + key.String()
}

func (s *CachedStore) Lookup(ctx context.Context, key Key) (*Tenant, error) {
	k := cacheKey(key)

	if s.local != nil {
		if data, err := s.local.Get(k); err == nil {
			var t Tenant
			if err := t.UnmarshalBinary(data); err == nil {
				telemetry.TenantLookups.WithLabelValues("local").Inc()
				return &t, nil
			}
		}
	}

	data, err := s.redis.Get(ctx, k).Bytes()
	if err == nil {
		var t Tenant
		if err := t.UnmarshalBinary(data); err == nil {
			s.setLocal(k, data)
			telemetry.TenantLookups.WithLabelValues("redis").Inc()
			return &t, nil
		}
		s.logger.Warn().Str("key", k).Msg("dropping undecodable cache entry")
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Msg("redis lookup failed, falling back to store")
	}

	t, err := s.next.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	telemetry.TenantLookups.WithLabelValues("store").Inc()

	data, err = t.MarshalBinary()
	if err != nil {
		return t, nil
	}
	if err := s.redis.Set(ctx, k, data, s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache tenant")
	}
	s.setLocal(k, data)
	return t, nil
}

func (s *CachedStore) setLocal(k string, data []byte) {
	if s.local == nil {
		return
	}
	if err := s.local.Set(k, data); err != nil {
		s.logger.Debug().Err(err).Msg("local cache set failed")
	}
}
