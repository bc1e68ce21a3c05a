package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

const keyPrefix = "ratelimit:tenant:"

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter. Counters
// live in Redis so every dispatcher instance shares them.
type Limiter struct {
	store  extratelimit.Limiter
	window time.Duration
}

func NewLimiter(rdb *redis.Client, limit int64, window time.Duration) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(limit)),
		extratelimit.WithWindow(window),
	)
	return &Limiter{store: store, window: window}
}

func NewTestLimiter(store extratelimit.Limiter, window time.Duration) *Limiter {
	return &Limiter{store: store, window: window}
}

// Key is the counter key for a quota subject such as "sandbox:acme".
func Key(subject string) string {
	return keyPrefix + subject
}

// Allow consumes cost units from subject's budget.
func (l *Limiter) Allow(ctx context.Context, subject string, cost int) (bool, error) {
	if cost < 1 {
		cost = 1
	}
	res, err := l.store.AllowN(ctx, Key(subject), cost)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, subject string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, Key(subject))
}

// Window is the rolling window the limit applies to.
func (l *Limiter) Window() time.Duration {
	return l.window
}
