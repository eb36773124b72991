// Package ratelimit throttles API-key traffic per wallet, not per key: a
// wallet holding ten keys shares one budget. Counters are one-minute buckets
// in Redis with atomic increment-and-expire. When the backend is down the
// limiter reports an error and callers reject the request; an unreachable
// counter must never admit unmetered traffic.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fusevault/fusevault/params"
)

// ErrUnavailable is returned when the counter store cannot be reached.
var ErrUnavailable = errors.New("ratelimit: counter store unavailable")

// Limiter counts requests per wallet per minute bucket.
type Limiter struct {
	rdb   *redis.Client
	limit int64
	log   *zap.Logger

	// now is swappable for bucket-rollover tests.
	now func() time.Time
}

// New builds a limiter over an existing Redis client. limit <= 0 uses the
// default per-minute budget.
func New(rdb *redis.Client, limit int, log *zap.Logger) *Limiter {
	if limit <= 0 {
		limit = params.DefaultRateLimitPerMinute
	}
	return &Limiter{rdb: rdb, limit: int64(limit), log: log, now: time.Now}
}

// Limit returns the configured per-minute budget.
func (l *Limiter) Limit() int { return int(l.limit) }

func (l *Limiter) bucketKey(wallet string) string {
	return fmt.Sprintf("ratelimit:%s:%d",
		strings.ToLower(strings.TrimSpace(wallet)), l.now().Unix()/60)
}

// Allow consumes one unit of the wallet's budget. ok=false means the bucket
// is exhausted. A non-nil error means the backend is unreachable and the
// caller must reject (fail closed).
func (l *Limiter) Allow(ctx context.Context, wallet string) (bool, error) {
	key := l.bucketKey(wallet)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, params.RateLimitBucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	count := incr.Val()
	if count > l.limit {
		l.log.Warn("rate limit exceeded",
			zap.String("wallet", strings.ToLower(wallet)), zap.Int64("count", count))
		return false, nil
	}
	return true, nil
}

// Remaining reports the wallet's unused budget in the current bucket.
func (l *Limiter) Remaining(ctx context.Context, wallet string) (int64, error) {
	count, err := l.rdb.Get(ctx, l.bucketKey(wallet)).Int64()
	if errors.Is(err, redis.Nil) {
		return l.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count >= l.limit {
		return 0, nil
	}
	return l.limit - count, nil
}
