package redis

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter is a fixed-window counter. The first INCR of a window arms the
// expiry; the window resets automatically at the boundary.
type RateLimiter struct {
	client RedisClient
}

func NewRateLimiter(client RedisClient) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow consumes one slot of the window identified by key. When the window
// is exhausted it returns false and the remaining window duration, which
// callers surface as a retry-after hint.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	count, err := r.client.Incr(ctx, key)
	if err != nil {
		return false, 0, err
	}

	if count == 1 {
		if err := r.client.Expire(ctx, key, window); err != nil {
			return false, 0, err
		}
	}

	if count > int64(limit) {
		retryAfter, err := r.client.TTL(ctx, key)
		if err != nil || retryAfter <= 0 {
			retryAfter = window
		}
		return false, retryAfter, nil
	}

	return true, 0, nil
}

// GeocodeScopeKey namespaces the geocoding quota per limiting scope.
func GeocodeScopeKey(scope string) string {
	return fmt.Sprintf("geocode:rate_limit:%s", scope)
}
