package geo

import (
	"context"
	"errors"
	"time"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/domain/ports/adapter"
	"citymap-poster-service/internal/infra/metrics"
	red "citymap-poster-service/internal/infra/redis"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Resolver fronts the external geocoding collaborator with a cache, a
// fixed-window rate limiter and in-flight coalescing: concurrent lookups of
// the same normalized key share one upstream call instead of each spending a
// quota slot.
type Resolver struct {
	upstream adapter.Geocoder
	cache    *red.GeocodeCache
	limiter  *red.RateLimiter

	window time.Duration
	limit  int
	scope  string

	group singleflight.Group
	log   *zerolog.Logger
}

func NewResolver(
	upstream adapter.Geocoder,
	cache *red.GeocodeCache,
	limiter *red.RateLimiter,
	window time.Duration,
	limit int,
	logger *zerolog.Logger,
) *Resolver {
	l := logger.With().Str("component", "GeocodeResolver").Logger()
	return &Resolver{
		upstream: upstream,
		cache:    cache,
		limiter:  limiter,
		window:   window,
		limit:    limit,
		scope:    "global",
		log:      &l,
	}
}

// Resolve returns coordinates for city+country. Cache hits are flagged and
// never touch the limiter. On a miss the rate limiter is consulted before
// the upstream call; exhausted quota fails with domain.RateLimitError.
func (r *Resolver) Resolve(ctx context.Context, city, country string) (*model.GeocodeResult, error) {
	if cached, err := r.cache.Get(ctx, city, country); err == nil {
		metrics.IncGeocode("cache", "hit")
		r.log.Debug().Str("city", city).Str("country", country).Msg("geocode cache hit")
		return cached, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		// Cache trouble is not fatal; fall through to the upstream path.
		r.log.Warn().Err(err).Msg("geocode cache read failed")
	}

	v, err, _ := r.group.Do(red.Key(city, country), func() (interface{}, error) {
		// Re-check under the flight lock: a sibling may have just filled it.
		if cached, err := r.cache.Get(ctx, city, country); err == nil {
			return cached, nil
		}

		ok, retryAfter, err := r.limiter.Allow(ctx, red.GeocodeScopeKey(r.scope), r.limit, r.window)
		if err != nil {
			r.log.Warn().Err(err).Msg("rate limit check failed, allowing request")
		} else if !ok {
			metrics.IncGeocodeRateLimited()
			return nil, &domain.RateLimitError{RetryAfter: retryAfter}
		}

		res, err := r.upstream.Geocode(ctx, city, country)
		if err != nil {
			if errors.Is(err, domain.ErrLocationNotFound) {
				metrics.IncGeocode("upstream", "not_found")
				return nil, err
			}
			metrics.IncGeocode("upstream", "error")
			return nil, domain.Classify(domain.ErrKindTransport, err)
		}
		metrics.IncGeocode("upstream", "ok")

		if err := r.cache.Store(ctx, res); err != nil {
			r.log.Warn().Err(err).Msg("failed to cache geocode result")
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.GeocodeResult), nil
}
