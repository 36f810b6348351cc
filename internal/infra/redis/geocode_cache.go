package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
)

// GeocodeCache memoizes resolved locations. Coordinates are effectively
// static, so entries live for weeks (TTL from config).
type GeocodeCache struct {
	client RedisClient
	ttl    time.Duration
}

func NewGeocodeCache(client RedisClient, ttl time.Duration) *GeocodeCache {
	return &GeocodeCache{client: client, ttl: ttl}
}

// Key normalizes a location to its cache key: lowercased, trimmed.
func Key(city, country string) string {
	return "geocode:" + strings.ToLower(strings.TrimSpace(city)) + ":" + strings.ToLower(strings.TrimSpace(country))
}

func (c *GeocodeCache) Get(ctx context.Context, city, country string) (*model.GeocodeResult, error) {
	data, err := c.client.Get(ctx, Key(city, country))
	if err != nil {
		if IsNil(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var res model.GeocodeResult
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, err
	}
	res.Cached = true
	return &res, nil
}

func (c *GeocodeCache) Store(ctx context.Context, res *model.GeocodeResult) error {
	cp := *res
	cp.Cached = false
	cp.CachedAt = time.Now().UTC()
	data, err := json.Marshal(&cp)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, Key(res.City, res.Country), data, c.ttl)
}
