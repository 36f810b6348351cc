package model

import "time"

// GeocodeResult is a resolved location. Cached reports whether the result
// came from the cache rather than the upstream collaborator.
type GeocodeResult struct {
	City        string    `json:"city"`
	Country     string    `json:"country"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	DisplayName string    `json:"display_name"`
	Cached      bool      `json:"cached"`
	CachedAt    time.Time `json:"cached_at,omitempty"`
}
