package adapter

import (
	"context"

	"citymap-poster-service/internal/domain/model"
)

// Geocoder resolves a city+country pair to coordinates. Implementations
// return domain.ErrLocationNotFound when the upstream finds no match and
// classify transport failures as transient.
type Geocoder interface {
	Geocode(ctx context.Context, city, country string) (*model.GeocodeResult, error)
}
