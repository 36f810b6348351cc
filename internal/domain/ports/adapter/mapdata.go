package adapter

import (
	"context"

	"citymap-poster-service/internal/domain/model"
)

// MapLayer identifies one feature layer of a fetch, reported through the
// progress callback as each layer completes.
type MapLayer string

const (
	LayerStreets MapLayer = "streets"
	LayerWater   MapLayer = "water"
	LayerParks   MapLayer = "parks"
)

// MapDataFetcher downloads the geographic feature bundle for one location.
// It is invoked exactly once per batch; the returned bundle is treated as
// immutable by every consumer.
type MapDataFetcher interface {
	FetchMapData(ctx context.Context, center model.Point, radiusM int, onLayer func(MapLayer)) (*model.MapData, error)
}
