package osm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"citymap-poster-service/internal/config"
	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/domain/ports/adapter"
)

var _ adapter.MapDataFetcher = (*OverpassClient)(nil)

// OverpassClient downloads street, water and park geometry around a center
// point. The three layers are fetched sequentially so the progress callback
// fires in a stable order.
type OverpassClient struct {
	endpoint string
	http     *http.Client
	log      *zerolog.Logger
}

func NewOverpassClient(cfg config.MapDataConfig, logger *zerolog.Logger) *OverpassClient {
	osmLog := logger.With().Str("component", "OverpassClient").Logger()
	return &OverpassClient{
		endpoint: cfg.BaseURL,
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      &osmLog,
	}
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type     string            `json:"type"`
	Tags     map[string]string `json:"tags"`
	Geometry []overpassCoord   `json:"geometry"`
}

type overpassCoord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c *OverpassClient) FetchMapData(ctx context.Context, center model.Point, radiusM int, onLayer func(adapter.MapLayer)) (*model.MapData, error) {
	data := &model.MapData{Center: center, RadiusM: radiusM}
	around := fmt.Sprintf("around:%d,%f,%f", radiusM, center.Lat, center.Lon)

	streets, err := c.query(ctx, fmt.Sprintf(`
[out:json][timeout:90];
way[highway~"^(motorway|trunk|primary|secondary|tertiary|residential|unclassified|living_street)$"](%s);
out geom;`, around))
	if err != nil {
		return nil, err
	}
	for _, el := range streets.Elements {
		if len(el.Geometry) < 2 {
			continue
		}
		data.Streets = append(data.Streets, model.Street{
			Class: classifyHighway(el.Tags["highway"]),
			Path:  toPolyline(el.Geometry),
		})
	}
	if onLayer != nil {
		onLayer(adapter.LayerStreets)
	}

	water, err := c.query(ctx, fmt.Sprintf(`
[out:json][timeout:90];
(
  way[natural=water](%s);
  way[waterway=riverbank](%s);
);
out geom;`, around, around))
	if err != nil {
		return nil, err
	}
	data.Water = toPolygons(water.Elements)
	if onLayer != nil {
		onLayer(adapter.LayerWater)
	}

	parks, err := c.query(ctx, fmt.Sprintf(`
[out:json][timeout:90];
(
  way[leisure~"^(park|garden)$"](%s);
  way[landuse~"^(grass|forest|meadow)$"](%s);
);
out geom;`, around, around))
	if err != nil {
		return nil, err
	}
	data.Parks = toPolygons(parks.Elements)
	if onLayer != nil {
		onLayer(adapter.LayerParks)
	}

	c.log.Info().Int("streets", len(data.Streets)).Int("water", len(data.Water)).
		Int("parks", len(data.Parks)).Int("radius_m", radiusM).Msg("map data fetched")
	return data, nil
}

func (c *OverpassClient) query(ctx context.Context, ql string) (*overpassResponse, error) {
	body := url.Values{"data": {ql}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, domain.Classify(domain.ErrKindDataFetch, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Network failures and server-side trouble (timeouts, 5xx, the 429
	// Overpass sends under load) are transient; a 4xx means the query
	// itself is bad and a repeat would be rejected again.
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.Classify(domain.ErrKindTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.Classify(domain.ErrKindTransport,
			fmt.Errorf("overpass returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.Classify(domain.ErrKindDataFetch,
			fmt.Errorf("overpass returned status %d", resp.StatusCode))
	}

	var out overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.Classify(domain.ErrKindDataFetch, err)
	}
	return &out, nil
}

func classifyHighway(tag string) model.RoadClass {
	switch tag {
	case "motorway", "trunk":
		return model.RoadMotorway
	case "primary":
		return model.RoadPrimary
	case "secondary", "tertiary":
		return model.RoadSecondary
	default:
		return model.RoadResidential
	}
}

func toPolyline(coords []overpassCoord) model.Polyline {
	path := make(model.Polyline, 0, len(coords))
	for _, c := range coords {
		path = append(path, model.Point{Lat: c.Lat, Lon: c.Lon})
	}
	return path
}

func toPolygons(elements []overpassElement) []model.Polygon {
	var out []model.Polygon
	for _, el := range elements {
		if len(el.Geometry) < 3 {
			continue
		}
		out = append(out, model.Polygon(toPolyline(el.Geometry)))
	}
	return out
}
