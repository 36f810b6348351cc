package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"citymap-poster-service/internal/config"
	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/domain/ports/adapter"
)

var _ adapter.Geocoder = (*NominatimClient)(nil)

// NominatimClient is the upstream geocoding collaborator. An empty result
// set means the location does not exist (ErrLocationNotFound); everything
// else that goes wrong is a transient transport failure.
type NominatimClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
	log       *zerolog.Logger
}

func NewNominatimClient(cfg config.GeocodeConfig, logger *zerolog.Logger) *NominatimClient {
	geoLog := logger.With().Str("component", "NominatimClient").Logger()
	return &NominatimClient{
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: cfg.Timeout},
		log:       &geoLog,
	}
}

type nominatimHit struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (c *NominatimClient) Geocode(ctx context.Context, city, country string) (*model.GeocodeResult, error) {
	q := url.Values{}
	q.Set("q", city+", "+country)
	q.Set("format", "json")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, domain.Classify(domain.ErrKindTransport, err)
	}
	// Nominatim usage policy requires an identifying User-Agent.
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.Classify(domain.ErrKindTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, domain.Classify(domain.ErrKindTransport,
			fmt.Errorf("nominatim returned status %d", resp.StatusCode))
	}

	var hits []nominatimHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return nil, domain.Classify(domain.ErrKindTransport, err)
	}
	if len(hits) == 0 {
		return nil, domain.ErrLocationNotFound
	}

	lat, err := strconv.ParseFloat(hits[0].Lat, 64)
	if err != nil {
		return nil, domain.Classify(domain.ErrKindTransport, fmt.Errorf("bad latitude %q", hits[0].Lat))
	}
	lon, err := strconv.ParseFloat(hits[0].Lon, 64)
	if err != nil {
		return nil, domain.Classify(domain.ErrKindTransport, fmt.Errorf("bad longitude %q", hits[0].Lon))
	}

	c.log.Debug().Str("city", city).Str("country", country).
		Float64("lat", lat).Float64("lon", lon).Msg("geocoded")
	return &model.GeocodeResult{
		City:        city,
		Country:     country,
		Latitude:    lat,
		Longitude:   lon,
		DisplayName: hits[0].DisplayName,
	}, nil
}
