package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(geocodeLookups, geocodeRateLimited) }

var geocodeLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geocode_lookups_total",
		Help: "Geocode resolutions by source (cache/upstream) and result.",
	},
	[]string{"source", "result"},
)

var geocodeRateLimited = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "geocode_rate_limited_total",
		Help: "Resolutions rejected by the fixed-window rate limiter.",
	},
)

func IncGeocode(source, result string) {
	geocodeLookups.WithLabelValues(norm(source), norm(result)).Inc()
}

func IncGeocodeRateLimited() {
	geocodeRateLimited.Inc()
}
