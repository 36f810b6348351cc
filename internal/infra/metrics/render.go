package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(renderDuration, mapFetchDuration) }

var renderDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "poster_render_seconds",
		Help:    "Render duration per theme, labeled by success.",
		Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 160, 320},
	},
	[]string{"theme", "success"},
)

var mapFetchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "map_fetch_seconds",
		Help:    "Shared map-data fetch duration per batch.",
		Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 160},
	},
)

func ObserveRender(theme string, d time.Duration, success bool) {
	s := "false"
	if success {
		s = "true"
	}
	renderDuration.WithLabelValues(norm(theme), s).Observe(d.Seconds())
}

func ObserveMapFetch(d time.Duration) {
	mapFetchDuration.Observe(d.Seconds())
}
