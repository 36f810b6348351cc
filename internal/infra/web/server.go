package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"citymap-poster-service/internal/usecase"
)

// Server exposes the HTTP API for submissions, status polling, artifacts,
// themes and the standalone geocode lookup.
type Server struct {
	posterUC *usecase.PosterUseCase
	geocode  geocodeFunc
	themesUC themeLister
	srv      *http.Server
	log      *zerolog.Logger
}

func NewServer(
	port int,
	posterUC *usecase.PosterUseCase,
	geocode geocodeFunc,
	themes themeLister,
	logger *zerolog.Logger,
) *Server {
	webLog := logger.With().Str("component", "WebServer").Logger()
	s := &Server{
		posterUC: posterUC,
		geocode:  geocode,
		themesUC: themes,
		log:      &webLog,
	}
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		ensureSession,
	)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/posters", s.handleSubmit)
		r.Post("/posters/batch", s.handleSubmitBatch)
		r.Get("/posters", s.handleListPosters)
		r.Get("/posters/batch/{id}/download", s.handleDownloadBatch)
		r.Get("/posters/{id}", s.handleGetPoster)
		r.Get("/posters/{id}/image", s.handlePosterImage)
		r.Get("/posters/{id}/download", s.handleDownloadPoster)

		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)

		r.Get("/batches/{id}", s.handleBatchStatus)

		r.Get("/themes", s.handleListThemes)
		r.Get("/themes/{id}", s.handleGetTheme)
		r.Get("/formats", s.handleListFormats)
		r.Get("/geocode", s.handleGeocode)
	})
	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.srv.Shutdown(ctx)
}
