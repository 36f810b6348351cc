package web

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/usecase"
)

// geocodeFunc is the caller-facing geocode dependency: cache, rate limit
// and coalescing included. Rate-limit exhaustion surfaces as a 429 here
// and never creates a job.
type geocodeFunc func(ctx context.Context, city, country string) (*model.GeocodeResult, error)

type themeLister interface {
	List() []model.Theme
	Get(id string) (model.Theme, error)
}

const sessionHeader = "X-Session-ID"

// ensureSession assigns a session id to callers that did not bring one and
// echoes it back, so a first-time client can keep using it for listing.
func ensureSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := r.Header.Get(sessionHeader)
		if session == "" {
			session = uuid.NewString()
			r.Header.Set(sessionHeader, session)
		}
		w.Header().Set(sessionHeader, session)
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	City         string   `json:"city"`
	Country      string   `json:"country"`
	Theme        string   `json:"theme"`
	Themes       []string `json:"themes"`
	Distance     int      `json:"distance"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	PreviewMode  bool     `json:"preview_mode"`
	PageFormat   string   `json:"page_format"`
	Orientation  string   `json:"orientation"`
	DPI          int      `json:"dpi"`
	CustomWidth  float64  `json:"custom_width"`
	CustomHeight float64  `json:"custom_height"`
}

type submitResponse struct {
	BatchID          string   `json:"batch_id"`
	JobIDs           []string `json:"job_ids"`
	Themes           []string `json:"themes"`
	CreatedAt        string   `json:"created_at"`
	EstimatedSeconds int      `json:"estimated_seconds"`
}

type stepResponse struct {
	Text      string `json:"text"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Timestamp string `json:"timestamp"`
}

type jobResponse struct {
	ID           string         `json:"id"`
	BatchID      string         `json:"batch_id"`
	City         string         `json:"city"`
	Country      string         `json:"country"`
	Theme        string         `json:"theme"`
	Status       string         `json:"status"`
	Progress     int            `json:"progress"`
	CurrentStep  string         `json:"current_step"`
	Steps        []stepResponse `json:"steps,omitempty"`
	RetryOf      string         `json:"retry_of,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryAllowed bool           `json:"retry_allowed,omitempty"`
	CreatedAt    string         `json:"created_at"`
	PosterID     string         `json:"poster_id,omitempty"`
}

type batchResponse struct {
	BatchID    string        `json:"batch_id"`
	Progress   int           `json:"progress"`
	Done       bool          `json:"done"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Cancelled  int           `json:"cancelled"`
	Processing int           `json:"processing"`
	Pending    int           `json:"pending"`
	Jobs       []jobResponse `json:"jobs"`
}

type posterResponse struct {
	ID            string  `json:"id"`
	JobID         string  `json:"job_id"`
	City          string  `json:"city"`
	Country       string  `json:"country"`
	Theme         string  `json:"theme"`
	Filename      string  `json:"filename"`
	FileSize      int64   `json:"file_size"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	PageFormat    string  `json:"page_format"`
	Orientation   string  `json:"orientation"`
	DPI           int     `json:"dpi"`
	WidthInches   float64 `json:"width_inches"`
	HeightInches  float64 `json:"height_inches"`
	DownloadCount int     `json:"download_count"`
	CreatedAt     string  `json:"created_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmit accepts a single-theme submission. It is sugar over the
// batch path: one theme, one batch of one.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Theme == "" {
		writeError(w, http.StatusBadRequest, "theme is required")
		return
	}
	req.Themes = []string{req.Theme}
	s.submit(w, r, req)
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.submit(w, r, req)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req submitRequest) {
	res, err := s.posterUC.Submit(r.Context(), usecase.SubmitRequest{
		City:         req.City,
		Country:      req.Country,
		Themes:       req.Themes,
		Distance:     req.Distance,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		PreviewMode:  req.PreviewMode,
		PageFormat:   req.PageFormat,
		Orientation:  req.Orientation,
		DPI:          req.DPI,
		CustomWidth:  req.CustomWidth,
		CustomHeight: req.CustomHeight,
		SessionID:    r.Header.Get(sessionHeader),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		BatchID:          res.BatchID,
		JobIDs:           res.JobIDs,
		Themes:           res.Themes,
		CreatedAt:        res.CreatedAt.Format(time.RFC3339),
		EstimatedSeconds: int(res.EstimatedDuration.Seconds()),
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, poster, err := s.posterUC.JobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := toJobResponse(job, true)
	if poster != nil {
		resp.PosterID = poster.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.posterUC.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.posterUC.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job, false))
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.posterUC.BatchStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := batchResponse{
		BatchID:    view.BatchID,
		Progress:   view.Progress,
		Done:       view.Done(),
		Completed:  view.Completed,
		Failed:     view.Failed,
		Cancelled:  view.Cancelled,
		Processing: view.Processing,
		Pending:    view.Pending,
	}
	for _, j := range view.Jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListThemes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"themes": s.themesUC.List()})
}

type formatResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	WidthInches  float64 `json:"width_inches,omitempty"`
	HeightInches float64 `json:"height_inches,omitempty"`
	Custom       bool    `json:"custom,omitempty"`
}

type dpiResponse struct {
	Value int    `json:"value"`
	Label string `json:"label"`
}

func (s *Server) handleListFormats(w http.ResponseWriter, _ *http.Request) {
	formats := make([]formatResponse, 0, len(model.PageFormats))
	for id, f := range model.PageFormats {
		formats = append(formats, formatResponse{
			ID:           id,
			Name:         f.Name,
			WidthInches:  f.WidthInches,
			HeightInches: f.HeightInches,
			Custom:       f.Custom,
		})
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i].ID < formats[j].ID })

	dpi := make([]dpiResponse, 0, len(model.DPIOptions))
	for value, label := range model.DPIOptions {
		dpi = append(dpi, dpiResponse{Value: value, Label: label})
	}
	sort.Slice(dpi, func(i, j int) bool { return dpi[i].Value < dpi[j].Value })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"formats":          formats,
		"dpi_options":      dpi,
		"default_format":   model.DefaultPageFormat,
		"default_dpi":      model.DefaultDPI,
		"default_distance": model.DefaultDistance,
	})
}

func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	theme, err := s.themesUC.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, theme)
}

func (s *Server) handleListPosters(w http.ResponseWriter, r *http.Request) {
	session := r.Header.Get(sessionHeader)
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	posters, err := s.posterUC.ListPosters(r.Context(), session, offset, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]posterResponse, 0, len(posters))
	for _, p := range posters {
		out = append(out, toPosterResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"posters": out})
}

func (s *Server) handleGetPoster(w http.ResponseWriter, r *http.Request) {
	p, err := s.posterUC.Poster(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPosterResponse(p))
}

func (s *Server) handleDownloadPoster(w http.ResponseWriter, r *http.Request) {
	p, err := s.posterUC.PosterForDownload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", p.Filename))
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, p.FilePath)
}

// handlePosterImage serves the raster inline for browser display; only the
// explicit download endpoint counts toward download_count.
func (s *Server) handlePosterImage(w http.ResponseWriter, r *http.Request) {
	p, err := s.posterUC.PosterImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, p.FilePath)
}

// handleDownloadBatch bundles every artifact a batch has produced into one
// ZIP stream.
func (s *Server) handleDownloadBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	posters, err := s.posterUC.BatchPosters(r.Context(), batchID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "posters_"+batchID+".zip"))
	zw := zip.NewWriter(w)
	for _, p := range posters {
		f, err := os.Open(p.FilePath)
		if err != nil {
			s.log.Error().Err(err).Str("poster_id", p.ID).Msg("artifact file missing during batch download")
			continue
		}
		entry, err := zw.Create(p.Filename)
		if err == nil {
			_, err = io.Copy(entry, f)
		}
		f.Close()
		if err != nil {
			// Headers are gone; all we can do is cut the stream short.
			s.log.Error().Err(err).Str("poster_id", p.ID).Msg("batch download write failed")
			return
		}
	}
	if err := zw.Close(); err != nil {
		s.log.Error().Err(err).Msg("batch download close failed")
	}
}

// handleGeocode is the standalone lookup: a 429 or 404 here is caller
// feedback only, no job is created or failed.
func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	city := r.URL.Query().Get("city")
	country := r.URL.Query().Get("country")
	if city == "" || country == "" {
		writeError(w, http.StatusBadRequest, "city and country are required")
		return
	}
	res, err := s.geocode(r.Context(), city, country)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func toJobResponse(j *model.Job, withSteps bool) jobResponse {
	resp := jobResponse{
		ID:           j.ID,
		BatchID:      j.BatchID,
		City:         j.City,
		Country:      j.Country,
		Theme:        j.Theme,
		Status:       string(j.Status),
		Progress:     j.Progress,
		CurrentStep:  j.CurrentStep,
		RetryOf:      j.RetryOf,
		ErrorKind:    string(j.ErrorKind),
		ErrorMessage: j.ErrorMessage,
		RetryAllowed: j.RetryAllowed(),
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
	}
	if withSteps {
		for _, st := range j.Steps {
			resp.Steps = append(resp.Steps, stepResponse{
				Text:      st.Text,
				Status:    string(st.Status),
				Progress:  st.Progress,
				Timestamp: st.Timestamp.Format(time.RFC3339),
			})
		}
	}
	return resp
}

func toPosterResponse(p *model.Poster) posterResponse {
	return posterResponse{
		ID:            p.ID,
		JobID:         p.JobID,
		City:          p.City,
		Country:       p.Country,
		Theme:         p.Theme,
		Filename:      p.Filename,
		FileSize:      p.FileSize,
		Width:         p.Width,
		Height:        p.Height,
		PageFormat:    p.PageFormat,
		Orientation:   p.Orientation,
		DPI:           p.DPI,
		WidthInches:   p.WidthInches,
		HeightInches:  p.HeightInches,
		DownloadCount: p.DownloadCount,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var rl *domain.RateLimitError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrThemeNotFound),
		errors.Is(err, domain.ErrLocationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrJobTerminal),
		errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
