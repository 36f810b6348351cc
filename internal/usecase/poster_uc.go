package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/domain/ports/adapter"
	"citymap-poster-service/internal/domain/ports/repository"
	"citymap-poster-service/internal/infra/metrics"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
)

// SubmitRequest is the validated-on-entry submission payload. Latitude and
// Longitude are optional; zero values trigger resolution in the async
// pipeline.
type SubmitRequest struct {
	City         string
	Country      string
	Themes       []string
	Distance     int
	Latitude     float64
	Longitude    float64
	PreviewMode  bool
	PageFormat   string
	Orientation  string
	DPI          int
	CustomWidth  float64
	CustomHeight float64
	SessionID    string
}

// SubmitResult reports the created batch and its member jobs.
type SubmitResult struct {
	BatchID           string
	JobIDs            []string
	Themes            []string
	CreatedAt         time.Time
	EstimatedDuration time.Duration
}

// PosterUseCase owns the job lifecycle on the submission side: validation,
// creation, status queries, cancellation and retry. The heavy work runs in
// the worker package; submission is validation + persistence only.
type PosterUseCase struct {
	jobs    repository.JobRepository
	posters repository.PosterRepository
	tm      repository.TransactionManager
	themes  adapter.ThemeCatalog
	queue   adapter.TaskQueue
	log     *zerolog.Logger
	now     func() time.Time
}

func NewPosterUseCase(
	jobs repository.JobRepository,
	posters repository.PosterRepository,
	tm repository.TransactionManager,
	themes adapter.ThemeCatalog,
	queue adapter.TaskQueue,
	logger *zerolog.Logger,
) *PosterUseCase {
	l := logger.With().Str("component", "PosterUseCase").Logger()
	return &PosterUseCase{jobs: jobs, posters: posters, tm: tm, themes: themes, queue: queue, log: &l, now: time.Now}
}

const (
	estimatePerPoster  = 45 * time.Second
	estimatePreview    = 15 * time.Second
	batchEstimateRatio = 0.7 // shared fetch amortizes across themes
)

// Submit validates the request and creates one pending job per theme, all
// sharing one batch id. Nothing is persisted when validation fails.
func (uc *PosterUseCase) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.City == "" || req.Country == "" {
		return nil, fmt.Errorf("%w: city and country are required", domain.ErrInvalidArgument)
	}
	if len(req.Themes) == 0 {
		return nil, fmt.Errorf("%w: at least one theme is required", domain.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(req.Themes))
	for _, theme := range req.Themes {
		if !uc.themes.Exists(theme) {
			return nil, fmt.Errorf("%w: %q", domain.ErrThemeNotFound, theme)
		}
		if seen[theme] {
			return nil, fmt.Errorf("%w: duplicate theme %q", domain.ErrInvalidArgument, theme)
		}
		seen[theme] = true
	}
	if req.Distance == 0 {
		req.Distance = model.DefaultDistance
	}
	if err := model.ValidateDistance(req.Distance); err != nil {
		return nil, err
	}
	out, err := model.ResolveFormat(req.PageFormat, req.Orientation, req.DPI, req.CustomWidth, req.CustomHeight)
	if err != nil {
		return nil, err
	}

	now := uc.now().UTC()
	batchID := uuid.NewString()
	jobs := make([]*model.Job, 0, len(req.Themes))
	jobIDs := make([]string, 0, len(req.Themes))
	for _, theme := range req.Themes {
		job := &model.Job{
			ID:                 uuid.NewString(),
			City:               req.City,
			Country:            req.Country,
			Theme:              theme,
			Distance:           req.Distance,
			Latitude:           req.Latitude,
			Longitude:          req.Longitude,
			PreviewMode:        req.PreviewMode,
			PageFormat:         out.PageFormat,
			Orientation:        out.Orientation,
			DPI:                out.DPI,
			CustomWidthInches:  req.CustomWidth,
			CustomHeightInches: req.CustomHeight,
			SessionID:          req.SessionID,
			BatchID:            batchID,
			Status:             model.JobStatusPending,
			CreatedAt:          now,
		}
		jobs = append(jobs, job)
		jobIDs = append(jobIDs, job.ID)
	}

	// All member jobs land in one transaction: the batch becomes claimable
	// only as a whole, so a concurrent claim can never split it and a failed
	// insert never leaves orphaned siblings.
	err = uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		for _, job := range jobs {
			if err := uc.jobs.Save(ctx, tx, job); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}
	metrics.ObserveBatchSize(len(jobs))
	uc.log.Info().Str("batch_id", batchID).Int("themes", len(jobs)).
		Str("city", req.City).Str("country", req.Country).Msg("batch submitted")

	if err := uc.queue.EnqueueBatch(ctx, batchID); err != nil {
		// The DB poll will still pick the batch up; the queue is a wake-up.
		uc.log.Warn().Err(err).Str("batch_id", batchID).Msg("enqueue failed, batch awaits poll")
	}

	per := estimatePerPoster
	if req.PreviewMode {
		per = estimatePreview
	}
	est := per
	if len(jobs) > 1 {
		est = time.Duration(float64(per) * batchEstimateRatio * float64(len(jobs)))
	}
	return &SubmitResult{
		BatchID:           batchID,
		JobIDs:            jobIDs,
		Themes:            req.Themes,
		CreatedAt:         now,
		EstimatedDuration: est,
	}, nil
}

// JobStatus returns the job plus its artifact when completed.
func (uc *PosterUseCase) JobStatus(ctx context.Context, jobID string) (*model.Job, *model.Poster, error) {
	job, err := uc.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return job, nil, nil
	}
	poster, err := uc.posters.FindByJobID(ctx, nil, jobID)
	if err != nil && err != domain.ErrNotFound {
		return nil, nil, err
	}
	return job, poster, nil
}

// BatchStatus aggregates the member jobs of one batch.
func (uc *PosterUseCase) BatchStatus(ctx context.Context, batchID string) (*model.BatchView, error) {
	jobs, err := uc.jobs.FindByBatchID(ctx, nil, batchID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, domain.ErrNotFound
	}
	return model.ComputeBatchView(batchID, jobs), nil
}

// Cancel requests best-effort cancellation. A pending job is guaranteed a
// clean cancel; a processing job is marked cancelled and its eventual
// result, if any, is discarded by the worker. Terminal jobs fail with
// domain.ErrJobTerminal.
func (uc *PosterUseCase) Cancel(ctx context.Context, jobID string) error {
	job, err := uc.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return domain.ErrJobTerminal
	}
	if err := uc.jobs.MarkCancelled(ctx, nil, jobID, uc.now().UTC()); err != nil {
		return err
	}
	metrics.IncJob(string(model.JobStatusCancelled))
	uc.log.Info().Str("job_id", jobID).Msg("job cancelled")
	return nil
}

// Retry creates a fresh job from a failed one. The failed job is never
// mutated; the new job carries a back-reference and runs as its own batch
// of one.
func (uc *PosterUseCase) Retry(ctx context.Context, jobID string) (*model.Job, error) {
	orig, err := uc.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if orig.Status != model.JobStatusFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be retried", domain.ErrInvalidTransition)
	}
	if !orig.RetryAllowed() {
		return nil, fmt.Errorf("%w: %s failures are not retryable", domain.ErrInvalidTransition, orig.ErrorKind)
	}
	now := uc.now().UTC()
	retry := orig.CloneForRetry(uuid.NewString(), now)
	retry.BatchID = uuid.NewString()
	if err := uc.jobs.Save(ctx, nil, retry); err != nil {
		return nil, fmt.Errorf("persist retry job: %w", err)
	}
	if err := uc.queue.EnqueueBatch(ctx, retry.BatchID); err != nil {
		uc.log.Warn().Err(err).Str("batch_id", retry.BatchID).Msg("enqueue failed, batch awaits poll")
	}
	uc.log.Info().Str("job_id", retry.ID).Str("retry_of", orig.ID).Msg("job retried")
	return retry, nil
}

// ListPosters returns a session's artifacts, newest first.
func (uc *PosterUseCase) ListPosters(ctx context.Context, sessionID string, offset, limit int) ([]*model.Poster, error) {
	return uc.posters.ListBySession(ctx, nil, sessionID, offset, limit)
}

// Poster returns artifact metadata by id.
func (uc *PosterUseCase) Poster(ctx context.Context, posterID string) (*model.Poster, error) {
	return uc.posters.FindByID(ctx, nil, posterID)
}

// PosterForDownload returns the artifact and bumps its access counters.
func (uc *PosterUseCase) PosterForDownload(ctx context.Context, posterID string) (*model.Poster, error) {
	p, err := uc.posters.FindByID(ctx, nil, posterID)
	if err != nil {
		return nil, err
	}
	if err := uc.posters.TouchAccess(ctx, nil, posterID, true); err != nil {
		uc.log.Warn().Err(err).Str("poster_id", posterID).Msg("failed to bump download count")
	}
	return p, nil
}

// PosterImage returns the artifact for inline viewing. Access time is
// refreshed but the view does not count as a download.
func (uc *PosterUseCase) PosterImage(ctx context.Context, posterID string) (*model.Poster, error) {
	p, err := uc.posters.FindByID(ctx, nil, posterID)
	if err != nil {
		return nil, err
	}
	if err := uc.posters.TouchAccess(ctx, nil, posterID, false); err != nil {
		uc.log.Warn().Err(err).Str("poster_id", posterID).Msg("failed to refresh access time")
	}
	return p, nil
}

// BatchPosters returns every artifact produced by a batch, for the bundled
// download. ErrNotFound when the batch is unknown or has produced nothing
// yet.
func (uc *PosterUseCase) BatchPosters(ctx context.Context, batchID string) ([]*model.Poster, error) {
	jobs, err := uc.jobs.FindByBatchID(ctx, nil, batchID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, domain.ErrNotFound
	}
	out := make([]*model.Poster, 0, len(jobs))
	for _, j := range jobs {
		if j.Status != model.JobStatusCompleted {
			continue
		}
		p, err := uc.posters.FindByJobID(ctx, nil, j.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, domain.ErrNotFound
	}
	return out, nil
}
