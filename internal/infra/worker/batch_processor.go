package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/domain/ports/adapter"
	"citymap-poster-service/internal/domain/ports/repository"
	"citymap-poster-service/internal/infra/metrics"
	"citymap-poster-service/internal/usecase"

	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Resolver is the geocode dependency of the processor (cache + limiter +
// upstream behind one call).
type Resolver interface {
	Resolve(ctx context.Context, city, country string) (*model.GeocodeResult, error)
}

type Config struct {
	OutputDir     string
	FetchRetries  int
	RetryBackoff  time.Duration
	JobTimeout    time.Duration
	PollInterval  time.Duration
	RateLimitWait time.Duration // ceiling for one geocode throttle wait
}

// A throttled geocode call is waited out, not failed; maxThrottleWaits
// bounds how many windows one batch will sit through before giving up.
const maxThrottleWaits = 5

// BatchProcessor executes claimed batches: one geocode resolution, one map
// data fetch, then one render per theme fanned out over the bounded pool.
// A failing render is isolated to its own job; geocode and fetch failures
// are fatal to every member of the batch.
type BatchProcessor struct {
	jobs     repository.JobRepository
	posters  repository.PosterRepository
	tm       repository.TransactionManager
	themes   adapter.ThemeCatalog
	resolver Resolver
	fetcher  adapter.MapDataFetcher
	renderer adapter.Renderer
	tracker  *usecase.ProgressTracker
	queue    *MemQueue
	cfg      Config
	log      *zerolog.Logger
	now      func() time.Time
}

func NewBatchProcessor(
	jobs repository.JobRepository,
	posters repository.PosterRepository,
	tm repository.TransactionManager,
	themes adapter.ThemeCatalog,
	resolver Resolver,
	fetcher adapter.MapDataFetcher,
	renderer adapter.Renderer,
	tracker *usecase.ProgressTracker,
	queue *MemQueue,
	cfg Config,
	logger *zerolog.Logger,
) *BatchProcessor {
	if cfg.FetchRetries <= 0 {
		cfg.FetchRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = time.Minute
	}
	l := logger.With().Str("component", "BatchProcessor").Logger()
	return &BatchProcessor{
		jobs:     jobs,
		posters:  posters,
		tm:       tm,
		themes:   themes,
		resolver: resolver,
		fetcher:  fetcher,
		renderer: renderer,
		tracker:  tracker,
		queue:    queue,
		cfg:      cfg,
		log:      &l,
		now:      time.Now,
	}
}

// Start runs the claim loop until ctx is cancelled. Enqueued batch ids wake
// it immediately; the poll ticker catches anything enqueued while the
// process was down. Should be run in a goroutine.
func (p *BatchProcessor) Start(ctx context.Context, pool *Pool) {
	p.log.Info().Msg("batch processor started")
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("batch processor stopping")
			return
		case <-p.queue.Wake():
			p.drain(ctx, pool)
		case <-ticker.C:
			p.drain(ctx, pool)
		}
	}
}

func (p *BatchProcessor) drain(ctx context.Context, pool *Pool) {
	for {
		batchID, jobs, err := p.jobs.ClaimPendingBatch(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				p.log.Error().Err(err).Msg("failed to claim pending batch")
			}
			return
		}
		p.ProcessBatch(ctx, pool, batchID, jobs)
	}
}

// ProcessBatch runs the full pipeline for one claimed batch. All member
// jobs are already marked processing by the claim.
func (p *BatchProcessor) ProcessBatch(ctx context.Context, pool *Pool, batchID string, jobs []*model.Job) {
	if len(jobs) == 0 {
		return
	}
	first := jobs[0]
	log := p.log.With().Str("batch_id", batchID).Str("city", first.City).Str("country", first.Country).Logger()
	log.Info().Int("themes", len(jobs)).Msg("processing batch")

	for _, j := range jobs {
		p.tracker.Record(ctx, j.ID, usecase.StageSubmitted, fmt.Sprintf("Preparing %s poster", j.Theme))
	}

	// Resolve once for the whole batch.
	lat, lon := first.Latitude, first.Longitude
	if lat == 0 && lon == 0 {
		res, err := p.resolveWithRetry(ctx, first.City, first.Country)
		if err != nil {
			p.failAll(ctx, jobs, domain.KindOf(err), err.Error())
			log.Error().Err(err).Msg("batch geocoding failed")
			metrics.IncBatch("failed")
			return
		}
		lat, lon = res.Latitude, res.Longitude
		if err := p.jobs.SetCoordinates(ctx, nil, batchID, lat, lon); err != nil {
			log.Error().Err(err).Msg("failed to persist coordinates")
		}
		for _, j := range jobs {
			j.Latitude, j.Longitude = lat, lon
			p.tracker.Record(ctx, j.ID, usecase.StageLocationResolved,
				fmt.Sprintf("Location found: %s ✓", res.DisplayName))
		}
	} else {
		for _, j := range jobs {
			p.tracker.Record(ctx, j.ID, usecase.StageLocationResolved,
				fmt.Sprintf("Location found: %s, %s ✓", first.City, first.Country))
		}
	}

	// Fetch once for the whole batch. The bundle is immutable afterwards.
	for _, j := range jobs {
		p.tracker.Record(ctx, j.ID, usecase.StageFetchStarted, "Downloading map data (streets, water, parks)...")
	}
	data, err := p.fetchWithRetry(ctx, model.Point{Lat: lat, Lon: lon}, first.Distance, jobs)
	if err != nil {
		kind := domain.KindOf(err)
		if kind != domain.ErrKindTransport {
			kind = domain.ErrKindDataFetch
		}
		p.failAll(ctx, jobs, kind, err.Error())
		log.Error().Err(err).Msg("batch map-data fetch failed")
		metrics.IncBatch("failed")
		return
	}

	// Fan out one render per theme. Each task writes only to its own job;
	// a failure there never touches a sibling.
	stamp := p.now().Format("20060102_150405")
	var wg sync.WaitGroup
	for _, j := range jobs {
		job := j
		current, err := p.jobs.FindByID(ctx, nil, job.ID)
		if err == nil && current.Status == model.JobStatusCancelled {
			log.Info().Str("job_id", job.ID).Msg("job cancelled before render, skipping")
			continue
		}
		wg.Add(1)
		task := func(tctx context.Context) error {
			defer wg.Done()
			p.renderOne(tctx, job, data, stamp)
			return nil
		}
		if err := pool.SubmitWait(ctx, task); err != nil {
			wg.Done()
			p.markFailed(ctx, job.ID, domain.ErrKindRender, fmt.Sprintf("dispatch failed: %v", err))
		}
	}
	wg.Wait()

	p.finishBatch(ctx, batchID, &log)
}

func (p *BatchProcessor) resolveWithRetry(ctx context.Context, city, country string) (*model.GeocodeResult, error) {
	backoff := p.cfg.RetryBackoff
	attempt, throttleWaits := 0, 0
	for {
		res, err := p.resolver.Resolve(ctx, city, country)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, domain.ErrLocationNotFound) {
			return nil, err // definitive, never retried
		}

		var rl *domain.RateLimitError
		if errors.As(err, &rl) {
			// Our own limiter guarding the upstream: wait out the window
			// without spending an attempt. Throttling must never strand
			// the jobs in a non-retryable state, so a batch that somehow
			// outlasts every wait fails as a transport problem.
			throttleWaits++
			if throttleWaits > maxThrottleWaits {
				return nil, domain.Classify(domain.ErrKindTransport, err)
			}
			wait := rl.RetryAfter
			if wait <= 0 || wait > p.cfg.RateLimitWait {
				wait = p.cfg.RateLimitWait
			}
			p.log.Info().Dur("wait", wait).Msg("geocoding throttled, waiting out the window")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if !domain.KindOf(err).Transient() {
			return nil, err
		}
		attempt++
		if attempt >= p.cfg.FetchRetries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (p *BatchProcessor) fetchWithRetry(ctx context.Context, center model.Point, radius int, jobs []*model.Job) (*model.MapData, error) {
	onLayer := func(layer adapter.MapLayer) {
		var stage usecase.Stage
		var text string
		switch layer {
		case adapter.LayerStreets:
			stage, text = usecase.StageStreetsFetched, "Streets downloaded ✓"
		case adapter.LayerWater:
			stage, text = usecase.StageWaterFetched, "Water features downloaded ✓"
		case adapter.LayerParks:
			stage, text = usecase.StageParksFetched, "Parks downloaded ✓"
		default:
			return
		}
		for _, j := range jobs {
			p.tracker.Record(ctx, j.ID, stage, text)
		}
	}

	backoff := p.cfg.RetryBackoff
	start := p.now()
	for attempt := 0; ; attempt++ {
		data, err := p.fetcher.FetchMapData(ctx, center, radius, onLayer)
		if err == nil {
			metrics.ObserveMapFetch(time.Since(start))
			return data, nil
		}
		// Only network-classified failures get another attempt; a definitive
		// upstream rejection would just repeat.
		if !domain.KindOf(err).Transient() || attempt+1 >= p.cfg.FetchRetries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (p *BatchProcessor) renderOne(ctx context.Context, job *model.Job, data *model.MapData, stamp string) {
	log := p.log.With().Str("job_id", job.ID).Str("theme", job.Theme).Logger()
	start := p.now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("render panicked")
			p.markFailed(ctx, job.ID, domain.ErrKindRender, fmt.Sprintf("render panicked: %v", r))
			metrics.ObserveRender(job.Theme, time.Since(start), false)
		}
	}()

	theme, err := p.themes.Get(job.Theme)
	if err != nil {
		p.markFailed(ctx, job.ID, domain.ErrKindRender, fmt.Sprintf("theme %q unavailable", job.Theme))
		return
	}
	out, err := model.ResolveFormat(job.PageFormat, job.Orientation, job.DPI, job.CustomWidthInches, job.CustomHeightInches)
	if err != nil {
		p.markFailed(ctx, job.ID, domain.ErrKindRender, err.Error())
		return
	}

	jctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()
	rctx, abort := context.WithCancel(jctx)
	defer abort()

	onStage := func(stage adapter.RenderStage) {
		// Stage boundaries are the cancellation checkpoints: a cancel
		// requested mid-render is observed here.
		if p.isCancelled(ctx, job.ID) {
			abort()
			return
		}
		switch stage {
		case adapter.StageInitializing:
			p.tracker.Record(ctx, job.ID, usecase.StageRenderStarted,
				fmt.Sprintf("Rendering poster with %s theme...", job.Theme))
		case adapter.StagePlottingFeatures:
			p.tracker.Record(ctx, job.ID, usecase.StageFeaturesPlotted, "Plotting water and park features...")
		case adapter.StagePlottingRoads:
			p.tracker.Record(ctx, job.ID, usecase.StageRoadsPlotted, "Plotting street network...")
		case adapter.StageAddingGradients:
			p.tracker.Record(ctx, job.ID, usecase.StageGradientsAdded, "Adding gradients...")
		case adapter.StageAddingTypography:
			p.tracker.Record(ctx, job.ID, usecase.StageTypographyAdded, "Adding typography...")
		case adapter.StageSaving:
			p.tracker.Record(ctx, job.ID, usecase.StageSaving, "Saving poster...")
		}
	}

	outputFile := filepath.Join(p.cfg.OutputDir, posterFilename(job.City, job.Theme, stamp))
	res, err := p.renderer.Render(rctx, adapter.RenderRequest{
		Data:       data,
		Theme:      theme,
		City:       job.City,
		Country:    job.Country,
		Output:     out,
		OutputFile: outputFile,
	}, onStage)

	if p.isCancelled(ctx, job.ID) {
		// Best-effort cancellation: the work may have finished anyway, but
		// a cancelled job's result is discarded, never persisted.
		if res != nil {
			_ = os.Remove(res.FilePath)
		}
		log.Info().Msg("render result discarded after cancellation")
		metrics.ObserveRender(job.Theme, time.Since(start), false)
		return
	}
	if err != nil {
		kind := domain.KindOf(err)
		if errors.Is(jctx.Err(), context.DeadlineExceeded) {
			kind = domain.ErrKindTransport // wall-clock bound exceeded, retryable
		}
		p.markFailed(ctx, job.ID, kind, err.Error())
		log.Error().Err(err).Msg("render failed")
		metrics.ObserveRender(job.Theme, time.Since(start), false)
		return
	}

	p.tracker.Record(ctx, job.ID, usecase.StageThumbnail, "Generating thumbnail...")

	poster := &model.Poster{
		ID:            ulid.Make().String(),
		JobID:         job.ID,
		City:          job.City,
		Country:       job.Country,
		Theme:         job.Theme,
		Distance:      job.Distance,
		Latitude:      job.Latitude,
		Longitude:     job.Longitude,
		Filename:      filepath.Base(res.FilePath),
		FilePath:      res.FilePath,
		FileSize:      res.FileSize,
		Width:         res.Width,
		Height:        res.Height,
		PageFormat:    out.PageFormat,
		Orientation:   out.Orientation,
		DPI:           out.DPI,
		WidthInches:   out.WidthInches,
		HeightInches:  out.HeightInches,
		ThumbnailPath: res.ThumbnailPath,
		SessionID:     job.SessionID,
		CreatedAt:     p.now().UTC(),
	}

	// Artifact row and terminal transition land atomically.
	err = p.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := p.posters.Save(ctx, tx, poster); err != nil {
			return err
		}
		return p.jobs.MarkCompleted(ctx, tx, job.ID, p.now().UTC())
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrJobTerminal) {
			// Cancelled under our feet; discard.
			_ = os.Remove(res.FilePath)
			log.Info().Msg("completed render discarded, job no longer processing")
			return
		}
		p.markFailed(ctx, job.ID, domain.ErrKindRender, fmt.Sprintf("persist artifact: %v", err))
		metrics.ObserveRender(job.Theme, time.Since(start), false)
		return
	}

	p.tracker.Record(ctx, job.ID, usecase.StageComplete, fmt.Sprintf("Complete! %s", job.Theme))
	metrics.IncJob(string(model.JobStatusCompleted))
	metrics.ObserveRender(job.Theme, time.Since(start), true)
	log.Info().Str("poster_id", poster.ID).Int64("bytes", poster.FileSize).
		Dur("duration", time.Since(start)).Msg("poster completed")
}

func (p *BatchProcessor) isCancelled(ctx context.Context, jobID string) bool {
	j, err := p.jobs.FindByID(ctx, nil, jobID)
	return err == nil && j.Status == model.JobStatusCancelled
}

func (p *BatchProcessor) markFailed(ctx context.Context, jobID string, kind domain.ErrorKind, msg string) {
	if err := p.jobs.MarkFailed(ctx, nil, jobID, kind, msg, p.now().UTC()); err != nil {
		if !errors.Is(err, domain.ErrJobTerminal) && !errors.Is(err, domain.ErrInvalidTransition) {
			p.log.Error().Err(err).Str("job_id", jobID).Msg("failed to mark job failed")
		}
		return
	}
	metrics.IncJob(string(model.JobStatusFailed))
}

// failAll applies one classified error to every still-active member of the
// batch. Geocode and fetch failures propagate identically to all jobs.
func (p *BatchProcessor) failAll(ctx context.Context, jobs []*model.Job, kind domain.ErrorKind, msg string) {
	for _, j := range jobs {
		p.markFailed(ctx, j.ID, kind, msg)
	}
}

func (p *BatchProcessor) finishBatch(ctx context.Context, batchID string, log *zerolog.Logger) {
	jobs, err := p.jobs.FindByBatchID(ctx, nil, batchID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load batch for summary")
		return
	}
	view := model.ComputeBatchView(batchID, jobs)
	outcome := "completed"
	switch {
	case view.Completed == 0:
		outcome = "failed"
	case view.Failed > 0 || view.Cancelled > 0:
		outcome = "partial"
	}
	metrics.IncBatch(outcome)
	log.Info().Int("completed", view.Completed).Int("failed", view.Failed).
		Int("cancelled", view.Cancelled).Str("outcome", outcome).Msg("batch finished")
}

func posterFilename(city, theme, stamp string) string {
	slug := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(city), " ", "_"))
	return fmt.Sprintf("%s_%s_%s.png", slug, theme, stamp)
}
