package sched

import (
	"context"
	"time"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/ports/repository"
	"citymap-poster-service/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// TimeoutReaper periodically fails processing jobs that exceeded the render
// wall-clock budget. Catches jobs orphaned by a crashed worker as well as
// renders that hung past their per-job timeout.
type TimeoutReaper struct {
	interval time.Duration
	timeout  time.Duration
	jobs     repository.JobRepository
	log      *zerolog.Logger
	now      func() time.Time
}

func NewTimeoutReaper(interval, timeout time.Duration, jobs repository.JobRepository, logger *zerolog.Logger) *TimeoutReaper {
	reapLog := logger.With().Str("component", "TimeoutReaper").Logger()
	return &TimeoutReaper{
		interval: interval,
		timeout:  timeout,
		jobs:     jobs,
		log:      &reapLog,
		now:      time.Now,
	}
}

func (w *TimeoutReaper) Run(ctx context.Context) error {
	w.log.Info().Dur("timeout", w.timeout).Msg("Starting timeout reaper")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping timeout reaper")
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *TimeoutReaper) sweep(ctx context.Context) {
	deadline := w.now().UTC().Add(-w.timeout)
	stale, err := w.jobs.StaleProcessing(ctx, deadline)
	if err != nil {
		w.log.Error().Err(err).Msg("timeout reaper query failed")
		return
	}
	for _, j := range stale {
		err := w.jobs.MarkFailed(ctx, nil, j.ID, domain.ErrKindTransport,
			"processing exceeded the time budget", w.now().UTC())
		if err != nil {
			// Lost the race to a finishing worker; nothing to do.
			continue
		}
		metrics.IncJob("failed")
		w.log.Warn().Str("job_id", j.ID).Time("started_at", j.StartedAt).
			Msg("timed-out job reaped")
	}
	if len(stale) > 0 {
		w.log.Info().Int("count", len(stale)).Msg("stale processing jobs reaped")
	}
}
