package usecase

import (
	"context"
	"strings"
	"time"

	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/domain/ports/repository"

	"github.com/rs/zerolog"
)

// Stage names the coarse checkpoints of one job's pipeline. Each stage
// carries a fixed percentage anchor; the table below is configuration, not
// control flow, so ordering and weights are adjustable without touching the
// tracker.
type Stage string

const (
	StageSubmitted        Stage = "submitted"
	StageLocationResolved Stage = "location_resolved"
	StageFetchStarted     Stage = "fetch_started"
	StageStreetsFetched   Stage = "streets_fetched"
	StageWaterFetched     Stage = "water_fetched"
	StageParksFetched     Stage = "parks_fetched"
	StageRenderStarted    Stage = "render_started"
	StageFeaturesPlotted  Stage = "features_plotted"
	StageRoadsPlotted     Stage = "roads_plotted"
	StageGradientsAdded   Stage = "gradients_added"
	StageTypographyAdded  Stage = "typography_added"
	StageSaving           Stage = "saving"
	StageThumbnail        Stage = "thumbnail"
	StageComplete         Stage = "complete"
)

// StageAnchors maps each stage to its progress percentage.
var StageAnchors = map[Stage]int{
	StageSubmitted:        5,
	StageLocationResolved: 15,
	StageFetchStarted:     30,
	StageStreetsFetched:   40,
	StageWaterFetched:     50,
	StageParksFetched:     60,
	StageRenderStarted:    65,
	StageFeaturesPlotted:  70,
	StageRoadsPlotted:     75,
	StageGradientsAdded:   80,
	StageTypographyAdded:  85,
	StageSaving:           90,
	StageThumbnail:        95,
	StageComplete:         100,
}

// ClassifyStep derives a step's display status from its text. The rule is
// deliberately a single function so it stays independently testable: a
// trailing check mark or a completion word means completed, a trailing
// ellipsis or an activity word means in progress, anything else pending.
func ClassifyStep(text string) model.StepStatus {
	lower := strings.ToLower(text)
	switch {
	case strings.HasSuffix(text, "✓"),
		strings.Contains(lower, "downloaded"),
		strings.Contains(lower, "completed"):
		return model.StepCompleted
	case strings.HasSuffix(text, "..."),
		strings.Contains(lower, "processing"),
		strings.Contains(lower, "rendering"):
		return model.StepInProgress
	default:
		return model.StepPending
	}
}

// ProgressTracker converts coarse stage signals from the fetch/render
// collaborators into a job's classified step log and numeric progress.
// Progress is monotone: duplicate or out-of-order signals never regress it
// (the repository clamps on write).
type ProgressTracker struct {
	jobs repository.JobRepository
	log  *zerolog.Logger
	now  func() time.Time
}

func NewProgressTracker(jobs repository.JobRepository, logger *zerolog.Logger) *ProgressTracker {
	l := logger.With().Str("component", "ProgressTracker").Logger()
	return &ProgressTracker{jobs: jobs, log: &l, now: time.Now}
}

// Record appends one classified step at the given stage's anchor.
func (t *ProgressTracker) Record(ctx context.Context, jobID string, stage Stage, text string) {
	t.RecordAt(ctx, jobID, StageAnchors[stage], text)
}

// RecordAt appends one classified step at an explicit progress value.
func (t *ProgressTracker) RecordAt(ctx context.Context, jobID string, progress int, text string) {
	step := model.Step{
		Text:      text,
		Status:    ClassifyStep(text),
		Progress:  progress,
		Timestamp: t.now().UTC(),
	}
	if err := t.jobs.AppendStep(ctx, nil, jobID, step); err != nil {
		// Progress is advisory; losing a step must not fail the pipeline.
		t.log.Error().Err(err).Str("job_id", jobID).Str("step", text).Msg("failed to record progress step")
		return
	}
	t.log.Debug().Str("job_id", jobID).Int("progress", progress).Str("step", text).Msg("progress")
}
