package repository

import (
	"context"
	"time"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
)

type JobRepository interface {
	Save(ctx context.Context, tx Tx, job *model.Job) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Job, error)
	FindByBatchID(ctx context.Context, tx Tx, batchID string) ([]*model.Job, error)

	// ClaimPendingBatch atomically picks the oldest batch (or single job,
	// returned as a batch of one) that still has pending members, marks all
	// its pending jobs processing and returns them. Implementations must
	// guarantee no two workers claim the same batch.
	ClaimPendingBatch(ctx context.Context) (batchID string, jobs []*model.Job, err error)

	// AppendStep persists one step-log entry and raises the job's progress
	// monotonically (a lower progress value never overwrites a higher one).
	AppendStep(ctx context.Context, tx Tx, jobID string, step model.Step) error

	// Terminal transitions. Each fails with domain.ErrInvalidTransition /
	// domain.ErrJobTerminal when the stored status does not permit it.
	MarkCompleted(ctx context.Context, tx Tx, jobID string, at time.Time) error
	MarkFailed(ctx context.Context, tx Tx, jobID string, kind domain.ErrorKind, msg string, at time.Time) error
	MarkCancelled(ctx context.Context, tx Tx, jobID string, at time.Time) error

	// SetCoordinates backfills resolved coordinates on every member of a
	// batch after the shared geocode step.
	SetCoordinates(ctx context.Context, tx Tx, batchID string, lat, lon float64) error

	// StaleProcessing returns jobs that entered processing before the
	// deadline and never reached a terminal status.
	StaleProcessing(ctx context.Context, before time.Time) ([]*model.Job, error)
}
