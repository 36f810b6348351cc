package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*jobRepo)(nil)

type jobRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewJobRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *jobRepo {
	return &jobRepo{pool: pool, tm: tm}
}

const jobColumns = `id, batch_id, city, country, theme, distance, latitude, longitude,
preview_mode, page_format, orientation, dpi, custom_width_in, custom_height_in,
session_id, retry_of, status, progress, current_step,
created_at, started_at, completed_at, failed_at, error_kind, error_message`

func (r *jobRepo) Save(ctx context.Context, tx repository.Tx, job *model.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  progress = EXCLUDED.progress,
  current_step = EXCLUDED.current_step,
  latitude = EXCLUDED.latitude,
  longitude = EXCLUDED.longitude,
  started_at = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at,
  failed_at = EXCLUDED.failed_at,
  error_kind = EXCLUDED.error_kind,
  error_message = EXCLUDED.error_message;`

	_, err := execSQL(ctx, r.pool, tx, q,
		job.ID, job.BatchID, job.City, job.Country, job.Theme, job.Distance,
		job.Latitude, job.Longitude, job.PreviewMode, job.PageFormat, job.Orientation,
		job.DPI, job.CustomWidthInches, job.CustomHeightInches, job.SessionID, job.RetryOf,
		string(job.Status), job.Progress, job.CurrentStep,
		job.CreatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt), nullTime(job.FailedAt),
		string(job.ErrorKind), job.ErrorMessage)
	return err
}

func (r *jobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	if err != nil {
		return nil, err
	}
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	steps, err := r.loadSteps(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	job.Steps = steps
	return job, nil
}

// FindByBatchID returns the batch members in submission order. Step logs are
// not hydrated; callers that need them fetch the job individually.
func (r *jobRepo) FindByBatchID(ctx context.Context, tx repository.Tx, batchID string) ([]*model.Job, error) {
	rows, err := querySQL(ctx, r.pool, tx, `SELECT `+jobColumns+` FROM jobs WHERE batch_id=$1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *jobRepo) ClaimPendingBatch(ctx context.Context) (string, []*model.Job, error) {
	var batchID string
	var jobs []*model.Job

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		// Lock every pending member of the oldest pending batch. Two workers
		// racing on the same batch: the loser's locked set is empty and it
		// simply finds nothing to claim.
		const claim = `
WITH picked AS (
  SELECT id FROM jobs
  WHERE status = 'pending'
    AND batch_id = (SELECT batch_id FROM jobs WHERE status = 'pending' ORDER BY created_at LIMIT 1)
  FOR UPDATE SKIP LOCKED
)
UPDATE jobs SET status = 'processing', started_at = $1
WHERE id IN (SELECT id FROM picked)
RETURNING ` + jobColumns + `;`

		rows, err := querySQL(ctx, r.pool, tx, claim, time.Now().UTC())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return domain.ErrReadDatabaseRow
			}
			jobs = append(jobs, job)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(jobs) == 0 {
			return domain.ErrNotFound
		}
		batchID = jobs[0].BatchID
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return batchID, jobs, nil
}

func (r *jobRepo) AppendStep(ctx context.Context, tx repository.Tx, jobID string, step model.Step) error {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	_, err := execSQL(ctx, r.pool, tx, `
INSERT INTO job_steps (job_id, step_text, status, progress, created_at)
VALUES ($1,$2,$3,$4,$5)
`, jobID, step.Text, string(step.Status), step.Progress, step.Timestamp)
	if err != nil {
		return err
	}
	// Progress only ever moves forward; a late low-anchor write never
	// regresses the stored value.
	tag, err := execSQL(ctx, r.pool, tx, `
UPDATE jobs SET progress = GREATEST(progress, $2), current_step = $3
WHERE id = $1
`, jobID, step.Progress, step.Text)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *jobRepo) MarkCompleted(ctx context.Context, tx repository.Tx, jobID string, at time.Time) error {
	tag, err := execSQL(ctx, r.pool, tx, `
UPDATE jobs SET status = 'completed', progress = 100, completed_at = $2
WHERE id = $1 AND status = 'processing'
`, jobID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, tx, jobID)
	}
	return nil
}

func (r *jobRepo) MarkFailed(ctx context.Context, tx repository.Tx, jobID string, kind domain.ErrorKind, msg string, at time.Time) error {
	tag, err := execSQL(ctx, r.pool, tx, `
UPDATE jobs SET status = 'failed', failed_at = $2, error_kind = $3, error_message = $4
WHERE id = $1 AND status = 'processing'
`, jobID, at, string(kind), msg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, tx, jobID)
	}
	return nil
}

func (r *jobRepo) MarkCancelled(ctx context.Context, tx repository.Tx, jobID string, at time.Time) error {
	tag, err := execSQL(ctx, r.pool, tx, `
UPDATE jobs SET status = 'cancelled', failed_at = $2, error_kind = $3
WHERE id = $1 AND status IN ('pending','processing')
`, jobID, at, string(domain.ErrKindCancelled))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, tx, jobID)
	}
	return nil
}

func (r *jobRepo) SetCoordinates(ctx context.Context, tx repository.Tx, batchID string, lat, lon float64) error {
	_, err := execSQL(ctx, r.pool, tx, `
UPDATE jobs SET latitude = $2, longitude = $3 WHERE batch_id = $1
`, batchID, lat, lon)
	return err
}

func (r *jobRepo) StaleProcessing(ctx context.Context, before time.Time) ([]*model.Job, error) {
	rows, err := querySQL(ctx, r.pool, nil, `
SELECT `+jobColumns+` FROM jobs WHERE status = 'processing' AND started_at < $1
`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// transitionError explains a zero-row guarded update: missing row, already
// terminal, or a status the transition does not permit.
func (r *jobRepo) transitionError(ctx context.Context, tx repository.Tx, jobID string) error {
	row, err := pickRow(ctx, r.pool, tx, `SELECT status FROM jobs WHERE id=$1`, jobID)
	if err != nil {
		return err
	}
	var status string
	if err := row.Scan(&status); err != nil {
		return err
	}
	if model.JobStatus(status).Terminal() {
		return domain.ErrJobTerminal
	}
	return domain.ErrInvalidTransition
}

func (r *jobRepo) loadSteps(ctx context.Context, tx repository.Tx, jobID string) ([]model.Step, error) {
	rows, err := querySQL(ctx, r.pool, tx, `
SELECT step_text, status, progress, created_at FROM job_steps WHERE job_id=$1 ORDER BY id
`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []model.Step
	for rows.Next() {
		var s model.Step
		var status string
		if err := rows.Scan(&s.Text, &status, &s.Progress, &s.Timestamp); err != nil {
			return nil, err
		}
		s.Status = model.StepStatus(status)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var status, errorKind string
	var startedAt, completedAt, failedAt *time.Time
	err := row.Scan(
		&j.ID, &j.BatchID, &j.City, &j.Country, &j.Theme, &j.Distance,
		&j.Latitude, &j.Longitude, &j.PreviewMode, &j.PageFormat, &j.Orientation,
		&j.DPI, &j.CustomWidthInches, &j.CustomHeightInches, &j.SessionID, &j.RetryOf,
		&status, &j.Progress, &j.CurrentStep,
		&j.CreatedAt, &startedAt, &completedAt, &failedAt, &errorKind, &j.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.ErrorKind = domain.ErrorKind(errorKind)
	j.StartedAt = deref(startedAt)
	j.CompletedAt = deref(completedAt)
	j.FailedAt = deref(failedAt)
	return &j, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
