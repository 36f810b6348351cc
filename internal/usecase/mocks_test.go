package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/domain/ports/repository"
)

// memTxManager gives the mem repo real transaction semantics: the job map
// is snapshotted before fn runs and restored when fn fails, so a partial
// multi-row write rolls back like it would in Postgres.
type memTxManager struct {
	repo  *memJobRepo
	mu    sync.Mutex
	calls int
}

var _ repository.TransactionManager = (*memTxManager)(nil)

func (m *memTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	snap := m.repo.snapshot()
	if err := fn(ctx, nil); err != nil {
		m.repo.restore(snap)
		return err
	}
	return nil
}

func (m *memTxManager) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// In-memory repository doubles mirroring the real guards: status-checked
// transitions and monotone progress on step append.

type memJobRepo struct {
	mu            sync.Mutex
	jobs          map[string]*model.Job
	failSaveTheme string // Save fails for this theme when set
}

var _ repository.JobRepository = (*memJobRepo)(nil)

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*model.Job)}
}

func (r *memJobRepo) Save(_ context.Context, _ repository.Tx, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSaveTheme != "" && job.Theme == r.failSaveTheme {
		return errors.New("insert failed")
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *memJobRepo) snapshot() map[string]*model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*model.Job, len(r.jobs))
	for id, j := range r.jobs {
		cp := *j
		out[id] = &cp
	}
	return out
}

func (r *memJobRepo) restore(snap map[string]*model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = snap
}

func (r *memJobRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *memJobRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *memJobRepo) FindByBatchID(_ context.Context, _ repository.Tx, batchID string) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Job
	for _, j := range r.jobs {
		if j.BatchID == batchID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r *memJobRepo) ClaimPendingBatch(_ context.Context) (string, []*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *model.Job
	for _, j := range r.jobs {
		if j.Status != model.JobStatusPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return "", nil, domain.ErrNotFound
	}
	var claimed []*model.Job
	for _, j := range r.jobs {
		if j.BatchID == oldest.BatchID && j.Status == model.JobStatusPending {
			j.Status = model.JobStatusProcessing
			j.StartedAt = time.Now().UTC()
			cp := *j
			claimed = append(claimed, &cp)
		}
	}
	sort.Slice(claimed, func(i, k int) bool { return claimed[i].ID < claimed[k].ID })
	return oldest.BatchID, claimed, nil
}

func (r *memJobRepo) AppendStep(_ context.Context, _ repository.Tx, jobID string, step model.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.RecordStep(step)
	return nil
}

func (r *memJobRepo) MarkCompleted(_ context.Context, _ repository.Tx, jobID string, at time.Time) error {
	return r.transition(jobID, func(j *model.Job) error { return j.Complete(at) })
}

func (r *memJobRepo) MarkFailed(_ context.Context, _ repository.Tx, jobID string, kind domain.ErrorKind, msg string, at time.Time) error {
	return r.transition(jobID, func(j *model.Job) error { return j.Fail(kind, msg, at) })
}

func (r *memJobRepo) MarkCancelled(_ context.Context, _ repository.Tx, jobID string, at time.Time) error {
	return r.transition(jobID, func(j *model.Job) error { return j.Cancel(at) })
}

func (r *memJobRepo) transition(jobID string, fn func(*model.Job) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	return fn(j)
}

func (r *memJobRepo) SetCoordinates(_ context.Context, _ repository.Tx, batchID string, lat, lon float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.BatchID == batchID {
			j.Latitude, j.Longitude = lat, lon
		}
	}
	return nil
}

func (r *memJobRepo) StaleProcessing(_ context.Context, before time.Time) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Job
	for _, j := range r.jobs {
		if j.Status == model.JobStatusProcessing && j.StartedAt.Before(before) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memPosterRepo struct {
	mu      sync.Mutex
	posters map[string]*model.Poster
}

var _ repository.PosterRepository = (*memPosterRepo)(nil)

func newMemPosterRepo() *memPosterRepo {
	return &memPosterRepo{posters: make(map[string]*model.Poster)}
}

func (r *memPosterRepo) Save(_ context.Context, _ repository.Tx, p *model.Poster) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.posters[p.ID] = &cp
	return nil
}

func (r *memPosterRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Poster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posters[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPosterRepo) FindByJobID(_ context.Context, _ repository.Tx, jobID string) (*model.Poster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.posters {
		if p.JobID == jobID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memPosterRepo) ListBySession(_ context.Context, _ repository.Tx, sessionID string, offset, limit int) ([]*model.Poster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Poster
	for _, p := range r.posters {
		if p.SessionID == sessionID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *memPosterRepo) TouchAccess(_ context.Context, _ repository.Tx, id string, download bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posters[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.AccessedAt = time.Now().UTC()
	if download {
		p.DownloadCount++
	}
	return nil
}

type fakeCatalog struct {
	ids []string
}

func (c *fakeCatalog) List() []model.Theme {
	out := make([]model.Theme, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, model.Theme{ID: id, Name: id})
	}
	return out
}

func (c *fakeCatalog) Get(id string) (model.Theme, error) {
	if !c.Exists(id) {
		return model.Theme{}, domain.ErrThemeNotFound
	}
	return model.Theme{ID: id, Name: id}, nil
}

func (c *fakeCatalog) Exists(id string) bool {
	for _, known := range c.ids {
		if known == id {
			return true
		}
	}
	return false
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	fail     bool
}

func (q *fakeQueue) EnqueueBatch(_ context.Context, batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return domain.ErrQueueFull
	}
	q.enqueued = append(q.enqueued, batchID)
	return nil
}
