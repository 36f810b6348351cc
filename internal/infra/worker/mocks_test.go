package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/domain/ports/adapter"
	"citymap-poster-service/internal/domain/ports/repository"
)

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

var _ repository.JobRepository = (*memJobRepo)(nil)

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*model.Job)}
}

func (r *memJobRepo) Save(_ context.Context, _ repository.Tx, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
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

func (r *memPosterRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.posters)
}

// noopTxManager runs the callback without a transaction; the mem repos
// carry their own locking.
type noopTxManager struct{}

var _ repository.TransactionManager = (*noopTxManager)(nil)

func (noopTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

type fakeCatalog struct{ ids []string }

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

type fakeResolver struct {
	mu      sync.Mutex
	calls   int
	res     *model.GeocodeResult
	err     error
	errOnce error // returned on the first call only
}

func (f *fakeResolver) Resolve(_ context.Context, city, country string) (*model.GeocodeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.errOnce != nil && f.calls == 1 {
		return nil, f.errOnce
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &model.GeocodeResult{
		City: city, Country: country,
		Latitude: 48.8566, Longitude: 2.3522,
		DisplayName: city + ", " + country,
	}, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeFetcher) FetchMapData(_ context.Context, center model.Point, radiusM int, onLayer func(adapter.MapLayer)) (*model.MapData, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if onLayer != nil {
		onLayer(adapter.LayerStreets)
		onLayer(adapter.LayerWater)
		onLayer(adapter.LayerParks)
	}
	return &model.MapData{
		Center:  center,
		RadiusM: radiusM,
		Streets: []model.Street{{Class: model.RoadPrimary, Path: model.Polyline{{Lat: 48.85, Lon: 2.35}, {Lat: 48.86, Lon: 2.36}}}},
	}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRenderer fails for themes listed in failThemes and succeeds
// otherwise, reporting every stage in order.
type fakeRenderer struct {
	mu         sync.Mutex
	rendered   []string
	failThemes map[string]bool
	block      chan struct{} // when set, rendering waits here first
}

func (f *fakeRenderer) Render(ctx context.Context, req adapter.RenderRequest, onStage func(adapter.RenderStage)) (*adapter.RenderResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	stages := []adapter.RenderStage{
		adapter.StageInitializing, adapter.StagePlottingFeatures, adapter.StagePlottingRoads,
		adapter.StageAddingGradients, adapter.StageAddingTypography, adapter.StageSaving,
	}
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if onStage != nil {
			onStage(s)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	fail := f.failThemes[req.Theme.ID]
	if !fail {
		f.rendered = append(f.rendered, req.Theme.ID)
	}
	f.mu.Unlock()
	if fail {
		return nil, domain.Classify(domain.ErrKindRender, errors.New("render blew up"))
	}
	return &adapter.RenderResult{
		FilePath: req.OutputFile,
		FileSize: 1024,
		Width:    req.Output.PixelWidth(),
		Height:   req.Output.PixelHeight(),
	}, nil
}
