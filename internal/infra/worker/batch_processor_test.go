package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/usecase"
)

type procFixture struct {
	jobs     *memJobRepo
	posters  *memPosterRepo
	resolver *fakeResolver
	fetcher  *fakeFetcher
	renderer *fakeRenderer
	queue    *MemQueue
	proc     *BatchProcessor
	pool     *Pool
	cancel   context.CancelFunc
}

func newProcFixture(t *testing.T) (*procFixture, context.Context) {
	t.Helper()
	logger := zerolog.Nop()
	f := &procFixture{
		jobs:     newMemJobRepo(),
		posters:  newMemPosterRepo(),
		resolver: &fakeResolver{},
		fetcher:  &fakeFetcher{},
		renderer: &fakeRenderer{},
		queue:    NewMemQueue(8),
	}
	catalog := &fakeCatalog{ids: []string{"noir", "midnight_blue", "pastel_dream"}}
	tracker := usecase.NewProgressTracker(f.jobs, &logger)
	f.proc = NewBatchProcessor(f.jobs, f.posters, noopTxManager{}, catalog,
		f.resolver, f.fetcher, f.renderer, tracker, f.queue, Config{
			OutputDir:     t.TempDir(),
			FetchRetries:  2,
			RetryBackoff:  time.Millisecond,
			RateLimitWait: 5 * time.Millisecond,
			JobTimeout:    5 * time.Second,
			PollInterval:  10 * time.Millisecond,
		}, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.pool = NewPool(2, &logger)
	f.pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
	})
	return f, ctx
}

func (f *procFixture) seedBatch(t *testing.T, batchID string, themes ...string) []string {
	t.Helper()
	now := time.Now().UTC()
	ids := make([]string, 0, len(themes))
	for i, theme := range themes {
		id := batchID + "-" + theme
		job := &model.Job{
			ID: id, BatchID: batchID,
			City: "Paris", Country: "France", Theme: theme,
			Distance: 29000, PageFormat: "classic", Orientation: "portrait", DPI: 150,
			Status:    model.JobStatusPending,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		}
		if err := f.jobs.Save(context.Background(), nil, job); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return ids
}

func (f *procFixture) runBatch(t *testing.T, ctx context.Context) string {
	t.Helper()
	batchID, claimed, err := f.jobs.ClaimPendingBatch(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	f.proc.ProcessBatch(ctx, f.pool, batchID, claimed)
	return batchID
}

func TestProcessBatchRendersEveryTheme(t *testing.T) {
	t.Parallel()

	f, ctx := newProcFixture(t)
	ids := f.seedBatch(t, "b1", "noir", "midnight_blue", "pastel_dream")
	f.runBatch(t, ctx)

	for _, id := range ids {
		job, err := f.jobs.FindByID(ctx, nil, id)
		if err != nil {
			t.Fatalf("find %s: %v", id, err)
		}
		if job.Status != model.JobStatusCompleted {
			t.Fatalf("job %s: expected completed, got %s (%s)", id, job.Status, job.ErrorMessage)
		}
		if job.Progress != 100 {
			t.Fatalf("job %s: expected progress 100, got %d", id, job.Progress)
		}
		if job.Latitude == 0 || job.Longitude == 0 {
			t.Fatalf("job %s: coordinates not backfilled", id)
		}
	}
	if f.posters.count() != 3 {
		t.Fatalf("expected 3 posters, got %d", f.posters.count())
	}

	// The whole batch shares one resolution and one fetch.
	if f.resolver.callCount() != 1 {
		t.Fatalf("expected exactly one geocode call, got %d", f.resolver.callCount())
	}
	if f.fetcher.callCount() != 1 {
		t.Fatalf("expected exactly one map fetch, got %d", f.fetcher.callCount())
	}
}

func TestProcessBatchIsolatesRenderFailure(t *testing.T) {
	t.Parallel()

	f, ctx := newProcFixture(t)
	f.renderer.failThemes = map[string]bool{"midnight_blue": true}
	f.seedBatch(t, "b1", "noir", "midnight_blue", "pastel_dream")
	f.runBatch(t, ctx)

	good, _ := f.jobs.FindByID(ctx, nil, "b1-noir")
	bad, _ := f.jobs.FindByID(ctx, nil, "b1-midnight_blue")
	also, _ := f.jobs.FindByID(ctx, nil, "b1-pastel_dream")

	if good.Status != model.JobStatusCompleted || also.Status != model.JobStatusCompleted {
		t.Fatalf("sibling jobs must complete: %s %s", good.Status, also.Status)
	}
	if bad.Status != model.JobStatusFailed {
		t.Fatalf("failing theme must fail alone, got %s", bad.Status)
	}
	if bad.ErrorKind != domain.ErrKindRender {
		t.Fatalf("expected render kind, got %s", bad.ErrorKind)
	}
	if f.posters.count() != 2 {
		t.Fatalf("expected 2 posters, got %d", f.posters.count())
	}
}

func TestProcessBatchFetchFailureFailsAll(t *testing.T) {
	t.Parallel()

	f, ctx := newProcFixture(t)
	f.fetcher.err = domain.Classify(domain.ErrKindTransport, context.DeadlineExceeded)
	ids := f.seedBatch(t, "b1", "noir", "pastel_dream")
	f.runBatch(t, ctx)

	for _, id := range ids {
		job, _ := f.jobs.FindByID(ctx, nil, id)
		if job.Status != model.JobStatusFailed {
			t.Fatalf("job %s: expected failed, got %s", id, job.Status)
		}
		if job.ErrorKind != domain.ErrKindTransport {
			t.Fatalf("job %s: expected transport kind, got %s", id, job.ErrorKind)
		}
		if !job.RetryAllowed() {
			t.Fatalf("job %s: network failure must stay retryable", id)
		}
	}
	// Network failures are retried up to the configured attempt count.
	if f.fetcher.callCount() != 2 {
		t.Fatalf("expected 2 fetch attempts, got %d", f.fetcher.callCount())
	}
	if f.posters.count() != 0 {
		t.Fatalf("no posters expected, got %d", f.posters.count())
	}
}

func TestProcessBatchRejectedFetchNotRetried(t *testing.T) {
	t.Parallel()

	f, ctx := newProcFixture(t)
	f.fetcher.err = domain.Classify(domain.ErrKindDataFetch, errors.New("overpass status 400"))
	ids := f.seedBatch(t, "b1", "noir")
	f.runBatch(t, ctx)

	for _, id := range ids {
		job, _ := f.jobs.FindByID(ctx, nil, id)
		if job.Status != model.JobStatusFailed {
			t.Fatalf("job %s: expected failed, got %s", id, job.Status)
		}
		if job.ErrorKind != domain.ErrKindDataFetch {
			t.Fatalf("job %s: expected data_fetch kind, got %s", id, job.ErrorKind)
		}
	}
	// A rejected query fails the same way every time; repeating it is waste.
	if f.fetcher.callCount() != 1 {
		t.Fatalf("expected a single fetch attempt, got %d", f.fetcher.callCount())
	}
}

func TestProcessBatchWaitsOutGeocodeThrottle(t *testing.T) {
	t.Parallel()

	f, ctx := newProcFixture(t)
	// The upstream hint far exceeds the configured ceiling; the wait is
	// capped and the batch still completes on the second attempt.
	f.resolver.errOnce = &domain.RateLimitError{RetryAfter: 90 * time.Second}
	ids := f.seedBatch(t, "b1", "noir", "midnight_blue")
	f.runBatch(t, ctx)

	for _, id := range ids {
		job, _ := f.jobs.FindByID(ctx, nil, id)
		if job.Status != model.JobStatusCompleted {
			t.Fatalf("job %s: expected completed, got %s (%s)", id, job.Status, job.ErrorMessage)
		}
	}
	if f.resolver.callCount() != 2 {
		t.Fatalf("expected 2 geocode attempts, got %d", f.resolver.callCount())
	}
}

func TestProcessBatchPersistentThrottleFailsRetryable(t *testing.T) {
	t.Parallel()

	f, ctx := newProcFixture(t)
	f.resolver.err = &domain.RateLimitError{RetryAfter: time.Hour}
	ids := f.seedBatch(t, "b1", "noir")
	f.runBatch(t, ctx)

	for _, id := range ids {
		job, _ := f.jobs.FindByID(ctx, nil, id)
		if job.Status != model.JobStatusFailed {
			t.Fatalf("job %s: expected failed, got %s", id, job.Status)
		}
		if job.ErrorKind != domain.ErrKindTransport {
			t.Fatalf("job %s: expected transport kind, got %s", id, job.ErrorKind)
		}
		if !job.RetryAllowed() {
			t.Fatalf("job %s: exhausted throttle must stay retryable", id)
		}
	}
	if f.resolver.callCount() != maxThrottleWaits+1 {
		t.Fatalf("expected %d geocode attempts, got %d", maxThrottleWaits+1, f.resolver.callCount())
	}
	if f.fetcher.callCount() != 0 {
		t.Fatalf("fetch must not run after geocoding gives up")
	}
}

func TestProcessBatchLocationNotFoundFailsAll(t *testing.T) {
	t.Parallel()

	f, ctx := newProcFixture(t)
	f.resolver.err = domain.ErrLocationNotFound
	ids := f.seedBatch(t, "b1", "noir", "midnight_blue")
	f.runBatch(t, ctx)

	for _, id := range ids {
		job, _ := f.jobs.FindByID(ctx, nil, id)
		if job.Status != model.JobStatusFailed {
			t.Fatalf("job %s: expected failed, got %s", id, job.Status)
		}
		if job.ErrorKind != domain.ErrKindGeocoding {
			t.Fatalf("job %s: expected geocoding kind, got %s", id, job.ErrorKind)
		}
	}
	// Not-found is definitive; no retry and no fetch.
	if f.resolver.callCount() != 1 {
		t.Fatalf("expected one geocode attempt, got %d", f.resolver.callCount())
	}
	if f.fetcher.callCount() != 0 {
		t.Fatalf("fetch must not run after geocoding failure")
	}
}

func TestProcessBatchSkipsCoordinatesWhenProvided(t *testing.T) {
	t.Parallel()

	f, ctx := newProcFixture(t)
	now := time.Now().UTC()
	job := &model.Job{
		ID: "j1", BatchID: "b1", City: "Paris", Country: "France", Theme: "noir",
		Distance: 29000, Latitude: 48.8566, Longitude: 2.3522,
		PageFormat: "classic", Orientation: "portrait", DPI: 150,
		Status: model.JobStatusPending, CreatedAt: now,
	}
	if err := f.jobs.Save(ctx, nil, job); err != nil {
		t.Fatal(err)
	}
	f.runBatch(t, ctx)

	if f.resolver.callCount() != 0 {
		t.Fatalf("caller-supplied coordinates must skip geocoding, got %d calls", f.resolver.callCount())
	}
	got, _ := f.jobs.FindByID(ctx, nil, "j1")
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.ErrorMessage)
	}
}

func TestProcessBatchDiscardsCancelledJob(t *testing.T) {
	t.Parallel()

	f, ctx := newProcFixture(t)
	f.seedBatch(t, "b1", "noir", "midnight_blue")
	batchID, claimed, err := f.jobs.ClaimPendingBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Cancelled after the claim, before dispatch: the render is skipped and
	// the job stays cancelled.
	if err := f.jobs.MarkCancelled(ctx, nil, "b1-noir", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	f.proc.ProcessBatch(ctx, f.pool, batchID, claimed)

	cancelled, _ := f.jobs.FindByID(ctx, nil, "b1-noir")
	if cancelled.Status != model.JobStatusCancelled {
		t.Fatalf("cancelled job must stay cancelled, got %s", cancelled.Status)
	}
	other, _ := f.jobs.FindByID(ctx, nil, "b1-midnight_blue")
	if other.Status != model.JobStatusCompleted {
		t.Fatalf("sibling must complete, got %s", other.Status)
	}
	if _, err := f.posters.FindByJobID(ctx, nil, "b1-noir"); err != domain.ErrNotFound {
		t.Fatalf("cancelled job must not produce a poster")
	}
}

func TestProcessBatchRecordsProgressSteps(t *testing.T) {
	t.Parallel()

	f, ctx := newProcFixture(t)
	f.seedBatch(t, "b1", "noir")
	f.runBatch(t, ctx)

	job, err := f.jobs.FindByID(ctx, nil, "b1-noir")
	if err != nil {
		t.Fatal(err)
	}
	if len(job.Steps) == 0 {
		t.Fatalf("expected a step log")
	}
	texts := make(map[string]bool, len(job.Steps))
	prev := 0
	for _, s := range job.Steps {
		texts[s.Text] = true
		if s.Progress < prev {
			t.Fatalf("progress regressed: %d after %d (%q)", s.Progress, prev, s.Text)
		}
		prev = s.Progress
	}
	for _, want := range []string{
		"Location found: Paris, France ✓",
		"Streets downloaded ✓",
		"Water features downloaded ✓",
		"Parks downloaded ✓",
		"Rendering poster with noir theme...",
		"Saving poster...",
		"Complete! noir",
	} {
		if !texts[want] {
			t.Errorf("missing step %q", want)
		}
	}
	if job.Progress != 100 {
		t.Fatalf("final progress must be 100, got %d", job.Progress)
	}
}
