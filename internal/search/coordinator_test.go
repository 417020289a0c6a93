package search

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-search/internal/jobs"
	"github.com/maltedev/price-search/internal/models"
	"github.com/maltedev/price-search/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeDB struct {
	mu      sync.Mutex
	rows    []models.PriceRecord
	reads   atomic.Int32
	readErr error
}

func (db *fakeDB) add(records ...models.PriceRecord) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rows = append(db.rows, records...)
}

func (db *fakeDB) FreshPage(ctx context.Context, query string, since time.Time, limit, offset int) ([]models.PriceRecord, int, error) {
	db.reads.Add(1)
	if db.readErr != nil {
		return nil, 0, db.readErr
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	var fresh []models.PriceRecord
	for _, r := range db.rows {
		if r.Query == query && !r.CapturedAt.Before(since) && !r.IsNoResults() {
			fresh = append(fresh, r)
		}
	}
	slices.SortStableFunc(fresh, func(a, b models.PriceRecord) int {
		return cmp.Or(cmp.Compare(a.Store, b.Store), cmp.Compare(a.Price, b.Price))
	})
	if offset >= len(fresh) {
		return nil, len(fresh), nil
	}
	return fresh[offset:min(offset+limit, len(fresh))], len(fresh), nil
}

func (db *fakeDB) HasFreshNoResults(ctx context.Context, query string, since time.Time) (bool, error) {
	db.reads.Add(1)
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, r := range db.rows {
		if r.Query == query && r.IsNoResults() && !r.CapturedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]time.Time
	acquires atomic.Int32
	now      func() time.Time
}

func newFakeLocks(now func() time.Time) *fakeLocks {
	return &fakeLocks{held: map[string]time.Time{}, now: now}
}

func (l *fakeLocks) Acquire(ctx context.Context, scope, key string) (bool, error) {
	l.acquires.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[scope+"/"+key]; ok {
		return false, nil
	}
	l.held[scope+"/"+key] = l.now()
	return true, nil
}

func (l *fakeLocks) Release(ctx context.Context, scope, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, scope+"/"+key)
	return nil
}

func (l *fakeLocks) ReclaimStale(ctx context.Context, scope, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lockedAt, ok := l.held[scope+"/"+key]
	if ok && l.now().Sub(lockedAt) > 5*time.Minute {
		delete(l.held, scope+"/"+key)
		return true, nil
	}
	return false, nil
}

func (l *fakeLocks) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[models.GlobalScope+"/"+key]
	return ok
}

// fakeRunner behaves like jobs.Runner: it persists what the stores return,
// or the sentinel when they return nothing, and always releases the lock.
type fakeRunner struct {
	db      *fakeDB
	locks   *fakeLocks
	clock   *clock
	scrape  func(job jobs.Job) []models.PriceRecord
	err     error
	gate    chan struct{}
	started chan jobs.Job
	calls   atomic.Int32
}

func (r *fakeRunner) RunJob(ctx context.Context, job jobs.Job) ([]models.PriceRecord, error) {
	defer r.locks.Release(ctx, job.LockScope, job.LockKey)
	r.calls.Add(1)
	if r.started != nil {
		r.started <- job
	}
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return nil, r.err
	}

	now := r.clock.Now()
	var records []models.PriceRecord
	if r.scrape != nil {
		records = r.scrape(job)
	}
	for i := range records {
		records[i].Query = job.Query
		records[i].CapturedAt = now
	}
	if len(records) == 0 {
		r.db.add(models.NoResultsRecord(job.Query, now))
		return []models.PriceRecord{}, nil
	}
	r.db.add(records...)

	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b models.PriceRecord) int {
		return cmp.Or(cmp.Compare(a.Price, b.Price), cmp.Compare(a.Store, b.Store))
	})
	return sorted, nil
}

func threeItems(job jobs.Job) []models.PriceRecord {
	return []models.PriceRecord{
		{Store: "DIA", Name: "Leche A", Price: 1500, URL: "https://dia.example/a"},
		{Store: "DIA", Name: "Leche B", Price: 900, URL: "https://dia.example/b"},
		{Store: "DIA", Name: "Leche C", Price: 1200, URL: "https://dia.example/c"},
	}
}

type world struct {
	clock       *clock
	db          *fakeDB
	locks       *fakeLocks
	runner      *fakeRunner
	coordinator *Coordinator
}

func newWorld(t *testing.T, cfg Config) *world {
	t.Helper()

	w := &world{clock: &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}, db: &fakeDB{}}
	w.locks = newFakeLocks(w.clock.Now)
	w.runner = &fakeRunner{db: w.db, locks: w.locks, clock: w.clock, scrape: threeItems}

	pool := queue.NewPool(1, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	w.coordinator = NewCoordinator(w.db, w.locks, w.runner, pool, cfg, testLogger())
	w.coordinator.cache.now = w.clock.Now
	return w
}

func leche() Request {
	return Request{Query: "  Leche ", City: "Mar del Plata", Province: "Buenos Aires"}
}

const lecheKey = "leche:BUENOS_AIRES:MAR_DEL_PLATA"

func TestSearch_ShortQuery(t *testing.T) {
	w := newWorld(t, Config{})

	for _, q := range []string{"", "a", "  b  ", "ñ"} {
		resp, err := w.coordinator.Search(context.Background(), Request{Query: q})
		require.NoError(t, err)
		assert.Equal(t, StatusEmpty, resp.Status, "query %q", q)
		assert.Empty(t, resp.Results)
		assert.NotNil(t, resp.Results)
	}

	assert.Zero(t, w.db.reads.Load())
	assert.Zero(t, w.locks.acquires.Load())
	assert.Zero(t, w.runner.calls.Load())
}

func TestSearch_FreshScrape(t *testing.T) {
	w := newWorld(t, Config{})

	resp, err := w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, SourceFresh, resp.Source)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, []int64{900, 1200, 1500},
		[]int64{resp.Results[0].Price, resp.Results[1].Price, resp.Results[2].Price})
	assert.NotEmpty(t, resp.JobID)
	require.NotNil(t, resp.Pagination)
	assert.Equal(t, 3, resp.Pagination.Total)
	assert.False(t, resp.Pagination.HasMore)
	assert.False(t, w.locks.isHeld(lecheKey))
}

func TestSearch_ConcurrentRequestGetsProcessing(t *testing.T) {
	w := newWorld(t, Config{})
	w.runner.gate = make(chan struct{})
	w.runner.started = make(chan jobs.Job, 1)

	first := make(chan Response, 1)
	go func() {
		resp, err := w.coordinator.Search(context.Background(), leche())
		assert.NoError(t, err)
		first <- resp
	}()

	job := <-w.runner.started
	assert.Equal(t, lecheKey, job.LockKey)

	resp, err := w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, resp.Status)
	assert.Equal(t, "Buscando los mejores precios en Mar del Plata...", resp.Message)

	close(w.runner.gate)
	assert.Equal(t, StatusCompleted, (<-first).Status)
	assert.Equal(t, int32(1), w.runner.calls.Load())
}

func TestSearch_CacheHitWithinFreshness(t *testing.T) {
	w := newWorld(t, Config{PageSize: 2})

	_, err := w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)

	w.clock.Advance(10 * time.Minute)
	resp, err := w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, int32(1), w.runner.calls.Load())
	require.Len(t, resp.Results, 2)
	assert.Equal(t, int64(900), resp.Results[0].Price)
	assert.Equal(t, &Pagination{Total: 3, Page: 1, Limit: 2, HasMore: true}, resp.Pagination)

	req := leche()
	req.Page = 2
	resp, err = w.coordinator.Search(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(1500), resp.Results[0].Price)
	assert.False(t, resp.Pagination.HasMore)
}

func TestSearch_StaleCacheAdmitsNewJob(t *testing.T) {
	w := newWorld(t, Config{})

	_, err := w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)

	w.clock.Advance(40 * time.Minute)
	resp, err := w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)

	assert.Equal(t, SourceFresh, resp.Source)
	assert.Equal(t, int32(2), w.runner.calls.Load())
}

func TestSearch_NoResultsIsCached(t *testing.T) {
	w := newWorld(t, Config{})
	w.runner.scrape = nil

	resp, err := w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, SourceFresh, resp.Source)
	assert.Empty(t, resp.Results)
	assert.Equal(t, noResultsMessage, resp.Message)

	w.clock.Advance(time.Minute)
	resp, err = w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Empty(t, resp.Results)
	assert.Equal(t, noResultsMessage, resp.Message)
	assert.Equal(t, int32(1), w.runner.calls.Load())
}

func TestSearch_AsyncMode(t *testing.T) {
	w := newWorld(t, Config{Mode: ModeAsync})
	w.runner.gate = make(chan struct{})

	resp, err := w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, resp.Status)
	assert.NotEmpty(t, resp.JobID)

	resp, err = w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, resp.Status)

	close(w.runner.gate)
	require.Eventually(t, func() bool { return !w.locks.isHeld(lecheKey) }, time.Second, 5*time.Millisecond)

	resp, err = w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Len(t, resp.Results, 3)
}

func TestSearch_AwaitTimeoutReturnsStarted(t *testing.T) {
	w := newWorld(t, Config{AwaitTimeout: 20 * time.Millisecond})
	w.runner.gate = make(chan struct{})
	defer close(w.runner.gate)

	resp, err := w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, resp.Status)
	assert.True(t, w.locks.isHeld(lecheKey), "the job keeps its lock after the caller stops waiting")
}

func TestSearch_ReclaimsStaleLock(t *testing.T) {
	w := newWorld(t, Config{})
	_, err := w.locks.Acquire(context.Background(), models.GlobalScope, lecheKey)
	require.NoError(t, err)

	resp, err := w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, resp.Status)

	w.clock.Advance(6 * time.Minute)
	resp, err = w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, SourceFresh, resp.Source)
}

func TestSearch_JobFailure(t *testing.T) {
	w := newWorld(t, Config{})
	w.runner.err = errors.New("database unavailable")

	resp, err := w.coordinator.Search(context.Background(), leche())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Empty(t, resp.Results)
	assert.Equal(t, failedMessage, resp.Message)
	assert.False(t, w.locks.isHeld(lecheKey))
}

func TestSearch_CacheError(t *testing.T) {
	w := newWorld(t, Config{})
	w.db.readErr = errors.New("connection refused")

	_, err := w.coordinator.Search(context.Background(), leche())
	require.Error(t, err)
	assert.Zero(t, w.locks.acquires.Load())
}

func TestSearch_LocationsAreIndependent(t *testing.T) {
	w := newWorld(t, Config{})
	w.runner.gate = make(chan struct{})
	w.runner.started = make(chan jobs.Job, 2)

	pool := queue.NewPool(2, testLogger())
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	w.coordinator.pool = pool

	results := make(chan Response, 2)
	for _, city := range []string{"Mar del Plata", "Tandil"} {
		go func() {
			req := leche()
			req.City = city
			resp, err := w.coordinator.Search(context.Background(), req)
			assert.NoError(t, err)
			results <- resp
		}()
	}

	keys := []string{(<-w.runner.started).LockKey, (<-w.runner.started).LockKey}
	assert.ElementsMatch(t, []string{lecheKey, "leche:BUENOS_AIRES:TANDIL"}, keys)

	close(w.runner.gate)
	assert.Equal(t, StatusCompleted, (<-results).Status)
	assert.Equal(t, StatusCompleted, (<-results).Status)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "", want: ModeAwait},
		{in: "await", want: ModeAwait},
		{in: " ASYNC ", want: ModeAsync},
		{in: "poll", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
