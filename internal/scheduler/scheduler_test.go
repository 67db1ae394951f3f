package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seoscope/seoscope/internal/cache"
	"github.com/seoscope/seoscope/internal/hash/sha256"
	"github.com/seoscope/seoscope/internal/metrics"
	"github.com/seoscope/seoscope/internal/policy/ratelimit"
	"github.com/seoscope/seoscope/internal/policy/retry"
	"github.com/seoscope/seoscope/internal/scrape"
	memstore "github.com/seoscope/seoscope/internal/store/memory"
	"github.com/seoscope/seoscope/internal/worker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("task-%d", g.n), nil
}

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *stubFetcher) Fetch(_ context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return scrape.FetchResponse{}, f.err
	}
	return scrape.FetchResponse{StatusCode: 200, Body: []byte("ok"), URL: req.URL}, nil
}

func (f *stubFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type blockingFetcher struct {
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
}

func (f *blockingFetcher) Fetch(ctx context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	f.startOnce.Do(func() { close(f.started) })
	select {
	case <-f.release:
	case <-ctx.Done():
		return scrape.FetchResponse{}, ctx.Err()
	}
	return scrape.FetchResponse{StatusCode: 200, Body: []byte("ok"), URL: req.URL}, nil
}

func newTestScheduler(t *testing.T, store scrape.KVStore, fetcher scrape.Fetcher, cfg Config) (*Scheduler, *fakeClock) {
	t.Helper()
	metrics.Init()

	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	pool := worker.New(
		fetcher,
		nil,
		cache.New(cache.Config{}, nil, nil),
		ratelimit.New(ratelimit.Config{}),
		retry.New(retry.Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
		metrics.NewRegistry(time.Minute),
		nil,
		worker.Config{Concurrency: 2, FetchTimeout: time.Second, CacheTTL: time.Minute},
		nil,
	)

	s, err := New(cfg, pool, store, clk, &seqIDs{}, sha256.New(), nil)
	require.NoError(t, err)
	return s, clk
}

func onceSpec(at time.Time) scrape.TaskSpec {
	return scrape.TaskSpec{
		Kind:     scrape.TaskKindSingleURL,
		Payload:  scrape.TaskPayload{URLs: []string{"https://example.com"}},
		Schedule: scrape.Schedule{Kind: scrape.ScheduleOnce, At: at},
	}
}

func waitForStatus(t *testing.T, s *Scheduler, id string, want scrape.TaskStatus) scrape.Task {
	t.Helper()
	var task scrape.Task
	require.Eventually(t, func() bool {
		got, err := s.Get(id)
		if err != nil {
			return false
		}
		task = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return task
}

func TestSubmitRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()

	s, clk := newTestScheduler(t, nil, &stubFetcher{}, Config{})
	spec := onceSpec(clk.Now().Add(-time.Hour))
	_, err := s.Submit(context.Background(), spec)
	require.ErrorIs(t, err, scrape.ErrInvalidSchedule)
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	s, clk := newTestScheduler(t, nil, &stubFetcher{}, Config{})
	spec := onceSpec(clk.Now())
	spec.Payload.URLs = nil
	_, err := s.Submit(context.Background(), spec)
	require.Error(t, err)
}

func TestSubmitEnforcesCapacity(t *testing.T) {
	t.Parallel()

	s, clk := newTestScheduler(t, nil, &stubFetcher{}, Config{MaxPendingTasks: 1})

	_, err := s.Submit(context.Background(), onceSpec(clk.Now().Add(time.Hour)))
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), onceSpec(clk.Now().Add(time.Hour)))
	require.ErrorIs(t, err, scrape.ErrCapacityExceeded)
}

func TestCancelUnknownTask(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, nil, &stubFetcher{}, Config{})
	_, err := s.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}

func TestCancelPendingTaskIsIdempotent(t *testing.T) {
	t.Parallel()

	s, clk := newTestScheduler(t, nil, &stubFetcher{}, Config{})
	task, err := s.Submit(context.Background(), onceSpec(clk.Now().Add(time.Hour)))
	require.NoError(t, err)

	cancelled, err := s.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.TaskStatusCancelled, cancelled.Status)

	// A second cancel is a no-op on the terminal state.
	again, err := s.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.TaskStatusCancelled, again.Status)
}

func TestTickRunsDueTaskToSuccess(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{}
	store := memstore.New()
	s, clk := newTestScheduler(t, store, fetcher, Config{})

	task, err := s.Submit(context.Background(), onceSpec(clk.Now()))
	require.NoError(t, err)

	s.Tick(context.Background())
	done := waitForStatus(t, s, task.ID, scrape.TaskStatusSucceeded)

	require.Equal(t, 1, done.RunCount)
	require.NotNil(t, done.LastRunAt)
	require.Equal(t, 1, done.Counters.UnitsSucceeded)
	require.Equal(t, 0, done.Counters.UnitsFailed)
	require.Equal(t, 1, fetcher.count())
}

func TestTickDoesNotFireFutureTask(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{}
	s, clk := newTestScheduler(t, nil, fetcher, Config{})

	task, err := s.Submit(context.Background(), onceSpec(clk.Now().Add(time.Hour)))
	require.NoError(t, err)

	s.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.TaskStatusPending, got.Status)
	require.Zero(t, fetcher.count())
}

func TestTaskFailsWhenEveryUnitFails(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{err: scrape.NewPermanentError(scrape.FetchErrNotFound, errors.New("404"))}
	s, clk := newTestScheduler(t, nil, fetcher, Config{})

	task, err := s.Submit(context.Background(), onceSpec(clk.Now()))
	require.NoError(t, err)

	s.Tick(context.Background())
	done := waitForStatus(t, s, task.ID, scrape.TaskStatusFailed)
	require.Equal(t, 1, done.Counters.UnitsFailed)
	require.NotEmpty(t, done.ErrorText)
}

type flakyURLFetcher struct {
	mu       sync.Mutex
	flakyURL string
	failures int
	attempts map[string]int
}

func (f *flakyURLFetcher) Fetch(_ context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = make(map[string]int)
	}
	f.attempts[req.URL]++
	if req.URL == f.flakyURL && f.attempts[req.URL] <= f.failures {
		return scrape.FetchResponse{}, scrape.NewTransientError(scrape.FetchErrConnection, errors.New("reset"))
	}
	return scrape.FetchResponse{StatusCode: 200, Body: []byte("ok"), URL: req.URL}, nil
}

func TestBulkTaskSucceedsAfterTransientUnitFailures(t *testing.T) {
	t.Parallel()

	fetcher := &flakyURLFetcher{flakyURL: "https://b.example.com", failures: 2}
	s, clk := newTestScheduler(t, nil, fetcher, Config{})

	spec := scrape.TaskSpec{
		Kind: scrape.TaskKindBulkURL,
		Payload: scrape.TaskPayload{URLs: []string{
			"https://a.example.com",
			"https://b.example.com",
			"https://c.example.com",
		}},
		Schedule:    scrape.Schedule{Kind: scrape.ScheduleOnce, At: clk.Now()},
		MaxAttempts: 3,
	}
	task, err := s.Submit(context.Background(), spec)
	require.NoError(t, err)

	s.Tick(context.Background())
	done := waitForStatus(t, s, task.ID, scrape.TaskStatusSucceeded)

	require.Equal(t, 3, done.Counters.UnitsSucceeded)
	require.Equal(t, 0, done.Counters.UnitsFailed)
	require.Equal(t, 2, done.Counters.Retries)
	require.False(t, done.PartialFailure())
}

func TestBulkTaskReportsPartialFailure(t *testing.T) {
	t.Parallel()

	fetcher := &flakyURLFetcher{flakyURL: "https://b.example.com", failures: 10}
	s, clk := newTestScheduler(t, nil, fetcher, Config{})

	spec := scrape.TaskSpec{
		Kind: scrape.TaskKindBulkURL,
		Payload: scrape.TaskPayload{URLs: []string{
			"https://a.example.com",
			"https://b.example.com",
		}},
		Schedule:    scrape.Schedule{Kind: scrape.ScheduleOnce, At: clk.Now()},
		MaxAttempts: 2,
	}
	task, err := s.Submit(context.Background(), spec)
	require.NoError(t, err)

	s.Tick(context.Background())
	done := waitForStatus(t, s, task.ID, scrape.TaskStatusSucceeded)

	require.Equal(t, 1, done.Counters.UnitsSucceeded)
	require.Equal(t, 1, done.Counters.UnitsFailed)
	require.True(t, done.PartialFailure())
	require.NotEmpty(t, done.ErrorText)
}

func TestRecurringTaskReArmsAfterRun(t *testing.T) {
	t.Parallel()

	s, clk := newTestScheduler(t, nil, &stubFetcher{}, Config{})

	spec := scrape.TaskSpec{
		Kind:    scrape.TaskKindSingleURL,
		Payload: scrape.TaskPayload{URLs: []string{"https://example.com"}},
		Schedule: scrape.Schedule{
			Kind:  scrape.ScheduleInterval,
			Every: time.Minute,
		},
	}
	task, err := s.Submit(context.Background(), spec)
	require.NoError(t, err)
	firstRun := task.NextRunAt

	clk.Advance(time.Minute)
	s.Tick(context.Background())

	// The run completes and the schedule re-arms on the interval grid.
	rearmed := waitForStatus(t, s, task.ID, scrape.TaskStatusPending)
	require.Equal(t, 1, rearmed.RunCount)
	require.True(t, rearmed.NextRunAt.After(firstRun))
}

func TestCancelInterruptsInFlightRun(t *testing.T) {
	t.Parallel()

	fetcher := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	s, clk := newTestScheduler(t, nil, fetcher, Config{})
	task, err := s.Submit(context.Background(), onceSpec(clk.Now()))
	require.NoError(t, err)

	s.Tick(context.Background())
	<-fetcher.started

	_, err = s.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	close(fetcher.release)

	// The run finishes but the task stays cancelled.
	require.Eventually(t, func() bool {
		got, err := s.Get(task.ID)
		return err == nil && got.Status == scrape.TaskStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecoveryRequeuesInterruptedRuns(t *testing.T) {
	t.Parallel()
	metrics.Init()

	store := memstore.New()
	interrupted := scrape.Task{
		ID:          "task-recovered",
		Kind:        scrape.TaskKindSingleURL,
		Payload:     scrape.TaskPayload{URLs: []string{"https://example.com"}},
		Schedule:    scrape.Schedule{Kind: scrape.ScheduleOnce, At: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)},
		Status:      scrape.TaskStatusRunning,
		NextRunAt:   time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
		MaxAttempts: 3,
	}
	raw, err := json.Marshal(interrupted)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "task/"+interrupted.ID, raw))

	s, clk := newTestScheduler(t, store, &stubFetcher{}, Config{})

	got, err := s.Get(interrupted.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.TaskStatusPending, got.Status)
	require.Equal(t, clk.Now(), got.NextRunAt)
}

func TestListReturnsTasksOldestFirst(t *testing.T) {
	t.Parallel()

	s, clk := newTestScheduler(t, nil, &stubFetcher{}, Config{})

	first, err := s.Submit(context.Background(), onceSpec(clk.Now().Add(time.Hour)))
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := s.Submit(context.Background(), onceSpec(clk.Now().Add(time.Hour)))
	require.NoError(t, err)

	tasks := s.List()
	require.Len(t, tasks, 2)
	require.Equal(t, first.ID, tasks[0].ID)
	require.Equal(t, second.ID, tasks[1].ID)
}
