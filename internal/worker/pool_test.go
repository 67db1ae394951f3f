package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seoscope/seoscope/internal/cache"
	"github.com/seoscope/seoscope/internal/metrics"
	"github.com/seoscope/seoscope/internal/policy/ratelimit"
	"github.com/seoscope/seoscope/internal/policy/retry"
	"github.com/seoscope/seoscope/internal/scrape"
	memblob "github.com/seoscope/seoscope/internal/storage/memory"
)

type countingFetcher struct {
	mu       sync.Mutex
	attempts int
	fails    int
	err      error
}

func (f *countingFetcher) Fetch(_ context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.fails {
		err := f.err
		if err == nil {
			err = scrape.NewTransientError(scrape.FetchErrConnection, errors.New("transient error"))
		}
		return scrape.FetchResponse{}, err
	}
	return scrape.FetchResponse{
		StatusCode: 200,
		Body:       []byte("success"),
		URL:        req.URL,
		Duration:   5 * time.Millisecond,
	}, nil
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func newTestPool(fetcher scrape.Fetcher, blobStore scrape.BlobStore) *Pool {
	metrics.Init()
	return New(
		fetcher,
		nil,
		cache.New(cache.Config{}, nil, nil),
		ratelimit.New(ratelimit.Config{}),
		retry.New(retry.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
		metrics.NewRegistry(time.Minute),
		blobStore,
		Config{Concurrency: 4, FetchTimeout: time.Second, CacheTTL: time.Minute},
		nil,
	)
}

func unit(taskID, url string) scrape.FetchUnit {
	return scrape.FetchUnit{
		TaskID:      taskID,
		Kind:        scrape.TaskKindSingleURL,
		URL:         url,
		TargetKey:   scrape.TargetKey(url),
		Fingerprint: "fp-" + url,
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{fails: 2}
	pool := newTestPool(fetcher, nil)

	results := pool.Execute(context.Background(), []scrape.FetchUnit{unit("task-1", "https://example.com")}, 3)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, 3, results[0].Attempts)
	require.Equal(t, 3, fetcher.count())
	require.Equal(t, []byte("success"), results[0].Response.Body)
}

func TestPoolStopsWhenAttemptsExhausted(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{fails: 10}
	pool := newTestPool(fetcher, nil)

	results := pool.Execute(context.Background(), []scrape.FetchUnit{unit("task-2", "https://example.com")}, 3)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	require.Equal(t, 3, results[0].Attempts)
	require.Equal(t, 3, fetcher.count())
}

func TestPoolDoesNotRetryPermanentFailure(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{
		fails: 10,
		err:   scrape.NewPermanentError(scrape.FetchErrNotFound, errors.New("404")),
	}
	pool := newTestPool(fetcher, nil)

	results := pool.Execute(context.Background(), []scrape.FetchUnit{unit("task-3", "https://gone.example.com")}, 5)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	require.Equal(t, 1, results[0].Attempts)
	require.Equal(t, 1, fetcher.count())
}

func TestPoolServesRepeatUnitsFromCache(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{}
	pool := newTestPool(fetcher, nil)

	first := pool.Execute(context.Background(), []scrape.FetchUnit{unit("task-4", "https://example.com")}, 3)
	require.NoError(t, first[0].Err)
	require.False(t, first[0].CacheHit)

	second := pool.Execute(context.Background(), []scrape.FetchUnit{unit("task-5", "https://example.com")}, 3)
	require.NoError(t, second[0].Err)
	require.True(t, second[0].CacheHit)
	require.Equal(t, 1, fetcher.count(), "cached repeat must not refetch")
}

func TestPoolArchivesBodyToBlobStore(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{}
	blobStore := memblob.NewBlobStore()
	pool := newTestPool(fetcher, blobStore)

	results := pool.Execute(context.Background(), []scrape.FetchUnit{unit("task-6", "https://example.com")}, 3)
	require.NoError(t, results[0].Err)
	require.Equal(t, "memory://task-6/fp-https://example.com.html", results[0].BlobURI)

	stored, ok := blobStore.Object("task-6/fp-https://example.com.html")
	require.True(t, ok)
	require.Equal(t, []byte("success"), stored)
}

type gatedFetcher struct {
	mu        sync.Mutex
	attempts  int
	startOnce sync.Once
	started   chan struct{}
	release   chan struct{}
}

func (f *gatedFetcher) Fetch(_ context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	f.startOnce.Do(func() { close(f.started) })
	<-f.release
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()
	return scrape.FetchResponse{StatusCode: 200, Body: []byte("success"), URL: req.URL}, nil
}

func (f *gatedFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestPoolArchivesCoalescedFetchExactlyOnce(t *testing.T) {
	t.Parallel()

	fetcher := &gatedFetcher{started: make(chan struct{}), release: make(chan struct{})}
	blobStore := memblob.NewBlobStore()
	pool := newTestPool(fetcher, blobStore)

	units := []scrape.FetchUnit{
		unit("task-8", "https://example.com"),
		unit("task-8", "https://example.com"),
	}

	var results []scrape.UnitResult
	done := make(chan struct{})
	go func() {
		defer close(done)
		results = pool.Execute(context.Background(), units, 3)
	}()

	// Hold the fetch open so the duplicate unit can join the flight.
	<-fetcher.started
	time.Sleep(10 * time.Millisecond)
	close(fetcher.release)
	<-done

	require.Equal(t, 1, fetcher.count())

	// The unit that performed the outbound fetch archives and is not a hit;
	// the coalesced duplicate is a hit and must not archive again.
	var winners, hits int
	for _, result := range results {
		require.NoError(t, result.Err)
		if result.CacheHit {
			hits++
			require.Empty(t, result.BlobURI)
		} else {
			winners++
			require.NotEmpty(t, result.BlobURI)
		}
	}
	require.Equal(t, 1, winners)
	require.Equal(t, 1, hits)
}

func TestPoolExecutesManyUnits(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{}
	pool := newTestPool(fetcher, nil)

	units := []scrape.FetchUnit{
		unit("task-7", "https://a.example.com"),
		unit("task-7", "https://b.example.com"),
		unit("task-7", "https://c.example.com"),
	}
	results := pool.Execute(context.Background(), units, 3)
	require.Len(t, results, 3)
	for i, result := range results {
		require.NoError(t, result.Err)
		require.Equal(t, units[i].URL, result.Unit.URL, "results keep input order")
	}
}
