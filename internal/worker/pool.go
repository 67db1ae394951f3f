// Package worker executes fetch units under a shared concurrency budget.
//
// A Pool runs the units of one task run through the cache, the per-target
// rate limiter, and the fetcher, retrying transient failures with backoff
// until attempts run out.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seoscope/seoscope/internal/cache"
	"github.com/seoscope/seoscope/internal/metrics"
	"github.com/seoscope/seoscope/internal/policy/ratelimit"
	"github.com/seoscope/seoscope/internal/policy/retry"
	"github.com/seoscope/seoscope/internal/scrape"
)

// Config controls Pool behavior.
type Config struct {
	Concurrency  int
	FetchTimeout time.Duration
	CacheTTL     time.Duration
	BlobPrefix   string
	ContentType  string
}

// Pool fans fetch units out to at most Concurrency workers at a time.
type Pool struct {
	fetcher   scrape.Fetcher
	headless  scrape.Fetcher
	cache     *cache.Cache
	limiter   *ratelimit.Limiter
	policy    *retry.Policy
	registry  *metrics.Registry
	blobStore scrape.BlobStore
	cfg       Config
	logger    *zap.Logger

	slots chan struct{}
}

// New constructs a Pool.
func New(
	fetcher scrape.Fetcher,
	headless scrape.Fetcher,
	resultCache *cache.Cache,
	limiter *ratelimit.Limiter,
	policy *retry.Policy,
	registry *metrics.Registry,
	blobStore scrape.BlobStore,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Pool{
		fetcher:   fetcher,
		headless:  headless,
		cache:     resultCache,
		limiter:   limiter,
		policy:    policy,
		registry:  registry,
		blobStore: blobStore,
		cfg:       cfg,
		logger:    logger,
		slots:     make(chan struct{}, cfg.Concurrency),
	}
}

// Execute runs every unit to completion (or exhaustion) and returns one
// result per unit, in input order. The concurrency budget is shared across
// concurrent Execute calls, so overlapping task runs cannot oversubscribe
// the pool.
func (p *Pool) Execute(ctx context.Context, units []scrape.FetchUnit, maxAttempts int) []scrape.UnitResult {
	results := make([]scrape.UnitResult, len(units))
	var wg sync.WaitGroup
	for i, unit := range units {
		wg.Add(1)
		go func(i int, unit scrape.FetchUnit) {
			defer wg.Done()
			results[i] = p.runUnit(ctx, unit, maxAttempts)
		}(i, unit)
	}
	wg.Wait()
	return results
}

// runUnit drives one unit through its attempts. The concurrency slot is
// held only while a fetch is in flight, never across a backoff sleep.
func (p *Pool) runUnit(ctx context.Context, unit scrape.FetchUnit, maxAttempts int) scrape.UnitResult {
	result := scrape.UnitResult{Unit: unit}
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		resp, hit, err := p.attempt(ctx, unit)
		if err == nil {
			result.Response = resp
			result.CacheHit = hit
			p.observe(unit, resp.Duration, hit, false)
			p.archive(ctx, unit, resp, &result)
			return result
		}

		delay, retryAgain := p.policy.Decide(err, attempt, maxAttempts)
		p.observe(unit, 0, false, true)
		if !retryAgain {
			result.Err = err
			return result
		}
		p.logger.Debug("fetch unit retrying",
			zap.String("task_id", unit.TaskID),
			zap.String("target", unit.TargetKey),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			result.Err = fmt.Errorf("unit canceled during backoff: %w", ctx.Err())
			return result
		case <-time.After(delay):
		}
	}
}

// attempt performs one fetch through the cache. Coalesced and cached reads
// skip the rate limiter entirely; only a real outbound fetch pays for a
// dispatch slot.
func (p *Pool) attempt(ctx context.Context, unit scrape.FetchUnit) (scrape.FetchResponse, bool, error) {
	return p.cache.GetOrFetch(ctx, unit.Fingerprint, p.cfg.CacheTTL, func(ctx context.Context) (scrape.FetchResponse, error) {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return scrape.FetchResponse{}, fmt.Errorf("pool slot wait canceled: %w", ctx.Err())
		}
		defer func() { <-p.slots }()

		metrics.IncActiveUnits()
		defer metrics.DecActiveUnits()

		if err := p.limiter.Acquire(ctx, unit.TargetKey); err != nil {
			return scrape.FetchResponse{}, err
		}

		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
		return p.pickFetcher(unit).Fetch(fetchCtx, scrape.FetchRequest{
			TaskID:  unit.TaskID,
			URL:     unit.URL,
			Keyword: unit.Keyword,
		})
	})
}

func (p *Pool) pickFetcher(unit scrape.FetchUnit) scrape.Fetcher {
	if unit.Headless && p.headless != nil {
		return p.headless
	}
	return p.fetcher
}

// observe feeds both metric surfaces: the sliding-window registry the alert
// evaluator reads, and the Prometheus mirrors.
func (p *Pool) observe(unit scrape.FetchUnit, duration time.Duration, cacheHit, failed bool) {
	tags := map[string]string{"target": unit.TargetKey}
	if failed {
		p.registry.Record("fetch_errors", 1, tags)
		metrics.ObserveFetchUnit(unit.TargetKey, "error", 0)
		return
	}
	p.registry.Record("fetch_errors", 0, tags)
	p.registry.Record("fetch_latency_ms", float64(duration.Milliseconds()), tags)
	if cacheHit {
		metrics.ObserveCacheEvent("hit")
		metrics.ObserveFetchUnit(unit.TargetKey, "cached", duration)
		return
	}
	metrics.ObserveCacheEvent("miss")
	metrics.ObserveFetchUnit(unit.TargetKey, "success", duration)
}

// archive uploads the fetched body when a blob store is configured. Cache
// hits were archived when first fetched, so they are skipped.
func (p *Pool) archive(ctx context.Context, unit scrape.FetchUnit, resp scrape.FetchResponse, result *scrape.UnitResult) {
	if p.blobStore == nil || result.CacheHit || len(resp.Body) == 0 {
		return
	}
	uri, err := p.blobStore.PutObject(ctx, p.buildBlobPath(unit), p.cfg.ContentType, resp.Body)
	if err != nil {
		p.logger.Warn("blob archive failed",
			zap.String("task_id", unit.TaskID),
			zap.String("target", unit.TargetKey),
			zap.Error(err),
		)
		return
	}
	result.BlobURI = uri
}

func (p *Pool) buildBlobPath(unit scrape.FetchUnit) string {
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", unit.TaskID, unit.Fingerprint)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, unit.TaskID, unit.Fingerprint)
}
