// Package cache memoizes fetch results keyed by request fingerprint.
//
// Lookups are TTL-bounded and concurrent populations of the same key are
// coalesced through singleflight, so identical in-flight work hits the
// fetcher at most once.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/seoscope/seoscope/internal/scrape"
)

const persistPrefix = "cache/"

// Entry is one cached fetch result.
type Entry struct {
	Key       string               `json:"key"`
	Value     scrape.FetchResponse `json:"value"`
	CreatedAt time.Time            `json:"created_at"`
	TTL       time.Duration        `json:"ttl"`
	HitCount  int                  `json:"hit_count"`
}

func (e Entry) expiredAt(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// Stats is the snapshot returned by the cache_stats operation.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Config controls cache behavior.
type Config struct {
	MaxEntries int
}

// Cache is a concurrency-safe TTL cache with population coalescing and
// optional KV persistence across restarts.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	hits    int64
	misses  int64

	flight singleflight.Group
	cfg    Config
	store  scrape.KVStore
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New builds a Cache. A nil store disables persistence; a nil logger
// silences warnings. Persisted entries that are still fresh are reloaded.
func New(cfg Config, store scrape.KVStore, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		entries: make(map[string]Entry),
		cfg:     cfg,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reload()
	return c
}

// Get returns the cached value for key. Expired entries behave exactly like
// absent ones and are evicted on the spot.
func (c *Cache) Get(key string) (scrape.FetchResponse, bool) {
	return c.lookup(key, true)
}

// lookup implements Get. countMiss lets the double-check inside a flight
// skip miss accounting, so one populate counts exactly one miss.
func (c *Cache) lookup(key string, countMiss bool) (scrape.FetchResponse, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		if countMiss {
			c.misses++
		}
		return scrape.FetchResponse{}, false
	}
	if entry.expiredAt(now) {
		delete(c.entries, key)
		c.deletePersisted(key)
		if countMiss {
			c.misses++
		}
		return scrape.FetchResponse{}, false
	}
	entry.HitCount++
	c.entries[key] = entry
	c.hits++
	return entry.Value, true
}

// Put stores value under key for ttl.
func (c *Cache) Put(key string, value scrape.FetchResponse, ttl time.Duration) {
	entry := Entry{
		Key:       key,
		Value:     value,
		CreatedAt: c.now(),
		TTL:       ttl,
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.evictOverflowLocked()
	c.mu.Unlock()

	c.persist(entry)
}

// Invalidate removes key regardless of freshness.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.deletePersisted(key)
}

// Sweep removes every entry expired as of now and returns how many went.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	var expired []string
	for key, entry := range c.entries {
		if entry.expiredAt(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	for _, key := range expired {
		c.deletePersisted(key)
	}
	return len(expired)
}

// GetOrFetch returns the cached value for key or populates it by calling
// fetch. Concurrent callers for the same key share a single fetch: the
// winner invokes it, the rest suspend until its result lands. The returned
// bool reports whether the value came from cache (including a coalesced
// wait on another caller's population).
func (c *Cache) GetOrFetch(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fetch func(ctx context.Context) (scrape.FetchResponse, error),
) (scrape.FetchResponse, bool, error) {
	if value, ok := c.Get(key); ok {
		return value, true, nil
	}

	var invoked bool
	result, err, _ := c.flight.Do(key, func() (any, error) {
		// Another flight may have landed between our miss and this call.
		if value, ok := c.lookup(key, false); ok {
			return value, nil
		}
		invoked = true
		value, err := fetch(ctx)
		if err != nil {
			return scrape.FetchResponse{}, err
		}
		c.Put(key, value, ttl)
		return value, nil
	})
	if err != nil {
		return scrape.FetchResponse{}, false, err
	}
	// Only the caller whose closure performed the fetch reports a miss;
	// everyone who rode the flight shares the result as a hit.
	return result.(scrape.FetchResponse), !invoked, nil
}

// Stats returns the current size and lifetime hit rate.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Size:    len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: rate,
	}
}

// RunSweeper evicts expired entries on a fixed cadence until ctx ends.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(c.now()); n > 0 {
				c.logger.Debug("cache sweep evicted entries", zap.Int("count", n))
			}
		}
	}
}

// evictOverflowLocked drops the oldest entries once MaxEntries is exceeded.
func (c *Cache) evictOverflowLocked() {
	if c.cfg.MaxEntries <= 0 {
		return
	}
	for len(c.entries) > c.cfg.MaxEntries {
		var oldestKey string
		var oldestAt time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.CreatedAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = entry.CreatedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) reload() {
	if c.store == nil {
		return
	}
	persisted, err := c.store.List(context.Background(), persistPrefix)
	if err != nil {
		c.logger.Warn("cache reload failed", zap.Error(err))
		return
	}
	now := c.now()
	loaded := 0
	for _, raw := range persisted {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			c.logger.Warn("cache entry decode failed", zap.Error(err))
			continue
		}
		if entry.expiredAt(now) {
			continue
		}
		c.entries[entry.Key] = entry
		loaded++
	}
	if loaded > 0 {
		c.logger.Info("cache entries reloaded", zap.Int("count", loaded))
	}
}

func (c *Cache) persist(entry Entry) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("cache entry encode failed", zap.Error(err))
		return
	}
	if err := c.store.Save(context.Background(), persistPrefix+entry.Key, raw); err != nil {
		c.logger.Warn("cache entry persist failed", zap.Error(err))
	}
}

func (c *Cache) deletePersisted(key string) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(context.Background(), persistPrefix+key); err != nil {
		c.logger.Debug("cache entry delete failed", zap.Error(err))
	}
}
