// Package ratelimit implements per-target pacing for outbound operations.
package ratelimit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seoscope/seoscope/internal/metrics"
)

// Config holds rate limiter configuration. The token bucket caps sustained
// request rate per target; MinDelay/MaxDelay enforce a uniformly randomized
// gap between consecutive dispatches to the same target.
type Config struct {
	RPS      float64
	Burst    int
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Limiter manages per-target pacing state. Targets are paced independently,
// so congestion on one target never delays another.
type Limiter struct {
	mu      sync.Mutex
	targets map[string]*targetState
	cfg     Config
	rate    rate.Limit
	burst   int
}

type targetState struct {
	limiter *rate.Limiter

	mu     sync.Mutex
	nextAt time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Limiter{
		targets: make(map[string]*targetState),
		cfg:     cfg,
		rate:    r,
		burst:   burst,
	}
}

// Acquire blocks until pacing constraints for the target are satisfied. It
// never denies; it only delays, and it returns early if the context ends.
func (l *Limiter) Acquire(ctx context.Context, targetKey string) error {
	st := l.state(targetKey)

	start := time.Now()
	if err := st.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	// Claim the next dispatch slot under the target lock, then sleep
	// outside it so concurrent units queue instead of serializing the map.
	st.mu.Lock()
	now := time.Now()
	dispatchAt := st.nextAt
	if dispatchAt.Before(now) {
		dispatchAt = now
	}
	st.nextAt = dispatchAt.Add(l.spacing())
	st.mu.Unlock()

	if wait := time.Until(dispatchAt); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(targetKey, waited)
	}
	return nil
}

func (l *Limiter) state(targetKey string) *targetState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.targets[targetKey]
	if !ok {
		st = &targetState{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.targets[targetKey] = st
	}
	return st
}

// spacing picks a uniformly random gap in [MinDelay, MaxDelay].
func (l *Limiter) spacing() time.Duration {
	if l.cfg.MinDelay <= 0 && l.cfg.MaxDelay <= 0 {
		return 0
	}
	span := l.cfg.MaxDelay - l.cfg.MinDelay
	if span <= 0 {
		return l.cfg.MinDelay
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return l.cfg.MinDelay + span/2
	}
	return l.cfg.MinDelay + time.Duration(n.Int64())
}
