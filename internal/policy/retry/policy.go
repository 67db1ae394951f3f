// Package retry decides whether and when failed fetch operations run again.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/seoscope/seoscope/internal/scrape"
)

// Policy implements jittered exponential backoff over classified errors.
type Policy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// Config holds backoff shape parameters.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// New builds a Policy, filling unset knobs with sane defaults.
func New(cfg Config) *Policy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &Policy{
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
	}
}

// Decide returns whether attempt+1 should happen and after what delay.
// attempt is 1-based: the count of attempts already made. Permanent errors
// are never retried; transient errors retry until maxAttempts is spent.
func (p *Policy) Decide(err error, attempt, maxAttempts int) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	if attempt >= maxAttempts {
		return 0, false
	}
	if !scrape.IsRetriable(err) {
		return 0, false
	}
	return p.backoff(attempt), true
}

// backoff computes base * 2^(attempt-1) scaled by a random factor in
// [0.5, 1.5], capped at maxDelay.
func (p *Policy) backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + p.randomJitter(time.Duration(delay))
}

func (p *Policy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
