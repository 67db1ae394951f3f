// Package metrics aggregates samples emitted by the scheduler and workers.
//
// The Registry keeps a bounded sliding window of raw samples per
// (name, tags) series so the alert evaluator can compute rates and
// percentiles over recent history. Prometheus mirrors for operational
// scraping live in prom.go.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Sample is one recorded measurement.
type Sample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Aggregate summarizes the samples of one query.
type Aggregate struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Rate  float64 `json:"rate_per_second"`
	P95   float64 `json:"p95"`
}

// Registry retains a sliding window of samples per series. Writes are
// append-mostly; pruning happens lazily on append and during Sweep.
type Registry struct {
	mu     sync.RWMutex
	series map[string]*series
	window time.Duration
	now    func() time.Time
}

type series struct {
	name    string
	tags    map[string]string
	samples []Sample
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry retaining samples for the given window.
func NewRegistry(window time.Duration, opts ...Option) *Registry {
	if window <= 0 {
		window = 15 * time.Minute
	}
	r := &Registry{
		series: make(map[string]*series),
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends a sample for the (name, tags) series.
func (r *Registry) Record(name string, value float64, tags map[string]string) {
	now := r.now()
	key := seriesKey(name, tags)

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[key]
	if !ok {
		s = &series{name: name, tags: cloneTags(tags)}
		r.series[key] = s
	}
	s.samples = append(s.samples, Sample{Name: name, Value: value, Timestamp: now, Tags: s.tags})
	s.prune(now.Add(-r.window))
}

// Query aggregates samples for name over the window, merging every series
// whose tags contain all the queried pairs. A nil tags filter matches all
// series of the name; a zero window falls back to the retention window.
func (r *Registry) Query(name string, tags map[string]string, window time.Duration) Aggregate {
	if window <= 0 || window > r.window {
		window = r.window
	}
	cutoff := r.now().Add(-window)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var values []float64
	var sum float64
	for _, s := range r.series {
		if s.name != name || !tagsMatch(s.tags, tags) {
			continue
		}
		for _, sample := range s.samples {
			if sample.Timestamp.Before(cutoff) {
				continue
			}
			values = append(values, sample.Value)
			sum += sample.Value
		}
	}
	return aggregate(values, sum, window)
}

// Sweep drops samples older than the retention window across all series and
// removes series that emptied out.
func (r *Registry) Sweep() {
	cutoff := r.now().Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range r.series {
		s.prune(cutoff)
		if len(s.samples) == 0 {
			delete(r.series, key)
		}
	}
}

// Snapshot returns the current aggregate per series, keyed by series name
// plus tags. Used by the pull-based metrics endpoint.
func (r *Registry) Snapshot(window time.Duration) map[string]Aggregate {
	if window <= 0 || window > r.window {
		window = r.window
	}
	cutoff := r.now().Add(-window)

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Aggregate, len(r.series))
	for key, s := range r.series {
		var values []float64
		var sum float64
		for _, sample := range s.samples {
			if sample.Timestamp.Before(cutoff) {
				continue
			}
			values = append(values, sample.Value)
			sum += sample.Value
		}
		if len(values) == 0 {
			continue
		}
		out[key] = aggregate(values, sum, window)
	}
	return out
}

func (s *series) prune(cutoff time.Time) {
	idx := 0
	for idx < len(s.samples) && s.samples[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		s.samples = append(s.samples[:0], s.samples[idx:]...)
	}
}

func aggregate(values []float64, sum float64, window time.Duration) Aggregate {
	agg := Aggregate{Count: len(values), Sum: sum}
	if len(values) == 0 {
		return agg
	}
	agg.Avg = sum / float64(len(values))
	agg.Rate = float64(len(values)) / window.Seconds()

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	agg.Min = sorted[0]
	agg.Max = sorted[len(sorted)-1]
	idx := int(float64(len(sorted)-1) * 0.95)
	agg.P95 = sorted[idx]
	return agg
}

func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('{')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
		b.WriteByte('}')
	}
	return b.String()
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func tagsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
