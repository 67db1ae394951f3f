// Package alerts evaluates threshold rules over recorded metrics and
// raises operator-visible alerts on breach.
package alerts

import (
	"fmt"
	"time"

	"github.com/seoscope/seoscope/internal/metrics"
)

// Severity orders alerts by urgency.
type Severity string

// Alert severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AggKind selects which aggregate of a metric window a rule inspects.
type AggKind string

// Aggregate kinds understood by the rule interpreter.
const (
	AggCount AggKind = "count"
	AggRate  AggKind = "rate"
	AggAvg   AggKind = "avg"
	AggMax   AggKind = "max"
	AggP95   AggKind = "p95"
)

// Comparator relates the observed aggregate to the threshold.
type Comparator string

// Comparators understood by the rule interpreter.
const (
	CompareGreater Comparator = ">"
	CompareLess    Comparator = "<"
)

// Rule is a declarative alert condition: a metric aggregate compared against
// a threshold over a window. Rules are plain data evaluated by a fixed
// interpreter; they never embed executable code.
type Rule struct {
	ID         string            `json:"id"`
	Metric     string            `json:"metric"`
	Tags       map[string]string `json:"tags,omitempty"`
	Agg        AggKind           `json:"agg"`
	Comparator Comparator        `json:"comparator"`
	Threshold  float64           `json:"threshold"`
	Window     time.Duration     `json:"window"`
	Severity   Severity          `json:"severity"`
	Cooldown   time.Duration     `json:"cooldown"`
	MinSamples int               `json:"min_samples,omitempty"`
}

// DedupKey identifies the at-most-one-active-alert slot for the rule.
func (r Rule) DedupKey() string {
	return r.ID
}

// Validate rejects rules the interpreter cannot evaluate.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Metric == "" {
		return fmt.Errorf("rule %s: metric is required", r.ID)
	}
	switch r.Agg {
	case AggCount, AggRate, AggAvg, AggMax, AggP95:
	default:
		return fmt.Errorf("rule %s: unknown aggregate %q", r.ID, r.Agg)
	}
	switch r.Comparator {
	case CompareGreater, CompareLess:
	default:
		return fmt.Errorf("rule %s: unknown comparator %q", r.ID, r.Comparator)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rule %s: window must be > 0", r.ID)
	}
	return nil
}

// breached interprets the rule against a queried aggregate.
func (r Rule) breached(agg metrics.Aggregate) bool {
	if agg.Count == 0 {
		return false
	}
	if r.MinSamples > 0 && agg.Count < r.MinSamples {
		return false
	}
	var observed float64
	switch r.Agg {
	case AggCount:
		observed = float64(agg.Count)
	case AggRate:
		observed = agg.Rate
	case AggAvg:
		observed = agg.Avg
	case AggMax:
		observed = agg.Max
	case AggP95:
		observed = agg.P95
	}
	if r.Comparator == CompareLess {
		return observed < r.Threshold
	}
	return observed > r.Threshold
}

// message renders the human-readable breach description for a fired alert.
func (r Rule) message(agg metrics.Aggregate) string {
	var observed float64
	switch r.Agg {
	case AggCount:
		observed = float64(agg.Count)
	case AggRate:
		observed = agg.Rate
	case AggAvg:
		observed = agg.Avg
	case AggMax:
		observed = agg.Max
	case AggP95:
		observed = agg.P95
	}
	return fmt.Sprintf("%s: %s(%s) = %.3f %s %.3f over %s (%d samples)",
		r.ID, r.Agg, r.Metric, observed, r.Comparator, r.Threshold, r.Window, agg.Count)
}

// DefaultRules returns the stock operator rules: sustained fetch error rate
// and slow fetch latency.
func DefaultRules(errorRateThreshold float64, latencyThreshold, window, cooldown time.Duration) []Rule {
	return []Rule{
		{
			ID:         "fetch-error-rate",
			Metric:     "fetch_errors",
			Agg:        AggAvg,
			Comparator: CompareGreater,
			Threshold:  errorRateThreshold,
			Window:     window,
			Severity:   SeverityError,
			Cooldown:   cooldown,
			MinSamples: 5,
		},
		{
			ID:         "fetch-latency-p95",
			Metric:     "fetch_latency_ms",
			Agg:        AggP95,
			Comparator: CompareGreater,
			Threshold:  float64(latencyThreshold.Milliseconds()),
			Window:     window,
			Severity:   SeverityWarning,
			Cooldown:   cooldown,
			MinSamples: 5,
		},
	}
}
