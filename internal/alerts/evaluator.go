package alerts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seoscope/seoscope/internal/metrics"
)

// Alert is one fired rule breach. ResolvedAt is nil while active.
type Alert struct {
	RuleID     string     `json:"rule_id"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	DedupKey   string     `json:"dedup_key"`
}

// Transition is the kind of alert state change handed to the Notifier.
type Transition string

// Alert transitions.
const (
	TransitionFire    Transition = "fire"
	TransitionResolve Transition = "resolve"
)

// Event is delivered to the Notifier on every fire/resolve transition.
type Event struct {
	Transition Transition `json:"transition"`
	Alert      Alert      `json:"alert"`
}

// Notifier delivers alert transitions. The evaluator calls it and moves on;
// delivery success is the transport's problem.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Evaluator periodically interprets rules over the metrics registry,
// firing and resolving alerts with dedup and cooldown.
type Evaluator struct {
	registry *metrics.Registry
	notifier Notifier
	logger   *zap.Logger

	mu        sync.Mutex
	rules     []Rule
	active    map[string]*Alert
	lastFired map[string]time.Time
	history   []Alert
}

// NewEvaluator builds an Evaluator over the registry. Invalid rules are
// rejected up front.
func NewEvaluator(registry *metrics.Registry, notifier Notifier, rules []Rule, logger *zap.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
	}
	return &Evaluator{
		registry:  registry,
		notifier:  notifier,
		logger:    logger,
		rules:     append([]Rule(nil), rules...),
		active:    make(map[string]*Alert),
		lastFired: make(map[string]time.Time),
	}, nil
}

// Tick evaluates every rule once against the registry as of now.
func (e *Evaluator) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rule := range e.rules {
		agg := e.registry.Query(rule.Metric, rule.Tags, rule.Window)
		key := rule.DedupKey()
		breached := rule.breached(agg)
		alert, isActive := e.active[key]

		switch {
		case breached && !isActive:
			if last, ok := e.lastFired[key]; ok && now.Sub(last) < rule.Cooldown {
				// Flapping inside the cooldown window: stay quiet.
				continue
			}
			e.fireLocked(rule, agg, now)
		case breached && isActive:
			// Already firing: no duplicate, but the ongoing breach keeps
			// the cooldown anchored to the most recent bad evaluation.
			e.lastFired[key] = now
		case !breached && isActive:
			e.resolveLocked(rule, alert, now)
		}
	}
}

// Run drives Tick on a fixed cadence until ctx ends.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(time.Now().UTC())
		}
	}
}

// ActiveAlerts returns snapshots of all unresolved alerts.
func (e *Evaluator) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.active))
	for _, alert := range e.active {
		out = append(out, *alert)
	}
	return out
}

// History returns resolved alerts, most recent last.
func (e *Evaluator) History() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Alert(nil), e.history...)
}

func (e *Evaluator) fireLocked(rule Rule, agg metrics.Aggregate, now time.Time) {
	alert := &Alert{
		RuleID:   rule.ID,
		Severity: rule.Severity,
		Message:  rule.message(agg),
		FiredAt:  now,
		DedupKey: rule.DedupKey(),
	}
	e.active[alert.DedupKey] = alert
	e.lastFired[alert.DedupKey] = now
	metrics.ObserveAlertTransition(rule.ID, string(TransitionFire))
	e.logger.Warn("alert fired",
		zap.String("rule", rule.ID),
		zap.String("severity", string(rule.Severity)),
		zap.String("message", alert.Message),
	)
	e.notify(Event{Transition: TransitionFire, Alert: *alert})
}

func (e *Evaluator) resolveLocked(rule Rule, alert *Alert, now time.Time) {
	resolved := now
	alert.ResolvedAt = &resolved
	delete(e.active, alert.DedupKey)
	e.history = append(e.history, *alert)
	metrics.ObserveAlertTransition(rule.ID, string(TransitionResolve))
	e.logger.Info("alert resolved",
		zap.String("rule", rule.ID),
		zap.Duration("active_for", now.Sub(alert.FiredAt)),
	)
	e.notify(Event{Transition: TransitionResolve, Alert: *alert})
}

// notify hands the event to the notifier without waiting on delivery.
func (e *Evaluator) notify(event Event) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.notifier.Notify(ctx, event); err != nil {
			e.logger.Warn("alert notification failed",
				zap.String("rule", event.Alert.RuleID),
				zap.Error(err),
			)
		}
	}()
}
