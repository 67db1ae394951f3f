// Package scheduler owns the task table and the dispatch loop.
//
// Tasks are admitted through Submit, fire when their next-run time passes a
// tick, and are executed by handing their fetch units to the worker pool.
// Recurring tasks are re-armed from their schedule after every run; missed
// occurrences are skipped, never replayed.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seoscope/seoscope/internal/metrics"
	"github.com/seoscope/seoscope/internal/scrape"
	"github.com/seoscope/seoscope/internal/worker"
)

const taskPrefix = "task/"

// Config controls scheduler behavior.
type Config struct {
	TickInterval       time.Duration
	Grace              time.Duration
	MaxPendingTasks    int
	DefaultMaxAttempts int
}

// Scheduler admits, fires, and completes tasks. It is the only writer of
// task state; everything it hands out is a copy.
type Scheduler struct {
	cfg    Config
	pool   *worker.Pool
	store  scrape.KVStore
	clock  scrape.Clock
	ids    scrape.IDGenerator
	hasher scrape.Hasher
	logger *zap.Logger

	mu      sync.Mutex
	tasks   map[string]*scrape.Task
	cancels map[string]context.CancelFunc
	runs    sync.WaitGroup
}

// New constructs a Scheduler and recovers persisted tasks. Tasks that were
// running when the previous process died go back to pending and fire on the
// first tick.
func New(
	cfg Config,
	pool *worker.Pool,
	store scrape.KVStore,
	clock scrape.Clock,
	ids scrape.IDGenerator,
	hasher scrape.Hasher,
	logger *zap.Logger,
) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	s := &Scheduler{
		cfg:     cfg,
		pool:    pool,
		store:   store,
		clock:   clock,
		ids:     ids,
		hasher:  hasher,
		logger:  logger,
		tasks:   make(map[string]*scrape.Task),
		cancels: make(map[string]context.CancelFunc),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// Submit validates the spec, admits the task, and returns its initial state.
func (s *Scheduler) Submit(ctx context.Context, spec scrape.TaskSpec) (scrape.Task, error) {
	now := s.clock.Now()
	if err := validateSpec(spec); err != nil {
		return scrape.Task{}, err
	}
	if err := spec.Schedule.Validate(now, s.cfg.Grace); err != nil {
		return scrape.Task{}, err
	}
	firstRun, err := spec.Schedule.FirstRun(now)
	if err != nil {
		return scrape.Task{}, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return scrape.Task{}, fmt.Errorf("generate task id: %w", err)
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}
	task := &scrape.Task{
		ID:          id,
		Kind:        spec.Kind,
		Payload:     spec.Payload,
		Schedule:    spec.Schedule,
		Status:      scrape.TaskStatusPending,
		Submitted:   now,
		NextRunAt:   firstRun,
		MaxAttempts: maxAttempts,
	}

	s.mu.Lock()
	if s.cfg.MaxPendingTasks > 0 && s.activeCountLocked() >= s.cfg.MaxPendingTasks {
		s.mu.Unlock()
		return scrape.Task{}, scrape.ErrCapacityExceeded
	}
	s.tasks[id] = task
	snapshot := *task
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.logger.Info("task submitted",
		zap.String("task_id", id),
		zap.String("kind", string(spec.Kind)),
		zap.Time("next_run_at", firstRun),
	)
	return snapshot, nil
}

// Cancel moves a task to cancelled. Cancelling a task that already reached a
// terminal state is a no-op; an in-flight run is interrupted.
func (s *Scheduler) Cancel(ctx context.Context, id string) (scrape.Task, error) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return scrape.Task{}, scrape.ErrNotFound
	}
	if task.Status.IsTerminal() {
		snapshot := *task
		s.mu.Unlock()
		return snapshot, nil
	}
	task.Status = scrape.TaskStatusCancelled
	if cancel, running := s.cancels[id]; running {
		cancel()
	}
	snapshot := *task
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.logger.Info("task cancelled", zap.String("task_id", id))
	return snapshot, nil
}

// Get returns a snapshot of the task or scrape.ErrNotFound.
func (s *Scheduler) Get(id string) (scrape.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return scrape.Task{}, scrape.ErrNotFound
	}
	return *task, nil
}

// List returns snapshots of every known task, oldest submission first.
func (s *Scheduler) List() []scrape.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scrape.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID < out[j].ID
		}
		return out[i].Submitted.Before(out[j].Submitted)
	})
	return out
}

// Run drives the tick loop until ctx ends, then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.runs.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every pending task whose next-run time has passed. Dispatch is
// fire-and-forget: the tick never waits on a run.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()

	type dispatch struct {
		task scrape.Task
		ctx  context.Context
	}

	s.mu.Lock()
	var due []dispatch
	for _, task := range s.tasks {
		if task.Status != scrape.TaskStatusPending || task.NextRunAt.After(now) {
			continue
		}
		task.Status = scrape.TaskStatusRunning
		started := now
		task.LastRunAt = &started
		task.RunCount++
		runCtx, cancel := context.WithCancel(ctx)
		s.cancels[task.ID] = cancel
		due = append(due, dispatch{task: *task, ctx: runCtx})
	}
	s.mu.Unlock()

	for _, d := range due {
		s.persist(ctx, d.task)
		s.runs.Add(1)
		go s.runTask(d.ctx, d.task)
	}
}

// runTask executes one run of the task and records its outcome. Completion
// bookkeeping runs on a fresh context so a cancelled run still persists.
func (s *Scheduler) runTask(ctx context.Context, task scrape.Task) {
	defer s.runs.Done()

	units, err := s.expandUnits(task)
	if err != nil {
		s.complete(context.Background(), task.ID, nil, err)
		return
	}
	results := s.pool.Execute(ctx, units, task.MaxAttempts)
	s.complete(context.Background(), task.ID, results, nil)
}

// complete folds unit results back into the task and re-arms recurring
// schedules. A task cancelled mid-run stays cancelled.
func (s *Scheduler) complete(ctx context.Context, id string, results []scrape.UnitResult, runErr error) {
	now := s.clock.Now()

	counters := scrape.TaskCounters{}
	var firstErr error
	for _, result := range results {
		if result.Err != nil {
			counters.UnitsFailed++
			if firstErr == nil {
				firstErr = result.Err
			}
		} else {
			counters.UnitsSucceeded++
		}
		if result.CacheHit {
			counters.CacheHits++
		}
		if result.Attempts > 1 {
			counters.Retries += result.Attempts - 1
		}
	}
	if runErr != nil && firstErr == nil {
		firstErr = runErr
	}

	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if cancel, running := s.cancels[id]; running {
		cancel()
		delete(s.cancels, id)
	}

	task.Counters = counters
	if task.Status == scrape.TaskStatusCancelled {
		snapshot := *task
		s.mu.Unlock()
		s.persist(ctx, snapshot)
		return
	}

	status := scrape.TaskStatusSucceeded
	if runErr != nil || (len(results) > 0 && counters.UnitsSucceeded == 0) {
		status = scrape.TaskStatusFailed
	}
	task.ErrorText = ""
	if firstErr != nil {
		task.ErrorText = firstErr.Error()
	}

	if task.Schedule.Recurring() {
		if next, ok := task.Schedule.NextAfter(task.NextRunAt, now); ok {
			task.Status = scrape.TaskStatusPending
			task.NextRunAt = next
		} else {
			task.Status = status
		}
	} else {
		task.Status = status
	}
	snapshot := *task
	s.mu.Unlock()

	metrics.ObserveTask(string(status))
	s.persist(ctx, snapshot)
	s.logger.Info("task run completed",
		zap.String("task_id", id),
		zap.String("status", string(status)),
		zap.Int("units_succeeded", counters.UnitsSucceeded),
		zap.Int("units_failed", counters.UnitsFailed),
		zap.Int("cache_hits", counters.CacheHits),
		zap.Bool("partial", snapshot.PartialFailure()),
	)
}

// expandUnits turns the task payload into concrete fetch units.
func (s *Scheduler) expandUnits(task scrape.Task) ([]scrape.FetchUnit, error) {
	var units []scrape.FetchUnit
	switch task.Kind {
	case scrape.TaskKindSingleURL:
		unit, err := s.urlUnit(task, task.Payload.URLs[0])
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	case scrape.TaskKindBulkURL:
		for _, rawURL := range task.Payload.URLs {
			unit, err := s.urlUnit(task, rawURL)
			if err != nil {
				return nil, err
			}
			units = append(units, unit)
		}
	case scrape.TaskKindBulkKeyword:
		for _, keyword := range task.Payload.Keywords {
			unit, err := s.keywordUnit(task, keyword)
			if err != nil {
				return nil, err
			}
			units = append(units, unit)
		}
	case scrape.TaskKindCompetitorWatch:
		domain := strings.TrimSpace(task.Payload.Domain)
		unit, err := s.urlUnit(task, "https://"+domain+"/")
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	default:
		return nil, fmt.Errorf("unknown task kind %q", task.Kind)
	}
	return units, nil
}

func (s *Scheduler) urlUnit(task scrape.Task, rawURL string) (scrape.FetchUnit, error) {
	fingerprint, err := s.fingerprint(task.Kind, rawURL)
	if err != nil {
		return scrape.FetchUnit{}, err
	}
	return scrape.FetchUnit{
		TaskID:      task.ID,
		Kind:        task.Kind,
		URL:         rawURL,
		TargetKey:   scrape.TargetKey(rawURL),
		Fingerprint: fingerprint,
	}, nil
}

func (s *Scheduler) keywordUnit(task scrape.Task, keyword string) (scrape.FetchUnit, error) {
	fingerprint, err := s.fingerprint(task.Kind, keyword)
	if err != nil {
		return scrape.FetchUnit{}, err
	}
	return scrape.FetchUnit{
		TaskID:      task.ID,
		Kind:        task.Kind,
		Keyword:     keyword,
		TargetKey:   "google.com",
		Fingerprint: fingerprint,
		Headless:    true,
	}, nil
}

// fingerprint identifies identical work across tasks so the cache can
// coalesce and deduplicate it.
func (s *Scheduler) fingerprint(kind scrape.TaskKind, target string) (string, error) {
	digest, err := s.hasher.Hash([]byte(string(kind) + "|" + strings.ToLower(strings.TrimSpace(target))))
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", target, err)
	}
	return digest, nil
}

// activeCountLocked counts tasks still holding a slot in the table.
func (s *Scheduler) activeCountLocked() int {
	count := 0
	for _, task := range s.tasks {
		if !task.Status.IsTerminal() {
			count++
		}
	}
	return count
}

func validateSpec(spec scrape.TaskSpec) error {
	switch spec.Kind {
	case scrape.TaskKindSingleURL:
		if len(spec.Payload.URLs) != 1 {
			return fmt.Errorf("%s task needs exactly one url", spec.Kind)
		}
	case scrape.TaskKindBulkURL:
		if len(spec.Payload.URLs) == 0 {
			return fmt.Errorf("%s task needs at least one url", spec.Kind)
		}
	case scrape.TaskKindBulkKeyword:
		if len(spec.Payload.Keywords) == 0 {
			return fmt.Errorf("%s task needs at least one keyword", spec.Kind)
		}
	case scrape.TaskKindCompetitorWatch:
		if strings.TrimSpace(spec.Payload.Domain) == "" {
			return fmt.Errorf("%s task needs a domain", spec.Kind)
		}
	default:
		return fmt.Errorf("unknown task kind %q", spec.Kind)
	}
	return nil
}

// recover reloads persisted tasks. Interrupted runs are not resumed; the
// task simply becomes due again immediately.
func (s *Scheduler) recover() error {
	if s.store == nil {
		return nil
	}
	persisted, err := s.store.List(context.Background(), taskPrefix)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	now := s.clock.Now()
	recovered := 0
	for key, raw := range persisted {
		var task scrape.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			s.logger.Warn("task decode failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if task.Status == scrape.TaskStatusRunning {
			task.Status = scrape.TaskStatusPending
			task.NextRunAt = now
		}
		s.tasks[task.ID] = &task
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("tasks recovered", zap.Int("count", recovered))
	}
	return nil
}

func (s *Scheduler) persist(ctx context.Context, task scrape.Task) {
	if s.store == nil {
		return
	}
	raw, err := json.Marshal(task)
	if err != nil {
		s.logger.Warn("task encode failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if err := s.store.Save(ctx, taskPrefix+task.ID, raw); err != nil {
		s.logger.Warn("task persist failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}
