// Package scrape defines core types shared across subsystems.
package scrape

import (
	"net/http"
	"time"
)

// TaskStatus represents the lifecycle state of a scheduled task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions for a
// run-once task.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskKind identifies what a task's payload expands to.
type TaskKind string

// Task kinds accepted at submission.
const (
	TaskKindSingleURL       TaskKind = "single-url"
	TaskKindBulkURL         TaskKind = "bulk-url"
	TaskKindBulkKeyword     TaskKind = "bulk-keyword"
	TaskKindCompetitorWatch TaskKind = "competitor-watch"
)

// TaskPayload carries the opaque parameters a task expands into fetch units.
type TaskPayload struct {
	URLs     []string          `json:"urls,omitempty"`
	Keywords []string          `json:"keywords,omitempty"`
	Domain   string            `json:"domain,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// TaskSpec is what callers submit; the scheduler assigns identity and state.
type TaskSpec struct {
	Kind        TaskKind    `json:"kind"`
	Payload     TaskPayload `json:"payload"`
	Schedule    Schedule    `json:"schedule"`
	MaxAttempts int         `json:"max_attempts,omitempty"`
}

// TaskCounters tracks per-run unit outcomes for a task.
type TaskCounters struct {
	UnitsSucceeded int `json:"units_succeeded"`
	UnitsFailed    int `json:"units_failed"`
	CacheHits      int `json:"cache_hits"`
	Retries        int `json:"retries"`
}

// Task represents the metadata persisted for each submitted task.
type Task struct {
	ID          string       `json:"id"`
	Kind        TaskKind     `json:"kind"`
	Payload     TaskPayload  `json:"payload"`
	Schedule    Schedule     `json:"schedule"`
	Status      TaskStatus   `json:"status"`
	Submitted   time.Time    `json:"submitted_at"`
	NextRunAt   time.Time    `json:"next_run_at"`
	LastRunAt   *time.Time   `json:"last_run_at,omitempty"`
	RunCount    int          `json:"run_count"`
	MaxAttempts int          `json:"max_attempts"`
	ErrorText   string       `json:"error_text,omitempty"`
	Counters    TaskCounters `json:"counters"`
}

// PartialFailure reports whether the last run succeeded with warnings: some
// units failed but at least one produced usable output.
func (t Task) PartialFailure() bool {
	return t.Counters.UnitsFailed > 0 && t.Counters.UnitsSucceeded > 0
}

// FetchUnit is the atomic unit of work a task expands into: one URL or one
// keyword query. It lives only for the duration of a dispatch.
type FetchUnit struct {
	TaskID      string
	Kind        TaskKind
	URL         string
	Keyword     string
	TargetKey   string
	Fingerprint string
	Headless    bool
}

// FetchRequest captures everything a Fetcher needs for one operation.
type FetchRequest struct {
	TaskID  string
	URL     string
	Keyword string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// UnitResult records the terminal outcome of one fetch unit.
type UnitResult struct {
	Unit     FetchUnit
	Response FetchResponse
	Err      error
	CacheHit bool
	Attempts int
	BlobURI  string
}
