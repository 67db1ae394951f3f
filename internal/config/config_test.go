package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Provider != "memory" {
		t.Fatalf("expected default store provider memory, got %s", cfg.Store.Provider)
	}
	if cfg.Notifier.Provider != "log" {
		t.Fatalf("expected default notifier provider log, got %s", cfg.Notifier.Provider)
	}
	if got := cfg.TickInterval(); got != 2*time.Second {
		t.Fatalf("expected tick interval 2s, got %v", got)
	}
	if got := cfg.FetchTimeout(); got != 30*time.Second {
		t.Fatalf("expected fetch timeout 30s, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
scheduler:
  tick_seconds: 1
  max_pending_tasks: 50
worker:
  concurrency: 8
  timeout_seconds: 15
rate_limit:
  min_delay_ms: 500
  max_delay_ms: 1500
cache:
  ttl_seconds: 600
  max_entries: 100
store:
  provider: badger
  badger:
    path: /tmp/seoscope-test
blob:
  provider: gcs
  gcs_bucket: bucket
fetch:
  headless_enabled: true
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.MaxPendingTasks != 50 {
		t.Fatalf("expected max pending 50, got %d", cfg.Scheduler.MaxPendingTasks)
	}
	if cfg.Store.Provider != "badger" || cfg.Store.Badger.Path != "/tmp/seoscope-test" {
		t.Fatalf("expected badger store overrides: %+v", cfg.Store)
	}
	if cfg.Blob.Provider != "gcs" || cfg.Blob.GCSBucket != "bucket" {
		t.Fatalf("expected gcs blob overrides: %+v", cfg.Blob)
	}
	if !cfg.Fetch.HeadlessEnabled {
		t.Fatalf("expected headless enabled")
	}
	if got := cfg.TickInterval(); got != time.Second {
		t.Fatalf("expected tick interval 1s, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Scheduler: SchedulerConfig{TickSeconds: 2},
		Worker:    WorkerConfig{Concurrency: 4, TimeoutSeconds: 30},
		Cache:     CacheConfig{TTLSeconds: 600},
		Store:     StoreConfig{Provider: "memory"},
		Blob:      BlobConfig{Provider: "none"},
		Notifier:  NotifierConfig{Provider: "log"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid tick",
			cfg: func() Config {
				c := base
				c.Scheduler.TickSeconds = 0
				return c
			}(),
			want: "scheduler.tick_seconds",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Worker.Concurrency = 0
				return c
			}(),
			want: "worker.concurrency",
		},
		{
			name: "min delay above max",
			cfg: func() Config {
				c := base
				c.RateLimit.MinDelayMs = 2000
				c.RateLimit.MaxDelayMs = 1000
				return c
			}(),
			want: "rate_limit.min_delay_ms",
		},
		{
			name: "postgres without dsn",
			cfg: func() Config {
				c := base
				c.Store.Provider = "postgres"
				return c
			}(),
			want: "store.postgres.dsn",
		},
		{
			name: "unknown store provider",
			cfg: func() Config {
				c := base
				c.Store.Provider = "etcd"
				return c
			}(),
			want: "store.provider",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Blob.Provider = "gcs"
				return c
			}(),
			want: "blob.gcs_bucket",
		},
		{
			name: "pubsub without topic",
			cfg: func() Config {
				c := base
				c.Notifier.Provider = "pubsub"
				return c
			}(),
			want: "notifier.project_id",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
