package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEnvKey(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		expected string
	}{
		{
			name:     "top level key",
			env:      "HARBOR_HTTP_ADDR",
			expected: "http_addr",
		},
		{
			name:     "nested key",
			env:      "HARBOR_DELIVERY__TIMEOUT",
			expected: "delivery.timeout",
		},
		{
			name:     "nested key with underscores",
			env:      "HARBOR_RETRY__MAX_FAILURES",
			expected: "retry.max_failures",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := envKey(tt.env); got != tt.expected {
				t.Errorf("envKey(%q) = %q, want %q", tt.env, got, tt.expected)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Delivery.Timeout != 10*time.Second {
		t.Errorf("Delivery.Timeout = %v, want 10s", cfg.Delivery.Timeout)
	}
	if cfg.Delivery.ResponseBodyLimit != 1024 {
		t.Errorf("Delivery.ResponseBodyLimit = %d, want 1024", cfg.Delivery.ResponseBodyLimit)
	}
	if cfg.Retry.Window != 24*time.Hour {
		t.Errorf("Retry.Window = %v, want 24h", cfg.Retry.Window)
	}
	if cfg.Retry.MaxFailures != 3 {
		t.Errorf("Retry.MaxFailures = %d, want 3", cfg.Retry.MaxFailures)
	}
	if cfg.Retry.BatchSize != 50 {
		t.Errorf("Retry.BatchSize = %d, want 50", cfg.Retry.BatchSize)
	}
	if cfg.Auth.SchedulerValue != "" {
		t.Errorf("Auth.SchedulerValue = %q, want empty so the scheduler path is off", cfg.Auth.SchedulerValue)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HARBOR_HTTP_ADDR", ":9090")
	t.Setenv("HARBOR_DELIVERY__TIMEOUT", "3s")
	t.Setenv("HARBOR_RETRY__MAX_FAILURES", "5")
	t.Setenv("HARBOR_AUTH__INTERNAL_SECRET", "shh")
	t.Setenv("HARBOR_NSQ__ENABLED", "true")
	t.Setenv("HARBOR_STORE__DRIVER", "sqlite")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9090")
	}
	if cfg.Delivery.Timeout != 3*time.Second {
		t.Errorf("Delivery.Timeout = %v, want 3s", cfg.Delivery.Timeout)
	}
	if cfg.Retry.MaxFailures != 5 {
		t.Errorf("Retry.MaxFailures = %d, want 5", cfg.Retry.MaxFailures)
	}
	if cfg.Auth.InternalSecret != "shh" {
		t.Errorf("Auth.InternalSecret = %q, want %q", cfg.Auth.InternalSecret, "shh")
	}
	if !cfg.NSQ.Enabled {
		t.Error("NSQ.Enabled = false, want true")
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	// untouched values keep their defaults
	if cfg.Retry.BatchSize != 50 {
		t.Errorf("Retry.BatchSize = %d, want default 50", cfg.Retry.BatchSize)
	}
	if cfg.Delivery.UserAgent != "HarborDispatch-Webhook/1.0" {
		t.Errorf("Delivery.UserAgent = %q, want default", cfg.Delivery.UserAgent)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harbor.yaml")
	content := `
app_name: dispatch-test
delivery:
  timeout: 2s
  max_concurrency: 4
retry:
  batch_size: 10
auth:
  scheduler_header: X-Cron
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HARBOR_RETRY__BATCH_SIZE", "20")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.AppName != "dispatch-test" {
		t.Errorf("AppName = %q, want dispatch-test", cfg.AppName)
	}
	if cfg.Delivery.Timeout != 2*time.Second {
		t.Errorf("Delivery.Timeout = %v, want 2s", cfg.Delivery.Timeout)
	}
	if cfg.Delivery.MaxConcurrency != 4 {
		t.Errorf("Delivery.MaxConcurrency = %d, want 4", cfg.Delivery.MaxConcurrency)
	}
	if cfg.Auth.SchedulerHeader != "X-Cron" {
		t.Errorf("Auth.SchedulerHeader = %q, want X-Cron", cfg.Auth.SchedulerHeader)
	}
	// env wins over the file
	if cfg.Retry.BatchSize != 20 {
		t.Errorf("Retry.BatchSize = %d, want 20", cfg.Retry.BatchSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() with missing file error = %v, want nil", err)
	}
	if cfg.AppName != Defaults().AppName {
		t.Errorf("AppName = %q, want default", cfg.AppName)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: "store.driver",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.Delivery.Timeout = 0 },
			wantErr: "delivery.timeout",
		},
		{
			name:    "zero body limit",
			mutate:  func(c *Config) { c.Delivery.ResponseBodyLimit = 0 },
			wantErr: "response_body_limit",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Delivery.MaxConcurrency = 0 },
			wantErr: "max_concurrency",
		},
		{
			name:    "negative max failures",
			mutate:  func(c *Config) { c.Retry.MaxFailures = -1 },
			wantErr: "max_failures",
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Retry.BatchSize = 0 },
			wantErr: "batch_size",
		},
		{
			name:    "negative interval",
			mutate:  func(c *Config) { c.Retry.Interval = -time.Second },
			wantErr: "retry.interval",
		},
		{
			name:   "sqlite driver is valid",
			mutate: func(c *Config) { c.Store.Driver = "sqlite" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	cfg := Defaults()
	cfg.DB = DB{User: "u", Pass: "p", Host: "h", Port: "1", Name: "n"}

	want := "postgres://u:p@h:1/n?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
