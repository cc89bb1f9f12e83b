package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
pipeline:
  workers_per_lane: 4
  max_attempts: 5
  crawl_deadline_seconds: 60
queue:
  visibility_seconds: 30
crawl:
  user_agent: listing-agent
  headless_enabled: true
  headless_max_parallel: 2
clean:
  confidence_threshold: 0.7
storage:
  backend: gcs
  gcs_bucket: listings-raw
text:
  base_url: https://llm.internal
  model: gpt-4o
boingo:
  base_url: https://api.boingo.ai
  email: svc@boingo.ai
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
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Pipeline.WorkersPerLane != 4 || cfg.Pipeline.MaxAttempts != 5 {
		t.Fatalf("expected pipeline overrides to apply: %+v", cfg.Pipeline)
	}
	if cfg.Crawl.UserAgent != "listing-agent" || !cfg.Crawl.HeadlessEnabled {
		t.Fatalf("expected crawl overrides to apply: %+v", cfg.Crawl)
	}
	if cfg.Clean.ConfidenceThreshold != 0.7 {
		t.Fatalf("expected confidence threshold 0.7, got %v", cfg.Clean.ConfidenceThreshold)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.GCSBucket != "listings-raw" {
		t.Fatalf("expected gcs storage, got %+v", cfg.Storage)
	}
	if cfg.Text.Model != "gpt-4o" {
		t.Fatalf("expected model override, got %q", cfg.Text.Model)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.MaxAttempts != 3 || cfg.Pipeline.SweepIntervalSec != 15 {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("expected memory storage default, got %q", cfg.Storage.Backend)
	}
	if cfg.Clean.ConfidenceThreshold != 0.5 {
		t.Fatalf("expected default confidence threshold, got %v", cfg.Clean.ConfidenceThreshold)
	}
	if cfg.Queue.CrawlLane != "crawl-lane" || cfg.Queue.FormatLane != "format-lane" {
		t.Fatalf("unexpected queue lane defaults: %+v", cfg.Queue)
	}
	if cfg.Registry.StalenessWindowSec != 30 || cfg.Registry.FailureRateThreshold != 0.5 {
		t.Fatalf("unexpected registry defaults: %+v", cfg.Registry)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"zero workers", func(c *Config) { c.Pipeline.WorkersPerLane = 0 }},
		{"zero visibility", func(c *Config) { c.Queue.VisibilitySec = 0 }},
		{"confidence out of range", func(c *Config) { c.Clean.ConfidenceThreshold = 1.5 }},
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "s3" }},
		{"local without dir", func(c *Config) { c.Storage.Backend = "local"; c.Storage.LocalDir = "" }},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs"; c.Storage.GCSBucket = "" }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" }},
		{"empty lane name", func(c *Config) { c.Queue.CleanLane = "" }},
		{"failure rate out of range", func(c *Config) { c.Registry.FailureRateThreshold = 2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
