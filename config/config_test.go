package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `{
  "server": {"jwt_secret": "s3cret"},
  "llm": {"api_key": "sk-test"},
  "search": {"provider": "tavily", "api_key": "tvly-test"},
  "storage": {
    "postgres": {"host": "localhost", "dbname": "vooli", "user": "vooli", "password": "pw"},
    "redis": {"host": "localhost"}
  }
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesPipelineDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.EnrichConcurrency != 10 {
		t.Fatalf("expected enrich concurrency 10, got %d", cfg.Pipeline.EnrichConcurrency)
	}
	if cfg.Pipeline.MaxCandidates != 5 || cfg.Pipeline.MaxProductQueries != 5 {
		t.Fatalf("unexpected caps: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.RunTimeout != 15*time.Minute {
		t.Fatalf("expected 15m run timeout, got %s", cfg.Pipeline.RunTimeout)
	}
	if cfg.Server.Address != ":10001" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Telemetry.OTLPEndpoint != "" || cfg.Telemetry.SampleRatio != 1 {
		t.Fatalf("unexpected telemetry defaults: %+v", cfg.Telemetry)
	}
	if cfg.Storage.Redis.Addr() != "localhost:6379" {
		t.Fatalf("unexpected redis addr %q", cfg.Storage.Redis.Addr())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("VOOLI_LLM_API_KEY", "sk-env")
	t.Setenv("VOOLI_PIPELINE_ENRICH_CONCURRENCY", "3")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-env" {
		t.Fatalf("expected env api key, got %q", cfg.LLM.APIKey)
	}
	if cfg.Pipeline.EnrichConcurrency != 3 {
		t.Fatalf("expected concurrency override 3, got %d", cfg.Pipeline.EnrichConcurrency)
	}
}

func TestLoadRejectsUnknownSearchProvider(t *testing.T) {
	body := strings.Replace(sampleConfig, `"provider": "tavily"`, `"provider": "bing"`, 1)
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "search.provider") {
		t.Fatalf("expected search.provider error, got %v", err)
	}
}

func TestPostgresDSN(t *testing.T) {
	cases := []struct {
		name string
		cfg  PostgresConfig
		want string
	}{
		{"url wins", PostgresConfig{URL: "postgres://x", Host: "h"}, "postgres://x"},
		{"defaults", PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "d"}, "postgres://u:p@db:5432/d?sslmode=disable"},
		{"explicit", PostgresConfig{Host: "db", Port: "6543", User: "u", Password: "p", DBName: "d", SSLMode: "require"}, "postgres://u:p@db:6543/d?sslmode=require"},
	}
	for _, tc := range cases {
		if got := tc.cfg.DSN(); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestPipelineValidate(t *testing.T) {
	base := PipelineConfig{EnrichConcurrency: 10, MaxCandidates: 5, MaxProductQueries: 5, ReviewResults: 1, ProductResults: 1, RunTimeout: time.Minute, Metadata: "memory"}
	if err := base.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := base
	bad.EnrichConcurrency = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for zero concurrency")
	}
	bad = base
	bad.Metadata = "kafka"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for unsupported metadata backend")
	}
}
