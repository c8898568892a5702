package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	t.Setenv(EnvDataDir, "/tmp/scenes-test")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port(), DefaultPort)
	}
	if cfg.DBPath() != filepath.Join("/tmp/scenes-test", DBFilename) {
		t.Errorf("DBPath = %q", cfg.DBPath())
	}
	if cfg.CacheEntries() != 128 {
		t.Errorf("CacheEntries = %d, want 128", cfg.CacheEntries())
	}
	if cfg.BatchWindow() != 3 {
		t.Errorf("BatchWindow = %d, want 3", cfg.BatchWindow())
	}
	if cfg.DedupThreshold() != 0.5 {
		t.Errorf("DedupThreshold = %v, want 0.5", cfg.DedupThreshold())
	}
	if cfg.SlowCeiling() != 300*time.Second {
		t.Errorf("SlowCeiling = %v", cfg.SlowCeiling())
	}
	if cfg.MinLengthPolicy() != "error" {
		t.Errorf("MinLengthPolicy = %q", cfg.MinLengthPolicy())
	}
	if cfg.PipelinesModule() != DefaultPipelinesModule {
		t.Errorf("PipelinesModule = %q", cfg.PipelinesModule())
	}
	if cfg.RedisAddr() != "" {
		t.Errorf("RedisAddr = %q, want empty", cfg.RedisAddr())
	}
}

func TestNew_FromEnv(t *testing.T) {
	t.Setenv(EnvPort, "9000")
	t.Setenv(EnvDetectTimeout, "90")
	t.Setenv(EnvRedisTTL, "1h")
	t.Setenv(EnvBatchWindow, "5")
	t.Setenv(EnvMinLengthPolicy, "warn")
	t.Setenv(EnvRedisAddr, "localhost:6379")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 9000 {
		t.Errorf("Port = %d", cfg.Port())
	}
	if cfg.DetectTimeout() != 90*time.Second {
		t.Errorf("DetectTimeout = %v", cfg.DetectTimeout())
	}
	if cfg.RedisTTL() != time.Hour {
		t.Errorf("RedisTTL = %v", cfg.RedisTTL())
	}
	if cfg.BatchWindow() != 5 {
		t.Errorf("BatchWindow = %d", cfg.BatchWindow())
	}
	if cfg.MinLengthPolicy() != "warn" {
		t.Errorf("MinLengthPolicy = %q", cfg.MinLengthPolicy())
	}
	if cfg.RedisAddr() != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr())
	}
}

func TestNew_Ingest(t *testing.T) {
	t.Setenv(EnvIngestURL, "https://index.example.com")
	t.Setenv(EnvIngestToken, "secret")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.IngestURL() != "https://index.example.com" || cfg.IngestToken() != "secret" {
		t.Errorf("ingest = %q %q", cfg.IngestURL(), cfg.IngestToken())
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"port out of range", EnvPort, "70000"},
		{"port not a number", EnvPort, "abc"},
		{"bad duration", EnvDetectTimeout, "soon"},
		{"zero window", EnvBatchWindow, "0"},
		{"bad policy", EnvMinLengthPolicy, "ignore"},
		{"threshold above one", EnvDedupThreshold, "1.5"},
		{"negative gap", EnvMinGap, "-1"},
		{"ingest url without scheme", EnvIngestURL, "index.local/api"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := New(); err == nil {
				t.Errorf("New() with %s=%s: expected error", tt.key, tt.val)
			}
		})
	}
}
