package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KUBE_MEMORY_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Kubernetes.WatchTimeout != 600*time.Second {
		t.Fatalf("unexpected watch timeout %v", cfg.Kubernetes.WatchTimeout)
	}
	if cfg.Kubernetes.DedupTTL != 5*time.Minute {
		t.Fatalf("unexpected dedup ttl %v", cfg.Kubernetes.DedupTTL)
	}
	if cfg.Pipeline.TopK != 5 || cfg.Pipeline.GenerateTimeout <= cfg.Pipeline.RetrieveTimeout {
		t.Fatalf("unexpected pipeline defaults %+v", cfg.Pipeline)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
kubernetes:
  namespaces: [payments, checkout]
  watchTimeout: 120s
memory:
  correctionWeight: 2.0
pipeline:
  topK: 7
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KUBE_MEMORY_LOG_LEVEL", "debug")
	t.Setenv("KUBE_MEMORY_NAMESPACES", "payments, search")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Kubernetes.WatchTimeout != 120*time.Second {
		t.Fatalf("expected file value, got %v", cfg.Kubernetes.WatchTimeout)
	}
	if cfg.Memory.CorrectionWeight != 2.0 || cfg.Pipeline.TopK != 7 {
		t.Fatalf("file values not applied: %+v %+v", cfg.Memory, cfg.Pipeline)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env override, got %q", cfg.Logging.Level)
	}
	if len(cfg.Kubernetes.Namespaces) != 2 || cfg.Kubernetes.Namespaces[1] != "search" {
		t.Fatalf("unexpected namespaces %v", cfg.Kubernetes.Namespaces)
	}
}

func TestValidateRejectsWeakCorrectionWeight(t *testing.T) {
	cfg := defaultConfig()
	cfg.Memory.CorrectionWeight = 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}

	cfg = defaultConfig()
	cfg.Memory.Graph.Backend = "neo4j"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected neo4j uri to be required")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
