package engine_test

import (
	"path/filepath"
	"testing"

	"github.com/tatachi1/memorygraph/pkg/engine"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := engine.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DataDir == "" {
		t.Error("expected DataDir to be defaulted")
	}
	if cfg.ShortTerm.MaxMemories == 0 {
		t.Error("expected ShortTerm.MaxMemories to be defaulted")
	}
}

func TestSaveConfigThenLoadConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.yaml")

	cfg := &engine.Config{DataDir: "/var/data/memory", EmbeddingDimension: 1536}
	cfg.ShortTerm.MaxMemories = 42
	cfg.Judge.ConfidenceThreshold = 0.75

	if err := engine.SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := engine.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.DataDir != cfg.DataDir {
		t.Errorf("DataDir = %q, want %q", loaded.DataDir, cfg.DataDir)
	}
	if loaded.EmbeddingDimension != cfg.EmbeddingDimension {
		t.Errorf("EmbeddingDimension = %d, want %d", loaded.EmbeddingDimension, cfg.EmbeddingDimension)
	}
	if loaded.ShortTerm.MaxMemories != 42 {
		t.Errorf("ShortTerm.MaxMemories = %d, want 42", loaded.ShortTerm.MaxMemories)
	}
	if loaded.Judge.ConfidenceThreshold != 0.75 {
		t.Errorf("Judge.ConfidenceThreshold = %v, want 0.75", loaded.Judge.ConfidenceThreshold)
	}
}
