package config

import (
	"os"
	"path/filepath"
	"testing"
)

// createTempDir creates a temporary directory for test files
func createTempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "config-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	return dir
}

// TestDefaultConfig verifies the built-in defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Atlas.Dir != "atlases" {
		t.Errorf("Expected default atlas dir 'atlases', got %q", cfg.Atlas.Dir)
	}
	if cfg.Atlas.MaskThreshold != 0.5 {
		t.Errorf("Expected default mask threshold 0.5, got %f", cfg.Atlas.MaskThreshold)
	}
	if cfg.Extraction.Mode != "vec" {
		t.Errorf("Expected default extract mode 'vec', got %q", cfg.Extraction.Mode)
	}
	if cfg.Extraction.CollectionMode != "concat" {
		t.Errorf("Expected default collection mode 'concat', got %q", cfg.Extraction.CollectionMode)
	}
	if cfg.Extraction.BackgroundID != 0 {
		t.Errorf("Expected default background id 0, got %d", cfg.Extraction.BackgroundID)
	}
}

// TestLoadMissingFile verifies defaults are returned when no file exists
func TestLoadMissingFile(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)

	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Extraction.Mode != "vec" {
		t.Errorf("Expected defaults for a missing file, got mode %q", cfg.Extraction.Mode)
	}
}

// TestSaveLoadRoundTrip verifies values survive a save/load cycle
func TestSaveLoadRoundTrip(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Atlas.Dir = "/data/atlases"
	cfg.Atlas.MaskThreshold = 0.25
	cfg.Extraction.Mode = "mean"
	cfg.Extraction.CollectionMode = "list"
	cfg.Logging.Verbose = true
	cfg.Prewarm = []string{"AAL", "Schaefer2018_100Parcels_7Networks"}

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if got.Atlas.Dir != cfg.Atlas.Dir {
		t.Errorf("Expected atlas dir %q, got %q", cfg.Atlas.Dir, got.Atlas.Dir)
	}
	if got.Atlas.MaskThreshold != cfg.Atlas.MaskThreshold {
		t.Errorf("Expected mask threshold %f, got %f", cfg.Atlas.MaskThreshold, got.Atlas.MaskThreshold)
	}
	if got.Extraction.Mode != "mean" || got.Extraction.CollectionMode != "list" {
		t.Errorf("Extraction settings not preserved: %+v", got.Extraction)
	}
	if !got.Logging.Verbose {
		t.Error("Expected verbose logging to be preserved")
	}
	if len(got.Prewarm) != 2 || got.Prewarm[0] != "AAL" {
		t.Errorf("Prewarm list not preserved: %v", got.Prewarm)
	}
}

// TestLoadPartialFile verifies unset keys keep their defaults
func TestLoadPartialFile(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "partial.yaml")

	partial := "extraction:\n  mode: box\n"
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Extraction.Mode != "box" {
		t.Errorf("Expected overridden mode 'box', got %q", cfg.Extraction.Mode)
	}
	if cfg.Atlas.MaskThreshold != 0.5 {
		t.Errorf("Expected default threshold to survive a partial file, got %f", cfg.Atlas.MaskThreshold)
	}
}

// TestLoadMalformedFile verifies parse errors are surfaced
func TestLoadMalformedFile(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "broken.yaml")

	if err := os.WriteFile(path, []byte("atlas: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

// TestCreateDefaultConfigFile verifies the bootstrap helper writes a file
func TestCreateDefaultConfigFile(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "config.yaml")

	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("Failed to create default config: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected config file at %s: %v", path, err)
	}
}
