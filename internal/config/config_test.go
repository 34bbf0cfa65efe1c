package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Download.ConcurrentFragments != 10 {
		t.Errorf("Expected 10 concurrent fragments, got %d", cfg.Download.ConcurrentFragments)
	}
	if cfg.Quality.Selection != SelectionAll {
		t.Errorf("Expected selection %q, got %q", SelectionAll, cfg.Quality.Selection)
	}
	if cfg.Storage.DatabasePath != filepath.Join("downloads", ".metadata", "records.db") {
		t.Errorf("Unexpected database path %s", cfg.Storage.DatabasePath)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
download:
  concurrentFragments: 4
  maxFragmentRetries: 5
quality:
  excludeVp9: true
  preferredQualities: ["720p"]
  downloadAllQualities: false
storage:
  basePath: /data/videos
  organizeByDate: true
monitoring:
  minDiskSpaceGb: 1.5
processing:
  maxConcurrent: 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Download.ConcurrentFragments != 4 || cfg.Download.MaxFragmentRetries != 5 {
		t.Errorf("Download overrides not applied: %+v", cfg.Download)
	}
	if cfg.Download.FragmentTimeoutSec != 15 {
		t.Errorf("Unset keys should keep defaults, got %d", cfg.Download.FragmentTimeoutSec)
	}
	if !cfg.Quality.ExcludeVP9 || len(cfg.Quality.PreferredQualities) != 1 {
		t.Errorf("Quality overrides not applied: %+v", cfg.Quality)
	}
	if cfg.Quality.Selection != SelectionPreferred {
		t.Errorf("Expected preferred selection, got %q", cfg.Quality.Selection)
	}
	if !cfg.Storage.OrganizeByDate || !cfg.Storage.OrganizeByAuthor {
		t.Errorf("Storage switches wrong: %+v", cfg.Storage)
	}
	if cfg.Storage.ProgressFile != filepath.Join("/data/videos", "progress.json") {
		t.Errorf("Unexpected progress file %s", cfg.Storage.ProgressFile)
	}
	if cfg.Monitoring.MinDiskSpaceGB != 1.5 {
		t.Errorf("Expected 1.5GB, got %v", cfg.Monitoring.MinDiskSpaceGB)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero fragments", "download:\n  concurrentFragments: 0\n"},
		{"bad label", "quality:\n  minResolution: high\n"},
		{"bad selection", "quality:\n  selection: random\n"},
		{"bad memory", "monitoring:\n  maxMemoryPercent: 150\n"},
		{"http without id", "extractor:\n  source: http\n  urlTemplate: https://api.example.com/posts\n"},
		{"not yaml", "download: [unterminated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !apperr.IsKind(err, apperr.KindConfiguration) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HLSARCHIVER_BASE_PATH":            "/mnt/archive",
		"HLSARCHIVER_CONCURRENT_FRAGMENTS": "7",
		"HLSARCHIVER_EXCLUDE_VP9":          "true",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	if err := cfg.applyEnv(lookup); err != nil {
		t.Fatalf("applyEnv failed: %v", err)
	}
	if cfg.Storage.BasePath != "/mnt/archive" || cfg.Download.ConcurrentFragments != 7 || !cfg.Quality.ExcludeVP9 {
		t.Errorf("Environment overrides not applied: %+v", cfg)
	}

	env["HLSARCHIVER_MAX_CONCURRENT"] = "many"
	if err := Default().applyEnv(lookup); err == nil {
		t.Error("Expected error for non-integer value")
	}
}
