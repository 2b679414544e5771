package config

import (
	"os"
	"path/filepath"
	"testing"
)

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoadMultiAnalysis(t *testing.T) {
	content := `
server:
  port: 9000
  title: "Grain mounts"
analyses:
  grain1:
    maps_dir: "/data/grain1/maps"
    summary_path: "/data/grain1/summary.dat"
  grain2:
    maps_dir: "/data/grain2/maps"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if len(cfg.Analyses.Analyses) != 2 {
		t.Fatalf("expected 2 analyses, got %d", len(cfg.Analyses.Analyses))
	}

	// First key in YAML order is the default.
	if cfg.Analyses.Default != "grain1" {
		t.Errorf("default = %q, want grain1", cfg.Analyses.Default)
	}
	ids := cfg.Analyses.IDs()
	if len(ids) != 2 || ids[0] != "grain1" || ids[1] != "grain2" {
		t.Errorf("IDs = %v, want [grain1 grain2]", ids)
	}

	a := cfg.Analyses.Analyses["grain1"]
	if a.MapsDir != "/data/grain1/maps" || a.SummaryPath != "/data/grain1/summary.dat" {
		t.Errorf("unexpected grain1 config: %+v", a)
	}
}

func TestLoadExplicitDefault(t *testing.T) {
	content := `
analyses:
  grain1:
    maps_dir: "/a"
  grain2:
    maps_dir: "/b"
  default: grain2
`
	cfg := loadFromString(t, content)
	if cfg.Analyses.Default != "grain2" {
		t.Errorf("default = %q, want grain2", cfg.Analyses.Default)
	}
	if len(cfg.Analyses.IDs()) != 2 {
		t.Errorf("default key must not become an analysis: %v", cfg.Analyses.IDs())
	}
}

func TestDefaultsApplied(t *testing.T) {
	cfg := loadFromString(t, "server:\n  port: 1234\n")

	if cfg.Cache.ImageSizeMB != 256 || cfg.Cache.TableCacheSize != 64 {
		t.Errorf("cache defaults missing: %+v", cfg.Cache)
	}
	if cfg.Render.Scale != 4 || cfg.Render.DefaultColormap != "viridis" {
		t.Errorf("render defaults missing: %+v", cfg.Render)
	}
	if cfg.Render.DrawROIBorders == nil || !*cfg.Render.DrawROIBorders {
		t.Error("draw_roi_borders should default to true")
	}
	if cfg.Export.MaxConcurrent != 1 || cfg.Export.RetentionDays != 7 {
		t.Errorf("export defaults missing: %+v", cfg.Export)
	}
}

func TestDrawBordersFalsePreserved(t *testing.T) {
	cfg := loadFromString(t, "render:\n  draw_roi_borders: false\n")
	if cfg.Render.DrawROIBorders == nil || *cfg.Render.DrawROIBorders {
		t.Error("explicit false must not be overridden by the default")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Server.Port)
	}
}
