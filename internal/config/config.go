// Package config handles configuration loading for the SIMS-Maps server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Analyses AnalysesConfig `yaml:"analyses"`
	Cache    CacheConfig    `yaml:"cache"`
	Render   RenderConfig   `yaml:"render"`
	Export   ExportConfig   `yaml:"export"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// AnalysisConfig locates one analysis's data.
type AnalysisConfig struct {
	MapsDir     string `yaml:"maps_dir"`
	SummaryPath string `yaml:"summary_path"`
	TileDBPath  string `yaml:"tiledb_path"`
}

// AnalysesConfig holds the configured analyses in YAML order. The first
// one is the default unless `default` names another.
type AnalysesConfig struct {
	Analyses map[string]AnalysisConfig
	Order    []string
	Default  string
}

// UnmarshalYAML decodes the analyses mapping preserving key order, which
// plain map decoding would lose.
func (a *AnalysesConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("analyses must be a mapping of name to settings")
	}
	a.Analyses = make(map[string]AnalysisConfig, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if key == "default" {
			if err := node.Content[i+1].Decode(&a.Default); err != nil {
				return err
			}
			continue
		}
		var ac AnalysisConfig
		if err := node.Content[i+1].Decode(&ac); err != nil {
			return fmt.Errorf("analysis %q: %w", key, err)
		}
		a.Analyses[key] = ac
		a.Order = append(a.Order, key)
	}
	if a.Default == "" && len(a.Order) > 0 {
		a.Default = a.Order[0]
	}
	return nil
}

// IDs returns the configured analysis names in config order.
func (a *AnalysesConfig) IDs() []string { return a.Order }

// CacheConfig contains caching settings.
type CacheConfig struct {
	ImageSizeMB     int `yaml:"image_size_mb"`
	ImageTTLMinutes int `yaml:"image_ttl_minutes"`
	TableCacheSize  int `yaml:"table_cache_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	Scale           int    `yaml:"scale"`
	DefaultColormap string `yaml:"default_colormap"`
	// DrawROIBorders gates the boundary overlay globally; when false the
	// border extraction is never invoked.
	DrawROIBorders *bool `yaml:"draw_roi_borders"`
}

// ExportConfig contains facet-sheet export job settings.
type ExportConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	OutputDir     string `yaml:"output_dir"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	drawBorders := true
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "SIMS-Maps",
		},
		Analyses: AnalysesConfig{
			Analyses: map[string]AnalysisConfig{},
		},
		Cache: CacheConfig{
			ImageSizeMB:     256,
			ImageTTLMinutes: 10,
			TableCacheSize:  64,
		},
		Render: RenderConfig{
			Scale:           4,
			DefaultColormap: "viridis",
			DrawROIBorders:  &drawBorders,
		},
		Export: ExportConfig{
			SQLitePath:    "./data/export_jobs.sqlite",
			OutputDir:     "./exports",
			MaxConcurrent: 1,
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Analyses.Analyses == nil {
		cfg.Analyses.Analyses = map[string]AnalysisConfig{}
	}
	if cfg.Cache.ImageSizeMB == 0 {
		cfg.Cache.ImageSizeMB = defaults.Cache.ImageSizeMB
	}
	if cfg.Cache.ImageTTLMinutes == 0 {
		cfg.Cache.ImageTTLMinutes = defaults.Cache.ImageTTLMinutes
	}
	if cfg.Cache.TableCacheSize == 0 {
		cfg.Cache.TableCacheSize = defaults.Cache.TableCacheSize
	}
	if cfg.Render.Scale == 0 {
		cfg.Render.Scale = defaults.Render.Scale
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.DrawROIBorders == nil {
		cfg.Render.DrawROIBorders = defaults.Render.DrawROIBorders
	}
	if cfg.Export.SQLitePath == "" {
		cfg.Export.SQLitePath = defaults.Export.SQLitePath
	}
	if cfg.Export.OutputDir == "" {
		cfg.Export.OutputDir = defaults.Export.OutputDir
	}
	if cfg.Export.MaxConcurrent == 0 {
		cfg.Export.MaxConcurrent = defaults.Export.MaxConcurrent
	}
	if cfg.Export.RetentionDays == 0 {
		cfg.Export.RetentionDays = defaults.Export.RetentionDays
	}
}
