// Package main is the entry point for the SIMS-Maps server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sims-maps/server/internal/api"
	"github.com/sims-maps/server/internal/cache"
	"github.com/sims-maps/server/internal/config"
	"github.com/sims-maps/server/internal/data/lans"
	"github.com/sims-maps/server/internal/data/simsdb"
	"github.com/sims-maps/server/internal/pixel"
	"github.com/sims-maps/server/internal/render"
	"github.com/sims-maps/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting SIMS-Maps server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all analyses)
	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: cfg.Cache.ImageSizeMB,
		ImageTTL:         time.Duration(cfg.Cache.ImageTTLMinutes) * time.Minute,
		TableCacheSize:   cfg.Cache.TableCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}

	// Initialize map renderer (shared across all analyses)
	mapRenderer := render.NewMapRenderer(render.Config{
		Scale:           cfg.Render.Scale,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	drawBorders := cfg.Render.DrawROIBorders == nil || *cfg.Render.DrawROIBorders

	// Initialize analysis registry
	analysisIDs := cfg.Analyses.IDs()
	registry := api.NewAnalysisRegistry(cfg.Analyses.Default, analysisIDs, cfg.Server.Title)

	log.Printf("Initializing %d analysis(es), default: %s", len(analysisIDs), cfg.Analyses.Default)

	// Initialize each analysis
	for _, analysisID := range analysisIDs {
		ac := cfg.Analyses.Analyses[analysisID]

		analysis, err := lans.LoadMaps(ac.MapsDir, analysisID)
		if err != nil {
			log.Fatalf("Failed to load maps for analysis %q: %v", analysisID, err)
		}

		log.Printf("  [%s] Loaded from: %s", analysisID, ac.MapsDir)
		log.Printf("    Raster: %dx%d, Variables: %d, ROIs: %d",
			analysis.Width, analysis.Height, len(analysis.Variables), len(analysis.ROIs))

		var summary *pixel.Table
		if ac.SummaryPath != "" {
			summary, err = lans.LoadSummary(ac.SummaryPath, analysisID)
			if err != nil {
				log.Fatalf("Failed to load summary for analysis %q: %v", analysisID, err)
			}
			log.Printf("  [%s] Summary table: %s (%d rows)", analysisID, ac.SummaryPath, summary.Len())
		}

		var store *simsdb.Reader
		if ac.TileDBPath != "" {
			r, err := simsdb.NewReader(ac.TileDBPath)
			if err != nil {
				log.Printf("  [%s] TileDB store not initialized: %v", analysisID, err)
			} else {
				store = r
				log.Printf("  [%s] TileDB store: %s (supported=%v)", analysisID, store.StoreURI(), store.Supported())
			}
		}

		mapService := service.NewMapService(service.MapServiceConfig{
			AnalysisID:     analysisID,
			Analysis:       analysis,
			Summary:        summary,
			Store:          store,
			Cache:          cacheManager,
			Renderer:       mapRenderer,
			DrawROIBorders: drawBorders,
		})

		registry.Register(analysisID, mapService)
	}

	// Initialize job manager for facet-sheet exports (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Export.MaxConcurrent,
		SQLitePath:    cfg.Export.SQLitePath,
		RetentionDays: cfg.Export.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Export job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Export.MaxConcurrent, cfg.Export.RetentionDays, cfg.Export.SQLitePath)

	// Wire up export service as job executor
	exportService := service.NewExportService(registry, cfg.Export.OutputDir)
	jobManager.Executor = exportService.ExecuteExportJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
