// Package api provides HTTP handlers for the SIMS-Maps server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sims-maps/server/internal/exportstore"
	"github.com/sims-maps/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *AnalysisRegistry
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global analyses endpoint (not analysis-scoped)
	r.Get("/api/analyses", analysesHandler(cfg.Registry))

	// Analysis-scoped routes: /a/{analysis}/...
	r.Route("/a/{analysis}", func(r chi.Router) {
		r.Use(analysisMiddleware(cfg.Registry))

		// Map endpoints
		r.Get("/maps/derived.png", analysisDerivedMapHandler)
		r.Get("/maps/{variable}.png", analysisMapHandler)
		// NOTE: chi treats '.' as a param delimiter when the route pattern is
		// `{variable}.png`, which breaks species labels containing '.'
		// (e.g. "13C.12C"). Add a fallback route that captures the full
		// segment (including ".png") and strip the extension in the handler.
		r.Get("/maps/{variable}", analysisMapHandler)
		r.Get("/facets.png", analysisFacetSheetHandler)

		// API endpoints
		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", analysisMetadataHandler)
			r.Get("/variables", analysisVariablesHandler)
			r.Get("/borders", analysisBordersHandler)
			r.Get("/legend", analysisLegendHandler)
			r.Get("/stats", analysisStatsHandler)
			r.Get("/summary", analysisSummaryHandler)

			// Export job endpoints
			r.Route("/export/jobs", func(r chi.Router) {
				r.Post("/", exportJobSubmitHandler(cfg.JobManager))
				r.Get("/{job_id}", exportJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/files", exportJobFilesHandler(cfg.JobManager))
				r.Delete("/{job_id}", exportJobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for analysis service
type ctxKey string

const analysisServiceKey ctxKey = "analysisService"

// analysisMiddleware resolves the analysis from URL and injects the map service into context.
func analysisMiddleware(registry *AnalysisRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			analysisID := chi.URLParam(r, "analysis")
			svc := registry.MapService(analysisID)
			if svc == nil {
				http.Error(w, "analysis not found: "+analysisID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), analysisServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getAnalysisService(r *http.Request) *service.MapService {
	if svc, ok := r.Context().Value(analysisServiceKey).(*service.MapService); ok {
		return svc
	}
	return nil
}

// analysesHandler returns the list of available analyses.
func analysesHandler(registry *AnalysisRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultAnalysisID(),
			"analyses": registry.Analyses(),
			"title":    registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func analysisMapHandler(w http.ResponseWriter, r *http.Request) {
	svc := getAnalysisService(r)
	if svc == nil {
		http.Error(w, "analysis service not found", http.StatusInternalServerError)
		return
	}

	variable := strings.TrimSuffix(chi.URLParam(r, "variable"), ".png")
	cmap := r.URL.Query().Get("colormap")
	minPtr, maxPtr := parseRange(r.URL.Query())
	withBorders := parseBorders(r.URL.Query())

	data, err := svc.GetMapImage(variable, cmap, minPtr, maxPtr, withBorders)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writePNG(w, data)
}

func analysisDerivedMapHandler(w http.ResponseWriter, r *http.Request) {
	svc := getAnalysisService(r)
	if svc == nil {
		http.Error(w, "analysis service not found", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	spec, err := parseDerivedSpec(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmap := q.Get("colormap")
	minPtr, maxPtr := parseRange(q)
	withBorders := parseBorders(q)

	data, err := svc.GetDerivedImage(spec, cmap, minPtr, maxPtr, withBorders)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writePNG(w, data)
}

func analysisFacetSheetHandler(w http.ResponseWriter, r *http.Request) {
	svc := getAnalysisService(r)
	if svc == nil {
		http.Error(w, "analysis service not found", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	variables := parseVariables(q)
	cmap := q.Get("colormap")
	withBorders := parseBorders(q)
	cols := 3
	if v, err := strconv.Atoi(q.Get("cols")); err == nil && v > 0 {
		cols = v
	}

	data, err := svc.GetFacetSheet(variables, cmap, withBorders, cols)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writePNG(w, data)
}

func analysisMetadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getAnalysisService(r)
	if svc == nil {
		http.Error(w, "analysis service not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(svc.Metadata())
}

func analysisVariablesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getAnalysisService(r)
	if svc == nil {
		http.Error(w, "analysis service not found", http.StatusInternalServerError)
		return
	}
	md := svc.Metadata()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"variables": md.Variables,
		"total":     len(md.Variables),
	})
}

// borderRow is one row of the boundary table as JSON. A NaN value (the
// variable has no reading at that pixel) is encoded as null.
type borderRow struct {
	ROI      int      `json:"roi"`
	Variable string   `json:"variable"`
	X        int      `json:"x"`
	Y        int      `json:"y"`
	Value    *float64 `json:"value"`
}

func analysisBordersHandler(w http.ResponseWriter, r *http.Request) {
	svc := getAnalysisService(r)
	if svc == nil {
		http.Error(w, "analysis service not found", http.StatusInternalServerError)
		return
	}

	tbl, err := svc.Borders()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrBordersDisabled) {
			status = http.StatusNotImplemented
		}
		http.Error(w, err.Error(), status)
		return
	}

	rows := make([]borderRow, 0, tbl.Len())
	for i := 0; i < tbl.Len(); i++ {
		rec := tbl.Row(i)
		row := borderRow{ROI: rec.ROI, Variable: rec.Variable, X: rec.X, Y: rec.Y}
		if !math.IsNaN(rec.Value) {
			v := rec.Value
			row.Value = &v
		}
		rows = append(rows, row)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"analysis": svc.Metadata().Analysis,
		"rows":     rows,
		"total":    len(rows),
	})
}

func analysisLegendHandler(w http.ResponseWriter, r *http.Request) {
	svc := getAnalysisService(r)
	if svc == nil {
		http.Error(w, "analysis service not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"items": svc.ROILegend(),
	})
}

func analysisStatsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getAnalysisService(r)
	if svc == nil {
		http.Error(w, "analysis service not found", http.StatusInternalServerError)
		return
	}
	data, err := svc.GetStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func analysisSummaryHandler(w http.ResponseWriter, r *http.Request) {
	svc := getAnalysisService(r)
	if svc == nil {
		http.Error(w, "analysis service not found", http.StatusInternalServerError)
		return
	}
	rows, err := svc.GetSummary()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		http.Error(w, "no summary table for this analysis", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rows":  rows,
		"total": len(rows),
	})
}

// parseRange extracts optional min/max display bounds, ignoring NaN and Inf.
func parseRange(query url.Values) (*float64, *float64) {
	var minPtr, maxPtr *float64
	if s := strings.TrimSpace(query.Get("min")); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			minPtr = &v
		}
	}
	if s := strings.TrimSpace(query.Get("max")); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			maxPtr = &v
		}
	}
	return minPtr, maxPtr
}

// parseBorders reads the borders flag; overlays default to on.
func parseBorders(query url.Values) bool {
	raw := strings.TrimSpace(query.Get("borders"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

// parseVariables reads the variable selection. Supports repeated params
// (?vars=12C&vars=13C) and a comma-separated list (?vars=12C,13C).
func parseVariables(query url.Values) []string {
	raw, present := query["vars"]
	if !present {
		return nil
	}
	var out []string
	for _, r := range raw {
		for _, p := range strings.Split(r, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func parseDerivedSpec(query url.Values) (service.DerivedSpec, error) {
	spec := service.DerivedSpec{
		Kind: strings.TrimSpace(query.Get("kind")),
		Num:  strings.TrimSpace(query.Get("num")),
		Den:  strings.TrimSpace(query.Get("den")),
		Vars: parseVariables(query),
	}
	switch spec.Kind {
	case "ratio", "abundance":
		if spec.Num == "" || spec.Den == "" {
			return spec, errors.New("num and den are required for " + spec.Kind)
		}
	case "enrichment":
		if spec.Num == "" || spec.Den == "" {
			return spec, errors.New("num and den are required for enrichment")
		}
		nat, err := strconv.ParseFloat(strings.TrimSpace(query.Get("natural")), 64)
		if err != nil || nat <= 0 {
			return spec, errors.New("natural is required for enrichment (positive ratio)")
		}
		spec.Natural = nat
	case "sum":
		if len(spec.Vars) == 0 {
			return spec, errors.New("vars is required for sum")
		}
	case "":
		return spec, errors.New("missing required query param: kind")
	default:
		return spec, errors.New("unknown derived kind: " + spec.Kind)
	}
	return spec, nil
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// Export job handlers

type exportJobSubmitRequest struct {
	Variables   []string `json:"variables"`
	Colormap    string   `json:"colormap"`
	WithBorders bool     `json:"with_borders"`
	Columns     int      `json:"columns"`
}

func exportJobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		svc := getAnalysisService(r)
		if svc == nil {
			http.Error(w, "analysis service not available", http.StatusInternalServerError)
			return
		}

		var req exportJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Validate requested variables against the analysis before queueing.
		known := make(map[string]bool, len(svc.Analysis().Variables))
		for _, v := range svc.Analysis().Variables {
			known[v] = true
		}
		for _, v := range req.Variables {
			if !known[v] {
				http.Error(w, "unknown variable: "+v, http.StatusBadRequest)
				return
			}
		}

		if req.Columns <= 0 {
			req.Columns = 3
		}
		if req.Columns > 12 {
			req.Columns = 12
		}

		params := exportstore.ExportParams{
			Analysis:    chi.URLParam(r, "analysis"),
			Variables:   req.Variables,
			Colormap:    req.Colormap,
			WithBorders: req.WithBorders,
			Columns:     req.Columns,
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func exportJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		// Check analysis matches
		analysisID := chi.URLParam(r, "analysis")
		if job.Params.Analysis != analysisID {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"error":       job.Error,
		})
	}
}

func exportJobFilesHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		analysisID := chi.URLParam(r, "analysis")
		if job.Params.Analysis != analysisID {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		if job.Status != exportstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		files, err := jm.Store().GetFiles(jobID)
		if err != nil {
			http.Error(w, "failed to query files: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"params": job.Params,
			"files":  files,
			"total":  len(files),
		})
	}
}

func exportJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		analysisID := chi.URLParam(r, "analysis")
		if job.Params.Analysis != analysisID {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		jm.Cancel(jobID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":    jobID,
			"cancelled": true,
		})
	}
}
