package api

import (
	"github.com/sims-maps/server/internal/service"
)

// AnalysisInfo contains information about an analysis for the API response.
type AnalysisInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AnalysisRegistry holds map services for all configured analyses.
type AnalysisRegistry struct {
	services        map[string]*service.MapService
	defaultAnalysis string
	analysisOrder   []string
	title           string
}

// NewAnalysisRegistry creates a new analysis registry.
func NewAnalysisRegistry(defaultAnalysis string, order []string, title string) *AnalysisRegistry {
	return &AnalysisRegistry{
		services:        make(map[string]*service.MapService),
		defaultAnalysis: defaultAnalysis,
		analysisOrder:   order,
		title:           title,
	}
}

// Register adds a map service for an analysis.
func (r *AnalysisRegistry) Register(analysisID string, svc *service.MapService) {
	r.services[analysisID] = svc
}

// MapService returns the map service for an analysis, or nil if not found.
// It satisfies the export executor's provider interface.
func (r *AnalysisRegistry) MapService(analysisID string) *service.MapService {
	return r.services[analysisID]
}

// Default returns the default analysis's map service.
func (r *AnalysisRegistry) Default() *service.MapService {
	return r.services[r.defaultAnalysis]
}

// DefaultAnalysisID returns the default analysis ID.
func (r *AnalysisRegistry) DefaultAnalysisID() string {
	return r.defaultAnalysis
}

// AnalysisIDs returns all analysis IDs in config order.
func (r *AnalysisRegistry) AnalysisIDs() []string {
	return r.analysisOrder
}

// Title returns the configured site title.
func (r *AnalysisRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "SIMS-Maps"
}

// Analyses returns analysis info for all registered analyses.
func (r *AnalysisRegistry) Analyses() []AnalysisInfo {
	infos := make([]AnalysisInfo, 0, len(r.analysisOrder))
	for _, id := range r.analysisOrder {
		// Use the config ID as the display name (user-defined in server.yaml)
		infos = append(infos, AnalysisInfo{
			ID:   id,
			Name: id,
		})
	}
	return infos
}
