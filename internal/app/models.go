package app

import (
	"net/http"
	"sort"
	"time"

	"agentgate/internal/domain"
	"agentgate/internal/provider"
)

// handleModels lists the catalog models of every provider the tenant has
// enabled, as "provider/model" ids. Custom providers outside the catalog
// contribute nothing; their model namespace is opaque to the gateway.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantFromRequest(r)
	if !ok {
		writeOpenAIError(w, http.StatusUnauthorized, "invalid or missing api key", "invalid_request_error")
		return
	}

	created := time.Now().Unix()
	entries := make([]domain.ModelEntry, 0)
	for providerID, cfg := range tenant.Providers {
		if cfg.Enabled != nil && !*cfg.Enabled {
			continue
		}
		for _, model := range provider.ResolveModels(providerID) {
			entries = append(entries, domain.ModelEntry{
				ID:      providerID + "/" + model.ID,
				Object:  "model",
				Created: created,
				OwnedBy: providerID,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	writeJSON(w, http.StatusOK, domain.ModelList{Object: "list", Data: entries})
}
