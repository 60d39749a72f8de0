package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"agentgate/internal/domain"
	"agentgate/internal/repo"
)

var errTenantNotFound = errors.New("tenant not found")

type tenantRequest struct {
	Name            string                           `json:"name"`
	DefaultProvider string                           `json:"default_provider"`
	DefaultModel    string                           `json:"default_model"`
	Providers       map[string]domain.ProviderConfig `json:"providers"`
	Tools           []domain.ToolSpec                `json:"tools"`
	Agents          []domain.AgentSpec               `json:"agents"`
	Secrets         map[string]string                `json:"secrets"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_body", "invalid request body", nil)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeErr(w, http.StatusBadRequest, "invalid_tenant", "name is required", nil)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	tenant := domain.Tenant{
		ID:              "tnt-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Name:            strings.TrimSpace(req.Name),
		APIKey:          newTenantAPIKey(),
		DefaultProvider: req.DefaultProvider,
		DefaultModel:    strings.TrimSpace(req.DefaultModel),
		Providers:       req.Providers,
		Tools:           req.Tools,
		Agents:          req.Agents,
		Secrets:         req.Secrets,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	repo.NormalizeTenant(&tenant)
	if err := validateTenant(tenant); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_tenant", err.Error(), nil)
		return
	}

	err := s.store.Write(func(state *repo.State) error {
		state.Tenants[tenant.ID] = tenant
		return nil
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "store_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants := make([]domain.Tenant, 0)
	s.store.Read(func(state *repo.State) {
		for _, tenant := range state.Tenants {
			tenants = append(tenants, tenant)
		}
	})
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })
	writeJSON(w, http.StatusOK, tenants)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.store.GetTenant(chi.URLParam(r, "tenantID"))
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "tenant not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

// handleUpdateTenant replaces the mutable tenant fields and evicts the
// tenant's pooled instances so the next request picks up the new workspace.
func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_body", "invalid request body", nil)
		return
	}

	var updated domain.Tenant
	err := s.store.Write(func(state *repo.State) error {
		tenant, ok := state.Tenants[tenantID]
		if !ok {
			return errTenantNotFound
		}
		if strings.TrimSpace(req.Name) != "" {
			tenant.Name = strings.TrimSpace(req.Name)
		}
		tenant.DefaultProvider = req.DefaultProvider
		tenant.DefaultModel = strings.TrimSpace(req.DefaultModel)
		tenant.Providers = req.Providers
		tenant.Tools = req.Tools
		tenant.Agents = req.Agents
		tenant.Secrets = req.Secrets
		tenant.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		repo.NormalizeTenant(&tenant)
		if err := validateTenant(tenant); err != nil {
			return err
		}
		state.Tenants[tenantID] = tenant
		updated = tenant
		return nil
	})
	if errors.Is(err, errTenantNotFound) {
		writeErr(w, http.StatusNotFound, "not_found", "tenant not found", nil)
		return
	}
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_tenant", err.Error(), nil)
		return
	}

	s.pool.EvictTenant(tenantID)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	err := s.store.Write(func(state *repo.State) error {
		if _, ok := state.Tenants[tenantID]; !ok {
			return errTenantNotFound
		}
		delete(state.Tenants, tenantID)
		return nil
	})
	if errors.Is(err, errTenantNotFound) {
		writeErr(w, http.StatusNotFound, "not_found", "tenant not found", nil)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "store_error", err.Error(), nil)
		return
	}

	s.pool.EvictTenant(tenantID)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Snapshot())
}

func validateTenant(t domain.Tenant) error {
	seen := map[string]bool{}
	for _, tool := range t.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return errors.New("tool name is required")
		}
		if seen[name] {
			return errors.New("duplicate tool name: " + name)
		}
		seen[name] = true
	}
	seen = map[string]bool{}
	for _, agent := range t.Agents {
		name := strings.TrimSpace(agent.Name)
		if name == "" {
			return errors.New("agent name is required")
		}
		if seen[name] {
			return errors.New("duplicate agent name: " + name)
		}
		seen[name] = true
	}
	return nil
}

func newTenantAPIKey() string {
	return "agk-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
