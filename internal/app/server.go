package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"agentgate/internal/bridge"
	"agentgate/internal/config"
	"agentgate/internal/domain"
	"agentgate/internal/observability"
	"agentgate/internal/pool"
	"agentgate/internal/repo"
	"agentgate/internal/workspace"

	transport "agentgate/internal/app/http"
)

const Version = "0.3.0"

// Executor runs one request against an acquired instance. The bridge is the
// production implementation; tests substitute fakes.
type Executor interface {
	Run(ctx context.Context, inst *pool.Instance, messages []bridge.Message, sel domain.ModelSelection, creds map[string]string) (bridge.Result, error)
	RunStream(ctx context.Context, inst *pool.Instance, messages []bridge.Message, sel domain.ModelSelection, creds map[string]string, onChunk func(bridge.StreamChunk)) (bridge.Result, error)
}

type Server struct {
	cfg      config.Config
	store    *repo.Store
	pool     *pool.Pool
	executor Executor
	logger   *slog.Logger
}

func NewServer(cfg config.Config) (*Server, error) {
	logger := observability.NewJSONLogger(slog.LevelInfo)

	store, err := repo.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	builder := workspace.NewBuilder(filepath.Join(cfg.DataDir, "instances"))
	instancePool := pool.New(pool.Options{
		Builder:       builder,
		Starter:       &pool.ProcessStarter{Command: cfg.RuntimeCommand},
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		PortAttempts:  cfg.PortAttempts,
		Logger:        logger,
	})
	if err := instancePool.Start(); err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		store:    store,
		pool:     instancePool,
		executor: bridge.New(instancePool, cfg.ResponseTimeout, logger),
		logger:   logger,
	}, nil
}

func (s *Server) Handler() http.Handler {
	return transport.NewRouter(s.cfg.AdminKey, s.logger, transport.Handlers{
		Public: transport.PublicHandlers{
			Healthz: s.handleHealthz,
			Version: s.handleVersion,
		},
		OpenAI: transport.OpenAIHandlers{
			ChatCompletions: s.handleChatCompletions,
			Models:          s.handleModels,
		},
		Admin: transport.AdminHandlers{
			CreateTenant:   s.handleCreateTenant,
			ListTenants:    s.handleListTenants,
			GetTenant:      s.handleGetTenant,
			UpdateTenant:   s.handleUpdateTenant,
			DeleteTenant:   s.handleDeleteTenant,
			ListInstances:  s.handleListInstances,
			InstanceEvents: s.handleInstanceEvents,
		},
	})
}

// Close drains every pooled instance. Called once at shutdown.
func (s *Server) Close() {
	s.pool.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// tenantFromRequest resolves the tenant from the bearer token on the /v1
// surface.
func (s *Server) tenantFromRequest(r *http.Request) (domain.Tenant, bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(auth, "Bearer ") {
		return domain.Tenant{}, false
	}
	key := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return s.store.FindTenantByAPIKey(key)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, domain.APIErrorBody{
		Error: domain.APIError{Code: code, Message: message, Details: details},
	})
}

func writeOpenAIError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, domain.OpenAIErrorBody{
		Error: domain.OpenAIError{Message: message, Type: errType},
	})
}
