package transport

import (
	"fmt"
	"log/slog"
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agentgate/internal/observability"
)

type PublicHandlers struct {
	Healthz stdhttp.HandlerFunc
	Version stdhttp.HandlerFunc
}

type OpenAIHandlers struct {
	ChatCompletions stdhttp.HandlerFunc
	Models          stdhttp.HandlerFunc
}

type AdminHandlers struct {
	CreateTenant   stdhttp.HandlerFunc
	ListTenants    stdhttp.HandlerFunc
	GetTenant      stdhttp.HandlerFunc
	UpdateTenant   stdhttp.HandlerFunc
	DeleteTenant   stdhttp.HandlerFunc
	ListInstances  stdhttp.HandlerFunc
	InstanceEvents stdhttp.HandlerFunc
}

type Handlers struct {
	Public PublicHandlers
	OpenAI OpenAIHandlers
	Admin  AdminHandlers
}

// NewRouter wires the three surfaces: public probes, the OpenAI-compatible
// /v1 API (tenant bearer auth happens in the handlers), and the key-guarded
// admin API.
func NewRouter(adminKey string, logger *slog.Logger, handlers Handlers) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(observability.RequestID)
	r.Use(observability.Logging(logger))
	r.Use(cors)

	registerPublicRoutes(r, handlers.Public)
	registerOpenAIRoutes(r, handlers.OpenAI)

	r.Group(func(api chi.Router) {
		api.Use(observability.APIKey(adminKey))
		registerAdminRoutes(api, handlers.Admin)
	})

	return r
}

func registerPublicRoutes(r chi.Router, handlers PublicHandlers) {
	r.Get("/healthz", mustHandler("healthz", handlers.Healthz))
	r.Get("/version", mustHandler("version", handlers.Version))
}

func registerOpenAIRoutes(r chi.Router, handlers OpenAIHandlers) {
	r.Route("/v1", func(api chi.Router) {
		api.Post("/chat/completions", mustHandler("chat-completions", handlers.ChatCompletions))
		api.Get("/models", mustHandler("models", handlers.Models))
	})
}

func registerAdminRoutes(r chi.Router, handlers AdminHandlers) {
	r.Route("/admin", func(api chi.Router) {
		api.Route("/tenants", func(tenants chi.Router) {
			tenants.Post("/", mustHandler("create-tenant", handlers.CreateTenant))
			tenants.Get("/", mustHandler("list-tenants", handlers.ListTenants))
			tenants.Get("/{tenantID}", mustHandler("get-tenant", handlers.GetTenant))
			tenants.Put("/{tenantID}", mustHandler("update-tenant", handlers.UpdateTenant))
			tenants.Delete("/{tenantID}", mustHandler("delete-tenant", handlers.DeleteTenant))
		})
		api.Get("/instances", mustHandler("list-instances", handlers.ListInstances))
		api.Get("/instances/events", mustHandler("instance-events", handlers.InstanceEvents))
	})
}

func cors(next stdhttp.Handler) stdhttp.Handler {
	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Request-Id,X-Api-Key")
		if r.Method == stdhttp.MethodOptions {
			w.WriteHeader(stdhttp.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func mustHandler(name string, handler stdhttp.HandlerFunc) stdhttp.HandlerFunc {
	if handler != nil {
		return handler
	}
	panic(fmt.Sprintf("transport router missing handler: %s", name))
}
