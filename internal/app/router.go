package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/atlas-erp/accessgate/internal/audit/http"
	directoryhttp "github.com/atlas-erp/accessgate/internal/directory/http"
	"github.com/atlas-erp/accessgate/internal/gateway"
	"github.com/atlas-erp/accessgate/internal/observability"
	policyhttp "github.com/atlas-erp/accessgate/internal/policy/http"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	GatewayHandler   *gateway.Handler
	DirectoryHandler *directoryhttp.Handler
	PolicyHandler    *policyhttp.Handler
	AuditHandler     *audithttp.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with accessgate defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		params.GatewayHandler.MountRoutes(r)
		params.DirectoryHandler.MountRoutes(r)
		params.PolicyHandler.MountRoutes(r)
		params.AuditHandler.MountRoutes(r)
	})

	return r
}
