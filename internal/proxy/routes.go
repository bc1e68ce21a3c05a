package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/inference-dispatch/internal/logger"
)

type Routes struct {
	Inference *Handler
	Admin     *AdminHandler
	Health    *HealthHandler

	// Gate runs before tenant resolution on every route.
	Gate func(http.Handler) http.Handler
	// Resolve attaches the tenant to public requests.
	Resolve func(http.Handler) http.Handler
	// Metrics defaults to the global prometheus registry.
	Metrics http.Handler

	Logger zerolog.Logger
}

// NewRouter wires the HTTP surface. Order matters: the gate short-circuits
// before the resolver runs, so rejected requests never cost a tenant lookup.
func NewRouter(rt Routes) http.Handler {
	metrics := rt.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(logger.AccessLog(rt.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.Gate)

	r.Get("/healthz", rt.Health.HandleHealthz)
	r.Get("/readyz", rt.Health.HandleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Route("/admin/tenants", func(r chi.Router) {
		r.Get("/{sandbox_id}", rt.Admin.HandleGetTenant)
		r.Get("/{tenant_id}/usage", rt.Admin.HandleTenantUsage)
	})

	r.Group(func(r chi.Router) {
		r.Use(rt.Resolve)
		r.Post("/v1/inference", rt.Inference.HandleInference)
		r.Post("/t/{sandbox_id}/v1/inference", rt.Inference.HandleInference)
	})

	return r
}
