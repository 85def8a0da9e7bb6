package observability

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewOpsRouter mounts /metrics, /healthz and /readyz. Extra routes, such as
// read-only query endpoints, are attached through mount.
func NewOpsRouter(gatherer prometheus.Gatherer, health *HealthChecker, mount func(r chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)

	if mount != nil {
		mount(r)
	}
	return r
}
