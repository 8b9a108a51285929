package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fedgate/pkg/httputil"
)

// Registrable mounts a group of endpoints on the router.
type Registrable interface {
	Register(r chi.Router)
}

// HealthCheck reports the health of one backing dependency.
type HealthCheck func(ctx context.Context) error

// NewRouter assembles the public federation surface plus the operational
// endpoints. Business endpoints come in as Registrables so the router stays
// free of domain wiring.
func NewRouter(checks map[string]HealthCheck, handlers ...Registrable) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", handleHealth(checks))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	for _, h := range handlers {
		h.Register(r)
	}
	return r
}

func handleHealth(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				deps[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}
		httputil.WriteJSON(w, status, map[string]any{
			"status":       http.StatusText(status),
			"dependencies": deps,
		})
	}
}
