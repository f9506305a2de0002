// Package httpapi wires the gateway's HTTP surface: the two dialect
// endpoints, health probes, and the observability group.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelbridge/modelbridge/internal/breaker"
	"github.com/modelbridge/modelbridge/internal/budget"
	"github.com/modelbridge/modelbridge/internal/metrics"
	"github.com/modelbridge/modelbridge/internal/promptcache"
	"github.com/modelbridge/modelbridge/internal/providers"
	"github.com/modelbridge/modelbridge/internal/routing"
	"github.com/modelbridge/modelbridge/internal/shed"
	"github.com/modelbridge/modelbridge/internal/sidecar"
)

// maxStreamBytes limits streaming response size to prevent memory
// exhaustion (100 MB).
const maxStreamBytes = 100 * 1024 * 1024

// Dependencies carries everything the handlers need. Nil optional fields
// (Cache, Budget, Sidecar) disable the matching behaviour.
type Dependencies struct {
	Logger   *slog.Logger
	Metrics  *metrics.Registry
	Router   *routing.Router
	Invokers map[string]providers.Invoker
	Breakers *breaker.Registry
	Shed     *shed.Shedder
	Cache    *promptcache.Cache
	Budget   *budget.Tracker
	Sidecar  *sidecar.Client

	// Ready gates the readiness probe; it flips false during shutdown.
	Ready func() bool

	Version   string
	StartedAt time.Time
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Post("/v1/messages", MessagesHandler(d))
	r.Post("/v1/chat/completions", ChatCompletionsHandler(d))

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if d.Ready != nil && !d.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
			return
		}
		if len(d.Invokers) == 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":    "unhealthy",
				"providers": 0,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"providers": len(d.Invokers),
		})
	})

	r.Get("/metrics", ObservabilityHandler(d))
	r.Get("/metrics/observability", ObservabilityHandler(d))
	r.Handle("/metrics/prometheus", d.Metrics.Handler())
	r.Get("/metrics/circuit-breakers", BreakersHandler(d))
	r.Get("/metrics/load-shedding", SheddingHandler(d))
	r.Get("/metrics/semantic-cache", CacheStatsHandler(d))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
