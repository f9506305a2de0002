package httpapi

import (
	"net/http"
	"time"
)

// ObservabilityHandler returns the JSON operational summary served at
// /metrics and /metrics/observability.
func ObservabilityHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerNames := make([]string, 0, len(d.Invokers))
		for name := range d.Invokers {
			providerNames = append(providerNames, name)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"version":          d.Version,
			"uptime_seconds":   int64(time.Since(d.StartedAt).Seconds()),
			"providers":        providerNames,
			"circuit_breakers": d.Breakers.Snapshots(),
			"load_shedding":    d.Shed.Current(),
			"semantic_cache":   d.Cache.Snapshot(r.Context()),
		})
	}
}

// BreakersHandler serves per-provider circuit breaker snapshots.
func BreakersHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"circuit_breakers": d.Breakers.Snapshots(),
		})
	}
}

// SheddingHandler serves the load shedder snapshot.
func SheddingHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Shed.Current())
	}
}

// CacheStatsHandler serves the prompt cache snapshot.
func CacheStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Cache.Snapshot(r.Context()))
	}
}
