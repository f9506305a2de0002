package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/promptcache"
	"github.com/modelbridge/modelbridge/internal/providers"
	"github.com/modelbridge/modelbridge/internal/session"
)

// MessagesHandler serves POST /v1/messages: the canonical dialect in and
// out, so only the provider side may need translation.
func MessagesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req anthropic.MessagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: "+err.Error())
			return
		}
		if req.Model == "" {
			writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "missing field: model")
			return
		}
		if len(req.Messages) == 0 {
			writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "missing field: messages")
			return
		}

		// Cache consult happens before touching any upstream. Streamed
		// requests bypass the cache in both directions.
		var cacheKey string
		if !req.Stream && d.Cache.Enabled() {
			key, cached, hit, err := d.Cache.Lookup(r.Context(), &req)
			if err != nil {
				d.Logger.Warn("cache lookup failed", "error", err)
			}
			cacheKey = key
			if hit {
				d.Metrics.CacheHits.Inc()
				w.Header().Set("X-Cache", "hit")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(cached)
				observeRequest(d, "/v1/messages", req.Model, "cache", http.StatusOK, start)
				return
			}
			d.Metrics.CacheMisses.Inc()
		}

		if req.Stream {
			streamMessages(w, r, d, &req, start)
			return
		}

		inv, res, err := dispatch(r.Context(), d, &req)
		if err != nil && res == nil {
			writeUpstreamError(w, writeAnthropicError, err)
			observeRequest(d, "/v1/messages", req.Model, providerID(inv), errStatus(err), start)
			return
		}
		if !res.OK {
			forwardUpstreamFailure(w, writeAnthropicError, res)
			observeRequest(d, "/v1/messages", req.Model, inv.ID(), res.Status, start)
			return
		}

		resp, err := canonicalResponse(inv, res)
		if err != nil {
			writeAnthropicError(w, http.StatusBadGateway, "api_error", err.Error())
			observeRequest(d, "/v1/messages", req.Model, inv.ID(), http.StatusBadGateway, start)
			return
		}

		body, err := json.Marshal(resp)
		if err != nil {
			writeAnthropicError(w, http.StatusInternalServerError, "api_error", "internal error")
			return
		}

		finalize(d, r.Context(), cacheKey, body, resp.Usage, inv.ID(), resp.Model)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		observeRequest(d, "/v1/messages", req.Model, inv.ID(), http.StatusOK, start)
	}
}

// streamMessages serves a streamed /v1/messages exchange. An upstream that
// speaks the same dialect is passed through verbatim; otherwise the call is
// buffered and replayed as the canonical event sequence.
func streamMessages(w http.ResponseWriter, r *http.Request, d Dependencies, req *anthropic.MessagesRequest, start time.Time) {
	requestID := providers.GetRequestID(r.Context())

	inv, err := selectInvoker(r.Context(), d, req)
	if err != nil {
		writeUpstreamError(w, writeAnthropicError, err)
		return
	}

	if si, ok := inv.(providers.StreamInvoker); ok && inv.Dialect() == "anthropic" {
		body, err := si.InvokeStream(r.Context(), req)
		if err != nil {
			writeUpstreamError(w, writeAnthropicError, err)
			observeRequest(d, "/v1/messages", req.Model, inv.ID(), errStatus(err), start)
			return
		}
		defer body.Close()

		sseHeaders(w)
		w.WriteHeader(http.StatusOK)
		copySSE(w, body, d.Logger, requestID)
		observeRequest(d, "/v1/messages", req.Model, inv.ID(), http.StatusOK, start)
		return
	}

	// Buffered fallback for upstreams that cannot stream this dialect.
	res, err := inv.Invoke(r.Context(), req)
	if err != nil && res == nil {
		writeUpstreamError(w, writeAnthropicError, err)
		observeRequest(d, "/v1/messages", req.Model, inv.ID(), errStatus(err), start)
		return
	}
	if !res.OK {
		forwardUpstreamFailure(w, writeAnthropicError, res)
		observeRequest(d, "/v1/messages", req.Model, inv.ID(), res.Status, start)
		return
	}
	resp, err := canonicalResponse(inv, res)
	if err != nil {
		writeUpstreamError(w, writeAnthropicError, err)
		return
	}

	recordUsage(d, r.Context(), resp.Usage, inv.ID(), resp.Model)

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	replayCanonicalStream(w, resp)
	observeRequest(d, "/v1/messages", req.Model, inv.ID(), http.StatusOK, start)
}

// forwardUpstreamFailure relays a non-2xx upstream response in the client's
// dialect, preserving the status and any rate-limit hint.
func forwardUpstreamFailure(w http.ResponseWriter, write errorWriter, res *providers.Result) {
	if ra := res.Headers.Get("Retry-After"); ra != "" && res.Status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", ra)
	}
	errType := "api_error"
	switch {
	case res.Status == http.StatusTooManyRequests:
		errType = "rate_limit_error"
	case res.Status >= 400 && res.Status < 500:
		errType = "invalid_request_error"
	}
	write(w, res.Status, errType, res.Text)
}

// finalize runs the post-response bookkeeping shared by the buffered paths:
// cache store and usage accounting.
func finalize(d Dependencies, ctx context.Context, cacheKey string, body []byte, usage anthropic.Usage, provider, model string) {
	if cacheKey != "" && promptcache.ShouldCache(http.StatusOK, body) {
		if err := d.Cache.Store(ctx, cacheKey, body); err != nil {
			d.Logger.Warn("cache store failed", "error", err)
		}
	}
	recordUsage(d, ctx, usage, provider, model)
}

func recordUsage(d Dependencies, ctx context.Context, usage anthropic.Usage, provider, model string) {
	d.Metrics.TokensTotal.WithLabelValues(model, provider, "input").Add(float64(usage.InputTokens))
	d.Metrics.TokensTotal.WithLabelValues(model, provider, "output").Add(float64(usage.OutputTokens))
	if d.Budget != nil {
		if sess := session.FromContext(ctx); sess != nil {
			d.Budget.Record(sess.ID, int64(usage.InputTokens+usage.OutputTokens))
		}
	}
}

func observeRequest(d Dependencies, endpoint, model, provider string, status int, start time.Time) {
	d.Metrics.RequestsTotal.WithLabelValues(endpoint, model, provider, strconv.Itoa(status)).Inc()
	d.Metrics.RequestLatency.WithLabelValues(endpoint, model, provider).
		Observe(float64(time.Since(start).Milliseconds()))
}

func providerID(inv providers.Invoker) string {
	if inv == nil {
		return "none"
	}
	return inv.ID()
}

func errStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return http.StatusBadGateway
}
