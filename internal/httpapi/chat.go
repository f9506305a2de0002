package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/dialect/openai"
	"github.com/modelbridge/modelbridge/internal/providers"
	"github.com/modelbridge/modelbridge/internal/translate"
)

// ChatCompletionsHandler serves POST /v1/chat/completions. Requests are
// translated into the canonical dialect on the way in and responses back
// into the chat-completions shape on the way out.
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: "+err.Error())
			return
		}
		if req.Model == "" {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}

		canonical, err := translate.ChatToMessages(&req)
		if err != nil {
			writeUpstreamError(w, writeOpenAIError, err)
			return
		}
		canonical.Stream = req.Stream

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
				observeRequest(d, "/v1/chat/completions", req.Model, "cache", http.StatusOK, start)
				return
			}
			d.Metrics.CacheMisses.Inc()
		}

		if req.Stream {
			streamChat(w, r, d, canonical, start)
			return
		}

		inv, res, err := dispatch(r.Context(), d, canonical)
		if err != nil && res == nil {
			writeUpstreamError(w, writeOpenAIError, err)
			observeRequest(d, "/v1/chat/completions", req.Model, providerID(inv), errStatus(err), start)
			return
		}
		if !res.OK {
			forwardUpstreamFailure(w, writeOpenAIError, res)
			observeRequest(d, "/v1/chat/completions", req.Model, inv.ID(), res.Status, start)
			return
		}

		msgResp, err := canonicalResponse(inv, res)
		if err != nil {
			writeOpenAIError(w, http.StatusBadGateway, "api_error", err.Error())
			observeRequest(d, "/v1/chat/completions", req.Model, inv.ID(), http.StatusBadGateway, start)
			return
		}
		chatResp := translate.MessagesToChat(msgResp, canonical.Model)

		body, err := json.Marshal(chatResp)
		if err != nil {
			writeOpenAIError(w, http.StatusInternalServerError, "api_error", "internal error")
			return
		}

		finalize(d, r.Context(), cacheKey, body, msgResp.Usage, inv.ID(), canonical.Model)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		observeRequest(d, "/v1/chat/completions", req.Model, inv.ID(), http.StatusOK, start)
	}
}

// streamChat serves a streamed chat-completions exchange. A
// chat-completions upstream passes through verbatim; a messages-dialect
// upstream is translated event by event; anything else is buffered and
// replayed as chunks.
func streamChat(w http.ResponseWriter, r *http.Request, d Dependencies, canonical *anthropic.MessagesRequest, start time.Time) {
	requestID := providers.GetRequestID(r.Context())

	inv, err := selectInvoker(r.Context(), d, canonical)
	if err != nil {
		writeUpstreamError(w, writeOpenAIError, err)
		return
	}

	if si, ok := inv.(providers.StreamInvoker); ok {
		body, err := si.InvokeStream(r.Context(), canonical)
		if err != nil {
			writeUpstreamError(w, writeOpenAIError, err)
			observeRequest(d, "/v1/chat/completions", canonical.Model, inv.ID(), errStatus(err), start)
			return
		}
		defer body.Close()

		sseHeaders(w)
		w.WriteHeader(http.StatusOK)
		if inv.Dialect() == "openai" {
			copySSE(w, body, d.Logger, requestID)
		} else {
			translateStream(w, body, canonical.Model, d.Logger, requestID)
		}
		observeRequest(d, "/v1/chat/completions", canonical.Model, inv.ID(), http.StatusOK, start)
		return
	}

	// Buffered fallback: invoke once, replay the result as chunks.
	res, err := inv.Invoke(r.Context(), canonical)
	if err != nil && res == nil {
		writeUpstreamError(w, writeOpenAIError, err)
		observeRequest(d, "/v1/chat/completions", canonical.Model, inv.ID(), errStatus(err), start)
		return
	}
	if !res.OK {
		forwardUpstreamFailure(w, writeOpenAIError, res)
		observeRequest(d, "/v1/chat/completions", canonical.Model, inv.ID(), res.Status, start)
		return
	}
	msgResp, err := canonicalResponse(inv, res)
	if err != nil {
		writeUpstreamError(w, writeOpenAIError, err)
		return
	}

	recordUsage(d, r.Context(), msgResp.Usage, inv.ID(), canonical.Model)

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	replayChatChunks(w, msgResp, canonical.Model)
	observeRequest(d, "/v1/chat/completions", canonical.Model, inv.ID(), http.StatusOK, start)
}

// replayChatChunks streams a buffered response as chat-completion chunks by
// running the canonical replay through the event translator.
func replayChatChunks(w http.ResponseWriter, resp *anthropic.MessagesResponse, model string) {
	flusher, _ := w.(http.Flusher)
	tr := translate.NewStreamTranslator(model)

	for _, ev := range canonicalEvents(resp) {
		chunk, done := tr.Translate(ev)
		if chunk != nil {
			data, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			if flushWrite(w, flusher, sseEvent("", data)) != nil {
				return
			}
		}
		if done {
			break
		}
	}
	_ = flushWrite(w, flusher, sseEvent("", []byte("[DONE]")))
}
