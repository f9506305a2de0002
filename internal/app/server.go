package app

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/modelbridge/modelbridge/internal/bodylimit"
	"github.com/modelbridge/modelbridge/internal/breaker"
	"github.com/modelbridge/modelbridge/internal/budget"
	"github.com/modelbridge/modelbridge/internal/httpapi"
	"github.com/modelbridge/modelbridge/internal/httpclient"
	"github.com/modelbridge/modelbridge/internal/logging"
	"github.com/modelbridge/modelbridge/internal/metrics"
	"github.com/modelbridge/modelbridge/internal/promptcache"
	"github.com/modelbridge/modelbridge/internal/providers"
	"github.com/modelbridge/modelbridge/internal/providers/anthropic"
	"github.com/modelbridge/modelbridge/internal/providers/bedrock"
	"github.com/modelbridge/modelbridge/internal/providers/ollama"
	"github.com/modelbridge/modelbridge/internal/providers/openai"
	"github.com/modelbridge/modelbridge/internal/retry"
	"github.com/modelbridge/modelbridge/internal/routing"
	"github.com/modelbridge/modelbridge/internal/session"
	"github.com/modelbridge/modelbridge/internal/shed"
	"github.com/modelbridge/modelbridge/internal/shutdown"
	"github.com/modelbridge/modelbridge/internal/sidecar"
	"github.com/modelbridge/modelbridge/internal/tracing"
	"github.com/modelbridge/modelbridge/internal/vault"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server wires the gateway together: middleware chain, provider adapters,
// routing policy, cache, and the shutdown coordinator.
type Server struct {
	cfg Config

	r     *chi.Mux
	coord *shutdown.Coordinator

	vault    *vault.Vault
	routes   *routing.Router
	invokers map[string]providers.Invoker
	breakers *breaker.Registry
	cache    *promptcache.Cache
	sessions *session.Store
	pool     *httpclient.Pool
	logger   *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	coord := shutdown.New(
		shutdown.WithTimeout(time.Duration(cfg.ShutdownTimeoutSecs)*time.Second),
		shutdown.WithLogger(logger),
	)
	m := metrics.New()

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		return nil, err
	}

	pool := httpclient.New(time.Duration(cfg.ProviderTimeoutSecs) * time.Second)

	breakers := breaker.NewRegistry(
		breaker.WithFailureThreshold(cfg.FailureThreshold),
		breaker.WithSuccessThreshold(cfg.SuccessThreshold),
		breaker.WithResetTimeout(time.Duration(cfg.ResetTimeoutSecs)*time.Second),
		breaker.WithOnStateChange(func(provider string, from, to breaker.State) {
			m.ObserveBreaker(provider, to.String())
			logger.Warn("circuit state change",
				slog.String("provider", provider),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}),
	)

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	policy.InitialDelay = time.Duration(cfg.InitialDelayMs) * time.Millisecond
	policy.Multiplier = cfg.Multiplier
	policy.MaxDelay = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	policy.JitterFactor = cfg.JitterFactor

	invokers := buildInvokers(cfg, v, pool, policy, breakers, m, logger)

	names := make([]string, 0, len(invokers))
	for name := range invokers {
		names = append(names, name)
	}
	routes := routing.New(routing.Config{
		DefaultProvider: cfg.DefaultProvider,
		LocalProvider:   cfg.LocalProvider,
		PreferLocal:     cfg.PreferLocal,
		LowThreshold:    cfg.LowThreshold,
		HighThreshold:   cfg.HighThreshold,
		Fallback:        cfg.Fallback,
		FallbackEnabled: cfg.FallbackEnabled,
	}, names)
	for short, canonical := range cfg.ModelAliases {
		routes.SetAlias(short, canonical)
	}
	for _, model := range cfg.LocalToolModels {
		routes.SetCapability(model, routing.ModelCapability{SupportsTools: true})
	}

	cache := promptcache.Disabled()
	if cfg.CacheEnabled {
		cache, err = promptcache.Open(cfg.CachePath,
			promptcache.WithTTL(time.Duration(cfg.CacheTTLMs)*time.Millisecond),
			promptcache.WithMaxEntries(cfg.CacheMaxEntries),
			promptcache.WithPruneInterval(time.Duration(cfg.CachePruneMs)*time.Millisecond),
			promptcache.WithLogger(logger),
		)
		if err != nil {
			// The gateway stays up without a cache; every lookup misses.
			logger.Warn("prompt cache unavailable", slog.String("path", cfg.CachePath), slog.String("error", err.Error()))
			cache = promptcache.Disabled()
		}
	}

	shedder := shed.New(
		shed.WithMaxInFlight(cfg.ShedMaxInFlight),
		shed.WithMaxLatency(time.Duration(cfg.ShedMaxLatencyMs)*time.Millisecond),
		shed.WithCounter(m.ShedRejected),
	)

	sessions := session.NewStore(time.Duration(cfg.SessionTTLSecs) * time.Second)

	var tracker *budget.Tracker
	if cfg.BudgetEnabled {
		tracker = budget.NewTracker(cfg.BudgetTokens,
			time.Duration(cfg.BudgetWindowSecs)*time.Second,
			budget.WithCounter(m.BudgetRejected))
	}

	side := sidecar.New(cfg.SidecarURL, sidecar.WithLogger(logger))
	if side.Enabled() {
		logger.Info("compression sidecar configured", slog.String("url", cfg.SidecarURL))
	}

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "modelbridge",
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(shedder.Middleware)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(observe(m))
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", session.Header},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(bodylimit.Middleware(cfg.BodyLimitBytes))
	r.Use(sessions.Middleware)
	if tracker != nil {
		r.Use(scoped("/v1/", tracker.Middleware))
	}

	s := &Server{
		cfg:      cfg,
		r:        r,
		coord:    coord,
		vault:    v,
		routes:   routes,
		invokers: invokers,
		breakers: breakers,
		cache:    cache,
		sessions: sessions,
		pool:     pool,
		logger:   logger,
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Logger:    logger,
		Metrics:   m,
		Router:    routes,
		Invokers:  invokers,
		Breakers:  breakers,
		Shed:      shedder,
		Cache:     cache,
		Budget:    tracker,
		Sidecar:   side,
		Ready:     coord.Ready,
		Version:   Version,
		StartedAt: time.Now(),
	})

	coord.Register("prompt-cache", func(ctx context.Context) error { return cache.Close() })
	coord.Register("sessions", func(ctx context.Context) error { sessions.Close(); return nil })
	coord.Register("http-pool", func(ctx context.Context) error { pool.CloseIdle(); return nil })
	if cfg.OTelEnabled && traceShutdown != nil {
		coord.Register("tracing", traceShutdown)
	}
	coord.SetReady(true)

	logger.Info("server initialized",
		slog.Int("providers", len(invokers)),
		slog.Bool("cache", cache.Enabled()),
		slog.Bool("budget", tracker != nil))
	return s, nil
}

func (s *Server) Router() http.Handler               { return s.r }
func (s *Server) Coordinator() *shutdown.Coordinator { return s.coord }

// Reload applies the subset of configuration that is safe to change at
// runtime: log level, model aliases, and local tool capabilities.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	for short, canonical := range cfg.ModelAliases {
		s.routes.SetAlias(short, canonical)
	}
	for _, model := range cfg.LocalToolModels {
		s.routes.SetCapability(model, routing.ModelCapability{SupportsTools: true})
	}
	s.logger.Info("configuration reloaded", slog.String("file", cfg.ConfigFile))
}

// Close releases resources directly, for callers that bypass the shutdown
// coordinator (tests).
func (s *Server) Close() error {
	err := s.cache.Close()
	s.sessions.Close()
	s.pool.CloseIdle()
	return err
}

// buildInvokers constructs one adapter per configured provider. Providers
// that require credentials are skipped when no key is available.
func buildInvokers(cfg Config, v *vault.Vault, pool *httpclient.Pool, policy retry.Policy, breakers *breaker.Registry, m *metrics.Registry, logger *slog.Logger) map[string]providers.Invoker {
	invokers := make(map[string]providers.Invoker)

	register := func(name string, inv providers.Invoker) {
		invokers[name] = inv
		logger.Info("registered provider", slog.String("provider", name))
	}

	for name, pc := range cfg.Providers {
		key := credential(v, name, pc.APIKey)
		base := pc.BaseURL
		pp := policy
		pp.OnRetry = m.UpstreamRetries.WithLabelValues(name).Inc

		switch name {
		case "anthropic":
			if key == "" {
				logger.Warn("skipping provider: no API key", slog.String("provider", name))
				continue
			}
			if base == "" {
				base = "https://api.anthropic.com"
			}
			register(name, anthropic.New(name, key, base,
				anthropic.WithClient(pool.Client(base)),
				anthropic.WithRetryPolicy(pp),
				anthropic.WithBreaker(breakers.Get(name)),
				anthropic.WithLogger(logger)))

		case "openai":
			if key == "" {
				logger.Warn("skipping provider: no API key", slog.String("provider", name))
				continue
			}
			if base == "" {
				base = "https://api.openai.com"
			}
			register(name, openai.New(name, key, base,
				openai.WithClient(pool.Client(base)),
				openai.WithRetryPolicy(pp),
				openai.WithBreaker(breakers.Get(name)),
				openai.WithLogger(logger)))

		case "openrouter":
			if key == "" {
				logger.Warn("skipping provider: no API key", slog.String("provider", name))
				continue
			}
			if base == "" {
				base = "https://openrouter.ai/api"
			}
			register(name, openai.New(name, key, base,
				openai.WithClient(pool.Client(base)),
				openai.WithRetryPolicy(pp),
				openai.WithBreaker(breakers.Get(name)),
				openai.WithLogger(logger),
				openai.WithExtraHeaders(map[string]string{
					"HTTP-Referer": "https://github.com/modelbridge/modelbridge",
					"X-Title":      "modelbridge",
				})))

		case "azure":
			if key == "" || base == "" {
				logger.Warn("skipping provider: needs api key and base url", slog.String("provider", name))
				continue
			}
			register(name, openai.New(name, key, base,
				openai.WithClient(pool.Client(base)),
				openai.WithRetryPolicy(pp),
				openai.WithBreaker(breakers.Get(name)),
				openai.WithLogger(logger),
				openai.WithAuthHeader("api-key")))

		case "lmstudio":
			if base == "" {
				base = "http://localhost:1234"
			}
			register(name, openai.New(name, "", base,
				openai.WithClient(pool.Client(base)),
				openai.WithRetryPolicy(pp),
				openai.WithBreaker(breakers.Get(name)),
				openai.WithLogger(logger)))

		case "ollama":
			if base == "" {
				base = "http://localhost:11434"
			}
			register(name, ollama.New(name, base,
				ollama.WithClient(pool.Client(base)),
				ollama.WithRetryPolicy(pp),
				ollama.WithBreaker(breakers.Get(name)),
				ollama.WithLogger(logger)))

		case "bedrock":
			if key == "" || base == "" {
				logger.Warn("skipping provider: needs api key and base url", slog.String("provider", name))
				continue
			}
			register(name, bedrock.New(name, key, base,
				bedrock.WithClient(pool.Client(base)),
				bedrock.WithRetryPolicy(pp),
				bedrock.WithBreaker(breakers.Get(name)),
				bedrock.WithLogger(logger)))

		default:
			logger.Warn("unknown provider in config", slog.String("provider", name))
		}
	}

	return invokers
}

// credential prefers an unlocked vault secret over the configured key.
func credential(v *vault.Vault, provider, configured string) string {
	if v != nil && v.Enabled() && !v.IsLocked() {
		if key, err := v.Get(provider + "_api_key"); err == nil && key != "" {
			return key
		}
	}
	return configured
}

// observe records the in-flight gauge plus a response counter and latency
// observation for every request, in a deferred block so rejections from
// later stages (body limit, budget) are still counted.
func observe(m *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.InFlight.Inc()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				m.InFlight.Dec()
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				path := pathLabel(r.URL.Path)
				m.HTTPResponses.WithLabelValues(path, strconv.Itoa(status)).Inc()
				m.HTTPLatency.WithLabelValues(path).
					Observe(float64(time.Since(start).Milliseconds()))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// pathLabel collapses unknown paths into one label value so arbitrary URLs
// cannot grow the metric's cardinality.
func pathLabel(path string) string {
	switch {
	case path == "/v1/messages" || path == "/v1/chat/completions":
		return path
	case strings.HasPrefix(path, "/health"):
		return "/health"
	case strings.HasPrefix(path, "/metrics"):
		return "/metrics"
	default:
		return "other"
	}
}

// scoped applies mw only to paths under prefix.
func scoped(prefix string, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, prefix) {
				wrapped.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
