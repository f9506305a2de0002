// Package routing selects which upstream provider serves a request. The
// decision weighs the request's tool count against the local runtime's
// capabilities and the configured fallback, with model aliases resolved
// before dispatch. A caller may pin a provider via context, which bypasses
// the table entirely.
package routing

import (
	"context"
	"sync"

	"github.com/modelbridge/modelbridge/internal/providers"
)

// Config mirrors the provider-selection block of the gateway configuration.
type Config struct {
	// DefaultProvider is the statically configured target used whenever
	// PreferLocal is off.
	DefaultProvider string
	// LocalProvider names the local runtime consulted by the tool-count
	// rules.
	LocalProvider string
	PreferLocal   bool
	// Requests with fewer than LowThreshold tools stay local; requests with
	// fewer than HighThreshold may escalate to the first configured cloud
	// provider.
	LowThreshold  int
	HighThreshold int
	// Fallback receives tool-heavy requests the local runtime cannot serve.
	Fallback        string
	FallbackEnabled bool
}

// fallbackOrder is the escalation order for mid-weight tool requests: the
// first configured provider in this list wins.
var fallbackOrder = []string{"openrouter", "openai", "azure", "ollama", "lmstudio", "bedrock"}

// ModelCapability records what a model can do; routing consults tool support.
type ModelCapability struct {
	SupportsTools bool
}

// Router holds the selection policy plus the alias and capability tables.
type Router struct {
	cfg Config

	mu         sync.RWMutex
	aliases    map[string]string
	caps       map[string]ModelCapability
	configured map[string]bool
}

// New creates a Router. configured lists the provider names that have a
// registered adapter.
func New(cfg Config, configured []string) *Router {
	if cfg.LocalProvider == "" {
		cfg.LocalProvider = "ollama"
	}
	r := &Router{
		cfg:        cfg,
		aliases:    make(map[string]string),
		caps:       make(map[string]ModelCapability),
		configured: make(map[string]bool, len(configured)),
	}
	for _, name := range configured {
		r.configured[name] = true
	}
	return r
}

// SetAlias maps a short model name to its canonical name.
func (r *Router) SetAlias(short, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[short] = canonical
}

// SetCapability records a model's capability entry.
func (r *Router) SetCapability(model string, cap ModelCapability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[model] = cap
}

// Resolve maps a model name through the alias table; unknown names pass
// through unchanged.
func (r *Router) Resolve(model string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[model]; ok {
		return canonical
	}
	return model
}

// Select chooses the provider for a request with the given (already resolved)
// model and tool count. First match wins:
//
//  1. a provider pinned on the context
//  2. the static default when prefer-local is off
//  3. the fallback when tools are requested but the local model lacks them
//  4. the local provider for tool-light requests
//  5. the first configured escalation provider for mid-weight requests
//  6. the fallback, then the local provider
func (r *Router) Select(ctx context.Context, model string, toolCount int) string {
	if pinned := providers.ForcedProvider(ctx); pinned != "" {
		return pinned
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.cfg.PreferLocal {
		return r.cfg.DefaultProvider
	}

	localToolSupport := r.caps[model].SupportsTools
	if toolCount > 0 && !localToolSupport && r.cfg.FallbackEnabled {
		return r.cfg.Fallback
	}

	if toolCount == 0 || toolCount < r.cfg.LowThreshold {
		return r.cfg.LocalProvider
	}

	if toolCount < r.cfg.HighThreshold && r.cfg.FallbackEnabled {
		for _, name := range fallbackOrder {
			if r.configured[name] {
				return name
			}
		}
	}

	if r.cfg.FallbackEnabled {
		return r.cfg.Fallback
	}

	return r.cfg.LocalProvider
}
