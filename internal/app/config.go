package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig is one upstream's endpoint and credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Config is the full gateway configuration. Values load in three layers:
// built-in defaults, then the YAML file named by MODELBRIDGE_CONFIG, then
// environment variables. Environment wins.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	BodyLimitBytes int64 `yaml:"body_limit_bytes"`

	// Provider selection.
	DefaultProvider string `yaml:"default_provider"`
	LocalProvider   string `yaml:"local_provider"`
	PreferLocal     bool   `yaml:"prefer_local"`
	LowThreshold    int    `yaml:"low_threshold"`
	HighThreshold   int    `yaml:"high_threshold"`
	Fallback        string `yaml:"fallback"`
	FallbackEnabled bool   `yaml:"fallback_enabled"`

	Providers map[string]ProviderConfig `yaml:"providers"`

	// Model aliases (short name -> canonical) and the local models known to
	// support tool calls.
	ModelAliases    map[string]string `yaml:"model_aliases"`
	LocalToolModels []string          `yaml:"local_tool_models"`

	// Retry engine.
	MaxRetries     int     `yaml:"max_retries"`
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	JitterFactor   float64 `yaml:"jitter_factor"`

	// Circuit breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs"`

	// Prompt cache.
	CacheEnabled    bool   `yaml:"cache_enabled"`
	CachePath       string `yaml:"cache_path"`
	CacheMaxEntries int    `yaml:"cache_max_entries"`
	CacheTTLMs      int64  `yaml:"cache_ttl_ms"`
	CachePruneMs    int64  `yaml:"cache_prune_ms"`

	// Load shedder.
	ShedMaxInFlight  int   `yaml:"shed_max_in_flight"`
	ShedMaxLatencyMs int64 `yaml:"shed_max_latency_ms"`

	// Session and budget.
	SessionTTLSecs   int   `yaml:"session_ttl_secs"`
	BudgetEnabled    bool  `yaml:"budget_enabled"`
	BudgetTokens     int64 `yaml:"budget_tokens"`
	BudgetWindowSecs int   `yaml:"budget_window_secs"`

	// Compression sidecar; empty disables it.
	SidecarURL string `yaml:"sidecar_url"`

	VaultEnabled bool `yaml:"vault_enabled"`

	// Tracing.
	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`

	ProviderTimeoutSecs int `yaml:"provider_timeout_secs"`
	ShutdownTimeoutSecs int `yaml:"shutdown_timeout_secs"`

	// ConfigFile is the YAML overlay path; set from MODELBRIDGE_CONFIG.
	ConfigFile string `yaml:"-"`
}

func defaults() Config {
	return Config{
		ListenAddr:     ":8080",
		LogLevel:       "info",
		BodyLimitBytes: 10 << 20,

		DefaultProvider: "anthropic",
		LocalProvider:   "ollama",
		LowThreshold:    1,
		HighThreshold:   8,
		Fallback:        "anthropic",
		FallbackEnabled: true,

		MaxRetries:     3,
		InitialDelayMs: 500,
		Multiplier:     2.0,
		MaxDelayMs:     10000,
		JitterFactor:   0.2,

		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeoutSecs: 30,

		CacheEnabled:    true,
		CachePath:       filepath.Join("data", "prompt-cache.db"),
		CacheMaxEntries: 10000,
		CacheTTLMs:      24 * 60 * 60 * 1000,
		CachePruneMs:    5 * 60 * 1000,

		ShedMaxInFlight:  256,
		ShedMaxLatencyMs: 20000,

		SessionTTLSecs:   1800,
		BudgetTokens:     1_000_000,
		BudgetWindowSecs: 3600,

		ProviderTimeoutSecs: 120,
		ShutdownTimeoutSecs: 30,
	}
}

// LoadConfig builds the configuration: defaults, optional YAML overlay,
// then environment overrides.
func LoadConfig() (Config, error) {
	cfg := defaults()

	cfg.ConfigFile = os.Getenv("MODELBRIDGE_CONFIG")
	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("MODELBRIDGE_LISTEN_ADDR", c.ListenAddr)
	c.LogLevel = getEnv("MODELBRIDGE_LOG_LEVEL", c.LogLevel)
	c.BodyLimitBytes = getEnvInt64("MODELBRIDGE_BODY_LIMIT_BYTES", c.BodyLimitBytes)

	c.DefaultProvider = getEnv("MODELBRIDGE_DEFAULT_PROVIDER", c.DefaultProvider)
	c.LocalProvider = getEnv("MODELBRIDGE_LOCAL_PROVIDER", c.LocalProvider)
	c.PreferLocal = getEnvBool("MODELBRIDGE_PREFER_LOCAL", c.PreferLocal)
	c.LowThreshold = getEnvInt("MODELBRIDGE_LOW_THRESHOLD", c.LowThreshold)
	c.HighThreshold = getEnvInt("MODELBRIDGE_HIGH_THRESHOLD", c.HighThreshold)
	c.Fallback = getEnv("MODELBRIDGE_FALLBACK", c.Fallback)
	c.FallbackEnabled = getEnvBool("MODELBRIDGE_FALLBACK_ENABLED", c.FallbackEnabled)

	c.MaxRetries = getEnvInt("MODELBRIDGE_MAX_RETRIES", c.MaxRetries)
	c.InitialDelayMs = getEnvInt("MODELBRIDGE_INITIAL_DELAY_MS", c.InitialDelayMs)
	c.Multiplier = getEnvFloat("MODELBRIDGE_MULTIPLIER", c.Multiplier)
	c.MaxDelayMs = getEnvInt("MODELBRIDGE_MAX_DELAY_MS", c.MaxDelayMs)
	c.JitterFactor = getEnvFloat("MODELBRIDGE_JITTER_FACTOR", c.JitterFactor)

	c.FailureThreshold = getEnvInt("MODELBRIDGE_FAILURE_THRESHOLD", c.FailureThreshold)
	c.SuccessThreshold = getEnvInt("MODELBRIDGE_SUCCESS_THRESHOLD", c.SuccessThreshold)
	c.ResetTimeoutSecs = getEnvInt("MODELBRIDGE_RESET_TIMEOUT_SECS", c.ResetTimeoutSecs)

	c.CacheEnabled = getEnvBool("MODELBRIDGE_CACHE_ENABLED", c.CacheEnabled)
	c.CachePath = getEnv("MODELBRIDGE_CACHE_PATH", c.CachePath)
	c.CacheMaxEntries = getEnvInt("MODELBRIDGE_CACHE_MAX_ENTRIES", c.CacheMaxEntries)
	c.CacheTTLMs = getEnvInt64("MODELBRIDGE_CACHE_TTL_MS", c.CacheTTLMs)
	c.CachePruneMs = getEnvInt64("MODELBRIDGE_CACHE_PRUNE_MS", c.CachePruneMs)

	c.ShedMaxInFlight = getEnvInt("MODELBRIDGE_SHED_MAX_IN_FLIGHT", c.ShedMaxInFlight)
	c.ShedMaxLatencyMs = getEnvInt64("MODELBRIDGE_SHED_MAX_LATENCY_MS", c.ShedMaxLatencyMs)

	c.SessionTTLSecs = getEnvInt("MODELBRIDGE_SESSION_TTL_SECS", c.SessionTTLSecs)
	c.BudgetEnabled = getEnvBool("MODELBRIDGE_BUDGET_ENABLED", c.BudgetEnabled)
	c.BudgetTokens = getEnvInt64("MODELBRIDGE_BUDGET_TOKENS", c.BudgetTokens)
	c.BudgetWindowSecs = getEnvInt("MODELBRIDGE_BUDGET_WINDOW_SECS", c.BudgetWindowSecs)

	c.SidecarURL = getEnv("MODELBRIDGE_SIDECAR_URL", c.SidecarURL)
	c.VaultEnabled = getEnvBool("MODELBRIDGE_VAULT_ENABLED", c.VaultEnabled)

	c.OTelEnabled = getEnvBool("MODELBRIDGE_OTEL_ENABLED", c.OTelEnabled)
	c.OTelEndpoint = getEnv("MODELBRIDGE_OTEL_ENDPOINT", c.OTelEndpoint)

	c.ProviderTimeoutSecs = getEnvInt("MODELBRIDGE_PROVIDER_TIMEOUT_SECS", c.ProviderTimeoutSecs)
	c.ShutdownTimeoutSecs = getEnvInt("MODELBRIDGE_SHUTDOWN_TIMEOUT_SECS", c.ShutdownTimeoutSecs)

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, envKey := range map[string]string{
		"anthropic":  "MODELBRIDGE_ANTHROPIC_API_KEY",
		"openai":     "MODELBRIDGE_OPENAI_API_KEY",
		"openrouter": "MODELBRIDGE_OPENROUTER_API_KEY",
		"azure":      "MODELBRIDGE_AZURE_API_KEY",
		"bedrock":    "MODELBRIDGE_BEDROCK_API_KEY",
	} {
		if key := os.Getenv(envKey); key != "" {
			p := c.Providers[name]
			p.APIKey = key
			c.Providers[name] = p
		}
	}
	for name, envKey := range map[string]string{
		"anthropic":  "MODELBRIDGE_ANTHROPIC_URL",
		"openai":     "MODELBRIDGE_OPENAI_URL",
		"openrouter": "MODELBRIDGE_OPENROUTER_URL",
		"azure":      "MODELBRIDGE_AZURE_URL",
		"bedrock":    "MODELBRIDGE_BEDROCK_URL",
		"ollama":     "MODELBRIDGE_OLLAMA_URL",
		"lmstudio":   "MODELBRIDGE_LMSTUDIO_URL",
	} {
		if url := os.Getenv(envKey); url != "" {
			p := c.Providers[name]
			p.BaseURL = url
			c.Providers[name] = p
		}
	}
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("MODELBRIDGE_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("MODELBRIDGE_MULTIPLIER must be >= 1, got %f", c.Multiplier)
	}
	if c.JitterFactor < 0 || c.JitterFactor >= 1 {
		return fmt.Errorf("MODELBRIDGE_JITTER_FACTOR must be in [0,1), got %f", c.JitterFactor)
	}
	if c.LowThreshold < 0 || c.HighThreshold < c.LowThreshold {
		return fmt.Errorf("tool thresholds must satisfy 0 <= low <= high, got low=%d high=%d", c.LowThreshold, c.HighThreshold)
	}
	if c.FailureThreshold <= 0 || c.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be > 0, got failure=%d success=%d", c.FailureThreshold, c.SuccessThreshold)
	}
	if c.BodyLimitBytes <= 0 {
		return fmt.Errorf("MODELBRIDGE_BODY_LIMIT_BYTES must be > 0, got %d", c.BodyLimitBytes)
	}
	if c.ShutdownTimeoutSecs <= 0 {
		return fmt.Errorf("MODELBRIDGE_SHUTDOWN_TIMEOUT_SECS must be > 0, got %d", c.ShutdownTimeoutSecs)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("MODELBRIDGE_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}
