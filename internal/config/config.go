// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers),
// a .env file in the working directory, and an optional YAML file named by
// CONFIG_FILE. Environment variables take precedence over the file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Every built-in provider is optional unless listed in PROVIDERS; a listed
// provider without credentials fails startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// GatewayConfig is the explicit configuration handed to the registry and
// the gateway at startup.
type GatewayConfig struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel is one of: debug, info, warn, error. Default: info.
	LogLevel string

	// Providers holds one descriptor per built-in provider with credentials
	// filled in from the environment.
	Providers []providers.Descriptor

	// CatalogFile is the optional YAML model catalog (MODEL_CATALOG).
	CatalogFile string

	Redis      RedisConfig
	Cache      CacheConfig
	Breaker    BreakerConfig
	Retry      RetryConfig
	Timeouts   TimeoutConfig
	RateLimit  RateLimitConfig
	Auth       AuthConfig
	RequestLog RequestLogConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// RedisConfig holds the connection URL shared by the cache and the limiter.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the backend:
	//   "redis"  shared across replicas (requires REDIS_URL).
	//   "memory" in-process, bounded by MaxEntries.
	//   "none"   disabled.
	// Default: "memory".
	Mode       string
	TTL        time.Duration
	MaxEntries int

	// Exclude lists models never cached: exact names, "prefix*" or
	// "re:<regexp>".
	Exclude []string
}

// BreakerConfig controls the per-provider circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed candidates that
	// opens the breaker. Default: 3.
	FailureThreshold int
	// Cooldown is how long an open breaker keeps the provider out of chains.
	// Default: 60s.
	Cooldown time.Duration
}

// RetryConfig bounds retries against one candidate.
type RetryConfig struct {
	// MaxAttempts counts the first try. Default: 3.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// TimeoutConfig holds the two timeout tiers.
type TimeoutConfig struct {
	// Attempt bounds one upstream call; for streams, the time to the first
	// event. Default: 30s.
	Attempt time.Duration
	// Request bounds a whole request, fallbacks and streams included.
	// Default: 120s.
	Request time.Duration
}

// RateLimitConfig controls the per-principal RPM limit.
type RateLimitConfig struct {
	// RPM is requests per minute per principal. 0 disables limiting.
	RPM int
}

// AuthConfig lists the bearer keys accepted by the gateway. Empty means
// the gateway is open.
type AuthConfig struct {
	APIKeys []string
}

// RequestLogConfig selects where request log records go.
type RequestLogConfig struct {
	// Sink is "slog" (default), "clickhouse" or "none".
	Sink          string
	ClickHouseDSN string
	// ClickHouseTable defaults to "request_logs".
	ClickHouseTable string
}

// Load reads configuration from the environment, .env and CONFIG_FILE.
func Load() (*GatewayConfig, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	setDefaults(v)
	return build(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 10_000)

	v.SetDefault("CB_FAILURE_THRESHOLD", 3)
	v.SetDefault("CB_COOLDOWN", "60s")

	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_BACKOFF", "250ms")
	v.SetDefault("RETRY_MAX_BACKOFF", "4s")

	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "120s")

	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("REQUEST_LOG_SINK", "slog")
	v.SetDefault("CLICKHOUSE_TABLE", "request_logs")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
}

func build(v *viper.Viper) (*GatewayConfig, error) {
	cfg := &GatewayConfig{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		CatalogFile: v.GetString("MODEL_CATALOG"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:       strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:        v.GetDuration("CACHE_TTL"),
			MaxEntries: v.GetInt("CACHE_MAX_ENTRIES"),
			Exclude:    listValue(v, "CACHE_EXCLUDE"),
		},

		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			Cooldown:         v.GetDuration("CB_COOLDOWN"),
		},

		Retry: RetryConfig{
			MaxAttempts: v.GetInt("MAX_ATTEMPTS"),
			BaseBackoff: v.GetDuration("RETRY_BASE_BACKOFF"),
			MaxBackoff:  v.GetDuration("RETRY_MAX_BACKOFF"),
		},

		Timeouts: TimeoutConfig{
			Attempt: v.GetDuration("PROVIDER_TIMEOUT"),
			Request: v.GetDuration("REQUEST_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{RPM: v.GetInt("RPM_LIMIT")},
		Auth:      AuthConfig{APIKeys: listValue(v, "GATEWAY_API_KEYS")},

		RequestLog: RequestLogConfig{
			Sink:            strings.ToLower(v.GetString("REQUEST_LOG_SINK")),
			ClickHouseDSN:   v.GetString("CLICKHOUSE_DSN"),
			ClickHouseTable: v.GetString("CLICKHOUSE_TABLE"),
		},

		CORSOrigins: listValue(v, "CORS_ORIGINS"),
	}

	descs, err := providerDescriptors(v)
	if err != nil {
		return nil, err
	}
	cfg.Providers = descs

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// providerDescriptors fills the built-in descriptors from the environment.
// PROVIDERS (comma separated) declares providers that must have credentials.
func providerDescriptors(v *viper.Viper) ([]providers.Descriptor, error) {
	declared := listValue(v, "PROVIDERS")
	for i := range declared {
		declared[i] = strings.ToLower(declared[i])
	}
	descs := registry.DefaultDescriptors()
	known := make([]string, 0, len(descs))

	for i := range descs {
		d := &descs[i]
		known = append(known, d.Name)
		prefix := strings.ToUpper(d.Name)

		d.Credential.Key = v.GetString(d.Credential.Ref)
		if u := v.GetString(prefix + "_BASE_URL"); u != "" {
			d.BaseURL = u
		}
		if slices.Contains(declared, d.Name) {
			d.Optional = false
		}

		switch d.Kind {
		case providers.KindAzure:
			if u := v.GetString("AZURE_OPENAI_ENDPOINT"); u != "" {
				d.BaseURL = u
			}
			if ver := v.GetString("AZURE_OPENAI_API_VERSION"); ver != "" {
				d.APIVersion = ver
			}
			deps, err := parseDeployments(v.GetString("AZURE_OPENAI_DEPLOYMENTS"))
			if err != nil {
				return nil, err
			}
			d.Deployments = deps
		case providers.KindBedrock:
			d.Credential.Secret = v.GetString("AWS_SECRET_ACCESS_KEY")
			d.Credential.Token = v.GetString("AWS_SESSION_TOKEN")
			if r := v.GetString("AWS_REGION"); r != "" {
				d.Region = r
			}
			if u := v.GetString("BEDROCK_ENDPOINT_URL"); u != "" {
				d.BaseURL = u
			}
		case providers.KindGemini:
			d.Project = v.GetString("VERTEX_PROJECT")
			d.Location = v.GetString("VERTEX_LOCATION")
		}
	}

	for _, name := range declared {
		if !slices.Contains(known, name) {
			return nil, fmt.Errorf("config: PROVIDERS names unknown provider %q (known: %s)", name, strings.Join(known, ", "))
		}
	}
	return descs, nil
}

// parseDeployments reads "gpt-4o=prod-gpt4o,gpt-35=legacy".
func parseDeployments(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		prefix, dep, ok := strings.Cut(pair, "=")
		if !ok || prefix == "" || dep == "" {
			return nil, fmt.Errorf("config: AZURE_OPENAI_DEPLOYMENTS entry %q must be prefix=deployment", pair)
		}
		out[strings.TrimSpace(prefix)] = strings.TrimSpace(dep)
	}
	return out, nil
}

// listValue accepts both YAML lists and comma-separated env strings.
func listValue(v *viper.Viper, key string) []string {
	var out []string
	for _, s := range v.GetStringSlice(key) {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *GatewayConfig) validate() error {
	if !c.AnyProviderConfigured() {
		return errors.New("config: no provider has credentials; set at least one of " + strings.Join(c.credentialRefs(), ", "))
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return errors.New("config: REDIS_URL is required when CACHE_MODE=redis; " +
			"set CACHE_MODE=memory to use the built-in in-process cache")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.RequestLog.Sink {
	case "slog", "none":
	case "clickhouse":
		if c.RequestLog.ClickHouseDSN == "" {
			return errors.New("config: CLICKHOUSE_DSN is required when REQUEST_LOG_SINK=clickhouse")
		}
	default:
		return fmt.Errorf("config: invalid REQUEST_LOG_SINK %q; must be one of: slog, clickhouse, none", c.RequestLog.Sink)
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.Cooldown <= 0 {
		return errors.New("config: CB_COOLDOWN must be a positive duration")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Timeouts.Attempt <= 0 || c.Timeouts.Request <= 0 {
		return errors.New("config: PROVIDER_TIMEOUT and REQUEST_TIMEOUT must be positive durations")
	}
	if c.RateLimit.RPM < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be >= 0, got %d", c.RateLimit.RPM)
	}
	return nil
}

// AnyProviderConfigured reports whether at least one provider has credentials.
func (c *GatewayConfig) AnyProviderConfigured() bool {
	return slices.ContainsFunc(c.Providers, providers.Descriptor.HasCredential)
}

func (c *GatewayConfig) credentialRefs() []string {
	refs := make([]string, 0, len(c.Providers)+1)
	for _, d := range c.Providers {
		refs = append(refs, d.Credential.Ref)
	}
	return append(refs, "VERTEX_PROJECT")
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
