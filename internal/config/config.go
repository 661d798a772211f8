// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Rate limiting of run submission and council sessions, per caller.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Database settings. An empty DatabaseURL selects the in-memory store.
	DatabaseURL string
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.

	// Generation settings.
	OllamaURL         string
	PrimaryModel      string
	FallbackModels    []string
	Temperature       float64
	GenerationTimeout time.Duration // Per candidate attempt.
	GenerationBudget  time.Duration // Whole generate call; zero is unbounded.
	GenerationBackoff time.Duration

	// Orchestration settings.
	GatedActions      []string // Nil keeps the built-in set.
	MaxConcurrentRuns int
	ExclusiveRuns     bool

	// Event settings.
	SubscriberBuffer    int
	OutboxBufferSize    int
	OutboxFlushInterval time.Duration
	EventRetention      int // In-memory store only.

	// JWT settings. An empty public key disables authentication.
	JWTPublicKeyPath  string
	JWTPrivateKeyPath string
	JWTExpiration     time.Duration

	// OTEL settings.
	OTELEndpoint    string
	OTELInsecure    bool
	OTELSampleRatio float64
	ServiceName     string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	p := &parser{}
	cfg := Config{
		Port:                p.int("KOBO_PORT", 8080),
		ReadTimeout:         p.duration("KOBO_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        p.duration("KOBO_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(p.int("KOBO_MAX_REQUEST_BODY_BYTES", 1<<20)),
		RateLimitEnabled:    p.bool("KOBO_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        p.float("KOBO_RATE_LIMIT_RPS", 0.5),
		RateLimitBurst:      p.int("KOBO_RATE_LIMIT_BURST", 10),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		NotifyURL:           envStr("NOTIFY_URL", ""),
		OllamaURL:           envStr("OLLAMA_URL", "http://localhost:11434"),
		PrimaryModel:        envStr("KOBO_MODEL", "openbmb/minicpm-o4.5:q4_K_M"),
		FallbackModels:      envList("KOBO_FALLBACK_MODELS", []string{"qwen3-vl:8b-instruct", "qwen3:1.7b-q4_K_M"}),
		Temperature:         p.float("KOBO_TEMPERATURE", 0.2),
		GenerationTimeout:   p.duration("KOBO_GENERATION_TIMEOUT", 120*time.Second),
		GenerationBudget:    p.duration("KOBO_GENERATION_BUDGET", 0),
		GenerationBackoff:   p.duration("KOBO_GENERATION_BACKOFF", 800*time.Millisecond),
		GatedActions:        envList("KOBO_GATED_ACTIONS", nil),
		MaxConcurrentRuns:   p.int("KOBO_MAX_CONCURRENT_RUNS", 16),
		ExclusiveRuns:       p.bool("KOBO_EXCLUSIVE_RUNS", true),
		SubscriberBuffer:    p.int("KOBO_SUBSCRIBER_BUFFER", 64),
		OutboxBufferSize:    p.int("KOBO_OUTBOX_BUFFER_SIZE", 500),
		OutboxFlushInterval: p.duration("KOBO_OUTBOX_FLUSH_INTERVAL", 250*time.Millisecond),
		EventRetention:      p.int("KOBO_EVENT_RETENTION", 10_000),
		JWTPublicKeyPath:    envStr("KOBO_JWT_PUBLIC_KEY", ""),
		JWTPrivateKeyPath:   envStr("KOBO_JWT_PRIVATE_KEY", ""),
		JWTExpiration:       p.duration("KOBO_JWT_EXPIRATION", 24*time.Hour),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        p.bool("KOBO_OTEL_INSECURE", false),
		OTELSampleRatio:     p.float("KOBO_OTEL_SAMPLE_RATIO", 1),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kobo"),
		LogLevel:            envStr("KOBO_LOG_LEVEL", "info"),
	}
	if err := errors.Join(p.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field rules.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("KOBO_PORT must be in 1..65535"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("KOBO_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, fmt.Errorf("KOBO_RATE_LIMIT_RPS and KOBO_RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	if strings.TrimSpace(c.PrimaryModel) == "" {
		errs = append(errs, fmt.Errorf("KOBO_MODEL is required"))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("KOBO_TEMPERATURE must be in [0,2]"))
	}
	if c.GenerationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("KOBO_GENERATION_TIMEOUT must be positive"))
	}
	if c.GenerationBudget < 0 || c.GenerationBackoff < 0 {
		errs = append(errs, fmt.Errorf("KOBO_GENERATION_BUDGET and KOBO_GENERATION_BACKOFF must not be negative"))
	}
	if c.MaxConcurrentRuns <= 0 {
		errs = append(errs, fmt.Errorf("KOBO_MAX_CONCURRENT_RUNS must be positive"))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("KOBO_SUBSCRIBER_BUFFER must be positive"))
	}
	if c.OutboxBufferSize <= 0 || c.OutboxFlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("KOBO_OUTBOX_BUFFER_SIZE and KOBO_OUTBOX_FLUSH_INTERVAL must be positive"))
	}
	if c.NotifyURL != "" && c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("NOTIFY_URL requires DATABASE_URL"))
	}
	if c.JWTPrivateKeyPath != "" && c.JWTPublicKeyPath == "" {
		errs = append(errs, fmt.Errorf("KOBO_JWT_PRIVATE_KEY requires KOBO_JWT_PUBLIC_KEY"))
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("KOBO_OTEL_SAMPLE_RATIO must be in [0,1]"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// AuthEnabled reports whether bearer tokens are verified.
func (c Config) AuthEnabled() bool { return c.JWTPublicKeyPath != "" }

// parser collects parse failures so Load can report them together.
type parser struct{ errs []error }

func (p *parser) int(key string, defaultVal int) int {
	v, err := envInt(key, defaultVal)
	if err != nil {
		p.errs = append(p.errs, err)
	}
	return v
}

func (p *parser) float(key string, defaultVal float64) float64 {
	v, err := envFloat(key, defaultVal)
	if err != nil {
		p.errs = append(p.errs, err)
	}
	return v
}

func (p *parser) bool(key string, defaultVal bool) bool {
	v, err := envBool(key, defaultVal)
	if err != nil {
		p.errs = append(p.errs, err)
	}
	return v
}

func (p *parser) duration(key string, defaultVal time.Duration) time.Duration {
	v, err := envDuration(key, defaultVal)
	if err != nil {
		p.errs = append(p.errs, err)
	}
	return v
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
