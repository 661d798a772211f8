package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "warm")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil || err.Error() != `TEST_FLOAT_BAD="warm" is not a valid number` {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " a, ,b ,c")
	got := envList("TEST_LIST", nil)
	if strings.Join(got, "|") != "a|b|c" {
		t.Fatalf("expected [a b c], got %v", got)
	}
	if def := envList("TEST_LIST_MISSING", []string{"x"}); len(def) != 1 || def[0] != "x" {
		t.Fatalf("expected default, got %v", def)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.PrimaryModel != "openbmb/minicpm-o4.5:q4_K_M" || len(cfg.FallbackModels) != 2 {
		t.Fatalf("unexpected model defaults: %q %v", cfg.PrimaryModel, cfg.FallbackModels)
	}
	if cfg.GenerationBackoff != 800*time.Millisecond {
		t.Fatalf("expected 800ms backoff, got %s", cfg.GenerationBackoff)
	}
	if !cfg.ExclusiveRuns {
		t.Fatal("expected exclusive runs by default")
	}
	if cfg.DatabaseURL != "" || cfg.AuthEnabled() {
		t.Fatal("expected in-memory store and auth disabled by default")
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("KOBO_MODEL", "llama3:8b")
	t.Setenv("KOBO_FALLBACK_MODELS", "")
	t.Setenv("KOBO_GATED_ACTIONS", "github.create_pr,jira.transition")
	t.Setenv("KOBO_EXCLUSIVE_RUNS", "false")
	t.Setenv("KOBO_MAX_CONCURRENT_RUNS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PrimaryModel != "llama3:8b" {
		t.Fatalf("expected override model, got %q", cfg.PrimaryModel)
	}
	if len(cfg.GatedActions) != 2 || cfg.GatedActions[1] != "jira.transition" {
		t.Fatalf("unexpected gated actions: %v", cfg.GatedActions)
	}
	if cfg.ExclusiveRuns || cfg.MaxConcurrentRuns != 3 {
		t.Fatalf("unexpected dispatcher settings: exclusive=%v max=%d", cfg.ExclusiveRuns, cfg.MaxConcurrentRuns)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("KOBO_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid KOBO_PORT")
	}
	if got := err.Error(); !strings.Contains(got, "KOBO_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention KOBO_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KOBO_PORT", "abc")
	t.Setenv("KOBO_TEMPERATURE", "hot")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "KOBO_PORT") || !strings.Contains(got, "KOBO_TEMPERATURE") {
		t.Fatalf("error should mention both variables, got: %s", got)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"temperature out of range", func(c *Config) { c.Temperature = 3 }, "KOBO_TEMPERATURE"},
		{"no concurrency", func(c *Config) { c.MaxConcurrentRuns = 0 }, "KOBO_MAX_CONCURRENT_RUNS"},
		{"notify without database", func(c *Config) { c.NotifyURL = "postgres://x" }, "NOTIFY_URL requires DATABASE_URL"},
		{"private key alone", func(c *Config) { c.JWTPrivateKeyPath = "/k.pem" }, "KOBO_JWT_PRIVATE_KEY"},
		{"empty model", func(c *Config) { c.PrimaryModel = " " }, "KOBO_MODEL"},
		{"rate limit burst", func(c *Config) { c.RateLimitBurst = 0 }, "KOBO_RATE_LIMIT_BURST"},
		{"sample ratio", func(c *Config) { c.OTELSampleRatio = 2 }, "KOBO_OTEL_SAMPLE_RATIO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
