package config

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jshorwitz/ai-adwords/internal/ctxutil"
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
	// TEST_INT_MISSING is not set.
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

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
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

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
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

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "lots")
	_, err := envFloat("TEST_FLOAT_BAD", 1)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="lots" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationList(t *testing.T) {
	t.Setenv("TEST_BACKOFF", "30s, 2m,5m")
	v, err := envDurationList("TEST_BACKOFF", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute}
	if len(v) != len(want) {
		t.Fatalf("expected %v, got %v", want, v)
	}
	for i := range want {
		if v[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, v)
		}
	}

	t.Setenv("TEST_BACKOFF", "1m,soon")
	if _, err := envDurationList("TEST_BACKOFF", nil); err == nil {
		t.Fatal("expected error for malformed list")
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " ad automation, ,ppc agency ")
	got := envList("TEST_LIST")
	if len(got) != 2 || got[0] != "ad automation" || got[1] != "ppc agency" {
		t.Fatalf("unexpected list: %q", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("ADAGENT_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid ADAGENT_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "ADAGENT_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention ADAGENT_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("ADAGENT_PORT", "abc")
	t.Setenv("ADAGENT_REAL_MUTATIONS", "sometimes")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "ADAGENT_PORT") {
		t.Fatalf("error should mention ADAGENT_PORT, got: %s", got)
	}
	if !strings.Contains(got, "ADAGENT_REAL_MUTATIONS") {
		t.Fatalf("error should mention ADAGENT_REAL_MUTATIONS, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.RealMutations {
		t.Fatal("real mutations must default to off")
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.MaxAttempts)
	}
	want := []time.Duration{time.Minute, 4 * time.Minute, 10 * time.Minute}
	if len(cfg.RetryBackoff) != 3 || cfg.RetryBackoff[0] != want[0] || cfg.RetryBackoff[2] != want[2] {
		t.Fatalf("unexpected backoff %v", cfg.RetryBackoff)
	}
	if cfg.PlatformMode != "simulated" {
		t.Fatalf("expected simulated platform mode, got %q", cfg.PlatformMode)
	}
}

func TestLoadPlatformTokens(t *testing.T) {
	t.Setenv("ADAGENT_REDDIT_TOKEN", "secret")
	t.Setenv("ADAGENT_GOOGLE_ACCOUNTS", "111, 222,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PlatformTokens["reddit"] != "secret" {
		t.Fatalf("expected reddit token, got %v", cfg.PlatformTokens)
	}
	if got := cfg.Accounts["google"]; len(got) != 2 || got[0] != "111" || got[1] != "222" {
		t.Fatalf("expected two google accounts, got %v", got)
	}
	if _, ok := cfg.Accounts["reddit"]; ok {
		t.Fatalf("expected no reddit accounts, got %v", cfg.Accounts["reddit"])
	}
}

func TestValidate(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"rest without base url", func(c *Config) { c.PlatformMode = "rest" }, "ADAGENT_PLATFORM_BASE_URL"},
		{"unknown mode", func(c *Config) { c.PlatformMode = "mock" }, "ADAGENT_PLATFORM_MODE"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "ADAGENT_MAX_ATTEMPTS"},
		{"decrease fraction", func(c *Config) { c.DecreaseFraction = 1 }, "ADAGENT_DECREASE_FRACTION"},
		{"no backoff", func(c *Config) { c.RetryBackoff = nil }, "ADAGENT_RETRY_BACKOFF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warn": slog.LevelWarn,
		"error": slog.LevelError, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLoggerWithWritersFansOut(t *testing.T) {
	var a, b bytes.Buffer
	logger := SetupLoggerWithWriters(&a, &b, slog.LevelInfo)
	logger.Info("hello", "k", "v")
	logger.Debug("hidden")

	for _, buf := range []*bytes.Buffer{&a, &b} {
		out := buf.String()
		if !strings.Contains(out, `"msg":"hello"`) || strings.Contains(out, "hidden") {
			t.Fatalf("unexpected log output: %s", out)
		}
	}
}

func TestTraceHandlerAddsRunFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))
	ctx := ctxutil.WithRunFields(context.Background(), ctxutil.RunFields{
		RunID: "r-1", JobID: "budget-optimizer-20250101T000000-deadbeef", Agent: "budget-optimizer", Attempt: 3,
	})
	logger.InfoContext(ctx, "attempt finished")

	out := buf.String()
	for _, want := range []string{`"run_id":"r-1"`, `"agent":"budget-optimizer"`, `"attempt":3`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}
