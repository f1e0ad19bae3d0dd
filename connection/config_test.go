package connection

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"VCS_DECISION_DEBOUNCE", "VCS_MAX_CONNECTION_RETRIES", "VCS_CONNECT_TIMEOUT", "VCS_PROBE_COMMAND"} {
		t.Setenv(k, "")
	}
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() failed: %v", err)
	}
	if cfg.DecisionDebounce != 2*time.Second {
		t.Fatalf("unexpected debounce %v", cfg.DecisionDebounce)
	}
	if cfg.MaxConnectionRetries != 3 {
		t.Fatalf("unexpected max retries %d", cfg.MaxConnectionRetries)
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Fatalf("unexpected connect timeout %v", cfg.ConnectTimeout)
	}
	if cfg.ProbeCommand != "clients" {
		t.Fatalf("unexpected probe command %q", cfg.ProbeCommand)
	}
	if cfg.Logger == nil {
		t.Fatalf("expected a default logger")
	}
}

func TestConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("VCS_DECISION_DEBOUNCE", "500ms")
	t.Setenv("VCS_MAX_CONNECTION_RETRIES", "7")
	t.Setenv("VCS_CONNECT_TIMEOUT", "5s")
	t.Setenv("VCS_PROBE_COMMAND", "login")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() failed: %v", err)
	}
	if cfg.DecisionDebounce != 500*time.Millisecond || cfg.MaxConnectionRetries != 7 ||
		cfg.ConnectTimeout != 5*time.Second || cfg.ProbeCommand != "login" {
		t.Fatalf("environment not applied: %+v", cfg)
	}
}

func TestConfigFromEnv_RejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"VCS_MAX_CONNECTION_RETRIES": "abc",
		"VCS_DECISION_DEBOUNCE":      "soon",
		"VCS_CONNECT_TIMEOUT":        "30",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := ConfigFromEnv(); err == nil {
				t.Fatalf("expected %s=%q to be rejected", key, value)
			}
		})
	}
}

func TestConfig_ApplyDefaultsKeepsNegativeDurations(t *testing.T) {
	cfg := Config{DecisionDebounce: -1, ConnectTimeout: -1}
	cfg.applyDefaults()
	if cfg.DecisionDebounce != -1 || cfg.ConnectTimeout != -1 {
		t.Fatalf("negative durations disable features and must be kept: %+v", cfg)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("boom")
	if got := wrap(ErrTerminal, nil); got != ErrTerminal {
		t.Fatalf("nil cause must return the sentinel, got %v", got)
	}
	already := fmt.Errorf("%w: %w", ErrTerminal, cause)
	if got := wrap(ErrTerminal, already); got != already {
		t.Fatalf("an error already carrying the sentinel must be returned as is")
	}
	got := wrap(ErrCancelled, cause)
	if !errors.Is(got, ErrCancelled) || !errors.Is(got, cause) {
		t.Fatalf("expected both sentinel and cause, got %v", got)
	}
}

func TestOwnerToken(t *testing.T) {
	a, b := NewOwner("a"), NewOwner("b")
	if a.OwnerID() == b.OwnerID() {
		t.Fatalf("owner ids must be unique")
	}
	if a.Name() != "a" || a.Disposed() {
		t.Fatalf("unexpected fresh owner state")
	}
	a.Dispose()
	a.Dispose()
	if !a.Disposed() {
		t.Fatalf("expected disposed")
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("done channel must be closed")
	}
}
