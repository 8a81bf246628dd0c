package utils

import (
	"os"
	"testing"
)

func TestSafeEnv(t *testing.T) {
	const key = "_COHORTQ_TEST_SAFEENV"
	os.Unsetenv(key)
	if got := SafeEnv(key, "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	os.Setenv(key, "value")
	if got := SafeEnv(key, "fallback"); got != "value" {
		t.Fatalf("expected 'value', got %q", got)
	}
}

func TestSafeEnvInt(t *testing.T) {
	const key = "_COHORTQ_TEST_SAFEENVINT"
	os.Unsetenv(key)
	if got := SafeEnvInt(key, 7); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	os.Setenv(key, "42")
	if got := SafeEnvInt(key, 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	os.Setenv(key, "not-a-number")
	if got := SafeEnvInt(key, 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}
