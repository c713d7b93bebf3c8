// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"go.uber.org/zap"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if logger.Core().Enabled(zap.DebugLevel) {
		t.Fatal("expected production logger to skip debug")
	}
}

func TestNewWithLevelOverride(t *testing.T) {
	t.Parallel()

	logger, err := NewWithLevel(false, "debug")
	if err != nil {
		t.Fatalf("NewWithLevel error = %v", err)
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Fatal("expected debug to be enabled by override")
	}

	if _, err := NewWithLevel(true, "chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
