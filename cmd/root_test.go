package cmd

import (
	"testing"
)

// resetLogLevelFlag returns the flag to its unset state so env fallback
// applies again after a test that set it.
func resetLogLevelFlag(t *testing.T) {
	t.Helper()
	f := rootCmd.PersistentFlags().Lookup("log-level")
	if f == nil {
		t.Fatal("log-level flag not registered")
	}
	if err := f.Value.Set(""); err != nil {
		t.Fatalf("Failed to reset flag: %v", err)
	}
	f.Changed = false
}

func TestResolveLogLevel_DefaultsToInfo(t *testing.T) {
	t.Setenv("CHANRELAY_LOG_LEVEL", "")
	resetLogLevelFlag(t)

	if got := resolveLogLevel(); got != "info" {
		t.Errorf("Expected default level info, got %q", got)
	}
}

func TestResolveLogLevel_EnvFlowsThroughBinding(t *testing.T) {
	t.Setenv("CHANRELAY_LOG_LEVEL", "warn")
	resetLogLevelFlag(t)

	if got := resolveLogLevel(); got != "warn" {
		t.Errorf("Expected env level warn, got %q", got)
	}
}

func TestResolveLogLevel_FlagWinsOverEnv(t *testing.T) {
	t.Setenv("CHANRELAY_LOG_LEVEL", "warn")
	if err := rootCmd.PersistentFlags().Set("log-level", "debug"); err != nil {
		t.Fatalf("Failed to set flag: %v", err)
	}
	defer resetLogLevelFlag(t)

	if got := resolveLogLevel(); got != "debug" {
		t.Errorf("Expected flag level debug, got %q", got)
	}
}
