package config

import (
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StaleWindow != 5*time.Minute {
		t.Fatalf("stale window default: %s", cfg.StaleWindow)
	}
	if cfg.MatchInitialRadiusM != 5000 || cfg.MatchMaxRadiusM != 20000 {
		t.Fatalf("radius defaults: %f %f", cfg.MatchInitialRadiusM, cfg.MatchMaxRadiusM)
	}
}

func TestLoadServerConfigOverridesAndValidation(t *testing.T) {
	t.Setenv("STALE_WINDOW", "90s")
	t.Setenv("SWEEP_INTERVAL", "5s")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StaleWindow != 90*time.Second || cfg.SweepInterval != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}

	t.Setenv("MATCH_MAX_RADIUS_M", "100")
	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("expected validation error for ceiling below initial radius")
	}
}
