package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SOCKS5.ListenPort != 1080 {
		t.Errorf("expected default socks5 port 1080, got %d", cfg.SOCKS5.ListenPort)
	}
	if cfg.IPPool.Strategy != "performance" {
		t.Errorf("expected default strategy performance, got %q", cfg.IPPool.Strategy)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.SOCKS5.ListenPort = 1081
	cfg.IPPool.Strategy = "roundrobin"

	path := filepath.Join(t.TempDir(), "vulpini.toml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.SOCKS5.ListenPort != 1081 {
		t.Errorf("expected port 1081, got %d", loaded.SOCKS5.ListenPort)
	}
	if loaded.IPPool.Strategy != "roundrobin" {
		t.Errorf("expected strategy roundrobin, got %q", loaded.IPPool.Strategy)
	}
}

func TestValidate_NoWarningsOnDefault(t *testing.T) {
	if w := Default().Validate(); len(w) != 0 {
		t.Errorf("expected no warnings on default config, got %v", w)
	}
}

func TestValidate_PortConflict(t *testing.T) {
	cfg := Default()
	cfg.HTTPProxy.ListenAddress = cfg.SOCKS5.ListenAddress
	cfg.HTTPProxy.ListenPort = cfg.SOCKS5.ListenPort

	warnings := cfg.Validate()
	if !containsSubstr(warnings, "same address:port") {
		t.Errorf("expected port-conflict warning, got %v", warnings)
	}
}

func TestValidate_AuthWithoutCredentials(t *testing.T) {
	cfg := Default()
	cfg.SOCKS5.AuthEnabled = true

	warnings := cfg.Validate()
	if !containsSubstr(warnings, "auth is enabled but username/password not set") {
		t.Errorf("expected missing-credentials warning, got %v", warnings)
	}
}

func TestValidate_UnknownStrategy(t *testing.T) {
	cfg := Default()
	cfg.IPPool.Strategy = "quantum"

	warnings := cfg.Validate()
	if !containsSubstr(warnings, "Unknown IP rotation strategy") {
		t.Errorf("expected unknown-strategy warning, got %v", warnings)
	}
}

func TestValidate_OutOfRangeThresholds(t *testing.T) {
	cfg := Default()
	cfg.Routing.MinReliabilityThreshold = 1.5
	cfg.Anomaly.ErrorRateThreshold = -0.1
	cfg.Anomaly.SpikeThreshold = 0

	warnings := cfg.Validate()
	if !containsSubstr(warnings, "min_reliability_threshold") {
		t.Errorf("expected reliability warning, got %v", warnings)
	}
	if !containsSubstr(warnings, "error_rate_threshold") {
		t.Errorf("expected error rate warning, got %v", warnings)
	}
	if !containsSubstr(warnings, "spike_threshold must be > 0") {
		t.Errorf("expected spike threshold warning, got %v", warnings)
	}
}

func containsSubstr(list []string, substr string) bool {
	for _, s := range list {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
