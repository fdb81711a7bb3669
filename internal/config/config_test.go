package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected config file to be created")
	}
	if cfg.Call.FreshnessWindowMs != 10_000 {
		t.Fatalf("default freshness window = %d, want 10000", cfg.Call.FreshnessWindowMs)
	}

	// Second call loads the existing file.
	_, created, err = Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected existing config to be loaded, not recreated")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	partial := `{"call":{"freshness_window_ms":5000}}`
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Call.FreshnessWindowMs != 5000 {
		t.Fatalf("freshness window = %d, want 5000", cfg.Call.FreshnessWindowMs)
	}
	if cfg.P2P.MdnsTag != "careline-mdns" {
		t.Fatalf("mdns tag default missing: %q", cfg.P2P.MdnsTag)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = "" }},
		{"bad port", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"zero freshness", func(c *Config) { c.Call.FreshnessWindowMs = 0 }},
		{"bad stun scheme", func(c *Config) { c.Call.STUNServers = []string{"http://x"} }},
		{"negative debounce", func(c *Config) { c.Sync.RefreshDebounceMs = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
