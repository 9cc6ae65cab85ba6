package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/JosueRhea/sockudo/internal/types"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadConfigFileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"addr": ":7000",
		"adapter_driver": "nats",
		"apps": [{"id":"a1","key":"k1","secret":"s1","enabled":true}]
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("Addr = %q, want file value", cfg.Addr)
	}
	if cfg.AdapterDriver != types.AdapterNATS {
		t.Fatalf("AdapterDriver = %q", cfg.AdapterDriver)
	}
	if len(cfg.Apps) != 1 || cfg.Apps[0].Key != "k1" {
		t.Fatalf("Apps = %+v", cfg.Apps)
	}
	// Untouched keys keep their defaults.
	if cfg.MetricsAddr != ":9601" {
		t.Fatalf("MetricsAddr = %q", cfg.MetricsAddr)
	}

	// Environment beats the file.
	t.Setenv("SOCKUDO_ADDR", ":8000")
	cfg, err = LoadConfig(path, nil)
	if err != nil {
		t.Fatalf("LoadConfig with env: %v", err)
	}
	if cfg.Addr != ":8000" {
		t.Fatalf("Addr = %q, want env value", cfg.Addr)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad adapter", func(c *Config) { c.AdapterDriver = "carrier-pigeon" }},
		{"bad queue", func(c *Config) { c.QueueDriver = "smoke-signals" }},
		{"sql without dsn", func(c *Config) { c.AppStoreDriver = types.AppStoreSQL; c.SQLDSN = "" }},
		{"zero activity timeout", func(c *Config) { c.ActivityTimeoutS = 0 }},
		{"ssl without cert", func(c *Config) { c.SSLEnabled = true }},
		{"empty addr", func(c *Config) { c.Addr = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
