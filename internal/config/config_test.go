package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("unexpected addr %s", cfg.Server.Addr)
	}
	if cfg.Server.BasePath != "/api" {
		t.Fatalf("unexpected base path %s", cfg.Server.BasePath)
	}
	if cfg.Rental.MinBattery != 20 {
		t.Fatalf("unexpected min battery %d", cfg.Rental.MinBattery)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestFromYAMLOverrides(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  addr: 0.0.0.0:9000
rental:
  min_battery: 30
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("unexpected addr %s", cfg.Server.Addr)
	}
	if cfg.Server.BasePath != "/api" {
		t.Fatalf("defaults must survive partial yaml, got %s", cfg.Server.BasePath)
	}
	if cfg.Rental.MinBattery != 30 {
		t.Fatalf("unexpected min battery %d", cfg.Rental.MinBattery)
	}
}

func TestValidateMinBattery(t *testing.T) {
	if _, err := FromYAML([]byte("rental:\n  min_battery: 130\n")); err == nil {
		t.Fatalf("expected error for min_battery out of range")
	}
}

func TestValidateWebhooks(t *testing.T) {
	if _, err := FromYAML([]byte(`
webhooks:
  - url: ""
`)); err == nil {
		t.Fatalf("expected error for missing webhook url")
	}
	if _, err := FromYAML([]byte(`
webhooks:
  - url: http://example.com/hook
    events: [bogus:event]
`)); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
	cfg, err := FromYAML([]byte(`
webhooks:
  - url: http://example.com/hook
    events: [trip:created, scooter:updated]
    secret: shh
`))
	if err != nil {
		t.Fatalf("valid webhook rejected: %v", err)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Secret != "shh" {
		t.Fatalf("unexpected webhooks %+v", cfg.Webhooks)
	}

	// disabled hooks are skipped by validation
	if _, err := FromYAML([]byte(`
webhooks:
  - url: ""
    enabled: false
`)); err != nil {
		t.Fatalf("disabled webhook must not be validated: %v", err)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("missing file must yield defaults: %v", err)
	}
	if cfg.Rental.MinBattery != 20 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	path := filepath.Join(dir, "scootfleet.yml")
	if err := os.WriteFile(path, []byte("rental:\n  min_battery: 25\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Rental.MinBattery != 25 {
		t.Fatalf("expected 25, got %d", cfg.Rental.MinBattery)
	}
}
