package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: priceslash\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Streams.Detected != "glitches:detected" {
		t.Fatalf("unexpected detected stream default %q", cfg.Streams.Detected)
	}
	if cfg.Consumers.MaxRetries != 5 {
		t.Fatalf("unexpected max retries default %d", cfg.Consumers.MaxRetries)
	}
	if cfg.Notifications.DedupTTL != 24*time.Hour {
		t.Fatalf("unexpected dedup ttl default %s", cfg.Notifications.DedupTTL)
	}
	if cfg.Router.CircuitThreshold != 3 {
		t.Fatalf("unexpected circuit threshold default %d", cfg.Router.CircuitThreshold)
	}
	if cfg.Logging.Service != "priceslash" {
		t.Fatalf("unexpected service default %q", cfg.Logging.Service)
	}
}

func TestLoadFullFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
redis:
  addr: localhost:6379
consumers:
  batch_size: 10
  poll_interval: 500ms
  max_retries: 3
router:
  models:
    - id: small
      weight: 15
      tier: standard
    - id: big
      weight: 10
      tier: sota
subscribers:
  - id: sub1
    min_profit_margin: 50
    categories: [electronics]
    targets:
      telegram: "12345"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Consumers.PollInterval != 500*time.Millisecond {
		t.Fatalf("duration strings should decode, got %s", cfg.Consumers.PollInterval)
	}
	if len(cfg.Router.Models) != 2 || cfg.Router.Models[1].Tier != "sota" {
		t.Fatalf("model catalog should decode, got %+v", cfg.Router.Models)
	}

	sub := cfg.Subscribers[0].ToSubscriber()
	if sub.ID != "sub1" || sub.Targets["telegram"] != "12345" {
		t.Fatalf("subscriber conversion failed: %+v", sub)
	}
	if sub.Prefs.MinProfitMargin.String() != "50" {
		t.Fatalf("margin should decode to 50, got %s", sub.Prefs.MinProfitMargin)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero batch size", "consumers:\n  batch_size: 0\n"},
		{"negative poll interval", "consumers:\n  poll_interval: -1s\n"},
		{"same streams", "streams:\n  detected: x\n  confirmed: x\n"},
		{"weightless model", "router:\n  models:\n    - id: m\n      weight: 0\n      tier: standard\n"},
		{"telegram without token", "notifications:\n  telegram:\n    enabled: true\n"},
		{"email without credentials", "notifications:\n  email:\n    enabled: true\n"},
	}
	for _, tc := range cases {
		if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
			t.Errorf("%s: expected a validation error", tc.name)
		}
	}
}

func TestRequireRun(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: priceslash\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.RequireRun(); err == nil {
		t.Fatal("running without redis.addr must be refused")
	}

	cfg.Redis.Addr = "localhost:6379"
	if err := cfg.RequireRun(); err == nil {
		t.Fatal("running without a model catalog must be refused")
	}
}
