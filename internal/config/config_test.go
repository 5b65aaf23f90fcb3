package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server.ListenAddr != ":8402" {
		t.Fatalf("listen addr = %s", c.Server.ListenAddr)
	}
	if c.Server.RateLimit != 60 || c.RateWindow() != time.Minute {
		t.Fatalf("rate limit defaults = %d / %s", c.Server.RateLimit, c.RateWindow())
	}
	if len(c.Server.AllowedOrigins) != 0 {
		t.Fatalf("origins should default to none, got %v", c.Server.AllowedOrigins)
	}
	if c.ProposalTTL() != 72*time.Hour || c.GracePeriod() != 24*time.Hour {
		t.Fatalf("lifecycle defaults = %s / %s", c.ProposalTTL(), c.GracePeriod())
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `server:
  listen_addr: ":9000"
  allowed_origins:
    - https://dash.example.com
  rate_limit: 5
storage:
  dir: /var/lib/pao
lifecycle:
  grace_period_hours: 2
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server.ListenAddr != ":9000" || c.Server.RateLimit != 5 {
		t.Fatalf("server = %+v", c.Server)
	}
	if len(c.Server.AllowedOrigins) != 1 || c.Server.AllowedOrigins[0] != "https://dash.example.com" {
		t.Fatalf("origins = %v", c.Server.AllowedOrigins)
	}
	if c.GracePeriod() != 2*time.Hour {
		t.Fatalf("grace = %s", c.GracePeriod())
	}
	// Unset sections keep their defaults.
	if c.Lifecycle.ProposalTTLHours != 72 {
		t.Fatalf("proposal ttl = %d", c.Lifecycle.ProposalTTLHours)
	}
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  api_key: from-file\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PAO_API_KEY", "from-env")
	t.Setenv("PAO_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com ,")
	t.Setenv("PAO_DATABASE_URL", "postgres://pao:pw@localhost:5432/pao")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server.APIKey != "from-env" {
		t.Fatalf("api key = %s", c.Server.APIKey)
	}
	if len(c.Server.AllowedOrigins) != 2 || c.Server.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("origins = %v", c.Server.AllowedOrigins)
	}
	if c.Storage.DatabaseURL == "" {
		t.Fatalf("database url not applied")
	}
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  rate_limit: -1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("want error for negative rate limit")
	}
}
