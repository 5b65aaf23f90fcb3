// Package config loads the daemon configuration from YAML with PAO_-prefixed
// environment overrides for secrets and deploy-time knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Identity  IdentityConfig  `yaml:"identity"`
	Storage   StorageConfig   `yaml:"storage"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	X402      X402Config      `yaml:"x402"`
}

// X402Config advertises which chains the node accepts arbitration payment
// proofs from. Proofs are format-checked only; this list is discovery
// metadata for counterparties.
type X402Config struct {
	Chains []string `yaml:"chains"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // e.g. :8402
	// APIKey guards write routes; empty disables API-key auth entirely so
	// only DID-signed requests pass. Usually set via PAO_API_KEY.
	APIKey string `yaml:"api_key"`
	// AllowedOrigins is the CORS allow-list. Empty means no CORS headers
	// are emitted at all.
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimit      int      `yaml:"rate_limit"`       // requests per window per client IP
	RateWindowSecs int      `yaml:"rate_window_secs"` // fixed window length
}

type IdentityConfig struct {
	Dir       string `yaml:"dir"`       // identity material root (DID doc, keys, peers)
	Namespace string `yaml:"namespace"` // did:pao:<namespace>:<name>
	Name      string `yaml:"name"`
}

type StorageConfig struct {
	Dir string `yaml:"dir"` // file store root; ignored when DatabaseURL is set
	// DatabaseURL switches persistence to Postgres (hosted mode). Usually
	// set via PAO_DATABASE_URL.
	DatabaseURL string `yaml:"database_url"`
}

type LifecycleConfig struct {
	ProposalTTLHours    int `yaml:"proposal_ttl_hours"`
	GracePeriodHours    int `yaml:"grace_period_hours"`
	EvidenceWindowHours int `yaml:"evidence_window_hours"`
}

// Load reads the YAML file at path and applies env overrides. A missing file
// is not an error: the daemon runs on defaults plus env alone.
func Load(path string) (*Config, error) {
	c := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("config unmarshal %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env + defaults
		default:
			return nil, fmt.Errorf("config load: %w", err)
		}
	}
	applyEnvOverrides(c)
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":8402",
			RateLimit:      60,
			RateWindowSecs: 60,
		},
		Identity: IdentityConfig{
			Dir:       "data/identity",
			Namespace: "agent",
		},
		Storage: StorageConfig{
			Dir: "data/entities",
		},
		Lifecycle: LifecycleConfig{
			ProposalTTLHours:    72,
			GracePeriodHours:    24,
			EvidenceWindowHours: 48,
		},
		X402: X402Config{
			Chains: []string{"base"},
		},
	}
}

// applyEnvOverrides lets PAO_-prefixed env vars win over the YAML file, which
// keeps the API key and database DSN out of checked-in configs.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("PAO_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("PAO_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("PAO_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("PAO_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.RateLimit = n
		}
	}
	if v := os.Getenv("PAO_IDENTITY_DIR"); v != "" {
		c.Identity.Dir = v
	}
	if v := os.Getenv("PAO_IDENTITY_NAMESPACE"); v != "" {
		c.Identity.Namespace = v
	}
	if v := os.Getenv("PAO_IDENTITY_NAME"); v != "" {
		c.Identity.Name = v
	}
	if v := os.Getenv("PAO_DATA_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("PAO_DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := os.Getenv("PAO_X402_CHAINS"); v != "" {
		c.X402.Chains = splitList(v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr is required")
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("config: server.rate_limit must be positive")
	}
	if c.Server.RateWindowSecs <= 0 {
		return fmt.Errorf("config: server.rate_window_secs must be positive")
	}
	if c.Storage.DatabaseURL == "" && c.Storage.Dir == "" {
		return fmt.Errorf("config: storage.dir or storage.database_url is required")
	}
	return nil
}

func (c *Config) ProposalTTL() time.Duration {
	return time.Duration(c.Lifecycle.ProposalTTLHours) * time.Hour
}

func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Lifecycle.GracePeriodHours) * time.Hour
}

func (c *Config) EvidenceWindow() time.Duration {
	return time.Duration(c.Lifecycle.EvidenceWindowHours) * time.Hour
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Server.RateWindowSecs) * time.Second
}
