// Package config holds gateway configuration: the base state directory plus
// per-concern tunables with built-in defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config aggregates all gateway configuration.
type Config struct {
	// BaseDir is the per-user state directory (database, token, TLS
	// material, logs). The only required configuration option.
	BaseDir string

	Gateway   *GatewayConfig
	Approval  *ApprovalConfig
	Retention *RetentionConfig
	Producer  *ProducerConfig
}

// Default returns a Config with built-in defaults and an empty BaseDir.
// Callers that need disk state must set BaseDir (or use Load).
func Default() *Config {
	return &Config{
		Gateway:   DefaultGatewayConfig(),
		Approval:  DefaultApprovalConfig(),
		Retention: DefaultRetentionConfig(),
		Producer:  DefaultProducerConfig(),
	}
}

// Load resolves the base directory (DORABOT_DIR, falling back to
// ~/.dorabot), applies environment overrides, and creates the state
// directory layout.
func Load() (*Config, error) {
	cfg := Default()

	baseDir := os.Getenv("DORABOT_DIR")
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".dorabot")
	}
	cfg.BaseDir = baseDir

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.BaseDir, cfg.TLSDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating state directory %s: %w", dir, err)
		}
	}

	return cfg, nil
}

// applyEnv overrides individual settings from the environment.
func (c *Config) applyEnv() error {
	if v := os.Getenv("DORABOT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DORABOT_PORT: %w", err)
		}
		c.Gateway.Port = port
	}
	if v := os.Getenv("DORABOT_PRODUCER_CMD"); v != "" {
		c.Producer.Command = v
	}
	if v := os.Getenv("DORABOT_PRODUCER_ARGS"); v != "" {
		c.Producer.Args = strings.Fields(v)
	}
	if v := os.Getenv("DORABOT_PRODUCER_SYSTEM_PROMPT"); v != "" {
		c.Producer.SystemPrompt = v
	}

	durations := []struct {
		env    string
		target *time.Duration
	}{
		{"DORABOT_APPROVAL_EXPIRY", &c.Approval.RequireApprovalExpiry},
		{"DORABOT_EVENT_TTL", &c.Retention.EventTTL},
		{"DORABOT_SWEEP_INTERVAL", &c.Retention.SweepInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.target = parsed
	}

	return nil
}

// DatabasePath is the embedded SQL store file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.BaseDir, "dorabot.db")
}

// TokenPath is the gateway auth token file.
func (c *Config) TokenPath() string {
	return filepath.Join(c.BaseDir, "gateway-token")
}

// TLSDir holds the self-signed certificate and key.
func (c *Config) TLSDir() string {
	return filepath.Join(c.BaseDir, "tls")
}

// TLSCertPath is the PEM-encoded certificate file.
func (c *Config) TLSCertPath() string {
	return filepath.Join(c.TLSDir(), "cert.pem")
}

// TLSKeyPath is the PEM-encoded private key file.
func (c *Config) TLSKeyPath() string {
	return filepath.Join(c.TLSDir(), "key.pem")
}

// LogsDir holds rotated gateway log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.BaseDir, "logs")
}
