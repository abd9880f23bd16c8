// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a token-signing secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Liveness  LivenessConfig  `json:"liveness,omitempty"`
	Session   SessionConfig   `json:"session,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket/CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines token validation at the connection boundary. When
// Provider is empty the hub trusts the client-supplied userId, which matches
// the reference behavior; "builtin" validates HMAC JWTs, "jwks" validates
// externally issued tokens against the issuer's JWKS.
type AuthConfig struct {
	Provider    string   `json:"provider,omitempty"` // "", "builtin" or "jwks"
	TokenSecret string   `json:"token_secret,omitempty"`
	TokenExpiry Duration `json:"token_expiry,omitempty"`
	JWKSIssuer  string   `json:"jwks_issuer,omitempty"` // e.g. "https://auth.example.com"
}

// StorageConfig defines analytics database settings.
type StorageConfig struct {
	Driver    string   `json:"driver"`              // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn"`                 // e.g. "domlens.db" or ":memory:"
	Retention Duration `json:"retention,omitempty"` // selection/connection event retention
}

// LivenessConfig defines the heartbeat schedule the hub runs and advertises.
type LivenessConfig struct {
	PingInterval      Duration `json:"ping_interval,omitempty"`      // hub probe cadence; default 30s
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"` // advertised client heartbeat cadence; default 25s
	MaxMessageBytes   int64    `json:"max_message_bytes,omitempty"`  // WebSocket read limit; default 64KB
}

// SessionConfig defines per-user connection behavior.
type SessionConfig struct {
	MaxConnsPerUser int `json:"max_conns_per_user,omitempty"` // default 10
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines REST rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.Provider == "builtin" && c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required for the builtin provider")
	}
	if c.Auth.TokenSecret != "" && len(c.Auth.TokenSecret) < 32 {
		return fmt.Errorf("auth.token_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.TokenSecret] {
		return fmt.Errorf("auth.token_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.TokenExpiry.Duration == 0 {
		c.Auth.TokenExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "domlens.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Liveness.PingInterval.Duration == 0 {
		c.Liveness.PingInterval.Duration = 30 * time.Second
	}
	if c.Liveness.HeartbeatInterval.Duration == 0 {
		c.Liveness.HeartbeatInterval.Duration = 25 * time.Second
	}
	if c.Liveness.MaxMessageBytes == 0 {
		c.Liveness.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Session.MaxConnsPerUser == 0 {
		c.Session.MaxConnsPerUser = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
}
