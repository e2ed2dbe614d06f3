// Manages server configuration stored in server_config.json.

package server

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/bcrypt"
)

// defaultAdminPassword is the password set on first start so the shell is
// reachable out of the box. Change it; the hash lives in server_config.json.
const defaultAdminPassword = "password"

// Config stores the admin shell's server-wide settings. Loaded from
// server_config.json in the data directory, created with defaults if
// missing.
type Config struct {
	// JWTSecret signs session tokens. Auto-generated on first load.
	JWTSecret []byte `json:"jwt_secret"`

	// AdminUser is the only login account.
	AdminUser string `json:"admin_user"`

	// AdminPasswordHash is the bcrypt hash of the admin password.
	AdminPasswordHash string `json:"admin_password_hash"`

	// SessionHours is how long a login stays valid.
	SessionHours int `json:"session_hours"`

	// RateLimits bounds request rates.
	RateLimits RateLimits `json:"rate_limits"`
}

// RateLimits defines rate limiting configuration (requests per minute).
type RateLimits struct {
	// LoginRatePerMin limits login attempts per client IP. 0 means
	// unlimited.
	LoginRatePerMin int `json:"login_rate_per_min"`
}

// DefaultRateLimits returns the default rate limits.
func DefaultRateLimits() RateLimits {
	return RateLimits{LoginRatePerMin: 5}
}

// Validate checks the configuration for nonsense values.
func (c *Config) Validate() error {
	if c.AdminUser == "" {
		return errors.New("admin_user must not be empty")
	}
	if c.AdminPasswordHash == "" {
		return errors.New("admin_password_hash must not be empty")
	}
	if c.SessionHours <= 0 {
		return errors.New("session_hours must be positive")
	}
	if c.RateLimits.LoginRatePerMin < 0 {
		return errors.New("login_rate_per_min must be non-negative")
	}
	return nil
}

// Save writes the configuration. Mode 0600 because of the JWT secret.
func (c *Config) Save(dataDir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal server_config.json: %w", err)
	}
	path := filepath.Join(dataDir, "server_config.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write server_config.json: %w", err)
	}
	return nil
}

// LoadConfig reads server_config.json from the data directory, filling in
// and persisting defaults on first run: a random JWT secret and the bcrypt
// hash of the default admin password.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "server_config.json")
	cfg := Config{
		AdminUser:    "admin",
		SessionHours: 24,
		RateLimits:   DefaultRateLimits(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read server_config.json: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse server_config.json: %w", err)
		}
	}

	modified := false
	if len(cfg.JWTSecret) == 0 {
		cfg.JWTSecret = make([]byte, 32)
		if _, err := rand.Read(cfg.JWTSecret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		modified = true
	}
	if cfg.AdminPasswordHash == "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(defaultAdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash default admin password: %w", err)
		}
		cfg.AdminPasswordHash = string(hash)
		modified = true
	}

	if modified || errors.Is(err, os.ErrNotExist) {
		if err := cfg.Save(dataDir); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server_config.json: %w", err)
	}
	return &cfg, nil
}
