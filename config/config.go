// Package config loads the host application's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backend names accepted in MULTIAUTH_BACKEND
const (
	BackendMemory          = "memory"
	BackendIdentityToolkit = "identitytoolkit"
)

// Config describes the multiauth host configuration
type Config struct {
	Backend     string        `env:"MULTIAUTH_BACKEND"        envDefault:"memory"`
	AppName     string        `env:"MULTIAUTH_APP_NAME"       envDefault:"multiauth"`
	SessionPath string        `env:"MULTIAUTH_SESSION_PATH"`
	LogLevel    string        `env:"MULTIAUTH_LOG_LEVEL"      envDefault:"info"`
	HTTPTimeout time.Duration `env:"MULTIAUTH_HTTP_TIMEOUT"   envDefault:"30s"`

	// SessionSecret signs memory backend session tokens
	SessionSecret string `env:"MULTIAUTH_SESSION_SECRET"`

	IdentityToolkit IdentityToolkitConfig
	Google          GoogleConfig
	Apple           AppleConfig
}

type IdentityToolkitConfig struct {
	APIKey   string `env:"IDENTITYTOOLKIT_API_KEY"`
	Endpoint string `env:"IDENTITYTOOLKIT_ENDPOINT"`
}

type GoogleConfig struct {
	ClientID     string `env:"OAUTH2_GOOGLE_CLIENT_ID"`
	ClientSecret string `env:"OAUTH2_GOOGLE_CLIENT_SECRET"`
	CallbackURL  string `env:"OAUTH2_GOOGLE_CALLBACK_URL" envDefault:"http://127.0.0.1:8085/google/callback"`

	// VerifyTokens makes the memory backend check Google identity tokens
	// against Google's published keys
	VerifyTokens bool `env:"OAUTH2_GOOGLE_VERIFY_TOKENS" envDefault:"true"`
}

// Enabled reports whether Google sign in is configured
func (g GoogleConfig) Enabled() bool {
	return g.ClientID != ""
}

type AppleConfig struct {
	ClientID       string `env:"OAUTH2_APPLE_CLIENT_ID"`
	TeamID         string `env:"OAUTH2_APPLE_TEAM_ID"`
	KeyID          string `env:"OAUTH2_APPLE_KEY_ID"`
	PrivateKeyPath string `env:"OAUTH2_APPLE_PRIVATE_KEY_PATH"`
	CallbackURL    string `env:"OAUTH2_APPLE_CALLBACK_URL" envDefault:"http://127.0.0.1:8085/apple/callback"`
}

// Enabled reports whether Sign in with Apple is configured
func (a AppleConfig) Enabled() bool {
	return a.ClientID != "" && a.TeamID != "" && a.KeyID != "" && a.PrivateKeyPath != ""
}

// Load reads the configuration from the environment. When envFile is set it
// is loaded first; a missing default .env is ignored, a malformed one is an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that depend on each other
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case BackendMemory:
	case BackendIdentityToolkit:
		if c.IdentityToolkit.APIKey == "" {
			return errors.New("IDENTITYTOOLKIT_API_KEY is required for the identitytoolkit backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("MULTIAUTH_HTTP_TIMEOUT must be positive")
	}
	return nil
}

// ParseLogLevel maps debug, info, warn and error to slog levels
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
