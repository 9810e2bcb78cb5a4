// Package config loads deployment configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime knob the identity API reads. All values come
// from IFMIS_-prefixed environment variables.
type Config struct {
	ListenAddr string `env:"IFMIS_LISTEN_ADDR" envDefault:":8080"`
	PGDSN      string `env:"IFMIS_PG_DSN"`

	Issuer    string        `env:"IFMIS_ISSUER" envDefault:"ifmis-identity"`
	Audiences []string      `env:"IFMIS_AUDIENCES" envSeparator:","`
	TokenTTL  time.Duration `env:"IFMIS_TOKEN_TTL" envDefault:"15m"`

	// One of SigningSecret (HS256) or SigningKeyPEM (RS256) must be set.
	SigningSecret string `env:"IFMIS_SIGNING_SECRET"`
	SigningKeyPEM string `env:"IFMIS_SIGNING_KEY_PEM"`
	SigningKeyID  string `env:"IFMIS_SIGNING_KEY_ID"`

	MaxPasswordAgeDays  int           `env:"IFMIS_MAX_PASSWORD_AGE_DAYS" envDefault:"100"`
	PasswordReuseWindow int           `env:"IFMIS_PASSWORD_REUSE_WINDOW" envDefault:"3"`
	ResetTokenTTL       time.Duration `env:"IFMIS_RESET_TOKEN_TTL" envDefault:"30m"`

	// ResetLinkBase is the frontend URL that reset emails point at.
	ResetLinkBase string   `env:"IFMIS_RESET_LINK_BASE"`
	Frontends     []string `env:"IFMIS_FRONTEND_ORIGINS" envSeparator:","`

	SMTPHost     string `env:"IFMIS_SMTP_HOST"`
	SMTPPort     int    `env:"IFMIS_SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"IFMIS_SMTP_USERNAME"`
	SMTPPassword string `env:"IFMIS_SMTP_PASSWORD"`
}

// Load parses the environment into a Config and validates the signing
// configuration.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.SigningSecret == "" && cfg.SigningKeyPEM == "" {
		return Config{}, errors.New("config: IFMIS_SIGNING_SECRET or IFMIS_SIGNING_KEY_PEM is required")
	}
	if cfg.MaxPasswordAgeDays <= 0 {
		return Config{}, errors.New("config: IFMIS_MAX_PASSWORD_AGE_DAYS must be positive")
	}
	if cfg.PasswordReuseWindow < 0 {
		return Config{}, errors.New("config: IFMIS_PASSWORD_REUSE_WINDOW must not be negative")
	}
	return cfg, nil
}

// MaxPasswordAge converts the configured day count to a duration.
func (c Config) MaxPasswordAge() time.Duration {
	return time.Duration(c.MaxPasswordAgeDays) * 24 * time.Hour
}
