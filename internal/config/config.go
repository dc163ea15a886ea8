package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rollcall/ble-attendance/internal/beacon"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                     int    `env:"PORT" envDefault:"8080"`
	DatabaseURL              string `env:"DATABASE_URL,required"`
	RedisURL                 string `env:"REDIS_URL,required"`
	JWTSecret                string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	JWTIssuer                string `env:"JWT_ISSUER" envDefault:"rollcall"`
	LogLevel                 string `env:"LOG_LEVEL" envDefault:"info"`
	SessionDefaultTTLSeconds int    `env:"SESSION_DEFAULT_TTL_SECONDS" envDefault:"3600"`
	SessionMaxTTLSeconds     int    `env:"SESSION_MAX_TTL_SECONDS" envDefault:"86400"`
	DuplicateWindowSeconds   int    `env:"DUPLICATE_WINDOW_SECONDS" envDefault:"30"`
	SessionRetentionDays     int    `env:"SESSION_RETENTION_DAYS" envDefault:"30"`
	BeaconUUID               string `env:"BEACON_UUID" envDefault:"e2c56db5-dffb-48d2-b060-d0f5a71096e0"`
	BeaconOrgCodes           string `env:"BEACON_ORG_CODES" envDefault:"nhs:1,nhsa:2"`
	RateLimitPerMin          int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
}

func (c *Config) SessionDefaultTTL() time.Duration {
	return time.Duration(c.SessionDefaultTTLSeconds) * time.Second
}

func (c *Config) SessionMaxTTL() time.Duration {
	return time.Duration(c.SessionMaxTTLSeconds) * time.Second
}

func (c *Config) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateWindowSeconds) * time.Second
}

func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionDays) * 24 * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// BeaconRegistry parses BEACON_ORG_CODES.
func (c *Config) BeaconRegistry() (*beacon.Registry, error) {
	return beacon.ParseRegistry(c.BeaconOrgCodes)
}

// DeploymentUUID parses BEACON_UUID.
func (c *Config) DeploymentUUID() (uuid.UUID, error) {
	return uuid.Parse(c.BeaconUUID)
}

func (c *Config) Validate(isProduction bool) error {
	if c.SessionDefaultTTLSeconds <= 0 {
		return fmt.Errorf("SESSION_DEFAULT_TTL_SECONDS must be positive")
	}
	if c.SessionMaxTTLSeconds < c.SessionDefaultTTLSeconds {
		return fmt.Errorf("SESSION_MAX_TTL_SECONDS must not be below SESSION_DEFAULT_TTL_SECONDS")
	}
	if c.DuplicateWindowSeconds <= 0 {
		return fmt.Errorf("DUPLICATE_WINDOW_SECONDS must be positive")
	}
	if _, err := c.DeploymentUUID(); err != nil {
		return fmt.Errorf("BEACON_UUID: %w", err)
	}
	if _, err := c.BeaconRegistry(); err != nil {
		return fmt.Errorf("BEACON_ORG_CODES: %w", err)
	}

	if isProduction {
		if err := validateSecret("JWT_SECRET", c.JWTSecret); err != nil {
			return err
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

// Load reads an optional .env file, then the process environment. Variables
// already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
