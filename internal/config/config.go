// Package config loads service settings from the environment and an optional
// .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	Port                string        `mapstructure:"PORT"`
	JWTSecret           string        `mapstructure:"JWT_SECRET"`
	FrontendURL         string        `mapstructure:"FRONTEND_URL"`
	GoogleClientID      string        `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret  string        `mapstructure:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURI   string        `mapstructure:"GOOGLE_REDIRECT_URI"`
	RabbitMQURL         string        `mapstructure:"RABBITMQ_URL"`
	CORSAllowedOrigins  string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	OAuthTimeout        time.Duration `mapstructure:"OAUTH_TIMEOUT"`
	BcryptCost          int           `mapstructure:"BCRYPT_COST"`
	SeedCatalog         bool          `mapstructure:"SEED_CATALOG"`
	CreditGrantSchedule string        `mapstructure:"CREDIT_GRANT_SCHEDULE"`
	TokenPurgeSchedule  string        `mapstructure:"TOKEN_PURGE_SCHEDULE"`
}

var keys = []string{
	"DATABASE_URL",
	"PORT",
	"JWT_SECRET",
	"FRONTEND_URL",
	"GOOGLE_CLIENT_ID",
	"GOOGLE_CLIENT_SECRET",
	"GOOGLE_REDIRECT_URI",
	"RABBITMQ_URL",
	"CORS_ALLOWED_ORIGINS",
	"OAUTH_TIMEOUT",
	"BCRYPT_COST",
	"SEED_CATALOG",
	"CREDIT_GRANT_SCHEDULE",
	"TOKEN_PURGE_SCHEDULE",
}

// LoadConfig reads configuration from environment variables, falling back to a
// .env file when one is present.
func LoadConfig() (*Config, error) {
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("FRONTEND_URL", "http://localhost:3000")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	viper.SetDefault("OAUTH_TIMEOUT", "10s")
	viper.SetDefault("BCRYPT_COST", 12)
	viper.SetDefault("SEED_CATALOG", false)
	viper.SetDefault("CREDIT_GRANT_SCHEDULE", "0 0 1 * *") // 00:00 on day-of-month 1.
	viper.SetDefault("TOKEN_PURGE_SCHEDULE", "30 3 * * *")  // 03:30 every day.

	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read .env: %w", err)
		}
	}
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31, got %d", c.BcryptCost)
	}
	if c.OAuthTimeout <= 0 {
		return fmt.Errorf("OAUTH_TIMEOUT must be positive, got %s", c.OAuthTimeout)
	}
	return nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// GoogleEnabled reports whether Google sign-in is configured.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURI != ""
}
