package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const minSigningKeyLen = 32

type Config struct {
	Port            string        `mapstructure:"PORT" validate:"required,numeric"`
	Env             string        `mapstructure:"ENV" validate:"oneof=development test production"`
	LogLevel        string        `mapstructure:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`
	Timezone        string        `mapstructure:"CLINIC_TIMEZONE"`
	JWTSigningKey   string        `mapstructure:"JWT_SIGNING_KEY" validate:"required_unless=Env development"`
	JWTIssuer       string        `mapstructure:"JWT_ISSUER"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS" validate:"gte=0"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST" validate:"gte=1"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	SandboxEnabled  bool          `mapstructure:"SANDBOX_ENABLED"`
}

// Load reads configuration from .env (when present) and the environment.
// Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CLINIC_TIMEZONE", "")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("SANDBOX_ENABLED", false)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "CLINIC_TIMEZONE", "JWT_SIGNING_KEY", "JWT_ISSUER",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "SHUTDOWN_TIMEOUT", "SANDBOX_ENABLED",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if raw := v.GetString("CORS_ORIGINS"); raw != "" {
		cfg.CORSOrigins = splitList(raw)
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves CLINIC_TIMEZONE. An empty value yields nil, which means
// appointment weekdays follow each timestamp's own offset.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ZerologLevel maps LOG_LEVEL onto a zerolog level, defaulting to info.
func (c *Config) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT signing key of at least 32 bytes is required.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation (value %v)", keyFor(fe.StructField()), fe.Tag(), redact(fe))
		}
		return fmt.Errorf("validate config: %w", err)
	}
	if c.JWTSigningKey != "" && len(c.JWTSigningKey) < minSigningKeyLen {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least %d bytes", minSigningKeyLen)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

var envKeys = map[string]string{
	"Port":            "PORT",
	"Env":             "ENV",
	"LogLevel":        "LOG_LEVEL",
	"JWTSigningKey":   "JWT_SIGNING_KEY",
	"RateLimitRPS":    "RATE_LIMIT_RPS",
	"RateLimitBurst":  "RATE_LIMIT_BURST",
	"ShutdownTimeout": "SHUTDOWN_TIMEOUT",
}

func keyFor(field string) string {
	if k, ok := envKeys[field]; ok {
		return k
	}
	return field
}

func redact(fe validator.FieldError) interface{} {
	if fe.StructField() == "JWTSigningKey" {
		return "<redacted>"
	}
	return fe.Value()
}
