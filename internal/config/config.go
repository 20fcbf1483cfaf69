// Package config loads service settings from the environment.
//
// Every key is read with the FACEMATCH_ prefix first and the bare key second,
// so both FACEMATCH_DATABASE_DSN and DATABASE_DSN are accepted. A .env file in
// the working directory is loaded before the environment is read and never
// overrides variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/example/face-match/internal/fingerprint"
	"github.com/example/face-match/internal/matching"
)

// Prefix is the environment variable prefix.
const Prefix = "FACEMATCH"

// Config holds the service configuration.
type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	DatabaseDSN     string        `envconfig:"DATABASE_DSN" default:"host=postgres user=postgres password=postgres dbname=facematch port=5432 sslmode=disable"`
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"redis:6379"`
	ComparatorAddr  string        `envconfig:"COMPARATOR_ADDR"`
	ComparatorModel string        `envconfig:"COMPARATOR_MODEL"`
	Threshold       float64       `envconfig:"MATCH_THRESHOLD" default:"0.40"`
	TopK            int           `envconfig:"MATCH_TOP_K" default:"3"`
	CompareTimeout  time.Duration `envconfig:"COMPARE_TIMEOUT" default:"10s"`
	Workers         int           `envconfig:"MATCH_WORKERS" default:"4"`
	JWTSecret       string        `envconfig:"JWT_SECRET" default:"dev-secret"`
	JWTAudience     string        `envconfig:"JWT_AUDIENCE"`
	ResultTTL       time.Duration `envconfig:"RESULT_TTL" default:"5m"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	MaxUploadBytes  int64         `envconfig:"MAX_UPLOAD_BYTES" default:"10485760"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	cfg.applyModelDefault()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyModelDefault picks the remote default model when a comparator service
// is configured and the in-process perceptual hash otherwise.
func (c *Config) applyModelDefault() {
	if c.ComparatorModel != "" {
		return
	}
	if c.ComparatorAddr != "" {
		c.ComparatorModel = matching.DefaultModel
		return
	}
	c.ComparatorModel = fingerprint.ModelPHash
}

// localModel reports whether model is served without a comparator service.
func localModel(model string) bool {
	return model == fingerprint.ModelPHash || model == fingerprint.ModelDHash
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if err := c.MatchDefaults().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.ComparatorAddr == "" && !localModel(c.ComparatorModel) {
		return fmt.Errorf("config: COMPARATOR_MODEL %q needs COMPARATOR_ADDR; without it only %s and %s are available",
			c.ComparatorModel, fingerprint.ModelPHash, fingerprint.ModelDHash)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: MATCH_WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.CompareTimeout <= 0 {
		return fmt.Errorf("config: COMPARE_TIMEOUT must be positive, got %s", c.CompareTimeout)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is required")
	}
	return nil
}

// MatchDefaults returns the per-query defaults requests may override.
func (c *Config) MatchDefaults() matching.Config {
	return matching.Config{
		ComparatorModel: c.ComparatorModel,
		Threshold:       c.Threshold,
		TopK:            c.TopK,
	}
}
