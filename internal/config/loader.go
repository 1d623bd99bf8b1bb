// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs in quota period keys and
//     scheduled-delivery comparisons.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Process envconfig struct tags to populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load loads and validates the SchemeAlert configuration from the process
// environment. Any missing required value or invalid format returns an
// error; callers are expected to fail fast on startup.
func Load() (*Config, error) {
	// Quota period keys and scheduled timestamps are all computed in UTC.
	time.Local = time.UTC

	// Seed the environment from .env when present. godotenv does not
	// override variables already set in the environment.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: processing environment: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}
