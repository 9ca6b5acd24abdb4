package config

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the display backend configuration, sourced from the
// environment.
type Config struct {
	// DRMDevice overrides primary GPU selection with an explicit device
	// path (e.g. /dev/dri/card1).
	DRMDevice string `envconfig:"ANVIL_DRM_DEVICE"`
	// Seat overrides the seat resolved from the logind session. Empty
	// means ask logind, falling back to seat0.
	Seat     string `envconfig:"SKYLIGHT_SEAT"`
	LogLevel string `envconfig:"SKYLIGHT_LOG_LEVEL" default:"info"`
}

// Load reads the configuration, honoring a .env file if present.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
