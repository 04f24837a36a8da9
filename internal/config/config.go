// Package config loads runtime configuration the way the teacher's
// loadConfig built a struct of defaults, but layers environment
// overrides on top via go-envconfig instead of hardcoding every value.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds the knobs every binary (server, client, backup) reads
// at startup. Not every field applies to every binary; unused fields
// are simply ignored by that binary.
type Config struct {
	Interface   string        `env:"TREASUREHUNT_IFACE"`
	ObjectsDir  string        `env:"TREASUREHUNT_OBJECTS_DIR, default=./objetos"`
	ReceivedDir string        `env:"TREASUREHUNT_RECEIVED_DIR, default=./received"`
	MetricsAddr string        `env:"TREASUREHUNT_METRICS_ADDR, default="`
	AckTimeout  time.Duration `env:"TREASUREHUNT_ACK_TIMEOUT, default=1000ms"`
	MaxRetries  int           `env:"TREASUREHUNT_MAX_RETRIES, default=5"`
}

// Load reads environment overrides on top of the documented defaults
// and applies the positional interface name from the CLI, which always
// wins over TREASUREHUNT_IFACE when both are present.
func Load(ctx context.Context, ifaceArg string) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: process environment: %w", err)
	}
	if ifaceArg != "" {
		cfg.Interface = ifaceArg
	}
	if cfg.Interface == "" {
		return Config{}, fmt.Errorf("config: no interface given (positional argument or TREASUREHUNT_IFACE)")
	}
	return cfg, nil
}
