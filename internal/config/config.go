// Package config loads the gateway's configuration surface from the
// environment, per spec §6.
package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v10"
)

// ErrConfig wraps every fatal configuration problem detected at boot
// (spec §7: ConfigError is fatal at boot).
var ErrConfig = errors.New("config error")

// Config is the full configuration surface from spec §6.
type Config struct {
	StorageURL string `env:"STORAGE_URL"`

	APIPublicBindTCP string `env:"API_PUBLIC_BIND_TCP"`
	APIPublicBindUDS string `env:"API_PUBLIC_BIND_UDS"`

	APIInternalBindTCP string `env:"API_INTERNAL_BIND_TCP"`
	APIInternalBindUDS string `env:"API_INTERNAL_BIND_UDS"`

	PidCacheTTLSeconds int `env:"API_PID_CACHE_TTL_S" envDefault:"60"`
	PidCacheCapacity   int `env:"API_PID_CACHE_CAPACITY" envDefault:"100000"`

	PidBloomEntries int     `env:"API_PID_BLOOM_ENTRIES" envDefault:"100000"`
	PidBloomFPRate  float64 `env:"API_PID_BLOOM_FP_RATE" envDefault:"0.01"`

	MonitorRPCURL          string `env:"MONITOR_RPC_URL"`
	MonitorStartHeight     uint64 `env:"MONITOR_START_HEIGHT,required"`
	MonitorPollIntervalSec int    `env:"MONITOR_POLL_INTERVAL_S" envDefault:"5"`
	MonitorMinConfirms     uint64 `env:"MONITOR_MIN_CONFIRMATIONS" envDefault:"10"`
	MonitorMinPaymentAmt   int64  `env:"MONITOR_MIN_PAYMENT_AMOUNT"`
}

// Load parses the environment into a Config and validates the required
// keys and the "at least one of TCP/UDS bind per listener" rule from
// spec §6.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: parse environment: %w", ErrConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StorageURL == "" {
		return fmt.Errorf("%w: STORAGE_URL is required", ErrConfig)
	}
	if c.APIPublicBindTCP == "" && c.APIPublicBindUDS == "" {
		return fmt.Errorf("%w: one of API_PUBLIC_BIND_TCP or API_PUBLIC_BIND_UDS is required", ErrConfig)
	}
	if c.APIInternalBindTCP == "" && c.APIInternalBindUDS == "" {
		return fmt.Errorf("%w: one of API_INTERNAL_BIND_TCP or API_INTERNAL_BIND_UDS is required", ErrConfig)
	}
	if c.MonitorRPCURL == "" {
		return fmt.Errorf("%w: MONITOR_RPC_URL is required", ErrConfig)
	}
	if c.PidBloomFPRate <= 0 || c.PidBloomFPRate >= 1 {
		return fmt.Errorf("%w: API_PID_BLOOM_FP_RATE must be in (0, 1)", ErrConfig)
	}
	if c.PidBloomEntries < 1 {
		return fmt.Errorf("%w: API_PID_BLOOM_ENTRIES must be >= 1", ErrConfig)
	}
	return nil
}
