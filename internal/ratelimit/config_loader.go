package ratelimit

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// SourceConfigs maps a source name to its limiter settings.
type SourceConfigs struct {
	RateLimits map[string]Config `yaml:"rate_limits" json:"rate_limits"`
}

// LoadSourceConfigs decodes a rate_limits YAML document.
func LoadSourceConfigs(data []byte) (SourceConfigs, error) {
	var cfgs SourceConfigs
	if err := yaml.Unmarshal(data, &cfgs); err != nil {
		return SourceConfigs{}, err
	}
	if err := cfgs.Validate(); err != nil {
		return SourceConfigs{}, err
	}
	return cfgs, nil
}

// Validate checks every configured source.
func (s SourceConfigs) Validate() error {
	for name, cfg := range s.RateLimits {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("rate_limits.%s: %w", name, err)
		}
	}
	return nil
}

// For returns the settings for source, or fallback when none are configured.
// Unset fields are filled from fallback first and DefaultConfig second.
func (s SourceConfigs) For(source string, fallback Config) Config {
	cfg, ok := s.RateLimits[source]
	if !ok {
		return fallback.withDefaults()
	}
	return merge(cfg, fallback).withDefaults()
}

func merge(cfg, fallback Config) Config {
	if cfg.Strategy == "" {
		cfg.Strategy = fallback.Strategy
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = fallback.RequestsPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = fallback.Burst
	}
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = fallback.RequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = fallback.Window
	}
	if cfg.FixedDelay <= 0 {
		cfg.FixedDelay = fallback.FixedDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = fallback.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = fallback.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = fallback.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = fallback.MaxBackoff
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = fallback.BackoffMultiplier
	}
	return cfg
}
