package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level tollcounter configuration file.
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metering  MeteringConfig  `yaml:"metering"`
	Logging   LoggingConfig   `yaml:"log"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	CORSOrigins     []string `yaml:"cors_origins"`
}

// AuthConfig controls credential verification.
type AuthConfig struct {
	SigningSecret string `yaml:"signing_secret"` // HMAC key for session tokens
	KeyHeader     string `yaml:"api_key_header"`
}

// RateLimitConfig holds the per-policy fixed-window limits plus the
// sliding-window flood backstop applied to the whole router.
type RateLimitConfig struct {
	General        WindowConfig `yaml:"general"`
	Admin          WindowConfig `yaml:"admin"`
	FloodPerMinute int          `yaml:"flood_per_minute"`
}

// WindowConfig is one fixed-window limiter policy.
type WindowConfig struct {
	WindowMs    int `yaml:"window_ms"`
	MaxRequests int `yaml:"max_requests"`
}

// MeteringConfig controls the asynchronous usage recorder.
type MeteringConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// RenderYAML returns cfg as a YAML document, used by "config show".
func RenderYAML(cfg *YAMLConfig) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}
