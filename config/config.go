// Package config loads client and provider settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Env variable names.
const (
	EnvServiceName     = "SIMPLERPC_SERVICE_NAME"
	EnvRegistryAddress = "SIMPLERPC_REGISTRY_ADDRESS"
	EnvRegistryKind    = "SIMPLERPC_REGISTRY_KIND"
)

const (
	RegistryEtcd   = "etcd"
	RegistryRedis  = "redis"
	RegistryMemory = "memory" // in-process only, for tests and demos
)

// Config holds everything a client needs. ServiceName and Registry.Address are required.
type Config struct {
	ServiceName         string          `yaml:"service_name"`
	Registry            RegistryConfig  `yaml:"registry"`
	CallTimeout         time.Duration   `yaml:"call_timeout"`
	IdleTimeout         time.Duration   `yaml:"idle_timeout"`
	MaxMissedHeartbeats int             `yaml:"max_missed_heartbeats"`
	DialTimeout         time.Duration   `yaml:"dial_timeout"`
	WriteTimeout        time.Duration   `yaml:"write_timeout"`
	Codec               string          `yaml:"codec"`    // json|binary
	Balancer            string          `yaml:"balancer"` // random|round_robin
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
}

type RegistryConfig struct {
	Kind        string        `yaml:"kind"`    // etcd|redis|memory
	Address     string        `yaml:"address"` // comma separated for etcd
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RateLimitConfig limits outgoing calls. RPS 0 disables the limiter.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the built-in settings. ServiceName and Registry.Address are left empty.
func Default() Config {
	return Config{
		Registry: RegistryConfig{
			Kind:        RegistryEtcd,
			DialTimeout: 3 * time.Second,
		},
		CallTimeout:         10 * time.Second,
		IdleTimeout:         30 * time.Second,
		MaxMissedHeartbeats: 3,
		DialTimeout:         3 * time.Second,
		WriteTimeout:        5 * time.Second,
		Codec:               "json",
		Balancer:            "random",
	}
}

// Load reads the YAML file at path over Default, applies environment overrides, then overrides, and
// validates. An empty path skips the file.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	for _, override := range overrides {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the SIMPLERPC_* variables that are set.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvServiceName)); v != "" {
		c.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRegistryAddress)); v != "" {
		c.Registry.Address = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRegistryKind)); v != "" {
		c.Registry.Kind = v
	}
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.ServiceName) == "" {
		problems = append(problems, "service_name is required")
	}
	switch c.Registry.Kind {
	case RegistryEtcd, RegistryRedis:
		if strings.TrimSpace(c.Registry.Address) == "" {
			problems = append(problems, "registry.address is required")
		}
	case RegistryMemory:
	default:
		problems = append(problems, fmt.Sprintf("registry.kind must be etcd|redis|memory, got %q", c.Registry.Kind))
	}
	if c.CallTimeout <= 0 {
		problems = append(problems, "call_timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		problems = append(problems, "idle_timeout must be positive")
	}
	if c.MaxMissedHeartbeats <= 0 {
		problems = append(problems, "max_missed_heartbeats must be positive")
	}
	if c.DialTimeout <= 0 {
		problems = append(problems, "dial_timeout must be positive")
	}
	if c.WriteTimeout < 0 {
		problems = append(problems, "write_timeout must not be negative")
	}
	switch c.Codec {
	case "", "json", "binary":
	default:
		problems = append(problems, fmt.Sprintf("codec must be json|binary, got %q", c.Codec))
	}
	switch c.Balancer {
	case "", "random", "round_robin":
	default:
		problems = append(problems, fmt.Sprintf("balancer must be random|round_robin, got %q", c.Balancer))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		problems = append(problems, "rate_limit values must not be negative")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		problems = append(problems, "rate_limit.burst must be positive when rps is set")
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// RegistryEndpoints splits Registry.Address on commas.
func (c Config) RegistryEndpoints() []string {
	var out []string
	for _, part := range strings.Split(c.Registry.Address, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
