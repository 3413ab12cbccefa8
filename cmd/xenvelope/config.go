package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xenvelope"
	"github.com/trickstertwo/xenvelope/adapter/memory"
	"github.com/trickstertwo/xenvelope/identity"
)

// Config is the YAML file read with --config.
//
//	identity:
//	  seed: "correct horse battery staple"
//	  index: 0
//	transport:
//	  name: redis-streams
//	  options:
//	    addr: localhost:6379
//	    dead_letter: xenvelope-dlq
//	envelope_ttl: 30s
//	group: cli
type Config struct {
	LogLevel    string          `yaml:"log_level"`
	Console     bool            `yaml:"console"`
	Identity    IdentityConfig  `yaml:"identity"`
	Transport   TransportConfig `yaml:"transport"`
	EnvelopeTTL time.Duration   `yaml:"envelope_ttl"`
	Group       string          `yaml:"group"`
	AckTimeout  time.Duration   `yaml:"ack_timeout"`
}

type IdentityConfig struct {
	Seed       string `yaml:"seed"`
	Index      uint32 `yaml:"index"`
	PrivateKey string `yaml:"private_key"`
}

type TransportConfig struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:    "info",
		Transport:   TransportConfig{Name: memory.TransportName},
		EnvelopeTTL: xenvelope.DefaultEnvelopeTTL,
		Group:       "xenvelope-cli",
		AckTimeout:  5 * time.Second,
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Transport.Name == "" {
		return errors.New("config: transport.name required")
	}
	if c.EnvelopeTTL < 0 {
		return fmt.Errorf("config: envelope_ttl must be >= 0, got %v", c.EnvelopeTTL)
	}
	if c.Identity.Seed != "" && c.Identity.PrivateKey != "" {
		return errors.New("config: identity.seed and identity.private_key are mutually exclusive")
	}
	return nil
}

// loadIdentity resolves the identity from a private key or a seed.
func (c IdentityConfig) loadIdentity() (*identity.Identity, error) {
	switch {
	case c.PrivateKey != "":
		return identity.FromPrivateKeyHex(c.PrivateKey)
	case c.Seed != "":
		return identity.FromSeed(c.Seed, c.Index)
	default:
		return nil, errors.New("no identity: set --seed, --key or identity in the config file")
	}
}
