package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for Redis Streams transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Streams
	StreamPrefix string

	// Consumer group
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery. Zero ClaimMinIdle disables redelivery of nacked
	// and orphaned entries.
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xenvelope"
	}
	return Config{
		Addr:          "127.0.0.1:6379",
		StreamPrefix:  "xenvelope:",
		Consumer:      fmt.Sprintf("xenvelope-%s-%d", hostname, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimMinIdle:  time.Minute,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// StreamFor returns the stream key holding envelopes for address.
func (c Config) StreamFor(address string) string {
	return c.StreamPrefix + address
}

// toMap converts Config to generic map for transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"stream_prefix":      c.StreamPrefix,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults. Numbers
// may arrive as int, int64 or float64 and durations as time.Duration or
// strings, so YAML- and JSON-sourced maps work unchanged.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := toInt(m["db"]); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["stream_prefix"].(string); ok {
		c.StreamPrefix = v
	}
	if v, ok := m["consumer"].(string); ok && v != "" {
		c.Consumer = v
	}
	if v, ok := toInt(m["concurrency"]); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := toInt(m["batch_size"]); ok && v > 0 {
		c.BatchSize = v
	}
	if v, ok := toDuration(m["block"]); ok && v > 0 {
		c.Block = v
	}
	if v, ok := m["auto_create"].(bool); ok {
		c.AutoCreate = v
	}
	if v, ok := m["auto_delete_on_ack"].(bool); ok {
		c.AutoDeleteOnAck = v
	}
	if v, ok := m["dead_letter"].(string); ok {
		c.DeadLetter = v
	}
	if v, ok := toInt64(m["max_len_approx"]); ok && v > 0 {
		c.MaxLenApprox = v
	}
	if v, ok := toDuration(m["claim_min_idle"]); ok {
		c.ClaimMinIdle = v
	}
	if v, ok := toInt(m["claim_batch"]); ok && v > 0 {
		c.ClaimBatch = v
	}
	if v, ok := toDuration(m["claim_interval"]); ok && v > 0 {
		c.ClaimInterval = v
	}
	return c
}

func toInt(v any) (int, bool) {
	n, ok := toInt64(v)
	return int(n), ok
}

func toDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	case float64:
		return time.Duration(d), true
	case int:
		return time.Duration(d), true
	case int64:
		return time.Duration(d), true
	}
	return 0, false
}
