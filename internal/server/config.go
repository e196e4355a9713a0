// Package server provides configuration helpers that define runtime defaults
// and validation for the chat gateway.
package server

import (
	"time"
)

// Defaults applied by NewConfig and by Sanitize for unset fields.
const (
	DefaultAddr            = ":8080"
	DefaultMaxMessageSize  = 4096
	DefaultSendBufferSize  = 256
	DefaultIdleTimeout     = 60 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRateLimitBurst  = 5
	DefaultRefillInterval  = time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the gateway settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
	MaxMessageSize int64
	SendBufferSize int

	// IdleTimeout is how long a connection may go without any frame or
	// pong before it is dropped. Pings go out at 9/10 of this period.
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	RateLimit RateLimitConfig
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		Addr: DefaultAddr,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  DefaultMaxMessageSize,
		SendBufferSize:  DefaultSendBufferSize,
		IdleTimeout:     DefaultIdleTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		RateLimit: RateLimitConfig{
			Burst:          DefaultRateLimitBurst,
			RefillInterval: DefaultRefillInterval,
		},
	}
}

// Sanitize returns a copy of c with every unset or invalid field replaced
// by its default.
func (c Config) Sanitize() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = DefaultSendBufferSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = DefaultRefillInterval
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

func (c Config) pingPeriod() time.Duration {
	return c.IdleTimeout * 9 / 10
}
