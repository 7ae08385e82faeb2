package registration

import (
	"time"

	"fleet/internal/config"
)

// Config tunes registration retries and the heartbeat loop.
type Config struct {
	MaxAttempts       int           // registration attempts before degraded (default: 5)
	InitialBackoff    time.Duration // delay after the first failed attempt (default: 5s)
	MaxBackoff        time.Duration // delay cap (default: 120s)
	HeartbeatInterval time.Duration // default: 30s
	FailureThreshold  int           // consecutive heartbeat failures before re-registering (default: 3)
	RequestTimeout    time.Duration // per registry call (default: 10s)
}

// LoadConfigFromEnv loads registration configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		MaxAttempts:       config.GetIntEnv("REGISTRATION_MAX_ATTEMPTS", 5),
		InitialBackoff:    config.GetDurationEnv("REGISTRATION_INITIAL_BACKOFF", 5*time.Second),
		MaxBackoff:        config.GetDurationEnv("REGISTRATION_MAX_BACKOFF", 120*time.Second),
		HeartbeatInterval: config.GetDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
		FailureThreshold:  config.GetIntEnv("HEARTBEAT_FAILURE_THRESHOLD", 3),
		RequestTimeout:    config.GetDurationEnv("REGISTRATION_REQUEST_TIMEOUT", 10*time.Second),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 120 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}
