package notify

import (
	"time"

	"fleet/internal/config"
)

// Delivery defaults that rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultInitialBackoff   = 100 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// Config holds webhook notifier configuration.
type Config struct {
	URL         string        // webhook destination; empty disables notifications
	SigningKey  string        // HMAC key, empty = unsigned
	Source      string        // CloudEvents source, usually the process's public URL
	BufferSize  int           // pending events (default: 1000)
	Workers     int           // delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per request (default: 10s)
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv(source string) Config {
	return Config{
		URL:         config.GetEnv("EVENTS_WEBHOOK_URL", ""),
		SigningKey:  config.GetSecretFile(config.GetEnv("EVENTS_SIGNING_KEY_FILE", "")),
		Source:      source,
		BufferSize:  config.GetIntEnv("EVENTS_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("EVENTS_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("EVENTS_HTTP_TIMEOUT", 10*time.Second),
	}.withDefaults()
}

// Enabled reports whether a webhook is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.Source == "" {
		c.Source = "fleet"
	}
	return c
}
