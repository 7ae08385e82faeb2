// Package config provides configuration loading from environment variables
// and an optional YAML file.
package config

import (
	"strings"
	"time"
)

// ServiceConfig holds configuration shared by the orchestrator and agent processes.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	// PublicURL is the address other fleet members use to reach this process.
	PublicURL string

	// RegistryURL is the base URL of the registry this process registers with.
	// For an orchestrator it defaults to its own PublicURL.
	RegistryURL string
}

// LoadServiceConfig loads service configuration from environment variables.
// defaultPort differs per process so an orchestrator and an agent can share a host.
func LoadServiceConfig(defaultPort, defaultMetricsPort string) *ServiceConfig {
	port := GetEnv("PORT", defaultPort)
	publicURL := strings.TrimRight(GetEnv("PUBLIC_URL", "http://localhost:"+port), "/")

	return &ServiceConfig{
		Port:              port,
		MetricsPort:       GetEnv("METRICS_PORT", defaultMetricsPort),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		PublicURL:         publicURL,
		RegistryURL:       strings.TrimRight(GetEnv("REGISTRY_URL", publicURL), "/"),
	}
}
