package docker

import "fleet/internal/config"

// Config holds configuration for the container analyzer.
type Config struct {
	Image      string   // analysis image (required)
	Command    string   // optional override, run with /bin/sh -c
	Network    string   // docker network mode, empty = daemon default
	ExtraHosts []string // extra /etc/hosts entries (e.g., ["registry.test:host-gateway"])
	CPUs       float64  // 0 = unlimited
	MemoryMB   int      // 0 = unlimited
}

// LoadConfigFromEnv loads analyzer configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Image:      config.GetEnv("ANALYZER_IMAGE", "ghcr.io/fleet/analyzer:latest"),
		Command:    config.GetEnv("ANALYZER_COMMAND", ""),
		Network:    config.GetEnv("ANALYZER_NETWORK", ""),
		ExtraHosts: config.GetListEnv("EXTRA_HOSTS"),
		CPUs:       config.GetFloatEnv("ANALYZER_CPUS", 1),
		MemoryMB:   config.GetIntEnv("ANALYZER_MEMORY_MB", 512),
	}
}
