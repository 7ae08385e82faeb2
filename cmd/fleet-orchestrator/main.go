// fleet-orchestrator hosts the fleet registry, routes analysis jobs to its
// agents and bridges UI progress sockets to them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"fleet/internal/api"
	"fleet/internal/config"
	"fleet/internal/health"
	"fleet/internal/notify"
	"fleet/internal/observability"
	"fleet/internal/registration"
	"fleet/internal/registry"
	"fleet/internal/relay"
	"fleet/internal/server"
	"fleet/internal/session"
	"fleet/pkg/circuitbreaker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Orchestrator failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("fleet-orchestrator", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML file of settings; environment variables take precedence")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *configPath != "" {
		applied, err := config.LoadFile(*configPath)
		if err != nil {
			return err
		}
		slog.Info("Loaded config file", "path", *configPath, "keys", applied)
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	// Load configuration
	svcCfg := config.LoadServiceConfig("8080", "9090")
	regCfg := registration.LoadConfigFromEnv()
	notifyCfg := notify.LoadConfigFromEnv(svcCfg.PublicURL)
	breakerCfg := circuitbreaker.Config{
		Threshold: config.GetIntEnv("AGENT_BREAKER_THRESHOLD", 3),
		Cooldown:  config.GetDurationEnv("AGENT_BREAKER_COOLDOWN", 30*time.Second),
	}
	agentTimeout := config.GetDurationEnv("AGENT_REQUEST_TIMEOUT", 10*time.Second)
	sessionTTL := config.GetDurationEnv("SESSION_TTL", session.DefaultTTL)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(baseCtx)
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}

	reg := registry.New(metrics)
	registryAPI := registration.NewHTTPRegistryAPI(svcCfg.RegistryURL, svcCfg.APIKey, regCfg.RequestTimeout)
	regClient := registration.New(registryAPI, regCfg, svcCfg.PublicURL, "", metrics)

	// Agents are read in-process when this orchestrator hosts the registry
	// it registers with.
	var agents api.AgentLister = registryAPI
	if svcCfg.RegistryURL == svcCfg.PublicURL {
		agents = api.LocalRegistry{Store: reg}
	}

	sessions := session.NewStore(session.WithTTL(sessionTTL))
	if sessionTTL > 0 {
		go sessions.RunSweeper(baseCtx, min(sessionTTL, time.Hour))
	}

	proxy := api.NewProxy(api.ProxyConfig{
		Agents:   agents,
		SelfID:   regClient.ID,
		Client:   api.NewAgentClient(svcCfg.APIKey, agentTimeout),
		Sessions: sessions,
		Relay:    relay.New(metrics),
		Breaker:  breakerCfg,
	})

	proxyEvents, cancelProxyEvents := reg.Subscribe()
	defer cancelProxyEvents()
	go proxy.Watch(baseCtx, proxyEvents)

	var notifier *notify.Notifier
	if notifyCfg.Enabled() {
		notifier = notify.New(notifyCfg, metrics)
		notifyEvents, cancelNotifyEvents := reg.Subscribe()
		defer cancelNotifyEvents()
		go notifier.Watch(baseCtx, notifyEvents)
		slog.Info("Fleet event webhooks enabled", "url", notifyCfg.URL)
	}

	healthChecker := health.NewChecker()
	healthChecker.AddCheck("registration", regClient.Check)

	router := api.NewRouter(api.RouterConfig{
		BaseContext:   baseCtx,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		APIKey:        svcCfg.APIKey,
		Registry:      reg,
		Proxy:         proxy,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	servers := server.NewGroup(baseCtx, svcCfg.Port, router, svcCfg.MetricsPort, metricsHandler)
	servers.Start()

	// Registration retries in the background, so self-registration against
	// the local registry succeeds once the listener is up.
	if err := regClient.Start(baseCtx); err != nil {
		return err
	}

	if err := servers.Wait(); err != nil {
		servers.Shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: leave the fleet while a local registry can still answer
	regCtx, regCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer regCancel()
	regClient.Shutdown(regCtx)

	// Phase 3: stop accepting requests, then end progress bridges
	slog.Info("Starting graceful shutdown")
	servers.Shutdown(25 * time.Second)
	cancelBase()

	// Phase 4: drain webhook deliveries
	if notifier != nil {
		notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer notifyCancel()
		if err := notifier.Close(notifyCtx); err != nil {
			slog.Warn("Notifier shutdown error", "error", err)
		}
		stats := notifier.Stats()
		slog.Info("Notifier stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return nil
}
