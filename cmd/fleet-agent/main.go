// fleet-agent runs analysis jobs for its orchestrator and streams their
// progress to socket listeners.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"fleet/internal/analyzer/docker"
	"fleet/internal/api"
	"fleet/internal/config"
	"fleet/internal/health"
	"fleet/internal/job"
	"fleet/internal/notify"
	"fleet/internal/observability"
	"fleet/internal/registration"
	"fleet/internal/relay"
	"fleet/internal/server"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("fleet-agent", pflag.ContinueOnError)
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
	svcCfg := config.LoadServiceConfig("8081", "9091")
	orchestratorURL := strings.TrimRight(config.GetEnv("ORCHESTRATOR_URL", "http://localhost:8080"), "/")
	registryURL := orchestratorURL
	if config.GetEnv("REGISTRY_URL", "") != "" {
		registryURL = svcCfg.RegistryURL
	}
	regCfg := registration.LoadConfigFromEnv()
	notifyCfg := notify.LoadConfigFromEnv(svcCfg.PublicURL)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(baseCtx)
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}

	analyzer, err := docker.New(docker.LoadConfigFromEnv())
	if err != nil {
		return err
	}
	defer func() {
		if err := analyzer.Close(); err != nil {
			slog.Warn("Analyzer close error", "error", err)
		}
	}()
	slog.Info("Connected to Docker daemon")

	registryAPI := registration.NewHTTPRegistryAPI(registryURL, svcCfg.APIKey, regCfg.RequestTimeout)
	lookupParent := func(ctx context.Context) (string, error) {
		return registration.ResolveParent(ctx, registryAPI, orchestratorURL)
	}

	// An unreachable orchestrator leaves the agent up and degraded; the
	// client keeps looking it up on every heartbeat tick.
	regClient := registration.NewAgent(registryAPI, regCfg, svcCfg.PublicURL, lookupParent, metrics)

	var notifier *notify.Notifier
	opts := job.RunnerOptions{Announcer: regClient, Metrics: metrics}
	if notifyCfg.Enabled() {
		notifier = notify.New(notifyCfg, metrics)
		opts.Outcomes = notifier
		slog.Info("Job outcome webhooks enabled", "url", notifyCfg.URL)
	}

	jobs := job.NewStore()
	progress := relay.New(metrics)
	runner := job.NewRunner(jobs, analyzer, progress, job.LoadRunnerConfigFromEnv(), opts)

	healthChecker := health.NewChecker()
	healthChecker.AddReadiness("analyzer", analyzer)
	healthChecker.AddCheck("registration", regClient.Check)

	router := api.NewRouter(api.RouterConfig{
		BaseContext:   baseCtx,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		APIKey:        svcCfg.APIKey,
		Jobs:          jobs,
		Runner:        runner,
		Relay:         progress,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	servers := server.NewGroup(baseCtx, svcCfg.Port, router, svcCfg.MetricsPort, metricsHandler)
	servers.Start()

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

	// Phase 2: stop accepting requests
	slog.Info("Starting graceful shutdown")
	servers.Shutdown(25 * time.Second)
	cancelBase()

	// Phase 3: cancel running jobs, then close their listeners
	runnerCtx, runnerCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer runnerCancel()
	if err := runner.Close(runnerCtx); err != nil {
		slog.Warn("Job runner shutdown error", "error", err, "inFlight", runner.InFlight())
	}
	progress.CloseAll()

	// Phase 4: leave the fleet
	regCtx, regCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer regCancel()
	regClient.Shutdown(regCtx)

	// Phase 5: drain webhook deliveries
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
