// Package docker implements job.Analyzer by running the analysis pipeline
// as a container on the host Docker daemon.
//
// The container receives the target in TARGET_KEY. Stdout lines of the form
// "PROGRESS <phase> <percent> [message]" are progress reports; every other
// stdout line is part of the report. A non-zero exit fails the job with the
// last stderr line.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"fleet/internal/apperrors"
	"fleet/internal/job"
)

const managedByLabel = "fleet-agent"

// Analyzer runs analysis containers.
type Analyzer struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]struct{} // container ids
}

// New creates an analyzer connected to the Docker daemon from the environment.
func New(cfg Config) (*Analyzer, error) {
	if cfg.Image == "" {
		return nil, apperrors.Validation("image", "analyzer image is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Analyzer{
		client:  dockerClient,
		cfg:     cfg,
		logger:  slog.With("component", "analyzer", "image", cfg.Image),
		running: make(map[string]struct{}),
	}, nil
}

// Analyze runs one container for targetKey and returns its report.
func (a *Analyzer) Analyze(ctx context.Context, targetKey string, progress job.ProgressFunc) (string, error) {
	if err := a.pullImageIfNeeded(ctx); err != nil {
		return "", fmt.Errorf("pull %s: %w", a.cfg.Image, err)
	}

	containerID, err := a.createContainer(ctx, targetKey)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	a.track(containerID, true)
	defer func() {
		a.track(containerID, false)
		a.removeContainer(containerID)
	}()

	logger := a.logger.With("containerId", shortID(containerID), "targetKey", targetKey)
	startTime := time.Now()

	if err := a.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	logger.Info("Analysis container started")

	logs, err := a.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return "", fmt.Errorf("attach logs: %w", err)
	}
	defer logs.Close()

	var out output
	if err := out.consume(logs, progress); err != nil && ctx.Err() == nil {
		logger.Debug("Log stream ended", "error", err)
	}

	exitCode, err := a.waitForExit(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("wait for container: %w", err)
	}

	logger.Info("Analysis container exited", "exitCode", exitCode, "duration", time.Since(startTime))
	if exitCode != 0 {
		if out.lastErr != "" {
			return "", fmt.Errorf("analyzer exited with code %d: %s", exitCode, out.lastErr)
		}
		return "", fmt.Errorf("analyzer exited with code %d", exitCode)
	}
	return strings.TrimRight(out.report.String(), "\n"), nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (a *Analyzer) Ready(ctx context.Context) error {
	_, err := a.client.Ping(ctx)
	return err
}

// Close removes containers still running and releases the client.
func (a *Analyzer) Close() error {
	a.mu.Lock()
	ids := make([]string, 0, len(a.running))
	for id := range a.running {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.removeContainer(id)
	}
	return a.client.Close()
}

func (a *Analyzer) track(containerID string, running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if running {
		a.running[containerID] = struct{}{}
	} else {
		delete(a.running, containerID)
	}
}

func (a *Analyzer) createContainer(ctx context.Context, targetKey string) (string, error) {
	var cmd []string
	if a.cfg.Command != "" {
		cmd = []string{"/bin/sh", "-c", a.cfg.Command}
	}

	containerConfig := &container.Config{
		Image: a.cfg.Image,
		Cmd:   cmd,
		Env:   []string{"TARGET_KEY=" + targetKey},
		Labels: map[string]string{
			"fleet.target": targetKey,
			"managed-by":   managedByLabel,
		},
	}

	hostConfig := &container.HostConfig{
		ExtraHosts: a.cfg.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: int64(a.cfg.CPUs * 1e9),
			Memory:   int64(a.cfg.MemoryMB) * 1024 * 1024,
		},
	}
	if a.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(a.cfg.Network)
	}

	name := "fleet-analyze-" + uuid.NewString()[:8]
	resp, err := a.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (a *Analyzer) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := a.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (a *Analyzer) pullImageIfNeeded(ctx context.Context) error {
	_, err := a.client.ImageInspect(ctx, a.cfg.Image)
	if err == nil {
		return nil
	}

	reader, err := a.client.ImagePull(ctx, a.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// removeContainer force-removes a container. It runs on its own context so
// cleanup still happens after the job's context is cancelled.
func (a *Analyzer) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		a.logger.Warn("Failed to remove analysis container", "containerId", shortID(containerID), "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
