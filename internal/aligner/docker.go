package aligner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"orthorun/internal/apperrors"
	"orthorun/pkg/backoff"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerAPI is the subset of the Docker Engine client used by DockerRunner.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerConfig holds configuration for the container runner.
type DockerConfig struct {
	Image      string          // aligner image (required)
	Entrypoint string          // tool executable inside the image (default: "mmseqs")
	Mounts     []string        // host directories bind-mounted at the same path
	CPUs       float64         // CPU limit per container, 0 for none
	Pull       *backoff.Config // image pull retries
}

// DockerRunner runs every tool invocation in a throw-away container.
type DockerRunner struct {
	client dockerAPI
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerRunner connects to the Docker daemon configured in the environment.
func NewDockerRunner(cfg DockerConfig) (*DockerRunner, error) {
	if cfg.Image == "" {
		return nil, apperrors.Configuration("docker-image", "docker image is required for the docker backend")
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerRunner(dockerClient, cfg), nil
}

func newDockerRunner(api dockerAPI, cfg DockerConfig) *DockerRunner {
	if cfg.Entrypoint == "" {
		cfg.Entrypoint = "mmseqs"
	}
	if cfg.Pull == nil {
		cfg.Pull = &backoff.Config{Initial: time.Second, Max: 30 * time.Second, Attempts: 4}
	}
	return &DockerRunner{
		client: api,
		cfg:    cfg,
		logger: slog.With("component", "docker-runner", "image", cfg.Image),
	}
}

// Run executes the tool with args in a new container and removes it afterwards.
func (r *DockerRunner) Run(ctx context.Context, args []string) error {
	containerConfig := &container.Config{
		Image:      r.cfg.Image,
		Entrypoint: []string{r.cfg.Entrypoint},
		Cmd:        args,
		Labels: map[string]string{
			"managed-by": "orthorun",
			"tool.op":    args[0],
		},
	}

	binds := make([]string, 0, len(r.cfg.Mounts))
	for _, dir := range r.cfg.Mounts {
		binds = append(binds, dir+":"+dir)
	}
	hostConfig := &container.HostConfig{
		Binds: binds,
		Resources: container.Resources{
			NanoCPUs: int64(r.cfg.CPUs * 1e9),
		},
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	defer r.remove(resp.ID)

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	exitCode, err := r.waitForExit(ctx, resp.ID)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		stderr := r.stderr(ctx, resp.ID)
		if stderr != "" {
			return fmt.Errorf("container exited with code %d: %s", exitCode, stderr)
		}
		return fmt.Errorf("container exited with code %d", exitCode)
	}
	return nil
}

// Ready checks that the daemon responds and the image is present, pulling it if needed.
func (r *DockerRunner) Ready(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return apperrors.ToolNotFound("docker", err)
	}
	if err := r.pullImageIfNeeded(ctx); err != nil {
		return apperrors.ToolNotFound(r.cfg.Image, err)
	}
	return nil
}

// Close releases the client connection.
func (r *DockerRunner) Close() error {
	return r.client.Close()
}

func (r *DockerRunner) pullImageIfNeeded(ctx context.Context) error {
	if _, err := r.client.ImageInspect(ctx, r.cfg.Image); err == nil {
		return nil
	}

	return backoff.Retry(ctx, r.cfg.Pull, func(ctx context.Context, attempt int) error {
		r.logger.Info("Pulling image", "attempt", attempt)
		reader, err := r.client.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
		if err != nil {
			r.logger.Warn("Image pull failed", "attempt", attempt, "error", err)
			return err
		}
		defer reader.Close()

		_, err = io.Copy(io.Discard, reader)
		return err
	})
}

func (r *DockerRunner) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

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

// stderr returns the tail of the container's stderr stream.
func (r *DockerRunner) stderr(ctx context.Context, containerID string) string {
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		r.logger.Debug("Failed to get container logs", "error", err)
		return ""
	}
	defer logs.Close()

	var stderr tailBuffer
	if _, err := stdcopy.StdCopy(io.Discard, &stderr, logs); err != nil {
		r.logger.Debug("Failed to demultiplex container logs", "error", err)
	}
	return strings.TrimSpace(stderr.String())
}

// remove force-removes a container with a fresh context so cleanup runs after cancellation.
func (r *DockerRunner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("Failed to remove container", "container", containerID, "error", err)
	}
}
