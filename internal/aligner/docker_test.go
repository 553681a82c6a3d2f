package aligner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"orthorun/internal/apperrors"
	"orthorun/pkg/backoff"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocker records calls against an in-memory daemon.
type fakeDocker struct {
	mu         sync.Mutex
	created    []*container.Config
	hostConfig []*container.HostConfig
	removed    []string
	pulls      int

	exitCode   int64
	stderr     string
	pingErr    error
	hasImage   bool
	pullErrors int
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, config)
	f.hostConfig = append(f.hostConfig, hostConfig)
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, make(chan error)
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("progress\n"))
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDocker) ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error) {
	if f.hasImage {
		return image.InspectResponse{ID: imageID}, nil
	}
	return image.InspectResponse{}, errors.New("no such image")
}

func (f *fakeDocker) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pulls <= f.pullErrors {
		return nil, errors.New("registry unavailable")
	}
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"done"}`))), nil
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDocker) Close() error { return nil }

func testDockerRunner(api *fakeDocker) *DockerRunner {
	return newDockerRunner(api, DockerConfig{
		Image:  "mmseqs:test",
		Mounts: []string{"/work"},
		Pull:   &backoff.Config{Initial: time.Millisecond, Attempts: 3},
	})
}

func TestDockerRunner_Run(t *testing.T) {
	t.Parallel()
	api := &fakeDocker{}
	r := testDockerRunner(api)

	require.NoError(t, r.Run(context.Background(), []string{"createdb", "/work/A.fa", "/work/db/A.db"}))

	require.Len(t, api.created, 1)
	assert.Equal(t, "mmseqs:test", api.created[0].Image)
	assert.Equal(t, []string{"mmseqs"}, []string(api.created[0].Entrypoint))
	assert.Equal(t, []string{"createdb", "/work/A.fa", "/work/db/A.db"}, []string(api.created[0].Cmd))
	assert.Equal(t, "createdb", api.created[0].Labels["tool.op"])
	assert.Equal(t, []string{"/work:/work"}, api.hostConfig[0].Binds)
	assert.Equal(t, []string{"c1"}, api.removed, "container must be removed")
}

func TestDockerRunner_NonZeroExitIncludesStderr(t *testing.T) {
	t.Parallel()
	api := &fakeDocker{exitCode: 1, stderr: "Input database does not exist\n"}
	r := testDockerRunner(api)

	err := r.Run(context.Background(), []string{"search"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 1")
	assert.Contains(t, err.Error(), "Input database does not exist")
	assert.NotContains(t, err.Error(), "progress")
	assert.Equal(t, []string{"c1"}, api.removed)
}

func TestDockerRunner_ReadyPullsMissingImage(t *testing.T) {
	t.Parallel()
	api := &fakeDocker{pullErrors: 2}
	r := testDockerRunner(api)

	require.NoError(t, r.Ready(context.Background()))
	assert.Equal(t, 3, api.pulls)
}

func TestDockerRunner_ReadyImagePresent(t *testing.T) {
	t.Parallel()
	api := &fakeDocker{hasImage: true}
	r := testDockerRunner(api)

	require.NoError(t, r.Ready(context.Background()))
	assert.Equal(t, 0, api.pulls)
}

func TestDockerRunner_ReadyFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		api  *fakeDocker
	}{
		{"daemon unreachable", &fakeDocker{pingErr: errors.New("connection refused")}},
		{"pull exhausted", &fakeDocker{pullErrors: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := testDockerRunner(tt.api).Ready(context.Background())
			assert.ErrorIs(t, err, apperrors.ErrToolNotFound)
		})
	}
}

func TestNewDockerRunner_RequiresImage(t *testing.T) {
	t.Parallel()
	_, err := NewDockerRunner(DockerConfig{})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}
