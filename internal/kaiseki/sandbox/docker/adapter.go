// Package docker provides a Docker Engine implementation of the sandbox
// container runtime.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"

	"github.com/wyf7685/kaiseki/common/retry"
	"github.com/wyf7685/kaiseki/internal/kaiseki/sandbox"
)

const (
	labelManagedBy = "kaiseki.managed-by"
	managedByValue = "kaiseki"

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second
)

// Adapter implements sandbox.ContainerRuntime using the Docker Engine API.
type Adapter struct {
	client *dockerclient.Client
}

// Ensure Adapter implements sandbox.ContainerRuntime.
var _ sandbox.ContainerRuntime = (*Adapter)(nil)

// New creates a Docker adapter. Uses the DOCKER_HOST env var or the default
// socket path.
func New() (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{client: cli}, nil
}

// Close releases the underlying Docker client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Launch creates and starts one sandbox container: scratch directory
// bind-mounted read-write, networking disabled, memory and CPU limits
// applied, auto-removed on stop.
func (a *Adapter) Launch(ctx context.Context, spec sandbox.LaunchSpec) (sandbox.Handle, error) {
	if spec.Image == "" {
		return sandbox.Handle{}, fmt.Errorf("spec.Image is required")
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		WorkingDir: sandbox.MountPath,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	}
	hostCfg := &container.HostConfig{
		Binds:       []string{spec.ScratchDir + ":" + sandbox.MountPath},
		NetworkMode: container.NetworkMode("none"),
		AutoRemove:  true,
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUShares: spec.CPUShares,
		},
	}

	// Container creation can hit transient daemon errors (socket hiccups,
	// name cleanup races with AutoRemove); retry those briefly. Image and
	// argument errors are permanent and fail on the first attempt.
	var resp container.CreateResponse
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		ShouldRetry: func(err error) bool {
			return !dockerclient.IsErrNotFound(err)
		},
	}, func() error {
		var createErr error
		resp, createErr = a.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
		return createErr
	})
	if err != nil {
		return sandbox.Handle{}, fmt.Errorf("create container: %w", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return sandbox.Handle{}, fmt.Errorf("start container: %w", err)
	}

	return sandbox.Handle{
		ID:              resp.ID,
		ScratchDir:      spec.ScratchDir,
		MemoryBytes:     spec.MemoryBytes,
		CPUShares:       spec.CPUShares,
		NetworkDisabled: true,
	}, nil
}

// Stop gracefully stops the sandbox container. The container is created
// with AutoRemove, so stopping also reaps it; a container that is already
// gone is not an error.
func (a *Adapter) Stop(ctx context.Context, h sandbox.Handle) error {
	timeout := int(stopTimeout.Seconds())
	if err := a.client.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", h.ID, err)
	}
	return nil
}
