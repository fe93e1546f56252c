package runtime

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/baton-sh/conductor/pkg/errdefs"
	"github.com/baton-sh/conductor/pkg/log"
	"github.com/baton-sh/conductor/pkg/types"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace for conductor-managed
	// containers
	DefaultNamespace = "conductor"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// stopTimeout is how long a task gets to exit after SIGTERM before
	// SIGKILL
	stopTimeout = 10 * time.Second
)

// managed tracks what the runtime knows about a deployed service
type managed struct {
	containerID string
	image       string
	env         []string
	mounts      []*types.VolumeMount
	startedAt   time.Time
}

// ContainerdRuntime implements Runtime on containerd. Container ids
// are derived from service names, so a service maps to exactly one
// container in the namespace.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger

	mu       sync.Mutex
	services map[string]*managed
}

// NewContainerdRuntime creates a containerd-backed runtime
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
		logger:    log.WithComponent("runtime"),
		services:  make(map[string]*managed),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) containerID(serviceName string) string {
	return "conductor-" + serviceName
}

// Deploy pulls the image, replaces any previous container for the
// service, and starts a fresh one.
func (r *ContainerdRuntime) Deploy(ctx context.Context, serviceName string, cfg *types.DeployConfig) error {
	if cfg == nil || cfg.Image == "" {
		return errdefs.Validationf("deploy of %s requires an image", serviceName)
	}

	ctx = namespaces.WithNamespace(ctx, r.namespace)
	id := r.containerID(serviceName)

	if err := r.pullImage(ctx, cfg.Image); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrRuntime, err)
	}

	// Replace whatever was there before
	if err := r.deleteContainer(ctx, id); err != nil {
		return fmt.Errorf("%w: failed to remove previous container for %s: %v", errdefs.ErrRuntime, serviceName, err)
	}

	if err := r.createAndStart(ctx, id, cfg); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrRuntime, err)
	}

	r.mu.Lock()
	r.services[serviceName] = &managed{
		containerID: id,
		image:       cfg.Image,
		env:         cfg.Env,
		mounts:      cfg.Mounts,
		startedAt:   time.Now(),
	}
	r.mu.Unlock()

	r.logger.Info().Str("service", serviceName).Str("image", cfg.Image).Msg("service deployed")
	return nil
}

// Stop stops the service's container, leaving it and its snapshot in
// place for a restart.
func (r *ContainerdRuntime) Stop(ctx context.Context, serviceName string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if err := r.stopTask(ctx, r.containerID(serviceName)); err != nil {
		return fmt.Errorf("%w: failed to stop %s: %v", errdefs.ErrRuntime, serviceName, err)
	}

	r.logger.Info().Str("service", serviceName).Msg("service stopped")
	return nil
}

// Restart stops the service's container and starts a new task from it
func (r *ContainerdRuntime) Restart(ctx context.Context, serviceName string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	id := r.containerID(serviceName)

	if err := r.stopTask(ctx, id); err != nil {
		return fmt.Errorf("%w: failed to stop %s for restart: %v", errdefs.ErrRuntime, serviceName, err)
	}
	if err := r.startTask(ctx, id); err != nil {
		return fmt.Errorf("%w: failed to restart %s: %v", errdefs.ErrRuntime, serviceName, err)
	}

	r.mu.Lock()
	if m, ok := r.services[serviceName]; ok {
		m.startedAt = time.Now()
	}
	r.mu.Unlock()

	r.logger.Info().Str("service", serviceName).Msg("service restarted")
	return nil
}

// Update replaces the service's container with one built from cfg,
// falling back to the current image when cfg carries none.
func (r *ContainerdRuntime) Update(ctx context.Context, serviceName string, cfg *types.DeployConfig) error {
	if cfg == nil {
		cfg = &types.DeployConfig{}
	}
	if cfg.Image == "" {
		r.mu.Lock()
		m, ok := r.services[serviceName]
		if ok {
			cfg.Image = m.image
		}
		r.mu.Unlock()
		if cfg.Image == "" {
			return errdefs.Validationf("update of %s has no image and none is recorded", serviceName)
		}
	}
	return r.Deploy(ctx, serviceName, cfg)
}

// Remove stops and deletes the service's container and snapshot
func (r *ContainerdRuntime) Remove(ctx context.Context, serviceName string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if err := r.deleteContainer(ctx, r.containerID(serviceName)); err != nil {
		return fmt.Errorf("%w: failed to remove %s: %v", errdefs.ErrRuntime, serviceName, err)
	}

	r.mu.Lock()
	delete(r.services, serviceName)
	r.mu.Unlock()

	r.logger.Info().Str("service", serviceName).Msg("service removed")
	return nil
}

// Inspect reports the current state of the service's container
func (r *ContainerdRuntime) Inspect(ctx context.Context, serviceName string) (*types.ContainerInfo, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	id := r.containerID(serviceName)

	r.mu.Lock()
	m, tracked := r.services[serviceName]
	r.mu.Unlock()

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, errdefs.NotFoundf("no container for service %s", serviceName)
	}

	info := &types.ContainerInfo{
		ServiceName: serviceName,
		ContainerID: container.ID(),
		State:       types.ContainerStateUnknown,
	}
	if tracked {
		info.Image = m.image
		info.StartedAt = m.startedAt
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		info.State = types.ContainerStateStopped
		return info, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return info, nil
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		info.State = types.ContainerStateRunning
	case containerd.Stopped, containerd.Created:
		info.State = types.ContainerStateStopped
	}
	return info, nil
}

func (r *ContainerdRuntime) pullImage(ctx context.Context, imageRef string) error {
	_, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

func (r *ContainerdRuntime) createAndStart(ctx context.Context, id string, cfg *types.DeployConfig) error {
	image, err := r.client.GetImage(ctx, cfg.Image)
	if err != nil {
		return fmt.Errorf("failed to get image %s: %w", cfg.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(cfg.Env),
	}
	if len(cfg.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(ociMounts(cfg.Mounts)))
	}

	container, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(cfg.Labels),
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

func (r *ContainerdRuntime) startTask(ctx context.Context, id string) error {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// stopTask sends SIGTERM, waits up to stopTimeout, then escalates to
// SIGKILL, and deletes the task. A missing container or task is not an
// error.
func (r *ContainerdRuntime) stopTask(ctx context.Context, id string) error {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (container not running)
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
		// Task exited
	case <-stopCtx.Done():
		// Timeout - force kill (SIGKILL)
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (r *ContainerdRuntime) deleteContainer(ctx context.Context, id string) error {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		// Container might not exist
		return nil
	}

	if err := r.stopTask(ctx, id); err != nil {
		r.logger.Warn().Err(err).Str("container", id).Msg("failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

func ociMounts(mounts []*types.VolumeMount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		options := []string{"rbind"}
		if m.ReadOnly {
			options = append(options, "ro")
		}
		out = append(out, specs.Mount{
			Source:      m.Source,
			Destination: m.Target,
			Type:        "bind",
			Options:     options,
		})
	}
	return out
}
