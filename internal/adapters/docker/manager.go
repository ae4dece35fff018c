package docker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	managedLabel = "sceneforge.managed"
	jobLabel     = "sceneforge.render_id"
	namePrefix   = "sceneforge-render-"
)

// ContainerSpec is a one-shot render container.
type ContainerSpec struct {
	RenderID     string
	Image        string
	Args         []string
	WorkspaceDir string // bind-mounted at /workspace
}

// ContainerState is the part of an inspect result the composer needs.
type ContainerState struct {
	Running   bool
	ExitCode  int
	OOMKilled bool
	Error     string
}

// Runtime is the container engine used by the composer.
type Runtime interface {
	Run(ctx context.Context, spec ContainerSpec) error
	Inspect(ctx context.Context, renderID string) (ContainerState, error)
	Remove(ctx context.Context, renderID string) error
	ListExited(ctx context.Context) ([]string, error)
}

// ErrContainerNotFound is returned by Inspect when the container is gone.
var ErrContainerNotFound = errors.New("render container not found")

type Manager struct {
	cli *client.Client
}

var _ Runtime = (*Manager)(nil)

// NewManager creates a new Docker manager
func NewManager() (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Manager{cli: cli}, nil
}

func (m *Manager) Close() error {
	return m.cli.Close()
}

// Run creates and starts the render container, pulling the image when missing.
func (m *Manager) Run(ctx context.Context, spec ContainerSpec) error {
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Args,
		WorkingDir:   "/workspace",
		Tty:          false,
		OpenStdin:    false,
		AttachStdout: false,
		AttachStderr: false,
		Labels: map[string]string{
			managedLabel: "true",
			jobLabel:     spec.RenderID,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.WorkspaceDir,
				Target: "/workspace",
			},
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=256m",
		},
	}

	name := namePrefix + spec.RenderID
	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := m.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
		if pullErr != nil {
			return fmt.Errorf("failed to pull image %s: %w", spec.Image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = m.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (m *Manager) Inspect(ctx context.Context, renderID string) (ContainerState, error) {
	inspect, err := m.cli.ContainerInspect(ctx, namePrefix+renderID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, ErrContainerNotFound
		}
		return ContainerState{}, err
	}
	if inspect.State == nil {
		return ContainerState{}, fmt.Errorf("container %s has no state", renderID)
	}
	return ContainerState{
		Running:   inspect.State.Running || inspect.State.Restarting,
		ExitCode:  inspect.State.ExitCode,
		OOMKilled: inspect.State.OOMKilled,
		Error:     inspect.State.Error,
	}, nil
}

// Remove force-removes the container (Stop + Remove).
func (m *Manager) Remove(ctx context.Context, renderID string) error {
	err := m.cli.ContainerRemove(ctx, namePrefix+renderID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// ListExited returns the render ids of finished containers still on the host.
func (m *Manager) ListExited(ctx context.Context) ([]string, error) {
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: makeFilters(map[string]string{
			"label":  managedLabel + "=true",
			"status": "exited",
		}),
	})
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, c := range containers {
		if id := c.Labels[jobLabel]; id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Helper to construct list filters
func makeFilters(m map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range m {
		args.Add(k, v)
	}
	return args
}
