package container

import (
	"bytes"
	"context"
	"fmt"
	"io"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/vantage6/node/internal/log"
)

// dockerSidecarManager implements SidecarManager for the squid proxy and
// VPN client side-cars: containers the node owns but that never run
// algorithm code.
type dockerSidecarManager struct {
	cli *client.Client
}

// StartSidecar pulls, creates, and starts a sidecar container, removing any
// stale container of the same name first (mirrors the original's
// remove_container_if_exists before Squid.start()).
func (m *dockerSidecarManager) StartSidecar(ctx context.Context, cfg SidecarConfig) (string, error) {
	if cfg.Image == "" || cfg.Name == "" {
		return "", fmt.Errorf("sidecar image and name are required")
	}

	if err := m.ensureImage(ctx, cfg.Image); err != nil {
		return "", fmt.Errorf("pulling sidecar image: %w", err)
	}

	_ = m.cli.ContainerRemove(ctx, cfg.Name, dockercontainer.RemoveOptions{Force: true})

	mounts := make([]mount.Mount, len(cfg.Mounts))
	for i, mt := range cfg.Mounts {
		mounts[i] = mount.Mount{Type: mount.TypeBind, Source: mt.Source, Target: mt.Target, ReadOnly: mt.ReadOnly}
	}

	var restartPolicy dockercontainer.RestartPolicy
	if cfg.RestartPolicy != "" {
		restartPolicy = dockercontainer.RestartPolicy{Name: dockercontainer.RestartPolicyMode(cfg.RestartPolicy)}
	}

	var netConfig *network.NetworkingConfig
	if cfg.NetworkID != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				cfg.NetworkID: {Aliases: cfg.NetworkAliases},
			},
		}
	}

	resp, err := m.cli.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image:    cfg.Image,
			Cmd:      cfg.Cmd,
			Hostname: cfg.Hostname,
			Labels:   cfg.Labels,
			Env:      cfg.Env,
		},
		&dockercontainer.HostConfig{
			Mounts:        mounts,
			NetworkMode:   dockercontainer.NetworkMode(cfg.NetworkID),
			RestartPolicy: restartPolicy,
		},
		netConfig,
		nil,
		cfg.Name,
	)
	if err != nil {
		return "", fmt.Errorf("creating sidecar container %s: %w", cfg.Name, err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return "", fmt.Errorf("starting sidecar container %s: %w", cfg.Name, err)
	}
	return resp.ID, nil
}

// Exec runs a command inside a running container and returns its combined
// output and exit code, used for the VPN client's readiness probe.
func (m *dockerSidecarManager) Exec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	execResp, err := m.cli.ContainerExecCreate(ctx, containerID, dockercontainer.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("creating exec: %w", err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("attaching to exec: %w", err)
	}
	defer attachResp.Close()

	var out bytes.Buffer
	_, _ = io.Copy(&out, attachResp.Reader)

	inspect, err := m.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", 0, fmt.Errorf("inspecting exec: %w", err)
	}
	return out.String(), inspect.ExitCode, nil
}

// InspectRunning reports whether a container is currently running.
func (m *dockerSidecarManager) InspectRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, fmt.Errorf("inspecting container %s: %w", containerID, err)
	}
	return inspect.State.Running, nil
}

func (m *dockerSidecarManager) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := m.cli.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}

	log.Info("pulling sidecar image", "image", imageName)
	reader, err := m.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}
