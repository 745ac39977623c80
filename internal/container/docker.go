package container

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"context"

	"github.com/containerd/errdefs"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/vantage6/node/internal/log"
)

// ErrContainerNotFound is returned by ContainerState when the container
// doesn't exist on the daemon.
var ErrContainerNotFound = errors.New("container not found")

// DockerRuntime implements Runtime against a local or remote Docker daemon.
type DockerRuntime struct {
	cli        *client.Client
	networkMgr *dockerNetworkManager
	sidecarMgr *dockerSidecarManager
}

// NewDockerRuntime creates a new Docker runtime from the environment
// (DOCKER_HOST, DOCKER_CERT_PATH, etc), negotiating the API version with
// the daemon.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	r := &DockerRuntime{cli: cli}
	r.networkMgr = &dockerNetworkManager{cli: cli}
	r.sidecarMgr = &dockerSidecarManager{cli: cli}
	return r, nil
}

func (r *DockerRuntime) NetworkManager() NetworkManager { return r.networkMgr }
func (r *DockerRuntime) SidecarManager() SidecarManager { return r.sidecarMgr }

func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// CreateContainer creates an algorithm (or sidecar-like) container from cfg.
func (r *DockerRuntime) CreateContainer(ctx context.Context, cfg Config) (string, error) {
	if err := r.ensureImage(ctx, cfg.Image); err != nil {
		return "", err
	}

	hostMounts := toDockerMounts(cfg.Mounts)

	networkMode := dockercontainer.NetworkMode(cfg.NetworkMode)
	if cfg.NetworkMode == "" {
		networkMode = "bridge"
	}

	var exposedPorts nat.PortSet
	var portBindings nat.PortMap
	if len(cfg.PortBindings) > 0 {
		exposedPorts = make(nat.PortSet)
		portBindings = make(nat.PortMap)
		for containerPort, hostIP := range cfg.PortBindings {
			port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
			exposedPorts[port] = struct{}{}
			portBindings[port] = []nat.PortBinding{{HostIP: hostIP, HostPort: ""}}
		}
	}

	var deviceRequests []dockercontainer.DeviceRequest
	for _, dr := range cfg.DeviceRequests {
		deviceRequests = append(deviceRequests, dockercontainer.DeviceRequest{
			Count:        dr.Count,
			Capabilities: dr.Capabilities,
		})
	}

	var restartPolicy dockercontainer.RestartPolicy
	if cfg.RestartPolicy != "" {
		restartPolicy = dockercontainer.RestartPolicy{Name: dockercontainer.RestartPolicyMode(cfg.RestartPolicy)}
	}

	var netConfig *network.NetworkingConfig
	if len(cfg.NetworkAliases) > 0 && cfg.NetworkMode != "" && cfg.NetworkMode != "bridge" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				cfg.NetworkMode: {Aliases: cfg.NetworkAliases},
			},
		}
	}

	resp, err := r.cli.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image:        cfg.Image,
			Cmd:          cfg.Cmd,
			Env:          cfg.Env,
			Labels:       cfg.Labels,
			ExposedPorts: exposedPorts,
		},
		&dockercontainer.HostConfig{
			Mounts:        hostMounts,
			NetworkMode:   networkMode,
			PortBindings:  portBindings,
			CapAdd:        cfg.CapAdd,
			Privileged:    cfg.Privileged,
			RestartPolicy: restartPolicy,
			Resources: dockercontainer.Resources{
				DeviceRequests: deviceRequests,
			},
		},
		netConfig,
		nil,
		cfg.Name,
	)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	return resp.ID, nil
}

func toDockerMounts(mounts []MountConfig) []mount.Mount {
	out := make([]mount.Mount, len(mounts))
	for i, m := range mounts {
		mountType := mount.TypeBind
		if m.IsVolume {
			mountType = mount.TypeVolume
		}
		out[i] = mount.Mount{
			Type:     mountType,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		}
	}
	return out
}

func (r *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) StopContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerStop(ctx, id, dockercontainer.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) WaitContainer(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, id, dockercontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container: %w", err)
	case status := <-statusCh:
		return status.StatusCode, nil
	}
}

func (r *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// ContainerLogsAll returns all logs from a container (does not follow), with
// Docker's multiplexed stdout/stderr framing stripped.
func (r *DockerRuntime) ContainerLogsAll(ctx context.Context, id string) ([]byte, error) {
	reader, err := r.cli.ContainerLogs(ctx, id, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("getting container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return nil, fmt.Errorf("demuxing logs: %w", err)
	}
	return append(stdout.Bytes(), stderr.Bytes()...), nil
}

func (r *DockerRuntime) ContainerState(ctx context.Context, id string) (string, error) {
	inspect, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", ErrContainerNotFound
		}
		return "", fmt.Errorf("inspecting container: %w", err)
	}
	return inspect.State.Status, nil
}

// ListContainersByLabel lists all containers, running or not, carrying the
// given label key=value. This is the source of truth for duplicate-task
// detection, not the in-memory registry, since the registry is lost on
// restart but the container isn't.
func (r *DockerRuntime) ListContainersByLabel(ctx context.Context, key, value string) ([]Info, error) {
	args := filters.NewArgs()
	args.Add("label", key+"="+value)
	containers, err := r.cli.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	var result []Info
	for _, c := range containers {
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		result = append(result, Info{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			Status:  c.State,
			Created: time.Unix(c.Created, 0),
		})
	}
	return result, nil
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func (r *DockerRuntime) ListImages(ctx context.Context) ([]ImageInfo, error) {
	images, err := r.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	result := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		tag := ""
		if len(img.RepoTags) > 0 {
			tag = img.RepoTags[0]
		}
		result = append(result, ImageInfo{ID: img.ID, Tag: tag, Created: time.Unix(img.Created, 0)})
	}
	return result, nil
}

// EnsureVolume creates a named volume if it doesn't already exist, mirroring
// the original's idempotent create_volume() helper.
func (r *DockerRuntime) EnsureVolume(ctx context.Context, name string) error {
	if _, err := r.cli.VolumeInspect(ctx, name); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting volume %s: %w", name, err)
	}

	if _, err := r.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("creating volume %s: %w", name, err)
	}
	return nil
}

// RemoveVolume removes a named volume, tolerating one that's already gone.
func (r *DockerRuntime) RemoveVolume(ctx context.Context, name string) error {
	if err := r.cli.VolumeRemove(ctx, name, true); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing volume %s: %w", name, err)
	}
	return nil
}

// RegistryLogin authenticates against a registry so subsequent pulls of
// private images from it succeed.
func (r *DockerRuntime) RegistryLogin(ctx context.Context, server, username, password string) error {
	_, err := r.cli.RegistryLogin(ctx, registry.AuthConfig{
		ServerAddress: server,
		Username:      username,
		Password:      password,
	})
	if err != nil {
		return fmt.Errorf("logging in to registry %s: %w", server, err)
	}
	return nil
}

// ensureImage pulls an image if it isn't present locally.
func (r *DockerRuntime) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", imageName, err)
	}

	log.Info("pulling image", "image", imageName)
	reader, err := r.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// pullIfNewer re-pulls imageName and reports whether the pull changed the
// local image ID (or fetched an image that was not present before). Nothing
// in this module calls it: sidecars, the squid proxy included, go through
// dockerSidecarManager.ensureImage, which pulls only a missing image.
func (r *DockerRuntime) pullIfNewer(ctx context.Context, imageName string) (bool, error) {
	before, _, beforeErr := r.cli.ImageInspectWithRaw(ctx, imageName)

	reader, err := r.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return false, fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)

	after, _, err := r.cli.ImageInspectWithRaw(ctx, imageName)
	if err != nil {
		return false, fmt.Errorf("inspecting image %s after pull: %w", imageName, err)
	}
	if beforeErr != nil {
		return true, nil
	}
	return before.ID != after.ID, nil
}
