// Package container wraps the Docker SDK with the operations the node needs
// to manage algorithm containers, the squid egress proxy, and the VPN
// side-car: create/start/stop/wait/remove, network attach/detach, image
// pulls, and registry logins.
package container

import (
	"context"
	"io"
	"time"
)

// Runtime is the interface for container lifecycle operations.
type Runtime interface {
	// Ping verifies the Docker daemon is accessible.
	Ping(ctx context.Context) error

	// CreateContainer creates a new container without starting it.
	// Returns the container ID.
	CreateContainer(ctx context.Context, cfg Config) (string, error)

	// StartContainer starts an existing container.
	StartContainer(ctx context.Context, id string) error

	// StopContainer stops a running container.
	StopContainer(ctx context.Context, id string) error

	// WaitContainer blocks until the container exits and returns the exit code.
	WaitContainer(ctx context.Context, id string) (int64, error)

	// RemoveContainer force-removes a container. Idempotent: a missing
	// container is not an error.
	RemoveContainer(ctx context.Context, id string) error

	// ContainerLogsAll returns all logs from a container (does not follow).
	ContainerLogsAll(ctx context.Context, id string) ([]byte, error)

	// ContainerState returns the state of a container ("running", "exited",
	// "created", etc). Returns ErrContainerNotFound if it doesn't exist.
	ContainerState(ctx context.Context, id string) (string, error)

	// ListContainersByLabel lists containers (running and stopped) that carry
	// the given label key/value pair.
	ListContainersByLabel(ctx context.Context, key, value string) ([]Info, error)

	// ListImages lists locally available images.
	ListImages(ctx context.Context) ([]ImageInfo, error)

	// EnsureVolume creates a named volume if it doesn't already exist.
	EnsureVolume(ctx context.Context, name string) error

	// RemoveVolume removes a named volume. Idempotent: a missing volume is
	// not an error.
	RemoveVolume(ctx context.Context, name string) error

	// RegistryLogin authenticates against a container registry so that
	// subsequent pulls from it succeed for private images.
	RegistryLogin(ctx context.Context, server, username, password string) error

	// NetworkManager returns the network manager.
	NetworkManager() NetworkManager

	// SidecarManager returns the sidecar manager, used for the squid proxy
	// and the VPN client side-car.
	SidecarManager() SidecarManager

	// Close releases client resources.
	Close() error
}

// NetworkManager handles Docker network operations for the node's private
// isolated network.
type NetworkManager interface {
	// EnsureNetwork creates the network if it doesn't exist and returns its ID.
	EnsureNetwork(ctx context.Context, name string) (string, error)

	// Connect attaches a container to the network under the given aliases.
	// Idempotent: already-connected is not an error.
	Connect(ctx context.Context, networkID, containerID string, aliases []string) error

	// Disconnect detaches a container from the network. Idempotent: a
	// container that isn't connected (or doesn't exist) is not an error.
	Disconnect(ctx context.Context, networkID, containerID string) error

	// ListMembers lists the IDs of containers currently attached to the
	// network.
	ListMembers(ctx context.Context, networkID string) ([]string, error)

	// RemoveNetwork removes a network by ID. Idempotent.
	RemoveNetwork(ctx context.Context, networkID string) error

	// ForceRemoveNetwork disconnects every remaining member and then removes
	// the network. Used during teardown when graceful disconnects may have
	// been skipped.
	ForceRemoveNetwork(ctx context.Context, networkID string) error
}

// SidecarManager starts long-running support containers (squid, VPN client)
// that are not algorithm containers but still need network attachment and
// lifecycle management.
type SidecarManager interface {
	// StartSidecar pulls (if needed), creates, and starts a sidecar container.
	// Returns the container ID.
	StartSidecar(ctx context.Context, cfg SidecarConfig) (string, error)

	// Exec runs a command inside a running container and returns its
	// combined output and exit code. Used for readiness checks.
	Exec(ctx context.Context, containerID string, cmd []string) (output string, exitCode int, err error)

	// InspectRunning reports whether a container is currently running.
	InspectRunning(ctx context.Context, containerID string) (bool, error)
}

// Config holds configuration for creating an algorithm container.
type Config struct {
	Name           string
	Image          string
	Cmd            []string
	Env            []string
	Labels         map[string]string
	Mounts         []MountConfig
	NetworkMode    string // network ID/name to join at create time, or "" for bridge
	NetworkAliases []string
	PortBindings   map[int]string // container port -> host bind address
	CapAdd         []string
	Privileged     bool
	RestartPolicy  string // "", "always", "on-failure", "unless-stopped"
	DeviceRequests []DeviceRequest
}

// DeviceRequest mirrors Docker's device request (used for GPU access).
// Count == -1 requests all available devices matching Capabilities.
type DeviceRequest struct {
	Count        int
	Capabilities [][]string
}

// SidecarConfig holds configuration for starting a sidecar container.
type SidecarConfig struct {
	Image          string
	Name           string
	Hostname       string
	NetworkID      string
	NetworkAliases []string
	Cmd            []string
	Env            []string
	Mounts         []MountConfig
	Labels         map[string]string
	RestartPolicy  string
}

// MountConfig describes a mount into a container. By default it's a host
// bind mount; set IsVolume to mount a named Docker volume instead (created
// ahead of time via Runtime.EnsureVolume).
type MountConfig struct {
	Source   string
	Target   string
	ReadOnly bool
	IsVolume bool
}

// ImageInfo describes a locally available image.
type ImageInfo struct {
	ID      string
	Tag     string
	Created time.Time
}

// Info describes a container returned by a label query.
type Info struct {
	ID      string
	Name    string
	Image   string
	Status  string
	Created time.Time
}

// LogReader is a convenience alias used by callers that stream logs.
type LogReader = io.ReadCloser
