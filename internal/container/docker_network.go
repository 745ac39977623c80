package container

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// dockerNetworkManager implements NetworkManager against a single private
// bridge network per node, the isolated network every algorithm container,
// the squid proxy, and the VPN client attach to.
type dockerNetworkManager struct {
	cli *client.Client
}

// EnsureNetwork creates the network if it doesn't already exist.
func (m *dockerNetworkManager) EnsureNetwork(ctx context.Context, name string) (string, error) {
	existing, err := m.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return existing.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspecting network %s: %w", name, err)
	}

	resp, err := m.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     "bridge",
		Internal:   false,
		Attachable: true,
	})
	if err != nil {
		return "", fmt.Errorf("creating network %s: %w", name, err)
	}
	return resp.ID, nil
}

// Connect attaches a container to the network under the given aliases.
// Idempotent: "already attached" is not an error, mirroring the teacher's
// RemoveNetwork tolerance for conflict/not-found responses.
func (m *dockerNetworkManager) Connect(ctx context.Context, networkID, containerID string, aliases []string) error {
	err := m.cli.NetworkConnect(ctx, networkID, containerID, &network.EndpointSettings{
		Aliases: aliases,
	})
	if err != nil {
		if errdefs.IsConflict(err) || strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("connecting container %s to network: %w", containerID, err)
	}
	return nil
}

// Disconnect detaches a container from the network. Idempotent.
func (m *dockerNetworkManager) Disconnect(ctx context.Context, networkID, containerID string) error {
	err := m.cli.NetworkDisconnect(ctx, networkID, containerID, true)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("disconnecting container %s from network: %w", containerID, err)
	}
	return nil
}

// ListMembers lists the container IDs currently attached to the network.
func (m *dockerNetworkManager) ListMembers(ctx context.Context, networkID string) ([]string, error) {
	inspect, err := m.cli.NetworkInspect(ctx, networkID, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspecting network %s: %w", networkID, err)
	}
	members := make([]string, 0, len(inspect.Containers))
	for id := range inspect.Containers {
		members = append(members, id)
	}
	return members, nil
}

// RemoveNetwork removes a network by ID. Best-effort: a network that's
// already gone, or one Docker reports a conflict for, is not an error -
// during teardown races this happens routinely.
func (m *dockerNetworkManager) RemoveNetwork(ctx context.Context, networkID string) error {
	err := m.cli.NetworkRemove(ctx, networkID)
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
			return nil
		}
		if strings.Contains(err.Error(), "active endpoints") {
			return nil
		}
		return fmt.Errorf("removing network %s: %w", networkID, err)
	}
	return nil
}

// ForceRemoveNetwork disconnects every remaining member before removing the
// network, used as the kill_containers=True path in the original teardown.
func (m *dockerNetworkManager) ForceRemoveNetwork(ctx context.Context, networkID string) error {
	members, err := m.ListMembers(ctx, networkID)
	if err != nil {
		return err
	}
	for _, id := range members {
		if err := m.Disconnect(ctx, networkID, id); err != nil {
			return fmt.Errorf("force-disconnecting %s: %w", id, err)
		}
	}
	return m.RemoveNetwork(ctx, networkID)
}
