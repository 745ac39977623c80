// Package network manages the node's private isolated bridge network, the
// one network algorithm containers, the squid proxy, the VPN client, and
// the node's own container all share.
package network

import (
	"context"
	"fmt"

	"github.com/vantage6/node/internal/container"
	"github.com/vantage6/node/internal/log"
)

// Manager owns the lifecycle of the node's single private network.
type Manager struct {
	mgr  container.NetworkManager
	name string
	id   string
}

// New returns a Manager for the network named name. Call Ensure before
// using Connect/Disconnect.
func New(mgr container.NetworkManager, name string) *Manager {
	return &Manager{mgr: mgr, name: name}
}

// Ensure creates the network if it doesn't exist and caches its ID.
func (m *Manager) Ensure(ctx context.Context) (string, error) {
	id, err := m.mgr.EnsureNetwork(ctx, m.name)
	if err != nil {
		return "", fmt.Errorf("ensuring network %s: %w", m.name, err)
	}
	m.id = id
	return id, nil
}

// ID returns the cached network ID. Empty until Ensure has been called.
func (m *Manager) ID() string {
	return m.id
}

// Connect attaches a container to the network under the given aliases.
func (m *Manager) Connect(ctx context.Context, containerID string, aliases []string) error {
	if m.id == "" {
		return fmt.Errorf("network %s not initialized, call Ensure first", m.name)
	}
	if err := m.mgr.Connect(ctx, m.id, containerID, aliases); err != nil {
		return err
	}
	log.Debug("connected container to network", "container", containerID, "network", m.name, "aliases", aliases)
	return nil
}

// Disconnect detaches a container from the network.
func (m *Manager) Disconnect(ctx context.Context, containerID string) error {
	if m.id == "" {
		return nil
	}
	if err := m.mgr.Disconnect(ctx, m.id, containerID); err != nil {
		return err
	}
	log.Debug("disconnected container from network", "container", containerID, "network", m.name)
	return nil
}

// Teardown removes the network. When force is true, every remaining member
// is disconnected first - the path used when the node shuts down with
// tasks still attached.
func (m *Manager) Teardown(ctx context.Context, force bool) error {
	if m.id == "" {
		return nil
	}
	if force {
		return m.mgr.ForceRemoveNetwork(ctx, m.id)
	}
	return m.mgr.RemoveNetwork(ctx, m.id)
}
