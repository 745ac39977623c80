// Package vpn manages the optional VPN client side-car that exposes
// per-task forwarded ports so algorithm containers can be reached from
// outside the node's private network.
package vpn

import (
	"context"
	"fmt"
	"time"

	"github.com/vantage6/node/internal/container"
	"github.com/vantage6/node/internal/log"
	"github.com/vantage6/node/internal/nodeclient"
)

const readinessCmd = "wg show 2>/dev/null || ip addr show tun0 2>/dev/null"

// Manager owns the VPN client side-car and brokers port requests through
// the node client. A nil *Manager is valid and treated as "VPN disabled" by
// every method.
type Manager struct {
	sidecar   container.SidecarManager
	client    nodeclient.Client
	nodeName  string
	image     string
	configDir string
	networkID string
	container string
}

// New returns a Manager for the node named nodeName.
func New(sidecar container.SidecarManager, client nodeclient.Client, nodeName, image, configDir string) *Manager {
	return &Manager{sidecar: sidecar, client: client, nodeName: nodeName, image: image, configDir: configDir}
}

func (m *Manager) containerName() string {
	return fmt.Sprintf("vantage6-%s-vpn", m.nodeName)
}

// Start launches the VPN client side-car attached to networkID and waits
// for its tunnel interface to come up.
func (m *Manager) Start(ctx context.Context, networkID string) error {
	if m == nil {
		return nil
	}
	m.networkID = networkID

	id, err := m.sidecar.StartSidecar(ctx, container.SidecarConfig{
		Image:         m.image,
		Name:          m.containerName(),
		Hostname:      "vpn",
		NetworkID:     networkID,
		RestartPolicy: "always",
		Mounts: []container.MountConfig{
			{Source: m.configDir, Target: "/etc/wireguard", ReadOnly: true},
		},
		Labels: map[string]string{container.LabelNode: m.nodeName},
	})
	if err != nil {
		return fmt.Errorf("starting vpn client: %w", err)
	}
	m.container = id

	return m.waitReady(ctx)
}

// waitReady polls the VPN container's tunnel interface for up to 30s.
func (m *Manager) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		_, exitCode, err := m.sidecar.Exec(ctx, m.container, []string{"sh", "-c", readinessCmd})
		if err == nil && exitCode == 0 {
			log.Info("vpn client ready", "container", m.container)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("vpn client did not become ready within 30s")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// RequestPorts asks the server to forward count ports for resultID before
// the algorithm container starts, so the port mapping can be baked into the
// container's own port bindings.
func (m *Manager) RequestPorts(ctx context.Context, resultID int, count int) ([]nodeclient.PortForward, error) {
	if m == nil || count == 0 {
		return nil, nil
	}
	forwards, err := m.client.RequestPorts(ctx, resultID, count)
	if err != nil {
		return nil, fmt.Errorf("requesting vpn ports for result %d: %w", resultID, err)
	}
	return forwards, nil
}

// ReleasePorts releases every port forward held for resultID. Failures are
// logged and swallowed: a stuck VPN port allocation on the server must
// never block the node from finishing task cleanup.
func (m *Manager) ReleasePorts(ctx context.Context, resultID int) {
	if m == nil {
		return
	}
	if err := m.client.ReleasePorts(ctx, resultID); err != nil {
		log.Warn("failed to release vpn ports", "result_id", resultID, "error", err)
	}
}

// Stop force-removes the VPN client container.
func (m *Manager) Stop(ctx context.Context, rt container.Runtime) error {
	if m == nil || m.container == "" {
		return nil
	}
	return rt.RemoveContainer(ctx, m.container)
}
