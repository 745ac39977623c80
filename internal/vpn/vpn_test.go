package vpn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage6/node/internal/container"
	"github.com/vantage6/node/internal/nodeclient"
)

type fakeSidecarManager struct {
	started   []container.SidecarConfig
	execCalls int
	readyOn   int
}

func (f *fakeSidecarManager) StartSidecar(ctx context.Context, cfg container.SidecarConfig) (string, error) {
	f.started = append(f.started, cfg)
	return "vpn-container-1", nil
}

func (f *fakeSidecarManager) Exec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	f.execCalls++
	if f.execCalls >= f.readyOn {
		return "tun0 up", 0, nil
	}
	return "", 1, nil
}

func (f *fakeSidecarManager) InspectRunning(ctx context.Context, containerID string) (bool, error) {
	return true, nil
}

func TestManager_NilIsNoop(t *testing.T) {
	var m *Manager
	require.NoError(t, m.Start(context.Background(), "net1"))
	forwards, err := m.RequestPorts(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Nil(t, forwards)
	m.ReleasePorts(context.Background(), 1) // must not panic
}

func TestManager_StartWaitsForReadiness(t *testing.T) {
	fake := &fakeSidecarManager{readyOn: 1}
	m := New(fake, nodeclient.Noop{}, "node1", "vantage6/vpn:latest", t.TempDir())

	err := m.Start(context.Background(), "net1")
	require.NoError(t, err)
	assert.Len(t, fake.started, 1)
	assert.Equal(t, "vantage6-node1-vpn", fake.started[0].Name)
}

func TestManager_RequestPortsDelegatesToClient(t *testing.T) {
	fake := &fakeSidecarManager{readyOn: 1}
	client := nodeclient.Noop{}
	m := New(fake, client, "node1", "vantage6/vpn:latest", t.TempDir())

	forwards, err := m.RequestPorts(context.Background(), 5, 2)
	require.NoError(t, err)
	assert.Nil(t, forwards) // Noop client allocates nothing
}
