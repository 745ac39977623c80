package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage6/node/internal/container"
	"github.com/vantage6/node/internal/taskstatus"
)

type fakeNetworkManager struct {
	connected    map[string]bool
	disconnected map[string]bool
	connectErr   error
}

func newFakeNetworkManager() *fakeNetworkManager {
	return &fakeNetworkManager{connected: map[string]bool{}, disconnected: map[string]bool{}}
}

func (f *fakeNetworkManager) EnsureNetwork(ctx context.Context, name string) (string, error) {
	return "net-" + name, nil
}
func (f *fakeNetworkManager) Connect(ctx context.Context, networkID, containerID string, aliases []string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected[containerID] = true
	return nil
}
func (f *fakeNetworkManager) Disconnect(ctx context.Context, networkID, containerID string) error {
	f.disconnected[containerID] = true
	return nil
}
func (f *fakeNetworkManager) ListMembers(ctx context.Context, networkID string) ([]string, error) {
	return nil, nil
}
func (f *fakeNetworkManager) RemoveNetwork(ctx context.Context, networkID string) error { return nil }
func (f *fakeNetworkManager) ForceRemoveNetwork(ctx context.Context, networkID string) error {
	return nil
}

type fakeRuntime struct {
	createErr    error
	startErr     error
	waitCode     int64
	containerID  string
	states       map[string]string
	removed      map[string]bool
	stopped      map[string]bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containerID: "container-1",
		states:      map[string]string{},
		removed:     map[string]bool{},
		stopped:     map[string]bool{},
	}
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }
func (f *fakeRuntime) CreateContainer(ctx context.Context, cfg container.Config) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.containerID, nil
}
func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.states[id] = "running"
	return nil
}
func (f *fakeRuntime) StopContainer(ctx context.Context, id string) error {
	f.stopped[id] = true
	return nil
}
func (f *fakeRuntime) WaitContainer(ctx context.Context, id string) (int64, error) {
	return f.waitCode, nil
}
func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.removed[id] = true
	return nil
}
func (f *fakeRuntime) ContainerLogsAll(ctx context.Context, id string) ([]byte, error) {
	return []byte("log output"), nil
}
func (f *fakeRuntime) ContainerState(ctx context.Context, id string) (string, error) {
	state, ok := f.states[id]
	if !ok {
		return "", container.ErrContainerNotFound
	}
	return state, nil
}
func (f *fakeRuntime) ListContainersByLabel(ctx context.Context, key, value string) ([]container.Info, error) {
	return nil, nil
}
func (f *fakeRuntime) ListImages(ctx context.Context) ([]container.ImageInfo, error) { return nil, nil }
func (f *fakeRuntime) EnsureVolume(ctx context.Context, name string) error           { return nil }
func (f *fakeRuntime) RemoveVolume(ctx context.Context, name string) error           { return nil }
func (f *fakeRuntime) RegistryLogin(ctx context.Context, server, username, password string) error {
	return nil
}
func (f *fakeRuntime) NetworkManager() container.NetworkManager { return nil }
func (f *fakeRuntime) SidecarManager() container.SidecarManager { return nil }
func (f *fakeRuntime) Close() error                             { return nil }

func TestRunner_StartWritesInputAndConnectsNetwork(t *testing.T) {
	rt := newFakeRuntime()
	net := newFakeNetworkManager()
	spec := Spec{
		ResultID:  7,
		NodeName:  "node1",
		Image:     "algorithm:latest",
		Input:     []byte("hello"),
		NetworkID: "net-abc",
		TasksDir:  t.TempDir(),
	}
	r := New(rt, net, spec)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, r.Start(ctx))
	input, err := os.ReadFile(filepath.Join(spec.TasksDir, "result-7", "input"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), input)
	assert.True(t, net.connected[rt.containerID])
	assert.Equal(t, "running", rt.states[rt.containerID])
}

func TestRunner_StartClassifiesPermanentImageError(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErr = errors.New("No such image: bogus:latest")
	net := newFakeNetworkManager()
	spec := Spec{ResultID: 1, NodeName: "node1", Image: "bogus:latest", TasksDir: t.TempDir()}
	r := New(rt, net, spec)

	err := r.Start(context.Background())
	require.Error(t, err)
	var permErr *PermanentStartFailError
	assert.ErrorAs(t, err, &permErr)
}

func TestRunner_StartClassifiesTransientError(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErr = errors.New("connection reset by peer")
	net := newFakeNetworkManager()
	spec := Spec{ResultID: 1, NodeName: "node1", Image: "algorithm:latest", TasksDir: t.TempDir()}
	r := New(rt, net, spec)

	err := r.Start(context.Background())
	require.Error(t, err)
	var transientErr *UnknownStartFailError
	assert.ErrorAs(t, err, &transientErr)
}

func TestRunner_ExitStatusMapsExitCode(t *testing.T) {
	rt := newFakeRuntime()
	net := newFakeNetworkManager()
	spec := Spec{ResultID: 1, NodeName: "node1", Image: "algorithm:latest", TasksDir: t.TempDir()}
	r := New(rt, net, spec)
	require.NoError(t, r.Start(context.Background()))

	rt.waitCode = 0
	status, err := r.ExitStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, taskstatus.Completed, status)

	rt.waitCode = 1
	status, err = r.ExitStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, taskstatus.Failed, status)
}

func TestRunner_CleanupIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	net := newFakeNetworkManager()
	spec := Spec{ResultID: 1, NodeName: "node1", Image: "algorithm:latest", TasksDir: t.TempDir()}
	r := New(rt, net, spec)
	require.NoError(t, r.Start(context.Background()))

	require.NoError(t, r.Cleanup(context.Background()))
	require.NoError(t, r.Cleanup(context.Background()))
	assert.True(t, rt.stopped[rt.containerID])
	assert.True(t, rt.removed[rt.containerID])
	assert.True(t, net.disconnected[rt.containerID])
}

func TestRunner_CleanupBeforeStartIsNoop(t *testing.T) {
	rt := newFakeRuntime()
	net := newFakeNetworkManager()
	spec := Spec{ResultID: 1, NodeName: "node1", Image: "algorithm:latest", TasksDir: t.TempDir()}
	r := New(rt, net, spec)

	assert.NoError(t, r.Cleanup(context.Background()))
}
