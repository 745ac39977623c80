package engine

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vantage6/node/internal/config"
	"github.com/vantage6/node/internal/container"
	"github.com/vantage6/node/internal/database"
	"github.com/vantage6/node/internal/network"
	"github.com/vantage6/node/internal/nodeclient"
	"github.com/vantage6/node/internal/policy"
	"github.com/vantage6/node/internal/proxy"
	"github.com/vantage6/node/internal/taskstatus"
)

type fakeNetworkManager struct {
	nextID int
}

func (f *fakeNetworkManager) EnsureNetwork(ctx context.Context, name string) (string, error) {
	return "net-" + name, nil
}
func (f *fakeNetworkManager) Connect(ctx context.Context, networkID, containerID string, aliases []string) error {
	return nil
}
func (f *fakeNetworkManager) Disconnect(ctx context.Context, networkID, containerID string) error {
	return nil
}
func (f *fakeNetworkManager) ListMembers(ctx context.Context, networkID string) ([]string, error) {
	return nil, nil
}
func (f *fakeNetworkManager) RemoveNetwork(ctx context.Context, networkID string) error      { return nil }
func (f *fakeNetworkManager) ForceRemoveNetwork(ctx context.Context, networkID string) error { return nil }

type fakeSidecarManager struct{}

func (f *fakeSidecarManager) StartSidecar(ctx context.Context, cfg container.SidecarConfig) (string, error) {
	return "sidecar-1", nil
}
func (f *fakeSidecarManager) Exec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	return "", 0, nil
}
func (f *fakeSidecarManager) InspectRunning(ctx context.Context, containerID string) (bool, error) {
	return true, nil
}

// fakeRuntime implements container.Runtime entirely in memory: containers
// are "created" by assigning sequential IDs, started containers sit in
// "running" until the test flips them to "exited" via finish().
type fakeRuntime struct {
	netMgr       *fakeNetworkManager
	nextID       int
	states       map[string]string
	exitCodes    map[string]int64
	existingByID map[int]bool // result IDs the daemon already knows about, for duplicate-guard tests
	createErr    error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		netMgr:       &fakeNetworkManager{},
		states:       map[string]string{},
		exitCodes:    map[string]int64{},
		existingByID: map[int]bool{},
	}
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }
func (f *fakeRuntime) CreateContainer(ctx context.Context, cfg container.Config) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := cfg.Name
	f.states[id] = "created"
	return id, nil
}
func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.states[id] = "running"
	return nil
}
func (f *fakeRuntime) StopContainer(ctx context.Context, id string) error {
	f.states[id] = "exited"
	return nil
}
func (f *fakeRuntime) WaitContainer(ctx context.Context, id string) (int64, error) {
	return f.exitCodes[id], nil
}
func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	delete(f.states, id)
	return nil
}
func (f *fakeRuntime) ContainerLogsAll(ctx context.Context, id string) ([]byte, error) {
	return []byte("logs"), nil
}
func (f *fakeRuntime) ContainerState(ctx context.Context, id string) (string, error) {
	state, ok := f.states[id]
	if !ok {
		return "", container.ErrContainerNotFound
	}
	return state, nil
}
func (f *fakeRuntime) ListContainersByLabel(ctx context.Context, key, value string) ([]container.Info, error) {
	if key == container.LabelResultID {
		if resultID, err := strconv.Atoi(value); err == nil && f.existingByID[resultID] {
			return []container.Info{{ID: "existing"}}, nil
		}
	}
	return nil, nil
}
func (f *fakeRuntime) ListImages(ctx context.Context) ([]container.ImageInfo, error) { return nil, nil }
func (f *fakeRuntime) EnsureVolume(ctx context.Context, name string) error           { return nil }
func (f *fakeRuntime) RemoveVolume(ctx context.Context, name string) error           { return nil }
func (f *fakeRuntime) RegistryLogin(ctx context.Context, server, username, password string) error {
	return nil
}
func (f *fakeRuntime) NetworkManager() container.NetworkManager { return f.netMgr }
func (f *fakeRuntime) SidecarManager() container.SidecarManager { return &fakeSidecarManager{} }
func (f *fakeRuntime) Close() error                             { return nil }

// finish marks a container as exited with the given exit code, simulating
// the algorithm finishing its work.
func (f *fakeRuntime) finish(containerName string, exitCode int64) {
	f.states[containerName] = "exited"
	f.exitCodes[containerName] = exitCode
}

func newTestEngine(t *testing.T, rt *fakeRuntime) *Engine {
	t.Helper()
	netMgr := network.New(rt.NetworkManager(), "node1")
	_, err := netMgr.Ensure(context.Background())
	require.NoError(t, err)

	gate, err := policy.New(config.PoliciesConfig{}, nodeclient.Noop{})
	require.NoError(t, err)

	var dbCfg struct {
		Databases config.Databases `yaml:"databases"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("databases:\n  default: postgresql://db/main\n"), &dbCfg))
	binder := database.New(dbCfg.Databases, t.TempDir())

	proxyCtrl := proxy.New(&fakeSidecarManager{}, "node1", t.TempDir())

	return New(Deps{
		Runtime:  rt,
		Network:  netMgr,
		Proxy:    proxyCtrl,
		VPN:      nil,
		Gate:     gate,
		DBBinder: binder,
		Client:   nodeclient.Noop{},
		NodeName: "node1",
		TasksDir: t.TempDir(),
	})
}

func TestEngine_RunStartsAndHarvestsResult(t *testing.T) {
	rt := newFakeRuntime()
	e := newTestEngine(t, rt)

	desc := TaskDescriptor{ResultID: 1, TaskID: 10, ParentID: 3, Image: "algo:latest", Input: []byte("in"), DatabaseLabel: "default"}
	status, _, err := e.Run(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, taskstatus.Active, status)

	name := container.TaskContainerName("node1", 1)
	rt.finish(name, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := e.GetResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ResultID)
	assert.Equal(t, 10, result.TaskID)
	assert.Equal(t, 3, result.ParentID)
	assert.Equal(t, taskstatus.Completed, result.Status)
}

func TestEngine_RunRejectsDuplicates(t *testing.T) {
	rt := newFakeRuntime()
	rt.existingByID[5] = true
	e := newTestEngine(t, rt)

	status, _, err := e.Run(context.Background(), TaskDescriptor{ResultID: 5, Image: "algo:latest"})
	require.NoError(t, err)
	assert.Equal(t, taskstatus.Active, status)

	e.mu.Lock()
	_, started := e.active[5]
	e.mu.Unlock()
	assert.False(t, started, "a duplicate must not be registered as a newly started run")
}

func TestEngine_KillTasksKillsSelected(t *testing.T) {
	rt := newFakeRuntime()
	e := newTestEngine(t, rt)

	_, _, err := e.Run(context.Background(), TaskDescriptor{ResultID: 1, TaskID: 11, Image: "algo:latest", DatabaseLabel: "default"})
	require.NoError(t, err)
	_, _, err = e.Run(context.Background(), TaskDescriptor{ResultID: 2, TaskID: 12, Image: "algo:latest", DatabaseLabel: "default"})
	require.NoError(t, err)

	killed := e.KillTasks(context.Background(), 9, []KillEntry{{ResultID: 1, OrganizationID: 9}})
	require.Len(t, killed, 1)
	assert.Equal(t, KilledResult{ResultID: 1, TaskID: 11, ParentID: 0}, killed[0])

	e.mu.Lock()
	_, stillActive := e.active[2]
	e.mu.Unlock()
	assert.True(t, stillActive)
}

func TestEngine_KillTasksSkipsOrganizationMismatch(t *testing.T) {
	rt := newFakeRuntime()
	e := newTestEngine(t, rt)

	_, _, err := e.Run(context.Background(), TaskDescriptor{ResultID: 1, Image: "algo:latest", DatabaseLabel: "default"})
	require.NoError(t, err)

	killed := e.KillTasks(context.Background(), 9, []KillEntry{{ResultID: 1, OrganizationID: 7}})
	assert.Empty(t, killed)

	e.mu.Lock()
	_, stillActive := e.active[1]
	e.mu.Unlock()
	assert.True(t, stillActive)
}

func TestEngine_KillTasksEmptyListKillsAll(t *testing.T) {
	rt := newFakeRuntime()
	e := newTestEngine(t, rt)

	_, _, err := e.Run(context.Background(), TaskDescriptor{ResultID: 1, Image: "algo:latest", DatabaseLabel: "default"})
	require.NoError(t, err)
	_, _, err = e.Run(context.Background(), TaskDescriptor{ResultID: 2, Image: "algo:latest", DatabaseLabel: "default"})
	require.NoError(t, err)

	killed := e.KillTasks(context.Background(), 9, nil)
	var resultIDs []int
	for _, k := range killed {
		resultIDs = append(resultIDs, k.ResultID)
	}
	assert.ElementsMatch(t, []int{1, 2}, resultIDs)
}

func TestEngine_CleanupTearsDownActiveRunnersAndNetwork(t *testing.T) {
	rt := newFakeRuntime()
	e := newTestEngine(t, rt)

	_, _, err := e.Run(context.Background(), TaskDescriptor{ResultID: 1, Image: "algo:latest", DatabaseLabel: "default"})
	require.NoError(t, err)
	assert.NoError(t, e.Cleanup(context.Background()))
}
