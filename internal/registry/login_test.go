package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vantage6/node/internal/config"
	"github.com/vantage6/node/internal/container"
)

// fakeRuntime implements container.Runtime, recording only the calls this
// package's tests care about.
type fakeRuntime struct {
	loginCalls []string
	failServer string
}

func (f *fakeRuntime) Ping(ctx context.Context) error                                 { return nil }
func (f *fakeRuntime) CreateContainer(ctx context.Context, cfg container.Config) (string, error) {
	return "", nil
}
func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error       { return nil }
func (f *fakeRuntime) StopContainer(ctx context.Context, id string) error        { return nil }
func (f *fakeRuntime) WaitContainer(ctx context.Context, id string) (int64, error) {
	return 0, nil
}
func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error { return nil }
func (f *fakeRuntime) ContainerLogsAll(ctx context.Context, id string) ([]byte, error) {
	return nil, nil
}
func (f *fakeRuntime) ContainerState(ctx context.Context, id string) (string, error) {
	return "", nil
}
func (f *fakeRuntime) ListContainersByLabel(ctx context.Context, key, value string) ([]container.Info, error) {
	return nil, nil
}
func (f *fakeRuntime) ListImages(ctx context.Context) ([]container.ImageInfo, error) {
	return nil, nil
}
func (f *fakeRuntime) EnsureVolume(ctx context.Context, name string) error { return nil }
func (f *fakeRuntime) RemoveVolume(ctx context.Context, name string) error { return nil }
func (f *fakeRuntime) RegistryLogin(ctx context.Context, server, username, password string) error {
	f.loginCalls = append(f.loginCalls, server)
	if server == f.failServer {
		return errors.New("unauthorized")
	}
	return nil
}
func (f *fakeRuntime) NetworkManager() container.NetworkManager { return nil }
func (f *fakeRuntime) SidecarManager() container.SidecarManager { return nil }
func (f *fakeRuntime) Close() error                             { return nil }

func TestLoginAll_ContinuesPastFailures(t *testing.T) {
	rt := &fakeRuntime{failServer: "bad.example.com"}
	registries := []config.RegistryConfig{
		{Server: "bad.example.com", Username: "u", Password: "p"},
		{Server: "good.example.com", Username: "u", Password: "p"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	LoginAll(ctx, rt, registries)

	assert.Equal(t, []string{"bad.example.com", "good.example.com"}, rt.loginCalls)
}
