// Package runner implements the Task Runner: the lifecycle of a single
// algorithm container, from container spec construction through cleanup.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vantage6/node/internal/config"
	"github.com/vantage6/node/internal/container"
	"github.com/vantage6/node/internal/database"
	"github.com/vantage6/node/internal/log"
	"github.com/vantage6/node/internal/nodeclient"
	"github.com/vantage6/node/internal/taskstatus"
)

// ErrContainerNotFound means the algorithm container disappeared from under
// the runner - someone removed it outside the node, or the daemon restarted
// and lost it.
var ErrContainerNotFound = errors.New("algorithm container not found")

// UnknownStartFailError wraps a transient container start failure: the
// runner should retry.
type UnknownStartFailError struct{ Err error }

func (e *UnknownStartFailError) Error() string { return "transient start failure: " + e.Err.Error() }
func (e *UnknownStartFailError) Unwrap() error  { return e.Err }

// PermanentStartFailError wraps a terminal container start failure: retrying
// won't help (bad image reference, invalid spec).
type PermanentStartFailError struct{ Err error }

func (e *PermanentStartFailError) Error() string { return "permanent start failure: " + e.Err.Error() }
func (e *PermanentStartFailError) Unwrap() error  { return e.Err }

// Spec is everything the runner needs to construct and run one algorithm
// container.
type Spec struct {
	ResultID      int
	TaskID        int
	NodeName      string
	Image         string
	Input         []byte
	Token         string
	DatabaseLabel string
	Databases     []database.Binding // all resolved bindings, keyed by label inside their own struct
	AlgorithmEnv  map[string]string
	TaskEnv       map[string]string
	NetworkID     string
	ProxyAddress  string
	PortForwards  []nodeclient.PortForward
	DeviceGPU     bool
	TasksDir      string
}

// Runner owns one algorithm container's lifecycle.
type Runner struct {
	rt          container.Runtime
	net         container.NetworkManager
	spec        Spec
	containerID   string
	scratchDir    string
	scratchVolume string
	done          bool
}

// New constructs a Runner. It does not start anything.
func New(rt container.Runtime, net container.NetworkManager, spec Spec) *Runner {
	return &Runner{rt: rt, net: net, spec: spec}
}

// ResultID returns the task's result ID, used by the engine to key its
// active/failed registries.
func (r *Runner) ResultID() int { return r.spec.ResultID }

// Start materializes the scratch directory, builds the container spec, and
// creates and starts the algorithm container. A failure is classified into
// UnknownStartFailError (retry) or PermanentStartFailError (give up).
func (r *Runner) Start(ctx context.Context) error {
	if err := r.prepareScratchDir(); err != nil {
		return &PermanentStartFailError{Err: err}
	}

	r.scratchVolume = config.ScratchVolumeName(r.spec.NodeName, r.spec.ResultID)
	if err := r.rt.EnsureVolume(ctx, r.scratchVolume); err != nil {
		return &UnknownStartFailError{Err: fmt.Errorf("ensuring scratch volume: %w", err)}
	}

	name := container.TaskContainerName(r.spec.NodeName, r.spec.ResultID)
	cfg := r.buildConfig(name)

	id, err := r.rt.CreateContainer(ctx, cfg)
	if err != nil {
		return classifyStartError(err)
	}
	r.containerID = id

	if err := r.net.Connect(ctx, r.spec.NetworkID, id, []string{fmt.Sprintf("result-%d", r.spec.ResultID)}); err != nil {
		return &UnknownStartFailError{Err: err}
	}

	if err := r.rt.StartContainer(ctx, id); err != nil {
		return classifyStartError(err)
	}

	log.Info("algorithm container started", "result_id", r.spec.ResultID, "image", r.spec.Image, "container", id)
	return nil
}

// classifyStartError maps a Docker SDK error onto the start-failure
// taxonomy the engine's retry loop understands. Bad image references and
// invalid container specs are permanent; anything else (daemon hiccups,
// network errors) is assumed transient.
func classifyStartError(err error) error {
	msg := err.Error()
	for _, permanentMarker := range []string{
		"No such image", "not found: manifest unknown", "invalid reference format",
		"pull access denied", "repository does not exist",
	} {
		if strings.Contains(msg, permanentMarker) {
			return &PermanentStartFailError{Err: err}
		}
	}
	return &UnknownStartFailError{Err: err}
}

func (r *Runner) buildConfig(name string) container.Config {
	env := make([]string, 0, len(r.spec.AlgorithmEnv)+len(r.spec.TaskEnv)+2)
	merged := make(map[string]string, len(r.spec.AlgorithmEnv)+len(r.spec.TaskEnv))
	for k, v := range r.spec.AlgorithmEnv {
		merged[k] = v
	}
	for k, v := range r.spec.TaskEnv {
		merged[k] = v // task env wins on conflict
	}
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	if r.spec.ProxyAddress != "" {
		env = append(env, "HTTP_PROXY="+r.spec.ProxyAddress, "HTTPS_PROXY="+r.spec.ProxyAddress)
	}

	mounts := []container.MountConfig{
		{Source: r.scratchDir, Target: "/mnt/scratch"},
		{Source: r.scratchVolume, Target: "/mnt/tmp", IsVolume: true},
	}
	for _, binding := range r.spec.Databases {
		if binding.IsFile {
			mounts = append(mounts, container.MountConfig{Source: binding.URI, Target: "/mnt/data/" + binding.Label, ReadOnly: true})
		} else {
			env = append(env, binding.Label+"_DATABASE_URI="+binding.URI)
		}
	}

	var deviceRequests []container.DeviceRequest
	if r.spec.DeviceGPU {
		deviceRequests = append(deviceRequests, container.DeviceRequest{Count: -1, Capabilities: [][]string{{"gpu"}}})
	}

	portBindings := make(map[int]string, len(r.spec.PortForwards))
	for _, pf := range r.spec.PortForwards {
		portBindings[pf.Port] = "0.0.0.0"
	}

	return container.Config{
		Name:  name,
		Image: r.spec.Image,
		Env:   env,
		Labels: map[string]string{
			container.LabelResultID: fmt.Sprintf("%d", r.spec.ResultID),
			container.LabelTaskID:   fmt.Sprintf("%d", r.spec.TaskID),
			container.LabelNode:     r.spec.NodeName,
		},
		Mounts:         mounts,
		NetworkMode:    r.spec.NetworkID,
		PortBindings:   portBindings,
		DeviceRequests: deviceRequests,
	}
}

func (r *Runner) prepareScratchDir() error {
	dir := filepath.Join(r.spec.TasksDir, fmt.Sprintf("result-%d", r.spec.ResultID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	inputPath := filepath.Join(dir, "input")
	if err := os.WriteFile(inputPath, r.spec.Input, 0644); err != nil {
		return fmt.Errorf("writing task input: %w", err)
	}
	r.scratchDir = dir
	return nil
}

// IsFinished reports whether the algorithm container has exited.
func (r *Runner) IsFinished(ctx context.Context) (bool, error) {
	state, err := r.rt.ContainerState(ctx, r.containerID)
	if err != nil {
		if errors.Is(err, container.ErrContainerNotFound) {
			return false, ErrContainerNotFound
		}
		return false, err
	}
	return state == "exited", nil
}

// ExitStatus inspects the container's exit behavior and returns the status
// to report to the server.
func (r *Runner) ExitStatus(ctx context.Context) (taskstatus.Status, error) {
	code, err := r.rt.WaitContainer(ctx, r.containerID)
	if err != nil {
		return taskstatus.CrashedWithoutExit, err
	}
	if code == 0 {
		return taskstatus.Completed, nil
	}
	return taskstatus.Failed, nil
}

// Results reads the algorithm container's output file from the scratch
// directory.
func (r *Runner) Results() ([]byte, error) {
	path := filepath.Join(r.scratchDir, "output")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task output: %w", err)
	}
	return data, nil
}

// Logs returns the algorithm container's combined stdout/stderr.
func (r *Runner) Logs(ctx context.Context) ([]byte, error) {
	return r.rt.ContainerLogsAll(ctx, r.containerID)
}

// Cleanup stops and removes the container, disconnects it from the
// network, and removes the scratch directory. It is idempotent and safe to
// call multiple times or after a partially-failed Start.
func (r *Runner) Cleanup(ctx context.Context) error {
	if r.done {
		return nil
	}
	r.done = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if r.containerID != "" {
		record(r.rt.StopContainer(ctx, r.containerID))
		record(r.net.Disconnect(ctx, r.spec.NetworkID, r.containerID))
		record(r.rt.RemoveContainer(ctx, r.containerID))
	}
	if r.scratchVolume != "" {
		record(r.rt.RemoveVolume(ctx, r.scratchVolume))
	}
	if r.scratchDir != "" {
		record(os.RemoveAll(r.scratchDir))
	}
	return firstErr
}
