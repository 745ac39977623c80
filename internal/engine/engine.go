// Package engine orchestrates the node's Docker execution core: task
// admission, duplicate detection, retrying container starts, harvesting
// finished results, and killing running tasks on server request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vantage6/node/internal/container"
	"github.com/vantage6/node/internal/database"
	"github.com/vantage6/node/internal/log"
	"github.com/vantage6/node/internal/network"
	"github.com/vantage6/node/internal/nodeclient"
	"github.com/vantage6/node/internal/policy"
	"github.com/vantage6/node/internal/proxy"
	"github.com/vantage6/node/internal/runner"
	"github.com/vantage6/node/internal/taskstatus"
	"github.com/vantage6/node/internal/vpn"
)

const (
	startRetries    = 3
	startRetryDelay = time.Second
	pollInterval    = time.Second
)

// TaskDescriptor carries everything the engine needs to run one task.
type TaskDescriptor struct {
	ResultID      int
	TaskID        int
	ParentID      int // zero means this is not a subtask
	Image         string
	Input         []byte
	DatabaseLabel string
	IsSubtask     bool
	InitiatorOrg  int
	InitiatorUser int
	PortCount     int
}

// Result is a finished task's outcome, ready to be reported to the server.
type Result struct {
	ResultID int
	TaskID   int
	ParentID int
	Status   taskstatus.Status
	Output   []byte
	Logs     []byte
}

// KillEntry names one task a kill directive targets, scoped to the
// organization that issued it.
type KillEntry struct {
	ResultID       int
	OrganizationID int
}

// KilledResult is the record returned for each task the Kill Controller
// actually stopped.
type KilledResult struct {
	ResultID int
	TaskID   int
	ParentID int
}

// activeTask pairs a running container's supervisor with the task identity
// needed to populate Result/KilledResult once it's no longer just a runner
// looked up by result ID.
type activeTask struct {
	runner   *runner.Runner
	taskID   int
	parentID int
}

// Engine owns the node's private network, its supporting sidecars, and the
// set of currently running and failed task runners.
type Engine struct {
	rt       container.Runtime
	net      *network.Manager
	proxy    *proxy.Controller
	vpn      *vpn.Manager
	gate     *policy.Gate
	dbBinder *database.Binder
	client   nodeclient.Client
	nodeName string
	tasksDir string
	algoEnv  map[string]string
	gpu      bool

	mu     sync.Mutex
	active map[int]*activeTask
	order  []int // insertion order of active result IDs, for FIFO harvesting
	failed map[int]taskstatus.Status
}

// Deps bundles the collaborators an Engine needs, assembled by the command
// wiring layer from loaded configuration.
type Deps struct {
	Runtime      container.Runtime
	Network      *network.Manager
	Proxy        *proxy.Controller
	VPN          *vpn.Manager
	Gate         *policy.Gate
	DBBinder     *database.Binder
	Client       nodeclient.Client
	NodeName     string
	TasksDir     string
	AlgorithmEnv map[string]string
	DeviceGPU    bool
}

// New assembles an Engine from its collaborators.
func New(d Deps) *Engine {
	return &Engine{
		rt:       d.Runtime,
		net:      d.Network,
		proxy:    d.Proxy,
		vpn:      d.VPN,
		gate:     d.Gate,
		dbBinder: d.DBBinder,
		client:   d.Client,
		nodeName: d.NodeName,
		tasksDir: d.TasksDir,
		algoEnv:  d.AlgorithmEnv,
		gpu:      d.DeviceGPU,
		active:   make(map[int]*activeTask),
		failed:   make(map[int]taskstatus.Status),
	}
}

// Run admits, prepares, and starts one task's algorithm container. It
// returns once the container is started (or permanently failed to start),
// not once the task finishes - callers harvest completion via GetResult.
// The returned status mirrors the outcome reported to the server; forwards
// is only populated when status is Active. err carries the underlying
// Go error for logging: it is nil when status is Active or NotAllowed, and
// non-nil whenever the container was not started, including a failed
// admission RPC or Docker daemon round trip (both reported as StartFailed).
func (e *Engine) Run(ctx context.Context, desc TaskDescriptor) (taskstatus.Status, []nodeclient.PortForward, error) {
	admitted, err := e.gate.Admit(ctx, policy.Task{
		Image:         desc.Image,
		IsSubtask:     desc.IsSubtask || desc.ParentID != 0,
		InitiatorOrg:  desc.InitiatorOrg,
		InitiatorUser: desc.InitiatorUser,
	})
	if err != nil {
		return taskstatus.StartFailed, nil, fmt.Errorf("checking admission for result %d: %w", desc.ResultID, err)
	}
	if !admitted {
		e.recordFailure(desc.ResultID, taskstatus.NotAllowed)
		return taskstatus.NotAllowed, nil, nil
	}

	if running, err := e.isAlreadyRunning(ctx, desc.ResultID); err != nil {
		return taskstatus.StartFailed, nil, fmt.Errorf("checking for existing container for result %d: %w", desc.ResultID, err)
	} else if running {
		return taskstatus.Active, nil, nil
	}

	binding, err := e.dbBinder.Resolve(desc.DatabaseLabel)
	if err != nil {
		e.recordFailure(desc.ResultID, taskstatus.StartFailed)
		return taskstatus.StartFailed, nil, fmt.Errorf("resolving database for result %d: %w", desc.ResultID, err)
	}
	stagedURI, err := e.dbBinder.StageFile(binding)
	if err != nil {
		e.recordFailure(desc.ResultID, taskstatus.StartFailed)
		return taskstatus.StartFailed, nil, fmt.Errorf("staging database for result %d: %w", desc.ResultID, err)
	}
	binding.URI = stagedURI

	forwards, err := e.vpn.RequestPorts(ctx, desc.ResultID, desc.PortCount)
	if err != nil {
		e.recordFailure(desc.ResultID, taskstatus.StartFailed)
		return taskstatus.StartFailed, nil, fmt.Errorf("requesting vpn ports for result %d: %w", desc.ResultID, err)
	}

	spec := runner.Spec{
		ResultID:      desc.ResultID,
		TaskID:        desc.TaskID,
		NodeName:      e.nodeName,
		Image:         desc.Image,
		Input:         desc.Input,
		DatabaseLabel: desc.DatabaseLabel,
		Databases:     []database.Binding{binding},
		AlgorithmEnv:  e.algoEnv,
		NetworkID:     e.net.ID(),
		ProxyAddress:  proxy.Address,
		PortForwards:  forwards,
		DeviceGPU:     e.gpu,
		TasksDir:      e.tasksDir,
	}

	r := runner.New(e.rt, e.rt.NetworkManager(), spec)
	if err := e.startWithRetry(ctx, r); err != nil {
		status := taskstatus.StartFailed
		var permErr *runner.PermanentStartFailError
		if errors.As(err, &permErr) {
			status = taskstatus.NoDockerImage
		}
		e.recordFailure(desc.ResultID, status)
		_ = r.Cleanup(ctx)
		e.vpn.ReleasePorts(ctx, desc.ResultID)
		return status, nil, fmt.Errorf("starting result %d: %w", desc.ResultID, err)
	}

	e.mu.Lock()
	e.active[desc.ResultID] = &activeTask{runner: r, taskID: desc.TaskID, parentID: desc.ParentID}
	e.order = append(e.order, desc.ResultID)
	e.mu.Unlock()

	return taskstatus.Active, forwards, nil
}

// startWithRetry makes up to startRetries start attempts, waiting
// startRetryDelay after each transient failure and giving up immediately on
// a permanent failure.
func (e *Engine) startWithRetry(ctx context.Context, r *runner.Runner) error {
	var lastErr error
	for attempt := 1; attempt <= startRetries; attempt++ {
		err := r.Start(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var permErr *runner.PermanentStartFailError
		if errors.As(err, &permErr) {
			return err
		}

		log.Warn("algorithm container start failed, retrying", "attempt", attempt, "error", err)
		if attempt < startRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(startRetryDelay):
			}
		}
	}
	return lastErr
}

// isAlreadyRunning checks the Docker daemon (not the in-memory registry)
// for a container already carrying resultID's label, so a node restart
// with tasks still running doesn't cause duplicate container starts.
func (e *Engine) isAlreadyRunning(ctx context.Context, resultID int) (bool, error) {
	infos, err := e.rt.ListContainersByLabel(ctx, container.LabelResultID, fmt.Sprintf("%d", resultID))
	if err != nil {
		return false, err
	}
	return len(infos) > 0, nil
}

func (e *Engine) recordFailure(resultID int, status taskstatus.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed[resultID] = status
}

// GetResult blocks until a running task finishes, then harvests and returns
// its result in FIFO order (the task that started first is checked first).
// Returns ctx.Err() if ctx is cancelled before anything finishes.
func (e *Engine) GetResult(ctx context.Context) (*Result, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if result, err := e.harvestOne(ctx); err != nil {
			return nil, err
		} else if result != nil {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// harvestOne scans active runners in FIFO order and returns the result of
// the first one that has finished or whose container has disappeared, or
// nil if none have.
func (e *Engine) harvestOne(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	order := append([]int(nil), e.order...)
	e.mu.Unlock()

	for _, resultID := range order {
		e.mu.Lock()
		at, ok := e.active[resultID]
		e.mu.Unlock()
		if !ok {
			continue
		}

		finished, err := at.runner.IsFinished(ctx)
		if err != nil {
			if errors.Is(err, runner.ErrContainerNotFound) {
				result := &Result{ResultID: resultID, TaskID: at.taskID, ParentID: at.parentID, Status: taskstatus.CrashedWithoutExit}
				e.vpn.ReleasePorts(ctx, resultID)
				_ = at.runner.Cleanup(ctx)
				e.finishTask(resultID, result)
				return result, nil
			}
			return nil, err
		}
		if !finished {
			continue
		}

		status, err := at.runner.ExitStatus(ctx)
		if err != nil {
			status = taskstatus.CrashedWithoutExit
		}
		output, _ := at.runner.Results()
		logs, _ := at.runner.Logs(ctx)

		e.vpn.ReleasePorts(ctx, resultID)
		_ = at.runner.Cleanup(ctx)

		result := &Result{ResultID: resultID, TaskID: at.taskID, ParentID: at.parentID, Status: status, Output: output, Logs: logs}
		e.finishTask(resultID, result)
		return result, nil
	}
	return nil, nil
}

// removeActive drops resultID from the active registry and FIFO order
// without touching the failed registry - used both by finishTask and by
// KillTasks, which must not record killed tasks as failed.
func (e *Engine) removeActive(resultID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, resultID)
	for i, id := range e.order {
		if id == resultID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

func (e *Engine) finishTask(resultID int, result *Result) {
	e.removeActive(resultID)
	if result.Status.Failure() {
		e.mu.Lock()
		e.failed[resultID] = result.Status
		e.mu.Unlock()
	}
}

// KillTasks stops tasks on request. orgID identifies this node's own
// organization; kill_list entries are a broadcast directive and entries
// addressed to a different organization are silently skipped. An empty
// killList kills every active task (a server-initiated kill-all).
//
// Killed tasks are reported only through the returned list, never through
// the failed registry - get_result() redelivering a killed task's outcome
// would be incorrect, since the kill has already been reported here.
func (e *Engine) KillTasks(ctx context.Context, orgID int, killList []KillEntry) []KilledResult {
	e.mu.Lock()
	var targets []int
	if len(killList) == 0 {
		targets = append([]int(nil), e.order...)
	} else {
		for _, entry := range killList {
			if entry.OrganizationID != orgID {
				continue
			}
			targets = append(targets, entry.ResultID)
		}
	}
	e.mu.Unlock()

	var killed []KilledResult
	for _, resultID := range targets {
		e.mu.Lock()
		at, ok := e.active[resultID]
		e.mu.Unlock()
		if !ok {
			log.Warn("kill requested for task that is no longer active", "result_id", resultID)
			continue
		}
		if err := at.runner.Cleanup(ctx); err != nil {
			log.Warn("error cleaning up killed task", "result_id", resultID, "error", err)
		}
		e.vpn.ReleasePorts(ctx, resultID)
		e.removeActive(resultID)
		killed = append(killed, KilledResult{ResultID: resultID, TaskID: at.taskID, ParentID: at.parentID})
	}
	return killed
}

// Cleanup tears down every active task, the supporting sidecars, and the
// node's private network, in an order that avoids orphaned containers: stop
// active runners first, then the sidecars that depend on the network, then
// the network itself.
func (e *Engine) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	active := make([]*runner.Runner, 0, len(e.active))
	for _, at := range e.active {
		active = append(active, at.runner)
	}
	e.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, r := range active {
		record(r.Cleanup(ctx))
	}
	record(e.vpn.Stop(ctx, e.rt))
	record(e.proxy.Stop(ctx, e.rt))
	record(e.net.Teardown(ctx, true))
	return firstErr
}
